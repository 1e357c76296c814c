package observability

import (
	"log/slog"
	"os"
	"strings"
)

// DefaultLevel is the log level used when none is configured.
const DefaultLevel = slog.LevelInfo

// Logger is a structured logger for cdpmux components
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new structured logger
func NewLogger(component string, level slog.Level) *Logger {
	opts := &slog.HandlerOptions{
		Level: level,
	}

	handler := slog.NewJSONHandler(os.Stderr, opts)

	logger := slog.New(handler).With(
		slog.String("component", component),
		slog.String("system", "cdpmux"),
	)

	return &Logger{Logger: logger}
}

// ParseLevel maps a config-file level string to a slog level.
// Unknown values fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithComponent returns a logger scoped to a sub-component
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.Logger.With(
			slog.String("component", component),
		),
	}
}

// WithClient returns a logger with client-specific fields
func (l *Logger) WithClient(clientID string, kind string) *Logger {
	return &Logger{
		Logger: l.Logger.With(
			slog.String("client_id", clientID),
			slog.String("client_kind", kind),
		),
	}
}

// WithCall returns a logger with call-specific fields
func (l *Logger) WithCall(globalID int64, method string) *Logger {
	return &Logger{
		Logger: l.Logger.With(
			slog.Int64("global_id", globalID),
			slog.String("method", method),
		),
	}
}

// ClientAttached logs a client registration event
func (l *Logger) ClientAttached(clientID string, kind string) {
	l.Info("client attached",
		slog.String("client_id", clientID),
		slog.String("client_kind", kind),
	)
}

// ClientDetached logs a client removal event
func (l *Logger) ClientDetached(clientID string, droppedCalls int) {
	l.Info("client detached",
		slog.String("client_id", clientID),
		slog.Int("dropped_calls", droppedCalls),
	)
}

// CallResolved logs completion of a multiplexed call
func (l *Logger) CallResolved(globalID int64, method string, outcome string, durationMS float64) {
	l.Debug("call resolved",
		slog.Int64("global_id", globalID),
		slog.String("method", method),
		slog.String("outcome", outcome),
		slog.Float64("duration_ms", durationMS),
	)
}

// OrphanDiscarded logs a late response that no longer has an owner
func (l *Logger) OrphanDiscarded(globalID int64, reason string) {
	l.Debug("orphaned response discarded",
		slog.Int64("global_id", globalID),
		slog.String("reason", reason),
	)
}

// SessionStateChanged logs a session state transition
func (l *Logger) SessionStateChanged(from, to string) {
	l.Info("session state changed",
		slog.String("from_state", from),
		slog.String("to_state", to),
	)
}

// ReconnectAttempt logs one reconnect attempt against the endpoint
func (l *Logger) ReconnectAttempt(attempt int, backoff string, err error) {
	if err != nil {
		l.Warn("reconnect attempt failed",
			slog.Int("attempt", attempt),
			slog.String("next_backoff", backoff),
			slog.String("error", err.Error()),
		)
		return
	}
	l.Info("reconnected to endpoint",
		slog.Int("attempt", attempt),
	)
}

// RelayPairOpened logs a new relay connection pair
func (l *Logger) RelayPairOpened(remote, target string) {
	l.Debug("relay pair opened",
		slog.String("remote_addr", remote),
		slog.String("target_addr", target),
	)
}

// RelayPairClosed logs teardown of a relay connection pair
func (l *Logger) RelayPairClosed(remote string, sent, received int64) {
	l.Debug("relay pair closed",
		slog.String("remote_addr", remote),
		slog.Int64("bytes_sent", sent),
		slog.Int64("bytes_received", received),
	)
}
