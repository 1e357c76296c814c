// Package server exposes the multiplexed session over HTTP: a one-shot call
// endpoint, a streaming WebSocket endpoint, and status/stats/metrics queries.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/odvcencio/cdpmux/pkg/cdp"
	"github.com/odvcencio/cdpmux/pkg/events"
	"github.com/odvcencio/cdpmux/pkg/journal"
	"github.com/odvcencio/cdpmux/pkg/mux"
	"github.com/odvcencio/cdpmux/pkg/observability"
)

const (
	readHeaderTimeout = 10 * time.Second
	maxCallBodyBytes  = 8 << 20
)

// Config controls the server behavior.
type Config struct {
	// Bind is the listen address, host:port.
	Bind string
	// AuthToken, when set, is required as a bearer token on every call,
	// stream, and stats request. Health and metrics stay open.
	AuthToken string
	// RateLimit caps submissions per second across all clients. Zero or
	// negative means unlimited.
	RateLimit float64
	// RateBurst is the submission burst allowance when RateLimit is set.
	RateBurst int
	// SpillThreshold is the result size in bytes above which results are
	// spooled to disk and answered by reference. Zero or negative disables
	// spooling.
	SpillThreshold int
	// SpillDir is where spooled results are written.
	SpillDir string
	// MaxStreamConns limits concurrent streaming connections. Zero or
	// negative means unlimited.
	MaxStreamConns int
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration
	// Logger receives server lifecycle events.
	Logger *observability.Logger
}

// SessionInfo is the slice of the session the status endpoints read.
type SessionInfo interface {
	State() cdp.State
	Connected() bool
}

// Server hosts the client-facing transports over one shared mux.
type Server struct {
	cfg     Config
	session SessionInfo
	mux     *mux.Mux
	hub     *events.Hub
	journal *journal.Journal
	log     *observability.Logger

	spool       *spooler
	limiter     *rate.Limiter
	streamConns *connLimiter

	httpServer *http.Server
	ln         net.Listener
}

// New wires a server over the given mux and session. hub and jrnl may be nil
// to disable event streaming and journal aggregates respectively.
func New(cfg Config, session SessionInfo, m *mux.Mux, hub *events.Hub, jrnl *journal.Journal) *Server {
	if cfg.Bind == "" {
		cfg.Bind = "127.0.0.1:9223"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger("server", observability.DefaultLevel)
	}

	s := &Server{
		cfg:         cfg,
		session:     session,
		mux:         m,
		hub:         hub,
		journal:     jrnl,
		log:         cfg.Logger,
		spool:       newSpooler(cfg.SpillDir, cfg.SpillThreshold, cfg.Logger),
		streamConns: newConnLimiter(cfg.MaxStreamConns),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(cfg.RateLimit)
			if burst < 1 {
				burst = 1
			}
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()

	router.Get("/healthz", s.handleHealthz)
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	router.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/json/call", s.handleCall)
		r.Get("/ws", s.handleStream)
		r.Get("/status", s.handleStatus)
		r.Get("/stats", s.handleStats)
	})
	return router
}

// Listen binds the configured address. Addr reports the bound address
// afterwards, which is useful with port 0.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Bind)
	if err != nil {
		return fmt.Errorf("server listen on %s: %w", s.cfg.Bind, err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound listener address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve runs the HTTP server until ctx is cancelled, then shuts down
// gracefully within the configured timeout.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		return errors.New("server: Serve called before Listen")
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info("server listening", "addr", s.ln.Addr().String())
	err := s.httpServer.Serve(s.ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe binds and serves in one call.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// allowSubmit applies the global submission rate limit.
func (s *Server) allowSubmit() bool {
	return s.limiter == nil || s.limiter.Allow()
}

// authMiddleware enforces the configured bearer token.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.cfg.AuthToken)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type connLimiter struct {
	max    int
	mu     sync.Mutex
	active int
}

func newConnLimiter(max int) *connLimiter {
	return &connLimiter{max: max}
}

func (l *connLimiter) Acquire() bool {
	if l == nil || l.max <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active >= l.max {
		return false
	}
	l.active++
	return true
}

func (l *connLimiter) Release() {
	if l == nil || l.max <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active > 0 {
		l.active--
	}
}
