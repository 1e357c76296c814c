package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	SessionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cdpmux",
			Subsystem: "session",
			Name:      "state",
			Help:      "Current session state (0=disconnected, 1=connecting, 2=ready, 3=degraded)",
		},
	)

	SessionReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cdpmux",
			Subsystem: "session",
			Name:      "reconnects_total",
			Help:      "Total number of reconnect attempts against the endpoint",
		},
	)

	SessionHealthFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cdpmux",
			Subsystem: "session",
			Name:      "health_failures_total",
			Help:      "Total number of failed health probes",
		},
	)

	// Call metrics
	CallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cdpmux",
			Subsystem: "calls",
			Name:      "total",
			Help:      "Total number of multiplexed calls by outcome",
		},
		[]string{"outcome"}, // "ok", "protocol_error", "timeout", "transport", "dropped"
	)

	CallLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "cdpmux",
			Subsystem: "calls",
			Name:      "latency_seconds",
			Help:      "End-to-end call latency in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
	)

	PendingCalls = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cdpmux",
			Subsystem: "calls",
			Name:      "pending",
			Help:      "Number of calls currently awaiting a response",
		},
	)

	OrphanedResponses = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cdpmux",
			Subsystem: "calls",
			Name:      "orphaned_total",
			Help:      "Total number of responses discarded because no owner remained",
		},
	)

	RepliesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cdpmux",
			Subsystem: "calls",
			Name:      "replies_dropped_total",
			Help:      "Total number of replies dropped because the owning client's queue was full",
		},
	)

	// Client metrics
	ActiveClients = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cdpmux",
			Subsystem: "clients",
			Name:      "active_total",
			Help:      "Number of currently attached clients",
		},
		[]string{"kind"},
	)

	ClientsAttached = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cdpmux",
			Subsystem: "clients",
			Name:      "attached_total",
			Help:      "Total number of client attachments",
		},
		[]string{"kind"},
	)

	// Event metrics
	EventsForwarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cdpmux",
			Subsystem: "events",
			Name:      "forwarded_total",
			Help:      "Total number of endpoint events forwarded to subscribers",
		},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cdpmux",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Total number of events dropped due to backpressure",
		},
	)

	EventSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cdpmux",
			Subsystem: "events",
			Name:      "subscribers",
			Help:      "Number of currently active event subscribers",
		},
	)

	// Relay metrics
	RelayActivePairs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cdpmux",
			Subsystem: "relay",
			Name:      "pairs_active",
			Help:      "Number of currently open relay connection pairs",
		},
	)

	RelayPairsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cdpmux",
			Subsystem: "relay",
			Name:      "pairs_total",
			Help:      "Total number of relay connection pairs accepted",
		},
	)

	RelayBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cdpmux",
			Subsystem: "relay",
			Name:      "bytes_total",
			Help:      "Total bytes relayed by direction",
		},
		[]string{"direction"}, // "upstream" or "downstream"
	)

	// Stream transport metrics
	StreamClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cdpmux",
			Subsystem: "stream",
			Name:      "connections_active",
			Help:      "Number of currently active streaming WebSocket connections",
		},
	)

	StreamBackpressureDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cdpmux",
			Subsystem: "stream",
			Name:      "backpressure_drops_total",
			Help:      "Total number of frames dropped due to slow streaming clients",
		},
	)

	// Journal metrics
	JournalWrites = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cdpmux",
			Subsystem: "journal",
			Name:      "writes_total",
			Help:      "Total number of call records written to the journal",
		},
	)

	JournalDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cdpmux",
			Subsystem: "journal",
			Name:      "drops_total",
			Help:      "Total number of call records dropped because the journal queue was full",
		},
	)

	// Spool metrics
	ResultsSpooled = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cdpmux",
			Subsystem: "spool",
			Name:      "results_total",
			Help:      "Total number of oversized results spooled to disk",
		},
	)
)
