package mux

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/odvcencio/cdpmux/pkg/observability"
)

// Kind classifies how a client reached the process.
type Kind string

const (
	// KindTransient marks one-shot request/response callers.
	KindTransient Kind = "transient"
	// KindStreaming marks long-lived WebSocket callers.
	KindStreaming Kind = "streaming"
)

// Valid reports whether the kind is one of the known transports.
func (k Kind) Valid() bool {
	return k == KindTransient || k == KindStreaming
}

// replyBuffer bounds how many undelivered replies a client can accumulate
// before new ones are dropped.
const replyBuffer = 64

// Reply is one resolved call delivered back to its owning client. ID is the
// client's original identifier, returned verbatim.
type Reply struct {
	ID     json.RawMessage
	Result json.RawMessage
	Err    error
}

// Client is one attached consumer of the shared session.
type Client struct {
	ID          string
	Kind        Kind
	ConnectedAt time.Time

	requests atomic.Int64
	errors   atomic.Int64

	replies chan Reply
}

// Replies is the channel resolved calls are delivered on, in resolution
// order. It is never closed; a detached client simply stops receiving.
func (c *Client) Replies() <-chan Reply {
	return c.replies
}

// RequestCount returns how many calls this client has submitted.
func (c *Client) RequestCount() int64 {
	return c.requests.Load()
}

// ErrorCount returns how many of this client's calls failed.
func (c *Client) ErrorCount() int64 {
	return c.errors.Load()
}

// ClientInfo is a point-in-time snapshot of one client.
type ClientInfo struct {
	ID           string    `json:"client_id"`
	Kind         Kind      `json:"transport_kind"`
	ConnectedAt  time.Time `json:"connected_at"`
	RequestCount int64     `json:"request_count"`
	ErrorCount   int64     `json:"error_count"`
}

// Stats aggregates process-wide counters. The totals are monotonic and
// survive client detach.
type Stats struct {
	TotalClients   int64 `json:"total_clients"`
	ActiveClients  int   `json:"active_clients"`
	TotalRequests  int64 `json:"total_requests"`
	FailedRequests int64 `json:"failed_requests"`
}

// Registry tracks attached clients. IDs are random and never reused, so a
// stale reference can never alias a later client.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client

	totalClients   atomic.Int64
	totalRequests  atomic.Int64
	failedRequests atomic.Int64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]*Client),
	}
}

// Attach registers a new client of the given kind and returns it.
func (r *Registry) Attach(kind Kind) *Client {
	client := &Client{
		ID:          uuid.NewString(),
		Kind:        kind,
		ConnectedAt: time.Now(),
		replies:     make(chan Reply, replyBuffer),
	}

	r.mu.Lock()
	r.clients[client.ID] = client
	r.mu.Unlock()

	r.totalClients.Add(1)
	observability.ClientsAttached.WithLabelValues(string(kind)).Inc()
	observability.ActiveClients.WithLabelValues(string(kind)).Inc()
	return client
}

// Detach removes a client. The reply channel stays open so a concurrent
// delivery can never hit a closed channel; replies for a detached client
// are dropped at lookup instead.
func (r *Registry) Detach(id string) bool {
	r.mu.Lock()
	client, ok := r.clients[id]
	if ok {
		delete(r.clients, id)
	}
	r.mu.Unlock()

	if ok {
		observability.ActiveClients.WithLabelValues(string(client.Kind)).Dec()
	}
	return ok
}

// Get returns the attached client with the given id.
func (r *Registry) Get(id string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[id]
	return client, ok
}

// ActiveCount returns the number of currently attached clients.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Stats returns the process-wide counters.
func (r *Registry) Stats() Stats {
	return Stats{
		TotalClients:   r.totalClients.Load(),
		ActiveClients:  r.ActiveCount(),
		TotalRequests:  r.totalRequests.Load(),
		FailedRequests: r.failedRequests.Load(),
	}
}

// Snapshot returns every attached client ordered by attach time.
func (r *Registry) Snapshot() []ClientInfo {
	r.mu.RLock()
	out := make([]ClientInfo, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, ClientInfo{
			ID:           c.ID,
			Kind:         c.Kind,
			ConnectedAt:  c.ConnectedAt,
			RequestCount: c.RequestCount(),
			ErrorCount:   c.ErrorCount(),
		})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// noteRequest records a submission for the client and the process totals.
func (r *Registry) noteRequest(client *Client) {
	client.requests.Add(1)
	r.totalRequests.Add(1)
}

// noteFailure records a failed call. The client may already be detached, in
// which case only the process total moves.
func (r *Registry) noteFailure(client *Client) {
	if client != nil {
		client.errors.Add(1)
	}
	r.failedRequests.Add(1)
}
