package mux

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/odvcencio/cdpmux/pkg/cdp"
	"github.com/odvcencio/cdpmux/pkg/observability"
)

var (
	ErrUnknownClient = errors.New("unknown client")
	ErrMissingMethod = errors.New("missing method")
)

// Invoker is the serialized call path into the endpoint session.
type Invoker interface {
	NextID() int64
	Call(ctx context.Context, id int64, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error)
}

// Resolution describes one finished call for observers such as the call
// journal and the event mirror.
type Resolution struct {
	GlobalID   int64
	ClientID   string
	ClientKind Kind
	Method     string
	Elapsed    time.Duration
	Err        error
}

// Outcome buckets the resolution for accounting.
func (r Resolution) Outcome() string {
	return classifyOutcome(r.Err)
}

// PendingInfo is a snapshot of one in-flight call.
type PendingInfo struct {
	GlobalID    int64           `json:"global_id"`
	ClientID    string          `json:"client_id"`
	OriginalID  json.RawMessage `json:"original_id"`
	Method      string          `json:"method"`
	SubmittedAt time.Time       `json:"submitted_at"`
	TimeoutMS   int64           `json:"timeout_ms"`
}

type pendingCall struct {
	clientID    string
	originalID  json.RawMessage
	method      string
	submittedAt time.Time
	timeout     time.Duration
}

// Mux fans many logical clients into the one serialized session call path.
//
// Every submission gets a fresh global id from the session's counter, and
// that id is also the frame id on the wire. Clients can therefore pick any
// ids they like for themselves, including colliding ones; responses still
// route back unambiguously through the pending table.
type Mux struct {
	invoker  Invoker
	registry *Registry
	log      *observability.Logger

	mu      sync.Mutex
	pending map[int64]pendingCall

	observer func(Resolution)
}

// New creates a mux over the given call path and registry.
func New(invoker Invoker, registry *Registry, log *observability.Logger) *Mux {
	if log == nil {
		log = observability.NewLogger("mux", observability.ParseLevel("info"))
	}
	return &Mux{
		invoker:  invoker,
		registry: registry,
		log:      log,
		pending:  make(map[int64]pendingCall),
	}
}

// Registry returns the client registry backing this mux.
func (m *Mux) Registry() *Registry {
	return m.registry
}

// SetObserver installs a hook that sees every resolution. Install during
// wiring, before traffic starts.
func (m *Mux) SetObserver(fn func(Resolution)) {
	m.observer = fn
}

// Submit registers a pending call for the client and drives it through the
// serialized call path in the background. It returns the allocated global
// id immediately; the outcome is delivered on the client's reply channel.
//
// A zero timeout applies the call path's default.
func (m *Mux) Submit(ctx context.Context, clientID string, originalID json.RawMessage, method string, params json.RawMessage, timeout time.Duration) (int64, error) {
	if method == "" {
		return 0, ErrMissingMethod
	}
	client, ok := m.registry.Get(clientID)
	if !ok {
		return 0, ErrUnknownClient
	}

	globalID := m.invoker.NextID()
	m.mu.Lock()
	m.pending[globalID] = pendingCall{
		clientID:    clientID,
		originalID:  originalID,
		method:      method,
		submittedAt: time.Now(),
		timeout:     timeout,
	}
	m.mu.Unlock()

	m.registry.noteRequest(client)
	observability.PendingCalls.Inc()

	go m.drive(ctx, globalID, method, params, timeout)
	return globalID, nil
}

func (m *Mux) drive(ctx context.Context, globalID int64, method string, params json.RawMessage, timeout time.Duration) {
	result, err := m.invoker.Call(ctx, globalID, method, params, timeout)
	m.resolve(globalID, result, err)
}

// resolve removes the pending entry and delivers the outcome to the owning
// client. Entries removed by an earlier detach mean the resolution has no
// owner anymore; it is logged and dropped.
func (m *Mux) resolve(globalID int64, result json.RawMessage, err error) {
	m.mu.Lock()
	pc, ok := m.pending[globalID]
	if ok {
		delete(m.pending, globalID)
	}
	m.mu.Unlock()

	if !ok {
		observability.OrphanedResponses.Inc()
		m.log.OrphanDiscarded(globalID, "owner detached before resolution")
		return
	}
	observability.PendingCalls.Dec()

	elapsed := time.Since(pc.submittedAt)
	outcome := classifyOutcome(err)
	observability.CallsTotal.WithLabelValues(outcome).Inc()
	observability.CallLatency.Observe(elapsed.Seconds())
	m.log.CallResolved(globalID, pc.method, outcome, float64(elapsed.Microseconds())/1000.0)

	client, alive := m.registry.Get(pc.clientID)
	if err != nil {
		m.registry.noteFailure(client)
	}

	if m.observer != nil {
		kind := Kind("")
		if client != nil {
			kind = client.Kind
		}
		m.observer(Resolution{
			GlobalID:   globalID,
			ClientID:   pc.clientID,
			ClientKind: kind,
			Method:     pc.method,
			Elapsed:    elapsed,
			Err:        err,
		})
	}

	if !alive {
		observability.OrphanedResponses.Inc()
		m.log.OrphanDiscarded(globalID, "client gone at delivery")
		return
	}

	select {
	case client.replies <- Reply{ID: pc.originalID, Result: result, Err: err}:
	default:
		observability.RepliesDropped.Inc()
		m.log.Warn("reply dropped, client queue full",
			"client_id", pc.clientID,
			"global_id", globalID,
			"method", pc.method,
		)
	}
}

// DetachClient removes the client and its pending entries. In-flight
// physical calls are left to finish on the wire; their resolutions arrive
// later, find no entry, and are discarded.
func (m *Mux) DetachClient(clientID string) {
	removed := 0
	m.mu.Lock()
	for id, pc := range m.pending {
		if pc.clientID == clientID {
			delete(m.pending, id)
			removed++
		}
	}
	m.mu.Unlock()

	if removed > 0 {
		observability.PendingCalls.Sub(float64(removed))
	}
	if m.registry.Detach(clientID) {
		m.log.ClientDetached(clientID, removed)
	}
}

// PendingCount returns the number of calls currently awaiting resolution.
func (m *Mux) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// PendingSnapshot returns the in-flight calls ordered by global id.
func (m *Mux) PendingSnapshot() []PendingInfo {
	m.mu.Lock()
	out := make([]PendingInfo, 0, len(m.pending))
	for id, pc := range m.pending {
		out = append(out, PendingInfo{
			GlobalID:    id,
			ClientID:    pc.clientID,
			OriginalID:  pc.originalID,
			Method:      pc.method,
			SubmittedAt: pc.submittedAt,
			TimeoutMS:   pc.timeout.Milliseconds(),
		})
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].GlobalID < out[j].GlobalID
	})
	return out
}

func classifyOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case cdp.IsTimeoutError(err):
		return "timeout"
	case isProtocol(err):
		return "protocol_error"
	case cdp.IsConnectionError(err):
		return "transport"
	default:
		return "error"
	}
}

func isProtocol(err error) bool {
	_, ok := cdp.IsProtocolError(err)
	return ok
}
