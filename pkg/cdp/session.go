package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/odvcencio/cdpmux/pkg/observability"
)

// State is the session lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	default:
		return "disconnected"
	}
}

const (
	DefaultConnectTimeout  = 15 * time.Second
	DefaultCallTimeout     = 10 * time.Second
	DefaultHealthTimeout   = 3 * time.Second
	DefaultHealthInterval  = 30 * time.Second
	DefaultReconnectFloor  = 500 * time.Millisecond
	DefaultReconnectCeil   = 30 * time.Second
	DefaultMaxReconnects   = 5
	DefaultReadLimit       = 32 << 20
	healthProbeMethod      = "Browser.getVersion"
	keepaliveInterval      = 30 * time.Second
	keepalivePingTimeout   = 5 * time.Second
)

// DefaultDomains are the protocol domains enabled after every connect so the
// endpoint starts emitting lifecycle, runtime, and log events.
var DefaultDomains = []string{"Page", "Runtime", "Log"}

// SessionConfig configures a Session.
type SessionConfig struct {
	// Endpoint is a ws:// debugger URL or a host:port resolved through
	// /json/version.
	Endpoint string

	ConnectTimeout time.Duration
	HealthTimeout  time.Duration
	HealthInterval time.Duration

	ReconnectBackoff    time.Duration
	MaxReconnectBackoff time.Duration
	// MaxReconnects bounds consecutive failed reconnect attempts before the
	// session goes terminally disconnected. Zero or negative means retry
	// forever.
	MaxReconnects int

	// Domains enabled after connect. Defaults to DefaultDomains.
	Domains []string

	ReadLimit int64

	// OnEvent receives every asynchronous endpoint notification. Must not
	// block; set before Connect.
	OnEvent func(Event)

	Logger *observability.Logger
}

func (c *SessionConfig) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = DefaultHealthTimeout
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = DefaultReconnectFloor
	}
	if c.MaxReconnectBackoff <= 0 {
		c.MaxReconnectBackoff = DefaultReconnectCeil
	}
	if c.Domains == nil {
		c.Domains = DefaultDomains
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = DefaultReadLimit
	}
	if c.Logger == nil {
		c.Logger = observability.NewLogger("cdp", observability.ParseLevel("info"))
	}
}

type callOutcome struct {
	result json.RawMessage
	err    error
}

// Session owns the single control WebSocket to the endpoint. It routes
// responses to waiting calls by frame id, fans events out to the configured
// sink, and re-establishes the connection with backoff when it drops.
//
// All frame ids on the wire come from NextID, so a new call can never collide
// with an id that is still outstanding from an abandoned one.
type Session struct {
	cfg SessionConfig
	log *observability.Logger

	ids atomic.Int64

	mu        sync.Mutex
	conn      *websocket.Conn
	closed    bool
	runCtx    context.Context
	runCancel context.CancelFunc

	state atomic.Int32

	pendingMu sync.Mutex
	pending   map[int64]chan callOutcome

	reconnecting atomic.Bool
	healthOnce   sync.Once
}

// NewSession creates a session for the given endpoint. The connection is not
// established until Connect.
func NewSession(cfg SessionConfig) *Session {
	cfg.applyDefaults()
	return &Session{
		cfg:     cfg,
		log:     cfg.Logger,
		pending: make(map[int64]chan callOutcome),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Connected reports whether a live connection to the endpoint exists.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// NextID allocates the next frame id. Every frame written to the endpoint,
// whether client-driven or internal, draws from this one counter.
func (s *Session) NextID() int64 {
	return s.ids.Add(1)
}

// Connect resolves the debugger URL, dials it, and enables the configured
// protocol domains. It also starts the periodic health probe.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	if s.runCtx == nil {
		s.runCtx, s.runCancel = context.WithCancel(context.Background())
	}
	s.mu.Unlock()

	s.setState(StateConnecting)
	if err := s.dial(ctx); err != nil {
		s.setState(StateDisconnected)
		return err
	}
	s.setState(StateReady)

	s.healthOnce.Do(func() {
		go s.healthLoop(s.runCtx)
	})
	return nil
}

// dial establishes one connection generation: resolve, dial, start the read
// and keepalive loops, then enable domains over the new connection.
func (s *Session) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	wsURL, err := ResolveDebuggerURL(dialCtx, s.cfg.Endpoint)
	if err != nil {
		return err
	}

	conn, resp, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusInternalServerError {
			// The endpoint accepts a single debugger client and answers 500
			// while another one holds the socket.
			return fmt.Errorf("%w: %v", ErrEndpointBusy, err)
		}
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	conn.SetReadLimit(s.cfg.ReadLimit)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "session closed")
		return ErrSessionClosed
	}
	s.conn = conn
	runCtx := s.runCtx
	s.mu.Unlock()

	go s.readLoop(runCtx, conn)
	go s.keepalive(runCtx, conn)

	for _, domain := range s.cfg.Domains {
		if _, err := s.roundTrip(dialCtx, conn, s.NextID(), domain+".enable", nil); err != nil {
			if _, ok := IsProtocolError(err); ok {
				// The endpoint answered, it just does not know the domain.
				// Keep the connection and move on.
				s.log.Warn("domain enable rejected", "domain", domain, "error", err.Error())
				continue
			}
			s.dropConn(conn, err)
			return fmt.Errorf("%w: enable %s: %v", ErrNotConnected, domain, err)
		}
	}
	return nil
}

// Invoke performs one physical call using the supplied frame id and blocks
// until the matching response arrives or ctx expires. Expiry abandons the
// call without tearing down the connection; the late response is discarded
// by the read loop.
func (s *Session) Invoke(ctx context.Context, id int64, method string, params json.RawMessage) (json.RawMessage, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}
	return s.roundTrip(ctx, conn, id, method, params)
}

func (s *Session) roundTrip(ctx context.Context, conn *websocket.Conn, id int64, method string, params json.RawMessage) (json.RawMessage, error) {
	ch := make(chan callOutcome, 1)
	s.addPending(id, ch)
	defer s.removePending(id)

	frame, err := json.Marshal(Request{ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		s.connectionLost(conn, err)
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	select {
	case out := <-ch:
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HealthCheck issues a cheap version probe with a short deadline. It runs
// outside the serialized call path so a stuck call cannot mask a dead
// connection; a probe timeout tears the connection down and starts the
// reconnect loop.
func (s *Session) HealthCheck(ctx context.Context) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.HealthTimeout)
	defer cancel()

	_, err := s.roundTrip(probeCtx, conn, s.NextID(), healthProbeMethod, nil)
	if err != nil {
		if _, ok := IsProtocolError(err); ok {
			// An error envelope still proves the endpoint is answering.
			return nil
		}
		observability.SessionHealthFailures.Inc()
		s.connectionLost(conn, err)
		return err
	}
	return nil
}

// Close tears down the session permanently. In-flight calls fail with
// ErrSessionClosed and no reconnect is attempted.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	cancel := s.runCancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
	}
	s.failPending(ErrSessionClosed)
	s.setState(StateDisconnected)
	return nil
}

func (s *Session) ensureReady() error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	switch s.State() {
	case StateReady:
		return nil
	case StateConnecting, StateDegraded:
		return ErrReconnecting
	default:
		return ErrNotConnected
	}
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.connectionLost(conn, err)
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Debug("discarding malformed frame", "error", err.Error())
			continue
		}

		switch {
		case msg.ID != nil:
			s.resolvePending(*msg.ID, &msg)
		case msg.IsEvent():
			observability.EventsForwarded.Inc()
			if s.cfg.OnEvent != nil {
				s.cfg.OnEvent(Event{Method: msg.Method, Params: msg.Params})
			}
		}
	}
}

// keepalive pings the endpoint so half-dead connections are noticed even
// when no calls or events are flowing.
func (s *Session) keepalive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.owns(conn) {
				return
			}
			pingCtx, cancel := context.WithTimeout(ctx, keepalivePingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				s.connectionLost(conn, err)
				return
			}
		}
	}
}

func (s *Session) healthLoop(ctx context.Context) {
	if s.cfg.HealthInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.State()
			if st == StateDegraded && !s.reconnecting.Load() {
				// Recovery stalled without an owner; restart it.
				go s.reconnectLoop()
				continue
			}
			if st != StateReady {
				continue
			}
			if err := s.HealthCheck(ctx); err != nil && !errors.Is(err, ErrSessionClosed) {
				s.log.Warn("health probe failed", "error", err.Error())
			}
		}
	}
}

// connectionLost retires one connection generation: it fails every pending
// call with a transport error and kicks off the reconnect loop. Calls for a
// generation that was already retired are ignored. A loss during an active
// dial does not spawn a second loop; whoever runs the dial owns the retry.
func (s *Session) connectionLost(conn *websocket.Conn, cause error) {
	s.mu.Lock()
	if s.conn != conn || s.closed {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.mu.Unlock()

	prev := s.State()
	_ = conn.Close(websocket.StatusGoingAway, "connection lost")
	s.log.Warn("endpoint connection lost", "error", cause.Error())
	s.failPending(fmt.Errorf("%w: %v", ErrConnectionLost, cause))
	s.setState(StateDegraded)
	if prev == StateReady {
		go s.reconnectLoop()
	}
}

func (s *Session) dropConn(conn *websocket.Conn, cause error) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	_ = conn.Close(websocket.StatusGoingAway, "setup failed")
	s.failPending(fmt.Errorf("%w: %v", ErrConnectionLost, cause))
}

// reconnectLoop re-dials with doubling backoff until it succeeds, the
// session closes, or the attempt ceiling is hit. Hitting the ceiling leaves
// the session terminally disconnected; every later call fails until an
// operator restarts it.
func (s *Session) reconnectLoop() {
	if !s.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer s.reconnecting.Store(false)

	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		return
	}

	backoff := s.cfg.ReconnectBackoff
	for attempt := 1; s.cfg.MaxReconnects <= 0 || attempt <= s.cfg.MaxReconnects; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		s.setState(StateConnecting)
		observability.SessionReconnects.Inc()

		err := s.dial(ctx)
		if err == nil {
			s.setState(StateReady)
			s.log.ReconnectAttempt(attempt, "", nil)
			return
		}
		if errors.Is(err, ErrSessionClosed) {
			return
		}

		backoff *= 2
		if backoff > s.cfg.MaxReconnectBackoff {
			backoff = s.cfg.MaxReconnectBackoff
		}
		s.log.ReconnectAttempt(attempt, backoff.String(), err)
	}

	s.log.Error("endpoint unreachable, giving up", "attempts", s.cfg.MaxReconnects)
	s.setState(StateDisconnected)
}

func (s *Session) owns(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn == conn
}

func (s *Session) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old != st {
		s.log.SessionStateChanged(old.String(), st.String())
		observability.SessionState.Set(float64(st))
	}
}

func (s *Session) addPending(id int64, ch chan callOutcome) {
	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()
}

func (s *Session) removePending(id int64) {
	s.pendingMu.Lock()
	delete(s.pending, id)
	s.pendingMu.Unlock()
}

func (s *Session) resolvePending(id int64, msg *Message) {
	s.pendingMu.Lock()
	ch, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.pendingMu.Unlock()

	if !ok {
		observability.OrphanedResponses.Inc()
		s.log.OrphanDiscarded(id, "no waiter for frame")
		return
	}
	if msg.Error != nil {
		ch <- callOutcome{err: msg.Error}
		return
	}
	ch <- callOutcome{result: msg.Result}
}

func (s *Session) failPending(err error) {
	s.pendingMu.Lock()
	pending := s.pending
	s.pending = make(map[int64]chan callOutcome)
	s.pendingMu.Unlock()

	for _, ch := range pending {
		ch <- callOutcome{err: err}
	}
}
