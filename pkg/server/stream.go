package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/odvcencio/cdpmux/pkg/cdp"
	"github.com/odvcencio/cdpmux/pkg/events"
	"github.com/odvcencio/cdpmux/pkg/mux"
	"github.com/odvcencio/cdpmux/pkg/observability"
)

const (
	streamReadLimit    = 1 << 20
	streamReadTimeout  = 60 * time.Second
	streamWriteTimeout = 10 * time.Second
	streamPingInterval = 30 * time.Second
	localReplyBuffer   = 16
)

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The bearer token is the access control; origins are not.
		return true
	},
}

// streamConn is one streaming client: a WebSocket carrying any number of
// calls over time, plus locally handled mux.* control methods and forwarded
// endpoint events.
type streamConn struct {
	server *Server
	conn   *websocket.Conn
	client *mux.Client

	// local carries control-method responses; replies from the mux arrive
	// on the client's own channel.
	local chan callResponse

	mu       sync.Mutex
	patterns []string
}

// handleStream is the streaming transport. Responses are delivered in
// resolution order, which matches submission order only for clients that
// wait for each call before sending the next.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !s.streamConns.Acquire() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "streaming connection limit reached"})
		return
	}
	defer s.streamConns.Release()

	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("stream upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	observability.StreamClients.Inc()
	defer observability.StreamClients.Dec()

	client := s.mux.Registry().Attach(mux.KindStreaming)
	defer s.mux.DetachClient(client.ID)
	s.log.ClientAttached(client.ID, string(mux.KindStreaming))

	sc := &streamConn{
		server: s,
		conn:   conn,
		client: client,
		local:  make(chan callResponse, localReplyBuffer),
	}

	// The subscription exists for the connection's whole life; mux.subscribe
	// only changes what the filter lets through. An empty pattern set
	// matches nothing, so unsubscribed clients see no event traffic.
	var eventCh <-chan cdp.Event
	if s.hub != nil {
		ch, unsubscribe := s.hub.Subscribe(sc.matches)
		defer unsubscribe()
		eventCh = ch
	}

	// Request context dies with the HTTP handler, which is exactly the
	// lifetime of this connection.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go sc.writePump(ctx, cancel, eventCh)
	sc.readLoop(ctx, cancel)
}

// matches is the hub filter; it runs on the publishing goroutine.
func (sc *streamConn) matches(ev cdp.Event) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return events.MatchesSubscription(ev.Method, sc.patterns)
}

func (sc *streamConn) readLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	defer sc.conn.Close()

	sc.conn.SetReadLimit(streamReadLimit)
	_ = sc.conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	sc.conn.SetPongHandler(func(string) error {
		return sc.conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	})

	for {
		var req callRequest
		if err := sc.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				sc.server.log.Debug("stream read ended", "client_id", sc.client.ID, "error", err.Error())
			}
			return
		}
		sc.handleFrame(ctx, req)
	}
}

func (sc *streamConn) handleFrame(ctx context.Context, req callRequest) {
	if req.Method == "" {
		sc.deliverLocal(errorResponse(req.ID, codeInvalidRequest, "missing method"))
		return
	}
	if strings.HasPrefix(req.Method, "mux.") {
		sc.deliverLocal(sc.controlCall(req))
		return
	}
	if !sc.server.allowSubmit() {
		sc.deliverLocal(errorResponse(req.ID, codeRateLimited, "submission rate limit exceeded"))
		return
	}
	if _, err := sc.server.mux.Submit(ctx, sc.client.ID, req.ID, req.Method, req.Params, 0); err != nil {
		sc.deliverLocal(callResponse{ID: normalizeID(req.ID), Error: errorFor(err)})
	}
}

// controlCall handles mux.* methods locally; they are never forwarded to
// the endpoint.
func (sc *streamConn) controlCall(req callRequest) callResponse {
	switch req.Method {
	case "mux.status":
		payload, err := json.Marshal(sc.server.statusPayload())
		if err != nil {
			return errorResponse(req.ID, codeInternal, err.Error())
		}
		return callResponse{ID: normalizeID(req.ID), Result: payload}

	case "mux.subscribe":
		patterns, err := decodePatterns(req.Params)
		if err != nil {
			return errorResponse(req.ID, codeInvalidRequest, err.Error())
		}
		sc.mu.Lock()
		for _, p := range patterns {
			if !containsPattern(sc.patterns, p) {
				sc.patterns = append(sc.patterns, p)
			}
		}
		active := append([]string(nil), sc.patterns...)
		sc.mu.Unlock()
		return subscriptionResponse(req.ID, active)

	case "mux.unsubscribe":
		patterns, err := decodePatterns(req.Params)
		if err != nil {
			return errorResponse(req.ID, codeInvalidRequest, err.Error())
		}
		sc.mu.Lock()
		if len(patterns) == 0 {
			sc.patterns = nil
		} else {
			kept := sc.patterns[:0]
			for _, existing := range sc.patterns {
				if !containsPattern(patterns, existing) {
					kept = append(kept, existing)
				}
			}
			sc.patterns = kept
		}
		active := append([]string(nil), sc.patterns...)
		sc.mu.Unlock()
		return subscriptionResponse(req.ID, active)

	default:
		return errorResponse(req.ID, codeInvalidRequest, "unknown control method "+req.Method)
	}
}

// deliverLocal queues a control response, dropping when the client cannot
// keep up rather than stalling the read loop.
func (sc *streamConn) deliverLocal(resp callResponse) {
	select {
	case sc.local <- resp:
	default:
		observability.StreamBackpressureDrops.Inc()
	}
}

// writePump is the sole writer on the connection. It interleaves resolved
// calls, control responses, forwarded events, and keepalive pings.
func (sc *streamConn) writePump(ctx context.Context, cancel context.CancelFunc, eventCh <-chan cdp.Event) {
	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()
	defer cancel()
	// Closing the connection also unblocks the read loop when the context
	// dies first, e.g. during server shutdown.
	defer sc.conn.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case reply := <-sc.client.Replies():
			if !sc.writeJSON(sc.server.responseFor(reply.ID, reply)) {
				return
			}
		case resp := <-sc.local:
			if !sc.writeJSON(resp) {
				return
			}
		case ev, ok := <-eventCh:
			if !ok {
				return
			}
			if !sc.writeJSON(ev) {
				return
			}
		case <-ticker.C:
			if err := sc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (sc *streamConn) writeJSON(v any) bool {
	_ = sc.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	if err := sc.conn.WriteJSON(v); err != nil {
		sc.server.log.Debug("stream write failed", "client_id", sc.client.ID, "error", err.Error())
		return false
	}
	return true
}

func decodePatterns(params json.RawMessage) ([]string, error) {
	if len(params) == 0 {
		return nil, nil
	}
	var body struct {
		Events []string `json:"events"`
	}
	if err := json.Unmarshal(params, &body); err != nil {
		return nil, err
	}
	return body.Events, nil
}

func containsPattern(patterns []string, p string) bool {
	for _, existing := range patterns {
		if existing == p {
			return true
		}
	}
	return false
}

func subscriptionResponse(id json.RawMessage, active []string) callResponse {
	if active == nil {
		active = []string{}
	}
	payload, _ := json.Marshal(map[string][]string{"subscribed": active})
	return callResponse{ID: normalizeID(id), Result: payload}
}
