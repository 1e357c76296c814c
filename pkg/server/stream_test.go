package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/odvcencio/cdpmux/pkg/cdp"
)

func dialStream(t *testing.T, ts *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("ws dial failed: %v (resp %+v)", err, resp)
	}
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readResponse(t *testing.T, conn *websocket.Conn) callResponse {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var out callResponse
	if err := conn.ReadJSON(&out); err != nil {
		t.Fatalf("ws read: %v", err)
	}
	return out
}

func TestStreamCallRoundTrip(t *testing.T) {
	_, ts := newTestServer(t, Config{}, nil)
	conn := dialStream(t, ts, nil)

	if err := conn.WriteJSON(callRequest{Method: "Runtime.evaluate", ID: json.RawMessage(`"a"`)}); err != nil {
		t.Fatalf("ws write: %v", err)
	}
	out := readResponse(t, conn)
	if string(out.ID) != `"a"` {
		t.Fatalf("id = %s, want \"a\"", out.ID)
	}
	if out.Error != nil || string(out.Result) != `{"ok":true}` {
		t.Fatalf("reply = %+v", out)
	}
}

func TestStreamPipelinedCallsAllResolve(t *testing.T) {
	inv := &fakeInvoker{
		respond: func(ctx context.Context, id int64, method string, params json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"method":"` + method + `"}`), nil
		},
	}
	_, ts := newTestServer(t, Config{}, inv)
	conn := dialStream(t, ts, nil)

	for i, method := range []string{"Page.enable", "Runtime.enable", "Log.enable"} {
		id, _ := json.Marshal(i)
		if err := conn.WriteJSON(callRequest{Method: method, ID: id}); err != nil {
			t.Fatalf("ws write %d: %v", i, err)
		}
	}

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		out := readResponse(t, conn)
		if out.Error != nil {
			t.Fatalf("reply %d errored: %+v", i, out.Error)
		}
		seen[string(out.ID)] = true
	}
	for _, id := range []string{"0", "1", "2"} {
		if !seen[id] {
			t.Fatalf("no reply for id %s (got %v)", id, seen)
		}
	}
}

func TestStreamTwoClientsSameID(t *testing.T) {
	inv := &fakeInvoker{
		respond: func(ctx context.Context, id int64, method string, params json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(fmt.Sprintf(`{"global":%d}`, id)), nil
		},
	}
	_, ts := newTestServer(t, Config{}, inv)
	a := dialStream(t, ts, nil)
	b := dialStream(t, ts, nil)

	if err := a.WriteJSON(callRequest{Method: "Runtime.evaluate", ID: json.RawMessage(`1`)}); err != nil {
		t.Fatalf("a write: %v", err)
	}
	if err := b.WriteJSON(callRequest{Method: "Runtime.evaluate", ID: json.RawMessage(`1`)}); err != nil {
		t.Fatalf("b write: %v", err)
	}

	outA := readResponse(t, a)
	outB := readResponse(t, b)
	if string(outA.ID) != "1" || string(outB.ID) != "1" {
		t.Fatalf("ids = %s / %s, want both 1", outA.ID, outB.ID)
	}
	// Each client got exactly one reply on its own connection; the results
	// carry distinct global ids, proving no cross-delivery happened.
	if string(outA.Result) == string(outB.Result) {
		t.Fatalf("both clients saw the same physical call: %s", outA.Result)
	}
}

func TestStreamMissingMethod(t *testing.T) {
	_, ts := newTestServer(t, Config{}, nil)
	conn := dialStream(t, ts, nil)

	if err := conn.WriteJSON(callRequest{ID: json.RawMessage(`5`)}); err != nil {
		t.Fatalf("ws write: %v", err)
	}
	out := readResponse(t, conn)
	if out.Error == nil || out.Error.Code != codeInvalidRequest {
		t.Fatalf("error = %+v, want invalid request", out.Error)
	}
}

func TestStreamMuxStatus(t *testing.T) {
	_, ts := newTestServer(t, Config{}, nil)
	conn := dialStream(t, ts, nil)

	if err := conn.WriteJSON(callRequest{Method: "mux.status", ID: json.RawMessage(`"s"`)}); err != nil {
		t.Fatalf("ws write: %v", err)
	}
	out := readResponse(t, conn)
	if out.Error != nil {
		t.Fatalf("unexpected error: %+v", out.Error)
	}
	var status StatusPayload
	if err := json.Unmarshal(out.Result, &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.ActiveClients != 1 {
		t.Fatalf("active_clients = %d, want 1 (this stream)", status.ActiveClients)
	}
}

func TestStreamSubscribeReceivesEvents(t *testing.T) {
	srv, ts := newTestServer(t, Config{}, nil)
	conn := dialStream(t, ts, nil)

	if err := conn.WriteJSON(callRequest{
		Method: "mux.subscribe",
		Params: json.RawMessage(`{"events":["Page"]}`),
		ID:     json.RawMessage(`1`),
	}); err != nil {
		t.Fatalf("subscribe write: %v", err)
	}
	ack := readResponse(t, conn)
	if ack.Error != nil {
		t.Fatalf("subscribe failed: %+v", ack.Error)
	}

	srv.hub.Publish(cdp.Event{Method: "Page.loadEventFired", Params: json.RawMessage(`{"timestamp":1}`)})
	// Filtered out: different domain.
	srv.hub.Publish(cdp.Event{Method: "Network.requestWillBeSent"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev cdp.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("event read: %v", err)
	}
	if ev.Method != "Page.loadEventFired" {
		t.Fatalf("event = %+v, want Page.loadEventFired", ev)
	}
}

func TestStreamUnsubscribeStopsEvents(t *testing.T) {
	srv, ts := newTestServer(t, Config{}, nil)
	conn := dialStream(t, ts, nil)

	for _, frame := range []callRequest{
		{Method: "mux.subscribe", Params: json.RawMessage(`{"events":["Page"]}`), ID: json.RawMessage(`1`)},
		{Method: "mux.unsubscribe", ID: json.RawMessage(`2`)},
	} {
		if err := conn.WriteJSON(frame); err != nil {
			t.Fatalf("write %s: %v", frame.Method, err)
		}
		out := readResponse(t, conn)
		if out.Error != nil {
			t.Fatalf("%s failed: %+v", frame.Method, out.Error)
		}
	}

	srv.hub.Publish(cdp.Event{Method: "Page.loadEventFired"})

	// A status probe after the publish proves the event was filtered, not
	// just slow: the next frame read is the status reply.
	if err := conn.WriteJSON(callRequest{Method: "mux.status", ID: json.RawMessage(`3`)}); err != nil {
		t.Fatalf("status write: %v", err)
	}
	out := readResponse(t, conn)
	if string(out.ID) != "3" {
		t.Fatalf("got frame with id %s, expected status reply (event leaked through)", out.ID)
	}
}

func TestStreamConnectionCap(t *testing.T) {
	_, ts := newTestServer(t, Config{MaxStreamConns: 1}, nil)

	dialStream(t, ts, nil)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("second stream should have been refused")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("resp = %+v, want 503", resp)
	}
	resp.Body.Close()
}

func TestStreamDetachOnClose(t *testing.T) {
	srv, ts := newTestServer(t, Config{}, nil)
	conn := dialStream(t, ts, nil)

	if srv.mux.Registry().ActiveCount() != 1 {
		t.Fatalf("active = %d, want 1", srv.mux.Registry().ActiveCount())
	}

	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if srv.mux.Registry().ActiveCount() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("client not detached after close, active = %d", srv.mux.Registry().ActiveCount())
}

func TestStreamAuthToken(t *testing.T) {
	_, ts := newTestServer(t, Config{AuthToken: "sekrit"}, nil)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial without token should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("resp = %+v, want 401", resp)
	}
	resp.Body.Close()

	header := http.Header{"Authorization": {"Bearer sekrit"}}
	conn := dialStream(t, ts, header)
	if err := conn.WriteJSON(callRequest{Method: "mux.status", ID: json.RawMessage(`1`)}); err != nil {
		t.Fatalf("authed write: %v", err)
	}
	readResponse(t, conn)
}
