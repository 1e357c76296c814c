package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/odvcencio/cdpmux/pkg/cdp"
	"github.com/odvcencio/cdpmux/pkg/events"
	"github.com/odvcencio/cdpmux/pkg/mux"
	"github.com/odvcencio/cdpmux/pkg/observability"
)

func discardLogger() *observability.Logger {
	return &observability.Logger{Logger: slog.New(slog.NewJSONHandler(io.Discard, nil))}
}

type stubSession struct {
	state     cdp.State
	connected bool
}

func (s stubSession) State() cdp.State { return s.state }
func (s stubSession) Connected() bool  { return s.connected }

// fakeInvoker scripts the serialized call path beneath the mux.
type fakeInvoker struct {
	ids     atomic.Int64
	respond func(ctx context.Context, id int64, method string, params json.RawMessage) (json.RawMessage, error)
}

func (f *fakeInvoker) NextID() int64 {
	return f.ids.Add(1)
}

func (f *fakeInvoker) Call(ctx context.Context, id int64, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if f.respond != nil {
		return f.respond(ctx, id, method, params)
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func newTestServer(t *testing.T, cfg Config, inv *fakeInvoker) (*Server, *httptest.Server) {
	t.Helper()
	if inv == nil {
		inv = &fakeInvoker{}
	}
	cfg.Logger = discardLogger()
	m := mux.New(inv, mux.NewRegistry(), discardLogger())
	srv := New(cfg, stubSession{state: cdp.StateReady, connected: true}, m, events.NewHub(), nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func postCall(t *testing.T, ts *httptest.Server, body string) (*http.Response, callResponse) {
	t.Helper()
	resp, err := http.Post(ts.URL+"/json/call", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var out callResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, out
}

func TestOneShotCallKeepsOriginalID(t *testing.T) {
	_, ts := newTestServer(t, Config{}, nil)

	resp, out := postCall(t, ts, `{"method":"Runtime.evaluate","params":{"expression":"1"},"id":"x"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if string(out.ID) != `"x"` {
		t.Fatalf("id = %s, want \"x\"", out.ID)
	}
	if out.Error != nil {
		t.Fatalf("unexpected error: %+v", out.Error)
	}
	if string(out.Result) != `{"ok":true}` {
		t.Fatalf("result = %s", out.Result)
	}
}

func TestOneShotCallAssignsIDWhenAbsent(t *testing.T) {
	_, ts := newTestServer(t, Config{}, nil)

	_, out := postCall(t, ts, `{"method":"Browser.getVersion"}`)
	var id string
	if err := json.Unmarshal(out.ID, &id); err != nil || id == "" {
		t.Fatalf("expected generated string id, got %s", out.ID)
	}
}

func TestOneShotCallMissingMethod(t *testing.T) {
	_, ts := newTestServer(t, Config{}, nil)

	resp, out := postCall(t, ts, `{"params":{},"id":1}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if out.Error == nil || out.Error.Code != codeInvalidRequest {
		t.Fatalf("error = %+v, want code %d", out.Error, codeInvalidRequest)
	}
	if string(out.ID) != "1" {
		t.Fatalf("id = %s, want 1", out.ID)
	}
}

func TestOneShotCallMalformedBody(t *testing.T) {
	_, ts := newTestServer(t, Config{}, nil)

	resp, out := postCall(t, ts, `{"method":`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if out.Error == nil || out.Error.Code != codeInvalidRequest {
		t.Fatalf("error = %+v, want invalid request", out.Error)
	}
}

func TestOneShotProtocolErrorPassesThrough(t *testing.T) {
	inv := &fakeInvoker{
		respond: func(ctx context.Context, id int64, method string, params json.RawMessage) (json.RawMessage, error) {
			return nil, &cdp.ProtocolError{Code: -32601, Message: "'No.such' wasn't found"}
		},
	}
	_, ts := newTestServer(t, Config{}, inv)

	resp, out := postCall(t, ts, `{"method":"No.such","id":7}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if out.Error == nil || out.Error.Code != -32601 {
		t.Fatalf("error = %+v, want endpoint's -32601", out.Error)
	}
	if string(out.ID) != "7" {
		t.Fatalf("id = %s, want 7", out.ID)
	}
}

func TestOneShotTimeoutAndTransportCodes(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int64
	}{
		{"timeout", &cdp.CallTimeoutError{Method: "Page.navigate", Elapsed: time.Second}, codeCallTimeout},
		{"transport", fmt.Errorf("%w: broken pipe", cdp.ErrConnectionLost), codeTransport},
		{"disconnected", cdp.ErrNotConnected, codeTransport},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			inv := &fakeInvoker{
				respond: func(ctx context.Context, id int64, method string, params json.RawMessage) (json.RawMessage, error) {
					return nil, tc.err
				},
			}
			_, ts := newTestServer(t, Config{}, inv)
			_, out := postCall(t, ts, `{"method":"Page.navigate","id":"n"}`)
			if out.Error == nil || out.Error.Code != tc.code {
				t.Fatalf("error = %+v, want code %d", out.Error, tc.code)
			}
		})
	}
}

func TestOneShotMuxStatusLocalMethod(t *testing.T) {
	_, ts := newTestServer(t, Config{}, nil)

	_, out := postCall(t, ts, `{"method":"mux.status","id":"s"}`)
	if out.Error != nil {
		t.Fatalf("unexpected error: %+v", out.Error)
	}
	var status StatusPayload
	if err := json.Unmarshal(out.Result, &status); err != nil {
		t.Fatalf("decode status result: %v", err)
	}
	if status.Status != "ready" || !status.Connected {
		t.Fatalf("status = %+v, want ready/connected", status)
	}
}

func TestOneShotUnknownControlMethod(t *testing.T) {
	_, ts := newTestServer(t, Config{}, nil)

	_, out := postCall(t, ts, `{"method":"mux.bogus","id":1}`)
	if out.Error == nil || out.Error.Code != codeInvalidRequest {
		t.Fatalf("error = %+v, want invalid request", out.Error)
	}
}

func TestTransientClientDetachedAfterCall(t *testing.T) {
	srv, ts := newTestServer(t, Config{}, nil)

	postCall(t, ts, `{"method":"Browser.getVersion","id":1}`)

	if n := srv.mux.Registry().ActiveCount(); n != 0 {
		t.Fatalf("active clients after one-shot = %d, want 0", n)
	}
	stats := srv.mux.Registry().Stats()
	if stats.TotalClients != 1 || stats.TotalRequests != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestAuthTokenEnforced(t *testing.T) {
	_, ts := newTestServer(t, Config{AuthToken: "sekrit"}, nil)

	resp, err := http.Post(ts.URL+"/json/call", "application/json", strings.NewReader(`{"method":"m"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/json/call", strings.NewReader(`{"method":"Browser.getVersion"}`))
	req.Header.Set("Authorization", "Bearer sekrit")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("authed post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status with token = %d, want 200", resp.StatusCode)
	}

	// Liveness stays open.
	resp, err = http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", resp.StatusCode)
	}
}

func TestRateLimitRejectsBurst(t *testing.T) {
	_, ts := newTestServer(t, Config{RateLimit: 0.001, RateBurst: 1}, nil)

	resp, _ := postCall(t, ts, `{"method":"Browser.getVersion","id":1}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first call status = %d, want 200", resp.StatusCode)
	}

	resp, out := postCall(t, ts, `{"method":"Browser.getVersion","id":2}`)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second call status = %d, want 429", resp.StatusCode)
	}
	if out.Error == nil || out.Error.Code != codeRateLimited {
		t.Fatalf("error = %+v, want rate limited", out.Error)
	}
}

func TestStatusEndpoint(t *testing.T) {
	inv := &fakeInvoker{
		respond: func(ctx context.Context, id int64, method string, params json.RawMessage) (json.RawMessage, error) {
			if method == "Fail.me" {
				return nil, errors.New("boom")
			}
			return json.RawMessage(`{}`), nil
		},
	}
	_, ts := newTestServer(t, Config{}, inv)

	postCall(t, ts, `{"method":"Good.call","id":1}`)
	postCall(t, ts, `{"method":"Fail.me","id":2}`)

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer resp.Body.Close()

	var status StatusPayload
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.TotalRequests != 2 || status.FailedRequests != 1 {
		t.Fatalf("status = %+v, want 2 total / 1 failed", status)
	}
	if status.SuccessRate != 0.5 {
		t.Fatalf("success_rate = %v, want 0.5", status.SuccessRate)
	}
}

func TestStatsEndpoint(t *testing.T) {
	_, ts := newTestServer(t, Config{}, nil)

	postCall(t, ts, `{"method":"Browser.getVersion","id":1}`)

	resp, err := http.Get(ts.URL + "/stats")
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	defer resp.Body.Close()

	var stats StatsPayload
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Session.State != "ready" || !stats.Session.Connected {
		t.Fatalf("session = %+v", stats.Session)
	}
	if stats.Totals.TotalRequests != 1 {
		t.Fatalf("totals = %+v, want 1 request", stats.Totals)
	}
	if stats.PendingCount != 0 || len(stats.Pending) != 0 {
		t.Fatalf("pending = %d/%d, want empty", stats.PendingCount, len(stats.Pending))
	}
}

func TestOversizedResultIsSpooled(t *testing.T) {
	big := `{"data":"` + strings.Repeat("a", 4096) + `"}`
	inv := &fakeInvoker{
		respond: func(ctx context.Context, id int64, method string, params json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(big), nil
		},
	}
	dir := t.TempDir()
	_, ts := newTestServer(t, Config{SpillThreshold: 1024, SpillDir: dir}, inv)

	_, out := postCall(t, ts, `{"method":"Page.captureScreenshot","id":1}`)
	if out.Error != nil {
		t.Fatalf("unexpected error: %+v", out.Error)
	}

	var ref spoolRef
	if err := json.Unmarshal(out.Result, &ref); err != nil {
		t.Fatalf("decode spool ref: %v", err)
	}
	if ref.Size != len(big) {
		t.Fatalf("ref size = %d, want %d", ref.Size, len(big))
	}
	if filepath.Dir(ref.Ref) != dir {
		t.Fatalf("spool file %s not in %s", ref.Ref, dir)
	}
	data, err := os.ReadFile(ref.Ref)
	if err != nil {
		t.Fatalf("read spool file: %v", err)
	}
	if !bytes.Equal(data, []byte(big)) {
		t.Fatal("spooled bytes differ from result")
	}
}

func TestSmallResultStaysInline(t *testing.T) {
	_, ts := newTestServer(t, Config{SpillThreshold: 1024, SpillDir: t.TempDir()}, nil)

	_, out := postCall(t, ts, `{"method":"Browser.getVersion","id":1}`)
	if string(out.Result) != `{"ok":true}` {
		t.Fatalf("result = %s, want inline", out.Result)
	}
}

func TestErrorForMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int64
	}{
		{mux.ErrMissingMethod, codeInvalidRequest},
		{mux.ErrUnknownClient, codeInvalidRequest},
		{&cdp.CallTimeoutError{Method: "m"}, codeCallTimeout},
		{cdp.ErrConnectionLost, codeTransport},
		{&cdp.ProtocolError{Code: -32000, Message: "nope"}, -32000},
		{errors.New("mystery"), codeInternal},
	}
	for _, tc := range cases {
		if got := errorFor(tc.err); got.Code != tc.code {
			t.Errorf("errorFor(%v) code = %d, want %d", tc.err, got.Code, tc.code)
		}
	}
	if errorFor(nil) != nil {
		t.Error("errorFor(nil) should be nil")
	}
}

func TestConnLimiter(t *testing.T) {
	l := newConnLimiter(2)
	if !l.Acquire() || !l.Acquire() {
		t.Fatal("expected two acquisitions")
	}
	if l.Acquire() {
		t.Fatal("third acquisition should fail")
	}
	l.Release()
	if !l.Acquire() {
		t.Fatal("acquisition after release should succeed")
	}

	unlimited := newConnLimiter(0)
	for i := 0; i < 100; i++ {
		if !unlimited.Acquire() {
			t.Fatal("unlimited limiter refused")
		}
	}
}
