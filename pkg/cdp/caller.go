package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/odvcencio/cdpmux/pkg/observability"
)

// sessionConn is the slice of Session the caller drives. Split out so tests
// can substitute a scripted session.
type sessionConn interface {
	NextID() int64
	Invoke(ctx context.Context, id int64, method string, params json.RawMessage) (json.RawMessage, error)
}

// Caller serializes calls onto the session. The endpoint gives no ordering
// guarantee for interleaved calls on one connection, so exactly one call is
// in flight at a time; concurrent callers queue on the mutex in arrival
// order.
//
// A call that outlives its deadline releases the lock immediately. The
// session keeps reading, and the stale response is discarded when it
// eventually arrives, so one slow call costs its own timeout and nothing
// more.
type Caller struct {
	mu      sync.Mutex
	session sessionConn
	timeout time.Duration
	log     *observability.Logger
}

// NewCaller wraps a session with the serialized call discipline. A
// non-positive defaultTimeout falls back to DefaultCallTimeout.
func NewCaller(session *Session, defaultTimeout time.Duration, log *observability.Logger) *Caller {
	return newCaller(session, defaultTimeout, log)
}

func newCaller(session sessionConn, defaultTimeout time.Duration, log *observability.Logger) *Caller {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultCallTimeout
	}
	if log == nil {
		log = observability.NewLogger("caller", observability.ParseLevel("info"))
	}
	return &Caller{
		session: session,
		timeout: defaultTimeout,
		log:     log,
	}
}

// NextID allocates a frame id from the underlying session's counter.
func (c *Caller) NextID() int64 {
	return c.session.NextID()
}

// Call performs one serialized call under the given frame id. A
// non-positive timeout applies the default. The deadline clock starts once
// the lock is held, so queued calls each get their full window.
func (c *Caller) Call(ctx context.Context, id int64, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := c.session.Invoke(callCtx, id, method, params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			elapsed := time.Since(start)
			c.log.Debug("call deadline expired",
				"method", method,
				"frame_id", id,
				"elapsed_ms", float64(elapsed.Microseconds())/1000.0,
			)
			return nil, &CallTimeoutError{Method: method, Elapsed: elapsed}
		}
		return nil, err
	}
	return result, nil
}
