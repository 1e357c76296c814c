package cdp

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotConnected    = errors.New("session not connected")
	ErrSessionClosed   = errors.New("session closed")
	ErrEndpointBusy    = errors.New("endpoint refused debugger connection")
	ErrConnectionLost  = errors.New("endpoint connection lost")
	ErrReconnecting    = errors.New("session reconnecting")
	ErrReconnectFailed = errors.New("reconnection attempts exhausted")
)

// ProtocolError is an error envelope returned by the endpoint for a call.
// Code and Message are passed through verbatim so clients see exactly what
// the endpoint produced.
type ProtocolError struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *ProtocolError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("endpoint error [%d]: %s: %s", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("endpoint error [%d]: %s", e.Code, e.Message)
}

// CallTimeoutError reports a call that did not resolve within its deadline.
// The method name and elapsed time identify the stalled operation for
// diagnostics.
type CallTimeoutError struct {
	Method  string
	Elapsed time.Duration
}

func (e *CallTimeoutError) Error() string {
	return fmt.Sprintf("call %s timed out after %s", e.Method, e.Elapsed.Round(time.Millisecond))
}

func (e *CallTimeoutError) Timeout() bool {
	return true
}

// IsConnectionError returns true if the error indicates the endpoint is
// unreachable or the connection was lost.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrReconnecting) ||
		errors.Is(err, ErrReconnectFailed) ||
		errors.Is(err, ErrEndpointBusy)
}

// IsTimeoutError returns true if the error is a per-call deadline expiry.
func IsTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	var timeoutErr *CallTimeoutError
	return errors.As(err, &timeoutErr)
}

// IsProtocolError returns the endpoint error envelope if the call failed
// inside the endpoint rather than in transport.
func IsProtocolError(err error) (*ProtocolError, bool) {
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return protoErr, true
	}
	return nil, false
}

// IsRetryableError returns true if the error might succeed on retry.
// Protocol errors are the endpoint's verdict on the call and never retryable.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrReconnecting) {
		return true
	}
	var timeoutErr *CallTimeoutError
	return errors.As(err, &timeoutErr)
}
