package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/odvcencio/cdpmux/pkg/cdp"
	"github.com/odvcencio/cdpmux/pkg/mux"
)

// Stable envelope codes. Protocol errors from the endpoint, including its
// own -32601 method-not-found, pass through with their original code.
const (
	codeInvalidRequest = -32600
	codeCallTimeout    = -32001
	codeTransport      = -32002
	codeRateLimited    = -32005
	codeInternal       = -32603
)

// callRequest is one submitted call on either transport.
type callRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	ID     json.RawMessage `json:"id,omitempty"`
}

type errorBody struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// callResponse carries a resolved call back with the client's original id.
type callResponse struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *errorBody      `json:"error,omitempty"`
}

// errorFor maps a call failure onto the stable envelope codes.
func errorFor(err error) *errorBody {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mux.ErrMissingMethod), errors.Is(err, mux.ErrUnknownClient):
		return &errorBody{Code: codeInvalidRequest, Message: err.Error()}
	case cdp.IsTimeoutError(err):
		return &errorBody{Code: codeCallTimeout, Message: err.Error()}
	case cdp.IsConnectionError(err):
		return &errorBody{Code: codeTransport, Message: err.Error()}
	}
	if proto, ok := cdp.IsProtocolError(err); ok {
		return &errorBody{Code: proto.Code, Message: proto.Message, Data: proto.Data}
	}
	return &errorBody{Code: codeInternal, Message: err.Error()}
}

func errorResponse(id json.RawMessage, code int64, message string) callResponse {
	return callResponse{ID: normalizeID(id), Error: &errorBody{Code: code, Message: message}}
}

// responseFor builds the outgoing envelope for a resolved call, spooling
// oversized results.
func (s *Server) responseFor(id json.RawMessage, reply mux.Reply) callResponse {
	if reply.Err != nil {
		return callResponse{ID: normalizeID(id), Error: errorFor(reply.Err)}
	}
	result := reply.Result
	if result == nil {
		result = json.RawMessage(`{}`)
	}
	return callResponse{ID: normalizeID(id), Result: s.spool.maybeSpool(result)}
}

// normalizeID keeps absent ids encodable as JSON null.
func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// autoID assigns an id for one-shot callers that did not pick one.
func autoID() json.RawMessage {
	return json.RawMessage(strconv.Quote(uuid.NewString()))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
