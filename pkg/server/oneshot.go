package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/odvcencio/cdpmux/pkg/mux"
	"github.com/odvcencio/cdpmux/pkg/observability"
)

// handleCall is the one-shot transport: one request, one multiplexed call,
// one response. The caller exists as a transient client only for the call's
// duration.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	body := http.MaxBytesReader(w, r.Body, maxCallBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(nil, codeInvalidRequest, "malformed request body"))
		return
	}
	if req.Method == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse(req.ID, codeInvalidRequest, "missing method"))
		return
	}
	if len(req.ID) == 0 {
		req.ID = autoID()
	}

	if strings.HasPrefix(req.Method, "mux.") {
		writeJSON(w, http.StatusOK, s.localCall(req))
		return
	}

	if !s.allowSubmit() {
		writeJSON(w, http.StatusTooManyRequests, errorResponse(req.ID, codeRateLimited, "submission rate limit exceeded"))
		return
	}

	client := s.mux.Registry().Attach(mux.KindTransient)
	defer s.mux.DetachClient(client.ID)

	ctx, span := observability.StartSpan(r.Context(), "cdpmux.call")
	defer span.End()
	observability.SetAttributes(ctx,
		observability.AttrClientID.String(client.ID),
		observability.AttrClientKind.String(string(mux.KindTransient)),
		observability.AttrCallMethod.String(req.Method),
	)

	if _, err := s.mux.Submit(ctx, client.ID, req.ID, req.Method, req.Params, 0); err != nil {
		observability.RecordError(ctx, err)
		writeJSON(w, http.StatusBadRequest, callResponse{ID: normalizeID(req.ID), Error: errorFor(err)})
		return
	}

	select {
	case reply := <-client.Replies():
		if reply.Err != nil {
			observability.RecordError(ctx, reply.Err)
		}
		writeJSON(w, http.StatusOK, s.responseFor(reply.ID, reply))
	case <-ctx.Done():
		// Caller went away; the in-flight call resolves later and is
		// discarded as an orphan.
	}
}

// localCall answers mux.* control methods without touching the endpoint.
func (s *Server) localCall(req callRequest) callResponse {
	switch req.Method {
	case "mux.status":
		payload, err := json.Marshal(s.statusPayload())
		if err != nil {
			return errorResponse(req.ID, codeInternal, err.Error())
		}
		return callResponse{ID: normalizeID(req.ID), Result: payload}
	case "mux.subscribe", "mux.unsubscribe":
		return errorResponse(req.ID, codeInvalidRequest, req.Method+" requires a streaming connection")
	default:
		return errorResponse(req.ID, codeInvalidRequest, "unknown control method "+req.Method)
	}
}
