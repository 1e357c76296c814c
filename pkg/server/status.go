package server

import (
	"context"
	"net/http"
	"time"

	"github.com/odvcencio/cdpmux/pkg/journal"
	"github.com/odvcencio/cdpmux/pkg/mux"
)

// StatusPayload answers the status query on both transports.
type StatusPayload struct {
	Status         string  `json:"status"`
	Connected      bool    `json:"connected"`
	ActiveClients  int     `json:"active_clients"`
	TotalRequests  int64   `json:"total_requests"`
	FailedRequests int64   `json:"failed_requests"`
	SuccessRate    float64 `json:"success_rate"`
}

// StatsPayload is the detailed snapshot behind /stats.
type StatsPayload struct {
	Session struct {
		State     string `json:"state"`
		Connected bool   `json:"connected"`
	} `json:"session"`
	Totals       mux.Stats         `json:"totals"`
	Clients      []mux.ClientInfo  `json:"clients"`
	PendingCount int               `json:"pending_count"`
	Pending      []mux.PendingInfo `json:"pending"`
	Subscribers  int               `json:"event_subscribers,omitempty"`
	Journal      *journal.Summary  `json:"journal,omitempty"`
}

func (s *Server) statusPayload() StatusPayload {
	stats := s.mux.Registry().Stats()
	success := 1.0
	if stats.TotalRequests > 0 {
		success = float64(stats.TotalRequests-stats.FailedRequests) / float64(stats.TotalRequests)
	}
	return StatusPayload{
		Status:         s.session.State().String(),
		Connected:      s.session.Connected(),
		ActiveClients:  stats.ActiveClients,
		TotalRequests:  stats.TotalRequests,
		FailedRequests: stats.FailedRequests,
		SuccessRate:    success,
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.statusPayload())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var payload StatsPayload
	payload.Session.State = s.session.State().String()
	payload.Session.Connected = s.session.Connected()
	payload.Totals = s.mux.Registry().Stats()
	payload.Clients = s.mux.Registry().Snapshot()
	payload.PendingCount = s.mux.PendingCount()
	payload.Pending = s.mux.PendingSnapshot()
	if s.hub != nil {
		payload.Subscribers = s.hub.SubscriberCount()
	}

	if s.journal != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if sum, err := s.journal.Summarize(ctx); err == nil {
			payload.Journal = &sum
		} else {
			s.log.Warn("journal summary failed", "error", err)
		}
	}

	writeJSON(w, http.StatusOK, payload)
}
