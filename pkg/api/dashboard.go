package api

import (
	"context"
	"net/http"

	"github.com/spinehq/spine/pkg/contracts"
)

// Dashboard row limits. These are convenience views, not a paginated API.
const (
	recentEventsLimit     = 50
	recentAuditLimit      = 100
	recentProcessingLimit = 50
)

// DashboardReader is the read-only slice of the store the dashboard uses.
type DashboardReader interface {
	RecentEvents(ctx context.Context, limit int) ([]*contracts.Event, error)
	RecentAudit(ctx context.Context, limit int) ([]*contracts.AuditEntry, error)
	RecentProcessing(ctx context.Context, limit int) ([]*contracts.ProcessingState, error)
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.reader.RecentEvents(r.Context(), recentEventsLimit)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if events == nil {
		events = []*contracts.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) handleRecentAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := s.reader.RecentAudit(r.Context(), recentAuditLimit)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if entries == nil {
		entries = []*contracts.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit": entries, "count": len(entries)})
}

func (s *Server) handleRecentProcessing(w http.ResponseWriter, r *http.Request) {
	states, err := s.reader.RecentProcessing(r.Context(), recentProcessingLimit)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if states == nil {
		states = []*contracts.ProcessingState{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"processing": states, "count": len(states)})
}
