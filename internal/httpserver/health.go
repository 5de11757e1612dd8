package httpserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/routecodex/routecodex/internal/version"
)

// handleHealth is a liveness probe: the process is up and serving.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"version": version.Info(),
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReady reports whether the gateway can actually serve traffic: a
// default route exists and at least one of its providers has a credential.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	providers := map[string]interface{}{}
	ready := false
	for providerID := range s.cfg.VirtualRouter.Providers {
		ids := s.vault.Describe(providerID)
		providers[providerID] = map[string]interface{}{
			"credentials": len(ids),
		}
		if len(ids) > 0 {
			ready = true
		}
	}
	if _, ok := s.cfg.VirtualRouter.Routing["default"]; !ok {
		ready = false
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not_ready"
	}
	s.respondJSON(w, status, map[string]interface{}{
		"status":    state,
		"providers": providers,
	})
}

// handleUsage exposes ledger aggregates for local inspection.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.respondJSON(w, http.StatusOK, map[string]interface{}{"enabled": false})
		return
	}
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			hours = n
		}
	}
	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	summary, err := s.store.Summary(r.Context(), since)
	if err != nil {
		s.respondJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": err.Error()})
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	recent, err := s.store.ListRecent(r.Context(), limit)
	if err != nil {
		s.respondJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": err.Error()})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"enabled": true,
		"since":   since.UTC().Format(time.RFC3339),
		"summary": summary,
		"recent":  recent,
	})
}
