package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ReloadHandler reloads creators and their settings from the store.
func (s *Server) ReloadHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "reload"
	const method = "POST"

	if err := s.Reload(r.Context()); err != nil {
		s.Logger.Error("reload failed", zap.Error(err))
		s.Metrics.IncrementRequests(endpoint, method, "500")
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
		http.Error(w, "reload failed", http.StatusInternalServerError)
		return
	}

	s.Logger.Info("creators reloaded", zap.Int("count", s.Creators.Len()))
	s.Metrics.IncrementRequests(endpoint, method, "204")
	s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
	w.WriteHeader(http.StatusNoContent)
}
