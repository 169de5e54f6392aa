package api

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/chatads/internal/embedding"
	"github.com/patrickwarner/chatads/internal/middleware"
)

const embedderHealthTimeout = 2 * time.Second

// HealthHandler responds with a simple status check and the number of
// creators currently loaded. When the embedding provider can be probed its
// reachability is reported too; an unreachable embedder marks the service
// degraded, since serving still answers with embedding_unavailable.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "health"
	const method = "GET"

	creators := 0
	if s.Creators != nil {
		creators = s.Creators.Len()
	}
	body := map[string]interface{}{"status": "ok", "creators": creators}

	if s.Embedder != nil {
		ctx, cancel := context.WithTimeout(r.Context(), embedderHealthTimeout)
		checked, err := embedding.CheckHealth(ctx, s.Embedder)
		cancel()
		switch {
		case !checked:
		case err != nil:
			middleware.LoggerFromRequest(r, s.Logger).Warn("embedder health check", zap.Error(err))
			body["status"] = "degraded"
			body["embedder"] = "unreachable"
		default:
			body["embedder"] = "ok"
		}
	}
	writeJSON(w, http.StatusOK, body)

	s.Metrics.IncrementRequests(endpoint, method, "200")
	s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
}
