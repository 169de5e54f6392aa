package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/patrickwarner/chatads/internal/middleware"
	"github.com/patrickwarner/chatads/internal/models"
	"github.com/patrickwarner/chatads/internal/serving"
)

// maxBodyBytes bounds request bodies on the JSON endpoints.
const maxBodyBytes = 64 << 10

// ServeRequest is the JSON body of POST /v1/serve.
type ServeRequest struct {
	SessionID string   `json:"session_id"`
	Queries   []string `json:"queries"`
	// Query is shorthand for a single-element Queries.
	Query               string   `json:"query,omitempty"`
	AdType              string   `json:"ad_type,omitempty"`
	Placement           string   `json:"placement,omitempty"`
	AdSet               string   `json:"ad_set,omitempty"`
	Limit               int      `json:"limit,omitempty"`
	SimilarityThreshold *float64 `json:"similarity_threshold,omitempty"`
	IncludeDemo         bool     `json:"include_demo,omitempty"`
	SubID               string   `json:"sub_id,omitempty"`
}

// ServeHandler handles POST /v1/serve.
func (s *Server) ServeHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "ServeHandler",
		trace.WithAttributes(
			attribute.String("http.method", "POST"),
			attribute.String("http.route", "/v1/serve"),
		))
	defer span.End()

	logger := middleware.LoggerFromRequest(r, s.Logger)

	start := time.Now()
	const endpoint = "serve"
	const method = "POST"
	done := func(status int) {
		s.Metrics.IncrementRequests(endpoint, method, strconv.Itoa(status))
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
	}

	creator := s.authenticate(r)
	if creator == nil {
		logger.Warn("invalid api key")
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
		done(http.StatusUnauthorized)
		return
	}
	span.SetAttributes(attribute.String("creator_id", creator.ID))

	if !s.RateLimiter.Allow(creator.ID) {
		logger.Warn("rate limited", zap.String("creator_id", creator.ID))
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded"})
		done(http.StatusTooManyRequests)
		return
	}

	var body ServeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		logger.Warn("decode request", zap.Error(err), zap.String("event_type", "ad_request"))
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json"})
		done(http.StatusBadRequest)
		return
	}
	queries := body.Queries
	if len(queries) == 0 && body.Query != "" {
		queries = []string{body.Query}
	}
	adSet, err := models.ParseAdSetRef(body.AdSet)
	if err != nil {
		done(writeError(w, err))
		return
	}

	res, err := s.Engine.Serve(ctx, serving.ServeRequest{
		CallerCreatorID:     creator.ID,
		SessionID:           body.SessionID,
		Queries:             queries,
		AdType:              models.AdType(body.AdType),
		Placement:           body.Placement,
		AdSet:               adSet,
		Limit:               body.Limit,
		SimilarityThreshold: body.SimilarityThreshold,
		IncludeDemo:         body.IncludeDemo,
		SubID:               body.SubID,
		Debug:               s.DebugTrace || r.URL.Query().Get("debug") == "1",
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "serve failed")
		logger.Warn("serve", zap.Error(err), zap.String("session_id", body.SessionID))
		done(writeError(w, err))
		return
	}

	span.SetAttributes(
		attribute.String("serve.reason", string(res.Reason)),
		attribute.Int("serve.ads", len(res.Ads)),
	)
	writeJSON(w, http.StatusOK, res)
	done(http.StatusOK)
}
