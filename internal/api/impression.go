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
	"github.com/patrickwarner/chatads/internal/observability"
	"github.com/patrickwarner/chatads/internal/serving"
)

// ImpressionRequest is the JSON body of POST /v1/impressions.
type ImpressionRequest struct {
	AdID      string `json:"ad_id"`
	SessionID string `json:"session_id"`
	// CreatorID defaults to the authenticated creator.
	CreatorID      string `json:"creator_id,omitempty"`
	ImpressionType string `json:"impression_type,omitempty"`
	Placement      string `json:"placement,omitempty"`
}

// ImpressionHandler handles POST /v1/impressions.
func (s *Server) ImpressionHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "ImpressionHandler",
		trace.WithAttributes(
			attribute.String("http.method", "POST"),
			attribute.String("http.route", "/v1/impressions"),
		))
	defer span.End()

	logger := middleware.LoggerFromRequest(r, s.Logger)

	start := time.Now()
	const endpoint = "impressions"
	const method = "POST"
	done := func(status int) {
		s.Metrics.IncrementRequests(endpoint, method, strconv.Itoa(status))
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
	}

	creator := s.authenticate(r)
	if creator == nil {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
		done(http.StatusUnauthorized)
		return
	}

	var body ImpressionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json"})
		done(http.StatusBadRequest)
		return
	}
	if body.CreatorID == "" {
		body.CreatorID = creator.ID
	}

	res, err := s.Engine.RecordImpression(ctx, serving.RecordImpressionRequest{
		CallerCreatorID: creator.ID,
		AdID:            body.AdID,
		SessionID:       body.SessionID,
		CreatorID:       body.CreatorID,
		ImpressionType:  models.AdType(body.ImpressionType),
		Placement:       body.Placement,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "record impression failed")
		logger.Warn("record impression", zap.Error(err), zap.String("ad_id", body.AdID))
		done(writeError(w, err))
		return
	}

	if observability.ShouldSample(observability.GetSamplingRate()) {
		logger.Info("impression", zap.String("impression_id", res.ImpressionID), zap.String("event_type", "impression"))
	}
	writeJSON(w, http.StatusCreated, res)
	done(http.StatusCreated)
}
