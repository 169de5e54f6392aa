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

	"github.com/patrickwarner/chatads/internal/logic"
	"github.com/patrickwarner/chatads/internal/middleware"
	"github.com/patrickwarner/chatads/internal/models"
	"github.com/patrickwarner/chatads/internal/serving"
)

// EventRequest is the JSON body of POST /v1/events.
type EventRequest struct {
	ImpressionID string `json:"impression_id"`
	EventType    string `json:"event_type"`
	SubID        string `json:"sub_id,omitempty"`
}

// EventHandler handles POST /v1/events.
func (s *Server) EventHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "EventHandler",
		trace.WithAttributes(
			attribute.String("http.method", "POST"),
			attribute.String("http.route", "/v1/events"),
		))
	defer span.End()

	logger := middleware.LoggerFromRequest(r, s.Logger)

	start := time.Now()
	const endpoint = "events"
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

	var body EventRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json"})
		done(http.StatusBadRequest)
		return
	}

	client := logic.ResolveClient(r, s.GeoIP)
	res, err := s.Engine.TrackEvent(ctx, serving.TrackEventRequest{
		CallerCreatorID: creator.ID,
		ImpressionID:    body.ImpressionID,
		EventType:       models.EventType(body.EventType),
		SubID:           body.SubID,
		Metadata:        client.ClickMetadata(body.SubID, r.Referer()),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "track event failed")
		logger.Warn("track event", zap.Error(err), zap.String("impression_id", body.ImpressionID))
		done(writeError(w, err))
		return
	}

	span.SetAttributes(attribute.Bool("event.billed", res.Billed))
	writeJSON(w, http.StatusOK, res)
	done(http.StatusOK)
}
