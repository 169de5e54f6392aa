package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/patrickwarner/chatads/internal/logic"
	"github.com/patrickwarner/chatads/internal/macros"
	"github.com/patrickwarner/chatads/internal/middleware"
	"github.com/patrickwarner/chatads/internal/models"
	"github.com/patrickwarner/chatads/internal/observability"
	"github.com/patrickwarner/chatads/internal/serving"
	"github.com/patrickwarner/chatads/internal/token"
)

// pixelGIF is a transparent 1x1 GIF returned when a click has nowhere safe
// to redirect to.
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00,
	0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// ClickHandler handles GET /click links embedded in served ads. The signed
// token identifies the impression; the click is billed and the user is
// redirected to the ad's target URL.
func (s *Server) ClickHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "ClickHandler",
		trace.WithAttributes(
			attribute.String("http.method", "GET"),
			attribute.String("http.route", "/click"),
		))
	defer span.End()

	logger := middleware.LoggerFromRequest(r, s.Logger)

	start := time.Now()
	const endpoint = "click"
	const method = "GET"
	done := func(status int) {
		s.Metrics.IncrementRequests(endpoint, method, strconv.Itoa(status))
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
	}

	tok := r.URL.Query().Get("t")
	if tok == "" {
		logger.Warn("missing token")
		http.Error(w, "token required", http.StatusUnauthorized)
		done(http.StatusUnauthorized)
		return
	}
	claims, err := token.Verify(tok, s.TokenSecret, s.TokenTTL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid token")
		logger.Warn("token verify", zap.Error(err))
		http.Error(w, "invalid token", http.StatusUnauthorized)
		done(http.StatusUnauthorized)
		return
	}
	span.SetAttributes(
		attribute.String("impression_id", claims.ImpressionID),
		attribute.String("ad_id", claims.AdID),
		attribute.String("session_id", claims.SessionID),
	)

	client := logic.ResolveClient(r, s.GeoIP)
	if client.IsBot {
		// bots follow links without a human behind them; redirect, never bill
		logger.Debug("bot click", zap.String("impression_id", claims.ImpressionID))
		s.redirect(w, r, claims, logger, done)
		return
	}

	res, err := s.Engine.TrackEvent(ctx, serving.TrackEventRequest{
		ImpressionID: claims.ImpressionID,
		EventType:    models.EventClick,
		SubID:        claims.SubID,
		Metadata:     client.ClickMetadata(claims.SubID, r.Referer()),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "track click failed")
		logger.Error("track click", zap.Error(err), zap.String("impression_id", claims.ImpressionID))
		// the user still gets where they were going when billing is down;
		// click billing is idempotent and safe to replay later
		if errors.Is(err, models.ErrUpstreamUnavailable) || errors.Is(err, context.DeadlineExceeded) {
			s.Metrics.IncrementEvent("click_unbilled")
			s.redirect(w, r, claims, logger, done)
			return
		}
		done(writeError(w, err))
		return
	}
	if observability.ShouldSample(observability.GetSamplingRate()) {
		logger.Info("click",
			zap.String("impression_id", claims.ImpressionID),
			zap.Bool("billed", res.Billed),
			zap.String("event_type", "click"))
	}
	s.redirect(w, r, claims, logger, done)
}

// redirect sends the user to the ad's target URL with macros expanded, or
// serves a pixel when the URL is missing or not http(s).
func (s *Server) redirect(w http.ResponseWriter, r *http.Request, claims token.Claims, logger *zap.Logger, done func(int)) {
	destination := ""
	if s.Store != nil {
		if ad, err := s.Store.GetAd(r.Context(), claims.AdID); err == nil {
			destination = s.expandTarget(ad, claims, logger)
		} else {
			logger.Warn("click target lookup", zap.String("ad_id", claims.AdID), zap.Error(err))
		}
	}
	parsed, err := url.Parse(destination)
	if destination == "" || err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		if destination != "" {
			logger.Warn("unsafe destination URL", zap.String("url", destination))
		}
		s.sendPixelResponse(w)
		done(http.StatusOK)
		return
	}
	s.Metrics.IncrementEvent("click_redirect")
	http.Redirect(w, r, destination, http.StatusFound)
	done(http.StatusFound)
}

func (s *Server) expandTarget(ad models.Ad, claims token.Claims, logger *zap.Logger) string {
	if s.Macros == nil {
		return ad.TargetURL
	}
	expanded, err := s.Macros.Expand(ad.TargetURL, &macros.ClickContext{
		ImpressionID: claims.ImpressionID,
		AdID:         ad.ID,
		CampaignID:   ad.CampaignID,
		SessionID:    claims.SessionID,
		CreatorID:    claims.CreatorID,
		SubID:        claims.SubID,
		Placement:    ad.Placement,
		Timestamp:    time.Now(),
	})
	if err != nil {
		logger.Warn("expand target url", zap.String("ad_id", ad.ID), zap.Error(err))
		return ad.TargetURL
	}
	return expanded
}

// sendPixelResponse sends a 1x1 tracking pixel response
func (s *Server) sendPixelResponse(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pixelGIF)
}
