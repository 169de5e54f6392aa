package serving

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/patrickwarner/chatads/internal/analytics"
	"github.com/patrickwarner/chatads/internal/ledger"
	"github.com/patrickwarner/chatads/internal/logic"
	"github.com/patrickwarner/chatads/internal/logic/search"
	"github.com/patrickwarner/chatads/internal/logic/selection"
	"github.com/patrickwarner/chatads/internal/models"
	"github.com/patrickwarner/chatads/internal/observability"
	"github.com/patrickwarner/chatads/internal/token"
)

// ServeRequest asks for ads to place next to one chat turn.
type ServeRequest struct {
	// CallerCreatorID is the authenticated creator. The session must belong
	// to it.
	CallerCreatorID string
	SessionID       string
	Queries         []string
	AdType          models.AdType
	Placement       string
	AdSet           models.AdSetRef
	Limit           int
	// SimilarityThreshold overrides the engine default when set.
	SimilarityThreshold *float64
	IncludeDemo         bool
	// SubID is echoed back through click links.
	SubID string
	Debug bool
}

// ServeResult is the answer to a serve. A result without ads is not an
// error; Reason says why.
type ServeResult struct {
	RequestID         string                `json:"request_id"`
	Ads               []models.AdPreview    `json:"ads"`
	ShouldShow        bool                  `json:"should_show"`
	Reason            logic.Reason          `json:"reason"`
	TotalAvailable    int                   `json:"total_available"`
	AverageSimilarity float64               `json:"average_similarity"`
	NextEligibleAt    *time.Time            `json:"next_eligible_at,omitempty"`
	Trace             *logic.SelectionTrace `json:"trace,omitempty"`
}

type serveParams struct {
	queries   []string
	threshold float64
	limit     int
}

func (o *Orchestrator) validate(req ServeRequest) (serveParams, error) {
	var p serveParams
	if strings.TrimSpace(req.SessionID) == "" {
		return p, models.NewValidationError("session_id", "is required")
	}
	if len(req.Queries) == 0 || len(req.Queries) > MaxQueries {
		return p, models.NewValidationError("queries", fmt.Sprintf("must contain 1 to %d entries", MaxQueries))
	}
	for _, q := range req.Queries {
		q = strings.TrimSpace(q)
		if q == "" {
			return p, models.NewValidationError("queries", "must not be blank")
		}
		p.queries = append(p.queries, q)
	}
	if req.AdType != "" && !req.AdType.Valid() {
		return p, models.NewValidationError("ad_type", fmt.Sprintf("unknown ad type %q", req.AdType))
	}
	if req.Limit < 0 || req.Limit > o.opts.MaxLimit {
		return p, models.NewValidationError("limit", fmt.Sprintf("must be between 0 and %d (0 uses the default)", o.opts.MaxLimit))
	}
	p.limit = req.Limit
	if p.limit == 0 {
		p.limit = o.opts.DefaultLimit
	}
	p.threshold = o.opts.DefaultThreshold
	if req.SimilarityThreshold != nil {
		p.threshold = *req.SimilarityThreshold
	}
	if math.IsNaN(p.threshold) || p.threshold < -1 || p.threshold > 1 {
		return p, models.NewValidationError("similarity_threshold", fmt.Sprintf("%v is outside [-1, 1]", p.threshold))
	}
	if len(req.SubID) > token.MaxSubIDLength {
		return p, models.NewValidationError("sub_id", fmt.Sprintf("longer than %d characters", token.MaxSubIDLength))
	}
	return p, nil
}

// Serve picks ads for a chat session. Every returned ad has an impression
// row, and when display ads are among them the session's pacing stamp is
// written in the same transaction. If ctx ends before commit nothing is
// written.
func (o *Orchestrator) Serve(ctx context.Context, req ServeRequest) (ServeResult, error) {
	ctx, span := tracer.Start(ctx, "Serve",
		trace.WithAttributes(
			attribute.String("session_id", req.SessionID),
			attribute.Int("queries", len(req.Queries)),
			attribute.String("ad_type", string(req.AdType)),
		))
	defer span.End()

	p, err := o.validate(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request")
		return ServeResult{}, err
	}

	res := ServeResult{RequestID: o.newID(), Ads: []models.AdPreview{}}
	if req.Debug {
		res.Trace = &logic.SelectionTrace{}
	}
	logger := o.logger.With(zap.String("request_id", res.RequestID), zap.String("session_id", req.SessionID))

	session, err := o.store.GetSession(ctx, req.SessionID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) || ctx.Err() != nil {
			return ServeResult{}, err
		}
		logger.Error("session lookup", zap.Error(err))
		return o.noAd(ctx, span, analytics.Event{RequestID: res.RequestID, SessionID: req.SessionID}, res, logic.ReasonStoreUnavailable), nil
	}
	if session.CreatorID != req.CallerCreatorID {
		return ServeResult{}, fmt.Errorf("session %s: %w", session.ID, models.ErrAuthorizationDenied)
	}
	settings, err := o.settingsFor(session.CreatorID)
	if err != nil {
		return ServeResult{}, err
	}

	base := analytics.Event{
		RequestID: res.RequestID,
		SessionID: session.ID,
		CreatorID: session.CreatorID,
		AdType:    string(req.AdType),
		Placement: req.Placement,
	}
	o.emit(ctx, eventOf(base, analytics.EventAdRequest))

	if o.redis != nil {
		capped, err := logic.HasSessionExceededFrequencyCap(ctx, o.redis, session.ID, settings.AdFrequency)
		if err != nil {
			logger.Warn("frequency cap check", zap.Error(err))
		}
		if capped {
			return o.noAd(ctx, span, base, res, logic.ReasonFrequencyCapped), nil
		}
	}

	// display-only requests can be turned away before any embedding call
	if req.AdType.IsDisplay() {
		if d := logic.Evaluate(session, settings, 1, o.pacing.Now()); d.State == logic.PacingCoolingDown {
			res.NextEligibleAt = d.NextEligibleAt
			return o.noAd(ctx, span, base, res, logic.ReasonCoolingDown), nil
		}
	}

	vectors := o.embedAll(ctx, logger, p.queries)
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.Canceled) {
			return ServeResult{}, err
		}
		// deadline hit while embedding: degrade, nothing has been written
		logger.Warn("embedding deadline exceeded", zap.Error(err))
		return o.noAd(context.WithoutCancel(ctx), span, base, res, logic.ReasonEmbeddingUnavailable), nil
	}
	if len(vectors) == 0 {
		return o.noAd(ctx, span, base, res, logic.ReasonEmbeddingUnavailable), nil
	}

	filters := search.Filters{
		AdType:      req.AdType,
		Placement:   req.Placement,
		AdSet:       req.AdSet,
		IncludeDemo: req.IncludeDemo,
		Threshold:   p.threshold,
	}
	lists := make([][]search.Candidate, 0, len(vectors))
	var searchErr error
	for _, v := range vectors {
		found, err := o.search.Search(ctx, v, filters)
		if err != nil {
			if ctx.Err() != nil {
				return ServeResult{}, ctx.Err()
			}
			searchErr = err
			continue
		}
		lists = append(lists, found)
	}
	if len(lists) == 0 {
		logger.Error("similarity search", zap.Error(searchErr))
		return o.noAd(ctx, span, base, res, logic.ReasonStoreUnavailable), nil
	}
	merged := search.Merge(lists...)
	res.TotalAvailable = len(merged)
	res.Trace.AddStepWithDetails("search", merged, map[string]string{
		"threshold": strconv.FormatFloat(p.threshold, 'f', -1, 64),
		"queries":   strconv.Itoa(len(vectors)),
	})

	eligible := make([]search.Candidate, 0, len(merged))
	for _, c := range merged {
		if c.Ad.AdType.IsDisplay() && c.Similarity < settings.DisplayThreshold() {
			continue
		}
		eligible = append(eligible, c)
	}
	res.Trace.AddStepWithDetails("display_threshold", eligible, map[string]string{
		"display_ad_similarity_threshold": strconv.FormatFloat(settings.DisplayThreshold(), 'f', -1, 64),
	})

	selected, err := o.policy.Select(ctx, eligible, p.limit, settings, selection.Options{IncludeDemo: req.IncludeDemo, Trace: res.Trace})
	if err != nil {
		if ctx.Err() != nil {
			return ServeResult{}, ctx.Err()
		}
		logger.Error("ad selection", zap.Error(err))
		return o.noAd(ctx, span, base, res, logic.ReasonStoreUnavailable), nil
	}
	if len(selected) == 0 {
		return o.noAd(ctx, span, base, res, logic.ReasonNoAdsAboveThreshold), nil
	}

	hasDisplay := false
	bestDisplay := math.Inf(-1)
	for _, c := range selected {
		if c.Ad.AdType.IsDisplay() {
			hasDisplay = true
			bestDisplay = math.Max(bestDisplay, c.Similarity)
		}
	}
	// non-display ads to fall back on if pacing turns the display ads away
	var fallback []search.Candidate
	if hasDisplay {
		inline := make([]search.Candidate, 0, len(eligible))
		for _, c := range eligible {
			if !c.Ad.AdType.IsDisplay() {
				inline = append(inline, c)
			}
		}
		if len(inline) > 0 {
			fallback, err = o.policy.Select(ctx, inline, p.limit, settings, selection.Options{IncludeDemo: req.IncludeDemo})
			if err != nil {
				if ctx.Err() != nil {
					return ServeResult{}, ctx.Err()
				}
				logger.Warn("fallback selection", zap.Error(err))
				fallback = nil
			}
		}
	}

	var (
		final    []search.Candidate
		imps     []models.Impression
		decision = logic.Decision{ShouldShow: true, Reason: logic.ReasonEligible}
	)
	err = o.store.WithTx(ctx, func(tx models.Tx) error {
		final, imps = selected, nil
		if hasDisplay {
			d, err := o.pacing.Claim(ctx, tx, session.ID, settings, bestDisplay)
			if err != nil {
				return err
			}
			decision = d
			if !d.ShouldShow {
				final = fallback
			}
		}
		if len(final) == 0 {
			return nil
		}
		entries := make([]ledger.Entry, len(final))
		for i, c := range final {
			entries[i] = ledger.Entry{
				Ad:         c.Ad,
				SessionID:  session.ID,
				CreatorID:  session.CreatorID,
				Placement:  req.Placement,
				Similarity: c.Similarity,
			}
		}
		out, err := o.ledger.RecordTx(ctx, tx, entries)
		if err != nil {
			return err
		}
		imps = out
		return nil
	})
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, models.ErrNotFound) {
			span.RecordError(err)
			return ServeResult{}, err
		}
		logger.Error("serve transaction", zap.Error(err))
		return o.noAd(ctx, span, base, res, logic.ReasonStoreUnavailable), nil
	}
	if hasDisplay {
		res.Trace.AddStepWithDetails("pacing", final, map[string]string{
			"state":  string(decision.State),
			"reason": string(decision.Reason),
		})
	}
	if len(final) == 0 {
		res.NextEligibleAt = decision.NextEligibleAt
		return o.noAd(ctx, span, base, res, decision.Reason), nil
	}

	var sum float64
	for i, c := range final {
		imp := imps[i]
		res.Ads = append(res.Ads, models.AdPreview{
			ID:           c.Ad.ID,
			ImpressionID: imp.ID,
			Title:        c.Ad.Title,
			Content:      c.Ad.Content,
			ClickURL:     o.clickURL(logger, imp, req.SubID),
			TargetURL:    c.Ad.TargetURL,
			AdType:       c.Ad.AdType,
			Placement:    imp.Placement,
			Similarity:   c.Similarity,
		})
		sum += c.Similarity
	}
	res.AverageSimilarity = sum / float64(len(final))
	res.ShouldShow = true
	res.Reason = logic.ReasonEligible

	if o.redis != nil {
		if err := logic.IncrementSessionFrequency(ctx, o.redis, session.ID, len(final), o.opts.FrequencyWindow); err != nil {
			logger.Warn("frequency increment", zap.Error(err))
		}
	}
	for i, c := range final {
		ev := eventOf(base, analytics.EventAdServed)
		ev.ImpressionID = imps[i].ID
		ev.AdID = c.Ad.ID
		ev.CampaignID = c.Ad.CampaignID
		ev.AdType = string(c.Ad.AdType)
		ev.Placement = imps[i].Placement
		ev.Similarity = c.Similarity
		o.emit(ctx, ev)
		o.metrics.RecordServedSimilarity(c.Similarity)
	}
	o.metrics.IncrementServes(string(logic.ReasonEligible))
	o.metrics.RecordServedAds(len(final))

	span.SetAttributes(
		attribute.String("serve.reason", string(res.Reason)),
		attribute.Int("serve.ads", len(res.Ads)),
		attribute.Float64("serve.average_similarity", res.AverageSimilarity),
	)
	if observability.ShouldSample(observability.GetSamplingRate()) {
		logger.Info("ads served",
			zap.Int("count", len(res.Ads)),
			zap.Int("total_available", res.TotalAvailable),
			zap.Float64("average_similarity", res.AverageSimilarity),
			zap.String("event_type", analytics.EventAdServed))
	}
	return res, nil
}

// noAd finalises a serve that returns nothing.
func (o *Orchestrator) noAd(ctx context.Context, span trace.Span, base analytics.Event, res ServeResult, reason logic.Reason) ServeResult {
	res.ShouldShow = false
	res.Reason = reason
	res.Ads = []models.AdPreview{}
	res.AverageSimilarity = 0

	ev := eventOf(base, analytics.EventNoAd)
	ev.Reason = string(reason)
	o.emit(ctx, ev)
	o.metrics.IncrementServes(string(reason))

	span.SetAttributes(attribute.String("serve.reason", string(reason)))
	if observability.ShouldSample(observability.GetSamplingRate()) {
		o.logger.Info("no ad",
			zap.String("request_id", res.RequestID),
			zap.String("session_id", base.SessionID),
			zap.String("reason", string(reason)),
			zap.String("event_type", analytics.EventNoAd))
	}
	return res
}

// embedAll embeds every query concurrently and returns the vectors that
// succeeded, in query order.
func (o *Orchestrator) embedAll(ctx context.Context, logger *zap.Logger, queries []string) [][]float32 {
	if o.embedder == nil {
		return nil
	}
	out := make([][]float32, len(queries))
	var wg sync.WaitGroup
	for i, q := range queries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := o.embedder.Embed(ctx, q)
			if err != nil {
				logger.Warn("embed query", zap.Int("query_index", i), zap.Error(err))
				return
			}
			out[i] = v
		}()
	}
	wg.Wait()

	vectors := make([][]float32, 0, len(out))
	for _, v := range out {
		if len(v) > 0 {
			vectors = append(vectors, v)
		}
	}
	return vectors
}

// clickURL returns the signed click-tracking link for imp.
func (o *Orchestrator) clickURL(logger *zap.Logger, imp models.Impression, subID string) string {
	tok, err := token.Generate(token.Claims{
		ImpressionID: imp.ID,
		AdID:         imp.AdID,
		SessionID:    imp.SessionID,
		CreatorID:    imp.CreatorID,
		SubID:        subID,
		IssuedAt:     imp.CreatedAt,
	}, o.opts.TokenSecret)
	if err != nil {
		logger.Error("failed to generate token", zap.Error(err), zap.String("impression_id", imp.ID))
		return ""
	}
	return strings.TrimRight(o.opts.PublicBaseURL, "/") + "/click?t=" + url.QueryEscape(tok)
}

func eventOf(base analytics.Event, eventType string) analytics.Event {
	base.EventType = eventType
	base.Timestamp = time.Now().UTC()
	return base
}
