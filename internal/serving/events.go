package serving

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/patrickwarner/chatads/internal/analytics"
	"github.com/patrickwarner/chatads/internal/billing"
	"github.com/patrickwarner/chatads/internal/models"
	"github.com/patrickwarner/chatads/internal/token"
)

// RecordImpressionRequest records an ad the host rendered on its own.
type RecordImpressionRequest struct {
	CallerCreatorID string
	AdID            string
	SessionID       string
	CreatorID       string
	ImpressionType  models.AdType
	Placement       string
}

// RecordImpressionResult identifies the new ledger row.
type RecordImpressionResult struct {
	ImpressionID string    `json:"impression_id"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// TrackEventRequest reports a post-serve event on an impression.
type TrackEventRequest struct {
	// CallerCreatorID is empty for signed click links, whose token already
	// binds the impression.
	CallerCreatorID string
	ImpressionID    string
	EventType       models.EventType
	SubID           string
	Metadata        models.ClickMetadata
}

// TrackEventResult reports whether the event charged the advertiser.
type TrackEventResult struct {
	EventID      string          `json:"event_id"`
	ImpressionID string          `json:"impression_id"`
	AdID         string          `json:"ad_id"`
	Billed       bool            `json:"billed"`
	Outcome      billing.Outcome `json:"outcome,omitempty"`
}

// storeErr classifies a store failure for callers: domain errors pass
// through, anything else becomes ErrUpstreamUnavailable.
func storeErr(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil,
		errors.Is(err, models.ErrNotFound),
		errors.Is(err, models.ErrAuthorizationDenied),
		errors.Is(err, models.ErrValidation),
		errors.Is(err, models.ErrUpstreamUnavailable):
		return err
	default:
		return fmt.Errorf("%w: %w", models.ErrUpstreamUnavailable, err)
	}
}

// RecordImpression writes one impression for an ad shown outside Serve. It
// never bills; CPM charges happen on the view event.
func (o *Orchestrator) RecordImpression(ctx context.Context, req RecordImpressionRequest) (RecordImpressionResult, error) {
	ctx, span := tracer.Start(ctx, "RecordImpression",
		trace.WithAttributes(
			attribute.String("ad_id", req.AdID),
			attribute.String("session_id", req.SessionID),
		))
	defer span.End()

	fail := func(err error) (RecordImpressionResult, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "record impression failed")
		o.metrics.IncrementImpressions("rejected")
		return RecordImpressionResult{}, err
	}

	switch {
	case strings.TrimSpace(req.AdID) == "":
		return fail(models.NewValidationError("ad_id", "is required"))
	case strings.TrimSpace(req.SessionID) == "":
		return fail(models.NewValidationError("session_id", "is required"))
	case strings.TrimSpace(req.CreatorID) == "":
		return fail(models.NewValidationError("creator_id", "is required"))
	case req.ImpressionType != "" && !req.ImpressionType.Valid():
		return fail(models.NewValidationError("impression_type", fmt.Sprintf("unknown ad type %q", req.ImpressionType)))
	}
	if req.CallerCreatorID != "" && req.CallerCreatorID != req.CreatorID {
		return fail(fmt.Errorf("creator %s: %w", req.CreatorID, models.ErrAuthorizationDenied))
	}
	if o.creators != nil && o.creators.Get(req.CreatorID) == nil {
		return fail(fmt.Errorf("creator %s: %w", req.CreatorID, models.ErrNotFound))
	}

	ad, err := o.store.GetAd(ctx, req.AdID)
	if err != nil {
		return fail(storeErr(ctx, err))
	}
	if ad.Deleted() {
		return fail(fmt.Errorf("ad %s: %w", ad.ID, models.ErrNotFound))
	}
	if req.ImpressionType != "" && req.ImpressionType != ad.AdType {
		return fail(models.NewValidationError("impression_type", fmt.Sprintf("%s does not match ad type %s", req.ImpressionType, ad.AdType)))
	}
	session, err := o.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return fail(storeErr(ctx, err))
	}
	if session.CreatorID != req.CreatorID {
		return fail(fmt.Errorf("session %s: %w", session.ID, models.ErrAuthorizationDenied))
	}

	imp, err := o.ledger.Record(ctx, ad, session, req.Placement, 0)
	if err != nil {
		return fail(storeErr(ctx, err))
	}
	o.metrics.IncrementImpressions("recorded")
	o.emit(ctx, analytics.Event{
		Timestamp:    imp.CreatedAt,
		EventType:    analytics.EventImpression,
		SessionID:    imp.SessionID,
		CreatorID:    imp.CreatorID,
		ImpressionID: imp.ID,
		AdID:         ad.ID,
		CampaignID:   ad.CampaignID,
		AdType:       string(imp.ImpressionType),
		Placement:    imp.Placement,
	})
	span.SetAttributes(attribute.String("impression_id", imp.ID))
	return RecordImpressionResult{ImpressionID: imp.ID, RecordedAt: imp.CreatedAt}, nil
}

// TrackEvent records a click, view or conversion. Clicks bill CPC ads and
// views bill CPM ads; replays never charge twice.
func (o *Orchestrator) TrackEvent(ctx context.Context, req TrackEventRequest) (TrackEventResult, error) {
	ctx, span := tracer.Start(ctx, "TrackEvent",
		trace.WithAttributes(
			attribute.String("impression_id", req.ImpressionID),
			attribute.String("event_type", string(req.EventType)),
		))
	defer span.End()

	fail := func(err error) (TrackEventResult, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "track event failed")
		return TrackEventResult{}, err
	}

	switch {
	case strings.TrimSpace(req.ImpressionID) == "":
		return fail(models.NewValidationError("impression_id", "is required"))
	case !req.EventType.Valid():
		return fail(models.NewValidationError("event_type", fmt.Sprintf("unknown event type %q", req.EventType)))
	case len(req.SubID) > token.MaxSubIDLength:
		return fail(models.NewValidationError("sub_id", fmt.Sprintf("longer than %d characters", token.MaxSubIDLength)))
	}

	imp, err := o.ledger.Get(ctx, req.ImpressionID)
	if err != nil {
		return fail(storeErr(ctx, err))
	}
	if req.CallerCreatorID != "" && imp.CreatorID != req.CallerCreatorID {
		return fail(fmt.Errorf("impression %s: %w", imp.ID, models.ErrAuthorizationDenied))
	}

	md := req.Metadata
	if req.SubID != "" {
		md.SubID = req.SubID
	}
	res := TrackEventResult{ImpressionID: imp.ID, AdID: imp.AdID}
	var bill billing.Result
	switch req.EventType {
	case models.EventClick:
		click, err := o.ledger.RecordClick(ctx, imp.ID, md)
		if err != nil {
			return fail(storeErr(ctx, err))
		}
		res.EventID = click.ID
		bill, err = o.billing.ProcessClickBilling(ctx, click.ID)
		if err != nil {
			return fail(err)
		}
	case models.EventView:
		res.EventID = o.newID()
		bill, err = o.billing.ProcessImpressionBilling(ctx, imp.ID)
		if err != nil {
			return fail(err)
		}
	default:
		res.EventID = o.newID()
	}
	res.Billed = bill.Billed()
	res.Outcome = bill.Outcome

	ev := analytics.Event{
		Timestamp:    time.Now().UTC(),
		EventType:    string(req.EventType),
		RequestID:    res.EventID,
		SessionID:    imp.SessionID,
		CreatorID:    imp.CreatorID,
		ImpressionID: imp.ID,
		AdID:         imp.AdID,
		CampaignID:   bill.CampaignID,
		AdType:       string(imp.ImpressionType),
		Placement:    imp.Placement,
		Similarity:   imp.Similarity,
		Cost:         bill.Charge.InexactFloat64(),
		DeviceType:   md.DeviceType,
		Country:      md.Country,
	}
	if md.SubID != "" {
		ev.KeyValues = map[string]string{"sub_id": md.SubID}
	}
	o.emit(ctx, ev)
	if bill.Outcome != "" {
		bev := ev
		bev.EventType = analytics.EventBilling
		bev.Reason = string(bill.Outcome)
		o.emit(ctx, bev)
	}

	span.SetAttributes(
		attribute.Bool("event.billed", res.Billed),
		attribute.String("event.outcome", string(res.Outcome)),
	)
	o.logger.Debug("event tracked",
		zap.String("impression_id", imp.ID),
		zap.String("event_type", string(req.EventType)),
		zap.String("outcome", string(res.Outcome)))
	return res, nil
}
