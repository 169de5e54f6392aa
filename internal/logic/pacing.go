// Package logic contains the runtime decisions made while serving ads into
// chat sessions.
//
// The pacing controller in this file gates display-class ads (banner, popup,
// video) per session. A session moves through three states:
//   - no_display_yet: no display ad was ever shown, the session is eligible.
//   - cooling_down: a display ad was shown less than
//     min_seconds_between_display_ads ago.
//   - eligible: the cooldown has elapsed.
//
// The decision itself is pure (Evaluate). Claim performs the decision under
// the session row lock and stamps last_display_ad_at inside the caller's
// transaction, so two concurrent serves for one session cannot both win the
// same cooldown window.
package logic

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickwarner/chatads/internal/models"
)

// nowFn is used to get the current time. In production it's time.Now,
// but tests replace it to move through cooldown windows.
var nowFn = time.Now

// PacingState is the display pacing state of one session.
type PacingState string

const (
	PacingNoDisplayYet PacingState = "no_display_yet"
	PacingCoolingDown  PacingState = "cooling_down"
	PacingEligible     PacingState = "eligible"
)

// Reason is the machine-readable explanation attached to every serve
// decision.
type Reason string

const (
	ReasonEligible             Reason = "eligible"
	ReasonCoolingDown          Reason = "cooling_down"
	ReasonNoAdsAboveThreshold  Reason = "no_ads_above_threshold"
	ReasonEmbeddingUnavailable Reason = "embedding_unavailable"
	ReasonFrequencyCapped      Reason = "frequency_capped"
	ReasonStoreUnavailable     Reason = "store_unavailable"
)

// Decision is the outcome of a pacing check.
type Decision struct {
	ShouldShow     bool        `json:"should_show"`
	Reason         Reason      `json:"reason"`
	State          PacingState `json:"state"`
	NextEligibleAt *time.Time  `json:"next_eligible_at,omitempty"`
}

// Evaluate decides whether a display ad with the given best similarity may
// be shown in session at now. Timing is checked before relevance.
func Evaluate(session models.ChatSession, settings models.CreatorSettings, bestSimilarity float64, now time.Time) Decision {
	d := Decision{State: PacingNoDisplayYet}
	if last := session.LastDisplayAdAt; last != nil {
		next := last.Add(settings.DisplayCooldown())
		if now.Before(next) {
			return Decision{Reason: ReasonCoolingDown, State: PacingCoolingDown, NextEligibleAt: &next}
		}
		d.State = PacingEligible
	}
	if bestSimilarity < settings.DisplayThreshold() {
		d.Reason = ReasonNoAdsAboveThreshold
		return d
	}
	d.ShouldShow = true
	d.Reason = ReasonEligible
	return d
}

// PacingController applies Evaluate against stored session state.
type PacingController struct {
	store models.Store
	now   func() time.Time
}

// NewPacingController returns a controller reading sessions from store.
func NewPacingController(store models.Store) *PacingController {
	return &PacingController{store: store, now: nowFn}
}

// SetClock overrides the controller's time source.
func (p *PacingController) SetClock(now func() time.Time) {
	p.now = now
}

// Now returns the controller's current time.
func (p *PacingController) Now() time.Time {
	return p.now()
}

// ShouldShow is the read-only check. It takes no lock, so its answer may be
// stale by the time a serve commits; serving uses Claim.
func (p *PacingController) ShouldShow(ctx context.Context, sessionID string, settings models.CreatorSettings, bestSimilarity float64) (Decision, error) {
	sess, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		return Decision{}, fmt.Errorf("pacing session %s: %w", sessionID, err)
	}
	return Evaluate(sess, settings, bestSimilarity, p.now()), nil
}

// Claim locks the session row, decides, and when eligible records a display
// serve at now. The stamp only becomes visible if tx commits.
func (p *PacingController) Claim(ctx context.Context, tx models.Tx, sessionID string, settings models.CreatorSettings, bestSimilarity float64) (Decision, error) {
	sess, err := tx.LockSession(ctx, sessionID)
	if err != nil {
		return Decision{}, fmt.Errorf("pacing lock session %s: %w", sessionID, err)
	}
	now := p.now()
	d := Evaluate(sess, settings, bestSimilarity, now)
	if !d.ShouldShow {
		return d, nil
	}
	if err := tx.SetLastDisplayAdAt(ctx, sessionID, now); err != nil {
		return Decision{}, fmt.Errorf("pacing stamp session %s: %w", sessionID, err)
	}
	return d, nil
}
