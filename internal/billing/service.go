// Package billing debits campaign budgets for billable events.
//
// Every charge runs in one transaction that locks the impression, the
// campaign and, for clicks, the click row. Spend, the impression billing
// fields and the click billed stamp commit together or not at all, and a
// billed impression is never charged again.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/patrickwarner/chatads/internal/ledger"
	"github.com/patrickwarner/chatads/internal/models"
	"github.com/patrickwarner/chatads/internal/observability"
)

// Amounts are stored as NUMERIC(14,6).
const moneyScale = 6

// Outcome labels a billing attempt.
type Outcome string

const (
	OutcomeBilled      Outcome = "billed"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeExhausted   Outcome = "exhausted"
	OutcomeNotBillable Outcome = "not_billable"
)

// Result describes what a billing call did.
type Result struct {
	ImpressionID string          `json:"impression_id"`
	ClickID      string          `json:"click_id,omitempty"`
	CampaignID   string          `json:"campaign_id,omitempty"`
	Outcome      Outcome         `json:"outcome"`
	Charge       decimal.Decimal `json:"charge"`
	Payout       decimal.Decimal `json:"creator_payout"`
	// CampaignSpent is the campaign's spend after this call.
	CampaignSpent decimal.Decimal `json:"campaign_spent"`
	// Exhausted is set when the campaign has no budget left after this call.
	Exhausted bool `json:"exhausted"`
}

// Billed reports whether this call moved money.
func (r Result) Billed() bool { return r.Outcome == OutcomeBilled }

// Duplicate reports whether the impression had already been billed.
func (r Result) Duplicate() bool { return r.Outcome == OutcomeDuplicate }

// Config holds billing knobs.
type Config struct {
	// RevenueShare is the fraction of each charge paid out to the creator.
	RevenueShare float64
	// MaxRetries bounds retries after a billing conflict.
	MaxRetries int
}

// Service is the only writer of campaign spend.
type Service struct {
	store        models.Store
	ledger       *ledger.Ledger
	revenueShare decimal.Decimal
	maxTries     uint
	logger       *zap.Logger
	metrics      observability.MetricsRegistry
	newBackOff   func() backoff.BackOff
}

// NewService returns a billing service.
func NewService(store models.Store, l *ledger.Ledger, cfg Config, logger *zap.Logger, metrics observability.MetricsRegistry) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	share := cfg.RevenueShare
	if share < 0 || share > 1 {
		share = 0.70
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return &Service{
		store:        store,
		ledger:       l,
		revenueShare: decimal.NewFromFloat(share),
		maxTries:     uint(retries) + 1,
		logger:       logger,
		metrics:      metrics,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 20 * time.Millisecond
			b.MaxInterval = 250 * time.Millisecond
			return b
		},
	}
}

// ProcessImpressionBilling bills a CPM impression. Clicks on CPM ads and
// views of CPC ads are not billable.
func (s *Service) ProcessImpressionBilling(ctx context.Context, impressionID string) (Result, error) {
	return s.run(ctx, impressionID, func(tx models.Tx) (Result, error) {
		return s.billImpression(ctx, tx, impressionID, models.PricingCPM)
	})
}

// ProcessClickBilling bills the impression behind a CPC click and stamps the
// click as billed in the same transaction.
func (s *Service) ProcessClickBilling(ctx context.Context, clickID string) (Result, error) {
	return s.run(ctx, clickID, func(tx models.Tx) (Result, error) {
		click, err := tx.LockClick(ctx, clickID)
		if err != nil {
			return Result{}, err
		}
		if click.BilledAt != nil {
			return Result{ImpressionID: click.ImpressionID, ClickID: clickID, Outcome: OutcomeDuplicate}, nil
		}
		res, err := s.billImpression(ctx, tx, click.ImpressionID, models.PricingCPC)
		if err != nil {
			return Result{}, err
		}
		res.ClickID = clickID
		if res.Outcome == OutcomeBilled || res.Outcome == OutcomeExhausted {
			if err := tx.MarkClickBilled(ctx, clickID, time.Now().UTC()); err != nil {
				return Result{}, err
			}
		}
		return res, nil
	})
}

// billImpression is steps 1-5 of the charge, inside tx.
func (s *Service) billImpression(ctx context.Context, tx models.Tx, impressionID string, want models.PricingModel) (Result, error) {
	res := Result{ImpressionID: impressionID, Charge: decimal.Zero, Payout: decimal.Zero}

	imp, err := tx.LockImpression(ctx, impressionID)
	if err != nil {
		return Result{}, err
	}
	if imp.Billed {
		res.Outcome = OutcomeDuplicate
		return res, nil
	}
	ad, err := tx.GetAd(ctx, imp.AdID)
	if err != nil {
		return Result{}, err
	}
	res.CampaignID = ad.CampaignID
	if ad.PricingModel != want {
		res.Outcome = OutcomeNotBillable
		return res, nil
	}

	camp, err := tx.LockCampaign(ctx, ad.CampaignID)
	if err != nil {
		return Result{}, err
	}
	remaining := camp.Remaining()
	if !remaining.IsPositive() {
		// nothing left to charge: close the impression at zero revenue
		if camp.Status == models.CampaignStatusActive {
			if err := tx.UpdateCampaignSpend(ctx, camp.ID, camp.SpentAmount, models.CampaignStatusExhausted); err != nil {
				return Result{}, err
			}
		}
		if _, err := s.ledger.MarkBilled(ctx, tx, impressionID, decimal.Zero, decimal.Zero); err != nil {
			return Result{}, err
		}
		res.Outcome = OutcomeExhausted
		res.Exhausted = true
		res.CampaignSpent = camp.SpentAmount
		return res, nil
	}

	charge := ad.Charge().Round(moneyScale)
	if charge.GreaterThan(remaining) {
		charge = remaining
	}
	spent := camp.SpentAmount.Add(charge)
	status := camp.Status
	exhausted := spent.Equal(camp.BudgetAmount)
	if exhausted {
		status = models.CampaignStatusExhausted
	}
	if err := tx.UpdateCampaignSpend(ctx, camp.ID, spent, status); err != nil {
		return Result{}, err
	}

	payout := charge.Mul(s.revenueShare).Round(moneyScale)
	applied, err := s.ledger.MarkBilled(ctx, tx, impressionID, charge, payout)
	if err != nil {
		return Result{}, err
	}
	if !applied {
		return Result{}, fmt.Errorf("impression %s billed concurrently: %w", impressionID, models.ErrBillingConflict)
	}

	res.Outcome = OutcomeBilled
	res.Charge = charge
	res.Payout = payout
	res.CampaignSpent = spent
	res.Exhausted = exhausted
	return res, nil
}

// run executes fn in a transaction, retrying billing conflicts with
// backoff. Conflicts never reach the caller: once retries are spent the
// error is reported as ErrUpstreamUnavailable.
func (s *Service) run(ctx context.Context, id string, fn func(tx models.Tx) (Result, error)) (Result, error) {
	op := func() (Result, error) {
		var res Result
		err := s.store.WithTx(ctx, func(tx models.Tx) error {
			var err error
			res, err = fn(tx)
			return err
		})
		if err == nil {
			return res, nil
		}
		if errors.Is(err, models.ErrBillingConflict) && ctx.Err() == nil {
			s.metrics.IncrementBillingConflicts()
			return Result{}, err
		}
		return Result{}, backoff.Permanent(err)
	}

	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(s.newBackOff()),
		backoff.WithMaxTries(s.maxTries),
	)
	if err != nil {
		if errors.Is(err, models.ErrBillingConflict) {
			err = fmt.Errorf("%w: %w", models.ErrUpstreamUnavailable, err)
		}
		s.metrics.IncrementBilling("error")
		if errors.Is(err, models.ErrNotFound) {
			s.logger.Warn("billing target not found", zap.String("id", id), zap.Error(err))
		} else {
			s.logger.Error("billing failed", zap.String("id", id), zap.Error(err))
		}
		return Result{}, err
	}

	s.metrics.IncrementBilling(string(res.Outcome))
	if res.Outcome == OutcomeBilled || res.Outcome == OutcomeExhausted {
		s.metrics.SetSpendTotal(res.CampaignID, res.CampaignSpent.InexactFloat64())
		s.logger.Info("billing applied",
			zap.String("impression_id", res.ImpressionID),
			zap.String("click_id", res.ClickID),
			zap.String("campaign_id", res.CampaignID),
			zap.String("outcome", string(res.Outcome)),
			zap.String("charge", res.Charge.String()),
			zap.String("campaign_spent", res.CampaignSpent.String()),
			zap.Bool("exhausted", res.Exhausted))
	}
	return res, nil
}

// Budget is a campaign's spend position.
type Budget struct {
	CampaignID string                `json:"campaign_id"`
	Budget     decimal.Decimal       `json:"budget"`
	Spent      decimal.Decimal       `json:"spent"`
	Remaining  decimal.Decimal       `json:"remaining"`
	Currency   string                `json:"currency"`
	Status     models.CampaignStatus `json:"status"`
}

// CampaignBudget reads the current spend position of a campaign.
func (s *Service) CampaignBudget(ctx context.Context, campaignID string) (Budget, error) {
	c, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return Budget{}, err
	}
	return Budget{
		CampaignID: c.ID,
		Budget:     c.BudgetAmount,
		Spent:      c.SpentAmount,
		Remaining:  c.Remaining(),
		Currency:   c.Currency,
		Status:     c.Status,
	}, nil
}
