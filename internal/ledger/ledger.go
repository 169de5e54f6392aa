// Package ledger is the durable record of every ad shown in a chat session.
// An impression row exists for every ad id a serve ever returned, and its
// billing fields are written at most once.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/patrickwarner/chatads/internal/models"
)

// Ledger records impressions and clicks.
type Ledger struct {
	store models.Store
	now   func() time.Time
	newID func() string
}

// New returns a ledger backed by store.
func New(store models.Store) *Ledger {
	return &Ledger{store: store, now: time.Now, newID: uuid.NewString}
}

// Entry describes one ad to record inside a serve.
type Entry struct {
	Ad         models.Ad
	SessionID  string
	CreatorID  string
	Placement  string // defaults to the ad's placement
	Similarity float64
}

// Record writes a single impression in its own transaction.
func (l *Ledger) Record(ctx context.Context, ad models.Ad, session models.ChatSession, placement string, similarity float64) (models.Impression, error) {
	var imp models.Impression
	err := l.store.WithTx(ctx, func(tx models.Tx) error {
		out, err := l.RecordTx(ctx, tx, []Entry{{
			Ad:         ad,
			SessionID:  session.ID,
			CreatorID:  session.CreatorID,
			Placement:  placement,
			Similarity: similarity,
		}})
		if err != nil {
			return err
		}
		imp = out[0]
		return nil
	})
	if err != nil {
		return models.Impression{}, err
	}
	return imp, nil
}

// RecordTx writes one impression per entry inside tx. Either every row
// commits with tx or none does.
func (l *Ledger) RecordTx(ctx context.Context, tx models.Tx, entries []Entry) ([]models.Impression, error) {
	now := l.now().UTC()
	out := make([]models.Impression, 0, len(entries))
	for _, e := range entries {
		placement := e.Placement
		if placement == "" {
			placement = e.Ad.Placement
		}
		imp := models.Impression{
			ID:                  l.newID(),
			AdID:                e.Ad.ID,
			SessionID:           e.SessionID,
			CreatorID:           e.CreatorID,
			ImpressionType:      e.Ad.AdType,
			Placement:           placement,
			Similarity:          e.Similarity,
			RevenueAmount:       decimal.Zero,
			CreatorPayoutAmount: decimal.Zero,
			CreatedAt:           now,
		}
		if err := tx.InsertImpression(ctx, imp); err != nil {
			return nil, fmt.Errorf("record impression for ad %s: %w", e.Ad.ID, err)
		}
		out = append(out, imp)
	}
	return out, nil
}

// MarkBilled sets the billing fields of an impression inside tx. It
// reports false without writing when the impression is already billed.
func (l *Ledger) MarkBilled(ctx context.Context, tx models.Tx, impressionID string, revenue, payout decimal.Decimal) (bool, error) {
	imp, err := tx.LockImpression(ctx, impressionID)
	if err != nil {
		return false, err
	}
	if imp.Billed {
		return false, nil
	}
	if err := tx.MarkImpressionBilled(ctx, impressionID, revenue, payout, l.now().UTC()); err != nil {
		return false, err
	}
	return true, nil
}

// Get returns a single impression.
func (l *Ledger) Get(ctx context.Context, id string) (models.Impression, error) {
	return l.store.GetImpression(ctx, id)
}

// ForSession lists a session's impressions in creation order.
func (l *Ledger) ForSession(ctx context.Context, sessionID string) ([]models.Impression, error) {
	return l.store.ListImpressionsBySession(ctx, sessionID)
}

// RecordClick stores a click against an existing impression.
func (l *Ledger) RecordClick(ctx context.Context, impressionID string, md models.ClickMetadata) (models.Click, error) {
	click := models.Click{
		ID:           l.newID(),
		ImpressionID: impressionID,
		CreatedAt:    l.now().UTC(),
		Metadata:     md,
	}
	err := l.store.WithTx(ctx, func(tx models.Tx) error {
		return tx.InsertClick(ctx, click)
	})
	if err != nil {
		return models.Click{}, fmt.Errorf("record click on %s: %w", impressionID, err)
	}
	return click, nil
}
