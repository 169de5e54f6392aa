package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrickwarner/chatads/internal/models"
)

func seedStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore()
	s.PutCampaign(models.AdCampaign{
		ID:           "camp1",
		BudgetAmount: decimal.NewFromInt(10),
		SpentAmount:  decimal.Zero,
		Status:       models.CampaignStatusActive,
	})
	s.PutCampaign(models.AdCampaign{
		ID:           "camp2",
		BudgetAmount: decimal.NewFromInt(10),
		SpentAmount:  decimal.NewFromInt(10),
		Status:       models.CampaignStatusExhausted,
	})
	s.PutAd(models.Ad{ID: "a", CampaignID: "camp1", AdType: models.AdTypeHyperlink, Status: models.AdStatusActive,
		BidAmount: decimal.NewFromInt(1), Embedding: []float32{1, 0}})
	s.PutAd(models.Ad{ID: "b", CampaignID: "camp1", AdType: models.AdTypeBanner, Status: models.AdStatusActive,
		BidAmount: decimal.NewFromInt(2), Embedding: []float32{1, 1}})
	s.PutAd(models.Ad{ID: "c", CampaignID: "camp2", AdType: models.AdTypeHyperlink, Status: models.AdStatusActive,
		BidAmount: decimal.NewFromInt(5), Embedding: []float32{1, 0}})
	s.PutAd(models.Ad{ID: "demo", CampaignID: "camp1", AdType: models.AdTypeHyperlink, Status: models.AdStatusActive,
		BidAmount: decimal.NewFromInt(1), Embedding: []float32{1, 0}, IsDemo: true})
	s.PutSession(models.ChatSession{ID: "s1", CreatorID: "cr1"})
	return s
}

func TestMemoryStoreSearchAds(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()

	got, err := s.SearchAds(ctx, models.SearchQuery{Embedding: []float32{1, 0}})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Ad.ID)
	assert.Equal(t, "b", got[1].Ad.ID)

	got, err = s.SearchAds(ctx, models.SearchQuery{Embedding: []float32{1, 0}, IncludeDemo: true})
	require.NoError(t, err)
	require.Len(t, got, 3)
	// equal similarity and bid, ordered by id
	assert.Equal(t, "a", got[0].Ad.ID)
	assert.Equal(t, "demo", got[1].Ad.ID)

	got, err = s.SearchAds(ctx, models.SearchQuery{Embedding: []float32{1, 0}, MinSimilarity: 0.9})
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = s.SearchAds(ctx, models.SearchQuery{Embedding: []float32{1, 0}, AdSet: models.SystemAdSet{AdType: models.AdTypeBanner}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].Ad.ID)

	got, err = s.SearchAds(ctx, models.SearchQuery{Embedding: []float32{1, 0}, ExcludeIDs: []string{"a"}, Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].Ad.ID)
}

func TestMemoryStoreRollback(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx models.Tx) error {
		require.NoError(t, tx.InsertImpression(ctx, models.Impression{ID: "i1", AdID: "a", SessionID: "s1"}))
		require.NoError(t, tx.SetLastDisplayAdAt(ctx, "s1", time.Now()))
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, s.ImpressionCount())
	sess, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, sess.LastDisplayAdAt)
}

func TestMemoryStoreCancelledBeforeCommit(t *testing.T) {
	s := seedStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	err := s.WithTx(ctx, func(tx models.Tx) error {
		if err := tx.InsertImpression(ctx, models.Impression{ID: "i1", AdID: "a", SessionID: "s1"}); err != nil {
			return err
		}
		cancel()
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, s.ImpressionCount())
}

func TestMemoryStoreInjectFailure(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()
	s.InjectFailure("InsertImpression", models.ErrUpstreamUnavailable)

	err := s.WithTx(ctx, func(tx models.Tx) error {
		return tx.InsertImpression(ctx, models.Impression{ID: "i1", AdID: "a", SessionID: "s1"})
	})
	require.ErrorIs(t, err, models.ErrUpstreamUnavailable)

	// one-shot
	err = s.WithTx(ctx, func(tx models.Tx) error {
		return tx.InsertImpression(ctx, models.Impression{ID: "i1", AdID: "a", SessionID: "s1"})
	})
	require.NoError(t, err)
	assert.Equal(t, 1, s.ImpressionCount())
}

func TestMemoryStoreSpendConstraint(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx models.Tx) error {
		return tx.UpdateCampaignSpend(ctx, "camp1", decimal.NewFromInt(11), models.CampaignStatusActive)
	})
	require.ErrorIs(t, err, models.ErrBudgetExhausted)

	c, err := s.GetCampaign(ctx, "camp1")
	require.NoError(t, err)
	assert.True(t, c.SpentAmount.IsZero())
}

func TestMemoryStoreMarkBilledOnce(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.WithTx(ctx, func(tx models.Tx) error {
		return tx.InsertImpression(ctx, models.Impression{ID: "i1", AdID: "a", SessionID: "s1"})
	}))
	require.NoError(t, s.WithTx(ctx, func(tx models.Tx) error {
		return tx.MarkImpressionBilled(ctx, "i1", decimal.NewFromInt(1), decimal.RequireFromString("0.7"), now)
	}))
	err := s.WithTx(ctx, func(tx models.Tx) error {
		return tx.MarkImpressionBilled(ctx, "i1", decimal.NewFromInt(1), decimal.RequireFromString("0.7"), now)
	})
	require.ErrorIs(t, err, models.ErrBillingConflict)

	imp, err := s.GetImpression(ctx, "i1")
	require.NoError(t, err)
	assert.True(t, imp.Billed)
	assert.True(t, imp.RevenueAmount.Equal(decimal.NewFromInt(1)))
}

func TestMemoryStoreNotFound(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.GetAd(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = s.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = s.GetImpression(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}
