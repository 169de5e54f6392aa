package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrickwarner/chatads/internal/db"
	"github.com/patrickwarner/chatads/internal/models"
)

func setup(t *testing.T) (*db.MemoryStore, *Ledger, models.Ad, models.ChatSession) {
	t.Helper()
	s := db.NewMemoryStore()
	ad := models.Ad{ID: "ad1", CampaignID: "c1", AdType: models.AdTypeBanner, Placement: "inline", Status: models.AdStatusActive}
	sess := models.ChatSession{ID: "s1", CreatorID: "cr1"}
	s.PutAd(ad)
	s.PutAd(models.Ad{ID: "ad2", CampaignID: "c1", AdType: models.AdTypeHyperlink, Status: models.AdStatusActive})
	s.PutSession(sess)
	return s, New(s), ad, sess
}

func TestRecord(t *testing.T) {
	_, l, ad, sess := setup(t)
	ctx := context.Background()

	imp, err := l.Record(ctx, ad, sess, "", 0.42)
	require.NoError(t, err)
	assert.NotEmpty(t, imp.ID)
	assert.Equal(t, "inline", imp.Placement)
	assert.Equal(t, models.AdTypeBanner, imp.ImpressionType)
	assert.Equal(t, "cr1", imp.CreatorID)
	assert.False(t, imp.Billed)

	got, err := l.Get(ctx, imp.ID)
	require.NoError(t, err)
	assert.Equal(t, imp.ID, got.ID)
	assert.Equal(t, 0.42, got.Similarity)
}

func TestRecordTxAllOrNothing(t *testing.T) {
	s, l, ad, sess := setup(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx models.Tx) error {
		_, err := l.RecordTx(ctx, tx, []Entry{
			{Ad: ad, SessionID: sess.ID, CreatorID: sess.CreatorID},
			{Ad: models.Ad{ID: "missing"}, SessionID: sess.ID, CreatorID: sess.CreatorID},
		})
		return err
	})
	require.ErrorIs(t, err, models.ErrNotFound)
	assert.Equal(t, 0, s.ImpressionCount())

	require.NoError(t, s.WithTx(ctx, func(tx models.Tx) error {
		out, err := l.RecordTx(ctx, tx, []Entry{
			{Ad: ad, SessionID: sess.ID, CreatorID: sess.CreatorID},
			{Ad: models.Ad{ID: "ad2"}, SessionID: sess.ID, CreatorID: sess.CreatorID, Placement: "footer"},
		})
		if err != nil {
			return err
		}
		require.Len(t, out, 2)
		assert.NotEqual(t, out[0].ID, out[1].ID)
		return nil
	}))
	list, err := l.ForSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "ad1", list[0].AdID)
	assert.Equal(t, "footer", list[1].Placement)
}

func TestMarkBilledIdempotent(t *testing.T) {
	s, l, ad, sess := setup(t)
	ctx := context.Background()
	imp, err := l.Record(ctx, ad, sess, "", 0.5)
	require.NoError(t, err)

	mark := func(rev string) bool {
		var applied bool
		require.NoError(t, s.WithTx(ctx, func(tx models.Tx) error {
			var err error
			applied, err = l.MarkBilled(ctx, tx, imp.ID, decimal.RequireFromString(rev), decimal.RequireFromString(rev).Mul(decimal.RequireFromString("0.7")))
			return err
		}))
		return applied
	}
	assert.True(t, mark("0.50"))
	assert.False(t, mark("0.90"))

	got, err := l.Get(ctx, imp.ID)
	require.NoError(t, err)
	assert.True(t, got.Billed)
	assert.True(t, got.RevenueAmount.Equal(decimal.RequireFromString("0.50")))
	assert.True(t, got.CreatorPayoutAmount.Equal(decimal.RequireFromString("0.35")))
}

func TestRecordClick(t *testing.T) {
	s, l, ad, sess := setup(t)
	ctx := context.Background()
	imp, err := l.Record(ctx, ad, sess, "", 0.5)
	require.NoError(t, err)

	c, err := l.RecordClick(ctx, imp.ID, models.ClickMetadata{SubID: "x", Referer: "https://chat"})
	require.NoError(t, err)
	got, err := s.GetClick(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, imp.ID, got.ImpressionID)
	assert.Equal(t, "x", got.Metadata.SubID)
	assert.Nil(t, got.BilledAt)

	_, err = l.RecordClick(ctx, "nope", models.ClickMetadata{})
	assert.True(t, errors.Is(err, models.ErrNotFound))
}
