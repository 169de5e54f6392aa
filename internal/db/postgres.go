package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/patrickwarner/chatads/internal/models"
)

var _ models.Store = (*Postgres)(nil)

// Postgres wraps a postgres DB connection and implements models.Store.
type Postgres struct {
	DB *sql.DB
}

// InitPostgres connects to Postgres with connection pooling configuration
// and applies pending schema migrations.
func InitPostgres(dsn string, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) (*Postgres, error) {
	// Register the otelsql wrapper for postgres
	driverName, err := otelsql.Register("postgres",
		otelsql.WithAttributes(
			attribute.String("db.system", "postgresql"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("register otelsql: %w", err)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)

	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	zap.L().Info("Connected to Postgres with connection pooling",
		zap.Int("max_open_conns", maxOpenConns),
		zap.Int("max_idle_conns", maxIdleConns),
		zap.Duration("conn_max_lifetime", connMaxLifetime))
	return &Postgres{DB: db}, nil
}

// Close terminates the Postgres connection.
func (p *Postgres) Close() {
	if p != nil && p.DB != nil {
		if err := p.DB.Close(); err != nil {
			zap.L().Error("postgres close", zap.Error(err))
		}
	}
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// storeErr maps driver errors onto the engine's error taxonomy.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03", "23505":
			// serialization failure, deadlock, lock timeout, unique violation
			return fmt.Errorf("%s: %w: %w", op, models.ErrBillingConflict, err)
		case "23514":
			// check constraint: spend would leave [0, budget]
			return fmt.Errorf("%s: %w: %w", op, models.ErrBudgetExhausted, err)
		}
	}
	return fmt.Errorf("%s: %w: %w", op, models.ErrUpstreamUnavailable, err)
}

const adColumns = `a.id, a.campaign_id, a.title, a.content, a.target_url, a.ad_type, a.placement,
	a.pricing_model, a.bid_amount, a.currency, a.status, a.is_demo, a.ad_set_id, a.created_at, a.deleted_at`

func scanAd(row rowScanner, extra ...any) (models.Ad, error) {
	var ad models.Ad
	var adType, pricing, status string
	var adSet sql.NullString
	var deleted sql.NullTime
	dest := []any{&ad.ID, &ad.CampaignID, &ad.Title, &ad.Content, &ad.TargetURL, &adType, &ad.Placement,
		&pricing, &ad.BidAmount, &ad.Currency, &status, &ad.IsDemo, &adSet, &ad.CreatedAt, &deleted}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return models.Ad{}, err
	}
	ad.AdType = models.AdType(adType)
	ad.PricingModel = models.PricingModel(pricing)
	ad.Status = models.AdStatus(status)
	if adSet.Valid {
		ad.AdSetID = adSet.String
	}
	if deleted.Valid {
		t := deleted.Time
		ad.DeletedAt = &t
	}
	return ad, nil
}

const campaignColumns = `id, advertiser_id, name, budget_amount, spent_amount, currency, start_date, end_date, status, deleted_at`

func scanCampaign(row rowScanner) (models.AdCampaign, error) {
	var c models.AdCampaign
	var status string
	var start, end, deleted sql.NullTime
	if err := row.Scan(&c.ID, &c.AdvertiserID, &c.Name, &c.BudgetAmount, &c.SpentAmount, &c.Currency, &start, &end, &status, &deleted); err != nil {
		return models.AdCampaign{}, err
	}
	c.Status = models.CampaignStatus(status)
	c.StartDate = nullTimePtr(start)
	c.EndDate = nullTimePtr(end)
	c.DeletedAt = nullTimePtr(deleted)
	return c, nil
}

const sessionColumns = `id, creator_id, started_at, last_display_ad_at`

func scanSession(row rowScanner) (models.ChatSession, error) {
	var s models.ChatSession
	var last sql.NullTime
	if err := row.Scan(&s.ID, &s.CreatorID, &s.StartedAt, &last); err != nil {
		return models.ChatSession{}, err
	}
	s.LastDisplayAdAt = nullTimePtr(last)
	return s, nil
}

const impressionColumns = `id, ad_id, session_id, creator_id, impression_type, placement, similarity,
	revenue_amount, creator_payout_amount, created_at, billed, billed_at`

func scanImpression(row rowScanner) (models.Impression, error) {
	var imp models.Impression
	var typ string
	var billedAt sql.NullTime
	if err := row.Scan(&imp.ID, &imp.AdID, &imp.SessionID, &imp.CreatorID, &typ, &imp.Placement, &imp.Similarity,
		&imp.RevenueAmount, &imp.CreatorPayoutAmount, &imp.CreatedAt, &imp.Billed, &billedAt); err != nil {
		return models.Impression{}, err
	}
	imp.ImpressionType = models.AdType(typ)
	imp.BilledAt = nullTimePtr(billedAt)
	return imp, nil
}

const clickColumns = `id, impression_id, created_at, billed_at, sub_id, referer, device_type, country`

func scanClick(row rowScanner) (models.Click, error) {
	var c models.Click
	var billedAt sql.NullTime
	if err := row.Scan(&c.ID, &c.ImpressionID, &c.CreatedAt, &billedAt, &c.Metadata.SubID, &c.Metadata.Referer,
		&c.Metadata.DeviceType, &c.Metadata.Country); err != nil {
		return models.Click{}, err
	}
	c.BilledAt = nullTimePtr(billedAt)
	return c, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func getAd(ctx context.Context, q queryer, id string) (models.Ad, error) {
	ad, err := scanAd(q.QueryRowContext(ctx, `SELECT `+adColumns+` FROM ads a WHERE a.id = $1`, id))
	return ad, storeErr("get ad", err)
}

// GetAd loads a single ad by id. Soft-deleted ads are returned so callers
// can decide how to treat them.
func (p *Postgres) GetAd(ctx context.Context, id string) (models.Ad, error) {
	return getAd(ctx, p.DB, id)
}

// GetCampaign loads a single campaign.
func (p *Postgres) GetCampaign(ctx context.Context, id string) (models.AdCampaign, error) {
	c, err := scanCampaign(p.DB.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM ad_campaigns WHERE id = $1`, id))
	return c, storeErr("get campaign", err)
}

// GetCampaigns loads every campaign among ids.
func (p *Postgres) GetCampaigns(ctx context.Context, ids []string) (map[string]models.AdCampaign, error) {
	out := make(map[string]models.AdCampaign, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := p.DB.QueryContext(ctx, `SELECT `+campaignColumns+` FROM ad_campaigns WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, storeErr("query campaigns", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, storeErr("scan campaign", err)
		}
		out[c.ID] = c
	}
	return out, storeErr("iterate campaigns", rows.Err())
}

// GetSession loads a chat session.
func (p *Postgres) GetSession(ctx context.Context, id string) (models.ChatSession, error) {
	s, err := scanSession(p.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM chat_sessions WHERE id = $1`, id))
	return s, storeErr("get session", err)
}

// GetImpression loads a ledger row.
func (p *Postgres) GetImpression(ctx context.Context, id string) (models.Impression, error) {
	imp, err := scanImpression(p.DB.QueryRowContext(ctx, `SELECT `+impressionColumns+` FROM impressions WHERE id = $1`, id))
	return imp, storeErr("get impression", err)
}

// ListImpressionsBySession returns a session's ledger rows oldest first.
func (p *Postgres) ListImpressionsBySession(ctx context.Context, sessionID string) ([]models.Impression, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT `+impressionColumns+` FROM impressions WHERE session_id = $1 ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, storeErr("query impressions", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var out []models.Impression
	for rows.Next() {
		imp, err := scanImpression(rows)
		if err != nil {
			return nil, storeErr("scan impression", err)
		}
		out = append(out, imp)
	}
	return out, storeErr("iterate impressions", rows.Err())
}

// GetClick loads a click row.
func (p *Postgres) GetClick(ctx context.Context, id string) (models.Click, error) {
	c, err := scanClick(p.DB.QueryRowContext(ctx, `SELECT `+clickColumns+` FROM clicks WHERE id = $1`, id))
	return c, storeErr("get click", err)
}

// ListCreators loads every creator with its settings.
func (p *Postgres) ListCreators(ctx context.Context) ([]models.Creator, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT id, name, api_key, ad_frequency, revenue_vs_relevance,
		min_seconds_between_display_ads, display_ad_similarity_threshold, max_ads_per_campaign FROM creators`)
	if err != nil {
		return nil, storeErr("query creators", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var out []models.Creator
	for rows.Next() {
		var c models.Creator
		var displayThreshold sql.NullFloat64
		s := &c.Settings
		if err := rows.Scan(&c.ID, &c.Name, &c.APIKey, &s.AdFrequency, &s.RevenueVsRelevance,
			&s.MinSecondsBetweenDisplayAds, &displayThreshold, &s.MaxAdsPerCampaign); err != nil {
			return nil, storeErr("scan creator", err)
		}
		if displayThreshold.Valid {
			s.DisplayAdSimilarityThreshold = models.Threshold(displayThreshold.Float64)
		}
		out = append(out, c)
	}
	return out, storeErr("iterate creators", rows.Err())
}

// SearchAds runs a cosine nearest-neighbour query over ads.embedding using
// pgvector. Only servable ads of servable campaigns are considered.
func (p *Postgres) SearchAds(ctx context.Context, q models.SearchQuery) ([]models.ScoredAd, error) {
	now := q.Now
	if now.IsZero() {
		now = time.Now()
	}
	args := []any{pgvector.NewVector(q.Embedding), now, q.MinSimilarity}
	var where []string
	where = append(where,
		"a.status = 'active'",
		"a.deleted_at IS NULL",
		"a.embedding IS NOT NULL",
		"c.status = 'active'",
		"c.deleted_at IS NULL",
		"(c.start_date IS NULL OR c.start_date <= $2)",
		"(c.end_date IS NULL OR c.end_date >= $2)",
		"c.spent_amount < c.budget_amount",
		"1 - (a.embedding <=> $1) >= $3",
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if q.AdType != "" {
		where = append(where, "a.ad_type = "+arg(string(q.AdType)))
	}
	if q.Placement != "" {
		where = append(where, "a.placement = "+arg(q.Placement))
	}
	switch ref := q.AdSet.(type) {
	case models.SystemAdSet:
		where = append(where, "a.ad_type = "+arg(string(ref.AdType)))
	case models.CustomAdSet:
		where = append(where, "a.ad_set_id = "+arg(ref.ID))
	}
	if !q.IncludeDemo {
		where = append(where, "NOT a.is_demo")
	}
	if len(q.ExcludeIDs) > 0 {
		where = append(where, "NOT (a.id = ANY("+arg(pq.Array(q.ExcludeIDs))+"))")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + adColumns + `, 1 - (a.embedding <=> $1) AS similarity
		FROM ads a JOIN ad_campaigns c ON c.id = a.campaign_id
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY similarity DESC, a.bid_amount DESC, a.id ASC
		LIMIT ` + arg(limit)

	rows, err := p.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("search ads", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var out []models.ScoredAd
	for rows.Next() {
		var sim float64
		ad, err := scanAd(rows, &sim)
		if err != nil {
			return nil, storeErr("scan ad", err)
		}
		out = append(out, models.ScoredAd{Ad: ad, Similarity: sim})
	}
	return out, storeErr("iterate ads", rows.Err())
}

// WithTx runs fn inside a READ COMMITTED transaction. Row locks taken with
// SELECT ... FOR UPDATE serialise competing writers.
func (p *Postgres) WithTx(ctx context.Context, fn func(tx models.Tx) error) (err error) {
	tx, err := p.DB.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return storeErr("begin tx", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if cerr := tx.Commit(); cerr != nil {
			err = storeErr("commit", cerr)
		}
	}()
	return fn(&pgTx{tx: tx})
}

// pgTx implements models.Tx on a database/sql transaction.
type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) LockSession(ctx context.Context, id string) (models.ChatSession, error) {
	s, err := scanSession(t.tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM chat_sessions WHERE id = $1 FOR UPDATE`, id))
	return s, storeErr("lock session", err)
}

func (t *pgTx) SetLastDisplayAdAt(ctx context.Context, sessionID string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE chat_sessions SET last_display_ad_at = $2 WHERE id = $1`, sessionID, at)
	if err != nil {
		return storeErr("stamp session", err)
	}
	return requireOneRow("stamp session", res)
}

func (t *pgTx) InsertImpression(ctx context.Context, imp models.Impression) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO impressions (id, ad_id, session_id, creator_id, impression_type, placement,
		similarity, revenue_amount, creator_payout_amount, created_at, billed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE)`,
		imp.ID, imp.AdID, imp.SessionID, imp.CreatorID, string(imp.ImpressionType), imp.Placement,
		imp.Similarity, decimal.Zero, decimal.Zero, imp.CreatedAt)
	return storeErr("insert impression", err)
}

func (t *pgTx) LockImpression(ctx context.Context, id string) (models.Impression, error) {
	imp, err := scanImpression(t.tx.QueryRowContext(ctx, `SELECT `+impressionColumns+` FROM impressions WHERE id = $1 FOR UPDATE`, id))
	return imp, storeErr("lock impression", err)
}

func (t *pgTx) MarkImpressionBilled(ctx context.Context, id string, revenue, payout decimal.Decimal, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE impressions SET billed = TRUE, revenue_amount = $2, creator_payout_amount = $3, billed_at = $4
		WHERE id = $1 AND NOT billed`, id, revenue, payout, at)
	if err != nil {
		return storeErr("mark impression billed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("mark impression billed", err)
	}
	if n == 0 {
		return fmt.Errorf("mark impression billed %s: %w", id, models.ErrBillingConflict)
	}
	return nil
}

func (t *pgTx) GetAd(ctx context.Context, id string) (models.Ad, error) {
	return getAd(ctx, t.tx, id)
}

func (t *pgTx) LockCampaign(ctx context.Context, id string) (models.AdCampaign, error) {
	c, err := scanCampaign(t.tx.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM ad_campaigns WHERE id = $1 FOR UPDATE`, id))
	return c, storeErr("lock campaign", err)
}

func (t *pgTx) UpdateCampaignSpend(ctx context.Context, id string, spent decimal.Decimal, status models.CampaignStatus) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE ad_campaigns SET spent_amount = $2, status = $3 WHERE id = $1`, id, spent, string(status))
	if err != nil {
		return storeErr("update campaign spend", err)
	}
	return requireOneRow("update campaign spend", res)
}

func (t *pgTx) InsertClick(ctx context.Context, c models.Click) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO clicks (id, impression_id, created_at, sub_id, referer, device_type, country)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.ImpressionID, c.CreatedAt, c.Metadata.SubID, c.Metadata.Referer, c.Metadata.DeviceType, c.Metadata.Country)
	return storeErr("insert click", err)
}

func (t *pgTx) LockClick(ctx context.Context, id string) (models.Click, error) {
	c, err := scanClick(t.tx.QueryRowContext(ctx, `SELECT `+clickColumns+` FROM clicks WHERE id = $1 FOR UPDATE`, id))
	return c, storeErr("lock click", err)
}

func (t *pgTx) MarkClickBilled(ctx context.Context, id string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE clicks SET billed_at = $2 WHERE id = $1 AND billed_at IS NULL`, id, at)
	if err != nil {
		return storeErr("mark click billed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("mark click billed", err)
	}
	if n == 0 {
		return fmt.Errorf("mark click billed %s: %w", id, models.ErrBillingConflict)
	}
	return nil
}

func requireOneRow(op string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr(op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	return nil
}
