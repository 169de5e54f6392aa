package analytics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	_ "github.com/ClickHouse/clickhouse-go/v2"
)

// Event types written to the events table.
const (
	EventAdRequest  = "ad_request"
	EventAdServed   = "ad_served"
	EventNoAd       = "no_ad"
	EventImpression = "impression"
	EventClick      = "click"
	EventView       = "view"
	EventConversion = "conversion"
	EventBilling    = "billing"
)

// ErrUnavailable is returned when the analytics DB is not configured.
var ErrUnavailable = errors.New("analytics unavailable")

// Sink records analytics events. Implementations should return
// ErrUnavailable when the underlying storage is not configured.
type Sink interface {
	Record(ctx context.Context, ev Event) error
}

// Event is a single analytics row. Zero-valued optional fields are stored as
// NULL.
type Event struct {
	Timestamp    time.Time         `json:"timestamp"`
	EventType    string            `json:"event_type"`
	RequestID    string            `json:"request_id"`
	SessionID    string            `json:"session_id"`
	CreatorID    string            `json:"creator_id"`
	ImpressionID string            `json:"impression_id"`
	AdID         string            `json:"ad_id"`
	CampaignID   string            `json:"campaign_id"`
	AdType       string            `json:"ad_type"`
	Placement    string            `json:"placement"`
	Similarity   float64           `json:"similarity"`
	Cost         float64           `json:"cost"`
	Reason       string            `json:"reason"`
	DeviceType   string            `json:"device_type"`
	Country      string            `json:"country"`
	KeyValues    map[string]string `json:"key_values,omitempty"`
}

// EventRecord mirrors a row in the events table.
type EventRecord struct {
	Timestamp    time.Time `json:"timestamp"`
	EventType    string    `json:"event_type"`
	RequestID    string    `json:"request_id"`
	SessionID    string    `json:"session_id"`
	CreatorID    string    `json:"creator_id"`
	ImpressionID *string   `json:"impression_id"`
	AdID         *string   `json:"ad_id"`
	CampaignID   *string   `json:"campaign_id"`
	AdType       *string   `json:"ad_type"`
	Placement    *string   `json:"placement"`
	Similarity   float64   `json:"similarity"`
	Cost         float64   `json:"cost"`
	Reason       *string   `json:"reason"`
	DeviceType   *string   `json:"device_type"`
	Country      *string   `json:"country"`
}

// PoolConfig sizes the ClickHouse connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Analytics wraps a ClickHouse DB connection.
type Analytics struct {
	DB *sql.DB
}

var _ Sink = (*Analytics)(nil)

// InitClickHouse connects to ClickHouse and ensures the events table exists.
func InitClickHouse(ctx context.Context, dsn string, pool PoolConfig) (*Analytics, error) {
	db, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	create := `CREATE TABLE IF NOT EXISTS chat_events (
       timestamp     DateTime64(3),
       event_type    LowCardinality(String),
       request_id    String,
       session_id    String,
       creator_id    String,
       impression_id Nullable(String),
       ad_id         Nullable(String),
       campaign_id   Nullable(String),
       ad_type       Nullable(String),
       placement     Nullable(String),
       similarity    Float64,
       cost          Float64,
       reason        Nullable(String),
       device_type   Nullable(String),
       country       Nullable(String),
       key_values    Map(String, String)
   ) ENGINE=MergeTree() ORDER BY (session_id, timestamp)`
	if _, err := db.ExecContext(ctx, create); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("clickhouse create table: %w", err)
	}

	zap.L().Info("Connected to ClickHouse")
	return &Analytics{DB: db}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Record inserts a single event row.
func (a *Analytics) Record(ctx context.Context, ev Event) error {
	if a == nil || a.DB == nil {
		return ErrUnavailable
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	kv := ev.KeyValues
	if kv == nil {
		kv = map[string]string{}
	}

	stmt := `INSERT INTO chat_events (timestamp, event_type, request_id, session_id, creator_id, impression_id, ad_id, campaign_id, ad_type, placement, similarity, cost, reason, device_type, country, key_values) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := a.DB.ExecContext(ctx, stmt,
		ev.Timestamp, ev.EventType, ev.RequestID, ev.SessionID, ev.CreatorID,
		nullString(ev.ImpressionID), nullString(ev.AdID), nullString(ev.CampaignID),
		nullString(ev.AdType), nullString(ev.Placement),
		ev.Similarity, ev.Cost, nullString(ev.Reason),
		nullString(ev.DeviceType), nullString(ev.Country), kv,
	); err != nil {
		zap.L().Error("clickhouse insert failed", zap.Error(err), zap.String("event_type", ev.EventType))
		return fmt.Errorf("insert %s event: %w", ev.EventType, err)
	}
	return nil
}

// Close terminates the ClickHouse connection.
func (a *Analytics) Close() {
	if a != nil && a.DB != nil {
		if err := a.DB.Close(); err != nil {
			zap.L().Error("clickhouse close", zap.Error(err))
		}
	}
}

// GetEventsBySession returns all events for a session ordered by timestamp.
func (a *Analytics) GetEventsBySession(ctx context.Context, sessionID string) ([]EventRecord, error) {
	return a.query(ctx, "session_id", sessionID)
}

// GetEventsByRequestID returns all events for one serve request ordered by
// timestamp.
func (a *Analytics) GetEventsByRequestID(ctx context.Context, requestID string) ([]EventRecord, error) {
	return a.query(ctx, "request_id", requestID)
}

func (a *Analytics) query(ctx context.Context, column, value string) ([]EventRecord, error) {
	if a == nil || a.DB == nil {
		return nil, ErrUnavailable
	}
	// column is one of two constants above, never caller input
	query := `SELECT timestamp, event_type, request_id, session_id, creator_id, impression_id, ad_id, campaign_id, ad_type, placement, similarity, cost, reason, device_type, country FROM chat_events WHERE ` + column + `=? ORDER BY timestamp`
	rows, err := a.DB.QueryContext(ctx, query, value)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			zap.L().Warn("rows close", zap.Error(err))
		}
	}()

	var events []EventRecord
	for rows.Next() {
		var ev EventRecord
		if err := rows.Scan(&ev.Timestamp, &ev.EventType, &ev.RequestID, &ev.SessionID, &ev.CreatorID, &ev.ImpressionID, &ev.AdID, &ev.CampaignID, &ev.AdType, &ev.Placement, &ev.Similarity, &ev.Cost, &ev.Reason, &ev.DeviceType, &ev.Country); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return events, nil
}
