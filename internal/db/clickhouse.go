package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/patrickwarner/adtrack/internal/models"
)

// ClickHouse stores raw impression and click events and answers the
// analytics range queries over them.
type ClickHouse struct {
	DB *sql.DB
}

const createImpressionsSQL = `CREATE TABLE IF NOT EXISTS impressions (
    id String,
    ad_id Int64,
    user_id String,
    session_id String,
    placement_code String,
    placement_id Nullable(Int64),
    ip String,
    user_agent String,
    metadata Map(String, String),
    viewed_at DateTime64(3)
) ENGINE = MergeTree()
ORDER BY (ad_id, viewed_at)`

const createClicksSQL = `CREATE TABLE IF NOT EXISTS clicks (
    id String,
    ad_id Int64,
    impression_id String,
    user_id String,
    session_id String,
    referrer String,
    destination_url String,
    ip String,
    user_agent String,
    metadata Map(String, String),
    clicked_at DateTime64(3)
) ENGINE = MergeTree()
ORDER BY (ad_id, clicked_at)`

// InitClickHouse opens a pooled ClickHouse connection and creates the event
// tables when missing.
func InitClickHouse(dsn string, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) (*ClickHouse, error) {
	conn, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	conn.SetMaxOpenConns(maxOpenConns)
	conn.SetMaxIdleConns(maxIdleConns)
	conn.SetConnMaxLifetime(connMaxLifetime)
	conn.SetConnMaxIdleTime(connMaxIdleTime)

	if err := readyPool(context.Background(), conn, "clickhouse", createImpressionsSQL, createClicksSQL); err != nil {
		return nil, err
	}
	zap.L().Info("Connected to ClickHouse with connection pooling",
		zap.Int("max_open_conns", maxOpenConns),
		zap.Int("max_idle_conns", maxIdleConns))
	return &ClickHouse{DB: conn}, nil
}

// Close terminates the ClickHouse connection.
func (c *ClickHouse) Close() {
	if c != nil && c.DB != nil {
		if err := c.DB.Close(); err != nil {
			zap.L().Error("clickhouse close", zap.Error(err))
		}
	}
}

func nonNilMeta(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// BulkInsertImpressions writes all events as a single batch. Either the
// whole batch is sent or an error is returned.
func (c *ClickHouse) BulkInsertImpressions(ctx context.Context, events []models.ImpressionEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin impression batch: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO impressions
        (id, ad_id, user_id, session_id, placement_code, placement_id, ip, user_agent, metadata, viewed_at)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare impression batch: %w", err)
	}
	defer func() {
		_ = stmt.Close()
	}()

	for _, ev := range events {
		if _, err := stmt.ExecContext(ctx, ev.ID, ev.AdID, ev.UserID, ev.SessionID, ev.PlacementCode,
			ev.PlacementID, ev.IP, ev.UserAgent, nonNilMeta(ev.Metadata), ev.ViewedAt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("append impression: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("send impression batch: %w", err)
	}
	return nil
}

// InsertClick persists a single click and returns its id.
func (c *ClickHouse) InsertClick(ctx context.Context, ev *models.ClickEvent) (string, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	_, err := c.DB.ExecContext(ctx, `INSERT INTO clicks
        (id, ad_id, impression_id, user_id, session_id, referrer, destination_url, ip, user_agent, metadata, clicked_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.AdID, ev.ImpressionID, ev.UserID, ev.SessionID, ev.Referrer, ev.DestinationURL,
		ev.IP, ev.UserAgent, nonNilMeta(ev.Metadata), ev.ClickedAt)
	if err != nil {
		return "", fmt.Errorf("insert click: %w", err)
	}
	return ev.ID, nil
}

// rangeFilter builds the WHERE clause shared by the analytics queries.
func rangeFilter(adID int64, column string, tr models.TimeRange) (string, []any) {
	clauses := []string{"ad_id = ?"}
	args := []any{adID}
	if tr.Start != nil {
		clauses = append(clauses, column+" >= ?")
		args = append(args, *tr.Start)
	}
	if tr.End != nil {
		clauses = append(clauses, column+" <= ?")
		args = append(args, *tr.End)
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// EventTotals counts impressions, clicks and distinct users for an ad.
func (c *ClickHouse) EventTotals(ctx context.Context, adID int64, tr models.TimeRange) (models.EventTotals, error) {
	var out models.EventTotals

	where, args := rangeFilter(adID, "viewed_at", tr)
	var imps, users uint64
	if err := c.DB.QueryRowContext(ctx,
		`SELECT count(), uniqExactIf(user_id, user_id != '') FROM impressions`+where, args...).
		Scan(&imps, &users); err != nil {
		return out, fmt.Errorf("impression totals: %w", err)
	}

	where, args = rangeFilter(adID, "clicked_at", tr)
	var clicks uint64
	if err := c.DB.QueryRowContext(ctx, `SELECT count() FROM clicks`+where, args...).Scan(&clicks); err != nil {
		return out, fmt.Errorf("click totals: %w", err)
	}

	out.Impressions = int64(imps)
	out.Clicks = int64(clicks)
	out.UniqueUsers = int64(users)
	return out, nil
}

// DailyImpressions returns the most recent limit days with impressions,
// oldest first.
func (c *ClickHouse) DailyImpressions(ctx context.Context, adID int64, tr models.TimeRange, limit int) ([]models.DailyCount, error) {
	where, args := rangeFilter(adID, "viewed_at", tr)
	args = append(args, limit)
	rows, err := c.DB.QueryContext(ctx, `SELECT toDate(viewed_at) AS day, count() AS n FROM impressions`+where+
		` GROUP BY day ORDER BY day DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("query daily impressions: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []models.DailyCount
	for rows.Next() {
		var day time.Time
		var n uint64
		if err := rows.Scan(&day, &n); err != nil {
			return nil, fmt.Errorf("scan daily impressions: %w", err)
		}
		out = append(out, models.DailyCount{Date: day.Format("2006-01-02"), Impressions: int64(n)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// TopPlacements returns the placements with the most impressions for an ad.
// Rows with a resolved placement_id group by id; the rest group by code.
func (c *ClickHouse) TopPlacements(ctx context.Context, adID int64, tr models.TimeRange, limit int) ([]models.PlacementCount, error) {
	where, args := rangeFilter(adID, "viewed_at", tr)
	args = append(args, limit)
	rows, err := c.DB.QueryContext(ctx, `SELECT placement_id, anyIf(placement_code, placement_code != '') AS code, count() AS n FROM impressions`+where+
		` AND (placement_id IS NOT NULL OR placement_code != '')`+
		` GROUP BY placement_id, if(isNull(placement_id), placement_code, '')`+
		` ORDER BY n DESC, code, placement_id LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("query top placements: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []models.PlacementCount
	for rows.Next() {
		var pc models.PlacementCount
		var id sql.NullInt64
		var n uint64
		if err := rows.Scan(&id, &pc.PlacementCode, &n); err != nil {
			return nil, fmt.Errorf("scan top placements: %w", err)
		}
		if id.Valid {
			v := id.Int64
			pc.PlacementID = &v
		}
		pc.Impressions = int64(n)
		out = append(out, pc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}
