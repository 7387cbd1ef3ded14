package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/patrickwarner/adtrack/internal/logic/targeting"
	"github.com/patrickwarner/adtrack/internal/models"
)

// Postgres wraps a postgres DB connection. It holds the ad catalog and the
// cumulative per-ad counters.
type Postgres struct {
	DB *sql.DB
}

// schemaSQL sets up the necessary tables if they don't exist.
const schemaSQL = `CREATE TABLE IF NOT EXISTS placements (
    id SERIAL PRIMARY KEY,
    code TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL DEFAULT '',
    max_ads INT NOT NULL DEFAULT 1,
    is_active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS ads (
    id BIGSERIAL PRIMARY KEY,
    campaign_id BIGINT NOT NULL,
    placement_type TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL DEFAULT '',
    image_url TEXT NOT NULL DEFAULT '',
    destination_url TEXT NOT NULL DEFAULT '',
    priority INT NOT NULL DEFAULT 0,
    start_date TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    end_date TIMESTAMPTZ NULL,
    status TEXT NOT NULL DEFAULT 'draft',
    impressions BIGINT NOT NULL DEFAULT 0,
    clicks BIGINT NOT NULL DEFAULT 0,
    ctr NUMERIC(8,2) NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS targeting_rules (
    ad_id BIGINT PRIMARY KEY REFERENCES ads(id) ON DELETE CASCADE,
    rule JSONB NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_ads_status_dates ON ads (status, start_date, end_date);
CREATE INDEX IF NOT EXISTS idx_ads_priority ON ads (priority DESC, created_at DESC);
`

// InitPostgres connects to Postgres with connection pooling configuration.
func InitPostgres(dsn string, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) (*Postgres, error) {
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

	if err := readyPool(context.Background(), db, "postgres", schemaSQL); err != nil {
		return nil, err
	}
	p := &Postgres{DB: db}
	zap.L().Info("Connected to Postgres with connection pooling",
		zap.Int("max_open_conns", maxOpenConns),
		zap.Int("max_idle_conns", maxIdleConns),
		zap.Duration("conn_max_lifetime", connMaxLifetime))
	return p, nil
}

// Close terminates the Postgres connection.
func (p *Postgres) Close() {
	if p != nil && p.DB != nil {
		if err := p.DB.Close(); err != nil {
			zap.L().Error("postgres close", zap.Error(err))
		}
	}
}

// readyPool pings conn and applies the schema statements. The pool is closed
// when either step fails so a failed init does not leak connections.
func readyPool(ctx context.Context, conn *sql.DB, name string, stmts ...string) error {
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return fmt.Errorf("%s ping: %w", name, err)
	}
	for _, stmt := range stmts {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			_ = conn.Close()
			return fmt.Errorf("%s create schema: %w", name, err)
		}
	}
	return nil
}

const adColumns = `id, campaign_id, placement_type, title, image_url, destination_url, priority, start_date, end_date, status, impressions, clicks, ctr, created_at`

// LoadAds returns ads whose status is one of statuses, or every ad when
// statuses is empty.
func (p *Postgres) LoadAds(ctx context.Context, statuses ...models.AdStatus) ([]models.Ad, error) {
	query := `SELECT ` + adColumns + ` FROM ads`
	var args []any
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, s := range statuses {
			names[i] = string(s)
		}
		query += ` WHERE status = ANY($1)`
		args = append(args, pq.Array(names))
	}
	query += ` ORDER BY priority DESC, created_at DESC, id DESC`

	rows, err := p.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ads: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ads []models.Ad
	for rows.Next() {
		var a models.Ad
		var end sql.NullTime
		var status string
		if err := rows.Scan(&a.ID, &a.CampaignID, &a.PlacementType, &a.Title, &a.ImageURL, &a.DestinationURL,
			&a.Priority, &a.StartDate, &end, &status, &a.Impressions, &a.Clicks, &a.CTR, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ad: %w", err)
		}
		a.Status = models.AdStatus(status)
		if end.Valid {
			t := end.Time
			a.EndDate = &t
		}
		ads = append(ads, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return ads, nil
}

// LoadTargetingRules returns every stored rule. Malformed fields are dropped
// and logged so one bad row never blocks a reload.
func (p *Postgres) LoadTargetingRules(ctx context.Context) ([]models.TargetingRule, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT ad_id, rule FROM targeting_rules`)
	if err != nil {
		return nil, fmt.Errorf("query targeting rules: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var rules []models.TargetingRule
	for rows.Next() {
		var adID int64
		var raw []byte
		if err := rows.Scan(&adID, &raw); err != nil {
			return nil, fmt.Errorf("scan targeting rule: %w", err)
		}
		rule, perr := targeting.ParseRule(adID, raw)
		if perr != nil {
			zap.L().Warn("targeting rule has malformed fields", zap.Int64("ad_id", adID), zap.Error(perr))
		}
		rules = append(rules, *rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return rules, nil
}

// LoadPlacements fetches placement definitions from the database.
func (p *Postgres) LoadPlacements(ctx context.Context) ([]models.Placement, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT id, code, name, max_ads, is_active FROM placements`)
	if err != nil {
		return nil, fmt.Errorf("query placements: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var pls []models.Placement
	for rows.Next() {
		var pl models.Placement
		if err := rows.Scan(&pl.ID, &pl.Code, &pl.Name, &pl.MaxAds, &pl.IsActive); err != nil {
			return nil, fmt.Errorf("scan placement: %w", err)
		}
		pls = append(pls, pl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return pls, nil
}

// LoadCatalog loads every ad, rule and placement for an in-memory catalog reload.
func (p *Postgres) LoadCatalog(ctx context.Context) ([]models.Ad, []models.TargetingRule, []models.Placement, error) {
	ads, err := p.LoadAds(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	rules, err := p.LoadTargetingRules(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	placements, err := p.LoadPlacements(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	return ads, rules, placements, nil
}

// UpsertPlacement inserts or updates a placement by code and returns its id.
func (p *Postgres) UpsertPlacement(ctx context.Context, pl models.Placement) (int64, error) {
	var id int64
	err := p.DB.QueryRowContext(ctx, `INSERT INTO placements (code, name, max_ads, is_active) VALUES ($1,$2,$3,$4)
        ON CONFLICT (code) DO UPDATE SET name=EXCLUDED.name, max_ads=EXCLUDED.max_ads, is_active=EXCLUDED.is_active
        RETURNING id`, pl.Code, pl.Name, pl.MaxAds, pl.IsActive).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert placement: %w", err)
	}
	return id, nil
}

// InsertAd inserts an ad and returns the generated id.
func (p *Postgres) InsertAd(ctx context.Context, a models.Ad) (int64, error) {
	var end sql.NullTime
	if a.EndDate != nil {
		end = sql.NullTime{Time: *a.EndDate, Valid: true}
	}
	if a.StartDate.IsZero() {
		a.StartDate = time.Now()
	}
	var id int64
	err := p.DB.QueryRowContext(ctx, `INSERT INTO ads (campaign_id, placement_type, title, image_url, destination_url, priority, start_date, end_date, status)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING id`,
		a.CampaignID, a.PlacementType, a.Title, a.ImageURL, a.DestinationURL, a.Priority, a.StartDate, end, string(a.Status)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert ad: %w", err)
	}
	return id, nil
}

// UpsertTargetingRule stores the raw rule document for adID.
func (p *Postgres) UpsertTargetingRule(ctx context.Context, adID int64, raw []byte) error {
	_, err := p.DB.ExecContext(ctx, `INSERT INTO targeting_rules (ad_id, rule) VALUES ($1,$2)
        ON CONFLICT (ad_id) DO UPDATE SET rule=EXCLUDED.rule`, adID, raw)
	if err != nil {
		return fmt.Errorf("upsert targeting rule: %w", err)
	}
	return nil
}

// IncrementAdCounters adds the deltas to the ad row in a single UPDATE so
// concurrent writers never lose increments.
func (p *Postgres) IncrementAdCounters(ctx context.Context, adID int64, impressionDelta, clickDelta int64) error {
	res, err := p.DB.ExecContext(ctx, `UPDATE ads SET impressions = impressions + $2, clicks = clicks + $3 WHERE id = $1`,
		adID, impressionDelta, clickDelta)
	if err != nil {
		return fmt.Errorf("increment ad counters: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("increment ad counters: %w", err)
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// GetAdCounters reads the cumulative counters of an ad.
func (p *Postgres) GetAdCounters(ctx context.Context, adID int64) (models.AdCounters, error) {
	var c models.AdCounters
	err := p.DB.QueryRowContext(ctx, `SELECT impressions, clicks, ctr FROM ads WHERE id = $1`, adID).
		Scan(&c.Impressions, &c.Clicks, &c.CTR)
	if errors.Is(err, sql.ErrNoRows) {
		return c, models.ErrNotFound
	}
	if err != nil {
		return c, fmt.Errorf("get ad counters: %w", err)
	}
	return c, nil
}

// SetAdCTR stores a derived CTR value.
func (p *Postgres) SetAdCTR(ctx context.Context, adID int64, ctr float64) error {
	res, err := p.DB.ExecContext(ctx, `UPDATE ads SET ctr = $2 WHERE id = $1`, adID, ctr)
	if err != nil {
		return fmt.Errorf("set ad ctr: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// PlatformTotals returns status counts and counter sums across all ads.
func (p *Postgres) PlatformTotals(ctx context.Context) (models.PlatformStatistics, error) {
	var st models.PlatformStatistics
	err := p.DB.QueryRowContext(ctx, `SELECT
            count(*) FILTER (WHERE status = $1),
            count(*) FILTER (WHERE status = $2),
            COALESCE(sum(impressions), 0),
            COALESCE(sum(clicks), 0)
        FROM ads`, string(models.AdStatusPending), string(models.AdStatusActive)).
		Scan(&st.PendingAds, &st.ActiveAds, &st.TotalImpressions, &st.TotalClicks)
	if err != nil {
		return st, fmt.Errorf("platform totals: %w", err)
	}
	return st, nil
}
