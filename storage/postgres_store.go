package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"carwatch/models"
	"carwatch/utils"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// pgListings implements ListingTx over either the pool or one transaction.
type pgListings struct {
	q queryer
}

// PostgresStore persists listings, price history, alerts and matches.
type PostgresStore struct {
	pgListings
	db *sql.DB
}

// NewPostgresStore opens a connection to PostgreSQL, runs schema migrations,
// and returns a ready-to-use PostgresStore.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	retry := &utils.RetryConfig{MaxAttempts: 5, BaseDelay: time.Second}
	if err := retry.Do(ctx, "postgres ping", db.PingContext); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: %w", err)
	}

	ps := &PostgresStore{pgListings: pgListings{q: db}, db: db}
	if err := ps.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return ps, nil
}

func (ps *PostgresStore) migrate(ctx context.Context) error {
	_, err := ps.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS listings (
			id          BIGSERIAL     PRIMARY KEY,
			external_id VARCHAR(100)  UNIQUE NOT NULL,
			source      VARCHAR(50)   NOT NULL,
			url         TEXT          NOT NULL,
			title       TEXT          NOT NULL DEFAULT '',
			price       NUMERIC(12,2),
			year        INTEGER,
			make        VARCHAR(50),
			model       VARCHAR(100),
			mileage     INTEGER,
			location    TEXT          NOT NULL DEFAULT '',
			description TEXT          NOT NULL DEFAULT '',
			first_seen  TIMESTAMPTZ   NOT NULL DEFAULT NOW(),
			last_seen   TIMESTAMPTZ   NOT NULL DEFAULT NOW(),
			is_active   BOOLEAN       NOT NULL DEFAULT TRUE,
			created_at  TIMESTAMPTZ   NOT NULL DEFAULT NOW(),
			updated_at  TIMESTAMPTZ   NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_listings_active_seen ON listings(is_active, last_seen);
		CREATE INDEX IF NOT EXISTS idx_listings_make        ON listings(make);
		CREATE INDEX IF NOT EXISTS idx_listings_price       ON listings(price);

		CREATE TABLE IF NOT EXISTS price_history (
			id          BIGSERIAL     PRIMARY KEY,
			listing_id  BIGINT        NOT NULL REFERENCES listings(id) ON DELETE CASCADE,
			price       NUMERIC(12,2),
			recorded_at TIMESTAMPTZ   NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_price_history_listing ON price_history(listing_id, recorded_at DESC);

		CREATE TABLE IF NOT EXISTS alerts (
			id          BIGSERIAL     PRIMARY KEY,
			email       TEXT          NOT NULL,
			make        VARCHAR(50),
			model       VARCHAR(100),
			min_year    INTEGER,
			max_year    INTEGER,
			max_price   NUMERIC(12,2),
			max_mileage INTEGER,
			is_active   BOOLEAN       NOT NULL DEFAULT TRUE,
			created_at  TIMESTAMPTZ   NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS alert_matches (
			id          BIGSERIAL     PRIMARY KEY,
			alert_id    BIGINT        NOT NULL REFERENCES alerts(id) ON DELETE CASCADE,
			listing_id  BIGINT        NOT NULL REFERENCES listings(id) ON DELETE CASCADE,
			created_at  TIMESTAMPTZ   NOT NULL DEFAULT NOW(),
			UNIQUE (alert_id, listing_id)
		);
	`)
	return err
}

func (ps *PostgresStore) Ping(ctx context.Context) error {
	if err := ps.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	return nil
}

func (ps *PostgresStore) Close() error {
	return ps.db.Close()
}

// WithListingTx commits when fn returns nil and rolls back otherwise.
func (ps *PostgresStore) WithListingTx(ctx context.Context, fn func(tx ListingTx) error) error {
	tx, err := ps.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	if err := fn(pgListings{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

const listingColumns = `id, external_id, source, url, title, price, year, make, model, mileage,
	location, description, first_seen, last_seen, is_active, created_at, updated_at`

// upsertListingSQL inserts a new listing or refreshes price, last_seen and
// updated_at of an existing one. first_seen and created_at are never
// rewritten; is_active only flips back to TRUE when $13 (reactivate) is set.
const upsertListingSQL = `
		INSERT INTO listings (
			external_id, source, url, title, price, year, make, model, mileage,
			location, description, first_seen, last_seen, is_active, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12,TRUE,$12,$12)
		ON CONFLICT (external_id) DO UPDATE SET
			price      = EXCLUDED.price,
			last_seen  = EXCLUDED.last_seen,
			updated_at = EXCLUDED.updated_at,
			is_active  = CASE WHEN $13::boolean THEN TRUE ELSE listings.is_active END
		RETURNING id, price
	`

func upsertListingArgs(l *models.Listing, now time.Time, reactivate bool) []any {
	return []any{
		l.ExternalID, l.Source, l.URL, l.Title, l.Price, nullInt(l.Year), nullString(l.Make),
		nullString(l.Model), nullInt(l.Mileage), l.Location, l.Description, now, reactivate,
	}
}

func (p pgListings) UpsertListing(ctx context.Context, l *models.Listing, now time.Time, reactivate bool) (int64, decimal.NullDecimal, error) {
	var (
		id    int64
		price decimal.NullDecimal
	)
	err := p.q.QueryRowContext(ctx, upsertListingSQL, upsertListingArgs(l, now, reactivate)...).Scan(&id, &price)
	if err != nil {
		return 0, decimal.NullDecimal{}, fmt.Errorf("postgres: upsert %s: %w", l.ExternalID, err)
	}
	return id, price, nil
}

func (p pgListings) AppendPriceHistory(ctx context.Context, listingID int64, price decimal.NullDecimal, at time.Time) error {
	_, err := p.q.ExecContext(ctx,
		`INSERT INTO price_history (listing_id, price, recorded_at) VALUES ($1, $2, $3)`,
		listingID, price, at)
	if err != nil {
		return fmt.Errorf("postgres: append price history %d: %w", listingID, err)
	}
	return nil
}

func (p pgListings) LastHistoryPrice(ctx context.Context, listingID int64) (decimal.NullDecimal, bool, error) {
	var price decimal.NullDecimal
	err := p.q.QueryRowContext(ctx, `
		SELECT price FROM price_history
		WHERE listing_id = $1
		ORDER BY recorded_at DESC, id DESC
		LIMIT 1
	`, listingID).Scan(&price)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.NullDecimal{}, false, nil
	}
	if err != nil {
		return decimal.NullDecimal{}, false, fmt.Errorf("postgres: last price %d: %w", listingID, err)
	}
	return price, true, nil
}

func (p pgListings) HasHistory(ctx context.Context, listingID int64) (bool, error) {
	var exists bool
	err := p.q.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM price_history WHERE listing_id = $1)`, listingID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: has history %d: %w", listingID, err)
	}
	return exists, nil
}

// markStaleSQL deactivates active listings last seen strictly before $1 and
// returns their ids in ascending order ('{}' when none).
const markStaleSQL = `
		WITH stale AS (
			UPDATE listings SET is_active = FALSE, updated_at = NOW()
			WHERE is_active = TRUE AND last_seen < $1
			RETURNING id
		)
		SELECT COALESCE(array_agg(id ORDER BY id), '{}') FROM stale
	`

func (ps *PostgresStore) MarkStaleInactive(ctx context.Context, cutoff time.Time) ([]int64, error) {
	var ids pq.Int64Array
	if err := ps.db.QueryRowContext(ctx, markStaleSQL, cutoff).Scan(&ids); err != nil {
		return nil, fmt.Errorf("postgres: mark stale: %w", err)
	}
	return []int64(ids), nil
}

const alertColumns = `id, email, make, model, min_year, max_year, max_price, max_mileage, is_active, created_at`

func (ps *PostgresStore) ListActiveAlerts(ctx context.Context) ([]*models.Alert, error) {
	return ps.queryAlerts(ctx, `SELECT `+alertColumns+` FROM alerts WHERE is_active = TRUE ORDER BY id`)
}

func (ps *PostgresStore) FindUnmatchedActiveListings(ctx context.Context, alert *models.Alert) ([]*models.Listing, error) {
	where, args := FilterFromCriteria(alert.ID, alert.Criteria).Where()
	ls, err := ps.queryListings(ctx, `SELECT `+listingColumns+` FROM listings `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: unmatched listings for alert %d: %w", alert.ID, err)
	}
	return ls, nil
}

func (ps *PostgresStore) RecordMatch(ctx context.Context, alertID, listingID int64, at time.Time) (bool, error) {
	res, err := ps.db.ExecContext(ctx, `
		INSERT INTO alert_matches (alert_id, listing_id, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (alert_id, listing_id) DO NOTHING
	`, alertID, listingID, at)
	if err != nil {
		return false, fmt.Errorf("postgres: record match %d/%d: %w", alertID, listingID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres: record match %d/%d: %w", alertID, listingID, err)
	}
	return n == 1, nil
}

func (ps *PostgresStore) SearchListings(ctx context.Context, q ListingQuery) ([]*models.Listing, int, error) {
	where, args := q.Filter.Where()

	var total int
	if err := ps.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM listings `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("postgres: count listings: %w", err)
	}

	col, dir := normaliseSort(q.SortBy, q.SortOrder)
	query := `SELECT ` + listingColumns + ` FROM listings ` + where +
		` ORDER BY ` + col + ` ` + dir + ` NULLS LAST, id`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	ls, err := ps.queryListings(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("postgres: search listings: %w", err)
	}
	return ls, total, nil
}

func (ps *PostgresStore) GetListing(ctx context.Context, id int64) (*models.Listing, error) {
	ls, err := ps.queryListings(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("postgres: get listing %d: %w", id, err)
	}
	if len(ls) == 0 {
		return nil, ErrNotFound
	}
	return ls[0], nil
}

func (ps *PostgresStore) PriceHistory(ctx context.Context, listingID int64) ([]*models.PriceHistoryEntry, error) {
	if _, err := ps.GetListing(ctx, listingID); err != nil {
		return nil, err
	}
	rows, err := ps.db.QueryContext(ctx, `
		SELECT id, listing_id, price, recorded_at
		FROM price_history
		WHERE listing_id = $1
		ORDER BY recorded_at ASC, id ASC
	`, listingID)
	if err != nil {
		return nil, fmt.Errorf("postgres: price history %d: %w", listingID, err)
	}
	defer rows.Close()

	var out []*models.PriceHistoryEntry
	for rows.Next() {
		e := &models.PriceHistoryEntry{}
		if err := rows.Scan(&e.ID, &e.ListingID, &e.Price, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan price history: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (ps *PostgresStore) CreateAlert(ctx context.Context, a *models.Alert) error {
	c := a.Criteria
	err := ps.db.QueryRowContext(ctx, `
		INSERT INTO alerts (email, make, model, min_year, max_year, max_price, max_mileage, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`, a.Email, nullString(c.Make), nullString(c.Model), nullInt(c.MinYear), nullInt(c.MaxYear),
		c.MaxPrice, nullInt(c.MaxMileage), a.IsActive,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create alert: %w", err)
	}
	return nil
}

func (ps *PostgresStore) GetAlert(ctx context.Context, id int64) (*models.Alert, error) {
	as, err := ps.queryAlerts(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(as) == 0 {
		return nil, ErrNotFound
	}
	return as[0], nil
}

func (ps *PostgresStore) ListAlerts(ctx context.Context) ([]*models.Alert, error) {
	return ps.queryAlerts(ctx, `SELECT `+alertColumns+` FROM alerts ORDER BY id`)
}

func (ps *PostgresStore) UpdateAlert(ctx context.Context, a *models.Alert) error {
	c := a.Criteria
	err := ps.db.QueryRowContext(ctx, `
		UPDATE alerts SET
			email = $2, make = $3, model = $4, min_year = $5, max_year = $6,
			max_price = $7, max_mileage = $8, is_active = $9
		WHERE id = $1
		RETURNING created_at
	`, a.ID, a.Email, nullString(c.Make), nullString(c.Model), nullInt(c.MinYear), nullInt(c.MaxYear),
		c.MaxPrice, nullInt(c.MaxMileage), a.IsActive,
	).Scan(&a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("postgres: update alert %d: %w", a.ID, err)
	}
	return nil
}

func (ps *PostgresStore) DeleteAlert(ctx context.Context, id int64) error {
	res, err := ps.db.ExecContext(ctx, `DELETE FROM alerts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete alert %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (ps *PostgresStore) queryListings(ctx context.Context, query string, args ...any) ([]*models.Listing, error) {
	rows, err := ps.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []*models.Listing
	for rows.Next() {
		var (
			l             models.Listing
			year, mileage sql.NullInt64
			mk, model     sql.NullString
		)
		if err := rows.Scan(
			&l.ID, &l.ExternalID, &l.Source, &l.URL, &l.Title, &l.Price, &year, &mk, &model, &mileage,
			&l.Location, &l.Description, &l.FirstSeen, &l.LastSeen, &l.IsActive, &l.CreatedAt, &l.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		l.Year, l.Mileage = intPtr(year), intPtr(mileage)
		l.Make, l.Model = stringPtr(mk), stringPtr(model)
		listings = append(listings, &l)
	}
	return listings, rows.Err()
}

func (ps *PostgresStore) queryAlerts(ctx context.Context, query string, args ...any) ([]*models.Alert, error) {
	rows, err := ps.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*models.Alert
	for rows.Next() {
		var (
			a                          models.Alert
			mk, model                  sql.NullString
			minYear, maxYear, maxMiles sql.NullInt64
		)
		if err := rows.Scan(&a.ID, &a.Email, &mk, &model, &minYear, &maxYear,
			&a.Criteria.MaxPrice, &maxMiles, &a.IsActive, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan alert: %w", err)
		}
		a.Criteria.Make, a.Criteria.Model = stringPtr(mk), stringPtr(model)
		a.Criteria.MinYear, a.Criteria.MaxYear = intPtr(minYear), intPtr(maxYear)
		a.Criteria.MaxMileage = intPtr(maxMiles)
		alerts = append(alerts, &a)
	}
	return alerts, rows.Err()
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
