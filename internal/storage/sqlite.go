package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"carminepf/internal/model"
	"carminepf/migrations"
)

const timeLayout = "2006-01-02T15:04:05.000000Z"

// maxParams bounds the number of placeholders in a single IN (...) clause.
const maxParams = 500

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One connection: writes are serialized and :memory: databases are shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=OFF"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("disable foreign keys: %w", err)
	}

	if _, err := migrations.Run(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetConfig returns the most recent configuration row.
func (s *SQLite) GetConfig(ctx context.Context) (*model.MonitorConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, url, api_key, delete_after_days, is_amazon_only, is_fba_only,
		        min_star_rating, min_review_count, min_profit_rate, is_active, is_first_run, created_at
		 FROM monitor_config ORDER BY id DESC LIMIT 1`,
	)
	cfg, err := scanConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return cfg, err
}

// ReplaceConfig deletes the existing configuration, inserts a new one with
// is_active = 0 and is_first_run = 1, and wipes the baseline and items.
func (s *SQLite) ReplaceConfig(ctx context.Context, upd model.ConfigUpdate) (*model.MonitorConfig, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM monitor_config`); err != nil {
		return nil, fmt.Errorf("delete config: %w", err)
	}
	if err := clearData(ctx, tx); err != nil {
		return nil, err
	}

	now := time.Now().UTC().Format(timeLayout)
	res, err := tx.ExecContext(ctx,
		`INSERT INTO monitor_config
		   (url, api_key, delete_after_days, is_amazon_only, is_fba_only,
		    min_star_rating, min_review_count, min_profit_rate, is_active, is_first_run, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 1, ?)`,
		upd.URL, upd.APIKey, upd.DeleteAfterDays, boolToInt(upd.IsAmazonOnly), boolToInt(upd.IsFBAOnly),
		nullFloat(upd.MinStarRating), nullInt(upd.MinReviewCount), nullFloat(upd.MinProfitRate), now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert config: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	created, _ := time.Parse(timeLayout, now)
	return &model.MonitorConfig{
		ID:              id,
		URL:             upd.URL,
		APIKey:          upd.APIKey,
		DeleteAfterDays: upd.DeleteAfterDays,
		IsAmazonOnly:    upd.IsAmazonOnly,
		IsFBAOnly:       upd.IsFBAOnly,
		MinStarRating:   upd.MinStarRating,
		MinReviewCount:  upd.MinReviewCount,
		MinProfitRate:   upd.MinProfitRate,
		IsActive:        false,
		IsFirstRun:      true,
		CreatedAt:       created,
	}, nil
}

// SetActive updates the is_active flag of the current config.
func (s *SQLite) SetActive(ctx context.Context, active bool) error {
	return s.setFlag(ctx, "is_active", active)
}

// SetFirstRun updates the is_first_run flag of the current config.
func (s *SQLite) SetFirstRun(ctx context.Context, firstRun bool) error {
	return s.setFlag(ctx, "is_first_run", firstRun)
}

func (s *SQLite) setFlag(ctx context.Context, column string, v bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE monitor_config SET `+column+` = ?
		 WHERE id = (SELECT MAX(id) FROM monitor_config)`,
		boolToInt(v),
	)
	if err != nil {
		return fmt.Errorf("update %s: %w", column, err)
	}
	return nil
}

// ClearData removes every baseline entry and item.
func (s *SQLite) ClearData(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := clearData(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}

func clearData(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM items`); err != nil {
		return fmt.Errorf("delete items: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM baseline_entries`); err != nil {
		return fmt.Errorf("delete baseline: %w", err)
	}
	return nil
}

// Partition splits asins into those already in the baseline and those that
// are not. Duplicates collapse; input order is preserved.
func (s *SQLite) Partition(ctx context.Context, asins []string) ([]string, []string, error) {
	unique := dedupe(asins)
	existing, err := s.existing(ctx, `SELECT asin FROM baseline_entries WHERE asin IN (%s)`, unique)
	if err != nil {
		return nil, nil, err
	}

	var known, fresh []string
	for _, a := range unique {
		if _, ok := existing[a]; ok {
			known = append(known, a)
		} else {
			fresh = append(fresh, a)
		}
	}
	return known, fresh, nil
}

// ASINsWithoutItem returns the asins that have no item attached yet.
func (s *SQLite) ASINsWithoutItem(ctx context.Context, asins []string) ([]string, error) {
	unique := dedupe(asins)
	withItem, err := s.existing(ctx,
		`SELECT b.asin FROM baseline_entries b JOIN items i ON i.baseline_id = b.id WHERE b.asin IN (%s)`,
		unique,
	)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, a := range unique {
		if _, ok := withItem[a]; !ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *SQLite) existing(ctx context.Context, query string, asins []string) (map[string]struct{}, error) {
	found := make(map[string]struct{}, len(asins))
	for start := 0; start < len(asins); start += maxParams {
		end := min(start+maxParams, len(asins))
		chunk := asins[start:end]

		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(query, placeholders(len(chunk))), toArgs(chunk)...)
		if err != nil {
			return nil, fmt.Errorf("query baseline: %w", err)
		}
		for rows.Next() {
			var a string
			if err := rows.Scan(&a); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("scan asin: %w", err)
			}
			found[a] = struct{}{}
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, fmt.Errorf("iterate baseline: %w", err)
		}
	}
	return found, nil
}

// RecordNew inserts asins into the baseline. Known identifiers are ignored.
func (s *SQLite) RecordNew(ctx context.Context, asins []string, at time.Time) error {
	if len(asins) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ts := at.UTC().Format(timeLayout)
	for _, a := range asins {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO baseline_entries (asin, first_seen_at) VALUES (?, ?)`, a, ts,
		); err != nil {
			return fmt.Errorf("insert baseline %s: %w", a, err)
		}
	}
	return tx.Commit()
}

// DeleteSeenBefore removes baseline entries older than cutoff and their items.
func (s *SQLite) DeleteSeenBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ts := cutoff.UTC().Format(timeLayout)
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM items WHERE baseline_id IN (SELECT id FROM baseline_entries WHERE first_seen_at < ?)`, ts,
	); err != nil {
		return 0, fmt.Errorf("delete expired items: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM baseline_entries WHERE first_seen_at < ?`, ts)
	if err != nil {
		return 0, fmt.Errorf("delete expired baseline: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, tx.Commit()
}

// CreateDiscovered records each item's identifier and creates the item in
// one transaction. Identifiers that already carry an item are skipped.
// Created items are returned in input order.
func (s *SQLite) CreateDiscovered(ctx context.Context, items []model.NewItem, at time.Time) ([]model.Item, error) {
	if len(items) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ts := at.UTC().Format(timeLayout)
	var created []model.Item
	for _, it := range items {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO baseline_entries (asin, first_seen_at) VALUES (?, ?)`, it.ASIN, ts,
		); err != nil {
			return nil, fmt.Errorf("insert baseline %s: %w", it.ASIN, err)
		}

		var baselineID int64
		if err := tx.QueryRowContext(ctx,
			`SELECT id FROM baseline_entries WHERE asin = ?`, it.ASIN,
		).Scan(&baselineID); err != nil {
			return nil, fmt.Errorf("lookup baseline %s: %w", it.ASIN, err)
		}

		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO items
			   (baseline_id, seller_id, purchase_price, reference_price, fee_rate_percent, fixed_fees,
			    profit_amount, profit_rate, is_fba, is_prime, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			baselineID, nullString(it.SellerID), nullFloat(it.PurchasePrice), nullFloat(it.ReferencePrice),
			nullFloat(it.FeeRatePercent), nullFloat(it.FixedFees), nullFloat(it.ProfitAmount),
			nullFloat(it.ProfitRate), boolToInt(it.IsFBA), boolToInt(it.IsPrime), ts,
		)
		if err != nil {
			return nil, fmt.Errorf("insert item %s: %w", it.ASIN, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			continue
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("last insert id: %w", err)
		}

		created = append(created, model.Item{
			ID:             id,
			BaselineID:     baselineID,
			ASIN:           it.ASIN,
			SellerID:       it.SellerID,
			PurchasePrice:  it.PurchasePrice,
			ReferencePrice: it.ReferencePrice,
			FeeRatePercent: it.FeeRatePercent,
			FixedFees:      it.FixedFees,
			ProfitAmount:   it.ProfitAmount,
			ProfitRate:     it.ProfitRate,
			IsFBA:          it.IsFBA,
			IsPrime:        it.IsPrime,
			CreatedAt:      at.UTC().Truncate(time.Microsecond),
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return created, nil
}

const itemColumns = `i.id, i.baseline_id, b.asin, i.seller_id, i.purchase_price, i.reference_price,
	i.fee_rate_percent, i.fixed_fees, i.profit_amount, i.profit_rate, i.is_fba, i.is_prime,
	i.processed_at, i.created_at`

// Dequeue hands out up to limit unprocessed items, oldest first, and marks
// them processed before returning. Items are never handed out twice.
func (s *SQLite) Dequeue(ctx context.Context, limit int, minProfitRate *float64, at time.Time) ([]model.Item, error) {
	if limit <= 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `SELECT ` + itemColumns + `
		FROM items i JOIN baseline_entries b ON b.id = i.baseline_id
		WHERE i.processed_at IS NULL`
	args := []any{}
	if minProfitRate != nil {
		query += ` AND i.profit_rate >= ?`
		args = append(args, *minProfitRate)
	}
	query += ` ORDER BY i.created_at, i.id LIMIT ?`
	args = append(args, limit)

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query unprocessed items: %w", err)
	}
	items, err := scanItems(rows)
	_ = rows.Close()
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}

	ts := at.UTC().Format(timeLayout)
	processed, _ := time.Parse(timeLayout, ts)
	ids := make([]any, 0, len(items)+1)
	ids = append(ids, ts)
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE items SET processed_at = ? WHERE processed_at IS NULL AND id IN (`+placeholders(len(items))+`)`,
		ids...,
	); err != nil {
		return nil, fmt.Errorf("mark items processed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	for i := range items {
		items[i].ProcessedAt = &processed
	}
	return items, nil
}

// MarkAllProcessed marks every unprocessed item as processed.
func (s *SQLite) MarkAllProcessed(ctx context.Context, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE items SET processed_at = ? WHERE processed_at IS NULL`, at.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("mark all processed: %w", err)
	}
	return res.RowsAffected()
}

// CountUnprocessed returns the number of items waiting in the queue.
func (s *SQLite) CountUnprocessed(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM items WHERE processed_at IS NULL`,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count unprocessed: %w", err)
	}
	return n, nil
}

// GetItemByASIN returns the item attached to asin.
func (s *SQLite) GetItemByASIN(ctx context.Context, asin string) (*model.Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM items i JOIN baseline_entries b ON b.id = i.baseline_id WHERE b.asin = ?`, asin,
	)
	if err != nil {
		return nil, fmt.Errorf("query item: %w", err)
	}
	defer func() { _ = rows.Close() }()
	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	return &items[0], nil
}

// CountBaseline returns the number of identifiers in the baseline.
func (s *SQLite) CountBaseline(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM baseline_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count baseline: %w", err)
	}
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullInt(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toArgs(ss []string) []any {
	args := make([]any, len(ss))
	for i, s := range ss {
		args[i] = s
	}
	return args
}

func dedupe(ss []string) []string {
	seen := make(map[string]struct{}, len(ss))
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

type scannable interface {
	Scan(dest ...any) error
}

func scanConfig(row scannable) (*model.MonitorConfig, error) {
	var c model.MonitorConfig
	var amazonOnly, fbaOnly, active, firstRun int
	var minStar, minProfit sql.NullFloat64
	var minReviews sql.NullInt64
	var created string
	err := row.Scan(&c.ID, &c.URL, &c.APIKey, &c.DeleteAfterDays, &amazonOnly, &fbaOnly,
		&minStar, &minReviews, &minProfit, &active, &firstRun, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan config: %w", err)
	}
	c.IsAmazonOnly = amazonOnly == 1
	c.IsFBAOnly = fbaOnly == 1
	c.IsActive = active == 1
	c.IsFirstRun = firstRun == 1
	c.MinStarRating = floatPtr(minStar)
	c.MinProfitRate = floatPtr(minProfit)
	if minReviews.Valid {
		v := minReviews.Int64
		c.MinReviewCount = &v
	}
	c.CreatedAt, _ = time.Parse(timeLayout, created)
	return &c, nil
}

func scanItems(rows *sql.Rows) ([]model.Item, error) {
	var items []model.Item
	for rows.Next() {
		var it model.Item
		var seller, processed sql.NullString
		var purchase, reference, feeRate, fixed, amount, rate sql.NullFloat64
		var fba, prime int
		var created string
		if err := rows.Scan(&it.ID, &it.BaselineID, &it.ASIN, &seller, &purchase, &reference,
			&feeRate, &fixed, &amount, &rate, &fba, &prime, &processed, &created); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		if seller.Valid {
			v := seller.String
			it.SellerID = &v
		}
		it.PurchasePrice = floatPtr(purchase)
		it.ReferencePrice = floatPtr(reference)
		it.FeeRatePercent = floatPtr(feeRate)
		it.FixedFees = floatPtr(fixed)
		it.ProfitAmount = floatPtr(amount)
		it.ProfitRate = floatPtr(rate)
		it.IsFBA = fba == 1
		it.IsPrime = prime == 1
		if processed.Valid {
			t, _ := time.Parse(timeLayout, processed.String)
			it.ProcessedAt = &t
		}
		it.CreatedAt, _ = time.Parse(timeLayout, created)
		items = append(items, it)
	}
	return items, rows.Err()
}
