package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ari/wisp/internal/tracker"
)

// Period represents the time period for screen time stats
type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

// ParsePeriod validates a period name. Empty means day.
func ParsePeriod(s string) (Period, error) {
	switch Period(s) {
	case "", PeriodDay:
		return PeriodDay, nil
	case PeriodWeek, PeriodMonth:
		return Period(s), nil
	default:
		return "", fmt.Errorf("invalid period: %s. Use day, week, or month", s)
	}
}

// Since returns the start of the period ending at now.
func (p Period) Since(now time.Time) time.Time {
	switch p {
	case PeriodWeek:
		return now.AddDate(0, 0, -7)
	case PeriodMonth:
		return now.AddDate(0, 0, -30)
	default:
		return now.AddDate(0, 0, -1)
	}
}

// DB represents the database connection
type DB struct {
	db *sql.DB
}

// Open opens the database at the given path, creating its directory
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer keeps sqlite from returning SQLITE_BUSY under the server.
	db.SetMaxOpenConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return d, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.db.Close()
}

// migrate creates the database tables if they don't exist
func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS screen_time (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		batch_id TEXT,
		url TEXT NOT NULL,
		title TEXT,
		duration INTEGER NOT NULL DEFAULT 0,
		recorded_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_screen_time_user ON screen_time(user_id, recorded_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_screen_time_batch ON screen_time(batch_id, url, title);

	CREATE TABLE IF NOT EXISTS pending_ledger (
		key TEXT PRIMARY KEY,
		duration INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at INTEGER
	);
	`

	_, err := db.db.Exec(schema)
	return err
}

// ScreenTimeRow represents a delivered screen time row
type ScreenTimeRow struct {
	ID         int64
	UserID     string
	BatchID    string
	URL        string
	Title      string
	Duration   int64
	RecordedAt int64
}

// InsertBatch stores one delivered batch. A batch id that was already
// stored is ignored so a retried delivery is not counted twice.
func (db *DB) InsertBatch(ctx context.Context, userID, batchID string, entries []tracker.Entry, at int64) (int64, error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var batch any
	if batchID != "" {
		batch = batchID
	}

	query := `INSERT OR IGNORE INTO screen_time (user_id, batch_id, url, title, duration, recorded_at) VALUES (?, ?, ?, ?, ?, ?)`
	var inserted int64
	for _, e := range entries {
		if e.Duration <= 0 {
			continue
		}
		result, err := tx.ExecContext(ctx, query, userID, batch, e.URL, e.Title, e.Duration, at)
		if err != nil {
			return 0, fmt.Errorf("failed to insert screen time: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit screen time: %w", err)
	}
	return inserted, nil
}

// SiteUsage represents accumulated time on one page
type SiteUsage struct {
	URL      string
	Title    string
	Duration int64
}

// GetTopSites returns the pages with the most accumulated time
func (db *DB) GetTopSites(ctx context.Context, userID string, since int64, limit int) ([]SiteUsage, error) {
	query := `SELECT url, COALESCE(title, ''), SUM(duration) as total
		FROM screen_time WHERE user_id = ? AND recorded_at >= ?
		GROUP BY url, title ORDER BY total DESC, url LIMIT ?`

	rows, err := db.db.QueryContext(ctx, query, userID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query top sites: %w", err)
	}
	defer rows.Close()

	var sites []SiteUsage
	for rows.Next() {
		var s SiteUsage
		if err := rows.Scan(&s.URL, &s.Title, &s.Duration); err != nil {
			return nil, fmt.Errorf("failed to scan site: %w", err)
		}
		sites = append(sites, s)
	}
	return sites, rows.Err()
}

// AggregatedStats holds aggregated statistics
type AggregatedStats struct {
	TotalDuration int64
	UniqueSites   int64
	RowCount      int64
}

// GetAggregatedStats returns aggregated statistics for the period
func (db *DB) GetAggregatedStats(ctx context.Context, userID string, since int64) (*AggregatedStats, error) {
	query := `SELECT
		COALESCE(SUM(duration), 0) as total_duration,
		COUNT(DISTINCT url) as unique_sites,
		COUNT(*) as row_count
		FROM screen_time WHERE user_id = ? AND recorded_at >= ?`

	var stats AggregatedStats
	err := db.db.QueryRowContext(ctx, query, userID, since).Scan(
		&stats.TotalDuration,
		&stats.UniqueSites,
		&stats.RowCount,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get aggregated stats: %w", err)
	}
	return &stats, nil
}

// DailySummary represents daily aggregated statistics
type DailySummary struct {
	Date          string
	TotalDuration int64
	UniqueSites   int64
}

// GetDailySummaries returns daily summaries for a time period
func (db *DB) GetDailySummaries(ctx context.Context, userID string, since int64) ([]DailySummary, error) {
	query := `SELECT date(recorded_at, 'unixepoch') as day,
		COALESCE(SUM(duration), 0) as total_duration,
		COUNT(DISTINCT url) as unique_sites
		FROM screen_time
		WHERE user_id = ? AND recorded_at >= ?
		GROUP BY day
		ORDER BY day DESC`

	rows, err := db.db.QueryContext(ctx, query, userID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily summaries: %w", err)
	}
	defer rows.Close()

	var summaries []DailySummary
	for rows.Next() {
		var s DailySummary
		if err := rows.Scan(&s.Date, &s.TotalDuration, &s.UniqueSites); err != nil {
			return nil, fmt.Errorf("failed to scan daily summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// ReplacePendingLedger overwrites the pending ledger with ledger. An empty
// ledger clears it.
func (db *DB) ReplacePendingLedger(ctx context.Context, ledger map[string]int64) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_ledger`); err != nil {
		return fmt.Errorf("failed to clear pending ledger: %w", err)
	}
	for key, seconds := range ledger {
		if seconds <= 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO pending_ledger (key, duration) VALUES (?, ?)`, key, seconds); err != nil {
			return fmt.Errorf("failed to save pending ledger: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit pending ledger: %w", err)
	}
	return nil
}

// PeekPendingLedger reads the pending ledger without clearing it
func (db *DB) PeekPendingLedger(ctx context.Context) (map[string]int64, error) {
	rows, err := db.db.QueryContext(ctx, `SELECT key, duration FROM pending_ledger`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending ledger: %w", err)
	}
	defer rows.Close()

	ledger := make(map[string]int64)
	for rows.Next() {
		var key string
		var seconds int64
		if err := rows.Scan(&key, &seconds); err != nil {
			return nil, fmt.Errorf("failed to scan pending ledger: %w", err)
		}
		ledger[key] = seconds
	}
	return ledger, rows.Err()
}

// SetLastSyncTime sets the last sync time for a user
func (db *DB) SetLastSyncTime(ctx context.Context, userID string, timestamp int64) error {
	query := `INSERT OR REPLACE INTO metadata (key, value, updated_at) VALUES (?, ?, ?)`
	key := "last_sync_" + userID
	_, err := db.db.ExecContext(ctx, query, key, fmt.Sprintf("%d", timestamp), timestamp)
	if err != nil {
		return fmt.Errorf("failed to set last sync time: %w", err)
	}
	return nil
}

// GetLastSyncTime returns the last sync time for a user (unix timestamp, 0 if never synced)
func (db *DB) GetLastSyncTime(ctx context.Context, userID string) (int64, error) {
	query := `SELECT value FROM metadata WHERE key = ?`
	key := "last_sync_" + userID
	var value string
	err := db.db.QueryRowContext(ctx, query, key).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get last sync time: %w", err)
	}
	var timestamp int64
	_, err = fmt.Sscanf(value, "%d", &timestamp)
	if err != nil {
		return 0, fmt.Errorf("failed to parse last sync time: %w", err)
	}
	return timestamp, nil
}
