package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ari/wisp/internal/tracker"
)

// StatsData holds all screen time statistics for display
type StatsData struct {
	UserID         string
	TopSites       []SiteUsage
	DailySummaries []DailySummary // For week and month periods
	TotalDuration  int64          // in seconds
	UniqueSites    int64
	LastSyncTime   int64 // Unix timestamp of the last delivered batch
}

// Store wraps DB with the operations the CLI, server and host need
type Store struct {
	db  *DB
	now func() time.Time
}

// New opens the database at path
func New(path string) (*Store, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// Now is the clock stats periods are measured against
func (s *Store) Now() time.Time {
	return s.now()
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordBatch stores a delivered batch and stamps the user's last sync time
func (s *Store) RecordBatch(ctx context.Context, userID, batchID string, entries []tracker.Entry) (int64, error) {
	at := s.now().Unix()
	n, err := s.db.InsertBatch(ctx, userID, batchID, entries, at)
	if err != nil {
		return 0, err
	}
	if err := s.db.SetLastSyncTime(ctx, userID, at); err != nil {
		return n, err
	}
	return n, nil
}

// Stats returns screen time statistics for a user within a period
func (s *Store) Stats(ctx context.Context, userID string, period Period) (*StatsData, error) {
	since := period.Since(s.now()).Unix()

	stats, err := s.db.GetAggregatedStats(ctx, userID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to get aggregated stats: %w", err)
	}

	topSites, err := s.db.GetTopSites(ctx, userID, since, 5)
	if err != nil {
		return nil, fmt.Errorf("failed to get top sites: %w", err)
	}

	var daily []DailySummary
	if period != PeriodDay {
		daily, err = s.db.GetDailySummaries(ctx, userID, since)
		if err != nil {
			return nil, fmt.Errorf("failed to get daily summaries: %w", err)
		}
	}

	lastSync, err := s.db.GetLastSyncTime(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get last sync time: %w", err)
	}

	return &StatsData{
		UserID:         userID,
		TopSites:       topSites,
		DailySummaries: daily,
		TotalDuration:  stats.TotalDuration,
		UniqueSites:    stats.UniqueSites,
		LastSyncTime:   lastSync,
	}, nil
}

// ReplacePending overwrites the saved ledger; an empty ledger clears it
func (s *Store) ReplacePending(ctx context.Context, ledger map[string]int64) error {
	return s.db.ReplacePendingLedger(ctx, ledger)
}

// Pending returns the saved ledger without clearing it
func (s *Store) Pending(ctx context.Context) (map[string]int64, error) {
	return s.db.PeekPendingLedger(ctx)
}
