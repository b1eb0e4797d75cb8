package tracker

import (
	"context"
	"errors"
	"fmt"
)

// FlushResult describes a delivered batch.
type FlushResult struct {
	UserID  string
	Entries int
	Seconds int64
}

// Flush delivers the ledger to sink on behalf of the current user.
//
// In-flight time is settled and the batch snapshotted under one lock.
// Only after sink acknowledges are exactly the delivered amounts removed;
// on any failure the ledger is left as it was and the next flush retries
// with the larger totals.
func (t *Tracker) Flush(ctx context.Context, sink Sink, creds Credentials) (FlushResult, error) {
	if !t.flushing.CompareAndSwap(false, true) {
		return FlushResult{}, ErrFlushInProgress
	}
	defer t.flushing.Store(false)

	userID, err := creds.CurrentUser(ctx)
	if err != nil {
		return FlushResult{}, fmt.Errorf("failed to resolve current user: %w", err)
	}
	if userID == "" {
		return FlushResult{}, ErrNoSession
	}

	t.mu.Lock()
	t.settleLocked(t.opts.clock.Now())
	batch := t.ledger.pending()
	t.mu.Unlock()

	if len(batch) == 0 {
		return FlushResult{UserID: userID}, nil
	}

	var seconds int64
	for _, e := range batch {
		seconds += e.Duration
	}

	if err := sink.Post(ctx, userID, batch); err != nil {
		t.opts.recorder.Flushed(ctx, 0, err)
		return FlushResult{}, fmt.Errorf("%w: %w", ErrSyncFailed, err)
	}

	t.mu.Lock()
	t.ledger.release(batch)
	t.mu.Unlock()

	t.opts.recorder.Flushed(ctx, seconds, nil)
	if t.opts.debug {
		t.opts.logger.Printf("[DEBUG] flushed %d entries (%ds) for user %s", len(batch), seconds, userID)
	}
	return FlushResult{UserID: userID, Entries: len(batch), Seconds: seconds}, nil
}

// Flushing reports whether a flush is currently running.
func (t *Tracker) Flushing() bool {
	return t.flushing.Load()
}

// Shutdown settles and clears the active target, makes one best-effort
// flush and returns whatever could not be delivered.
func (t *Tracker) Shutdown(ctx context.Context, sink Sink, creds Credentials) map[string]int64 {
	t.SetActive(nil)

	res, err := t.Flush(ctx, sink, creds)
	switch {
	case err == nil:
		if res.Entries > 0 {
			t.opts.logger.Printf("final flush delivered %d entries (%ds)", res.Entries, res.Seconds)
		}
	case errors.Is(err, ErrNoSession):
		t.opts.logger.Printf("final flush skipped: no user session")
	default:
		t.opts.logger.Printf("final flush failed: %v", err)
	}
	return t.Snapshot()
}
