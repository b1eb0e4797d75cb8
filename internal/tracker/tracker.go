package tracker

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultGapThreshold is the elapsed time at or above which an interval
	// is treated as sleep or OS-level backgrounding and discarded.
	DefaultGapThreshold = 300 * time.Second

	// DefaultHeartbeatInterval bounds how much accrued time a crash can lose.
	DefaultHeartbeatInterval = 30 * time.Second

	// DefaultFlushInterval is how often the ledger is delivered to the sink.
	DefaultFlushInterval = time.Minute

	keySeparator = "|"
)

var (
	// ErrNoSession is returned by Flush when no user is logged in.
	ErrNoSession = errors.New("no user session")
	// ErrFlushInProgress is returned when another flush has not finished yet.
	ErrFlushInProgress = errors.New("flush already in progress")
	// ErrSyncFailed wraps any sink failure. The ledger is left untouched.
	ErrSyncFailed = errors.New("screen time sync failed")
)

// Target identifies the tab currently being timed.
type Target struct {
	ID       int
	WindowID int
	URL      string
	Title    string
}

// Key returns the aggregation key for the target.
func (t Target) Key() string {
	return t.URL + keySeparator + t.Title
}

// SplitKey reverses Key. Titles may contain the separator, URLs are
// assumed not to, so the key is cut on the first separator.
func SplitKey(key string) (url, title string) {
	url, title, _ = strings.Cut(key, keySeparator)
	return url, title
}

// Entry is one delivered ledger row.
type Entry struct {
	URL      string `json:"url"`
	Title    string `json:"title"`
	Duration int64  `json:"duration"`
}

// Navigation is published whenever a completed navigation is recorded.
type Navigation struct {
	Task     string
	TargetID int
	URL      string
	Title    string
}

// Clock reports the current instant.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Sink receives flushed batches. Post must return an error for anything
// other than an explicit success acknowledgement.
type Sink interface {
	Post(ctx context.Context, userID string, batch []Entry) error
}

// Credentials resolves the logged-in user. An empty id means no session.
type Credentials interface {
	CurrentUser(ctx context.Context) (string, error)
}

// Recorder receives accrual and flush measurements.
type Recorder interface {
	Accrued(ctx context.Context, seconds int64)
	Discarded(ctx context.Context, reason string)
	Flushed(ctx context.Context, seconds int64, err error)
	PageReported(ctx context.Context, seconds int64)
}

type nopRecorder struct{}

func (nopRecorder) Accrued(context.Context, int64)        {}
func (nopRecorder) Discarded(context.Context, string)     {}
func (nopRecorder) Flushed(context.Context, int64, error) {}
func (nopRecorder) PageReported(context.Context, int64)   {}

// Option configures a Tracker or a PageTimer.
type Option func(*options)

type options struct {
	clock    Clock
	gap      time.Duration
	logger   *log.Logger
	debug    bool
	recorder Recorder
}

func defaultOptions() options {
	return options{
		clock:    systemClock{},
		gap:      DefaultGapThreshold,
		logger:   log.New(io.Discard, "", 0),
		recorder: nopRecorder{},
	}
}

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithGapThreshold overrides DefaultGapThreshold.
func WithGapThreshold(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.gap = d
		}
	}
}

// WithLogger sets the logger used for settle and flush diagnostics.
func WithLogger(l *log.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithDebug enables debug lines such as discarded gaps.
func WithDebug(enabled bool) Option {
	return func(o *options) { o.debug = enabled }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(o *options) {
		if r != nil {
			o.recorder = r
		}
	}
}

// Tracker attributes elapsed wall-clock time to the active target.
//
// Every transition settles elapsed time against the state currently held
// before installing new state, so stale or reordered events contribute
// zero extra time instead of corrupting the ledger. Tracker is safe for
// concurrent use; the flush network call runs outside the lock.
type Tracker struct {
	opts options

	mu     sync.Mutex
	active *Target
	watch  stopwatch
	ledger Ledger

	flushing atomic.Bool

	subMu       sync.RWMutex
	subscribers []func(Navigation)
}

// New creates a Tracker with an empty ledger and no active target.
func New(opts ...Option) *Tracker {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Tracker{opts: o, ledger: Ledger{}}
}

// SetActive installs target as the active target, or clears it when nil.
// Time since the previous transition is settled onto the old target first.
func (t *Tracker) SetActive(target *Target) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.switchLocked(target)
}

// Navigated records a completed navigation. A foreground navigation makes
// target active; every navigation is published to subscribers without
// waiting for them.
func (t *Tracker) Navigated(target Target, task string, foreground bool) {
	if foreground {
		t.SetActive(&target)
	}
	t.publish(Navigation{
		Task:     task,
		TargetID: target.ID,
		URL:      target.URL,
		Title:    target.Title,
	})
}

// Heartbeat rolls accrued time for the current target into the ledger
// without changing the target.
func (t *Tracker) Heartbeat() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.settleLocked(t.opts.clock.Now())
}

// Close handles a closed tab. If it is the active target, its time is
// settled and the tracker goes idle.
func (t *Tracker) Close(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == nil || t.active.ID != id {
		return
	}
	t.switchLocked(nil)
}

// Active returns the current target, if any.
func (t *Tracker) Active() (Target, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == nil {
		return Target{}, false
	}
	return *t.active, true
}

// Snapshot returns a copy of the ledger. In-flight time is not settled.
func (t *Tracker) Snapshot() map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ledger.clone()
}

// Merge adds persisted durations to the ledger.
func (t *Tracker) Merge(saved map[string]int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, seconds := range saved {
		t.ledger.add(key, seconds)
	}
}

// Subscribe registers fn for navigation events. fn runs on its own
// goroutine.
func (t *Tracker) Subscribe(fn func(Navigation)) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	t.subscribers = append(t.subscribers, fn)
}

func (t *Tracker) publish(n Navigation) {
	t.subMu.RLock()
	defer t.subMu.RUnlock()
	for _, fn := range t.subscribers {
		go fn(n)
	}
}

func (t *Tracker) switchLocked(target *Target) {
	now := t.opts.clock.Now()
	t.settleLocked(now)
	if target == nil {
		t.active = nil
		t.watch.stop()
		return
	}
	next := *target
	t.active = &next
	t.watch.start(now)
}

// settleLocked commits the interval since the last mark to the active
// target and re-marks now. Callers hold t.mu.
func (t *Tracker) settleLocked(now time.Time) {
	if t.active == nil {
		return
	}
	key := t.active.Key()
	seconds, outcome, elapsed := t.watch.lap(now, t.opts.gap)
	ctx := context.Background()
	switch outcome {
	case lapCounted:
		if seconds > 0 {
			t.ledger.add(key, seconds)
			t.opts.recorder.Accrued(ctx, seconds)
		}
	case lapGap:
		t.opts.recorder.Discarded(ctx, outcome.String())
		if t.opts.debug {
			t.opts.logger.Printf("[DEBUG] discarded %s idle gap for %q", elapsed, key)
		}
	case lapClockAnomaly:
		t.opts.recorder.Discarded(ctx, outcome.String())
		if elapsed < 0 {
			t.opts.logger.Printf("clock went backwards by %s while timing %q; interval discarded", -elapsed, key)
		} else if t.opts.debug {
			t.opts.logger.Printf("[DEBUG] zero-length interval for %q", key)
		}
	}
}
