package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/ari/wisp/internal/classifier"
	"github.com/ari/wisp/internal/session"
	"github.com/ari/wisp/internal/tracker"
)

// focusUnknown means no focusChanged event has arrived yet; activations in
// any window count as foreground until one does.
const focusUnknown = -2

// Config holds the host's timers.
type Config struct {
	HeartbeatInterval time.Duration
	FlushInterval     time.Duration
	ShutdownTimeout   time.Duration
	ClassifyTimeout   time.Duration
	MinConfidence     float64
	Debug             bool
}

func (c *Config) setDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = tracker.DefaultHeartbeatInterval
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = tracker.DefaultFlushInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if c.ClassifyTimeout <= 0 {
		c.ClassifyTimeout = 10 * time.Second
	}
}

// Session is the credential and task store the host reads and updates.
type Session interface {
	tracker.Credentials
	Task() string
	Login(u session.User) error
	Logout() error
	SetTask(task string) error
}

// LedgerStore persists undelivered seconds across restarts.
type LedgerStore interface {
	Pending(ctx context.Context) (map[string]int64, error)
	ReplacePending(ctx context.Context, ledger map[string]int64) error
}

// Option configures a Host.
type Option func(*Host)

// WithClassifier enables site checks on completed navigations.
func WithClassifier(c classifier.Classifier) Option {
	return func(h *Host) { h.classifier = c }
}

// WithLedgerStore restores the ledger at start and saves it after every
// flush and at shutdown.
func WithLedgerStore(s LedgerStore) Option {
	return func(h *Host) { h.ledger = s }
}

// WithLogger sets the host logger. Stdout carries frames, so this should
// point elsewhere.
func WithLogger(l *log.Logger) Option {
	return func(h *Host) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithPageOptions configures the per-tab page timers.
func WithPageOptions(opts ...tracker.Option) Option {
	return func(h *Host) { h.pageOpts = opts }
}

// Host is a native messaging host that feeds browser events to a Tracker.
//
// Handle must only be called from one goroutine; Run does that from its
// event loop. Flushes and classifier calls run on their own goroutines.
type Host struct {
	cfg        Config
	tracker    *tracker.Tracker
	sink       tracker.Sink
	session    Session
	classifier classifier.Classifier
	ledger     LedgerStore
	logger     *log.Logger
	pageOpts   []tracker.Option

	outMu sync.RWMutex
	out   *Encoder

	// Owned by the event loop.
	tabs           map[int]tracker.Target
	activeByWindow map[int]int
	focusedWindow  int
	pages          map[int]*tracker.PageTimer

	flushes sync.WaitGroup
}

// New creates a Host around tr.
func New(cfg Config, tr *tracker.Tracker, sink tracker.Sink, sess Session, opts ...Option) *Host {
	cfg.setDefaults()
	h := &Host{
		cfg:            cfg,
		tracker:        tr,
		sink:           sink,
		session:        sess,
		logger:         log.New(io.Discard, "", 0),
		tabs:           make(map[int]tracker.Target),
		activeByWindow: make(map[int]int),
		focusedWindow:  focusUnknown,
		pages:          make(map[int]*tracker.PageTimer),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.classifier != nil {
		tr.Subscribe(h.checkSite)
	}
	return h
}

// SetOutput directs responses and pushes to w.
func (h *Host) SetOutput(w io.Writer) {
	h.outMu.Lock()
	defer h.outMu.Unlock()
	h.out = NewEncoder(w)
}

func (h *Host) send(v any) {
	h.outMu.RLock()
	out := h.out
	h.outMu.RUnlock()
	if out == nil {
		return
	}
	err := out.Encode(v)
	if resp, ok := v.(Response); ok && errors.Is(err, ErrFrameTooLarge) {
		// The request still gets an answer.
		err = out.Encode(Response{
			Type:      resp.Type,
			RequestID: resp.RequestID,
			Error:     err.Error(),
		})
	}
	if err != nil {
		h.logger.Printf("failed to write message: %v", err)
	}
}

func (h *Host) debugf(format string, args ...any) {
	if h.cfg.Debug {
		h.logger.Printf("[DEBUG] "+format, args...)
	}
}

// Run reads frames from r and writes replies to w until the stream ends,
// a suspending message arrives, or ctx is cancelled. It always finishes
// with a final flush.
func (h *Host) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	h.SetOutput(w)
	h.Restore(ctx)

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	msgs := make(chan Message)
	readErr := make(chan error, 1)
	go h.read(loopCtx, NewDecoder(r), msgs, readErr)

	heartbeat := time.NewTicker(h.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	flush := time.NewTicker(h.cfg.FlushInterval)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			h.Shutdown()
			return nil
		case err := <-readErr:
			cancel()
			h.Shutdown()
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case m := <-msgs:
			if stop := h.Handle(loopCtx, m); stop {
				cancel()
				h.Shutdown()
				return nil
			}
		case <-heartbeat.C:
			h.Heartbeat()
		case <-flush.C:
			h.ScheduleFlush(loopCtx)
		}
	}
}

func (h *Host) read(ctx context.Context, dec *Decoder, msgs chan<- Message, errc chan<- error) {
	for {
		var m Message
		if err := dec.Decode(&m); err != nil {
			if errors.Is(err, ErrMalformedFrame) {
				h.logger.Printf("skipping message: %v", err)
				continue
			}
			errc <- err
			return
		}
		select {
		case msgs <- m:
		case <-ctx.Done():
			return
		}
	}
}

// Restore merges a persisted ledger into the tracker. The saved copy stays
// in place until a later checkpoint replaces it.
func (h *Host) Restore(ctx context.Context) {
	if h.ledger == nil {
		return
	}
	saved, err := h.ledger.Pending(ctx)
	if err != nil {
		h.logger.Printf("failed to restore pending screen time: %v", err)
		return
	}
	if len(saved) > 0 {
		h.tracker.Merge(saved)
		h.logger.Printf("restored %d pending screen time entries", len(saved))
	}
}

// Shutdown waits for in-flight flushes, makes the final flush and
// persists what is left.
func (h *Host) Shutdown() {
	h.flushes.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.ShutdownTimeout)
	defer cancel()

	left := h.tracker.Shutdown(ctx, h.sink, h.session)
	if h.ledger == nil {
		if len(left) > 0 {
			h.logger.Printf("dropping %d undelivered screen time entries", len(left))
		}
		return
	}
	if err := h.ledger.ReplacePending(ctx, left); err != nil {
		h.logger.Printf("failed to persist pending screen time: %v", err)
		return
	}
	if len(left) > 0 {
		h.logger.Printf("saved %d undelivered screen time entries", len(left))
	}
}

// Heartbeat rolls accrued time over in the tracker and every page timer.
func (h *Host) Heartbeat() {
	h.tracker.Heartbeat()
	for _, p := range h.pages {
		p.Heartbeat()
	}
}

// ScheduleFlush starts a flush unless one is already running.
func (h *Host) ScheduleFlush(ctx context.Context) {
	if h.tracker.Flushing() {
		h.debugf("flush skipped: previous flush still running")
		return
	}
	h.flushes.Add(1)
	go func() {
		defer h.flushes.Done()
		h.flush(ctx)
	}()
}

// WaitFlushes blocks until scheduled flushes finish.
func (h *Host) WaitFlushes() {
	h.flushes.Wait()
}

func (h *Host) flush(ctx context.Context) {
	res, err := h.tracker.Flush(ctx, h.sink, h.session)
	if !errors.Is(err, tracker.ErrFlushInProgress) {
		h.checkpoint(ctx)
	}
	switch {
	case err == nil:
		if res.Entries > 0 {
			h.debugf("synced %d entries (%ds)", res.Entries, res.Seconds)
		}
	case errors.Is(err, tracker.ErrNoSession):
		h.debugf("no authenticated user found, skipping sync")
	case errors.Is(err, tracker.ErrFlushInProgress):
		h.debugf("flush skipped: previous flush still running")
	default:
		h.logger.Printf("error syncing screen time: %v", err)
	}
}

// checkpoint saves the undelivered ledger so a crash loses at most one
// flush interval.
func (h *Host) checkpoint(ctx context.Context) {
	if h.ledger == nil {
		return
	}
	if err := h.ledger.ReplacePending(context.WithoutCancel(ctx), h.tracker.Snapshot()); err != nil {
		h.logger.Printf("failed to checkpoint pending screen time: %v", err)
	}
}

// Handle dispatches one message. It reports whether the host should stop.
// A panic inside a handler is logged and swallowed.
func (h *Host) Handle(ctx context.Context, m Message) (stop bool) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Printf("panic handling %q message: %v", m.Type, r)
			stop = false
		}
	}()

	switch m.Type {
	case TypeActivated:
		h.onActivated(m)
	case TypeNavigated:
		h.onNavigated(m)
	case TypeFocusChanged:
		h.onFocusChanged(m)
	case TypeClosed:
		h.onClosed(m.TabID)
	case TypeSuspending:
		h.logger.Printf("browser is about to close: syncing screen time")
		return true
	case TypePageFocus:
		h.page(m.TabID).Focus()
	case TypePageBlur:
		if p, ok := h.pages[m.TabID]; ok {
			p.Blur()
		}
	default:
		h.send(h.request(ctx, m))
	}
	return false
}

func (h *Host) request(ctx context.Context, m Message) Response {
	resp := Response{Type: m.Type, RequestID: m.RequestID, Success: true}
	var err error

	switch m.Type {
	case TypeLogin:
		if m.User == nil {
			err = errors.New("login requires a user")
			break
		}
		err = h.session.Login(*m.User)
		if err == nil {
			h.logger.Printf("user logged in: %s", m.User.ID)
		}
	case TypeLogout:
		err = h.session.Logout()
	case TypeUpdateTask:
		err = h.session.SetTask(m.Task)
		if err == nil {
			h.debugf("task updated: %q", m.Task)
		}
	case TypeManualSync:
		h.ScheduleFlush(ctx)
		resp.Message = "Manual sync initiated"
	case TypeGetScreenTime:
		var seconds int64
		if p, ok := h.pages[m.TabID]; ok {
			seconds = p.ReportElapsed()
		}
		resp.ScreenTime = &seconds
	case TypeGetSnapshot:
		resp.Snapshot = h.tracker.Snapshot()
	default:
		err = fmt.Errorf("unknown message type %q", m.Type)
	}

	if err != nil {
		h.logger.Printf("%s failed: %v", m.Type, err)
		resp.Success = false
		resp.Error = err.Error()
	}
	return resp
}

func (h *Host) onActivated(m Message) {
	tabID := m.TabID
	windowID := windowNone
	if m.Tab != nil {
		h.register(*m.Tab)
		tabID = m.Tab.ID
		windowID = m.Tab.WindowID
	}
	if m.WindowID != nil {
		windowID = *m.WindowID
	}
	if windowID == windowNone {
		if t, ok := h.tabs[tabID]; ok {
			windowID = t.WindowID
		}
	}

	h.activeByWindow[windowID] = tabID
	if h.foreground(windowID) {
		h.activate(tabID)
	}
}

func (h *Host) onNavigated(m Message) {
	if m.Tab == nil || m.Tab.URL == "" {
		return
	}
	tab := *m.Tab
	h.register(tab)
	if tab.Active {
		h.activeByWindow[tab.WindowID] = tab.ID
	}

	foreground := h.activeByWindow[tab.WindowID] == tab.ID && h.foreground(tab.WindowID)
	h.tracker.Navigated(tab.target(), h.session.Task(), foreground)

	// A navigation loads a new page; the old page reports what it has left
	// and the counter starts over.
	if old, ok := h.pages[tab.ID]; ok {
		old.Blur()
	}
	p := tracker.NewPageTimer(h.pageOpts...)
	h.watchPage(tab.ID, p)
	if foreground {
		p.Focus()
	}
	h.pages[tab.ID] = p
}

func (h *Host) onFocusChanged(m Message) {
	if m.WindowID == nil || *m.WindowID == windowNone {
		h.focusedWindow = windowNone
		h.tracker.SetActive(nil)
		return
	}
	h.focusedWindow = *m.WindowID
	if tabID, ok := h.activeByWindow[h.focusedWindow]; ok {
		h.activate(tabID)
		return
	}
	h.tracker.SetActive(nil)
}

func (h *Host) onClosed(tabID int) {
	h.tracker.Close(tabID)
	delete(h.tabs, tabID)
	delete(h.pages, tabID)
	for w, id := range h.activeByWindow {
		if id == tabID {
			delete(h.activeByWindow, w)
		}
	}
}

func (h *Host) register(tab Tab) {
	if tab.URL == "" {
		return
	}
	h.tabs[tab.ID] = tab.target()
}

func (h *Host) foreground(windowID int) bool {
	return h.focusedWindow == focusUnknown || h.focusedWindow == windowID
}

// activate makes tabID the active target, or clears the target when the
// tab's URL and title are not known yet.
func (h *Host) activate(tabID int) {
	t, ok := h.tabs[tabID]
	if !ok {
		h.debugf("activated unknown tab %d; clock stopped until it navigates", tabID)
		h.tracker.SetActive(nil)
		return
	}
	h.tracker.SetActive(&t)
}

func (h *Host) page(tabID int) *tracker.PageTimer {
	p, ok := h.pages[tabID]
	if !ok {
		p = tracker.NewPageTimer(h.pageOpts...)
		h.watchPage(tabID, p)
		h.pages[tabID] = p
	}
	return p
}

func (h *Host) watchPage(tabID int, p *tracker.PageTimer) {
	p.OnReport(func(seconds int64) {
		h.debugf("tab %d was visible for %ds", tabID, seconds)
		h.send(PageReport{Action: "pageReport", TabID: tabID, ScreenTime: seconds})
	})
}

// checkSite asks the classifier about a completed navigation and pushes a
// blockSite message for distractions. It runs off the event loop.
func (h *Host) checkSite(n tracker.Navigation) {
	if n.Task == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.ClassifyTimeout)
	defer cancel()

	user, err := h.session.CurrentUser(ctx)
	if err != nil || user == "" {
		return
	}

	v, err := h.classifier.Check(ctx, classifier.Request{Task: n.Task, URL: n.URL, Title: n.Title})
	if err != nil {
		h.logger.Printf("error checking site %s: %v", n.URL, err)
		return
	}
	h.debugf("checked %s: distraction=%v confidence=%.2f", n.URL, v.IsDistraction, v.Confidence)
	if !v.IsDistraction || v.Confidence < h.cfg.MinConfidence {
		return
	}
	h.send(BlockSite{
		Action:     "blockSite",
		TabID:      n.TargetID,
		URL:        n.URL,
		Reason:     v.Reason,
		Confidence: v.Confidence,
	})
}
