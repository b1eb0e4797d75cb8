package host

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ari/wisp/internal/classifier"
	"github.com/ari/wisp/internal/session"
	"github.com/ari/wisp/internal/tracker"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeSession struct {
	mu    sync.Mutex
	user  string
	task  string
	panic bool
}

func (s *fakeSession) CurrentUser(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user, nil
}

func (s *fakeSession) Task() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task
}

func (s *fakeSession) Login(u session.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panic {
		panic("session store exploded")
	}
	if u.ID == "" {
		return session.ErrMissingUserID
	}
	s.user = u.ID
	return nil
}

func (s *fakeSession) Logout() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = ""
	return nil
}

func (s *fakeSession) SetTask(task string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.task = task
	return nil
}

type recordingSink struct {
	mu      sync.Mutex
	err     error
	batches [][]tracker.Entry
}

func (s *recordingSink) Post(_ context.Context, _ string, batch []tracker.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, batch)
	return nil
}

func (s *recordingSink) delivered() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]int64{}
	for _, b := range s.batches {
		for _, e := range b {
			out[e.URL+"|"+e.Title] += e.Duration
		}
	}
	return out
}

type memLedger struct {
	mu    sync.Mutex
	saved map[string]int64
}

func (m *memLedger) Pending(context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.saved))
	for k, v := range m.saved {
		out[k] = v
	}
	return out, nil
}

func (m *memLedger) ReplacePending(_ context.Context, l map[string]int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = make(map[string]int64, len(l))
	for k, v := range l {
		if v > 0 {
			m.saved[k] = v
		}
	}
	return nil
}

func (m *memLedger) get(key string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved[key]
}

func (m *memLedger) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saved)
}

type stubClassifier struct {
	verdict classifier.Verdict
}

func (c stubClassifier) Check(context.Context, classifier.Request) (classifier.Verdict, error) {
	return c.verdict, nil
}

type fixture struct {
	clock *fakeClock
	sess  *fakeSession
	sink  *recordingSink
	tr    *tracker.Tracker
	host  *Host
}

func newFixture(opts ...Option) *fixture {
	clock := newFakeClock()
	f := &fixture{
		clock: clock,
		sess:  &fakeSession{},
		sink:  &recordingSink{},
		tr:    tracker.New(tracker.WithClock(clock)),
	}
	opts = append([]Option{WithPageOptions(tracker.WithClock(clock))}, opts...)
	f.host = New(Config{}, f.tr, f.sink, f.sess, opts...)
	return f
}

func (f *fixture) handle(t *testing.T, m Message) {
	t.Helper()
	if stop := f.host.Handle(context.Background(), m); stop {
		t.Fatalf("Handle(%s) asked to stop", m.Type)
	}
}

func windowID(id int) *int { return &id }

var (
	tabA = Tab{ID: 1, WindowID: 1, URL: "https://a.test", Title: "A", Active: true}
	tabB = Tab{ID: 2, WindowID: 1, URL: "https://b.test", Title: "B"}
)

func TestActivationAndFocusAttribution(t *testing.T) {
	f := newFixture()

	f.handle(t, Message{Type: TypeNavigated, Tab: &tabA})
	f.clock.Advance(30 * time.Second)
	f.handle(t, Message{Type: TypeNavigated, Tab: &tabB})
	f.clock.Advance(10 * time.Second)
	f.handle(t, Message{Type: TypeActivated, TabID: tabB.ID, WindowID: windowID(1)})
	f.clock.Advance(5 * time.Second)
	f.handle(t, Message{Type: TypeFocusChanged, WindowID: windowID(windowNone)})
	f.clock.Advance(time.Minute)

	got := f.tr.Snapshot()
	want := map[string]int64{"https://a.test|A": 40, "https://b.test|B": 5}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("ledger[%q] = %d; want %d", k, got[k], v)
		}
	}
	if _, ok := f.tr.Active(); ok {
		t.Error("tracker still has an active target after focus was lost")
	}
}

func TestFocusReturnResumesWindowTab(t *testing.T) {
	f := newFixture()

	f.handle(t, Message{Type: TypeNavigated, Tab: &tabA})
	f.handle(t, Message{Type: TypeFocusChanged})
	f.clock.Advance(100 * time.Second)
	f.handle(t, Message{Type: TypeFocusChanged, WindowID: windowID(1)})
	f.clock.Advance(7 * time.Second)
	f.handle(t, Message{Type: TypeClosed, TabID: tabA.ID})

	if got := f.tr.Snapshot()["https://a.test|A"]; got != 7 {
		t.Errorf("ledger = %d; want 7", got)
	}
}

func TestNavigationInBackgroundWindowDoesNotSteal(t *testing.T) {
	f := newFixture()

	f.handle(t, Message{Type: TypeNavigated, Tab: &tabA})
	f.handle(t, Message{Type: TypeFocusChanged, WindowID: windowID(1)})
	other := Tab{ID: 9, WindowID: 2, URL: "https://other.test", Title: "Other", Active: true}
	f.handle(t, Message{Type: TypeNavigated, Tab: &other})

	active, ok := f.tr.Active()
	if !ok || active.ID != tabA.ID {
		t.Errorf("Active() = %+v, %v; want tab %d", active, ok, tabA.ID)
	}
}

func TestClosedTabIsForgotten(t *testing.T) {
	f := newFixture()

	f.handle(t, Message{Type: TypeNavigated, Tab: &tabA})
	f.clock.Advance(3 * time.Second)
	f.handle(t, Message{Type: TypeClosed, TabID: tabA.ID})
	f.handle(t, Message{Type: TypeActivated, TabID: tabA.ID, WindowID: windowID(1)})
	f.clock.Advance(10 * time.Second)
	f.host.Heartbeat()

	if got := f.tr.Snapshot()["https://a.test|A"]; got != 3 {
		t.Errorf("ledger = %d; want 3", got)
	}
}

func TestGetScreenTimeResponds(t *testing.T) {
	f := newFixture()
	var out bytes.Buffer
	f.host.SetOutput(&out)

	f.handle(t, Message{Type: TypeNavigated, Tab: &tabA})
	f.clock.Advance(12 * time.Second)
	f.handle(t, Message{Type: TypeGetScreenTime, RequestID: "r1", TabID: tabA.ID})

	var resp Response
	if err := NewDecoder(&out).Decode(&resp); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if resp.RequestID != "r1" || !resp.Success {
		t.Errorf("response = %+v; want success for r1", resp)
	}
	if resp.ScreenTime == nil || *resp.ScreenTime != 12 {
		t.Errorf("screenTime = %v; want 12", resp.ScreenTime)
	}
}

func TestPageBlurReportsVisibleTime(t *testing.T) {
	f := newFixture()
	var out bytes.Buffer
	f.host.SetOutput(&out)

	f.handle(t, Message{Type: TypeNavigated, Tab: &tabA})
	f.clock.Advance(40 * time.Second)
	f.handle(t, Message{Type: TypePageBlur, TabID: tabA.ID})
	f.clock.Advance(50 * time.Second)
	f.handle(t, Message{Type: TypePageFocus, TabID: tabA.ID})
	f.clock.Advance(2 * time.Second)
	f.handle(t, Message{Type: TypeGetScreenTime, TabID: tabA.ID})

	dec := NewDecoder(&out)
	var report PageReport
	if err := dec.Decode(&report); err != nil {
		t.Fatalf("Decode() report error = %v", err)
	}
	if report.Action != "pageReport" || report.TabID != tabA.ID || report.ScreenTime != 40 {
		t.Errorf("report = %+v; want 40s for tab %d", report, tabA.ID)
	}

	// The blurred interval is not counted again.
	var resp Response
	if err := dec.Decode(&resp); err != nil {
		t.Fatalf("Decode() response error = %v", err)
	}
	if resp.ScreenTime == nil || *resp.ScreenTime != 2 {
		t.Errorf("screenTime = %v; want 2", resp.ScreenTime)
	}
}

func TestNavigationReportsReplacedPage(t *testing.T) {
	f := newFixture()
	var out bytes.Buffer
	f.host.SetOutput(&out)

	f.handle(t, Message{Type: TypeNavigated, Tab: &tabA})
	f.clock.Advance(15 * time.Second)
	next := tabA
	next.URL, next.Title = "https://a.test/next", "A next"
	f.handle(t, Message{Type: TypeNavigated, Tab: &next})
	f.clock.Advance(3 * time.Second)
	f.handle(t, Message{Type: TypeGetScreenTime, TabID: tabA.ID})

	dec := NewDecoder(&out)
	var report PageReport
	if err := dec.Decode(&report); err != nil {
		t.Fatalf("Decode() report error = %v", err)
	}
	if report.TabID != tabA.ID || report.ScreenTime != 15 {
		t.Errorf("report = %+v; want 15s for tab %d", report, tabA.ID)
	}
	var resp Response
	if err := dec.Decode(&resp); err != nil {
		t.Fatalf("Decode() response error = %v", err)
	}
	if resp.ScreenTime == nil || *resp.ScreenTime != 3 {
		t.Errorf("screenTime = %v; want 3", resp.ScreenTime)
	}
}

func TestOversizedSnapshotStillAnswers(t *testing.T) {
	f := newFixture()
	var out bytes.Buffer
	f.host.SetOutput(&out)

	f.tr.Merge(map[string]int64{"https://a.test|" + strings.Repeat("x", maxOutgoingFrameSize): 5})
	f.handle(t, Message{Type: TypeGetSnapshot, RequestID: "s1"})

	var resp Response
	if err := NewDecoder(&out).Decode(&resp); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if resp.RequestID != "s1" || resp.Success || resp.Error == "" {
		t.Errorf("response = %+v; want a failed reply for s1", resp)
	}
}

func TestSessionRequests(t *testing.T) {
	f := newFixture()
	var out bytes.Buffer
	f.host.SetOutput(&out)

	f.handle(t, Message{Type: TypeLogin, RequestID: "1", User: &session.User{ID: "u-1"}})
	f.handle(t, Message{Type: TypeUpdateTask, RequestID: "2", Task: "write report"})
	f.handle(t, Message{Type: TypeLogin, RequestID: "3"})
	f.handle(t, Message{Type: "bogus", RequestID: "4"})

	dec := NewDecoder(&out)
	wantSuccess := []bool{true, true, false, false}
	for i, want := range wantSuccess {
		var resp Response
		if err := dec.Decode(&resp); err != nil {
			t.Fatalf("Decode() #%d error = %v", i, err)
		}
		if resp.Success != want {
			t.Errorf("response #%d success = %v; want %v (%+v)", i, resp.Success, want, resp)
		}
	}

	if user, _ := f.sess.CurrentUser(context.Background()); user != "u-1" {
		t.Errorf("user = %q; want u-1", user)
	}
	if f.sess.Task() != "write report" {
		t.Errorf("task = %q; want %q", f.sess.Task(), "write report")
	}
}

func TestHandleRecoversPanic(t *testing.T) {
	f := newFixture()
	f.sess.panic = true

	stop := f.host.Handle(context.Background(), Message{Type: TypeLogin, User: &session.User{ID: "u"}})
	if stop {
		t.Error("Handle() after panic asked to stop")
	}

	f.handle(t, Message{Type: TypeNavigated, Tab: &tabA})
	if _, ok := f.tr.Active(); !ok {
		t.Error("host stopped handling events after a panic")
	}
}

func TestManualSyncFlushes(t *testing.T) {
	f := newFixture()
	f.sess.user = "u-1"

	f.handle(t, Message{Type: TypeNavigated, Tab: &tabA})
	f.clock.Advance(25 * time.Second)
	f.handle(t, Message{Type: TypeManualSync})
	f.host.WaitFlushes()

	if got := f.sink.delivered()["https://a.test|A"]; got != 25 {
		t.Errorf("delivered = %d; want 25", got)
	}
	if got := f.tr.Snapshot()["https://a.test|A"]; got != 0 {
		t.Errorf("ledger after sync = %d; want 0", got)
	}
}

func TestShutdownPersistsAndRestores(t *testing.T) {
	ledger := &memLedger{}
	f := newFixture(WithLedgerStore(ledger))
	f.sess.user = "u-1"
	f.sink.err = errors.New("backend down")

	f.handle(t, Message{Type: TypeNavigated, Tab: &tabA})
	f.clock.Advance(20 * time.Second)
	f.host.Shutdown()

	if got := ledger.get("https://a.test|A"); got != 20 {
		t.Fatalf("persisted = %d; want 20", got)
	}

	// A host that dies before syncing leaves the saved copy for the next one.
	crashed := newFixture(WithLedgerStore(ledger))
	crashed.host.Restore(context.Background())
	if got := crashed.tr.Snapshot()["https://a.test|A"]; got != 20 {
		t.Errorf("restored ledger = %d; want 20", got)
	}
	if got := ledger.get("https://a.test|A"); got != 20 {
		t.Fatalf("persisted after restore = %d; want 20", got)
	}

	next := newFixture(WithLedgerStore(ledger))
	next.sess.user = "u-1"
	next.host.Restore(context.Background())
	next.host.Shutdown()
	if got := next.sink.delivered()["https://a.test|A"]; got != 20 {
		t.Errorf("delivered = %d; want 20", got)
	}
	if n := ledger.size(); n != 0 {
		t.Errorf("persisted ledger after delivery has %d entries; want 0", n)
	}
}

func TestFlushCheckpointsLedger(t *testing.T) {
	ledger := &memLedger{saved: map[string]int64{"https://z.test|Z": 30}}
	f := newFixture(WithLedgerStore(ledger))
	ctx := context.Background()
	f.host.Restore(ctx)

	f.handle(t, Message{Type: TypeNavigated, Tab: &tabA})
	f.clock.Advance(10 * time.Second)
	f.host.Heartbeat()

	// No user: nothing is sent, but the accrued time is saved alongside
	// the restored entry.
	f.host.ScheduleFlush(ctx)
	f.host.WaitFlushes()
	if ledger.get("https://z.test|Z") != 30 || ledger.get("https://a.test|A") != 10 {
		t.Errorf("checkpoint = %v; want z=30 a=10", ledger.saved)
	}

	f.sess.user = "u-1"
	f.host.ScheduleFlush(ctx)
	f.host.WaitFlushes()
	if got := f.sink.delivered()["https://z.test|Z"]; got != 30 {
		t.Errorf("delivered restored entry = %d; want 30", got)
	}
	if n := ledger.size(); n != 0 {
		t.Errorf("checkpoint after delivery has %d entries; want 0", n)
	}
}

func TestRunFlushesOnEndOfInput(t *testing.T) {
	ledger := &memLedger{saved: map[string]int64{"https://a.test|A": 9}}
	f := newFixture(WithLedgerStore(ledger))

	var in, out bytes.Buffer
	if err := NewEncoder(&in).Encode(Message{Type: TypeLogin, RequestID: "x", User: &session.User{ID: "u-1"}}); err != nil {
		t.Fatal(err)
	}

	if err := f.host.Run(context.Background(), &in, &out); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := f.sink.delivered()["https://a.test|A"]; got != 9 {
		t.Errorf("delivered = %d; want 9", got)
	}
	if n := ledger.size(); n != 0 {
		t.Errorf("persisted after successful flush has %d entries", n)
	}

	var resp Response
	if err := NewDecoder(&out).Decode(&resp); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if resp.RequestID != "x" || !resp.Success {
		t.Errorf("login response = %+v", resp)
	}
}

func TestRunStopsOnSuspending(t *testing.T) {
	f := newFixture()
	pr, pw := io.Pipe()
	defer pw.Close()

	done := make(chan error, 1)
	go func() { done <- f.host.Run(context.Background(), pr, io.Discard) }()

	if err := NewEncoder(pw).Encode(Message{Type: TypeSuspending}); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after suspending")
	}
}

func TestDistractionPushesBlockSite(t *testing.T) {
	f := newFixture(WithClassifier(stubClassifier{verdict: classifier.Verdict{
		IsDistraction: true,
		Confidence:    0.9,
		Reason:        "social media",
	}}))
	f.sess.user = "u-1"
	f.sess.task = "write report"

	pr, pw := io.Pipe()
	f.host.SetOutput(pw)
	got := make(chan BlockSite, 1)
	go func() {
		var b BlockSite
		if err := NewDecoder(pr).Decode(&b); err == nil {
			got <- b
		}
	}()

	f.handle(t, Message{Type: TypeNavigated, Tab: &tabA})

	select {
	case b := <-got:
		if b.Action != "blockSite" || b.TabID != tabA.ID || b.Reason != "social media" {
			t.Errorf("push = %+v", b)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no blockSite message pushed")
	}
}
