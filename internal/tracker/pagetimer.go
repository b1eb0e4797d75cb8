package tracker

import (
	"context"
	"sync"
)

// PageTimer counts visible, focused time for a single page. It is the
// single-key form of the Tracker's settle logic: the counter is handed out
// and reset by ReportElapsed, or by Blur when a report callback is set.
type PageTimer struct {
	opts options

	mu       sync.Mutex
	watch    stopwatch
	pending  int64
	onReport func(int64)
}

// NewPageTimer returns a stopped timer.
func NewPageTimer(opts ...Option) *PageTimer {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &PageTimer{opts: o}
}

// OnReport sets a callback that receives the counter when the page loses
// visibility.
func (p *PageTimer) OnReport(fn func(seconds int64)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onReport = fn
}

// Focus starts timing. Focusing a running timer is a no-op.
func (p *PageTimer) Focus() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watch.running {
		return
	}
	p.watch.start(p.opts.clock.Now())
}

// Blur settles and stops timing.
func (p *PageTimer) Blur() {
	p.mu.Lock()
	p.settleLocked()
	p.watch.stop()

	fn := p.onReport
	var seconds int64
	if fn != nil {
		seconds = p.pending
		p.pending = 0
	}
	p.mu.Unlock()

	if fn != nil && seconds > 0 {
		p.opts.recorder.PageReported(context.Background(), seconds)
		fn(seconds)
	}
}

// Heartbeat rolls elapsed time into the counter without stopping.
func (p *PageTimer) Heartbeat() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settleLocked()
}

// ReportElapsed returns the seconds counted since the last report and
// resets the counter. A running timer keeps running.
func (p *PageTimer) ReportElapsed() int64 {
	p.mu.Lock()
	p.settleLocked()
	seconds := p.pending
	p.pending = 0
	p.mu.Unlock()

	if seconds > 0 {
		p.opts.recorder.PageReported(context.Background(), seconds)
	}
	return seconds
}

// Running reports whether the page is currently focused.
func (p *PageTimer) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.watch.running
}

func (p *PageTimer) settleLocked() {
	seconds, outcome, elapsed := p.watch.lap(p.opts.clock.Now(), p.opts.gap)
	switch outcome {
	case lapCounted:
		p.pending += seconds
	case lapGap:
		if p.opts.debug {
			p.opts.logger.Printf("[DEBUG] page timer discarded %s idle gap", elapsed)
		}
	case lapClockAnomaly:
		if elapsed < 0 {
			p.opts.logger.Printf("page timer: clock went backwards by %s; interval discarded", -elapsed)
		}
	}
}
