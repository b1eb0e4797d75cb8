package tracker

import "time"

type lapOutcome int

const (
	lapIdle lapOutcome = iota
	lapCounted
	lapGap
	lapClockAnomaly
)

func (o lapOutcome) String() string {
	switch o {
	case lapCounted:
		return "counted"
	case lapGap:
		return "gap"
	case lapClockAnomaly:
		return "clock_anomaly"
	default:
		return "idle"
	}
}

// stopwatch is the settle/rollover primitive shared by Tracker and
// PageTimer: it remembers when time was last settled.
type stopwatch struct {
	last    time.Time
	running bool
}

func (s *stopwatch) start(now time.Time) {
	s.last = now
	s.running = true
}

func (s *stopwatch) stop() {
	s.last = time.Time{}
	s.running = false
}

// lap settles the interval since the last mark and re-marks now. Only
// intervals in (0, gap) count, as whole seconds rounded down.
func (s *stopwatch) lap(now time.Time, gap time.Duration) (int64, lapOutcome, time.Duration) {
	if !s.running {
		return 0, lapIdle, 0
	}
	elapsed := now.Sub(s.last)
	s.last = now
	switch {
	case elapsed <= 0:
		return 0, lapClockAnomaly, elapsed
	case elapsed >= gap:
		return 0, lapGap, elapsed
	default:
		return int64(elapsed / time.Second), lapCounted, elapsed
	}
}
