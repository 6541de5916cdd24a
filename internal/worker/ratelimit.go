package worker

import (
	"context"
	"sync"
	"time"

	"swap-engine/internal/observability"
)

// SlidingWindow admits at most Max events in any trailing Window.
type SlidingWindow struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu     sync.Mutex
	stamps []time.Time
}

// NewSlidingWindow creates a limiter. max <= 0 disables limiting.
func NewSlidingWindow(max int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{max: max, window: window, now: time.Now}
}

// Wait blocks until an admission is available or ctx is done.
func (s *SlidingWindow) Wait(ctx context.Context) error {
	for waited := false; ; waited = true {
		wait, ok := s.reserve()
		if ok {
			return nil
		}
		if !waited {
			observability.RecordRateLimited()
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// reserve takes an admission, or returns how long until the oldest one
// leaves the window.
func (s *SlidingWindow) reserve() (time.Duration, bool) {
	if s.max <= 0 {
		return 0, true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-s.window)
	i := 0
	for i < len(s.stamps) && !s.stamps[i].After(cutoff) {
		i++
	}
	s.stamps = s.stamps[i:]

	if len(s.stamps) < s.max {
		s.stamps = append(s.stamps, now)
		return 0, true
	}
	return s.stamps[0].Sub(cutoff), false
}
