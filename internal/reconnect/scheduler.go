package reconnect

import (
	"sync"
	"time"
)

// Scheduler holds at most one pending retry. Scheduling replaces any
// pending retry; a callback whose retry was canceled, replaced, or whose
// scheduler was closed never runs.
type Scheduler struct {
	clock Clock

	mu     sync.Mutex
	timer  Timer
	gen    uint64
	due    time.Time
	closed bool
}

// NewScheduler returns a Scheduler using clock.
func NewScheduler(clock Clock) *Scheduler {
	if clock == nil {
		clock = RealClock()
	}
	return &Scheduler{clock: clock}
}

// Schedule arranges for fn to run after d. It reports false if the
// scheduler is closed.
func (s *Scheduler) Schedule(d time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.stopLocked()

	s.gen++
	gen := s.gen
	s.due = s.clock.Now().Add(d)
	s.timer = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		if s.closed || s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.timer = nil
		s.due = time.Time{}
		s.mu.Unlock()

		fn()
	})
	return true
}

// Cancel drops the pending retry, if any.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// Pending reports whether a retry is scheduled and when it is due.
func (s *Scheduler) Pending() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.due, s.timer != nil
}

// Close cancels the pending retry and rejects further scheduling.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.closed = true
}

func (s *Scheduler) stopLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	s.due = time.Time{}
}
