package retry

import (
	"sync"
	"time"
)

// Scheduler holds at most one pending timer per item id.
type Scheduler struct {
	mu      sync.Mutex
	timers  map[string]*entry
	stopped bool
}

type entry struct {
	timer *time.Timer
}

// NewScheduler returns an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{timers: make(map[string]*entry)}
}

// Arm schedules fn to run once after delay, replacing any timer already armed for id.
// The timer is disarmed before fn runs, so fn may re-arm the same id.
func (s *Scheduler) Arm(id string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if old, ok := s.timers[id]; ok {
		old.timer.Stop()
	}
	e := &entry{}
	e.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.timers[id] != e {
			// cancelled or replaced after firing
			s.mu.Unlock()
			return
		}
		delete(s.timers, id)
		s.mu.Unlock()
		fn()
	})
	s.timers[id] = e
}

// Cancel disarms the timer for id. Reports whether one was armed.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.timers[id]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.timers, id)
	return true
}

// Armed reports whether a timer is pending for id.
func (s *Scheduler) Armed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[id]
	return ok
}

// Len returns the number of armed timers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop disarms every timer. Later Arm calls are ignored until Reset.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, id)
	}
	s.stopped = true
}

// Reset re-enables a stopped scheduler.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.stopped = false
	s.mu.Unlock()
}
