package session

import (
	"sync"
	"time"
)

// SchedulerState is the lifecycle state of an ExpiryScheduler.
type SchedulerState int

const (
	StateIdle SchedulerState = iota
	StateArmed
	StateFired
)

func (s SchedulerState) String() string {
	switch s {
	case StateArmed:
		return "armed"
	case StateFired:
		return "fired"
	default:
		return "idle"
	}
}

// ExpiryScheduler fires once, lead before a credential's expiry, regardless of request traffic.
// At most one timer is live at any time.
type ExpiryScheduler struct {
	lead time.Duration
	now  func() time.Time

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	state   SchedulerState
	stopped bool
	signals chan struct{}
}

// NewExpiryScheduler creates an idle scheduler.
func NewExpiryScheduler(lead time.Duration, now func() time.Time) *ExpiryScheduler {
	if now == nil {
		now = time.Now
	}
	return &ExpiryScheduler{lead: lead, now: now, signals: make(chan struct{}, 1)}
}

// Signals delivers one value per fire. A pending unread signal absorbs later fires.
func (s *ExpiryScheduler) Signals() <-chan struct{} {
	return s.signals
}

// Arm cancels any live timer and schedules a fire at expiresAt - lead.
func (s *ExpiryScheduler) Arm(expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.cancelLocked()

	delay := expiresAt.Sub(s.now()) - s.lead
	if delay < 0 {
		delay = 0
	}
	gen := s.gen
	s.timer = time.AfterFunc(delay, func() { s.fire(gen) })
	s.state = StateArmed
}

// Disarm cancels the live timer, if any.
func (s *ExpiryScheduler) Disarm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	s.state = StateIdle
}

// Stop disarms and refuses further Arm calls.
func (s *ExpiryScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	s.state = StateIdle
	s.stopped = true
}

// State reports the current state.
func (s *ExpiryScheduler) State() SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// cancelLocked bumps the generation so a timer that already started running becomes a no-op.
func (s *ExpiryScheduler) cancelLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}

func (s *ExpiryScheduler) fire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.state != StateArmed {
		s.mu.Unlock()
		return
	}
	s.state = StateFired
	s.timer = nil
	s.mu.Unlock()

	select {
	case s.signals <- struct{}{}:
	default:
	}
}
