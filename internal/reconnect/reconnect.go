// Package reconnect implements the client's backoff scheduler (spec
// §4.4): after an abnormal disconnect, retries follow a schedule of
// 1s, 2s, 5s, 10s, then hold at 10s, with an optional caller-supplied
// schedule and an attempt counter that resets on a successful
// reconnect.
package reconnect

import (
	"sync"
	"time"
)

// DefaultSchedule is the built-in backoff sequence; the last entry is
// held indefinitely once attempts exceed its length.
var DefaultSchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
}

// Fn is invoked once per scheduled attempt.
type Fn func(attempt int)

// Scheduler arms a single timer at a time and advances through a
// backoff schedule on each Arm call. Arm, Cancel, Reset and Attempt
// are guarded by an internal mutex; fn runs on the timer's own
// goroutine, outside that lock.
type Scheduler struct {
	mu       sync.Mutex
	schedule []time.Duration
	attempt  int
	timer    *time.Timer
	fn       Fn
}

// New constructs a Scheduler. A nil or empty schedule falls back to
// DefaultSchedule.
func New(schedule []time.Duration, fn Fn) *Scheduler {
	if len(schedule) == 0 {
		schedule = DefaultSchedule
	}
	return &Scheduler{schedule: schedule, fn: fn}
}

// delayFor returns the delay for the given 0-indexed attempt number,
// holding at the schedule's final entry once exhausted.
func (s *Scheduler) delayFor(attempt int) time.Duration {
	if attempt < len(s.schedule) {
		return s.schedule[attempt]
	}
	return s.schedule[len(s.schedule)-1]
}

// Arm schedules the next reconnect attempt and increments the attempt
// counter. Calling Arm while a timer is already pending replaces it.
func (s *Scheduler) Arm() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	delay := s.delayFor(s.attempt)
	attempt := s.attempt
	s.attempt++
	s.timer = time.AfterFunc(delay, func() {
		s.fn(attempt)
	})
}

// Cancel stops any pending timer without firing it, used when the
// link reconnects or the client shuts down.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Reset clears the attempt counter, called once a reconnect succeeds
// so the next disconnect starts the schedule over from its beginning.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempt = 0
}

// Attempt reports the number of attempts armed so far.
func (s *Scheduler) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}
