package reconnect

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSchedulerFiresAttemptsInOrderPastScheduleEnd(t *testing.T) {
	schedule := []time.Duration{5 * time.Millisecond, 10 * time.Millisecond}
	var mu sync.Mutex
	var attempts []int

	var s *Scheduler
	s = New(schedule, func(attempt int) {
		mu.Lock()
		attempts = append(attempts, attempt)
		mu.Unlock()
		if attempt < 3 {
			s.Arm()
		}
	})
	s.Arm()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) == 4
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{0, 1, 2, 3}, attempts)
}

func TestSchedulerHoldsAtFinalEntryOnceExhausted(t *testing.T) {
	s := New([]time.Duration{time.Millisecond}, func(int) {})
	require.Equal(t, time.Millisecond, s.delayFor(0))
	require.Equal(t, time.Millisecond, s.delayFor(5))
}

func TestSchedulerCancelPreventsFire(t *testing.T) {
	fired := make(chan struct{}, 1)
	s := New([]time.Duration{10 * time.Millisecond}, func(int) {
		fired <- struct{}{}
	})
	s.Arm()
	s.Cancel()

	select {
	case <-fired:
		t.Fatal("cancelled timer fired")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestSchedulerResetClearsAttemptCounter(t *testing.T) {
	s := New(DefaultSchedule, func(int) {})
	s.Arm()
	s.Arm()
	require.Equal(t, 2, s.Attempt())
	s.Cancel()
	s.Reset()
	require.Equal(t, 0, s.Attempt())
}
