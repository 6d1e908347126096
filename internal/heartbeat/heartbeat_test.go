package heartbeat

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEngineSendsAtMostOneOutstandingProbe(t *testing.T) {
	var mu sync.Mutex
	var statuses []Status
	var sendCount int

	e := New(15*time.Millisecond, func() error {
		mu.Lock()
		sendCount++
		mu.Unlock()
		return nil
	}, nil, func(s Status) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})

	e.Start()
	defer e.Stop()

	// Never reply: the second tick must observe an outstanding probe
	// and report StatusTimeout rather than sending a second one.
	time.Sleep(40 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.LessOrEqual(t, sendCount, 1)
	require.Contains(t, statuses, StatusSent)
}

func TestEngineRecordsRoundTripStats(t *testing.T) {
	e := New(10*time.Millisecond, func() error { return nil }, nil, nil)
	e.Start()
	defer e.Stop()

	time.Sleep(15 * time.Millisecond)
	e.OnReply()

	stats := e.Stats()
	require.Greater(t, stats.Last, time.Duration(0))
	require.Equal(t, stats.Last, stats.Min)
	require.Equal(t, stats.Last, stats.Max)
}

func TestEngineClosesLinkOnOutstandingTimeout(t *testing.T) {
	closed := make(chan string, 1)
	e := New(10*time.Millisecond, func() error { return nil }, func(reason string) {
		select {
		case closed <- reason:
		default:
		}
	}, nil)

	e.Start()
	defer e.Stop()

	select {
	case reason := <-closed:
		require.Equal(t, "heartbeat timeout", reason)
	case <-time.After(time.Second):
		t.Fatal("expected CloseLink to be invoked after a missed probe")
	}
}

func TestOnDisconnectedClearsOutstandingAndReportsStatus(t *testing.T) {
	var mu sync.Mutex
	var statuses []Status
	e := New(time.Hour, func() error { return nil }, nil, func(s Status) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})

	e.OnDisconnected()

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, statuses, StatusDisconnected)
}
