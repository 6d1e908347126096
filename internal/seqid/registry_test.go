package seqid

import (
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAllocatorProducesDistinctIncreasingSequences(t *testing.T) {
	var a Allocator
	seen := make(map[string]bool)
	prev := int64(0)
	for i := 0; i < 100; i++ {
		seq := a.Next()
		require.False(t, seen[seq], "sequence %q repeated", seq)
		seen[seq] = true
		n, err := strconv.ParseInt(seq, 10, 64)
		require.NoError(t, err)
		require.Greater(t, n, prev)
		prev = n
	}
}

func TestRegistryResolveInvokesCallbackOnce(t *testing.T) {
	r := NewRegistry()
	calls := 0
	var gotStatus Status
	r.Register("1", time.Second, func(status Status, response json.RawMessage) {
		calls++
		gotStatus = status
	})

	require.Equal(t, 1, r.Len())
	ok := r.Resolve("1", StatusOK, nil)
	require.True(t, ok)
	require.Equal(t, 1, calls)
	require.Equal(t, StatusOK, gotStatus)
	require.Equal(t, 0, r.Len())

	// A second resolve for the same (already-settled) seq is discarded.
	ok = r.Resolve("1", StatusOK, nil)
	require.False(t, ok)
	require.Equal(t, 1, calls)
}

func TestRegistryTimeoutFiresOnce(t *testing.T) {
	r := NewRegistry()
	done := make(chan Status, 1)
	r.Register("1", 10*time.Millisecond, func(status Status, response json.RawMessage) {
		done <- status
	})

	select {
	case status := <-done:
		require.Equal(t, StatusTimeout, status)
	case <-time.After(time.Second):
		t.Fatal("timeout callback never fired")
	}

	// A reply arriving after the deadline elapsed is discarded.
	ok := r.Resolve("1", StatusOK, nil)
	require.False(t, ok)
}

func TestRegistryCancelAllSettlesEveryPending(t *testing.T) {
	r := NewRegistry()
	n := 5
	results := make(chan Status, n)
	for i := 0; i < n; i++ {
		r.Register(string(rune('a'+i)), time.Minute, func(status Status, response json.RawMessage) {
			results <- status
		})
	}
	require.Equal(t, n, r.Len())
	r.CancelAll()
	require.Equal(t, 0, r.Len())
	for i := 0; i < n; i++ {
		require.Equal(t, StatusTimeout, <-results)
	}
}
