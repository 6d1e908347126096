// Package seqid implements the monotonic per-link sequence allocator
// and the pending-reply registry used to correlate requests with
// their replies (spec §4.2).
package seqid

import (
	"strconv"
	"sync/atomic"
)

// Allocator hands out a strictly increasing sequence of distinct
// strings, one per Link.
type Allocator struct {
	counter atomic.Int64
}

// Next returns the next sequence id, starting at "1".
func (a *Allocator) Next() string {
	n := a.counter.Add(1)
	return strconv.FormatInt(n, 10)
}
