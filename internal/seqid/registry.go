package seqid

import (
	"encoding/json"
	"sync"
	"time"
)

// Status values passed to a pending reply's callback.
type Status string

const (
	StatusOK      Status = "ok"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

// Callback is invoked exactly once when a pending request settles,
// either by a matching reply or by timeout.
type Callback func(status Status, response json.RawMessage)

type pending struct {
	timer *time.Timer
	cb    Callback
	fired bool
}

// Registry maps outstanding sequence ids to their pending-reply
// record. Exactly one PendingReply entry exists per in-flight request
// (spec §8 invariant); the entry is removed on the first of reply,
// timeout, or explicit cancellation.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*pending
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{pending: make(map[string]*pending)}
}

// Register records a pending reply for seq, arming a deadline timer.
// If the timer fires before Resolve is called, cb is invoked with
// StatusTimeout and the entry is removed; any later-arriving reply for
// this seq is then silently discarded (Resolve returns false).
func (r *Registry) Register(seq string, timeout time.Duration, cb Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := &pending{cb: cb}
	p.timer = time.AfterFunc(timeout, func() {
		r.settle(seq, p, StatusTimeout, nil)
	})
	r.pending[seq] = p
}

// Resolve settles the pending reply for seq with status/response. It
// returns false if no pending entry exists for seq (already settled,
// timed out, or never registered) — in which case the reply must be
// discarded.
func (r *Registry) Resolve(seq string, status Status, response json.RawMessage) bool {
	r.mu.Lock()
	p, ok := r.pending[seq]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return r.settle(seq, p, status, response)
}

func (r *Registry) settle(seq string, p *pending, status Status, response json.RawMessage) bool {
	r.mu.Lock()
	cur, ok := r.pending[seq]
	if !ok || cur != p {
		r.mu.Unlock()
		return false
	}
	if p.fired {
		r.mu.Unlock()
		return false
	}
	p.fired = true
	delete(r.pending, seq)
	r.mu.Unlock()

	p.timer.Stop()
	p.cb(status, response)
	return true
}

// CancelAll settles every outstanding pending reply as a timeout. Used
// when the owning Link closes; per spec §4.12 the channel's upstream
// user is responsible for re-issuing the operation if appropriate.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	all := make([]struct {
		seq string
		p   *pending
	}, 0, len(r.pending))
	for seq, p := range r.pending {
		all = append(all, struct {
			seq string
			p   *pending
		}{seq, p})
	}
	r.mu.Unlock()

	for _, entry := range all {
		r.settle(entry.seq, entry.p, StatusTimeout, nil)
	}
}

// Len reports the number of outstanding pending replies, for tests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
