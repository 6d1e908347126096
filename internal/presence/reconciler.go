package presence

import "sync"

// SyncHook fires once after a presence_state snapshot is applied.
type SyncHook func(state KeyList)

// JoinHook fires once per key that gained a new entry, carrying that
// key's full current entry list after the join is applied.
type JoinHook func(key string, current []Entry)

// LeaveHook fires once per key that lost an entry, carrying that key's
// remaining entry list (possibly empty) after the leave is applied.
type LeaveHook func(key string, current []Entry)

// Reconciler maintains one channel's client-side presence state (spec
// §4.7). A presence_diff observed before any presence_state is applied
// immediately against the empty state, per the resolved open question
// on ordering (the source's contradictory branches are resolved here
// in favor of the eager-apply path).
type Reconciler struct {
	mu    sync.Mutex
	state KeyList

	onSync  SyncHook
	onJoin  JoinHook
	onLeave LeaveHook
}

// NewReconciler constructs a Reconciler with an empty initial state.
// Any nil hook is treated as a no-op.
func NewReconciler(onSync SyncHook, onJoin JoinHook, onLeave LeaveHook) *Reconciler {
	if onSync == nil {
		onSync = func(KeyList) {}
	}
	if onJoin == nil {
		onJoin = func(string, []Entry) {}
	}
	if onLeave == nil {
		onLeave = func(string, []Entry) {}
	}
	return &Reconciler{state: make(KeyList), onSync: onSync, onJoin: onJoin, onLeave: onLeave}
}

// ApplySync replaces the entire state with snapshot and fires onSync.
// Called on receiving a presence_state frame.
func (r *Reconciler) ApplySync(snapshot KeyList) {
	r.mu.Lock()
	r.state = cloneKeyList(snapshot)
	snap := cloneKeyList(r.state)
	r.mu.Unlock()
	r.onSync(snap)
}

// ApplyDiff merges leaves then joins into the current state, firing
// onLeave/onJoin per affected key in that same order (spec §4.7 step
// 3: leaves are processed, and their callbacks fired, before joins).
// Applied unconditionally even if no presence_state snapshot has been
// seen yet.
func (r *Reconciler) ApplyDiff(diff Diff) {
	r.mu.Lock()
	leftKeys := make([]string, 0, len(diff.Leaves))
	for key, entries := range diff.Leaves {
		removeRefs := make(map[string]bool, len(entries))
		for _, e := range entries {
			removeRefs[e.PresenceRef] = true
		}
		remaining := r.state[key][:0:0]
		for _, e := range r.state[key] {
			if !removeRefs[e.PresenceRef] {
				remaining = append(remaining, e)
			}
		}
		if len(remaining) == 0 {
			delete(r.state, key)
		} else {
			r.state[key] = remaining
		}
		leftKeys = append(leftKeys, key)
	}

	joinedKeys := make([]string, 0, len(diff.Joins))
	for key, entries := range diff.Joins {
		existing := r.state[key]
		r.state[key] = append(cloneEntries(existing), cloneEntries(entries)...)
		joinedKeys = append(joinedKeys, key)
	}

	currents := make(map[string][]Entry, len(joinedKeys)+len(leftKeys))
	for _, key := range leftKeys {
		currents[key] = cloneEntries(r.state[key])
	}
	for _, key := range joinedKeys {
		currents[key] = cloneEntries(r.state[key])
	}
	r.mu.Unlock()

	for _, key := range leftKeys {
		r.onLeave(key, currents[key])
	}
	for _, key := range joinedKeys {
		r.onJoin(key, currents[key])
	}
}

// State returns a snapshot of the current reconciled presence state.
func (r *Reconciler) State() KeyList {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneKeyList(r.state)
}
