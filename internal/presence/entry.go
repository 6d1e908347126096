// Package presence implements the presence CRDT-like reconciliation
// described for both sides of the bus (spec §4.7 client reconciler,
// §4.10 server store): a full-state snapshot plus incremental diffs,
// keyed by an application-supplied presence key and disambiguated by a
// server-minted presence-ref.
package presence

import "encoding/json"

// Entry is one tracked presence for a given key: a single key may have
// multiple entries, e.g. the same user connected from two links.
type Entry struct {
	PresenceRef string          `json:"presence_ref"`
	Meta        json.RawMessage `json:"meta,omitempty"`
}

// KeyList maps a presence key to its ordered list of entries, the
// shape used for both a full snapshot and each half of a diff.
type KeyList map[string][]Entry

// Diff is the wire shape of a presence_diff frame.
type Diff struct {
	Joins  KeyList `json:"joins"`
	Leaves KeyList `json:"leaves"`
}

func cloneEntries(entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}

func cloneKeyList(kl KeyList) KeyList {
	out := make(KeyList, len(kl))
	for k, v := range kl {
		out[k] = cloneEntries(v)
	}
	return out
}
