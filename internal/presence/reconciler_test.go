package presence

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReconcilerAppliesSyncAndReportsState(t *testing.T) {
	var synced KeyList
	r := NewReconciler(func(s KeyList) { synced = s }, nil, nil)

	r.ApplySync(KeyList{"alice": {{PresenceRef: "ref1", Meta: json.RawMessage(`{"status":"online"}`)}}})

	require.Len(t, synced, 1)
	require.Equal(t, r.State(), synced)
}

func TestReconcilerAppliesJoinDiffOnTopOfSync(t *testing.T) {
	var joinedKey string
	var joinedCurrent []Entry
	r := NewReconciler(nil, func(key string, current []Entry) {
		joinedKey = key
		joinedCurrent = current
	}, nil)

	r.ApplySync(KeyList{"alice": {{PresenceRef: "refA"}}})
	r.ApplyDiff(Diff{Joins: KeyList{"bob": {{PresenceRef: "refB", Meta: json.RawMessage(`{"status":"away"}`)}}}})

	require.Equal(t, "bob", joinedKey)
	require.Len(t, joinedCurrent, 1)
	require.Equal(t, "refB", joinedCurrent[0].PresenceRef)

	state := r.State()
	require.Len(t, state, 2)
}

func TestReconcilerAppliesLeaveDiffRemovingEntry(t *testing.T) {
	var leftKey string
	var leftCurrent []Entry
	r := NewReconciler(nil, nil, func(key string, current []Entry) {
		leftKey = key
		leftCurrent = current
	})

	r.ApplySync(KeyList{"alice": {{PresenceRef: "refA"}}})
	r.ApplyDiff(Diff{Leaves: KeyList{"alice": {{PresenceRef: "refA"}}}})

	require.Equal(t, "alice", leftKey)
	require.Empty(t, leftCurrent)
	require.NotContains(t, r.State(), "alice")
}

func TestReconcilerAppliesLeavesBeforeJoinsWithinOneDiff(t *testing.T) {
	// A single diff replacing alice's entry (leave old ref, join new ref
	// under the same key) must resolve to only the new ref: leaves are
	// applied, and their callbacks fired, before joins.
	var order []string
	r := NewReconciler(nil,
		func(string, []Entry) { order = append(order, "join") },
		func(string, []Entry) { order = append(order, "leave") },
	)

	r.ApplySync(KeyList{"alice": {{PresenceRef: "refOld"}}})
	r.ApplyDiff(Diff{
		Joins:  KeyList{"alice": {{PresenceRef: "refNew"}}},
		Leaves: KeyList{"alice": {{PresenceRef: "refOld"}}},
	})

	require.Equal(t, []string{"leave", "join"}, order)

	state := r.State()
	require.Len(t, state["alice"], 1)
	require.Equal(t, "refNew", state["alice"][0].PresenceRef)
}

func TestReconcilerAppliesDiffBeforeAnySyncAgainstEmptyState(t *testing.T) {
	// Resolves the source's ambiguous ordering: a diff observed before
	// any snapshot is applied immediately against the empty state.
	var joined bool
	r := NewReconciler(nil, func(string, []Entry) { joined = true }, nil)

	r.ApplyDiff(Diff{Joins: KeyList{"alice": {{PresenceRef: "refA"}}}})

	require.True(t, joined)
	require.Contains(t, r.State(), "alice")
}
