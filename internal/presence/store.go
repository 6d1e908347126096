package presence

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"channelbus/internal/core/network"
)

// FabricTopic is the well-known fabric topic presence track/untrack
// events are relayed over, so every server instance's Store converges
// on the same per-topic membership (spec §4.10).
const FabricTopic = "$presence"

type storedEntry struct {
	ref    string
	meta   json.RawMessage
	linkID string
	remote bool
}

// fabricEvent no longer carries its own instance id: network.PubSub
// tags and filters publisher identity at the transport level, so
// consumeFabric only ever receives events that originated elsewhere.
type fabricEvent struct {
	Type  string          `json:"type"` // "track" | "untrack"
	Topic string          `json:"topic"`
	Key   string          `json:"key"`
	Ref   string          `json:"ref"`
	Meta  json.RawMessage `json:"meta,omitempty"`
}

// NotifyFunc is invoked whenever a topic's presence membership changes,
// whether from a local track/untrack or a relayed fabric event, so the
// owner can push the resulting diff to that topic's local members.
type NotifyFunc func(topic string, diff Diff)

// Store is the server-side presence registry (spec §4.10): per topic,
// key -> ordered list of entries, each tagged with its owning link so
// that a link close can remove exactly what it owns. Cross-instance
// convergence is driven by publishing track/untrack to the fabric and
// applying peers' events as the remote half of the same per-topic map,
// mirroring the teacher's local/remote split for matchmaking state.
type Store struct {
	mu         sync.Mutex
	pubsub     network.PubSub
	instanceID string
	topics     map[string]map[string][]storedEntry
	linkTopics map[string]map[string]bool
	notify     NotifyFunc
	logger     *zap.Logger
	cancel     func()
}

// NewStore constructs a Store and starts consuming fabric presence
// events. pubsub may be nil for tests that only exercise single-instance
// behavior; no fabric relay happens in that case. A nil logger falls
// back to zap.NewNop().
func NewStore(pubsub network.PubSub, instanceID string, logger *zap.Logger, notify NotifyFunc) *Store {
	if notify == nil {
		notify = func(string, Diff) {}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		pubsub:     pubsub,
		instanceID: instanceID,
		topics:     make(map[string]map[string][]storedEntry),
		linkTopics: make(map[string]map[string]bool),
		notify:     notify,
		logger:     logger,
	}
	if pubsub != nil {
		ch, cancel, err := pubsub.Subscribe(FabricTopic, instanceID)
		if err != nil {
			logger.Warn("presence fabric subscribe failed", zap.Error(err))
		} else {
			s.cancel = cancel
			go s.consumeFabric(ch)
		}
	}
	return s
}

// Close stops consuming fabric presence events.
func (s *Store) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Track registers or updates a presence entry for (topic, linkID, key).
// A re-track from the same link/key keeps its existing presence-ref and
// only replaces the meta (spec: "replaced on re-track by same key from
// same link"). The returned diff always carries the resulting entry as
// a join, matching two-consecutive-tracks producing one final state.
func (s *Store) Track(topic, linkID, key string, meta json.RawMessage) (string, Diff) {
	s.mu.Lock()
	entry := s.trackLocked(topic, linkID, key, meta, false)
	s.mu.Unlock()

	diff := Diff{Joins: KeyList{key: {Entry{PresenceRef: entry.ref, Meta: entry.meta}}}}
	s.notify(topic, diff)
	s.publishFabric(fabricEvent{Type: "track", Topic: topic, Key: key, Ref: entry.ref, Meta: meta})
	return entry.ref, diff
}

func (s *Store) trackLocked(topic, linkID, key string, meta json.RawMessage, remote bool) storedEntry {
	return s.trackRefLocked(topic, linkID, key, meta, remote, "")
}

// trackRefLocked is trackLocked with an optional fixed ref, used when
// relaying a remote instance's track event so the local shadow entry
// carries the same presence-ref the origin instance minted.
func (s *Store) trackRefLocked(topic, linkID, key string, meta json.RawMessage, remote bool, ref string) storedEntry {
	if s.topics[topic] == nil {
		s.topics[topic] = make(map[string][]storedEntry)
	}
	entries := s.topics[topic][key]
	for i, e := range entries {
		if e.linkID == linkID && e.remote == remote && (ref == "" || e.ref == ref) {
			entries[i].meta = meta
			s.markLinkTopic(linkID, topic, remote)
			return entries[i]
		}
	}
	if ref == "" {
		ref = uuid.NewString()
	}
	e := storedEntry{ref: ref, meta: meta, linkID: linkID, remote: remote}
	s.topics[topic][key] = append(entries, e)
	s.markLinkTopic(linkID, topic, remote)
	return e
}

func (s *Store) markLinkTopic(linkID, topic string, remote bool) {
	if remote {
		return
	}
	if s.linkTopics[linkID] == nil {
		s.linkTopics[linkID] = make(map[string]bool)
	}
	s.linkTopics[linkID][topic] = true
}

// Untrack removes the presence entry owned by (topic, linkID, key). A
// second untrack for an already-removed entry is a no-op and ok is
// false.
func (s *Store) Untrack(topic, linkID, key string) (Diff, bool) {
	s.mu.Lock()
	entry, ok := s.untrackLocked(topic, linkID, key, false)
	s.mu.Unlock()
	if !ok {
		return Diff{}, false
	}

	diff := Diff{Leaves: KeyList{key: {Entry{PresenceRef: entry.ref, Meta: entry.meta}}}}
	s.notify(topic, diff)
	s.publishFabric(fabricEvent{Type: "untrack", Topic: topic, Key: key, Ref: entry.ref})
	return diff, true
}

func (s *Store) untrackLocked(topic, linkID, key string, remote bool) (storedEntry, bool) {
	entries := s.topics[topic][key]
	for i, e := range entries {
		if e.linkID == linkID && e.remote == remote {
			removed := e
			entries = append(entries[:i], entries[i+1:]...)
			if len(entries) == 0 {
				delete(s.topics[topic], key)
			} else {
				s.topics[topic][key] = entries
			}
			return removed, true
		}
	}
	return storedEntry{}, false
}

// RemoveLink removes every local entry owned by linkID, across every
// topic it had tracked presence in, returning the resulting diff per
// affected topic. Used when the owning link closes.
func (s *Store) RemoveLink(linkID string) map[string]Diff {
	s.mu.Lock()
	topicsForLink := s.linkTopics[linkID]
	delete(s.linkTopics, linkID)
	out := make(map[string]Diff, len(topicsForLink))
	for topic := range topicsForLink {
		for key := range s.topics[topic] {
			if entry, ok := s.untrackLocked(topic, linkID, key, false); ok {
				d := out[topic]
				if d.Leaves == nil {
					d.Leaves = make(KeyList)
				}
				d.Leaves[key] = append(d.Leaves[key], Entry{PresenceRef: entry.ref, Meta: entry.meta})
				out[topic] = d
			}
		}
	}
	s.mu.Unlock()

	for topic, diff := range out {
		s.notify(topic, diff)
		for key, entries := range diff.Leaves {
			for _, e := range entries {
				s.publishFabric(fabricEvent{Type: "untrack", Topic: topic, Key: key, Ref: e.PresenceRef})
			}
		}
	}
	return out
}

// EntryCount returns the total number of presence entries currently
// tracked for topic, local and remote combined (spec §6
// MaxPresenceEntriesPerChannel).
func (s *Store) EntryCount(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, entries := range s.topics[topic] {
		total += len(entries)
	}
	return total
}

// Snapshot returns the current presence state for topic, combining
// local and remote entries, suitable for a presence_state frame.
func (s *Store) Snapshot(topic string) KeyList {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(KeyList)
	for key, entries := range s.topics[topic] {
		for _, e := range entries {
			out[key] = append(out[key], Entry{PresenceRef: e.ref, Meta: e.meta})
		}
	}
	return out
}

func (s *Store) publishFabric(evt fabricEvent) {
	if s.pubsub == nil {
		return
	}
	raw, err := json.Marshal(evt)
	if err != nil {
		s.logger.Warn("presence fabric marshal failed", zap.Error(err))
		return
	}
	if err := s.pubsub.Publish(FabricTopic, s.instanceID, raw); err != nil {
		s.logger.Warn("presence fabric publish failed", zap.String("topic", evt.Topic), zap.Error(err))
	}
}

func (s *Store) consumeFabric(ch <-chan network.Message) {
	for msg := range ch {
		var evt fabricEvent
		if err := json.Unmarshal(msg.Payload, &evt); err != nil {
			continue
		}
		linkID := "$remote:" + msg.InstanceID

		switch evt.Type {
		case "track":
			s.mu.Lock()
			s.trackRefLocked(evt.Topic, linkID, evt.Key, evt.Meta, true, evt.Ref)
			s.mu.Unlock()
			s.notify(evt.Topic, Diff{Joins: KeyList{evt.Key: {{PresenceRef: evt.Ref, Meta: evt.Meta}}}})
		case "untrack":
			s.mu.Lock()
			s.untrackByRefLocked(evt.Topic, evt.Key, evt.Ref)
			s.mu.Unlock()
			s.notify(evt.Topic, Diff{Leaves: KeyList{evt.Key: {{PresenceRef: evt.Ref}}}})
		}
	}
}

func (s *Store) untrackByRefLocked(topic, key, ref string) {
	entries := s.topics[topic][key]
	for i, e := range entries {
		if e.ref == ref {
			entries = append(entries[:i], entries[i+1:]...)
			if len(entries) == 0 {
				delete(s.topics[topic], key)
			} else {
				s.topics[topic][key] = entries
			}
			return
		}
	}
}
