// Package busserver implements the server-side half of the bus: the
// connection and channel registries (spec §4.8-§4.9), the message
// router, and the glue to the presence store and fabric adapter. It
// generalizes the teacher's tetrisroom.Manager locked-registry idiom
// (a guarding mutex, copy-out accessors, Err* sentinel errors) from
// player/room bookkeeping to link/channel-member bookkeeping.
package busserver

import (
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"

	"channelbus/internal/link"
	"channelbus/internal/wire"
)

var (
	ErrAlreadyMember = errors.New("busserver: link is already a member of this channel")
	ErrNotMember     = errors.New("busserver: link is not a member of this channel")
)

// Member is a server-side ChannelMember (spec §3): one link's
// subscription to one topic, with the effective config negotiated at
// join time.
type Member struct {
	LinkID          string
	Topic           string
	JoinRef         *string
	BroadcastSelf   bool
	BroadcastAck    bool
	PresenceKey     string
	PresenceEnabled bool
}

// Registry is the connection registry plus the channel registry: it
// owns every accepted Link by id, and every topic's membership set,
// mirroring the teacher's single-struct players+rooms bookkeeping
// (tetrisroom.Manager) applied to links+channels.
type Registry struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	conns      map[string]link.Link
	topics     map[string]map[string]*Member // topic -> linkID -> member
	linkTopics map[string]map[string]bool    // linkID -> topic set
}

// NewRegistry constructs an empty Registry. A nil logger falls back
// to zap.NewNop().
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger:     logger,
		conns:      make(map[string]link.Link),
		topics:     make(map[string]map[string]*Member),
		linkTopics: make(map[string]map[string]bool),
	}
}

// RegisterConn records a newly accepted Link.
func (r *Registry) RegisterConn(lnk link.Link) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[lnk.ID()] = lnk
}

// RemoveConn drops a closed Link and every ChannelMember it held,
// returning the removed members so the caller can run presence
// cleanup and notify remaining peers per topic.
func (r *Registry) RemoveConn(linkID string) []Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, linkID)

	topicSet := r.linkTopics[linkID]
	delete(r.linkTopics, linkID)

	removed := make([]Member, 0, len(topicSet))
	for topic := range topicSet {
		if m, ok := r.topics[topic][linkID]; ok {
			removed = append(removed, *m)
			delete(r.topics[topic], linkID)
			if len(r.topics[topic]) == 0 {
				delete(r.topics, topic)
			}
		}
	}
	return removed
}

// Join registers linkID as a member of topic. Returns ErrAlreadyMember
// if the link already joined this topic (spec §4.8 "reject if client
// already a member").
func (r *Registry) Join(topic, linkID string, joinRef *string, broadcastSelf, broadcastAck bool, presenceKey string, presenceEnabled bool) (Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.topics[topic] == nil {
		r.topics[topic] = make(map[string]*Member)
	}
	if _, ok := r.topics[topic][linkID]; ok {
		return Member{}, ErrAlreadyMember
	}
	m := &Member{
		LinkID:          linkID,
		Topic:           topic,
		JoinRef:         joinRef,
		BroadcastSelf:   broadcastSelf,
		BroadcastAck:    broadcastAck,
		PresenceKey:     presenceKey,
		PresenceEnabled: presenceEnabled,
	}
	r.topics[topic][linkID] = m
	if r.linkTopics[linkID] == nil {
		r.linkTopics[linkID] = make(map[string]bool)
	}
	r.linkTopics[linkID][topic] = true
	return *m, nil
}

// Leave removes linkID's membership in topic, dropping the topic
// entry entirely once it has no local members left (spec §4.8).
func (r *Registry) Leave(topic, linkID string) (Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.topics[topic][linkID]
	if !ok {
		return Member{}, false
	}
	delete(r.topics[topic], linkID)
	if len(r.topics[topic]) == 0 {
		delete(r.topics, topic)
	}
	if set := r.linkTopics[linkID]; set != nil {
		delete(set, topic)
		if len(set) == 0 {
			delete(r.linkTopics, linkID)
		}
	}
	return *m, true
}

// Member returns a copy of linkID's membership in topic, if any.
func (r *Registry) Member(topic, linkID string) (Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.topics[topic][linkID]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

// Conn returns the Link registered for linkID, or nil.
func (r *Registry) Conn(linkID string) link.Link {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[linkID]
}

// Members returns a membership snapshot for topic (spec §5: "the set
// of recipients is the membership snapshot at fan-out start").
func (r *Registry) Members(topic string) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Member, 0, len(r.topics[topic]))
	for _, m := range r.topics[topic] {
		out = append(out, *m)
	}
	return out
}

// MemberCount returns the number of local members of topic.
func (r *Registry) MemberCount(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics[topic])
}

// LinkSubscriptionCount returns the number of topics linkID currently
// holds a membership in (spec §6 MaxSubscriptionsPerLink).
func (r *Registry) LinkSubscriptionCount(linkID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.linkTopics[linkID])
}

// TotalChannels and TotalMembers back the /health endpoint.
func (r *Registry) TotalChannels() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics)
}

func (r *Registry) TotalMembers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, members := range r.topics {
		total += len(members)
	}
	return total
}

// FanOut writes raw to every local member of topic except sender when
// includeSender is false (spec §4.9). Write failures are logged, not
// fatal to the fan-out; it returns the count of successful deliveries.
func (r *Registry) FanOut(topic string, raw []byte, senderLinkID string, includeSender bool) int {
	members := r.Members(topic)
	r.mu.RLock()
	conns := make(map[string]link.Link, len(members))
	for _, m := range members {
		if conn, ok := r.conns[m.LinkID]; ok {
			conns[m.LinkID] = conn
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, m := range members {
		if m.LinkID == senderLinkID && !includeSender {
			continue
		}
		conn, ok := conns[m.LinkID]
		if !ok {
			continue
		}
		if err := conn.Send(raw); err != nil {
			r.logger.Warn("busserver fan-out write failed", zap.String("topic", topic), zap.String("link", m.LinkID), zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered
}

// encodeFrame builds the fire-and-forget 5-tuple frame used
// for both local fan-out and fabric-relayed delivery (seq and join_seq
// null, spec §4.9 step 1).
func encodeFrame(topic, event string, payload json.RawMessage) ([]byte, error) {
	return (wire.Frame{Topic: topic, Event: event, Payload: payload}).Encode()
}
