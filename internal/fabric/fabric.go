// Package fabric adapts the external cross-instance pub/sub transport
// (spec §4.11) for the bus: it tags every outbound event with the
// owning process's InstanceId and drops inbound events that carry that
// same id, so an instance never re-delivers its own broadcast to
// itself. It is a thin wrapper over the core network.PubSub contract,
// the same collaborator the teacher's matchmaking manager used for
// its own cross-node sync.
package fabric

import (
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"channelbus/internal/core/network"
)

// BroadcastTopic is the fabric topic cross-instance broadcasts relay
// over; distinct from presence.FabricTopic so the two event streams
// never interleave.
const BroadcastTopic = "$broadcast"

// Event is the envelope carried over the fabric for a relayed
// broadcast. Publisher identity is no longer part of this envelope:
// network.PubSub tags and filters it at the transport level, so a
// handler only ever sees events that originated elsewhere.
type Event struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Handler receives a relayed event originating from another instance.
type Handler func(evt Event)

// Adapter wraps a network.PubSub with instance-id tagging and
// self-echo suppression.
type Adapter struct {
	pubsub     network.PubSub
	instanceID string
	logger     *zap.Logger
	cancel     func()
}

// New constructs an Adapter with a freshly minted InstanceId and
// starts delivering inbound events to handle. pubsub may be nil, in
// which case the adapter is a no-op: local fan-out still works (spec
// §4.11's "fabric outage" degraded mode). A nil logger falls back to
// zap.NewNop().
func New(pubsub network.PubSub, logger *zap.Logger, handle Handler) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Adapter{pubsub: pubsub, instanceID: uuid.NewString(), logger: logger}
	if handle == nil {
		handle = func(Event) {}
	}
	if pubsub != nil {
		ch, cancel, err := pubsub.Subscribe(BroadcastTopic, a.instanceID)
		if err != nil {
			logger.Warn("fabric subscribe failed, cross-instance delivery disabled", zap.Error(err))
		} else {
			a.cancel = cancel
			go a.consume(ch, handle)
		}
	}
	return a
}

// InstanceID returns this adapter's process-lifetime identity.
func (a *Adapter) InstanceID() string { return a.instanceID }

// Publish relays a broadcast to peer instances. Failures are logged;
// per spec §4.11 the local fan-out has already completed by the time
// this is called and must not be rolled back on a publish error.
func (a *Adapter) Publish(topic, event string, payload json.RawMessage) {
	if a.pubsub == nil {
		return
	}
	raw, err := json.Marshal(Event{Topic: topic, Event: event, Payload: payload})
	if err != nil {
		a.logger.Warn("fabric marshal failed", zap.Error(err))
		return
	}
	if err := a.pubsub.Publish(BroadcastTopic, a.instanceID, raw); err != nil {
		a.logger.Warn("fabric publish failed", zap.String("topic", topic), zap.Error(err))
	}
}

// Close stops consuming fabric events.
func (a *Adapter) Close() {
	if a.cancel != nil {
		a.cancel()
	}
}

func (a *Adapter) consume(ch <-chan network.Message, handle Handler) {
	for msg := range ch {
		var evt Event
		if err := json.Unmarshal(msg.Payload, &evt); err != nil {
			continue
		}
		handle(evt)
	}
}
