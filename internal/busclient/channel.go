package busclient

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"channelbus/internal/presence"
	"channelbus/internal/reconnect"
	"channelbus/internal/sender"
	"channelbus/internal/wire"
)

// State is one of the client Channel's five states (spec §4.6).
type State string

const (
	StateClosed  State = "closed"
	StateJoining State = "joining"
	StateJoined  State = "joined"
	StateLeaving State = "leaving"
	StateErrored State = "errored"
)

var ErrChannelClosed = errors.New("busclient: channel is closed")

type broadcastListener struct {
	event *string // nil matches every event, per the wildcard filter rule
	cb    func(event string, payload json.RawMessage)
}

// Channel is the client-side mirror of one joined (or joining) topic.
// State transitions are guarded by mu; accessors never leak the
// mutable struct, following the teacher's locked-manager idiom.
type Channel struct {
	client *Client
	topic  string

	mu              sync.Mutex
	cfg             ChannelConfig
	state           State
	joinRef         *string
	wasJoined       bool
	lastTrackedMeta json.RawMessage

	preJoin *sender.Buffer
	rejoin  *reconnect.Scheduler

	presenceRec  *presence.Reconciler
	broadcastLis []broadcastListener
	syncLis      []func(presence.KeyList)
	joinLis      []func(key string, current []presence.Entry)
	leaveLis     []func(key string, current []presence.Entry)
}

func newChannel(client *Client, topic string, cfg ChannelConfig) *Channel {
	ch := &Channel{
		client:  client,
		topic:   topic,
		cfg:     cfg,
		state:   StateClosed,
		preJoin: sender.NewBuffer(wire.PreJoinBufferCap),
	}
	ch.rejoin = reconnect.New(nil, ch.onRejoinAttempt)
	ch.presenceRec = presence.NewReconciler(ch.fireSync, ch.fireJoin, ch.fireLeave)
	return ch
}

// State returns the channel's current state.
func (ch *Channel) State() State {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// OnBroadcast registers a listener for broadcast events. event=nil
// matches every broadcast event name (the wildcard filter, spec §4.6).
func (ch *Channel) OnBroadcast(event *string, cb func(event string, payload json.RawMessage)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.broadcastLis = append(ch.broadcastLis, broadcastListener{event: event, cb: cb})
}

// OnPresenceSync registers a presence "sync" listener.
func (ch *Channel) OnPresenceSync(cb func(presence.KeyList)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.syncLis = append(ch.syncLis, cb)
}

// OnPresenceJoin registers a presence "join" listener.
func (ch *Channel) OnPresenceJoin(cb func(key string, current []presence.Entry)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.joinLis = append(ch.joinLis, cb)
}

// OnPresenceLeave registers a presence "leave" listener.
func (ch *Channel) OnPresenceLeave(cb func(key string, current []presence.Entry)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.leaveLis = append(ch.leaveLis, cb)
}

func (ch *Channel) fireSync(state presence.KeyList) {
	ch.mu.Lock()
	lis := append([]func(presence.KeyList){}, ch.syncLis...)
	ch.mu.Unlock()
	for _, cb := range lis {
		cb(state)
	}
}

func (ch *Channel) fireJoin(key string, current []presence.Entry) {
	ch.mu.Lock()
	lis := append([]func(string, []presence.Entry){}, ch.joinLis...)
	ch.mu.Unlock()
	for _, cb := range lis {
		cb(key, current)
	}
}

func (ch *Channel) fireLeave(key string, current []presence.Entry) {
	ch.mu.Lock()
	lis := append([]func(string, []presence.Entry){}, ch.leaveLis...)
	ch.mu.Unlock()
	for _, cb := range lis {
		cb(key, current)
	}
}

// Subscribe performs closed -> joining -> {joined, errored}. A
// subscribe on a channel already joined is idempotent: it immediately
// reports SUBSCRIBED (an ok reply) without re-sending chan:join (spec
// §8's round-trip law), surfacing ErrAlreadyJoined so a caller that
// cares can distinguish the no-op from a fresh join.
func (ch *Channel) Subscribe(ctx context.Context) (wire.ReplyPayload, error) {
	ch.mu.Lock()
	if ch.state == StateJoined {
		ch.mu.Unlock()
		return wire.OKReply(nil), ErrAlreadyJoined
	}
	ch.state = StateJoining
	ch.mu.Unlock()

	var accessToken *string
	if ch.client.tokenFn != nil {
		tok, err := ch.client.tokenFn(ctx)
		if err != nil {
			ch.mu.Lock()
			ch.state = StateErrored
			ch.mu.Unlock()
			return wire.ReplyPayload{}, err
		}
		if tok != "" {
			accessToken = &tok
		}
	}

	payload := joinPayload{Config: ch.cfg.toWire(), AccessToken: accessToken}
	seq, reply, err := ch.client.request(ctx, nil, ch.topic, wire.EventJoin, payload, DefaultReplyTimeout)
	if err != nil {
		ch.onJoinFailed("")
		return wire.ReplyPayload{}, err
	}

	if reply.Status == wire.StatusOK {
		ch.mu.Lock()
		ch.state = StateJoined
		ch.joinRef = wire.Str(seq)
		ch.wasJoined = true
		ch.rejoin.Reset()
		buffered := ch.preJoin.Drain()
		ch.mu.Unlock()
		for _, raw := range buffered {
			ch.client.outbound.Push(raw)
		}
		ch.client.triggerWrite()
		return reply, nil
	}

	var errResp wire.ErrorResponse
	_ = json.Unmarshal(reply.Response, &errResp)
	ch.onJoinFailed(errResp.Code)
	return reply, nil
}

// onJoinFailed handles the error/timeout branch of closed->joining:
// state becomes errored; the rejoin timer is armed unless the failure
// carries an auth-prefixed code (spec §4.6).
func (ch *Channel) onJoinFailed(code string) {
	ch.mu.Lock()
	ch.state = StateErrored
	ch.mu.Unlock()
	if strings.HasPrefix(code, wire.AuthCodePrefix) {
		return
	}
	ch.rejoin.Arm()
}

func (ch *Channel) onRejoinAttempt(int) {
	ch.mu.Lock()
	state := ch.state
	ch.mu.Unlock()
	if state != StateErrored {
		return
	}
	ch.Subscribe(context.Background())
}

// Unsubscribe performs joined -> leaving -> closed.
func (ch *Channel) Unsubscribe(ctx context.Context) (wire.ReplyPayload, error) {
	ch.mu.Lock()
	ch.state = StateLeaving
	joinRef := ch.joinRef
	ch.mu.Unlock()

	_, reply, err := ch.client.request(ctx, joinRef, ch.topic, wire.EventLeave, nil, DefaultReplyTimeout)

	ch.mu.Lock()
	ch.state = StateClosed
	ch.wasJoined = false
	ch.lastTrackedMeta = nil
	ch.rejoin.Cancel()
	ch.mu.Unlock()

	if err != nil {
		return wire.ReplyPayload{}, err
	}
	return reply, nil
}

// Send broadcasts payload under event. If cfg.BroadcastAck is set, the
// call is a request resolved by the server's reply; otherwise it
// enqueues fire-and-forget and resolves immediately as ok. Before the
// channel reaches joined, the frame is held in the pre-join buffer
// and the call resolves ok at once without a reply, whatever
// BroadcastAck says.
func (ch *Channel) Send(ctx context.Context, event string, payload any) (wire.ReplyPayload, error) {
	body := map[string]any{"type": "broadcast", "event": event, "payload": payload}

	ch.mu.Lock()
	joined := ch.state == StateJoined
	joinRef := ch.joinRef
	ack := ch.cfg.BroadcastAck
	ch.mu.Unlock()

	if !joined {
		raw, err := (wire.Frame{JoinRef: joinRef, Topic: ch.topic, Event: wire.EventBroadcast, Payload: marshalRaw(body)}).Encode()
		if err != nil {
			return wire.ReplyPayload{}, err
		}
		ch.preJoin.Push(raw)
		return wire.OKReply(nil), nil
	}

	if ack {
		_, reply, err := ch.client.request(ctx, joinRef, ch.topic, wire.EventBroadcast, body, DefaultReplyTimeout)
		return reply, err
	}
	if err := ch.client.notify(joinRef, ch.topic, wire.EventBroadcast, body); err != nil {
		return wire.ReplyPayload{}, err
	}
	return wire.OKReply(nil), nil
}

// Track issues a presence track request, storing meta for re-track
// after reconnect.
func (ch *Channel) Track(ctx context.Context, meta any) (wire.ReplyPayload, error) {
	ch.mu.Lock()
	joinRef := ch.joinRef
	ch.mu.Unlock()

	body := map[string]any{"event": "track", "payload": map[string]any{"meta": meta}}
	_, reply, err := ch.client.request(ctx, joinRef, ch.topic, wire.EventPresence, body, DefaultReplyTimeout)
	if err == nil && reply.Status == wire.StatusOK {
		ch.mu.Lock()
		ch.lastTrackedMeta = marshalRaw(meta)
		ch.mu.Unlock()
	}
	return reply, err
}

// Untrack issues a presence untrack request and clears stored meta.
func (ch *Channel) Untrack(ctx context.Context) (wire.ReplyPayload, error) {
	ch.mu.Lock()
	joinRef := ch.joinRef
	ch.mu.Unlock()

	body := map[string]any{"event": "untrack"}
	_, reply, err := ch.client.request(ctx, joinRef, ch.topic, wire.EventPresence, body, DefaultReplyTimeout)
	ch.mu.Lock()
	ch.lastTrackedMeta = nil
	ch.mu.Unlock()
	return reply, err
}

// handleInbound dispatches a frame addressed to this channel's topic.
func (ch *Channel) handleInbound(f wire.Frame) {
	switch f.Event {
	case wire.EventBroadcast:
		var body struct {
			Event   string          `json:"event"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(f.Payload, &body); err != nil {
			return
		}
		ch.mu.Lock()
		lis := append([]broadcastListener{}, ch.broadcastLis...)
		ch.mu.Unlock()
		for _, l := range lis {
			if l.event == nil || *l.event == body.Event {
				l.cb(body.Event, f.Payload)
			}
		}
	case wire.EventPresenceState:
		var state presence.KeyList
		if err := json.Unmarshal(f.Payload, &state); err != nil {
			return
		}
		ch.presenceRec.ApplySync(state)
	case wire.EventPresenceDiff:
		var diff presence.Diff
		if err := json.Unmarshal(f.Payload, &diff); err != nil {
			return
		}
		ch.presenceRec.ApplyDiff(diff)
	}
}

// onTransportDown marks the channel errored if it had ever reached
// joined; the Client's own Link-level reconnect timer drives the
// subsequent reopen (spec §4.6 "* -> errored").
func (ch *Channel) onTransportDown() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.wasJoined {
		ch.state = StateErrored
	}
}

// onTransportUp triggers the immediate rejoin described in spec §4.6's
// "joined -> joined" self-loop: if this channel had ever reached
// joined, resubscribe now, then re-track any previously tracked meta.
func (ch *Channel) onTransportUp() {
	ch.mu.Lock()
	wasJoined := ch.wasJoined
	meta := ch.lastTrackedMeta
	ch.mu.Unlock()
	if !wasJoined {
		return
	}

	ctx := context.Background()
	reply, err := ch.Subscribe(ctx)
	if err != nil || reply.Status != wire.StatusOK {
		return
	}
	if meta != nil {
		var decoded any
		if json.Unmarshal(meta, &decoded) == nil {
			ch.Track(ctx, decoded)
		}
	}
}
