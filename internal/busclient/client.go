// Package busclient implements the client-side mirror of the bus: one
// Client owns a single Link and multiplexes any number of Channels
// over it (spec §4.2-§4.7), reusing the teacher's locked-state-machine
// idiom (a guarding mutex plus copy-out accessors) generalized from
// room/player bookkeeping to channel/presence bookkeeping.
package busclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"channelbus/internal/heartbeat"
	"channelbus/internal/link"
	"channelbus/internal/reconnect"
	"channelbus/internal/sender"
	"channelbus/internal/seqid"
	"channelbus/internal/wire"
)

// DefaultReplyTimeout bounds how long a request waits for its reply
// before the pending-reply registry declares a timeout.
const DefaultReplyTimeout = 10 * time.Second

// DefaultHeartbeatInterval matches spec §4.3's default.
const DefaultHeartbeatInterval = 25 * time.Second

var ErrAlreadyJoined = errors.New("busclient: channel is already joined")
var ErrClientClosed = errors.New("busclient: client is closed")

// Dialer opens a fresh Link, invoked on initial Connect and on every
// scheduled reconnect attempt.
type Dialer func(ctx context.Context) (link.Link, error)

// TokenFunc resolves the bearer token sent with chan:join. Returning
// ("", nil) omits access_token from the join payload.
type TokenFunc func(ctx context.Context) (string, error)

// Client owns one Link and every Channel multiplexed over it.
type Client struct {
	dial    Dialer
	tokenFn TokenFunc
	logger  *zap.Logger

	mu       sync.Mutex
	lnk      link.Link
	channels map[string]*Channel
	closed   bool

	alloc    seqid.Allocator
	pending  *seqid.Registry
	outbound *sender.Buffer
	wake     chan struct{}

	hb                *heartbeat.Engine
	reconnect         *reconnect.Scheduler
	reconnectSchedule []time.Duration

	readCancel context.CancelFunc
}

// Option configures optional Client behavior.
type Option func(*Client)

// WithTokenFunc sets the async bearer-token retrieval function.
func WithTokenFunc(fn TokenFunc) Option { return func(c *Client) { c.tokenFn = fn } }

// WithLogger sets the structured logger; defaults to zap.NewNop().
func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.logger = l } }

// WithReconnectSchedule overrides the default transport backoff
// schedule (spec §4.4).
func WithReconnectSchedule(schedule []time.Duration) Option {
	return func(c *Client) { c.reconnectSchedule = schedule }
}

// New constructs a Client. dial is invoked to establish the initial
// Link and every reconnect attempt thereafter.
func New(dial Dialer, opts ...Option) *Client {
	c := &Client{
		dial:     dial,
		logger:   zap.NewNop(),
		channels: make(map[string]*Channel),
		pending:  seqid.NewRegistry(),
		outbound: sender.NewBuffer(wire.SendBufferCap),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.reconnect = reconnect.New(c.reconnectSchedule, c.onReconnectAttempt)
	c.hb = heartbeat.New(DefaultHeartbeatInterval, c.sendHeartbeat, c.onHeartbeatTimeout, nil)
	return c
}

func (c *Client) triggerWrite() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Connect dials the initial Link and starts the read/write/heartbeat
// loops.
func (c *Client) Connect(ctx context.Context) error {
	lnk, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("busclient: dial failed: %w", err)
	}
	c.mu.Lock()
	c.lnk = lnk
	c.mu.Unlock()

	c.startLoops()
	c.hb.Start()
	c.reconnect.Reset()
	return nil
}

func (c *Client) startLoops() {
	ctx, cancel := context.WithCancel(context.Background())
	c.readCancel = cancel
	go c.writeLoop()
	go c.readLoop(ctx)
}

// Disconnect cleanly shuts the Client down: the heartbeat engine and
// reconnect scheduler stop, every pending reply is cancelled, and the
// Link closes without arming a further reconnect attempt.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	lnk := c.lnk
	c.mu.Unlock()

	c.reconnect.Cancel()
	c.hb.Stop()
	if c.readCancel != nil {
		c.readCancel()
	}
	c.pending.CancelAll()
	if lnk != nil {
		return lnk.Close("client disconnect")
	}
	return nil
}

func (c *Client) writeLoop() {
	for range c.wake {
		c.mu.Lock()
		closed := c.closed
		lnk := c.lnk
		c.mu.Unlock()
		if closed || lnk == nil {
			continue
		}
		for _, raw := range c.outbound.Drain() {
			if err := lnk.Send(raw); err != nil {
				c.logger.Warn("busclient send failed", zap.Error(err))
				c.outbound.Push(raw)
				break
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		lnk := c.lnk
		c.mu.Unlock()
		if lnk == nil {
			return
		}
		raw, err := lnk.Receive(ctx)
		if err != nil {
			c.handleLinkDown()
			return
		}
		frame, err := wire.Decode(raw)
		if err != nil {
			c.logger.Debug("busclient dropped malformed frame", zap.Error(err))
			continue
		}
		c.dispatch(frame)
	}
}

func (c *Client) dispatch(f wire.Frame) {
	switch f.Event {
	case wire.EventReply:
		if f.Ref == nil {
			return
		}
		var reply wire.ReplyPayload
		if err := json.Unmarshal(f.Payload, &reply); err != nil {
			return
		}
		status := seqid.StatusOK
		if reply.Status == wire.StatusError {
			status = seqid.StatusError
		}
		c.pending.Resolve(*f.Ref, status, reply.Response)
	case wire.EventPresenceState, wire.EventPresenceDiff, wire.EventBroadcast, wire.EventPresence:
		ch := c.channel(f.Topic)
		if ch != nil {
			ch.handleInbound(f)
		}
	default:
		c.logger.Debug("busclient ignored unknown event", zap.String("event", f.Event))
	}
}

func (c *Client) handleLinkDown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.lnk = nil
	channels := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.mu.Unlock()

	c.hb.OnDisconnected()
	c.pending.CancelAll()
	for _, ch := range channels {
		ch.onTransportDown()
	}
	c.reconnect.Arm()
}

func (c *Client) onReconnectAttempt(attempt int) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	lnk, err := c.dial(context.Background())
	if err != nil {
		c.logger.Warn("busclient reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		c.reconnect.Arm()
		return
	}

	c.mu.Lock()
	c.lnk = lnk
	channels := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.mu.Unlock()

	c.startLoops()
	c.hb.Start()
	c.reconnect.Reset()

	for _, ch := range channels {
		ch.onTransportUp()
	}
}

func (c *Client) sendHeartbeat() error {
	seq := c.alloc.Next()
	c.pending.Register(seq, DefaultReplyTimeout, func(status seqid.Status, _ json.RawMessage) {
		if status == seqid.StatusOK {
			c.hb.OnReply()
		}
	})
	frame := wire.Frame{Ref: wire.Str(seq), Topic: wire.SystemTopic, Event: wire.EventHeartbeat, Payload: json.RawMessage("null")}
	raw, err := frame.Encode()
	if err != nil {
		return err
	}
	c.outbound.Push(raw)
	c.triggerWrite()
	return nil
}

func (c *Client) onHeartbeatTimeout(reason string) {
	c.mu.Lock()
	lnk := c.lnk
	c.mu.Unlock()
	if lnk != nil {
		lnk.Close(reason)
	}
}

// channel returns the Channel registered for topic, or nil.
func (c *Client) channel(topic string) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[topic]
}

// Channel returns the Channel for topic, creating it if absent. Per
// spec §3 invariant, at most one Channel exists per topic per Client.
func (c *Client) Channel(topic string, cfg ChannelConfig) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.channels[topic]; ok {
		return ch
	}
	ch := newChannel(c, topic, cfg)
	c.channels[topic] = ch
	return ch
}

// request sends a frame expecting a chan:reply and blocks until it
// settles or ctx is done, returning the allocated sequence alongside
// the reply so callers that need to fix a join-sequence (spec §4.6)
// can capture it. joinRef may be nil for system-topic/pre-join
// requests.
func (c *Client) request(ctx context.Context, joinRef *string, topic, event string, payload any, timeout time.Duration) (string, wire.ReplyPayload, error) {
	seq := c.alloc.Next()
	done := make(chan wire.ReplyPayload, 1)
	c.pending.Register(seq, timeout, func(status seqid.Status, response json.RawMessage) {
		switch status {
		case seqid.StatusOK:
			done <- wire.ReplyPayload{Status: wire.StatusOK, Response: response}
		case seqid.StatusError:
			done <- wire.ReplyPayload{Status: wire.StatusError, Response: response}
		default:
			done <- wire.ReplyPayload{Status: wire.StatusError, Response: marshalRaw(wire.ErrorResponse{Reason: "timeout"})}
		}
	})

	frame := wire.Frame{JoinRef: joinRef, Ref: wire.Str(seq), Topic: topic, Event: event, Payload: marshalRaw(payload)}
	raw, err := frame.Encode()
	if err != nil {
		return seq, wire.ReplyPayload{}, err
	}
	c.outbound.Push(raw)
	c.triggerWrite()

	select {
	case reply := <-done:
		return seq, reply, nil
	case <-ctx.Done():
		return seq, wire.ReplyPayload{}, ctx.Err()
	}
}

// notify sends a fire-and-forget frame (seq=nil).
func (c *Client) notify(joinRef *string, topic, event string, payload any) error {
	frame := wire.Frame{JoinRef: joinRef, Topic: topic, Event: event, Payload: marshalRaw(payload)}
	raw, err := frame.Encode()
	if err != nil {
		return err
	}
	c.outbound.Push(raw)
	c.triggerWrite()
	return nil
}
