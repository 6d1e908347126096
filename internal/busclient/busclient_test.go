package busclient

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"channelbus/internal/link"
	"channelbus/internal/wire"
)

// fakeLink is an in-process link.Link backed by two buffered byte
// channels, standing in for a real transport so the client state
// machine can be exercised without a network.
type fakeLink struct {
	id     string
	toPeer chan []byte
	toSelf chan []byte
	closed chan struct{}
}

func newFakeLinkPair() (*fakeLink, *fakeLink) {
	ab := make(chan []byte, 16)
	ba := make(chan []byte, 16)
	a := &fakeLink{id: "a", toPeer: ab, toSelf: ba, closed: make(chan struct{})}
	b := &fakeLink{id: "b", toPeer: ba, toSelf: ab, closed: make(chan struct{})}
	return a, b
}

func (f *fakeLink) Send(raw []byte) error {
	select {
	case f.toPeer <- raw:
		return nil
	case <-f.closed:
		return context.Canceled
	}
}

func (f *fakeLink) Receive(ctx context.Context) ([]byte, error) {
	select {
	case raw := <-f.toSelf:
		return raw, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.closed:
		return nil, context.Canceled
	}
}

func (f *fakeLink) Close(reason string) error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

func (f *fakeLink) ID() string { return f.id }

var _ link.Link = (*fakeLink)(nil)

// runFakeServer replies ok to every chan:join/chan:leave/heartbeat/
// broadcast(ack) request it sees on serverSide, and echoes broadcasts
// back to itself (self-test only, not fan-out) when echoBroadcast is
// true.
func runFakeServer(t *testing.T, serverSide *fakeLink, echoBroadcast bool) {
	t.Helper()
	go func() {
		ctx := context.Background()
		for {
			raw, err := serverSide.Receive(ctx)
			if err != nil {
				return
			}
			frame, err := wire.Decode(raw)
			if err != nil {
				continue
			}
			switch frame.Event {
			case wire.EventJoin, wire.EventLeave, wire.EventHeartbeat:
				if frame.Ref == nil {
					continue
				}
				reply := wire.Frame{Ref: frame.Ref, Topic: frame.Topic, Event: wire.EventReply, Payload: marshalRaw(wire.OKReply(nil))}
				out, _ := reply.Encode()
				_ = serverSide.Send(out)
			case wire.EventBroadcast:
				if frame.Ref != nil {
					reply := wire.Frame{Ref: frame.Ref, Topic: frame.Topic, Event: wire.EventReply, Payload: marshalRaw(wire.OKReply(nil))}
					out, _ := reply.Encode()
					_ = serverSide.Send(out)
				}
				if echoBroadcast {
					out, _ := frame.Encode()
					_ = serverSide.Send(out)
				}
			case wire.EventPresence:
				if frame.Ref != nil {
					reply := wire.Frame{Ref: frame.Ref, Topic: frame.Topic, Event: wire.EventReply, Payload: marshalRaw(wire.OKReply(nil))}
					out, _ := reply.Encode()
					_ = serverSide.Send(out)
				}
			}
		}
	}()
}

func newTestClient(t *testing.T, echoBroadcast bool) (*Client, *fakeLink) {
	t.Helper()
	clientSide, serverSide := newFakeLinkPair()
	runFakeServer(t, serverSide, echoBroadcast)

	c := New(func(ctx context.Context) (link.Link, error) {
		return clientSide, nil
	})
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Disconnect() })
	return c, clientSide
}

func TestChannelSubscribeTransitionsToJoined(t *testing.T) {
	c, _ := newTestClient(t, false)
	ch := c.Channel("room:1", ChannelConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reply, err := ch.Subscribe(ctx)
	require.NoError(t, err)
	require.Equal(t, wire.StatusOK, reply.Status)
	require.Equal(t, StateJoined, ch.State())
}

func TestChannelSubscribeOnAlreadyJoinedIsIdempotent(t *testing.T) {
	c, _ := newTestClient(t, false)
	ch := c.Channel("room:1", ChannelConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := ch.Subscribe(ctx)
	require.NoError(t, err)
	require.Equal(t, StateJoined, ch.State())

	reply, err := ch.Subscribe(ctx)
	require.ErrorIs(t, err, ErrAlreadyJoined)
	require.Equal(t, wire.StatusOK, reply.Status)
	require.Equal(t, StateJoined, ch.State())
}

func TestChannelUnsubscribeTransitionsToClosed(t *testing.T) {
	c, _ := newTestClient(t, false)
	ch := c.Channel("room:1", ChannelConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := ch.Subscribe(ctx)
	require.NoError(t, err)

	_, err = ch.Unsubscribe(ctx)
	require.NoError(t, err)
	require.Equal(t, StateClosed, ch.State())
}

func TestChannelSendWithAckResolvesOk(t *testing.T) {
	c, _ := newTestClient(t, false)
	ch := c.Channel("room:1", ChannelConfig{BroadcastAck: true})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := ch.Subscribe(ctx)
	require.NoError(t, err)

	reply, err := ch.Send(ctx, "msg", map[string]string{"text": "hi"})
	require.NoError(t, err)
	require.Equal(t, wire.StatusOK, reply.Status)
}

func TestChannelBroadcastListenerReceivesEchoedFrame(t *testing.T) {
	c, _ := newTestClient(t, true)
	ch := c.Channel("room:1", ChannelConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := ch.Subscribe(ctx)
	require.NoError(t, err)

	received := make(chan string, 1)
	ch.OnBroadcast(nil, func(event string, payload json.RawMessage) {
		received <- event
	})

	_, err = ch.Send(ctx, "msg", map[string]string{"text": "hi"})
	require.NoError(t, err)

	select {
	case event := <-received:
		require.Equal(t, "msg", event)
	case <-time.After(time.Second):
		t.Fatal("broadcast listener never fired")
	}
}

func TestChannelTrackStoresMetaForRetrack(t *testing.T) {
	c, _ := newTestClient(t, false)
	ch := c.Channel("room:1", ChannelConfig{PresenceEnabled: true, PresenceKey: "alice"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := ch.Subscribe(ctx)
	require.NoError(t, err)

	reply, err := ch.Track(ctx, map[string]string{"status": "online"})
	require.NoError(t, err)
	require.Equal(t, wire.StatusOK, reply.Status)

	ch.mu.Lock()
	meta := ch.lastTrackedMeta
	ch.mu.Unlock()
	require.JSONEq(t, `{"status":"online"}`, string(meta))
}
