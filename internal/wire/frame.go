// Package wire implements the framing codec: wire frames are ordered
// 5-tuples of (join_ref, ref, topic, event, payload), rendered on the
// transport as a JSON array.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// SystemTopic is the reserved topic for transport-level messages
// (heartbeat and its reply).
const SystemTopic = "$system"

// Event names recognized by the router and the client channel state
// machine.
const (
	EventJoin          = "chan:join"
	EventLeave         = "chan:leave"
	EventReply         = "chan:reply"
	EventClose         = "chan:close"
	EventError         = "chan:error"
	EventAccessToken   = "access_token"
	EventBroadcast     = "broadcast"
	EventPresence      = "presence"
	EventPresenceState = "presence_state"
	EventPresenceDiff  = "presence_diff"
	EventHeartbeat     = "heartbeat"
)

// Reply status values carried in a chan:reply payload.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// ErrMalformedFrame signals that a decoded byte string was not a
// well-formed wire frame. Callers must drop the frame and keep the
// link open; they must never treat this as fatal.
var ErrMalformedFrame = errors.New("wire: malformed frame")

// Frame is the 5-tuple exchanged over the duplex link. JoinRef and Ref
// are nullable: a nil Ref designates a fire-and-forget notification
// (a forwarded broadcast, a presence snapshot/diff); a non-nil Ref
// designates a request expecting a reply, or the reply itself.
type Frame struct {
	JoinRef *string
	Ref     *string
	Topic   string
	Event   string
	Payload json.RawMessage
}

// wireTuple is the exact on-wire shape: a bare JSON array.
type wireTuple [5]json.RawMessage

// Encode renders the frame as its wire-format JSON array. It fails
// only if Payload (or the null markers) cannot be marshaled, which in
// practice means Payload itself is not JSON-serializable.
func (f Frame) Encode() ([]byte, error) {
	joinRef, err := encodeNullableString(f.JoinRef)
	if err != nil {
		return nil, fmt.Errorf("wire: encode join_ref: %w", err)
	}
	ref, err := encodeNullableString(f.Ref)
	if err != nil {
		return nil, fmt.Errorf("wire: encode ref: %w", err)
	}
	topic, err := json.Marshal(f.Topic)
	if err != nil {
		return nil, fmt.Errorf("wire: encode topic: %w", err)
	}
	event, err := json.Marshal(f.Event)
	if err != nil {
		return nil, fmt.Errorf("wire: encode event: %w", err)
	}
	payload := f.Payload
	if payload == nil {
		payload = json.RawMessage("null")
	}
	return json.Marshal(wireTuple{joinRef, ref, topic, event, payload})
}

// Decode parses a wire frame. Per spec, decoding never aborts the
// link: any structural problem (not valid JSON, not an array, wrong
// length) returns ErrMalformedFrame and the caller drops the frame.
func Decode(raw []byte) (Frame, error) {
	var tuple []json.RawMessage
	if err := json.Unmarshal(raw, &tuple); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if len(tuple) != 5 {
		return Frame{}, fmt.Errorf("%w: expected 5 elements, got %d", ErrMalformedFrame, len(tuple))
	}

	joinRef, err := decodeNullableString(tuple[0])
	if err != nil {
		return Frame{}, fmt.Errorf("%w: join_ref: %v", ErrMalformedFrame, err)
	}
	ref, err := decodeNullableString(tuple[1])
	if err != nil {
		return Frame{}, fmt.Errorf("%w: ref: %v", ErrMalformedFrame, err)
	}
	var topic string
	if err := json.Unmarshal(tuple[2], &topic); err != nil {
		return Frame{}, fmt.Errorf("%w: topic: %v", ErrMalformedFrame, err)
	}
	var event string
	if err := json.Unmarshal(tuple[3], &event); err != nil {
		return Frame{}, fmt.Errorf("%w: event: %v", ErrMalformedFrame, err)
	}

	return Frame{
		JoinRef: joinRef,
		Ref:     ref,
		Topic:   topic,
		Event:   event,
		Payload: tuple[4],
	}, nil
}

func encodeNullableString(s *string) (json.RawMessage, error) {
	if s == nil {
		return json.RawMessage("null"), nil
	}
	return json.Marshal(*s)
}

func decodeNullableString(raw json.RawMessage) (*string, error) {
	if string(raw) == "null" {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Str is a small convenience for building a non-nil *string, used
// throughout callers that construct frames.
func Str(s string) *string { return &s }
