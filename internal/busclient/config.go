package busclient

import "encoding/json"

// ChannelConfig mirrors the wire join payload's config object (spec
// §3 Channel entity / §4.6).
type ChannelConfig struct {
	BroadcastSelf bool `json:"-"`
	BroadcastAck  bool `json:"-"`
	// PresenceKey identifies this member within the channel's presence
	// set, e.g. a user id.
	PresenceKey string `json:"-"`
	// PresenceEnabled gates whether this subscription participates in
	// presence at all. Resolves open question (b): a non-empty
	// PresenceKey with PresenceEnabled=false does NOT enable presence.
	PresenceEnabled bool `json:"-"`
}

// joinConfigPayload is the wire shape of ChannelConfig sent with
// chan:join.
type joinConfigPayload struct {
	Broadcast struct {
		Self bool `json:"self"`
		Ack  bool `json:"ack"`
	} `json:"broadcast"`
	Presence struct {
		Key     string `json:"key,omitempty"`
		Enabled bool   `json:"enabled"`
	} `json:"presence"`
}

func (c ChannelConfig) toWire() joinConfigPayload {
	var p joinConfigPayload
	p.Broadcast.Self = c.BroadcastSelf
	p.Broadcast.Ack = c.BroadcastAck
	p.Presence.Key = c.PresenceKey
	p.Presence.Enabled = c.PresenceEnabled
	return p
}

// presenceEnabled applies the resolved open question (b): enablement
// is governed strictly by the Enabled flag, never inferred from Key.
func (c ChannelConfig) presenceEnabled() bool {
	return c.PresenceEnabled
}

type joinPayload struct {
	Config      joinConfigPayload `json:"config"`
	AccessToken *string           `json:"access_token,omitempty"`
}

func marshalRaw(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return raw
}
