package busserver

import (
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"channelbus/internal/busauth"
	"channelbus/internal/presence"
	"channelbus/internal/wire"
)

// joinConfig is the server-side decode of the chan:join payload's
// nested config object (mirrors busclient.joinConfigPayload; the two
// packages never share a type since neither depends on the other).
type joinConfig struct {
	Broadcast struct {
		Self bool `json:"self"`
		Ack  bool `json:"ack"`
	} `json:"broadcast"`
	Presence struct {
		Key     string `json:"key"`
		Enabled bool   `json:"enabled"`
	} `json:"presence"`
}

type joinPayload struct {
	Config      joinConfig `json:"config"`
	AccessToken *string    `json:"access_token,omitempty"`
}

type presenceEventPayload struct {
	Event   string `json:"event"`
	Payload struct {
		Meta json.RawMessage `json:"meta"`
	} `json:"payload"`
}

// handleFrame routes one inbound frame from linkID per spec §4.8.
func (s *Server) handleFrame(linkID string, f wire.Frame) {
	switch f.Event {
	case wire.EventHeartbeat:
		s.replyOK(linkID, f.Ref, f.Topic, nil)

	case wire.EventJoin:
		s.handleJoin(linkID, f)

	case wire.EventLeave:
		s.handleLeave(linkID, f)

	case wire.EventBroadcast:
		s.handleBroadcast(linkID, f)

	case wire.EventPresence:
		s.handlePresence(linkID, f)

	default:
		s.logger.Debug("busserver ignored unknown event", zap.String("event", f.Event), zap.String("link", linkID))
	}
}

func (s *Server) handleJoin(linkID string, f wire.Frame) {
	if len(f.Topic) > wire.MaxTopicLength {
		s.replyError(linkID, f.Ref, f.Topic, wire.CodeMessageMalformed, "topic exceeds the configured maximum length")
		return
	}

	var payload joinPayload
	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		s.replyError(linkID, f.Ref, f.Topic, wire.CodeMessageMalformed, "malformed join payload")
		return
	}

	if s.authVerifier != nil {
		if payload.AccessToken == nil {
			s.replyError(linkID, f.Ref, f.Topic, wire.CodeAuthMissing, "access_token is required")
			return
		}
		claims, err := s.authVerifier.Verify(*payload.AccessToken)
		if err != nil {
			code := wire.CodeAuthInvalid
			var verr *busauth.VerifyError
			if errors.As(err, &verr) {
				code = verr.Code
			}
			s.replyError(linkID, f.Ref, f.Topic, code, "access token rejected")
			return
		}
		if !s.authVerifier.CanAccessChannel(claims, f.Topic) {
			s.replyError(linkID, f.Ref, f.Topic, wire.CodeAuthForbidden, "token does not authorize this channel")
			return
		}
	}

	if s.registry.MemberCount(f.Topic) >= wire.MaxMembersPerChannel {
		s.replyError(linkID, f.Ref, f.Topic, wire.CodeChannelFull, "channel has reached its member limit")
		return
	}
	if s.registry.LinkSubscriptionCount(linkID) >= wire.MaxSubscriptionsPerLink {
		s.replyError(linkID, f.Ref, f.Topic, wire.CodeSystemOverload, "link has reached its subscription limit")
		return
	}

	member, err := s.registry.Join(f.Topic, linkID, f.Ref, payload.Config.Broadcast.Self, payload.Config.Broadcast.Ack, payload.Config.Presence.Key, payload.Config.Presence.Enabled)
	if err != nil {
		s.replyError(linkID, f.Ref, f.Topic, wire.CodeChannelAlreadyJoined, "already joined this channel")
		return
	}

	s.replyOK(linkID, f.Ref, f.Topic, nil)

	if member.PresenceEnabled {
		snapshot := s.presenceStore.Snapshot(f.Topic)
		s.sendTo(linkID, f.Topic, wire.EventPresenceState, snapshot)
	}
}

func (s *Server) handleLeave(linkID string, f wire.Frame) {
	member, ok := s.registry.Member(f.Topic, linkID)
	if ok && member.PresenceEnabled && member.PresenceKey != "" {
		s.presenceStore.Untrack(f.Topic, linkID, member.PresenceKey)
	}
	s.registry.Leave(f.Topic, linkID)
	s.replyOK(linkID, f.Ref, f.Topic, nil)
}

func (s *Server) handleBroadcast(linkID string, f wire.Frame) {
	member, ok := s.registry.Member(f.Topic, linkID)
	if !ok {
		s.replyError(linkID, f.Ref, f.Topic, wire.CodeChannelForbidden, "not a member of this channel")
		return
	}
	if len(f.Payload) > wire.MaxMessageBytes {
		s.replyError(linkID, f.Ref, f.Topic, wire.CodeMessageTooLarge, "broadcast payload exceeds the configured maximum size")
		return
	}
	var body struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(f.Payload, &body); err == nil && len(body.Event) > wire.MaxEventNameLength {
		s.replyError(linkID, f.Ref, f.Topic, wire.CodeMessageMalformed, "event name exceeds the configured maximum length")
		return
	}

	raw, err := encodeFrame(f.Topic, wire.EventBroadcast, f.Payload)
	if err != nil {
		s.replyError(linkID, f.Ref, f.Topic, wire.CodeMessageMalformed, "could not encode broadcast")
		return
	}
	s.registry.FanOut(f.Topic, raw, linkID, member.BroadcastSelf)
	if s.fabricAdapter != nil {
		s.fabricAdapter.Publish(f.Topic, wire.EventBroadcast, f.Payload)
	}

	if member.BroadcastAck {
		s.replyOK(linkID, f.Ref, f.Topic, nil)
	}
}

func (s *Server) handlePresence(linkID string, f wire.Frame) {
	member, ok := s.registry.Member(f.Topic, linkID)
	if !ok {
		s.replyError(linkID, f.Ref, f.Topic, wire.CodeChannelForbidden, "not a member of this channel")
		return
	}
	if !member.PresenceEnabled {
		s.replyError(linkID, f.Ref, f.Topic, wire.CodePresenceDisabled, "presence is not enabled for this subscription")
		return
	}

	var body presenceEventPayload
	if err := json.Unmarshal(f.Payload, &body); err != nil {
		s.replyError(linkID, f.Ref, f.Topic, wire.CodeMessageMalformed, "malformed presence payload")
		return
	}

	switch body.Event {
	case "track":
		if len(body.Payload.Meta) > wire.MaxPresencePayloadBytes {
			s.replyError(linkID, f.Ref, f.Topic, wire.CodePresenceTooLarge, "presence meta exceeds the configured maximum size")
			return
		}
		if s.presenceStore.EntryCount(f.Topic) >= wire.MaxPresenceEntriesPerChannel {
			s.replyError(linkID, f.Ref, f.Topic, wire.CodeSystemOverload, "channel has reached its presence entry limit")
			return
		}
		// The reply goes out before the store fans out the resulting diff.
		s.replyOK(linkID, f.Ref, f.Topic, nil)
		s.presenceStore.Track(f.Topic, linkID, member.PresenceKey, body.Payload.Meta)
		return
	case "untrack":
		s.replyOK(linkID, f.Ref, f.Topic, nil)
		s.presenceStore.Untrack(f.Topic, linkID, member.PresenceKey)
		return
	}
	s.replyOK(linkID, f.Ref, f.Topic, nil)
}

// notifyPresenceDiff is the presence.NotifyFunc wired into the Store:
// it pushes a presence_diff frame to every local member of topic.
func (s *Server) notifyPresenceDiff(topic string, diff presence.Diff) {
	s.fanOutSystemEvent(topic, wire.EventPresenceDiff, diff)
}

func (s *Server) fanOutSystemEvent(topic, event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("busserver failed to marshal system event", zap.String("event", event), zap.Error(err))
		return
	}
	frame, err := encodeFrame(topic, event, raw)
	if err != nil {
		s.logger.Warn("busserver failed to encode system event", zap.String("event", event), zap.Error(err))
		return
	}
	s.registry.FanOut(topic, frame, "", true)
}

func (s *Server) sendTo(linkID, topic, event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("busserver failed to marshal message", zap.String("event", event), zap.Error(err))
		return
	}
	frame, err := encodeFrame(topic, event, raw)
	if err != nil {
		s.logger.Warn("busserver failed to encode message", zap.String("event", event), zap.Error(err))
		return
	}
	s.writeTo(linkID, frame)
}

func (s *Server) replyOK(linkID string, ref *string, topic string, response any) {
	s.sendReply(linkID, ref, topic, wire.OKReply(response))
}

func (s *Server) replyError(linkID string, ref *string, topic, code, reason string) {
	s.sendReply(linkID, ref, topic, wire.ErrReply(code, reason))
}

func (s *Server) sendReply(linkID string, ref *string, topic string, reply wire.ReplyPayload) {
	if ref == nil {
		return
	}
	raw, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("busserver failed to marshal reply", zap.Error(err))
		return
	}
	frame, err := (wire.Frame{Ref: ref, Topic: topic, Event: wire.EventReply, Payload: raw}).Encode()
	if err != nil {
		s.logger.Warn("busserver failed to encode reply", zap.Error(err))
		return
	}
	s.writeTo(linkID, frame)
}

func (s *Server) writeTo(linkID string, raw []byte) {
	conn := s.registry.Conn(linkID)
	if conn == nil {
		return
	}
	if err := conn.Send(raw); err != nil {
		s.logger.Warn("busserver write failed", zap.String("link", linkID), zap.Error(err))
	}
}
