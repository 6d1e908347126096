package wire

import "encoding/json"

// ReplyPayload is the payload shape carried by an EventReply frame.
type ReplyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
}

// ErrorResponse is the shape of ReplyPayload.Response when Status is
// StatusError.
type ErrorResponse struct {
	Reason     string `json:"reason"`
	Code       string `json:"code,omitempty"`
	RetryAfter int64  `json:"retry_after,omitempty"` // milliseconds, MESSAGE_RATE_LIMITED only
}

// Machine-readable error codes, grouped by taxonomy prefix (spec §7)
// so clients can test "is this an auth failure" with strings.HasPrefix
// against AuthCodePrefix.
const AuthCodePrefix = "AUTH_"

const (
	CodeAuthMissing  = "AUTH_MISSING"
	CodeAuthInvalid  = "AUTH_INVALID"
	CodeAuthExpired  = "AUTH_EXPIRED"
	CodeAuthRevoked  = "AUTH_REVOKED"
	CodeAuthBadSig   = "AUTH_BAD_SIGNATURE"
	CodeAuthForbidden = "AUTH_CHANNEL_FORBIDDEN"

	CodeChannelNotFound     = "CHANNEL_NOT_FOUND"
	CodeChannelFull         = "CHANNEL_FULL"
	CodeChannelForbidden    = "CHANNEL_FORBIDDEN"
	CodeChannelAlreadyJoined = "CHANNEL_ALREADY_JOINED"

	CodeMessageTooLarge    = "MESSAGE_TOO_LARGE"
	CodeMessageMalformed   = "MESSAGE_MALFORMED"
	CodeMessageRateLimited = "MESSAGE_RATE_LIMITED"

	CodeSystemOverload     = "SYSTEM_OVERLOAD"
	CodeSystemMaintenance  = "SYSTEM_MAINTENANCE"
	CodeSystemInternal     = "SYSTEM_INTERNAL"

	CodePresenceDisabled      = "PRESENCE_DISABLED"
	CodePresenceTooLarge      = "PRESENCE_PAYLOAD_TOO_LARGE"
	CodePresenceKeyConflict   = "PRESENCE_KEY_CONFLICT"
)

// OKReply builds a successful reply payload.
func OKReply(response any) ReplyPayload {
	raw, _ := json.Marshal(response)
	return ReplyPayload{Status: StatusOK, Response: raw}
}

// ErrReply builds an error reply payload.
func ErrReply(code, reason string) ReplyPayload {
	raw, _ := json.Marshal(ErrorResponse{Reason: reason, Code: code})
	return ReplyPayload{Status: StatusError, Response: raw}
}

// ErrReplyRateLimited builds the MESSAGE_RATE_LIMITED reply, carrying
// the caller-computed retry-after delay (open question (c): this is
// reply-carried, not a fixed client-side backoff).
func ErrReplyRateLimited(reason string, retryAfterMS int64) ReplyPayload {
	raw, _ := json.Marshal(ErrorResponse{Reason: reason, Code: CodeMessageRateLimited, RetryAfter: retryAfterMS})
	return ReplyPayload{Status: StatusError, Response: raw}
}
