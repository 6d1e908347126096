package wire

// Observable limits (spec §6).
const (
	MaxMessageBytes              = 100 * 1024 // 100 KiB
	MaxPresencePayloadBytes      = 10 * 1024  // 10 KiB
	MaxTopicLength               = 255
	MaxEventNameLength           = 128
	MaxSubscriptionsPerLink      = 100
	MaxMembersPerChannel         = 10_000
	MaxPresenceEntriesPerChannel = 1000
	SendBufferCap                = 1000
	PreJoinBufferCap             = 100
)
