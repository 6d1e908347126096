// Package link defines the duplex transport contract each client
// connection (server side) or each client's connection to the server
// (client side) is built on (spec §4.1): a single ordered byte-message
// stream per link, independent of the concrete transport.
package link

import "context"

// Link is one duplex connection carrying encoded wire frames. A single
// Link multiplexes every topic a client has joined.
type Link interface {
	// Send writes one message frame. Safe for concurrent use.
	Send(raw []byte) error
	// Receive blocks for the next inbound message frame, or returns an
	// error (including ctx cancellation or a closed link).
	Receive(ctx context.Context) ([]byte, error)
	// Close terminates the link with the given reason, used both for
	// clean shutdown and abnormal closes (e.g. a heartbeat timeout).
	Close(reason string) error
	// ID returns a stable identifier for this link's lifetime, used by
	// the server to key connection/channel-member/presence-entry state.
	ID() string
}
