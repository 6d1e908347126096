package busserver

import (
	"context"

	"go.uber.org/zap"

	"channelbus/internal/busauth"
	"channelbus/internal/core/network"
	"channelbus/internal/fabric"
	"channelbus/internal/link"
	"channelbus/internal/presence"
	"channelbus/internal/wire"
)

// Server owns the process-wide registries and collaborators: the
// connection/channel registry, the presence store, the fabric
// adapter, and (optionally) the auth verifier. One Server instance
// backs one process; HandleLink is called once per accepted
// connection.
type Server struct {
	logger        *zap.Logger
	registry      *Registry
	presenceStore *presence.Store
	fabricAdapter *fabric.Adapter
	authVerifier  busauth.Verifier
}

// Option configures optional Server behavior.
type Option func(*Server)

// WithAuthVerifier enables join-time token verification and channel
// ACL enforcement (spec §6 auth collaborator). Without this option
// every join is accepted unconditionally.
func WithAuthVerifier(v busauth.Verifier) Option {
	return func(s *Server) { s.authVerifier = v }
}

// NewServer constructs a Server. pubsub is the external fabric
// transport (spec §4.11); nil disables cross-instance relay but
// leaves local fan-out and presence fully functional (the "fabric
// outage" degraded mode, spec §4.12). A nil logger falls back to
// zap.NewNop().
func NewServer(pubsub network.PubSub, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		logger:   logger,
		registry: NewRegistry(logger),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.fabricAdapter = fabric.New(pubsub, logger, s.handleFabricBroadcast)
	s.presenceStore = presence.NewStore(pubsub, s.fabricAdapter.InstanceID(), logger, s.notifyPresenceDiff)
	return s
}

// InstanceID returns this server's fabric InstanceId.
func (s *Server) InstanceID() string { return s.fabricAdapter.InstanceID() }

// Registry exposes the channel registry for the HTTP surface
// (GET /api/channels/:topic, GET /health).
func (s *Server) Registry() *Registry { return s.registry }

// handleFabricBroadcast is the fabric.Handler invoked for a relayed
// broadcast originating on another instance: local fan-out skips no
// one, since the originating instance already handled its own local
// peers directly (spec §4.9 "cross-instance delivery").
func (s *Server) handleFabricBroadcast(evt fabric.Event) {
	raw, err := encodeFrame(evt.Topic, evt.Event, evt.Payload)
	if err != nil {
		s.logger.Warn("busserver failed to encode relayed broadcast", zap.Error(err))
		return
	}
	s.registry.FanOut(evt.Topic, raw, "", true)
}

// PublishAPIBroadcast injects a broadcast on behalf of the HTTP
// surface (spec §6 POST /api/broadcast): there is no local sender to
// exclude, so every local member receives it. The fabric publication
// carries only the adapter's own InstanceId; no "api" sender identity
// is recorded, so peers cannot distinguish an API broadcast from one
// relayed by a real link.
func (s *Server) PublishAPIBroadcast(topic, event string, payload []byte) (int, error) {
	raw, err := encodeFrame(topic, wire.EventBroadcast, payload)
	if err != nil {
		return 0, err
	}
	count := s.registry.FanOut(topic, raw, "", true)
	if s.fabricAdapter != nil {
		s.fabricAdapter.Publish(topic, wire.EventBroadcast, payload)
	}
	return count, nil
}

// Close releases the presence store's and fabric adapter's fabric
// subscriptions.
func (s *Server) Close() {
	s.presenceStore.Close()
	s.fabricAdapter.Close()
}

// HandleLink runs one accepted Link's read loop until it closes or
// ctx is cancelled, dispatching every frame through the router and
// cleaning up registry/presence state on exit. Per spec §5, frames
// from a single link are processed strictly in arrival order since
// this loop never dispatches concurrently with itself.
func (s *Server) HandleLink(ctx context.Context, lnk link.Link) {
	s.registry.RegisterConn(lnk)
	defer s.cleanupLink(lnk.ID())

	for {
		raw, err := lnk.Receive(ctx)
		if err != nil {
			return
		}
		frame, err := wire.Decode(raw)
		if err != nil {
			s.logger.Debug("busserver dropped malformed frame", zap.String("link", lnk.ID()), zap.Error(err))
			continue
		}
		s.handleFrame(lnk.ID(), frame)
	}
}

// cleanupLink removes every ChannelMember the link held and untracks
// its presence entries across every topic it had joined. Store.RemoveLink
// emits the resulting presence_diff{leaves} to each affected topic's
// remaining members itself via the NotifyFunc wired in NewServer
// (spec §4.10 "on link close").
func (s *Server) cleanupLink(linkID string) {
	s.registry.RemoveConn(linkID)
	s.presenceStore.RemoveLink(linkID)
}
