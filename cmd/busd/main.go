// Command busd runs the bus server process: it wires the fabric
// adapter, the optional auth verifier, the channel registry and
// message router, the HTTP broadcast/health surface, and the
// websocket accept loop, following the teacher's cmd/apps-web
// flag-plus-ServeMux wiring idiom.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"channelbus/internal/busapi"
	"channelbus/internal/busauth"
	"channelbus/internal/busserver"
	"channelbus/internal/core/network"
	"channelbus/internal/link/wslink"
)

func main() {
	addrFlag := flag.String("addr", envOr("CHANNELBUS_ADDR", ":4000"), "http/websocket listen address")
	fabricFlag := flag.String("fabric", envOr("CHANNELBUS_FABRIC", "memory"), "fabric backend: memory|libp2p")
	authEnabledFlag := flag.Bool("auth-enabled", envOr("CHANNELBUS_AUTH_ENABLED", "false") == "true", "require a verified bearer token on chan:join and POST /api/broadcast")
	authSecretFlag := flag.String("auth-secret", envOr("CHANNELBUS_AUTH_SECRET", ""), "HMAC secret backing the auth verifier, required if auth is enabled")
	heartbeatFlag := flag.Duration("heartbeat-interval", envDurationOr("CHANNELBUS_HEARTBEAT_INTERVAL", 25*time.Second), "server-observed heartbeat reply window (informational; the client drives the interval)")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	var verifier busauth.Verifier
	if *authEnabledFlag {
		if *authSecretFlag == "" {
			sugar.Fatal("auth is enabled but no auth secret was provided (CHANNELBUS_AUTH_SECRET or -auth-secret)")
		}
		verifier = busauth.NewHMACVerifier(*authSecretFlag)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pubsub, closeFabric := newFabric(ctx, *fabricFlag, logger)
	defer closeFabric()

	var opts []busserver.Option
	if verifier != nil {
		opts = append(opts, busserver.WithAuthVerifier(verifier))
	}
	bus := busserver.NewServer(pubsub, logger, opts...)
	defer bus.Close()

	api := busapi.NewServer(bus, verifier)
	mux := http.NewServeMux()
	api.Register(mux)
	mux.HandleFunc("/ws", wsHandler(bus, logger))

	srv := &http.Server{Addr: *addrFlag, Handler: mux}
	go func() {
		sugar.Infow("busd listening", "addr", *addrFlag, "fabric", *fabricFlag, "auth_enabled", *authEnabledFlag, "heartbeat_interval", heartbeatFlag.String(), "instance_id", bus.InstanceID())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalw("http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	sugar.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func wsHandler(bus *busserver.Server, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lnk, err := wslink.Accept(w, r)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		bus.HandleLink(r.Context(), lnk)
	}
}

// newFabric builds the external-fabric transport (spec §4.11). Only
// "memory" and "libp2p" are recognized; anything else degrades to the
// memory backend with a warning rather than failing startup, since a
// single-instance deployment is still fully functional without a real
// fabric (spec §4.12 "fabric outage").
func newFabric(ctx context.Context, kind string, logger *zap.Logger) (network.PubSub, func()) {
	switch kind {
	case "libp2p":
		ps, err := network.NewLibp2pPubSub(ctx, network.Libp2pOptions{EnableMDNS: true})
		if err != nil {
			logger.Warn("libp2p fabric init failed, falling back to in-process memory fabric", zap.Error(err))
			return network.NewMemoryPubSub(), func() {}
		}
		return ps, func() { ps.Close() }
	case "memory", "":
		return network.NewMemoryPubSub(), func() {}
	default:
		logger.Warn("unrecognized fabric backend, falling back to memory", zap.String("fabric", kind))
		return network.NewMemoryPubSub(), func() {}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
