package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/tandem/server/internal/config"
	"github.com/tandem/server/internal/finalize"
	"github.com/tandem/server/internal/gateway"
	"github.com/tandem/server/internal/logging"
	"github.com/tandem/server/internal/matching"
	"github.com/tandem/server/internal/messaging"
	"github.com/tandem/server/internal/metrics"
	"github.com/tandem/server/internal/presence"
	"github.com/tandem/server/internal/ratelimit"
	"github.com/tandem/server/internal/room"
	"github.com/tandem/server/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logging.Setup(cfg.LogLevel, cfg.LogPretty)

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatal().Str("addr", cfg.RedisAddr).Err(err).Msg("connect to Redis")
	}

	store := presence.NewStore(rdb)
	engine := matching.NewEngine(rdb, cfg.StaleAfter())
	finalizer := finalize.NewFinalizer(rdb, cfg.StreamKey)
	for _, load := range []func(context.Context) error{store.Load, engine.Load, finalizer.Load} {
		if err := load(ctx); err != nil {
			cancel()
			log.Fatal().Err(err).Msg("load scripts")
		}
	}
	cancel()

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "tandem-" + cfg.ServerName
	nc, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatal().Str("url", cfg.NATSURL).Err(err).Msg("connect to NATS")
	}

	relay := room.NewRelay(store)
	relay.SetFanout(messaging.NewRoomFanout(nc, relay.Receive))
	notifier := messaging.NewMatchNotifier(nc)

	gw := gateway.New(gateway.Deps{
		Relay:     relay,
		Matcher:   matching.NewService(engine, notifier),
		Matches:   notifier,
		Finalizer: finalizer,
		Presence:  store,
		Limiter:   ratelimit.NewLimiter(rdb),
	})

	wsConfig := ws.DefaultServerConfig()
	wsConfig.ListenAddr = cfg.ListenAddr

	dispatcher := ws.NewMessageDispatcher()
	server := ws.NewServer(wsConfig, dispatcher.Dispatch)
	server.Handle("/metrics", metrics.Handler())
	gw.Attach(server, dispatcher)

	log.Info().
		Str("server", cfg.ServerName).
		Str("listen_addr", wsConfig.ListenAddr).
		Str("redis_addr", cfg.RedisAddr).
		Str("nats_url", cfg.NATSURL).
		Str("stream", cfg.StreamKey).
		Dur("stale_after", cfg.StaleAfter()).
		Msg("tandem websocket server starting")

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		log.Fatal().Err(err).Msg("server error")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	// Connections leave their rooms while NATS and Redis are still up.
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
	nc.Close()
	if err := rdb.Close(); err != nil {
		log.Error().Err(err).Msg("close Redis")
	}
}
