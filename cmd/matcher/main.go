package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/tandem/server/internal/config"
	"github.com/tandem/server/internal/logging"
	"github.com/tandem/server/internal/matching"
	"github.com/tandem/server/internal/metrics"
	"github.com/tandem/server/internal/presence"
)

// The matcher evicts stale waiters from the pool. Pairing itself happens in
// the websocket servers, inside the matching script.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logging.Setup(cfg.LogLevel, cfg.LogPretty)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatal().Str("addr", cfg.RedisAddr).Err(err).Msg("connect to Redis")
	}
	store := presence.NewStore(rdb)
	if err := store.Load(ctx); err != nil {
		cancel()
		log.Fatal().Err(err).Msg("load scripts")
	}
	cancel()

	r := chi.NewRouter()
	r.Handle("/metrics", metrics.Handler())
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("metrics server")
		}
	}()

	log.Info().
		Str("redis_addr", cfg.RedisAddr).
		Str("listen_addr", cfg.ListenAddr).
		Dur("stale_after", cfg.StaleAfter()).
		Msg("tandem matcher running")

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	matching.StartSweeper(runCtx, store, cfg.StaleAfter())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	if err := rdb.Close(); err != nil {
		log.Error().Err(err).Msg("close Redis")
	}
	log.Info().Msg("matcher stopped")
}
