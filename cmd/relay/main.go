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
	"github.com/tandem/server/internal/metrics"
	"github.com/tandem/server/internal/relay"
)

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
	cancel()

	worker := relay.NewWorker(
		relay.NewRedisStream(rdb, cfg.StreamKey, cfg.StreamGroup, cfg.StreamConsumer),
		relay.NewHTTPDeliverer(cfg.FinalizeEndpoint, cfg.SharedSecret, cfg.HTTPTimeout()),
		relay.NewRedisSink(rdb, cfg.StreamDeadList),
		relay.Config{
			Batch:          cfg.StreamBatch,
			Block:          cfg.StreamBlock(),
			MaxRetries:     cfg.StreamMaxRetries,
			InitialBackoff: cfg.InitialBackoff(),
			MaxBackoff:     cfg.MaxBackoff(),
			TrimMaxLen:     cfg.StreamTrimMaxLen,
		},
	)

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
			log.Error().Err(err).Msg("metrics server")
		}
	}()

	log.Info().
		Str("stream", cfg.StreamKey).
		Str("group", cfg.StreamGroup).
		Str("consumer", cfg.StreamConsumer).
		Str("endpoint", cfg.FinalizeEndpoint).
		Str("dead_list", cfg.StreamDeadList).
		Msg("tandem persistence relay starting")

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := worker.Run(runCtx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	if err := rdb.Close(); err != nil {
		log.Error().Err(err).Msg("close Redis")
	}
	if runErr != nil {
		log.Fatal().Err(runErr).Msg("worker failed")
	}
}
