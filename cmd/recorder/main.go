package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tandem/server/internal/config"
	"github.com/tandem/server/internal/logging"
	"github.com/tandem/server/internal/recorder"
)

// The recorder is the reference persistence endpoint the relay delivers to.
// Without DATABASE_URL it keeps rooms in memory, which is enough for local
// runs.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logging.Setup(cfg.LogLevel, cfg.LogPretty)

	var store recorder.Store
	if cfg.DatabaseURL == "" {
		log.Warn().Str("module", "recorder").Msg("DATABASE_URL not set, storing rooms in memory")
		store = recorder.NewMemoryStore()
	} else {
		if err := recorder.Migrate(cfg.DatabaseURL); err != nil {
			log.Fatal().Err(err).Msg("migrate")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		pg, err := recorder.NewPostgresStore(ctx, cfg.DatabaseURL)
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("connect to database")
		}
		defer pg.Close()
		store = pg
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           recorder.NewRouter(recorder.NewHandler(store, cfg.SharedSecret)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("module", "recorder").Str("listen_addr", cfg.ListenAddr).Msg("tandem recorder listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("server error")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
}
