package matching

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tandem/server/internal/metrics"
	"github.com/tandem/server/internal/presence"
)

const sweepInterval = 5 * time.Second

// StartSweeper evicts waiting users that have not been seen for staleAfter
// and keeps the queue-size gauge current. It blocks until ctx is cancelled.
func StartSweeper(ctx context.Context, store *presence.Store, staleAfter time.Duration) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "matcher").Msg("sweeper stopped")
			return
		case now := <-ticker.C:
			sweep(ctx, store, now.Add(-staleAfter))
		}
	}
}

func sweep(ctx context.Context, store *presence.Store, cutoff time.Time) {
	evicted, err := store.EvictStale(ctx, cutoff)
	if err != nil {
		log.Error().Str("module", "matcher").Err(err).Msg("sweep failed")
		return
	}
	if len(evicted) > 0 {
		log.Info().Str("module", "matcher").Int("evicted", len(evicted)).Strs("users", evicted).Msg("evicted stale waiters")
	}

	if n, err := store.AvailableCount(ctx); err == nil {
		metrics.MatchQueueSize.Set(float64(n))
	}
}
