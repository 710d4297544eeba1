package maintenance

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"phishlookup/internal/support"
)

const (
	envPruneInterval        = "LISTING_PRUNE_INTERVAL"
	envPruneIntervalMinutes = "LISTING_PRUNE_INTERVAL_MINUTES"

	defaultPruneMinutes = 60
	pruneLockKey        = "phishlookup:leader:listing_prune"
	pruneLockTTL        = 30 * time.Second
)

type Pruner interface {
	PruneListings(ctx context.Context) (int64, error)
}

// StartListingPruneRoutine drops expired members from the listings between
// imports, so they stay small when the importer stops. Only one process runs
// the routine at a time. It blocks until ctx is done.
func StartListingPruneRoutine(ctx context.Context, client *redis.Client, pruner Pruner) {
	lock := support.NewLeaderLock(client, pruneLockKey, pruneLockTTL)
	for ctx.Err() == nil {
		err := lock.Run(ctx, func(leaderCtx context.Context) {
			runPruneLoop(leaderCtx, pruner, resolvePruneInterval())
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Listing prune routine stopped", "error", err)
			return
		}
	}
}

func runPruneLoop(ctx context.Context, pruner Pruner, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	runPrune(ctx, pruner)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runPrune(ctx, pruner)
		}
	}
}

func resolvePruneInterval() time.Duration {
	if raw := support.GetEnv(envPruneInterval, ""); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
			return parsed
		}
		log.Warn("Invalid LISTING_PRUNE_INTERVAL value, falling back to minutes env", "value", raw)
	}

	minutes := support.GetEnvInt(envPruneIntervalMinutes, defaultPruneMinutes)
	if minutes <= 0 {
		minutes = defaultPruneMinutes
	}

	return time.Duration(minutes) * time.Minute
}

func runPrune(ctx context.Context, pruner Pruner) {
	start := time.Now()

	removed, err := pruner.PruneListings(ctx)
	if err != nil {
		log.Error("Failed to prune listings", "error", err)
		return
	}
	if removed == 0 {
		return
	}

	log.Info("Listing prune completed", "removed", removed, "duration", time.Since(start))
}
