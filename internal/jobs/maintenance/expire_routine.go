package maintenance

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mawis/couriergrey/internal/config"
	"github.com/mawis/couriergrey/internal/support"
)

const expireLockKey = "couriergrey:leader:expire"

// LeaderRunner runs fn only while this process holds the lock named key.
type LeaderRunner func(ctx context.Context, key string, ttl time.Duration, run func(context.Context)) error

// StartExpireRoutine sweeps the store once at start and then every
// maintenance interval until ctx is done. With a leader runner the loop only
// runs while this process holds the expiry lock.
func StartExpireRoutine(ctx context.Context, st Store, leader LeaderRunner) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !config.GetConfig().Maintenance.Enabled {
		log.Debug("Expiry routine disabled")
		return
	}

	if leader == nil {
		runExpireLoop(ctx, st)
		return
	}

	err := leader(ctx, expireLockKey, support.DefaultLeadershipTTL, func(leaderCtx context.Context) {
		runExpireLoop(leaderCtx, st)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Expiry routine stopped", "error", err)
	}
}

func runExpireLoop(ctx context.Context, st Store) {
	updates := config.MaintenanceIntervalUpdates()
	interval := <-updates

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	runExpire(ctx, st)

	for {
		select {
		case <-ctx.Done():
			return
		case next := <-updates:
			if next != interval {
				interval = next
				ticker.Reset(interval)
				log.Debug("Expiry interval changed", "interval", interval)
			}
		case <-ticker.C:
			runExpire(ctx, st)
		}
	}
}

func runExpire(ctx context.Context, st Store) {
	days := int(config.GetConfig().Maintenance.RetentionDays)
	if _, err := Expire(ctx, st, days); err != nil && ctx.Err() == nil {
		log.Error("Expiry failed", "retention_days", days, "error", err)
	}
}
