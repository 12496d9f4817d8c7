package scheduler

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/keylinehq/keyline/internal/clock"
	"github.com/keylinehq/keyline/internal/config"
	"github.com/keylinehq/keyline/internal/ratelimit"
)

const (
	maintenanceLockKey = "keyline:maintenance"
	maintenanceLockTTL = 5 * time.Minute
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Clock    clock.Clock
	Security *config.SecurityConfigHolder
	Locker   *ratelimit.Locker `optional:"true"`
	Logger   *zap.Logger
}

var Module = fx.Module("scheduler",
	fx.Provide(func(p Params) *Scheduler {
		return New(p.DB, p.Clock, p.Security, DefaultConfig(), p.Logger)
	}),
	fx.Invoke(runLoop),
)

func runLoop(lc fx.Lifecycle, s *Scheduler, p Params) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				ticker := time.NewTicker(s.cfg.RunInterval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						tick(ctx, s, p.Locker)
					}
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}

// tick runs one maintenance pass. With redis configured the pass is
// skipped when another instance holds the lock; without redis every
// instance runs, which is harmless because the jobs are idempotent.
func tick(ctx context.Context, s *Scheduler, locker *ratelimit.Locker) {
	if locker != nil {
		token, ok, err := locker.TryLock(ctx, maintenanceLockKey, maintenanceLockTTL)
		if err != nil {
			s.log.Warn("maintenance lock unavailable, running unlocked", zap.Error(err))
		} else if !ok {
			return
		} else {
			defer func() {
				if err := locker.Release(ctx, maintenanceLockKey, token); err != nil {
					s.log.Warn("release maintenance lock", zap.Error(err))
				}
			}()
		}
	}
	s.RunOnce(ctx)
}
