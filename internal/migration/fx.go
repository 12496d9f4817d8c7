package migration

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/keylinehq/keyline/internal/config"
	"github.com/keylinehq/keyline/internal/ratelimit"
)

const (
	migrateLockKey = "keyline:migrate"
	migrateLockTTL = 2 * time.Minute
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, locker *ratelimit.Locker, logger *zap.Logger) error {
		if cfg.DBType != "postgres" {
			return nil
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}

		release := acquireLock(locker, logger)
		defer release()

		return RunMigrations(sqlDB)
	}),
)

// acquireLock serializes migrations across instances when redis is
// available. Without redis (or when the lock is contended past the
// wait window) we proceed anyway: the DDL is idempotent and postgres
// serializes the schema_migrations updates.
func acquireLock(locker *ratelimit.Locker, logger *zap.Logger) func() {
	if locker == nil {
		return func() {}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx := context.Background()
	deadline := time.Now().Add(30 * time.Second)
	for {
		token, ok, err := locker.TryLock(ctx, migrateLockKey, migrateLockTTL)
		if err != nil {
			logger.Warn("migration lock unavailable, proceeding unlocked", zap.Error(err))
			return func() {}
		}
		if ok {
			return func() {
				if err := locker.Release(ctx, migrateLockKey, token); err != nil {
					logger.Warn("migration lock release failed", zap.Error(err))
				}
			}
		}
		if time.Now().After(deadline) {
			logger.Warn("migration lock contended, proceeding unlocked")
			return func() {}
		}
		time.Sleep(time.Second)
	}
}
