// Package scheduler runs periodic maintenance jobs against the database:
// expiring abandoned external login flows, purging dead login codes and
// trimming the audit trail to its retention window. Jobs are idempotent
// and safe to run concurrently across instances, but when redis is
// configured a lock keeps the fleet from doing redundant work.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/keylinehq/keyline/internal/clock"
	"github.com/keylinehq/keyline/internal/config"
	externaldomain "github.com/keylinehq/keyline/internal/externallogin/domain"
)

// Config controls maintenance intervals and retention windows.
type Config struct {
	RunInterval    time.Duration
	CodeGrace      time.Duration
	FlowRetention  time.Duration
	AuditRetention time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval:    10 * time.Minute,
		CodeGrace:      24 * time.Hour,
		FlowRetention:  30 * 24 * time.Hour,
		AuditRetention: 90 * 24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.CodeGrace <= 0 {
		c.CodeGrace = defaults.CodeGrace
	}
	if c.FlowRetention <= 0 {
		c.FlowRetention = defaults.FlowRetention
	}
	if c.AuditRetention <= 0 {
		c.AuditRetention = defaults.AuditRetention
	}
	return c
}

type Scheduler struct {
	log      *zap.Logger
	db       *gorm.DB
	clock    clock.Clock
	security *config.SecurityConfigHolder
	cfg      Config
}

func New(db *gorm.DB, clk clock.Clock, security *config.SecurityConfigHolder, cfg Config, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		log:      logger.Named("scheduler"),
		db:       db,
		clock:    clk,
		security: security,
		cfg:      cfg.withDefaults(),
	}
}

// RunOnce executes every maintenance job a single time. Each job is
// independent; a failure in one does not block the others.
func (s *Scheduler) RunOnce(ctx context.Context) {
	now := s.clock.Now()

	if n, err := s.expireStaleFlows(ctx, now); err != nil {
		s.log.Error("expire stale flows", zap.Error(err))
	} else if n > 0 {
		s.log.Info("expired stale external login flows", zap.Int64("count", n))
	}

	if n, err := s.purgeCompletedFlows(ctx, now); err != nil {
		s.log.Error("purge completed flows", zap.Error(err))
	} else if n > 0 {
		s.log.Info("purged completed external login flows", zap.Int64("count", n))
	}

	if n, err := s.purgeLoginCodes(ctx, now); err != nil {
		s.log.Error("purge login codes", zap.Error(err))
	} else if n > 0 {
		s.log.Info("purged dead login codes", zap.Int64("count", n))
	}

	if n, err := s.pruneAuditLogs(ctx, now); err != nil {
		s.log.Error("prune audit logs", zap.Error(err))
	} else if n > 0 {
		s.log.Info("pruned audit logs past retention", zap.Int64("count", n))
	}
}

// expireStaleFlows marks pending external login flows that outlived the
// flow TTL as expired, so the table reflects reality even when the user
// never returned to the callback.
func (s *Scheduler) expireStaleFlows(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-s.security.Current().FlowTTL)
	res := s.db.WithContext(ctx).
		Model(&externaldomain.ExternalLogin{}).
		Where("result = ? AND created_at < ?", externaldomain.ResultPending, cutoff).
		Updates(map[string]any{
			"result":       externaldomain.ResultLoginExpired,
			"completed_at": now,
		})
	return res.RowsAffected, res.Error
}

// purgeCompletedFlows deletes finished flow records once they are old
// enough to hold no diagnostic value.
func (s *Scheduler) purgeCompletedFlows(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-s.cfg.FlowRetention)
	res := s.db.WithContext(ctx).
		Where("result <> ? AND created_at < ?", externaldomain.ResultPending, cutoff).
		Delete(&externaldomain.ExternalLogin{})
	return res.RowsAffected, res.Error
}

// purgeLoginCodes deletes login codes past their expiry plus a grace
// window. Consumed codes go with them; the audit trail already records
// the login itself.
func (s *Scheduler) purgeLoginCodes(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-s.cfg.CodeGrace)
	res := s.db.WithContext(ctx).
		Exec("DELETE FROM login_codes WHERE expires_at < ?", cutoff)
	return res.RowsAffected, res.Error
}

func (s *Scheduler) pruneAuditLogs(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-s.cfg.AuditRetention)
	res := s.db.WithContext(ctx).
		Exec("DELETE FROM audit_logs WHERE created_at < ?", cutoff)
	return res.RowsAffected, res.Error
}
