package cloudmetrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/keylinehq/keyline/internal/config"
)

const pushInterval = 30 * time.Minute

var Module = fx.Module("cloudmetrics",
	fx.Provide(NewPusher),
	fx.Provide(func(cfg config.Config, pusher Pusher, logger *zap.Logger) *CloudMetrics {
		if pusher == nil {
			return nil
		}
		return New(prometheus.NewRegistry(), pusher, cfg.AppVersion, cfg.Environment, logger)
	}),
	fx.Invoke(runPushLoop),
)

func runPushLoop(lc fx.Lifecycle, c *CloudMetrics, logger *zap.Logger, db *gorm.DB) {
	if c == nil {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("cloudmetrics")

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			log.Info("starting cloud telemetry worker", zap.Duration("interval", pushInterval))
			go func() {
				ticker := time.NewTicker(pushInterval)
				defer ticker.Stop()

				c.Collect(ctx, db)
				if err := c.Push(ctx); err != nil {
					log.Error("initial telemetry push failed", zap.Error(err))
				}

				for {
					select {
					case <-ticker.C:
						c.Collect(ctx, db)
						if err := c.Push(ctx); err != nil {
							log.Error("telemetry push failed", zap.Error(err))
						}
					case <-ctx.Done():
						log.Info("stopping cloud telemetry worker")
						return
					}
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
