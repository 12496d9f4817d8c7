package cloudmetrics

import (
	"context"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"

	sessiondomain "github.com/keylinehq/keyline/internal/session/domain"
)

// CloudMetrics owns a private registry of fleet gauges. The snapshot is
// rebuilt from the database before every push so restarts do not reset
// the reported totals.
type CloudMetrics struct {
	log      *zap.Logger
	pusher   Pusher
	registry *prometheus.Registry
	started  time.Time

	instanceInfo   *prometheus.GaugeVec
	uptimeSeconds  prometheus.Gauge
	memoryBytes    prometheus.Gauge
	tenantsTotal   prometheus.Gauge
	usersTotal     prometheus.Gauge
	activeSessions prometheus.Gauge
	replaysTotal   prometheus.Gauge
	flowsTotal     *prometheus.GaugeVec
}

func New(registry *prometheus.Registry, pusher Pusher, version, environment string, logger *zap.Logger) *CloudMetrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &CloudMetrics{
		log:      logger.Named("cloudmetrics"),
		pusher:   pusher,
		registry: registry,
		started:  time.Now(),

		instanceInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "keyline_instance_info",
			Help: "Static instance metadata.",
		}, []string{"version", "environment"}),
		uptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keyline_uptime_seconds",
			Help: "Seconds since the instance started.",
		}),
		memoryBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keyline_memory_bytes",
			Help: "Memory obtained from the OS.",
		}),
		tenantsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keyline_tenants_total",
			Help: "Tenants provisioned on this instance.",
		}),
		usersTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keyline_users_total",
			Help: "Users provisioned on this instance.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keyline_sessions_active_total",
			Help: "Sessions that are not revoked.",
		}),
		replaysTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keyline_sessions_replayed_total",
			Help: "Sessions revoked after refresh token replay.",
		}),
		flowsTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "keyline_external_flows_total",
			Help: "External login flows by terminal result.",
		}, []string{"result"}),
	}

	registry.MustRegister(
		c.instanceInfo,
		c.uptimeSeconds,
		c.memoryBytes,
		c.tenantsTotal,
		c.usersTotal,
		c.activeSessions,
		c.replaysTotal,
		c.flowsTotal,
	)
	c.instanceInfo.WithLabelValues(version, environment).Set(1)
	return c
}

// Collect refreshes the snapshot gauges from the database. Query failures
// leave the previous value in place.
func (c *CloudMetrics) Collect(ctx context.Context, db *gorm.DB) {
	if c == nil {
		return
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	c.memoryBytes.Set(float64(mem.Sys))
	c.uptimeSeconds.Set(time.Since(c.started).Seconds())

	if db == nil {
		return
	}

	c.countInto(ctx, db.Table("tenants").Where("deleted_at IS NULL"), c.tenantsTotal)
	c.countInto(ctx, db.Table("users"), c.usersTotal)
	c.countInto(ctx, db.Table("sessions").Where("is_revoked = ?", false), c.activeSessions)
	c.countInto(ctx,
		db.Table("sessions").Where("revoked_reason = ?", sessiondomain.ReasonReplayAttackDetected),
		c.replaysTotal)

	rows := make([]struct {
		Result string
		Count  int64
	}, 0, 8)
	err := db.WithContext(ctx).
		Table("external_logins").
		Select("result, COUNT(*) AS count").
		Group("result").
		Scan(&rows).Error
	if err != nil {
		c.log.Warn("telemetry flow count failed", zap.Error(err))
		return
	}
	for _, row := range rows {
		c.flowsTotal.WithLabelValues(row.Result).Set(float64(row.Count))
	}
}

func (c *CloudMetrics) countInto(ctx context.Context, query *gorm.DB, gauge prometheus.Gauge) {
	var count int64
	if err := query.WithContext(ctx).Count(&count).Error; err != nil {
		c.log.Warn("telemetry count failed", zap.Error(err))
		return
	}
	gauge.Set(float64(count))
}

// Push sends the current snapshot to the configured sink.
func (c *CloudMetrics) Push(ctx context.Context) error {
	if c == nil || c.pusher == nil {
		return nil
	}
	return c.pusher.Push(ctx, c.registry)
}
