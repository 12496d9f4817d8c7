package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes the auth-engine instruments.
type Metrics struct {
	sessionsCreated  metric.Int64Counter
	sessionRefreshes metric.Int64Counter
	replayDetections metric.Int64Counter
	sessionsRevoked  metric.Int64Counter
	flowOutcomes     metric.Int64Counter
	rateLimitDenied  metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "keyline"
	}
	meter := provider.Meter(name)

	sessionsCreated, err := meter.Int64Counter("keyline_sessions_created_total")
	if err != nil {
		return nil, err
	}
	sessionRefreshes, err := meter.Int64Counter("keyline_session_refreshes_total")
	if err != nil {
		return nil, err
	}
	replayDetections, err := meter.Int64Counter("keyline_replay_detections_total")
	if err != nil {
		return nil, err
	}
	sessionsRevoked, err := meter.Int64Counter("keyline_sessions_revoked_total")
	if err != nil {
		return nil, err
	}
	flowOutcomes, err := meter.Int64Counter("keyline_external_login_outcomes_total")
	if err != nil {
		return nil, err
	}
	rateLimitDenied, err := meter.Int64Counter("keyline_rate_limit_denied_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		sessionsCreated:  sessionsCreated,
		sessionRefreshes: sessionRefreshes,
		replayDetections: replayDetections,
		sessionsRevoked:  sessionsRevoked,
		flowOutcomes:     flowOutcomes,
		rateLimitDenied:  rateLimitDenied,
	}, nil
}

// RecordSessionCreated increments session creation counts.
func (m *Metrics) RecordSessionCreated(ctx context.Context, method string) {
	if m == nil {
		return
	}
	m.sessionsCreated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", strings.TrimSpace(method)),
	))
}

// RecordRefresh increments refresh counts by outcome (rotated, grace, converged).
func (m *Metrics) RecordRefresh(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.sessionRefreshes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", strings.TrimSpace(outcome)),
	))
}

// RecordReplayDetected increments the replay detection count.
func (m *Metrics) RecordReplayDetected(ctx context.Context) {
	if m == nil {
		return
	}
	m.replayDetections.Add(ctx, 1)
}

// RecordSessionRevoked increments revocation counts by reason.
func (m *Metrics) RecordSessionRevoked(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.sessionsRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", strings.TrimSpace(reason)),
	))
}

// RecordFlowOutcome counts one external-login terminal outcome.
func (m *Metrics) RecordFlowOutcome(ctx context.Context, provider, result string) {
	if m == nil {
		return
	}
	m.flowOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("result", strings.TrimSpace(result)),
	))
}

// RecordRateLimitDenied increments rate limit deny counts.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
	))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}
