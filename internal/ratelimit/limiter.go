package ratelimit

import (
	"context"

	"go.uber.org/zap"

	"github.com/keylinehq/keyline/internal/observability/metrics"
)

// Limiter is satisfied by both the redis-backed TokenBucket and the
// in-process MemoryBucket.
type Limiter interface {
	Allow(ctx context.Context, key string, rate float64, burst int) (*Result, error)
}

type Policy struct {
	Rate  float64
	Burst int
}

const (
	EndpointRefresh    = "refresh"
	EndpointFlowStart  = "flow_start"
	EndpointLoginCode  = "login_code"
	EndpointLoginCheck = "login_check"
)

// Per-client budgets. Refresh is the hot path; the login endpoints are
// throttled hard because they gate credential guessing.
var policies = map[string]Policy{
	EndpointRefresh:    {Rate: 1, Burst: 20},
	EndpointFlowStart:  {Rate: 0.5, Burst: 10},
	EndpointLoginCode:  {Rate: 0.2, Burst: 3},
	EndpointLoginCheck: {Rate: 0.5, Burst: 5},
}

// Guard applies per-endpoint policies and records denials. A limiter
// backend error fails open: availability of the auth plane wins over
// strict throttling.
type Guard struct {
	log     *zap.Logger
	limiter Limiter
	metrics *metrics.Metrics
}

func NewGuard(log *zap.Logger, limiter Limiter, m *metrics.Metrics) *Guard {
	return &Guard{
		log:     log.Named("ratelimit"),
		limiter: limiter,
		metrics: m,
	}
}

func (g *Guard) Allow(ctx context.Context, endpoint, clientKey string) *Result {
	policy, ok := policies[endpoint]
	if !ok || clientKey == "" {
		return &Result{Allowed: true}
	}

	res, err := g.limiter.Allow(ctx, "ratelimit:"+endpoint+":"+clientKey, policy.Rate, policy.Burst)
	if err != nil {
		g.log.Warn("rate limiter unavailable, failing open",
			zap.String("endpoint", endpoint),
			zap.Error(err),
		)
		return &Result{Allowed: true}
	}

	if !res.Allowed {
		g.metrics.RecordRateLimitDenied(ctx, endpoint)
		g.log.Warn("rate limit exceeded",
			zap.String("endpoint", endpoint),
			zap.String("client", clientKey),
			zap.Duration("retry_after", res.RetryAfter),
		)
	}
	return res
}
