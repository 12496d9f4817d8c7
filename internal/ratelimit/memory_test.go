package ratelimit

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/keylinehq/keyline/internal/clock"
)

func TestMemoryBucketExhaustsBurst(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	bucket := NewMemoryBucket(clk)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := bucket.Allow(ctx, "client-a", 1, 3)
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("request %d within burst should be allowed", i)
		}
	}

	res, err := bucket.Allow(ctx, "client-a", 1, 3)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if res.Allowed {
		t.Fatal("request past burst should be denied")
	}
	if res.RetryAfter <= 0 {
		t.Fatalf("denied request should carry retry-after, got %v", res.RetryAfter)
	}
}

func TestMemoryBucketRefillsOverTime(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	bucket := NewMemoryBucket(clk)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if res, _ := bucket.Allow(ctx, "client-b", 1, 2); !res.Allowed {
			t.Fatalf("request %d within burst should be allowed", i)
		}
	}
	if res, _ := bucket.Allow(ctx, "client-b", 1, 2); res.Allowed {
		t.Fatal("bucket should be empty")
	}

	clk.Advance(2 * time.Second)

	res, err := bucket.Allow(ctx, "client-b", 1, 2)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if !res.Allowed {
		t.Fatal("bucket should refill after waiting")
	}
}

func TestMemoryBucketKeysAreIndependent(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	bucket := NewMemoryBucket(clk)
	ctx := context.Background()

	if res, _ := bucket.Allow(ctx, "client-c", 1, 1); !res.Allowed {
		t.Fatal("first client should be allowed")
	}
	if res, _ := bucket.Allow(ctx, "client-c", 1, 1); res.Allowed {
		t.Fatal("first client should be exhausted")
	}
	if res, _ := bucket.Allow(ctx, "client-d", 1, 1); !res.Allowed {
		t.Fatal("second client should have its own bucket")
	}
}

func TestGuardAppliesEndpointPolicy(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	guard := NewGuard(zap.NewNop(), NewMemoryBucket(clk), nil)
	ctx := context.Background()

	denied := false
	for i := 0; i < policies[EndpointLoginCode].Burst+1; i++ {
		if res := guard.Allow(ctx, EndpointLoginCode, "10.0.0.1"); !res.Allowed {
			denied = true
		}
	}
	if !denied {
		t.Fatal("login code endpoint should deny past its burst")
	}

	if res := guard.Allow(ctx, EndpointRefresh, "10.0.0.1"); !res.Allowed {
		t.Fatal("refresh endpoint tracks a separate budget")
	}
}

func TestGuardUnknownEndpointAllows(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	guard := NewGuard(zap.NewNop(), NewMemoryBucket(clk), nil)

	if res := guard.Allow(context.Background(), "no-such-endpoint", "10.0.0.1"); !res.Allowed {
		t.Fatal("unknown endpoint should not be throttled")
	}
}
