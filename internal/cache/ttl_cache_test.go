package cache

import (
	"testing"
	"time"

	"github.com/keylinehq/keyline/internal/clock"
)

func TestTTLCacheExpires(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := NewTTLCache[string, int](clk)

	c.Set("a", 1, time.Minute)
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("expected fresh entry, got %v %v", v, ok)
	}

	clk.Advance(2 * time.Minute)
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected entry to expire")
	}
}

func TestTTLCacheDelete(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := NewTTLCache[string, string](clk)

	c.Set("a", "x", time.Minute)
	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Fatal("deleted entry should be gone")
	}
}

func TestTTLCacheIgnoresNonPositiveTTL(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := NewTTLCache[string, int](clk)

	c.Set("a", 1, 0)
	if _, ok := c.Get("a"); ok {
		t.Fatal("zero ttl should not store")
	}
}

func TestRoleCacheRoundTrip(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := NewRoleCache(clk)

	c.SetRole(1, 2, "admin")
	if role, ok := c.GetRole(1, 2); !ok || role != "admin" {
		t.Fatalf("expected cached role, got %q %v", role, ok)
	}
	if _, ok := c.GetRole(1, 3); ok {
		t.Fatal("role is scoped to the tenant")
	}

	c.InvalidateRole(1, 2)
	if _, ok := c.GetRole(1, 2); ok {
		t.Fatal("invalidated role should be gone")
	}

	clk.Advance(time.Minute)
	c.SetRole(4, 2, "member")
	clk.Advance(time.Minute)
	if _, ok := c.GetRole(4, 2); ok {
		t.Fatal("role entries expire")
	}
}
