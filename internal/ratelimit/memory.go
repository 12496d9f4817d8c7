package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/keylinehq/keyline/internal/clock"
)

// MemoryBucket is a single-process token bucket used when no redis
// address is configured. Same refill math as the redis script.
type MemoryBucket struct {
	clock clock.Clock

	mu      sync.Mutex
	buckets map[string]*memoryState
}

type memoryState struct {
	tokens float64
	ts     time.Time
}

func NewMemoryBucket(clk clock.Clock) *MemoryBucket {
	return &MemoryBucket{
		clock:   clk,
		buckets: make(map[string]*memoryState),
	}
}

func (m *MemoryBucket) Allow(_ context.Context, key string, rate float64, burst int) (*Result, error) {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.buckets[key]
	if !ok {
		state = &memoryState{tokens: float64(burst), ts: now}
		m.buckets[key] = state
	} else {
		delta := now.Sub(state.ts)
		if delta < 0 {
			delta = 0
		}
		state.tokens = math.Min(float64(burst), state.tokens+delta.Seconds()*rate)
		state.ts = now
	}

	allowed := state.tokens >= 1
	if allowed {
		state.tokens--
	}

	retryAfter := time.Duration(0)
	if !allowed {
		needed := 1.0 - state.tokens
		if needed > 0 {
			retryAfter = time.Duration(needed / rate * float64(time.Second))
		}
	}

	return &Result{
		Allowed:    allowed,
		Limit:      burst,
		Remaining:  int(state.tokens),
		RetryAfter: retryAfter,
	}, nil
}
