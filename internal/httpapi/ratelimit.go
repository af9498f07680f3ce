package httpapi

import (
	"math"
	"sync"
	"time"

	"github.com/motorfleet/diagcluster/internal/clock"
)

// tokenBucket is the per-vehicle ingest throttle backing 429 responses on
// POST /vehicles/{id}/data. Grounded directly on internal/ratelimit/
// token_bucket.go's refill-then-reserve shape from the reference pack.
type tokenBucket struct {
	capacity   float64
	fillRate   float64
	tokens     float64
	lastRefill time.Time
}

func newTokenBucket(capacity, fillRate float64, now time.Time) *tokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	if fillRate <= 0 {
		fillRate = capacity
	}
	return &tokenBucket{capacity: capacity, fillRate: fillRate, tokens: capacity, lastRefill: now}
}

func (tb *tokenBucket) refill(now time.Time) {
	if now.Before(tb.lastRefill) {
		return
	}
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens = math.Min(tb.capacity, tb.tokens+elapsed*tb.fillRate)
	tb.lastRefill = now
}

func (tb *tokenBucket) allow(now time.Time) bool {
	tb.refill(now)
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// ingestLimiter holds one tokenBucket per vehicle id, created lazily.
type ingestLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*tokenBucket
	capacity float64
	fillRate float64
	clk      clock.Clock
}

func newIngestLimiter(capacity, fillRate float64, clk clock.Clock) *ingestLimiter {
	if clk == nil {
		clk = clock.Real{}
	}
	return &ingestLimiter{buckets: make(map[string]*tokenBucket), capacity: capacity, fillRate: fillRate, clk: clk}
}

// Allow reports whether vehicleID may publish now, consuming a token if so.
func (l *ingestLimiter) Allow(vehicleID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clk.Now()
	b, ok := l.buckets[vehicleID]
	if !ok {
		b = newTokenBucket(l.capacity, l.fillRate, now)
		l.buckets[vehicleID] = b
	}
	return b.allow(now)
}
