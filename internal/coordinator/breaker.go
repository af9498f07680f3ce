package coordinator

import (
	"sync"
	"time"
)

// failureState is one worker id's consecutive-failure bookkeeping.
type failureState struct {
	consecutive  int
	windowStart  time.Time
	lastActivity time.Time
	openUntil    time.Time
}

// circuitBreaker suppresses re-registration of a worker id that has failed
// repeatedly within a short window (spec.md §4.5's failure-recovery
// clause). Grounded directly on the reference engine's adaptive rate
// limiter shape (map + mutex + per-entry state + TTL eviction), with
// per-domain token-bucket state replaced by per-worker-id consecutive-
// failure state and an open/closed verdict instead of a wait duration.
type circuitBreaker struct {
	mu     sync.Mutex
	states map[string]*failureState
	cfg    Config
}

func newCircuitBreaker(cfg Config) *circuitBreaker {
	return &circuitBreaker{cfg: cfg, states: make(map[string]*failureState)}
}

func (b *circuitBreaker) getOrCreate(workerID string, now time.Time) *failureState {
	s, ok := b.states[workerID]
	if !ok {
		s = &failureState{windowStart: now, lastActivity: now}
		b.states[workerID] = s
	}
	return s
}

// RecordFailure registers a failure for workerID, tripping the breaker
// once CircuitFailureThreshold consecutive failures land inside
// CircuitWindow.
func (b *circuitBreaker) RecordFailure(workerID string, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.getOrCreate(workerID, now)
	if now.Sub(s.windowStart) > b.cfg.CircuitWindow {
		s.windowStart = now
		s.consecutive = 0
	}
	s.consecutive++
	s.lastActivity = now
	if s.consecutive >= b.cfg.CircuitFailureThreshold {
		s.openUntil = now.Add(b.cfg.CircuitCoolOff)
	}
}

// RecordSuccess clears workerID's failure streak.
func (b *circuitBreaker) RecordSuccess(workerID string, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.getOrCreate(workerID, now)
	s.consecutive = 0
	s.windowStart = now
	s.lastActivity = now
}

// Allow reports whether workerID may currently register/be assigned work.
func (b *circuitBreaker) Allow(workerID string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.states[workerID]
	if !ok {
		return true
	}
	s.lastActivity = now
	return now.After(s.openUntil)
}

// SweepIdle drops tracked worker ids that have neither failed nor
// succeeded within ttl, bounding memory for a fleet with high worker
// churn.
func (b *circuitBreaker) SweepIdle(now time.Time, ttl time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, s := range b.states {
		if now.Sub(s.lastActivity) > ttl {
			delete(b.states, id)
		}
	}
}
