package coordinator

import (
	"sync"
	"time"

	"github.com/motorfleet/diagcluster/pkg/models"
)

// registryEntry is one live worker's last-known registration plus the
// wall-clock time its heartbeat was recorded, used for TTL eviction.
type registryEntry struct {
	registration models.WorkerRegistration
	lastSeen     time.Time
}

// Registry is the coordinator-local live worker set (spec.md §4.5), a map
// guarded by an RWMutex. Workers never hold a reference to it directly —
// they only ever write heartbeats to the broker. Two coordinator goroutines
// write to it: the heartbeat consume loop (Upsert) and the sweep loop
// (SweepExpired); the mutex serializes those writes, there is no single
// owning goroutine or command channel. Reads (load scoring,
// `/system/status`) take a copy-on-read snapshot.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*registryEntry
}

func newRegistry() *Registry {
	return &Registry{workers: make(map[string]*registryEntry)}
}

// Upsert records or refreshes a worker's heartbeat.
func (r *Registry) Upsert(reg models.WorkerRegistration, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[reg.WorkerID] = &registryEntry{registration: reg, lastSeen: now}
}

// Remove drops a worker id from the registry (used on eviction).
func (r *Registry) Remove(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workers, workerID)
}

// Get returns the current registration for a worker id.
func (r *Registry) Get(workerID string) (models.WorkerRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.workers[workerID]
	if !ok {
		return models.WorkerRegistration{}, false
	}
	return e.registration, true
}

// Snapshot returns every live registration, a copy safe to range over
// without holding the registry lock.
func (r *Registry) Snapshot() []models.WorkerRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.WorkerRegistration, 0, len(r.workers))
	for _, e := range r.workers {
		out = append(out, e.registration)
	}
	return out
}

// ForFamily returns the live registrations that support family.
func (r *Registry) ForFamily(family models.FaultFamily) []models.WorkerRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.WorkerRegistration
	for _, e := range r.workers {
		for _, f := range e.registration.SupportedFamilies {
			if f == family {
				out = append(out, e.registration)
				break
			}
		}
	}
	return out
}

// SweepExpired evicts every worker whose heartbeat is older than ttl,
// returning the evicted registrations so the caller can reassign their
// pending work by family.
func (r *Registry) SweepExpired(now time.Time, ttl time.Duration) []models.WorkerRegistration {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []models.WorkerRegistration
	for id, e := range r.workers {
		if now.Sub(e.lastSeen) > ttl {
			expired = append(expired, e.registration)
			delete(r.workers, id)
		}
	}
	return expired
}

// Count returns the number of live workers supporting family.
func (r *Registry) Count(family models.FaultFamily) int {
	return len(r.ForFamily(family))
}
