package analyzer

import (
	"sync"
	"time"

	"github.com/motorfleet/diagcluster/pkg/models"
)

// Window is the bounded per-vehicle recent-sample buffer spec.md §4.2
// requires the worker to maintain: bounded size, eviction by age.
type Window struct {
	mu      sync.Mutex
	maxSize int
	maxAge  time.Duration
	samples []models.VehicleSample
}

// NewWindow builds a window capped at maxSize entries and maxAge staleness.
func NewWindow(maxSize int, maxAge time.Duration) *Window {
	if maxSize <= 0 {
		maxSize = 64
	}
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	return &Window{maxSize: maxSize, maxAge: maxAge}
}

// Add appends a sample, evicting stale or excess entries.
func (w *Window) Add(s models.VehicleSample) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = append(w.samples, s)
	w.evictLocked(s.Timestamp)
}

func (w *Window) evictLocked(now time.Time) {
	cutoff := now.Add(-w.maxAge)
	start := 0
	for start < len(w.samples) && w.samples[start].Timestamp.Before(cutoff) {
		start++
	}
	if start > 0 {
		w.samples = append([]models.VehicleSample{}, w.samples[start:]...)
	}
	if len(w.samples) > w.maxSize {
		w.samples = append([]models.VehicleSample{}, w.samples[len(w.samples)-w.maxSize:]...)
	}
}

// Snapshot returns a copy of the current buffered samples, oldest first.
func (w *Window) Snapshot() []models.VehicleSample {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]models.VehicleSample, len(w.samples))
	copy(out, w.samples)
	return out
}

// Manager keeps one Window per vehicle, evicting windows that haven't seen
// a sample in maxAge to bound memory for a fleet of thousands of vehicles.
type Manager struct {
	mu       sync.Mutex
	maxSize  int
	maxAge   time.Duration
	windows  map[string]*Window
	lastSeen map[string]time.Time
}

// NewManager builds a per-vehicle window manager.
func NewManager(maxSize int, maxAge time.Duration) *Manager {
	return &Manager{maxSize: maxSize, maxAge: maxAge, windows: make(map[string]*Window), lastSeen: make(map[string]time.Time)}
}

// WindowFor returns (creating if needed) the window for vehicleID.
func (m *Manager) WindowFor(vehicleID string) *Window {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[vehicleID]
	if !ok {
		w = NewWindow(m.maxSize, m.maxAge)
		m.windows[vehicleID] = w
	}
	m.lastSeen[vehicleID] = time.Now()
	return w
}

// EvictStale drops per-vehicle windows untouched for longer than maxAge,
// bounding memory when vehicles go offline permanently.
func (m *Manager) EvictStale(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Add(-m.maxAge)
	removed := 0
	for id, seen := range m.lastSeen {
		if seen.Before(cutoff) {
			delete(m.windows, id)
			delete(m.lastSeen, id)
			removed++
		}
	}
	return removed
}

// Len reports the number of tracked vehicle windows.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}
