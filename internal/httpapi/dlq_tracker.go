package httpapi

import (
	"sync"

	"github.com/motorfleet/diagcluster/internal/telemetry/events"
	"github.com/motorfleet/diagcluster/pkg/models"
)

// dlqTracker listens for the worker package's "dlq" events and keeps a
// running per-family count, backing GET /system/dlq?family=... (a
// SUPPLEMENTED FEATURE: spec.md §7 requires DLQ counts be "accessible via
// /system/status", this just breaks them out per family for triage).
// Grounded on internal/telemetry/events.Bus's Subscribe/C() consumer
// pattern, the same one internal/bridge uses to tail domain events.
type dlqTracker struct {
	bus events.Bus
	sub events.Subscription

	mu     sync.Mutex
	counts map[models.FaultFamily]int64

	done chan struct{}
}

func newDLQTracker(bus events.Bus) *dlqTracker {
	return &dlqTracker{bus: bus, counts: make(map[models.FaultFamily]int64)}
}

// Start subscribes to the bus and begins counting. A nil bus makes this a
// no-op tracker (every count reads back as zero).
func (d *dlqTracker) Start() error {
	if d.bus == nil {
		return nil
	}
	sub, err := d.bus.Subscribe(64)
	if err != nil {
		return err
	}
	d.sub = sub
	d.done = make(chan struct{})
	go d.run()
	return nil
}

func (d *dlqTracker) run() {
	defer close(d.done)
	for ev := range d.sub.C() {
		if ev.Category != events.CategoryWorker || ev.Type != "dlq" {
			continue
		}
		family := models.FaultFamily(ev.Labels["family"])
		d.mu.Lock()
		d.counts[family]++
		d.mu.Unlock()
	}
}

// Stop unsubscribes and waits for the counting goroutine to exit.
func (d *dlqTracker) Stop() error {
	if d.sub == nil {
		return nil
	}
	err := d.bus.Unsubscribe(d.sub)
	<-d.done
	return err
}

// Count returns the running DLQ count for family.
func (d *dlqTracker) Count(family models.FaultFamily) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counts[family]
}

// Snapshot returns every family's DLQ count seen so far.
func (d *dlqTracker) Snapshot() map[models.FaultFamily]int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[models.FaultFamily]int64, len(d.counts))
	for f, c := range d.counts {
		out[f] = c
	}
	return out
}
