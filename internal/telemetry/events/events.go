// Package events is the cluster's internal observability bus: components
// publish typed events (DLQ hits, claims, scale decisions, circuit breaks,
// config changes) and the HTTP system-status surface and the frontend
// bridge subscribe to render them, without those components ever sharing
// memory directly.
package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/motorfleet/diagcluster/internal/telemetry/metrics"
)

const (
	CategoryBroker      = "broker"
	CategoryWorker      = "worker"
	CategoryAggregator  = "aggregator"
	CategoryCoordinator = "coordinator"
	CategoryBridge      = "bridge"
	CategoryEstimator   = "estimator"
	CategoryConfig      = "config_change"
	CategoryError       = "error"
)

// Event is a single observability record.
type Event struct {
	Time     time.Time              `json:"time"`
	Category string                 `json:"category"`
	Type     string                 `json:"type"`
	Severity string                 `json:"severity,omitempty"`
	Labels   map[string]string      `json:"labels,omitempty"`
	Fields   map[string]interface{} `json:"fields,omitempty"`
}

// Subscription is a live feed of events delivered to one subscriber.
type Subscription interface {
	C() <-chan Event
	Close() error
	ID() int64
}

// BusStats summarizes bus-wide publish/drop counters.
type BusStats struct {
	Subscribers        int64
	Published          uint64
	Dropped            uint64
	PerSubscriberDrops map[int64]uint64
}

// Bus is the pub/sub contract used across the cluster.
type Bus interface {
	Publish(ev Event) error
	PublishCtx(ctx context.Context, ev Event) error
	Subscribe(buffer int) (Subscription, error)
	Unsubscribe(sub Subscription) error
	Stats() BusStats
}

// NewBus constructs a Bus; provider may be nil (metrics become no-ops).
func NewBus(provider metrics.Provider) Bus {
	b := &eventBus{subs: make(map[int64]*subscriber), provider: provider}
	b.initMetrics()
	return b
}

type eventBus struct {
	mu        sync.RWMutex
	subs      map[int64]*subscriber
	nextID    int64
	published atomic.Uint64
	dropped   atomic.Uint64

	provider   metrics.Provider
	mPublished metrics.Counter
	mDropped   metrics.Counter
}

type subscriber struct {
	id      int64
	ch      chan Event
	dropped atomic.Uint64
	closed  atomic.Bool
}

func (s *subscriber) C() <-chan Event { return s.ch }
func (s *subscriber) ID() int64       { return s.id }
func (s *subscriber) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
	return nil
}

func (b *eventBus) initMetrics() {
	if b.provider == nil {
		return
	}
	b.mPublished = b.provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "diagcluster", Subsystem: "events", Name: "published_total", Help: "Total events published",
	}})
	b.mDropped = b.provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "diagcluster", Subsystem: "events", Name: "dropped_total", Help: "Total events dropped due to backpressure",
	}})
}

func (b *eventBus) Publish(ev Event) error { return b.PublishCtx(context.Background(), ev) }

func (b *eventBus) PublishCtx(ctx context.Context, ev Event) error {
	if ev.Category == "" {
		return errors.New("events: missing category")
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	b.published.Add(1)
	if b.mPublished != nil {
		b.mPublished.Inc(1)
	}
	for _, s := range subs {
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
			b.dropped.Add(1)
			if b.mDropped != nil {
				b.mDropped.Inc(1)
			}
		}
	}
	return nil
}

func (b *eventBus) Subscribe(buffer int) (Subscription, error) {
	if buffer <= 0 {
		buffer = 64
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := &subscriber{id: b.nextID, ch: make(chan Event, buffer)}
	b.subs[s.id] = s
	return s, nil
}

func (b *eventBus) Unsubscribe(sub Subscription) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[sub.ID()]; ok {
		delete(b.subs, sub.ID())
		_ = s.Close()
	}
	return nil
}

func (b *eventBus) Stats() BusStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	perSub := make(map[int64]uint64, len(b.subs))
	for id, s := range b.subs {
		perSub[id] = s.dropped.Load()
	}
	return BusStats{
		Subscribers:        int64(len(b.subs)),
		Published:          b.published.Load(),
		Dropped:            b.dropped.Load(),
		PerSubscriberDrops: perSub,
	}
}
