// Package estimator implements the Throughput Estimator (spec.md §4.7): a
// freshness-weighted messages-per-second figure that does not collapse to
// zero during brief idle periods. It tails one stream's own consumer
// group to observe arrival timestamps, and optionally publishes a
// heartbeat sentinel when the stream has been genuinely quiet for too
// long, so freshness cannot decay to its floor while the system is
// merely idle rather than broken.
package estimator

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/motorfleet/diagcluster/internal/broker"
	"github.com/motorfleet/diagcluster/internal/clock"
	"github.com/motorfleet/diagcluster/internal/streams"
	"github.com/motorfleet/diagcluster/internal/telemetry/events"
	"github.com/motorfleet/diagcluster/internal/telemetry/metrics"
	"github.com/motorfleet/diagcluster/pkg/models"
)

// heartbeatDataType tags estimator-published sentinel messages so they
// are excluded from the "genuine write" bookkeeping that gates
// auto-refresh, while still counting toward the observed freshness age
// and the windowed rate (the sentinel is a real stream write; it simply
// isn't evidence of organic traffic).
const heartbeatDataType = "throughput_heartbeat"

// ConfigSource serves the live-mutable ThroughputConfig. internal/config's
// layered store implements this in production; StaticSource is a fixed
// stand-in for tests and for callers that don't need runtime mutation.
type ConfigSource interface {
	Current() models.ThroughputConfig
}

// StaticSource is a ConfigSource that never changes after construction.
type StaticSource struct{ cfg models.ThroughputConfig }

// NewStaticSource wraps a fixed ThroughputConfig as a ConfigSource.
func NewStaticSource(cfg models.ThroughputConfig) StaticSource { return StaticSource{cfg: cfg} }

// Current implements ConfigSource.
func (s StaticSource) Current() models.ThroughputConfig { return s.cfg }

// Snapshot is one Query result.
type Snapshot struct {
	AskedAt             time.Time `json:"asked_at"`
	LastWriteAgeSeconds float64   `json:"last_write_age_seconds"`
	FreshnessFactor     float64   `json:"freshness_factor"`
	WindowedCount       int       `json:"windowed_count"`
	ThroughputPerSecond float64   `json:"throughput_per_second"`
}

// Estimator tails Config.Source, maintaining the state Query needs:
// the timestamp of the most recently observed message (genuine or
// heartbeat) and a retention window of recent arrival timestamps for the
// windowed count. A single consumer goroutine writes this state; Query
// takes the same mutex for a consistent read, mirroring the aggregator's
// single-writer-goroutine-plus-reader-mutex shape.
type Estimator struct {
	cfg          Config
	broker       broker.Broker
	bus          events.Bus
	metrics      metrics.Provider
	log          *logrus.Entry
	clock        clock.Clock
	configSource ConfigSource

	mu               sync.Mutex
	lastObservedAt   time.Time
	lastGenuineAt    time.Time
	window           []time.Time

	wg     sync.WaitGroup
	cancel context.CancelFunc

	mHeartbeatsSent metrics.Counter
}

// Deps bundles Estimator's external collaborators.
type Deps struct {
	Broker       broker.Broker
	Bus          events.Bus
	Metrics      metrics.Provider
	Logger       *logrus.Logger
	Clock        clock.Clock
	ConfigSource ConfigSource
}

// New constructs an Estimator. Start must be called to begin tailing.
func New(cfg Config, deps Deps) *Estimator {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoopProvider()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.ConfigSource == nil {
		deps.ConfigSource = NewStaticSource(models.DefaultThroughputConfig())
	}
	if cfg.Source == "" {
		cfg.Source = "performance_metrics"
	}
	logger := deps.Logger
	if logger == nil {
		logger = logrus.New()
	}
	e := &Estimator{
		cfg:          cfg,
		broker:       deps.Broker,
		bus:          deps.Bus,
		metrics:      deps.Metrics,
		log:          logger.WithField("component", "estimator"),
		clock:        deps.Clock,
		configSource: deps.ConfigSource,
	}
	e.mHeartbeatsSent = e.metrics.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "diagcluster", Subsystem: "estimator", Name: "heartbeats_published_total", Help: "Auto-refresh heartbeat sentinels published to keep freshness off its floor",
	}})
	return e
}

// Start joins the estimator's own consumer group on cfg.Source and
// begins tailing it, plus the auto-refresh ticker loop.
func (e *Estimator) Start(ctx context.Context) error {
	if err := e.broker.CreateGroup(ctx, e.cfg.Source, streams.EstimatorGroup, true); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go e.consumeLoop(runCtx)
	e.wg.Add(1)
	go e.refreshLoop(runCtx)

	e.log.Info("throughput estimator started")
	return nil
}

// Stop cancels the tail and refresh loops and waits for them to exit.
func (e *Estimator) Stop(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	e.log.Info("throughput estimator stopped")
	return nil
}

func (e *Estimator) consumeLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := e.broker.ReadGroup(ctx, e.cfg.Source, streams.EstimatorGroup, e.cfg.ConsumerName, e.cfg.ReadBatchSize, e.cfg.ReadBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.log.WithError(err).Error("read-group failed")
			continue
		}
		for _, m := range msgs {
			e.observe(m)
			if err := e.broker.Ack(ctx, e.cfg.Source, streams.EstimatorGroup, m.ID); err != nil {
				e.log.WithError(err).Error("failed to ack estimator message")
			}
		}
	}
}

func (e *Estimator) observe(m broker.Message) {
	now := e.clock.Now()
	genuine := m.Fields["data_type"] != heartbeatDataType

	e.mu.Lock()
	e.lastObservedAt = now
	if genuine {
		e.lastGenuineAt = now
	}
	e.window = append(e.window, now)
	e.trimWindowLocked(now)
	e.mu.Unlock()
}

// trimWindowLocked drops window entries older than the longest retention
// any caller might query (WindowSeconds), and must be called with mu held.
func (e *Estimator) trimWindowLocked(now time.Time) {
	cutoff := now.Add(-time.Duration(e.cfg.WindowSeconds) * time.Second)
	i := 0
	for i < len(e.window) && e.window[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		e.window = e.window[i:]
	}
}

func (e *Estimator) refreshLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.AutoRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.maybePublishHeartbeat(ctx)
		}
	}
}

func (e *Estimator) maybePublishHeartbeat(ctx context.Context) {
	tc := e.configSource.Current()
	if !tc.AutoRefreshEnabled {
		return
	}

	now := e.clock.Now()
	e.mu.Lock()
	lastGenuine := e.lastGenuineAt
	e.mu.Unlock()

	if !lastGenuine.IsZero() && now.Sub(lastGenuine) < e.cfg.AutoRefreshInterval {
		return
	}
	if err := e.publishHeartbeat(ctx, now); err != nil {
		e.log.WithError(err).Error("failed to publish throughput heartbeat sentinel")
	}
}

// ForceHeartbeat publishes a heartbeat sentinel immediately, bypassing the
// auto-refresh gate. This backs POST /config/throughput/refresh.
func (e *Estimator) ForceHeartbeat(ctx context.Context) error {
	return e.publishHeartbeat(ctx, e.clock.Now())
}

func (e *Estimator) publishHeartbeat(ctx context.Context, now time.Time) error {
	fields := map[string]string{
		"vehicle_id": "",
		"timestamp":  now.Format(time.RFC3339Nano),
		"payload":    "{}",
		"data_type":  heartbeatDataType,
	}
	if _, err := e.broker.Publish(ctx, e.cfg.Source, fields); err != nil {
		return err
	}
	e.mHeartbeatsSent.Inc(1)
	if e.bus != nil {
		e.bus.Publish(events.Event{Category: events.CategoryEstimator, Type: "heartbeat_published", Time: now})
	}
	return nil
}

// Query computes the current throughput snapshot against the live
// ThroughputConfig.
func (e *Estimator) Query(now time.Time) Snapshot {
	tc := e.configSource.Current()

	e.mu.Lock()
	lastObserved := e.lastObservedAt
	count := e.windowedCountLocked(now)
	e.mu.Unlock()

	var ageSeconds float64
	if lastObserved.IsZero() {
		ageSeconds = float64(tc.FreshnessWindowMinutes) * 60
	} else {
		ageSeconds = now.Sub(lastObserved).Seconds()
		if ageSeconds < 0 {
			ageSeconds = 0
		}
	}

	windowSeconds := float64(tc.FreshnessWindowMinutes) * 60
	ageRatio := ageSeconds / windowSeconds

	factor := freshnessFactor(string(tc.DecayCurve), ageRatio, tc.DecaySteepness, tc.MinFreshnessFactor)
	baseRate := float64(count) * tc.BaseMultiplier
	throughput := math.Round(baseRate * factor)

	return Snapshot{
		AskedAt:             now,
		LastWriteAgeSeconds: ageSeconds,
		FreshnessFactor:     factor,
		WindowedCount:       count,
		ThroughputPerSecond: throughput,
	}
}

// windowedCountLocked returns the count of observed messages within
// cfg.WindowSeconds of now. mu must be held.
func (e *Estimator) windowedCountLocked(now time.Time) int {
	cutoff := now.Add(-time.Duration(e.cfg.WindowSeconds) * time.Second)
	count := 0
	for i := len(e.window) - 1; i >= 0; i-- {
		if e.window[i].Before(cutoff) {
			break
		}
		count++
	}
	return count
}
