// Package aggregator implements the Result Aggregator (spec.md §4.4): it
// composes per-family FaultScores into a per-vehicle HealthAssessment,
// pruning stale families and throttling republication. Implementation
// detail: a single-writer goroutine reads the aggregator's own consumer
// group, so the only lock contention is the per-vehicle map guarded by its
// own mutex for the HTTP read path, the same map+mutex+periodic-eviction
// shape the reference engine's resource manager uses for its cache.
package aggregator

import (
	"context"
	"sort"
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

// Aggregator owns the per-vehicle composite-health map and the consumer
// loop that feeds it.
type Aggregator struct {
	cfg     Config
	broker  broker.Broker
	bus     events.Bus
	metrics metrics.Provider
	log     *logrus.Entry
	clock   clock.Clock

	mu       sync.RWMutex
	vehicles map[string]*vehicleState

	wg     sync.WaitGroup
	cancel context.CancelFunc

	mPublished metrics.Counter
	mPruned    metrics.Counter
}

// Deps bundles Aggregator's external collaborators.
type Deps struct {
	Broker  broker.Broker
	Bus     events.Bus
	Metrics metrics.Provider
	Logger  *logrus.Logger
	Clock   clock.Clock
}

// New constructs an Aggregator. Start must be called to begin consuming.
func New(cfg Config, deps Deps) *Aggregator {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoopProvider()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = logrus.New()
	}
	a := &Aggregator{
		cfg:      cfg,
		broker:   deps.Broker,
		bus:      deps.Bus,
		metrics:  deps.Metrics,
		log:      logger.WithField("component", "aggregator"),
		clock:    deps.Clock,
		vehicles: make(map[string]*vehicleState),
	}
	a.mPublished = a.metrics.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "diagcluster", Subsystem: "aggregator", Name: "assessments_published_total", Help: "HealthAssessments published",
	}})
	a.mPruned = a.metrics.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "diagcluster", Subsystem: "aggregator", Name: "vehicles_evicted_total", Help: "Vehicle states evicted for inactivity",
	}})
	return a
}

// Start joins the result-aggregation consumer group and begins composing.
func (a *Aggregator) Start(ctx context.Context) error {
	if err := a.broker.CreateGroup(ctx, streams.FaultResults, streams.ResultAggregation, true); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(1)
	go a.consumeLoop(runCtx)

	a.log.Info("aggregator started")
	return nil
}

// Stop cancels the consumer loop and waits for it to exit.
func (a *Aggregator) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	a.log.Info("aggregator stopped")
	return nil
}

func (a *Aggregator) consumeLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := a.broker.ReadGroup(ctx, streams.FaultResults, streams.ResultAggregation, a.cfg.ConsumerName, a.cfg.ReadBatchSize, a.cfg.ReadBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.log.WithError(err).Error("read-group failed")
			continue
		}
		for _, m := range msgs {
			a.handle(ctx, m)
		}
	}
}

func (a *Aggregator) handle(ctx context.Context, m broker.Message) {
	score, err := models.ScoreFromFields(m.Fields)
	if err != nil {
		a.log.WithError(err).Error("failed to decode fault score, acking to drop poison message")
		_ = a.broker.Ack(ctx, streams.FaultResults, streams.ResultAggregation, m.ID)
		return
	}

	now := a.clock.Now()
	vs := a.vehicleFor(score.VehicleID)
	assessment, shouldPublish := vs.update(score, now, a.cfg)

	if shouldPublish {
		a.publish(ctx, assessment)
	}

	if err := a.broker.Ack(ctx, streams.FaultResults, streams.ResultAggregation, m.ID); err != nil {
		a.log.WithError(err).Error("failed to ack fault score")
	}
}

func (a *Aggregator) publish(ctx context.Context, assessment models.HealthAssessment) {
	fields, err := models.AssessmentToFields(assessment)
	if err != nil {
		a.log.WithError(err).Error("failed to encode health assessment")
		return
	}
	if _, err := a.broker.Publish(ctx, streams.VehicleHealth, fields); err != nil {
		a.log.WithError(err).WithField("vehicle_id", assessment.VehicleID).Error("failed to publish health assessment")
		return
	}
	a.mPublished.Inc(1)
	a.bus.Publish(events.Event{
		Category: events.CategoryAggregator,
		Type:     "assessment_published",
		Labels:   map[string]string{"vehicle_id": assessment.VehicleID, "status": string(assessment.OverallStatus), "alert_level": assessment.AlertLevel},
		Fields:   map[string]interface{}{"composite_score": assessment.CompositeScore},
	})
}

func (a *Aggregator) vehicleFor(vehicleID string) *vehicleState {
	a.mu.RLock()
	vs, ok := a.vehicles[vehicleID]
	a.mu.RUnlock()
	if ok {
		return vs
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	vs, ok = a.vehicles[vehicleID]
	if !ok {
		vs = newVehicleState()
		a.vehicles[vehicleID] = vs
	}
	return vs
}

// LatestFor returns the most recently published assessment for vehicleID,
// serving `GET /vehicles/{id}/health`.
func (a *Aggregator) LatestFor(vehicleID string) (models.HealthAssessment, bool) {
	a.mu.RLock()
	vs, ok := a.vehicles[vehicleID]
	a.mu.RUnlock()
	if !ok {
		return models.HealthAssessment{}, false
	}
	return vs.snapshot()
}

// History returns the retained FaultScores for vehicleID (optionally
// filtered by family) since the given time, serving
// `GET /vehicles/{id}/history`.
func (a *Aggregator) History(vehicleID string, family models.FaultFamily, since time.Time) []models.FaultScore {
	a.mu.RLock()
	vs, ok := a.vehicles[vehicleID]
	a.mu.RUnlock()
	if !ok {
		return nil
	}
	return vs.historySnapshot(family, since)
}

// CriticalAlerts returns up to limit of the most recently published
// critical-alert-level assessments across all tracked vehicles, serving
// `GET /alerts/critical`.
func (a *Aggregator) CriticalAlerts(limit int) []models.HealthAssessment {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []models.HealthAssessment
	for _, vs := range a.vehicles {
		assessment, ok := vs.snapshot()
		if ok && assessment.AlertLevel == "critical" {
			out = append(out, assessment)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssessedAt.After(out[j].AssessedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// EvictInactive drops vehicle states whose most recent family score is
// older than maxAge, bounding memory for a fleet with churn. Returns the
// number evicted.
func (a *Aggregator) EvictInactive(maxAge time.Duration) int {
	now := a.clock.Now()
	cutoff := now.Add(-maxAge)

	a.mu.Lock()
	defer a.mu.Unlock()
	removed := 0
	for id, vs := range a.vehicles {
		vs.mu.Lock()
		var latest time.Time
		for _, entry := range vs.families {
			if entry.receivedAt.After(latest) {
				latest = entry.receivedAt
			}
		}
		vs.mu.Unlock()
		if latest.Before(cutoff) {
			delete(a.vehicles, id)
			removed++
		}
	}
	if removed > 0 {
		a.mPruned.Inc(float64(removed))
	}
	return removed
}
