// Package coordinator implements the service registry, multi-dimensional
// load balancer, autoscaler, and failure detector from spec.md §4.5. It
// never holds a reference to a worker process: the only coupling is
// through the broker's heartbeat stream and the raw-data consumer groups
// it reassigns pending messages on (spec.md §9's cyclic-reference note).
package coordinator

import (
	"context"
	"fmt"
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

const registryConsumerGroup = "coordinator_registry"
const registryConsumerName = "coordinator"

// Coordinator owns the live worker Registry, the per-family autoscaler,
// and the per-worker-id circuit breaker.
type Coordinator struct {
	cfg     Config
	broker  broker.Broker
	bus     events.Bus
	metrics metrics.Provider
	log     *logrus.Entry
	clock   clock.Clock

	registry  *Registry
	autoscale *autoscaler
	breaker   *circuitBreaker
	scaler    Scaler

	wg     sync.WaitGroup
	cancel context.CancelFunc

	mEvictions metrics.Counter
	mScaleUp   metrics.Counter
	mScaleDown metrics.Counter
}

// Scaler executes a scale decision by resizing one family's consumer pool.
// internal/worker.Pool implements it in production; a nil Scaler makes the
// coordinator's decisions advisory-only (events and metrics, no effect),
// which is what most unit tests want.
type Scaler interface {
	Scale(ctx context.Context, family models.FaultFamily, newCount int) error
}

// Deps bundles Coordinator's external collaborators.
type Deps struct {
	Broker  broker.Broker
	Bus     events.Bus
	Metrics metrics.Provider
	Logger  *logrus.Logger
	Clock   clock.Clock
	Scaler  Scaler
}

// New constructs a Coordinator. Start must be called to begin consuming
// heartbeats and sweeping the registry.
func New(cfg Config, deps Deps) *Coordinator {
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
	c := &Coordinator{
		cfg:       cfg,
		broker:    deps.Broker,
		bus:       deps.Bus,
		metrics:   deps.Metrics,
		log:       logger.WithField("component", "coordinator"),
		clock:     deps.Clock,
		registry:  newRegistry(),
		autoscale: newAutoscaler(cfg.Autoscale),
		breaker:   newCircuitBreaker(cfg),
		scaler:    deps.Scaler,
	}
	c.mEvictions = c.metrics.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "diagcluster", Subsystem: "coordinator", Name: "worker_evictions_total", Help: "Workers evicted for a stale heartbeat",
	}})
	c.mScaleUp = c.metrics.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "diagcluster", Subsystem: "coordinator", Name: "scale_up_total", Help: "Scale-up decisions issued", Labels: []string{"family"},
	}})
	c.mScaleDown = c.metrics.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "diagcluster", Subsystem: "coordinator", Name: "scale_down_total", Help: "Scale-down decisions issued", Labels: []string{"family"},
	}})
	return c
}

// Start joins the heartbeat consumer group and begins the sweep loop.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.broker.CreateGroup(ctx, streams.Heartbeats, registryConsumerGroup, true); err != nil {
		return err
	}
	for _, f := range models.AllFamilies() {
		if err := c.broker.CreateGroup(ctx, streams.RawData, streams.RawGroupFor(f), true); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.consumeHeartbeats(runCtx)
	c.wg.Add(1)
	go c.sweepLoop(runCtx)

	c.log.Info("coordinator started")
	return nil
}

// Stop cancels the consume/sweep loops and waits for them to exit.
func (c *Coordinator) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	c.log.Info("coordinator stopped")
	return nil
}

func (c *Coordinator) consumeHeartbeats(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := c.broker.ReadGroup(ctx, streams.Heartbeats, registryConsumerGroup, registryConsumerName, c.cfg.ReadBatchSize, c.cfg.ReadBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.WithError(err).Error("heartbeat read-group failed")
			continue
		}
		for _, m := range msgs {
			c.handleHeartbeat(ctx, m)
		}
	}
}

func (c *Coordinator) handleHeartbeat(ctx context.Context, m broker.Message) {
	reg, err := models.RegistrationFromFields(m.Fields)
	if err != nil {
		c.log.WithError(err).Error("failed to decode worker registration, dropping heartbeat")
		_ = c.broker.Ack(ctx, streams.Heartbeats, registryConsumerGroup, m.ID)
		return
	}

	now := c.clock.Now()
	if !c.breaker.Allow(reg.WorkerID, now) {
		c.log.WithField("worker_id", reg.WorkerID).Warn("suppressing registration for worker id with open circuit")
		c.bus.Publish(events.Event{
			Category: events.CategoryCoordinator,
			Type:     "circuit_open",
			Severity: "warning",
			Labels:   map[string]string{"worker_id": reg.WorkerID},
		})
		_ = c.broker.Ack(ctx, streams.Heartbeats, registryConsumerGroup, m.ID)
		return
	}

	c.registry.Upsert(reg, now)
	c.breaker.RecordSuccess(reg.WorkerID, now)
	if err := c.broker.Ack(ctx, streams.Heartbeats, registryConsumerGroup, m.ID); err != nil {
		c.log.WithError(err).Error("failed to ack heartbeat")
	}
}

func (c *Coordinator) sweepLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepOnce(ctx)
		}
	}
}

func (c *Coordinator) sweepOnce(ctx context.Context) {
	now := c.clock.Now()

	expired := c.registry.SweepExpired(now, c.cfg.RegistryTTL)
	for _, reg := range expired {
		c.mEvictions.Inc(1)
		c.breaker.RecordFailure(reg.WorkerID, now)
		c.bus.Publish(events.Event{
			Category: events.CategoryCoordinator,
			Type:     "worker_evicted",
			Severity: "warning",
			Labels:   map[string]string{"worker_id": reg.WorkerID},
		})
		c.reclaimPending(ctx, reg, now)
	}
	c.breaker.SweepIdle(now, c.cfg.CircuitWindow+c.cfg.CircuitCoolOff)

	for _, family := range models.AllFamilies() {
		c.evaluateScale(ctx, family, now)
	}
}

// reclaimPending reassigns an evicted worker's pending raw-stream messages,
// per family it supported, to the best-ranked surviving worker for that
// family (spec.md §4.5's "claim that worker's pending messages (min-idle-
// ms guard) to other consumers in the same group").
func (c *Coordinator) reclaimPending(ctx context.Context, evicted models.WorkerRegistration, now time.Time) {
	for _, family := range evicted.SupportedFamilies {
		group := streams.RawGroupFor(family)
		consumerName := string(family) + "_consumer_" + evicted.WorkerID

		pending, err := c.broker.PendingDetail(ctx, streams.RawData, group, consumerName, 1000)
		if err != nil || len(pending) == 0 {
			continue
		}

		survivors := RankForFamily(c.registry.ForFamily(family), c.cfg.Weights)
		if len(survivors) == 0 {
			c.log.WithField("family", family).Warn("no surviving worker to reclaim pending messages")
			continue
		}
		target := string(family) + "_consumer_" + survivors[0].Registration.WorkerID

		ids := make([]string, 0, len(pending))
		for _, p := range pending {
			if p.IdleTime >= c.cfg.RegistryTTL {
				ids = append(ids, p.ID)
			}
		}
		if len(ids) == 0 {
			continue
		}

		if _, err := c.broker.Claim(ctx, streams.RawData, group, target, c.cfg.RegistryTTL, ids...); err != nil {
			c.log.WithError(err).WithField("family", family).Error("failed to reclaim pending messages")
			continue
		}
		c.bus.Publish(events.Event{
			Category: events.CategoryCoordinator,
			Type:     "claimed",
			Labels:   map[string]string{"family": string(family), "from_worker": evicted.WorkerID, "to_worker": survivors[0].Registration.WorkerID},
			Fields:   map[string]interface{}{"count": len(ids)},
		})
	}
}

func (c *Coordinator) evaluateScale(ctx context.Context, family models.FaultFamily, now time.Time) {
	group := streams.RawGroupFor(family)
	pending, err := c.broker.Pending(ctx, streams.RawData, group)
	if err != nil {
		c.log.WithError(err).WithField("family", family).Error("failed to read pending depth")
		return
	}
	var backlog int64
	for _, v := range pending {
		backlog += v
	}

	live := c.registry.ForFamily(family)
	avgUtilization := averageCPU(live)
	currentConsumers := len(live)
	if currentConsumers == 0 {
		currentConsumers = c.cfg.Autoscale.MinConsumersPerFamily
	}

	decision := c.autoscale.Evaluate(family, backlog, avgUtilization, currentConsumers, now)

	switch decision.Action {
	case ScaleUp:
		c.mScaleUp.Inc(1, string(family))
		c.bus.Publish(events.Event{Category: events.CategoryCoordinator, Type: "scale_up", Labels: map[string]string{"family": string(family)}, Fields: map[string]interface{}{"new_count": decision.NewCount, "backlog": backlog}})
	case ScaleDown:
		c.mScaleDown.Inc(1, string(family))
		c.bus.Publish(events.Event{Category: events.CategoryCoordinator, Type: "scale_down", Labels: map[string]string{"family": string(family)}, Fields: map[string]interface{}{"new_count": decision.NewCount, "backlog": backlog}})
	default:
		return
	}
	c.executeScale(ctx, decision)
}

// executeScale hands a non-ScaleNone decision to the configured Scaler.
// With no Scaler wired the decision stays advisory (events/metrics only).
func (c *Coordinator) executeScale(ctx context.Context, decision ScaleDecision) {
	if c.scaler == nil {
		return
	}
	if err := c.scaler.Scale(ctx, decision.Family, decision.NewCount); err != nil {
		c.log.WithError(err).WithField("family", decision.Family).Error("failed to apply scale decision")
	}
}

func averageCPU(workers []models.WorkerRegistration) float64 {
	if len(workers) == 0 {
		return 0
	}
	var sum float64
	for _, w := range workers {
		sum += w.Load.CPUPercent
	}
	return sum / float64(len(workers))
}

// Snapshot returns every live worker registration, serving `/system/status`.
func (c *Coordinator) Snapshot() []models.WorkerRegistration {
	return c.registry.Snapshot()
}

// RankForFamily exposes the advisory load-scoring ranking for one family.
func (c *Coordinator) RankForFamily(family models.FaultFamily) []RankedWorker {
	return RankForFamily(c.registry.ForFamily(family), c.cfg.Weights)
}

// ApplyScale lets `POST /system/scale` force a scale decision outside the
// autoscaler's own cadence, still bounded by the configured consumer
// limits, and executes it through the Scaler when one is wired.
func (c *Coordinator) ApplyScale(ctx context.Context, family models.FaultFamily, newCount int) (ScaleDecision, error) {
	if newCount < c.cfg.Autoscale.MinConsumersPerFamily {
		newCount = c.cfg.Autoscale.MinConsumersPerFamily
	}
	if newCount > c.cfg.Autoscale.MaxConsumersPerFamily {
		newCount = c.cfg.Autoscale.MaxConsumersPerFamily
	}
	current := c.registry.Count(family)
	action := ScaleNone
	switch {
	case newCount > current:
		action = ScaleUp
	case newCount < current:
		action = ScaleDown
	}
	decision := ScaleDecision{Family: family, Action: action, NewCount: newCount}
	if c.scaler != nil && action != ScaleNone {
		if err := c.scaler.Scale(ctx, family, newCount); err != nil {
			return decision, fmt.Errorf("coordinator: apply scale for %s: %w", family, err)
		}
	}
	c.bus.Publish(events.Event{Category: events.CategoryCoordinator, Type: "manual_scale", Labels: map[string]string{"family": string(family)}, Fields: map[string]interface{}{"new_count": newCount}})
	return decision, nil
}
