// Package worker implements the Worker Node (spec.md §4.3): it hosts one or
// more fault analyzers, consumes their consumer groups off the raw stream,
// scores each sample, publishes results, and reports health to the
// coordinator. Structurally this generalizes the reference engine's staged
// worker pool (discovery/extraction/processing/output queues) down to a
// single read-dispatch-ack stage per fault family.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/motorfleet/diagcluster/internal/analyzer"
	"github.com/motorfleet/diagcluster/internal/broker"
	"github.com/motorfleet/diagcluster/internal/clock"
	"github.com/motorfleet/diagcluster/internal/telemetry/events"
	"github.com/motorfleet/diagcluster/internal/telemetry/metrics"
	"github.com/motorfleet/diagcluster/pkg/models"
)

// Node is one Worker Node instance. It is safe to Start once; a new Node is
// required per restart.
type Node struct {
	cfg      Config
	broker   broker.Broker
	registry *analyzer.Registry
	bus      events.Bus
	metrics  metrics.Provider
	log      *logrus.Entry
	clock    clock.Clock

	state   *stateMachine
	windows map[models.FaultFamily]*analyzer.Manager

	counters map[models.FaultFamily]*familyCounters

	wg     sync.WaitGroup
	cancel context.CancelFunc

	mProcessed metrics.Counter
	mFailed    metrics.Counter
	mDLQ       metrics.Counter
	mLatency   metrics.Histogram
}

// Deps bundles Node's external collaborators.
type Deps struct {
	Broker   broker.Broker
	Registry *analyzer.Registry
	Bus      events.Bus
	Metrics  metrics.Provider
	Logger   *logrus.Logger
	Clock    clock.Clock
}

// New constructs a Node in the initializing state. Start must be called to
// begin consuming.
func New(cfg Config, deps Deps) *Node {
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

	windows := make(map[models.FaultFamily]*analyzer.Manager, len(cfg.Families))
	counters := make(map[models.FaultFamily]*familyCounters, len(cfg.Families))
	for _, f := range cfg.Families {
		windows[f] = analyzer.NewManager(cfg.WindowSize, cfg.WindowAge)
		counters[f] = &familyCounters{}
	}

	n := &Node{
		cfg:      cfg,
		broker:   deps.Broker,
		registry: deps.Registry,
		bus:      deps.Bus,
		metrics:  deps.Metrics,
		log:      logger.WithField("worker_id", cfg.WorkerID),
		clock:    deps.Clock,
		state:    newStateMachine(),
		windows:  windows,
		counters: counters,
	}
	n.initMetrics()
	return n
}

func (n *Node) initMetrics() {
	n.mProcessed = n.metrics.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "diagcluster", Subsystem: "worker", Name: "processed_total", Help: "Samples successfully scored",
		Labels: []string{"family"},
	}})
	n.mFailed = n.metrics.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "diagcluster", Subsystem: "worker", Name: "failed_total", Help: "Samples that failed transiently",
		Labels: []string{"family"},
	}})
	n.mDLQ = n.metrics.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "diagcluster", Subsystem: "worker", Name: "dlq_total", Help: "Samples routed to the DLQ counter",
		Labels: []string{"family"},
	}})
	n.mLatency = n.metrics.NewHistogram(metrics.HistogramOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "diagcluster", Subsystem: "worker", Name: "analyze_latency_ms", Help: "Analyzer latency in milliseconds",
		Labels: []string{"family"},
	}, Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500}})
}

// State returns the node's current lifecycle state.
func (n *Node) State() models.WorkerState { return n.state.Current() }

// Start registers the node, joins every configured family's consumer group,
// and spawns the read-dispatch-ack loop plus the heartbeat loop.
func (n *Node) Start(ctx context.Context) error {
	if err := n.state.Transition(models.WorkerRegistering); err != nil {
		return err
	}
	for _, f := range n.cfg.Families {
		if _, ok := n.registry.Get(f); !ok {
			return fmt.Errorf("worker: no analyzer registered for family %s", f)
		}
		if err := n.broker.CreateGroup(ctx, RawStream, GroupForFamily(f), true); err != nil {
			return fmt.Errorf("worker: create group for %s: %w", f, err)
		}
	}
	if err := n.heartbeatOnce(ctx); err != nil {
		n.log.WithError(err).Warn("initial heartbeat failed, continuing")
	}
	if err := n.state.Transition(models.WorkerRunning); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	for _, f := range n.cfg.Families {
		n.wg.Add(1)
		go n.consumeFamily(runCtx, f)
	}
	n.wg.Add(1)
	go n.heartbeatLoop(runCtx)

	n.log.WithField("families", n.cfg.Families).Info("worker node started")
	return nil
}

// Stop transitions the node through draining and waits (bounded by
// cfg.ShutdownGrace) for in-flight messages to finish before reporting
// stopped. Partially processed messages are left unacked for a successor to
// claim, per spec.md §5's cancellation contract.
func (n *Node) Stop(ctx context.Context) error {
	if err := n.state.Transition(models.WorkerDraining); err != nil {
		return err
	}
	if n.cancel != nil {
		n.cancel()
	}

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-n.clock.After(n.cfg.ShutdownGrace):
		n.log.Warn("shutdown grace period elapsed with workers still draining")
	case <-ctx.Done():
	}

	n.log.Info("worker node stopped")
	return n.state.Transition(models.WorkerStopped)
}

func (n *Node) consumeFamily(ctx context.Context, family models.FaultFamily) {
	defer n.wg.Done()
	consumer := fmt.Sprintf("%s_consumer_%s", family, n.cfg.WorkerID)
	group := GroupForFamily(family)
	log := n.log.WithFields(logrus.Fields{"family": family, "consumer": consumer})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := n.broker.ReadGroup(ctx, RawStream, group, consumer, n.cfg.BatchSize, n.cfg.BlockInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Error("read-group failed")
			continue
		}
		for _, m := range msgs {
			n.dispatch(ctx, family, group, m, log)
		}
		n.refreshDegradedState(family, log)
	}
}

func (n *Node) dispatch(ctx context.Context, family models.FaultFamily, group string, msg broker.Message, log *logrus.Entry) {
	start := n.clock.Now()
	sample, err := models.SampleFromFields(msg.ID, msg.Fields)
	if err != nil {
		// Malformed payload can never be analyzed successfully; treat like a
		// poison sample rather than retrying forever.
		n.ackAsDLQ(ctx, family, group, msg.ID, log.WithError(err))
		return
	}

	window := n.windows[family]
	vehicleWindow := window.WindowFor(sample.VehicleID)
	snapshot := vehicleWindow.Snapshot()

	a, _ := n.registry.Get(family)
	score, err := a.Analyze(sample, snapshot, n.cfg.Thresholds)
	if err != nil {
		n.handleAnalyzeError(ctx, family, group, msg.ID, sample, err, log)
		return
	}
	score.ProducedByWorker = n.cfg.WorkerID

	fields, err := models.ScoreToFields(score)
	if err != nil {
		log.WithError(err).Error("failed to encode fault score")
		return
	}
	if _, err := n.broker.Publish(ctx, ResultsStream, fields); err != nil {
		log.WithError(err).WithField("vehicle_id", sample.VehicleID).Error("failed to publish fault score")
		return
	}
	if err := n.broker.Ack(ctx, RawStream, group, msg.ID); err != nil {
		log.WithError(err).Error("failed to ack raw message")
		return
	}

	vehicleWindow.Add(sample)
	latencyMs := float64(n.clock.Now().Sub(start).Microseconds()) / 1000.0
	n.counters[family].recordSuccess(latencyMs)
	n.mProcessed.Inc(1, string(family))
	n.mLatency.Observe(latencyMs, string(family))

	n.bus.Publish(events.Event{
		Category: events.CategoryWorker,
		Type:     "score_published",
		Labels:   map[string]string{"family": string(family), "vehicle_id": sample.VehicleID, "worker_id": n.cfg.WorkerID},
		Fields:   map[string]interface{}{"severity": score.Severity, "status": string(score.Status)},
	})
	log.WithFields(logrus.Fields{"vehicle_id": sample.VehicleID, "message_id": msg.ID, "severity": score.Severity}).Debug("scored sample")
}

// handleAnalyzeError applies spec.md §4.3's per-family failure policy: a
// poison sample is DLQ-counted and acked so it can never loop forever; any
// other error is treated as transient and left unacked so claim can hand it
// to a successor.
func (n *Node) handleAnalyzeError(ctx context.Context, family models.FaultFamily, group, msgID string, sample models.VehicleSample, err error, log *logrus.Entry) {
	var poison *analyzer.ErrPoisonSample
	if errors.As(err, &poison) {
		n.ackAsDLQ(ctx, family, group, msgID, log.WithError(err).WithField("vehicle_id", sample.VehicleID))
		return
	}

	n.counters[family].recordFailure()
	n.mFailed.Inc(1, string(family))
	log.WithError(err).WithField("vehicle_id", sample.VehicleID).Warn("transient analyzer error, leaving message unacked for claim")
	n.bus.Publish(events.Event{
		Category: events.CategoryWorker,
		Type:     "analyze_transient_error",
		Severity: "warning",
		Labels:   map[string]string{"family": string(family), "vehicle_id": sample.VehicleID, "worker_id": n.cfg.WorkerID},
		Fields:   map[string]interface{}{"error": err.Error()},
	})
}

func (n *Node) ackAsDLQ(ctx context.Context, family models.FaultFamily, group, msgID string, log *logrus.Entry) {
	if err := n.broker.Ack(ctx, RawStream, group, msgID); err != nil {
		log.WithError(err).Error("failed to ack poison message")
	}
	n.counters[family].recordDLQ()
	n.mDLQ.Inc(1, string(family))
	log.Error("poison sample routed to DLQ counter and acked")
	n.bus.Publish(events.Event{
		Category: events.CategoryWorker,
		Type:     "dlq",
		Severity: "error",
		Labels:   map[string]string{"family": string(family), "worker_id": n.cfg.WorkerID, "message_id": msgID},
	})
}

func (n *Node) refreshDegradedState(family models.FaultFamily, log *logrus.Entry) {
	successRate, avgLatencyMs, _ := n.counters[family].peek()
	degraded := successRate < n.cfg.DegradedSuccessRate || avgLatencyMs > n.cfg.DegradedLatencyBudgetMs
	current := n.state.Current()

	if degraded && current == models.WorkerRunning {
		if err := n.state.Transition(models.WorkerDegraded); err == nil {
			log.WithFields(logrus.Fields{"success_rate": successRate, "avg_latency_ms": avgLatencyMs}).Warn("worker entering degraded state")
			n.bus.Publish(events.Event{Category: events.CategoryWorker, Type: "degraded", Severity: "warning", Labels: map[string]string{"worker_id": n.cfg.WorkerID, "family": string(family)}})
		}
	} else if !degraded && current == models.WorkerDegraded {
		if err := n.state.Transition(models.WorkerRunning); err == nil {
			log.Info("worker recovered from degraded state")
			n.bus.Publish(events.Event{Category: events.CategoryWorker, Type: "recovered", Labels: map[string]string{"worker_id": n.cfg.WorkerID, "family": string(family)}})
		}
	}
}

func (n *Node) heartbeatLoop(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.heartbeatOnce(ctx); err != nil {
				n.log.WithError(err).Warn("heartbeat failed")
			}
		}
	}
}

func (n *Node) heartbeatOnce(ctx context.Context) error {
	load := n.aggregateLoad()
	reg := models.WorkerRegistration{
		WorkerID:          n.cfg.WorkerID,
		SupportedFamilies: n.cfg.Families,
		StartedAt:         n.clock.Now(),
		LastHeartbeat:     n.clock.Now(),
		State:             n.state.Current(),
		Load:              load,
	}
	fields, err := models.RegistrationToFields(reg)
	if err != nil {
		return err
	}
	if _, err := n.broker.Publish(ctx, HeartbeatStream, fields); err != nil {
		return fmt.Errorf("worker: publish heartbeat: %w", err)
	}
	return nil
}

func (n *Node) aggregateLoad() models.WorkerLoad {
	var load models.WorkerLoad
	var rateSum, latSum float64
	var dlqTotal int64
	count := 0
	for _, c := range n.counters {
		rate, lat, dlq := c.snapshot()
		rateSum += rate
		latSum += lat
		dlqTotal += dlq
		count++
	}
	if count > 0 {
		load.SuccessRate = rateSum / float64(count)
		load.AvgLatencyMs = latSum / float64(count)
	}
	load.DLQCount = dlqTotal
	return load
}
