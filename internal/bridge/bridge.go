// Package bridge implements the Frontend Bridge (spec.md §4.6): it tails
// the fault-results and vehicle-health streams on its own consumer groups,
// replays and updates an adaptive per-(vehicle,stream) cache, and fans
// each message out to live subscriber sessions with per-session
// backpressure and dedup.
package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/motorfleet/diagcluster/internal/broker"
	"github.com/motorfleet/diagcluster/internal/streams"
	"github.com/motorfleet/diagcluster/internal/telemetry/events"
	"github.com/motorfleet/diagcluster/internal/telemetry/metrics"
	"github.com/motorfleet/diagcluster/pkg/models"
)

const (
	streamFaultResults = "fault_results"
	streamHealth       = "vehicle_health"
)

// Bridge owns the cache, the live session set, and the two consume loops
// feeding them.
type Bridge struct {
	cfg     Config
	broker  broker.Broker
	bus     events.Bus
	metrics metrics.Provider
	log     *logrus.Entry
	cache   *adaptiveCache

	mu       sync.RWMutex
	sessions map[string]*Session

	wg     sync.WaitGroup
	cancel context.CancelFunc

	mPushed  metrics.Counter
	mDropped metrics.Counter
}

// Deps bundles Bridge's external collaborators.
type Deps struct {
	Broker  broker.Broker
	Bus     events.Bus
	Metrics metrics.Provider
	Logger  *logrus.Logger
}

// New constructs a Bridge. Start must be called to begin tailing streams.
func New(cfg Config, deps Deps) *Bridge {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoopProvider()
	}
	logger := deps.Logger
	if logger == nil {
		logger = logrus.New()
	}
	b := &Bridge{
		cfg:      cfg,
		broker:   deps.Broker,
		bus:      deps.Bus,
		metrics:  deps.Metrics,
		log:      logger.WithField("component", "bridge"),
		cache:    newAdaptiveCache(cfg),
		sessions: make(map[string]*Session),
	}
	b.mPushed = b.metrics.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "diagcluster", Subsystem: "bridge", Name: "messages_pushed_total", Help: "Messages pushed to subscriber sessions",
	}})
	b.mDropped = b.metrics.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "diagcluster", Subsystem: "bridge", Name: "messages_dropped_total", Help: "Messages refused by a closed subscriber session",
	}})
	return b
}

// Start joins the bridge's own consumer groups on the results and health
// streams and begins tailing both.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.broker.CreateGroup(ctx, streams.FaultResults, streams.BridgeFaultGroup, true); err != nil {
		return err
	}
	if err := b.broker.CreateGroup(ctx, streams.VehicleHealth, streams.BridgeHealthGroup, true); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	b.wg.Add(1)
	go b.consumeLoop(runCtx, streams.FaultResults, streams.BridgeFaultGroup, b.handleFaultResult)
	b.wg.Add(1)
	go b.consumeLoop(runCtx, streams.VehicleHealth, streams.BridgeHealthGroup, b.handleHealthAssessment)

	b.log.Info("bridge started")
	return nil
}

// Stop cancels both consume loops, closes every live session, and waits
// for the loops to exit.
func (b *Bridge) Stop(ctx context.Context) error {
	if b.cancel != nil {
		b.cancel()
	}

	b.mu.Lock()
	for _, s := range b.sessions {
		s.Close()
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	b.log.Info("bridge stopped")
	return nil
}

type messageHandler func(m broker.Message) (vehicleID, status string, payload []byte, err error)

func (b *Bridge) consumeLoop(ctx context.Context, stream, group string, handle messageHandler) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := b.broker.ReadGroup(ctx, stream, group, b.cfg.ConsumerName, b.cfg.ReadBatchSize, b.cfg.ReadBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.log.WithError(err).WithField("stream", stream).Error("read-group failed")
			continue
		}
		for _, m := range msgs {
			vehicleID, status, payload, err := handle(m)
			if err != nil {
				b.log.WithError(err).WithField("stream", stream).Error("failed to decode message, dropping")
			} else {
				b.fanOut(stream, vehicleID, status, payload)
			}
			// Ack after the push attempt regardless of per-session outcome:
			// spec.md §4.6's tail is best-effort toward the dashboard, not a
			// guaranteed-delivery channel.
			if err := b.broker.Ack(ctx, stream, group, m.ID); err != nil {
				b.log.WithError(err).Error("failed to ack bridge message")
			}
		}
	}
}

func (b *Bridge) handleFaultResult(m broker.Message) (string, string, []byte, error) {
	score, err := models.ScoreFromFields(m.Fields)
	if err != nil {
		return "", "", nil, err
	}
	payload, err := json.Marshal(score)
	if err != nil {
		return "", "", nil, err
	}
	return score.VehicleID, string(score.Status), payload, nil
}

func (b *Bridge) handleHealthAssessment(m broker.Message) (string, string, []byte, error) {
	assessment, err := models.AssessmentFromFields(m.Fields)
	if err != nil {
		return "", "", nil, err
	}
	payload, err := json.Marshal(assessment)
	if err != nil {
		return "", "", nil, err
	}
	return assessment.VehicleID, string(assessment.OverallStatus), payload, nil
}

func (b *Bridge) fanOut(stream, vehicleID, status string, payload []byte) {
	logicalStream := logicalStreamName(stream)
	b.cache.Put(vehicleID, logicalStream, payload)

	now := time.Now()
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.sessions {
		if !s.Matches(vehicleID) {
			continue
		}
		msg := outboundMessage{vehicleID: vehicleID, stream: logicalStream, status: status, payload: payload, queuedAt: now}
		if !s.Enqueue(msg) {
			b.mDropped.Inc(1)
		}
	}
}

func logicalStreamName(stream string) string {
	if stream == streams.FaultResults {
		return streamFaultResults
	}
	return streamHealth
}

// Subscribe registers a new subscriber session, replays its cached backlog
// for vehicleFilter (an empty filter gets no replay, only the live tail),
// and starts its pump goroutine. The caller owns sink's lifecycle via the
// returned Session's Close.
func (b *Bridge) Subscribe(id, vehicleFilter string, sink Sink) *Session {
	s := newSession(id, vehicleFilter, sink, b.cfg)

	b.mu.Lock()
	b.sessions[id] = s
	b.mu.Unlock()

	b.replay(s, vehicleFilter)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		s.pump(func(latency time.Duration, at time.Time) {
			b.cache.ObservePushLatency(latency, at)
			b.mPushed.Inc(1)
		})
		b.mu.Lock()
		delete(b.sessions, id)
		b.mu.Unlock()
	}()

	return s
}

func (b *Bridge) replay(s *Session, vehicleID string) {
	if vehicleID == "" {
		return
	}
	for _, logical := range []string{streamFaultResults, streamHealth} {
		for _, payload := range b.cache.Replay(vehicleID, logical) {
			s.Enqueue(outboundMessage{vehicleID: vehicleID, stream: logical, payload: payload, queuedAt: time.Now()})
		}
	}
}

// Unsubscribe closes and drops a session by id.
func (b *Bridge) Unsubscribe(id string) {
	b.mu.Lock()
	s, ok := b.sessions[id]
	b.mu.Unlock()
	if ok {
		s.Close()
	}
}

// SessionCount returns the number of live subscriber sessions.
func (b *Bridge) SessionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

// CacheStats exposes the adaptive cache's cumulative hit/miss counters.
func (b *Bridge) CacheStats() (hits, misses int64) {
	return b.cache.Stats()
}
