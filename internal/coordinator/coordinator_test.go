package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/motorfleet/diagcluster/internal/broker"
	"github.com/motorfleet/diagcluster/internal/streams"
	"github.com/motorfleet/diagcluster/internal/telemetry/events"
	"github.com/motorfleet/diagcluster/pkg/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1700000000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}
func (c *fakeClock) Sleep(d time.Duration) { c.advance(d) }
func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.advance(d)
	ch <- c.Now()
	return ch
}
func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func testRegistration(workerID string, families []models.FaultFamily, state models.WorkerState) models.WorkerRegistration {
	return models.WorkerRegistration{
		WorkerID:          workerID,
		SupportedFamilies: families,
		StartedAt:         time.Unix(1700000000, 0),
		LastHeartbeat:     time.Unix(1700000000, 0),
		State:             state,
		Load:              models.WorkerLoad{SuccessRate: 0.99, AvgLatencyMs: 5, CPUPercent: 0.1, MemPercent: 0.2, QueueLength: 1},
	}
}

func TestRegistryUpsertAndSweepExpired(t *testing.T) {
	r := newRegistry()
	now := time.Unix(1700000000, 0)
	r.Upsert(testRegistration("w1", []models.FaultFamily{models.Bearing}, models.WorkerRunning), now)

	reg, ok := r.Get("w1")
	require.True(t, ok)
	assert.Equal(t, "w1", reg.WorkerID)
	assert.Equal(t, 1, r.Count(models.Bearing))

	expired := r.SweepExpired(now.Add(20*time.Second), 15*time.Second)
	require.Len(t, expired, 1)
	assert.Equal(t, "w1", expired[0].WorkerID)
	_, ok = r.Get("w1")
	assert.False(t, ok)
}

func TestScoreDeprioritizesDegradedWorker(t *testing.T) {
	w := DefaultWeights()
	load := models.WorkerLoad{SuccessRate: 0.95, AvgLatencyMs: 10, CPUPercent: 0.2, MemPercent: 0.2, QueueLength: 5}

	running := Score(load, HealthFor(models.WorkerRunning), w)
	degraded := Score(load, HealthFor(models.WorkerDegraded), w)
	draining := Score(load, HealthFor(models.WorkerDraining), w)

	assert.Greater(t, running, degraded)
	assert.Greater(t, degraded, draining)
	assert.Equal(t, 0.0, draining)
}

func TestRankForFamilyOrdersDescending(t *testing.T) {
	w := DefaultWeights()
	good := testRegistration("good", []models.FaultFamily{models.Bearing}, models.WorkerRunning)
	bad := testRegistration("bad", []models.FaultFamily{models.Bearing}, models.WorkerRunning)
	bad.Load = models.WorkerLoad{SuccessRate: 0.2, AvgLatencyMs: 300, CPUPercent: 0.9, MemPercent: 0.9, QueueLength: 400}

	ranked := RankForFamily([]models.WorkerRegistration{bad, good}, w)
	require.Len(t, ranked, 2)
	assert.Equal(t, "good", ranked[0].Registration.WorkerID)
	assert.Equal(t, "bad", ranked[1].Registration.WorkerID)
}

func TestAutoscalerRequiresSustainAndRespectsCooldown(t *testing.T) {
	rules := DefaultAutoscaleRules()
	rules.SustainUp = 10 * time.Second
	rules.Cooldown = 30 * time.Second
	a := newAutoscaler(rules)

	now := time.Unix(1700000000, 0)
	d := a.Evaluate(models.Bearing, rules.UpThreshold+1, 0.9, 2, now)
	assert.Equal(t, ScaleNone, d.Action, "first over-threshold observation should only start the sustain timer")

	now = now.Add(5 * time.Second)
	d = a.Evaluate(models.Bearing, rules.UpThreshold+1, 0.9, 2, now)
	assert.Equal(t, ScaleNone, d.Action, "sustain window not yet elapsed")

	now = now.Add(6 * time.Second)
	d = a.Evaluate(models.Bearing, rules.UpThreshold+1, 0.9, 2, now)
	require.Equal(t, ScaleUp, d.Action)
	assert.Equal(t, 3, d.NewCount)

	now = now.Add(1 * time.Second)
	d = a.Evaluate(models.Bearing, rules.UpThreshold+1, 0.9, 3, now)
	assert.Equal(t, ScaleNone, d.Action, "cooldown should suppress a second decision")
}

func TestAutoscalerScalesDownOnSustainedIdle(t *testing.T) {
	rules := DefaultAutoscaleRules()
	rules.SustainDown = 5 * time.Second
	rules.MinConsumersPerFamily = 1
	a := newAutoscaler(rules)

	now := time.Unix(1700000000, 0)
	a.Evaluate(models.Bearing, rules.DownThreshold-1, 0.05, 3, now)
	now = now.Add(6 * time.Second)
	d := a.Evaluate(models.Bearing, rules.DownThreshold-1, 0.05, 3, now)
	require.Equal(t, ScaleDown, d.Action)
	assert.Equal(t, 2, d.NewCount)
}

func TestAutoscalerRespectsMinimumConsumers(t *testing.T) {
	rules := DefaultAutoscaleRules()
	rules.SustainDown = 0
	rules.MinConsumersPerFamily = 1
	a := newAutoscaler(rules)

	now := time.Unix(1700000000, 0)
	d := a.Evaluate(models.Bearing, rules.DownThreshold-1, 0.0, 1, now)
	assert.Equal(t, ScaleNone, d.Action, "pool already at the minimum must not scale down further")
}

func TestCircuitBreakerTripsAfterRepeatedFailures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CircuitFailureThreshold = 3
	cfg.CircuitWindow = time.Minute
	cfg.CircuitCoolOff = time.Minute
	b := newCircuitBreaker(cfg)

	now := time.Unix(1700000000, 0)
	assert.True(t, b.Allow("flaky", now))
	b.RecordFailure("flaky", now)
	b.RecordFailure("flaky", now.Add(time.Second))
	assert.True(t, b.Allow("flaky", now.Add(time.Second)), "below threshold, still allowed")
	b.RecordFailure("flaky", now.Add(2*time.Second))
	assert.False(t, b.Allow("flaky", now.Add(2*time.Second)), "threshold reached, circuit should open")

	past := now.Add(2*time.Second + cfg.CircuitCoolOff + time.Second)
	assert.True(t, b.Allow("flaky", past), "circuit should close again after cool-off")
}

type fakeScaler struct {
	mu    sync.Mutex
	calls []ScaleDecision
}

func (f *fakeScaler) Scale(_ context.Context, family models.FaultFamily, newCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ScaleDecision{Family: family, NewCount: newCount})
	return nil
}

func (f *fakeScaler) snapshot() []ScaleDecision {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ScaleDecision, len(f.calls))
	copy(out, f.calls)
	return out
}

func TestApplyScaleExecutesThroughScalerWithinBounds(t *testing.T) {
	mem := broker.NewMemory()
	fs := &fakeScaler{}
	coord := New(DefaultConfig(), Deps{Broker: mem, Bus: events.NewBus(nil), Scaler: fs})

	decision, err := coord.ApplyScale(context.Background(), models.Bearing, 3)
	require.NoError(t, err)
	assert.Equal(t, ScaleUp, decision.Action)
	assert.Equal(t, 3, decision.NewCount)

	calls := fs.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, models.Bearing, calls[0].Family)
	assert.Equal(t, 3, calls[0].NewCount)

	// Out-of-bounds requests are clamped before reaching the scaler.
	decision, err = coord.ApplyScale(context.Background(), models.Bearing, 999)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Autoscale.MaxConsumersPerFamily, decision.NewCount)
	calls = fs.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, DefaultConfig().Autoscale.MaxConsumersPerFamily, calls[1].NewCount)
}

func TestEvaluateScaleExecutesSustainedScaleUpThroughScaler(t *testing.T) {
	mem := broker.NewMemory()
	fs := &fakeScaler{}
	cfg := DefaultConfig()
	cfg.Autoscale.SustainUp = 0
	coord := New(cfg, Deps{Broker: mem, Bus: events.NewBus(nil), Scaler: fs})

	ctx := context.Background()
	group := streams.RawGroupFor(models.Bearing)
	require.NoError(t, mem.CreateGroup(ctx, streams.RawData, group, false))
	for i := int64(0); i <= cfg.Autoscale.UpThreshold; i++ {
		_, err := mem.Publish(ctx, streams.RawData, map[string]string{"vehicle_id": "v1"})
		require.NoError(t, err)
	}
	_, err := mem.ReadGroup(ctx, streams.RawData, group, "bearing_consumer_w1", cfg.Autoscale.UpThreshold+1, 0)
	require.NoError(t, err)

	coord.registry.Upsert(testRegistration("w1", []models.FaultFamily{models.Bearing}, models.WorkerRunning), time.Unix(1700000000, 0))
	coord.evaluateScale(ctx, models.Bearing, time.Unix(1700000000, 0))

	calls := fs.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, models.Bearing, calls[0].Family)
	assert.Equal(t, 2, calls[0].NewCount)
}

func newTestCoordinator(t *testing.T) (*Coordinator, broker.Broker, *fakeClock) {
	t.Helper()
	mem := broker.NewMemory()
	clk := newFakeClock()
	cfg := DefaultConfig()
	cfg.ReadBlock = 20 * time.Millisecond
	cfg.SweepInterval = 20 * time.Millisecond
	coord := New(cfg, Deps{Broker: mem, Bus: events.NewBus(nil), Clock: clk})
	return coord, mem, clk
}

func TestCoordinatorConsumesHeartbeatIntoRegistry(t *testing.T) {
	coord, mem, clk := newTestCoordinator(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, coord.Start(ctx))

	fields, err := models.RegistrationToFields(testRegistration("w1", []models.FaultFamily{models.Bearing}, models.WorkerRunning))
	require.NoError(t, err)
	_, err = mem.Publish(ctx, streams.Heartbeats, fields)
	require.NoError(t, err)

	waitForCondition(t, 2*time.Second, func() bool {
		snap := coord.Snapshot()
		return len(snap) == 1
	})

	ranked := coord.RankForFamily(models.Bearing)
	require.Len(t, ranked, 1)
	assert.Equal(t, "w1", ranked[0].Registration.WorkerID)

	_ = clk
	require.NoError(t, coord.Stop(context.Background()))
}

func TestCoordinatorEvictsStaleWorkerAndReclaimsPending(t *testing.T) {
	coord, mem, clk := newTestCoordinator(t)
	coord.cfg.RegistryTTL = 30 * time.Millisecond
	coord.cfg.SweepInterval = time.Hour // disable the background ticker; sweepOnce is invoked manually below

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, coord.Start(ctx))

	stale := testRegistration("stale", []models.FaultFamily{models.Bearing}, models.WorkerRunning)
	survivor := testRegistration("survivor", []models.FaultFamily{models.Bearing}, models.WorkerRunning)
	for _, reg := range []models.WorkerRegistration{stale, survivor} {
		fields, err := models.RegistrationToFields(reg)
		require.NoError(t, err)
		_, err = mem.Publish(ctx, streams.Heartbeats, fields)
		require.NoError(t, err)
	}
	waitForCondition(t, 2*time.Second, func() bool { return len(coord.Snapshot()) == 2 })

	require.NoError(t, mem.CreateGroup(ctx, streams.RawData, streams.RawGroupFor(models.Bearing), true))
	_, err := mem.Publish(ctx, streams.RawData, map[string]string{"vehicle_id": "v1"})
	require.NoError(t, err)
	_, err = mem.ReadGroup(ctx, streams.RawData, streams.RawGroupFor(models.Bearing), "bearing_consumer_stale", 10, 0)
	require.NoError(t, err)

	// let real wall-clock idle time on the pending message clear the
	// min-idle guard before advancing the virtual clock.
	time.Sleep(50 * time.Millisecond)

	// Advance the virtual clock, then refresh only survivor's heartbeat so
	// its last-seen timestamp lands after the advance while stale's stays
	// behind it — that's what makes only stale cross the TTL.
	clk.advance(time.Second)

	refreshed := survivor
	refreshed.Load.QueueLength = 99
	survivorFields, err := models.RegistrationToFields(refreshed)
	require.NoError(t, err)
	_, err = mem.Publish(ctx, streams.Heartbeats, survivorFields)
	require.NoError(t, err)
	waitForCondition(t, time.Second, func() bool {
		reg, ok := coord.registry.Get("survivor")
		return ok && reg.Load.QueueLength == 99
	})

	coord.sweepOnce(ctx)

	_, ok := coord.registry.Get("stale")
	assert.False(t, ok)
	_, ok = coord.registry.Get("survivor")
	assert.True(t, ok)

	pending, err := mem.Pending(ctx, streams.RawData, streams.RawGroupFor(models.Bearing))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending["bearing_consumer_survivor"])

	require.NoError(t, coord.Stop(context.Background()))
}
