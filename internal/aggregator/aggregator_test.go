package aggregator

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

// fakeClock is a manually advanced clock.Clock used to make hysteresis and
// throttle behavior deterministic.
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

func testScore(vehicleID string, family models.FaultFamily, severity float64, at time.Time) models.FaultScore {
	status := models.StatusNormal
	switch {
	case severity >= 0.7:
		status = models.StatusFault
	case severity >= 0.3:
		status = models.StatusWarning
	}
	return models.FaultScore{
		VehicleID:       vehicleID,
		SampleTimestamp: at,
		FaultFamily:     family,
		Severity:        severity,
		Status:          status,
		ProducedByWorker: "w1",
	}
}

func newTestAggregator(t *testing.T) (*Aggregator, broker.Broker, *fakeClock) {
	t.Helper()
	mem := broker.NewMemory()
	clk := newFakeClock()
	cfg := DefaultConfig()
	cfg.ReadBlock = 20 * time.Millisecond
	agg := New(cfg, Deps{Broker: mem, Bus: events.NewBus(nil), Clock: clk})
	return agg, mem, clk
}

func TestAggregatorPublishesComposedAssessment(t *testing.T) {
	agg, mem, clk := newTestAggregator(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, agg.Start(ctx))

	fields, err := models.ScoreToFields(testScore("V1", models.Bearing, 0.2, clk.Now()))
	require.NoError(t, err)
	_, err = mem.Publish(ctx, streams.FaultResults, fields)
	require.NoError(t, err)

	waitForCondition(t, 2*time.Second, func() bool {
		_, ok := agg.LatestFor("V1")
		return ok
	})

	assessment, ok := agg.LatestFor("V1")
	require.True(t, ok)
	assert.Equal(t, models.StatusNormal, assessment.OverallStatus)
	assert.InDelta(t, 0.2, assessment.CompositeScore, 1e-9)
	assert.Equal(t, "none", assessment.AlertLevel)

	require.NoError(t, agg.Stop(context.Background()))
}

func TestVehicleStateSuppressesNonMeaningfulUpdate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CompositeHysteresis = 0.1
	cfg.PublishThrottle = time.Minute
	vs := newVehicleState()

	now := time.Unix(1700000000, 0)
	first, published := vs.update(testScore("V1", models.Bearing, 0.2, now), now, cfg)
	assert.True(t, published)
	assert.InDelta(t, 0.2, first.CompositeScore, 1e-9)

	now = now.Add(time.Second)
	second, published := vs.update(testScore("V1", models.Bearing, 0.22, now), now, cfg)
	assert.False(t, published, "delta below hysteresis should not republish")
	assert.Equal(t, first, second)
}

func TestVehicleStateRepublishesOnStatusTransitionDespiteThrottle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CompositeHysteresis = 0.5
	cfg.PublishThrottle = time.Hour
	vs := newVehicleState()

	now := time.Unix(1700000000, 0)
	_, published := vs.update(testScore("V1", models.Bearing, 0.1, now), now, cfg)
	require.True(t, published)

	now = now.Add(time.Millisecond)
	assessment, published := vs.update(testScore("V1", models.Bearing, 0.9, now), now, cfg)
	assert.True(t, published, "status-class transition must bypass throttle")
	assert.Equal(t, models.StatusFault, assessment.OverallStatus)
}

func TestVehicleStateIgnoresStaleOrDuplicateScoreForFamily(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PublishThrottle = 0
	cfg.CompositeHysteresis = 0
	vs := newVehicleState()

	now := time.Unix(1700000000, 0)
	newer := testScore("V1", models.Bearing, 0.2, now.Add(time.Second))
	_, published := vs.update(newer, now, cfg)
	require.True(t, published)

	// A claim-redelivered score with an older sample timestamp must not
	// regress the family slot, regardless of its severity.
	stale := testScore("V1", models.Bearing, 0.9, now)
	assessment, published := vs.update(stale, now.Add(10*time.Millisecond), cfg)
	assert.False(t, published)
	assert.InDelta(t, 0.2, assessment.CompositeScore, 1e-9)
	assert.Equal(t, newer.SampleTimestamp, assessment.PerFamilyScores[models.Bearing].SampleTimestamp)

	// An exact duplicate (same sample timestamp) is a no-op too.
	dup := testScore("V1", models.Bearing, 0.2, newer.SampleTimestamp)
	_, published = vs.update(dup, now.Add(20*time.Millisecond), cfg)
	assert.False(t, published)
	assert.Len(t, vs.historySnapshot(models.Bearing, now.Add(-time.Hour)), 1, "stale and duplicate scores must not grow the history either")
}

func TestVehicleStatePrunesStaleFamilies(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FreshnessWindow = time.Minute
	cfg.PublishThrottle = 0
	cfg.CompositeHysteresis = 0
	vs := newVehicleState()

	now := time.Unix(1700000000, 0)
	_, _ = vs.update(testScore("V1", models.Bearing, 0.9, now), now, cfg)

	later := now.Add(2 * time.Minute)
	assessment, published := vs.update(testScore("V1", models.Insulation, 0.1, later), later, cfg)
	assert.True(t, published)
	assert.Equal(t, models.StatusNormal, assessment.OverallStatus, "stale bearing score should be pruned out of the composite")
	_, hasBearing := assessment.PerFamilyScores[models.Bearing]
	assert.False(t, hasBearing)
}

func TestVehicleStateHistoryRetentionAndLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HistoryMaxEntries = 3
	cfg.HistoryRetention = time.Hour
	cfg.PublishThrottle = 0
	cfg.CompositeHysteresis = 0
	vs := newVehicleState()

	base := time.Unix(1700000000, 0)
	for i := 0; i < 5; i++ {
		at := base.Add(time.Duration(i) * time.Second)
		vs.update(testScore("V1", models.Bearing, 0.1, at), at, cfg)
	}

	hist := vs.historySnapshot(models.Bearing, base.Add(-time.Hour))
	require.Len(t, hist, 3, "history should be capped at HistoryMaxEntries")
	assert.Equal(t, base.Add(4*time.Second), hist[len(hist)-1].SampleTimestamp)
}

func TestAggregatorEvictInactive(t *testing.T) {
	agg, mem, clk := newTestAggregator(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, agg.Start(ctx))

	fields, err := models.ScoreToFields(testScore("V9", models.Bearing, 0.9, clk.Now()))
	require.NoError(t, err)
	_, err = mem.Publish(ctx, streams.FaultResults, fields)
	require.NoError(t, err)

	waitForCondition(t, 2*time.Second, func() bool {
		_, ok := agg.LatestFor("V9")
		return ok
	})

	clk.advance(2 * time.Hour)
	removed := agg.EvictInactive(time.Hour)
	assert.Equal(t, 1, removed)
	_, ok := agg.LatestFor("V9")
	assert.False(t, ok)

	require.NoError(t, agg.Stop(context.Background()))
}
