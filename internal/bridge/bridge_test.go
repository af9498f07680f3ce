package bridge

import (
	"context"
	"encoding/json"
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

type recordingSink struct {
	mu       sync.Mutex
	messages [][]byte
	closed   bool
}

func (r *recordingSink) WriteMessage(payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	r.messages = append(r.messages, cp)
	return nil
}
func (r *recordingSink) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
func (r *recordingSink) snapshot() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.messages))
	copy(out, r.messages)
	return out
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

func TestAdaptiveCachePutReplayAndLRUEviction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CacheStartMessages = 2
	cfg.CacheMaxKeys = 1
	c := newAdaptiveCache(cfg)

	c.Put("v1", "fault_results", []byte("a"))
	c.Put("v1", "fault_results", []byte("b"))
	c.Put("v1", "fault_results", []byte("c"))

	replayed := c.Replay("v1", "fault_results")
	require.Len(t, replayed, 2, "retained count should cap at CacheStartMessages")
	assert.Equal(t, []byte("b"), replayed[0])
	assert.Equal(t, []byte("c"), replayed[1])

	c.Put("v2", "fault_results", []byte("x"))
	assert.Nil(t, c.Replay("v1", "fault_results"), "v1 should have been evicted once the single-key cap was exceeded")
	assert.Equal(t, [][]byte{[]byte("x")}, c.Replay("v2", "fault_results"))
}

func TestAdaptiveCacheLatencyShrinksAndGrows(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CacheStartMessages = 8
	cfg.CacheMinMessages = 2
	cfg.CacheMaxMessages = 16
	cfg.LatencyShrinkThreshold = 100 * time.Millisecond
	cfg.LatencyGrowIdle = time.Second
	c := newAdaptiveCache(cfg)

	base := time.Unix(1700000000, 0)
	c.ObservePushLatency(200*time.Millisecond, base)
	assert.Equal(t, 7, c.CurrentRetain())

	c.ObservePushLatency(10*time.Millisecond, base.Add(2*time.Second))
	assert.Equal(t, 8, c.CurrentRetain(), "should grow back by one step after the idle window")
}

func TestSessionCoalescesAtHighWaterMark(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HighWaterMark = 2
	cfg.HardLimit = 100
	cfg.DedupWindow = 0
	sink := &recordingSink{}
	s := newSession("s1", "", sink, cfg)

	now := time.Now()
	s.Enqueue(outboundMessage{vehicleID: "v1", payload: []byte("1"), queuedAt: now})
	s.Enqueue(outboundMessage{vehicleID: "v2", payload: []byte("2"), queuedAt: now})
	s.Enqueue(outboundMessage{vehicleID: "v1", payload: []byte("3"), queuedAt: now})

	s.mu.Lock()
	queued := len(s.queue)
	s.mu.Unlock()
	assert.Equal(t, 2, queued, "v1's stale queued message should have been coalesced away")
	assert.Equal(t, int64(1), s.Dropped())
}

func TestSessionDisconnectsAtHardLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HighWaterMark = 1000
	cfg.HardLimit = 2
	cfg.DedupWindow = 0
	sink := &recordingSink{}
	s := newSession("s1", "", sink, cfg)

	now := time.Now()
	for i := 0; i < 5; i++ {
		s.Enqueue(outboundMessage{vehicleID: "v1", payload: []byte("x"), queuedAt: now})
	}
	assert.True(t, s.Closed())
	assert.True(t, sink.closed)
}

func TestSessionDedupSuppressesConsecutiveIdenticalStatus(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DedupWindow = time.Minute
	cfg.HighWaterMark = 1000
	cfg.HardLimit = 1000
	sink := &recordingSink{}
	s := newSession("s1", "", sink, cfg)

	go s.pump(nil)
	defer s.Close()

	now := time.Now()
	s.Enqueue(outboundMessage{vehicleID: "v1", status: "normal", payload: []byte("1"), queuedAt: now})
	waitForCondition(t, time.Second, func() bool { return len(sink.snapshot()) == 1 })

	s.Enqueue(outboundMessage{vehicleID: "v1", status: "normal", payload: []byte("2"), queuedAt: now.Add(time.Millisecond)})
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, sink.snapshot(), 1, "identical consecutive status within the dedup window should be suppressed")

	s.Enqueue(outboundMessage{vehicleID: "v1", status: "warning", payload: []byte("3"), queuedAt: now.Add(2 * time.Millisecond)})
	waitForCondition(t, time.Second, func() bool { return len(sink.snapshot()) == 2 })
}

func newTestBridge(t *testing.T) (*Bridge, broker.Broker) {
	t.Helper()
	mem := broker.NewMemory()
	cfg := DefaultConfig()
	cfg.ReadBlock = 20 * time.Millisecond
	cfg.DedupWindow = 0
	b := New(cfg, Deps{Broker: mem, Bus: events.NewBus(nil)})
	return b, mem
}

func TestBridgeFansOutResultsToMatchingSession(t *testing.T) {
	b, mem := newTestBridge(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, b.Start(ctx))

	sink := &recordingSink{}
	b.Subscribe("sess1", "v1", sink)

	score := models.FaultScore{VehicleID: "v1", FaultFamily: models.Bearing, Severity: 0.2, Status: models.StatusNormal, SampleTimestamp: time.Now()}
	fields, err := models.ScoreToFields(score)
	require.NoError(t, err)
	_, err = mem.Publish(ctx, streams.FaultResults, fields)
	require.NoError(t, err)

	waitForCondition(t, 2*time.Second, func() bool { return len(sink.snapshot()) == 1 })

	var decoded models.FaultScore
	require.NoError(t, json.Unmarshal(sink.snapshot()[0], &decoded))
	assert.Equal(t, "v1", decoded.VehicleID)

	require.NoError(t, b.Stop(context.Background()))
}

func TestBridgeReplaysCacheToNewSubscriber(t *testing.T) {
	b, mem := newTestBridge(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, b.Start(ctx))

	score := models.FaultScore{VehicleID: "v9", FaultFamily: models.Bearing, Severity: 0.1, Status: models.StatusNormal, SampleTimestamp: time.Now()}
	fields, err := models.ScoreToFields(score)
	require.NoError(t, err)
	_, err = mem.Publish(ctx, streams.FaultResults, fields)
	require.NoError(t, err)

	waitForCondition(t, 2*time.Second, func() bool {
		hits, misses := b.CacheStats()
		return hits+misses >= 0 && func() bool {
			return len(b.cache.Replay("v9", streamFaultResults)) == 1
		}()
	})

	sink := &recordingSink{}
	b.Subscribe("sess2", "v9", sink)
	waitForCondition(t, time.Second, func() bool { return len(sink.snapshot()) == 1 })

	require.NoError(t, b.Stop(context.Background()))
}

func TestBridgeIgnoresNonMatchingVehicle(t *testing.T) {
	b, mem := newTestBridge(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, b.Start(ctx))

	sink := &recordingSink{}
	b.Subscribe("sess3", "v1", sink)

	score := models.FaultScore{VehicleID: "v2", FaultFamily: models.Bearing, Severity: 0.2, Status: models.StatusNormal, SampleTimestamp: time.Now()}
	fields, err := models.ScoreToFields(score)
	require.NoError(t, err)
	_, err = mem.Publish(ctx, streams.FaultResults, fields)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, sink.snapshot())

	require.NoError(t, b.Stop(context.Background()))
}
