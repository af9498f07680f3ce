package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/motorfleet/diagcluster/internal/analyzer"
	"github.com/motorfleet/diagcluster/internal/broker"
	"github.com/motorfleet/diagcluster/internal/telemetry/events"
	"github.com/motorfleet/diagcluster/pkg/models"
)

func testSample(vehicleID string) models.VehicleSample {
	return models.VehicleSample{
		VehicleID:     vehicleID,
		Timestamp:     time.Now(),
		PhaseCurrents: [3]float64{10.0, 10.05, 9.95},
		Voltage:       440,
		Speed:         1780,
		Torque:        120,
		Temperature:   70,
	}
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

func newTestNode(t *testing.T, families []models.FaultFamily, reg *analyzer.Registry) (*Node, broker.Broker, events.Bus) {
	t.Helper()
	mem := broker.NewMemory()
	bus := events.NewBus(nil)
	cfg := DefaultConfig("w1")
	cfg.Families = families
	cfg.BlockInterval = 20 * time.Millisecond
	cfg.HeartbeatInterval = time.Hour
	node := New(cfg, Deps{Broker: mem, Registry: reg, Bus: bus})
	return node, mem, bus
}

func TestNodeDispatchSuccessPublishesScoreAndAcks(t *testing.T) {
	reg := analyzer.DefaultRegistry()
	node, mem, _ := newTestNode(t, []models.FaultFamily{models.TurnFault}, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, node.Start(ctx))

	fields, err := models.SampleToFields(testSample("V1"))
	require.NoError(t, err)
	_, err = mem.Publish(ctx, RawStream, fields)
	require.NoError(t, err)

	require.NoError(t, mem.CreateGroup(ctx, ResultsStream, "test_reader", true))
	var scoreMsgs []broker.Message
	waitForCondition(t, 2*time.Second, func() bool {
		msgs, rerr := mem.ReadGroup(ctx, ResultsStream, "test_reader", "c1", 10, 0)
		require.NoError(t, rerr)
		scoreMsgs = append(scoreMsgs, msgs...)
		return len(scoreMsgs) > 0
	})

	score, err := models.ScoreFromFields(scoreMsgs[0].Fields)
	require.NoError(t, err)
	assert.Equal(t, "V1", score.VehicleID)
	assert.Equal(t, models.TurnFault, score.FaultFamily)
	assert.Equal(t, "w1", score.ProducedByWorker)

	waitForCondition(t, time.Second, func() bool {
		pending, perr := mem.Pending(ctx, RawStream, GroupForFamily(models.TurnFault))
		require.NoError(t, perr)
		total := int64(0)
		for _, v := range pending {
			total += v
		}
		return total == 0
	})

	require.NoError(t, node.Stop(context.Background()))
	assert.Equal(t, models.WorkerStopped, node.State())
}

func TestNodeDispatchPoisonRoutesToDLQAndAcks(t *testing.T) {
	reg := analyzer.DefaultRegistry()
	node, mem, bus := newTestNode(t, []models.FaultFamily{models.TurnFault}, reg)

	sub, err := bus.Subscribe(8)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, node.Start(ctx))

	sample := testSample("V2")
	sample.Metadata = map[string]string{"inject_fault": "turn_fault"}
	fields, err := models.SampleToFields(sample)
	require.NoError(t, err)
	_, err = mem.Publish(ctx, RawStream, fields)
	require.NoError(t, err)

	var sawDLQ bool
	waitForCondition(t, 2*time.Second, func() bool {
		select {
		case ev := <-sub.C():
			if ev.Type == "dlq" {
				sawDLQ = true
			}
		default:
		}
		return sawDLQ
	})
	assert.True(t, sawDLQ)

	waitForCondition(t, time.Second, func() bool {
		pending, perr := mem.Pending(ctx, RawStream, GroupForFamily(models.TurnFault))
		require.NoError(t, perr)
		total := int64(0)
		for _, v := range pending {
			total += v
		}
		return total == 0
	})

	require.NoError(t, node.Stop(context.Background()))
}

type erroringAnalyzer struct {
	family models.FaultFamily
}

func (a *erroringAnalyzer) Family() models.FaultFamily { return a.family }
func (a *erroringAnalyzer) Analyze(models.VehicleSample, []models.VehicleSample, analyzer.Thresholds) (models.FaultScore, error) {
	return models.FaultScore{}, errors.New("transient plugin error")
}

func TestNodeDispatchTransientErrorLeavesMessageUnacked(t *testing.T) {
	reg := analyzer.NewRegistry()
	reg.Register(&erroringAnalyzer{family: models.Bearing})
	node, mem, _ := newTestNode(t, []models.FaultFamily{models.Bearing}, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, node.Start(ctx))

	fields, err := models.SampleToFields(testSample("V3"))
	require.NoError(t, err)
	_, err = mem.Publish(ctx, RawStream, fields)
	require.NoError(t, err)

	waitForCondition(t, 2*time.Second, func() bool {
		pending, perr := mem.Pending(ctx, RawStream, GroupForFamily(models.Bearing))
		require.NoError(t, perr)
		return pending["bearing_consumer_w1"] == 1
	})

	require.NoError(t, node.Stop(context.Background()))
}

func TestStateMachineTransitions(t *testing.T) {
	m := newStateMachine()
	assert.Equal(t, models.WorkerInitializing, m.Current())
	require.NoError(t, m.Transition(models.WorkerRegistering))
	require.NoError(t, m.Transition(models.WorkerRunning))
	require.Error(t, m.Transition(models.WorkerInitializing))
	require.NoError(t, m.Transition(models.WorkerDegraded))
	require.NoError(t, m.Transition(models.WorkerRunning))
	require.NoError(t, m.Transition(models.WorkerDraining))
	require.NoError(t, m.Transition(models.WorkerStopped))
}
