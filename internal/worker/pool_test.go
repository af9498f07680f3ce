package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/motorfleet/diagcluster/internal/analyzer"
	"github.com/motorfleet/diagcluster/internal/broker"
	"github.com/motorfleet/diagcluster/internal/telemetry/events"
	"github.com/motorfleet/diagcluster/pkg/models"
)

func newTestPool(t *testing.T, initial int) (*Pool, broker.Broker) {
	t.Helper()
	mem := broker.NewMemory()
	bus := events.NewBus(nil)
	reg := analyzer.DefaultRegistry()
	factory := func(family models.FaultFamily, ordinal int) *Node {
		cfg := DefaultConfig(fmt.Sprintf("%s-%d", family, ordinal))
		cfg.Families = []models.FaultFamily{family}
		cfg.BlockInterval = 20 * time.Millisecond
		cfg.HeartbeatInterval = time.Hour
		return New(cfg, Deps{Broker: mem, Registry: reg, Bus: bus})
	}
	return NewPool(PoolConfig{Families: []models.FaultFamily{models.Bearing}, InitialPerFamily: initial}, factory, nil), mem
}

func TestPoolStartBringsUpInitialNodesPerFamily(t *testing.T) {
	p, _ := newTestPool(t, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))
	assert.Equal(t, 2, p.Count(models.Bearing))

	require.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, 0, p.Count(models.Bearing))
}

func TestPoolScaleGrowsAndDrains(t *testing.T) {
	p, mem := newTestPool(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))

	require.NoError(t, p.Scale(ctx, models.Bearing, 3))
	assert.Equal(t, 3, p.Count(models.Bearing))

	require.NoError(t, p.Scale(ctx, models.Bearing, 1))
	assert.Equal(t, 1, p.Count(models.Bearing))

	// The surviving consumer still drains the group after the shrink.
	fields, err := models.SampleToFields(testSample("V1"))
	require.NoError(t, err)
	_, err = mem.Publish(ctx, RawStream, fields)
	require.NoError(t, err)
	waitForCondition(t, 2*time.Second, func() bool {
		pending, perr := mem.Pending(ctx, RawStream, GroupForFamily(models.Bearing))
		require.NoError(t, perr)
		total := int64(0)
		for _, v := range pending {
			total += v
		}
		return total == 0
	})

	require.NoError(t, p.Stop(context.Background()))
}

func TestPoolOrdinalsNeverCollideAcrossScaleCycles(t *testing.T) {
	var made []string
	mem := broker.NewMemory()
	reg := analyzer.DefaultRegistry()
	factory := func(family models.FaultFamily, ordinal int) *Node {
		id := fmt.Sprintf("%s-%d", family, ordinal)
		made = append(made, id)
		cfg := DefaultConfig(id)
		cfg.Families = []models.FaultFamily{family}
		cfg.BlockInterval = 20 * time.Millisecond
		cfg.HeartbeatInterval = time.Hour
		return New(cfg, Deps{Broker: mem, Registry: reg, Bus: events.NewBus(nil)})
	}
	p := NewPool(PoolConfig{Families: []models.FaultFamily{models.Bearing}, InitialPerFamily: 1}, factory, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))
	require.NoError(t, p.Scale(ctx, models.Bearing, 2))
	require.NoError(t, p.Scale(ctx, models.Bearing, 1))
	require.NoError(t, p.Scale(ctx, models.Bearing, 2))

	assert.Equal(t, []string{"bearing-0", "bearing-1", "bearing-2"}, made, "a drained ordinal is never reissued")
	require.NoError(t, p.Stop(context.Background()))
}
