package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPublishReadAck(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()

	require.NoError(t, b.CreateGroup(ctx, "raw", "g1", false))
	id, err := b.Publish(ctx, "raw", map[string]string{"vehicle_id": "V1"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs, err := b.ReadGroup(ctx, "raw", "g1", "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "V1", msgs[0].Fields["vehicle_id"])

	pending, err := b.Pending(ctx, "raw", "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending["c1"])

	require.NoError(t, b.Ack(ctx, "raw", "g1", msgs[0].ID))
	pending, err = b.Pending(ctx, "raw", "g1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMemoryEachGroupGetsItsOwnCopy(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()
	require.NoError(t, b.CreateGroup(ctx, "raw", "fault_a", false))
	require.NoError(t, b.CreateGroup(ctx, "raw", "fault_b", false))

	_, err := b.Publish(ctx, "raw", map[string]string{"vehicle_id": "V1"})
	require.NoError(t, err)

	a, err := b.ReadGroup(ctx, "raw", "fault_a", "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, a, 1)

	bb, err := b.ReadGroup(ctx, "raw", "fault_b", "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, bb, 1)
}

func TestMemoryClaimReassignsAfterMinIdle(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()
	require.NoError(t, b.CreateGroup(ctx, "raw", "g1", false))
	_, err := b.Publish(ctx, "raw", map[string]string{"vehicle_id": "V1"})
	require.NoError(t, err)

	msgs, err := b.ReadGroup(ctx, "raw", "g1", "dead", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// too soon: not idle enough yet
	claimed, err := b.Claim(ctx, "raw", "g1", "alive", 50*time.Millisecond, msgs[0].ID)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	time.Sleep(60 * time.Millisecond)
	claimed, err = b.Claim(ctx, "raw", "g1", "alive", 50*time.Millisecond, msgs[0].ID)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	detail, err := b.PendingDetail(ctx, "raw", "g1", "alive", 10)
	require.NoError(t, err)
	require.Len(t, detail, 1)
	assert.Equal(t, "alive", detail[0].Consumer)
}

func TestMemoryTrimCapsLength(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()
	for i := 0; i < 10; i++ {
		_, err := b.Publish(ctx, "raw", map[string]string{"n": "x"})
		require.NoError(t, err)
	}
	require.NoError(t, b.Trim(ctx, "raw", 3))
	s := b.getStream("raw")
	assert.Len(t, s.entries, 3)
}

func TestMemoryReadGroupBlocksUntilTimeout(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()
	require.NoError(t, b.CreateGroup(ctx, "raw", "g1", false))
	start := time.Now()
	msgs, err := b.ReadGroup(ctx, "raw", "g1", "c1", 10, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}
