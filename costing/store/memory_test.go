package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/costing-engine/costing"
	"github.com/warp/costing-engine/costing/store"
)

var (
	keyA = costing.CostingKey{InstallationID: "inst-1", ItemID: "sku-1", LocationID: "main"}
	keyB = costing.CostingKey{InstallationID: "inst-1", ItemID: "sku-2", LocationID: "annex"}
	t0   = time.Date(2025, time.June, 2, 8, 0, 0, 0, time.UTC)
)

func event(key costing.CostingKey, qty int64, when time.Time) costing.CostLayerEvent {
	m := costing.Movement{Key: key, QtyDelta: qty, UnitCost: costing.MustMoney("1"), EventTimestamp: when}
	return costing.NewEvent(m, costing.ApplyEvent(key, nil, m))
}

func TestMemory_AppendAssignsSequence(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()

	first, err := s.Append(ctx, event(keyA, 1, t0), "")
	require.NoError(t, err)
	second, err := s.Append(ctx, event(keyA, 1, t0), first.ID)
	require.NoError(t, err)
	other, err := s.Append(ctx, event(keyB, 1, t0), "")
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.Sequence)
	assert.Equal(t, int64(2), second.Sequence)
	assert.Equal(t, int64(1), other.Sequence, "sequences are per key")
	assert.False(t, first.CreatedAt.IsZero())

	latest, err := s.Latest(ctx, keyA)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, second.ID, latest.ID)
}

func TestMemory_AppendIsConditional(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()

	first, err := s.Append(ctx, event(keyA, 1, t0), "")
	require.NoError(t, err)

	_, err = s.Append(ctx, event(keyA, 1, t0), "")
	assert.ErrorIs(t, err, costing.ErrConcurrentModification)

	_, err = s.Append(ctx, event(keyA, 1, t0), "stale")
	assert.ErrorIs(t, err, costing.ErrConcurrentModification)

	_, err = s.Append(ctx, event(keyA, 1, t0), first.ID)
	assert.NoError(t, err)
}

func TestMemory_IdempotencyKey(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()

	e := event(keyA, 1, t0)
	e.IdempotencyKey = "grn-9"
	stored, err := s.Append(ctx, e, "")
	require.NoError(t, err)

	exists, err := s.Exists(ctx, "grn-9")
	require.NoError(t, err)
	assert.True(t, exists)

	dup := event(keyA, 1, t0)
	dup.IdempotencyKey = "grn-9"
	_, err = s.Append(ctx, dup, stored.ID)
	assert.ErrorIs(t, err, costing.ErrDuplicateIdempotencyKey)
}

func TestMemory_EmptyKey(t *testing.T) {
	s := store.NewMemory()

	latest, err := s.Latest(context.Background(), keyA)
	require.NoError(t, err)
	assert.Nil(t, latest)

	events, err := s.Events(context.Background(), keyA)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestMemory_EventsReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	_, err := s.Append(ctx, event(keyA, 1, t0), "")
	require.NoError(t, err)

	events, err := s.Events(ctx, keyA)
	require.NoError(t, err)
	events[0].QtyOnHandAtEvent = 99

	again, err := s.Events(ctx, keyA)
	require.NoError(t, err)
	assert.Equal(t, int64(1), again[0].QtyOnHandAtEvent)
}

func TestMemory_KeysSorted(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	_, err := s.Append(ctx, event(keyB, 1, t0), "")
	require.NoError(t, err)
	_, err = s.Append(ctx, event(keyA, 1, t0), "")
	require.NoError(t, err)

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []costing.CostingKey{keyA, keyB}, keys)
}

func TestMemory_Overwrite(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	stored, err := s.Append(ctx, event(keyA, 1, t0), "")
	require.NoError(t, err)

	stored.WacAtEvent = costing.MustMoney("42")
	assert.True(t, s.Overwrite(stored))

	missing := event(keyA, 1, t0)
	assert.False(t, s.Overwrite(missing))

	latest, err := s.Latest(ctx, keyA)
	require.NoError(t, err)
	assert.True(t, latest.WacAtEvent.Equal(costing.MustMoney("42")))
}
