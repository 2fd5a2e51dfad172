package costing_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/costing-engine/costing"
	"github.com/warp/costing-engine/costing/store"
)

// =============================================================================
// RECONCILIATION TESTS
// =============================================================================

func seededStore(t *testing.T) (*store.Memory, []costing.CostLayerEvent) {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()
	ledger := costing.NewLedger(mem)

	_, err := ledger.RecordBatch(ctx, []costing.Movement{
		receipt(keyA, 10, "5", at(0)),
		receipt(keyA, 10, "7", at(1)),
		issue(keyA, 5, at(2)),
		receipt(keyA, 5, "8", at(3)),
	})
	require.NoError(t, err)

	events, err := mem.Events(ctx, keyA)
	require.NoError(t, err)
	require.Len(t, events, 4)
	return mem, events
}

func TestReconciler_CleanLogIsInSync(t *testing.T) {
	mem, events := seededStore(t)

	report, err := costing.NewReconciler(mem).Check(context.Background(), keyA)

	require.NoError(t, err)
	assert.True(t, report.InSync)
	assert.Empty(t, report.Mismatches)
	require.NotNil(t, report.Stored)
	assert.Equal(t, events[3].ID, report.Stored.LastEventID)
	assert.Equal(t, int64(20), report.Expected.QtyOnHand)
	assertMoney(t, "130", report.Expected.TotalValue)
	assertMoney(t, "6.5", report.Expected.Wac)
}

func TestReconciler_EmptyKey(t *testing.T) {
	report, err := costing.NewReconciler(store.NewMemory()).Check(context.Background(), keyB)

	require.NoError(t, err)
	assert.True(t, report.InSync)
	assert.Nil(t, report.Stored)
	assert.Equal(t, 0, report.Expected.EventCount)
}

func TestReconciler_DetectsCorruptedWacAtThatEvent(t *testing.T) {
	// GIVEN: A consistent log
	// WHEN: The second event's stored WAC is edited behind the ledger's back
	// THEN: Exactly that event is reported, with expected vs stored values

	mem, events := seededStore(t)
	corrupted := events[1]
	corrupted.WacAtEvent = costing.MustMoney("6.10")
	require.True(t, mem.Overwrite(corrupted))

	report, err := costing.NewReconciler(mem).Check(context.Background(), keyA)

	require.NoError(t, err)
	assert.False(t, report.InSync)
	require.Len(t, report.Mismatches, 1)

	m := report.Mismatches[0]
	assert.Equal(t, corrupted.ID, m.EventID)
	assert.Equal(t, corrupted.Sequence, m.Sequence)
	assert.Equal(t, costing.FieldWac, m.Field)
	assertMoney(t, "6", m.Expected)
	assertMoney(t, "6.10", m.Stored)
	assertMoney(t, "0.10", m.Difference)

	first, ok := report.FirstDivergence()
	assert.True(t, ok)
	assert.Equal(t, corrupted.ID, first.EventID)
}

func TestReconciler_CorruptedLatestEventDiffersFromReplay(t *testing.T) {
	mem, events := seededStore(t)
	last := events[3]
	last.QtyOnHandAtEvent = 25
	last.TotalValueAtEvent = costing.MustMoney("1000")
	require.True(t, mem.Overwrite(last))

	report, err := costing.NewReconciler(mem).Check(context.Background(), keyA)

	require.NoError(t, err)
	assert.False(t, report.InSync)
	require.Len(t, report.Mismatches, 2)
	assert.Equal(t, costing.FieldQtyOnHand, report.Mismatches[0].Field)
	assertMoney(t, "5", report.Mismatches[0].Difference)
	assert.Equal(t, costing.FieldTotalValue, report.Mismatches[1].Field)

	assert.Equal(t, int64(25), report.Stored.QtyOnHand)
	assert.Equal(t, int64(20), report.Expected.QtyOnHand)
}

func TestReconciler_ToleranceAbsorbsSmallDifferences(t *testing.T) {
	events := buildLog(keyA, receipt(keyA, 3, "3.333333", at(0)))
	events[0].TotalValueAtEvent = events[0].TotalValueAtEvent.Add(costing.MustMoney("0.000001"))

	strict := costing.NewReconciler(nil)
	report, err := strict.CheckEvents(keyA, events)
	require.NoError(t, err)
	assert.False(t, report.InSync)

	lenient := &costing.Reconciler{Tolerance: costing.MustMoney("0.00001")}
	report, err = lenient.CheckEvents(keyA, events)
	require.NoError(t, err)
	assert.True(t, report.InSync)
}

type failingLog struct{}

func (failingLog) Latest(context.Context, costing.CostingKey) (*costing.CostLayerEvent, error) {
	return nil, errors.New("disk on fire")
}

func (failingLog) Events(context.Context, costing.CostingKey) ([]costing.CostLayerEvent, error) {
	return nil, errors.New("disk on fire")
}

func TestReconciler_StoreErrorIsWrapped(t *testing.T) {
	_, err := costing.NewReconciler(failingLog{}).Check(context.Background(), keyA)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")
	assert.Contains(t, err.Error(), keyA.String())
}
