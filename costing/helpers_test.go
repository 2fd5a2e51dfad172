package costing_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/warp/costing-engine/costing"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var (
	keyA = costing.CostingKey{InstallationID: "inst-1", ItemID: "sku-100", LocationID: "main"}
	keyB = costing.CostingKey{InstallationID: "inst-1", ItemID: "sku-200", LocationID: "main"}
)

var t0 = time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)

func at(minutes int) time.Time {
	return t0.Add(time.Duration(minutes) * time.Minute)
}

func receipt(key costing.CostingKey, qty int64, unitCost string, when time.Time) costing.Movement {
	return costing.Movement{
		Key:            key,
		QtyDelta:       qty,
		UnitCost:       costing.MustMoney(unitCost),
		EventTimestamp: when,
	}
}

func issue(key costing.CostingKey, qty int64, when time.Time) costing.Movement {
	return costing.Movement{
		Key:            key,
		QtyDelta:       -qty,
		EventTimestamp: when,
	}
}

func assertMoney(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, costing.MustMoney(want).Equal(got), "expected %s, got %s", want, got.String())
}

// buildLog folds movements into stored events the way the ledger would,
// assigning sequences in order.
func buildLog(key costing.CostingKey, movements ...costing.Movement) []costing.CostLayerEvent {
	var (
		events []costing.CostLayerEvent
		prev   *costing.WacState
	)
	for i, m := range movements {
		m.Key = key
		snap := costing.ApplyEvent(key, prev, m)
		e := costing.NewEvent(m, snap)
		e.Sequence = int64(i + 1)
		events = append(events, e)
		prev = costing.StateOf(&e)
	}
	return events
}
