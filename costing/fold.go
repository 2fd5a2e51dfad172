/*
fold.go - The single WAC step shared by every computation path

PURPOSE:
  Incremental update, full replay, state lookups, quotes and reconciliation
  all derive costing state with the same function. Keeping one step means
  the incremental and replay paths cannot drift apart through code changes;
  any drift that remains comes from stored data, which is what the
  reconciler looks for.

THE STEP:
  Receipt (QtyDelta > 0):
    value += (unitCost + landedCostDelta) * qty
    qty   += qty
  Issue (QtyDelta <= 0):
    wac    = value / qty  (0 when qty <= 0)
    value += wac * QtyDelta
    qty   += QtyDelta
  Clamp:
    qty < 0  -> qty = 0, value = 0
  Result:
    wac = value / qty (0 when qty <= 0)

ROUNDING RESIDUE:
  Issues are costed at the average rounded to WacScale, so depleting the
  last unit can leave a residue of a few millionths. When quantity reaches
  zero the value is reset to zero, and a residue below zero is floored.

EXAMPLE:
  10 @ 5.00  -> qty 10, value  50, wac 5
  10 @ 7.00  -> qty 20, value 120, wac 6
  issue 5    -> qty 15, value  90, wac 6
*/
package costing

import "github.com/shopspring/decimal"

// Step is the state after applying one movement.
type Step struct {
	State   WacState
	Clamped bool
}

// Apply applies one movement to a state. Pure, O(1).
func Apply(state WacState, m Movement) Step {
	qty := state.QtyOnHand
	value := state.TotalValue

	if m.QtyDelta > 0 {
		// Receipts are taken at face value; the prior WAC is irrelevant.
		value = value.Add(ExtendedCost(m.TotalUnitCost(), m.QtyDelta))
		qty += m.QtyDelta
	} else {
		// Issues ignore their stated cost and deplete at the current WAC.
		current := AverageCost(value, qty)
		value = value.Add(ExtendedCost(current, m.QtyDelta))
		qty += m.QtyDelta
	}

	clamped := false
	if qty < 0 {
		qty = 0
		value = decimal.Zero
		clamped = true
	}
	if qty == 0 || value.IsNegative() {
		value = decimal.Zero
	}

	return Step{
		State: WacState{
			QtyOnHand:  qty,
			Wac:        AverageCost(value, qty),
			TotalValue: value,
		},
		Clamped: clamped,
	}
}

// Fold applies movements in order starting from start and returns the final
// state. visit, when non-nil, observes the state after each movement.
//
// The three call sites select their behavior by input:
//   - no movements:     current state (State)
//   - one movement:     incremental update (ApplyEvent, Quote)
//   - whole history:    replay from the empty state (Replay, Reconciler)
func Fold(start WacState, movements []Movement, visit func(i int, s Step)) WacState {
	state := start
	for i, m := range movements {
		s := Apply(state, m)
		if visit != nil {
			visit(i, s)
		}
		state = s.State
	}
	return state
}
