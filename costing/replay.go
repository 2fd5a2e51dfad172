package costing

import "sort"

// =============================================================================
// FULL REPLAY - Authoritative O(n) recomputation
// =============================================================================

// Replay recomputes the state of key from its complete event history,
// starting from the empty state. Events are folded in timestamp order with
// the insertion sequence breaking ties, so the input order does not matter.
//
// The input slice is not modified. Calling Replay twice on the same events
// returns the same result.
func Replay(key CostingKey, events []CostLayerEvent) (ReplayResult, error) {
	ordered, err := OrderEvents(key, events)
	if err != nil {
		return ReplayResult{}, err
	}

	movements := make([]Movement, len(ordered))
	for i, e := range ordered {
		movements[i] = e.Movement()
	}

	clamps := 0
	final := Fold(WacState{}, movements, func(_ int, s Step) {
		if s.Clamped {
			clamps++
		}
	})

	result := ReplayResult{
		Key:        key,
		Wac:        final.Wac,
		QtyOnHand:  final.QtyOnHand,
		TotalValue: final.TotalValue,
		EventCount: len(ordered),
		ClampCount: clamps,
	}
	if len(ordered) > 0 {
		result.LastEventID = ordered[len(ordered)-1].ID
	}
	return result, nil
}

// OrderEvents returns a sorted copy of events in replay order.
// Every event must belong to key.
func OrderEvents(key CostingKey, events []CostLayerEvent) ([]CostLayerEvent, error) {
	ordered := make([]CostLayerEvent, len(events))
	copy(ordered, events)
	for _, e := range ordered {
		if e.Key != key {
			return nil, &KeyMismatchError{Want: key, Got: e.Key, EventID: e.ID}
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Before(ordered[j])
	})
	return ordered, nil
}
