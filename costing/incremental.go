package costing

// =============================================================================
// INCREMENTAL CALCULATOR - O(1) update from the latest snapshot
// =============================================================================

// ApplyEvent computes the snapshot to attach to a new event for key, given
// the most recent stored state (nil when the key has no events yet).
//
// Only the previous snapshot is read, so the result is only as correct as
// that snapshot. The reconciler exists to detect when it is not.
func ApplyEvent(key CostingKey, previous *WacState, m Movement) Snapshot {
	start := WacState{}
	var prevID EventID
	if previous != nil {
		start = *previous
		prevID = previous.LastEventID
	}

	var clamped bool
	end := Fold(start, []Movement{m}, func(_ int, s Step) { clamped = s.Clamped })

	return Snapshot{
		Key:             key,
		Wac:             end.Wac,
		QtyOnHand:       end.QtyOnHand,
		TotalValue:      end.TotalValue,
		PreviousEventID: prevID,
		Clamped:         clamped,
	}
}

// StateOf returns the state stored on an event, or nil for no event.
func StateOf(e *CostLayerEvent) *WacState {
	if e == nil {
		return nil
	}
	s := e.State()
	return &s
}

// NewEvent builds the immutable event for a movement and its snapshot.
// Sequence is left for the store to assign.
func NewEvent(m Movement, snap Snapshot) CostLayerEvent {
	return CostLayerEvent{
		ID:                NewEventID(),
		Key:               m.Key,
		EventTimestamp:    m.EventTimestamp,
		QtyDelta:          m.QtyDelta,
		UnitCost:          m.UnitCost,
		LandedCostDelta:   m.LandedCostDelta,
		QtyOnHandAtEvent:  snap.QtyOnHand,
		WacAtEvent:        snap.Wac,
		TotalValueAtEvent: snap.TotalValue,
		PreviousEventID:   snap.PreviousEventID,
		Kind:              m.Kind,
		ReferenceID:       m.ReferenceID,
		Reason:            m.Reason,
		IdempotencyKey:    m.IdempotencyKey,
	}
}
