/*
Package costing provides the weighted-average-cost (WAC) inventory engine.

PURPOSE:
  This package maintains a running cost basis per (installation, item,
  location) from an append-only ledger of inventory movements. Every
  receipt blends its cost into the average; every issue depletes value at
  the current average. The same fold powers three call sites:
  incremental updates, full replay, and read-only state/quote lookups.

KEY CONCEPTS IN THIS FILE (types.go):
  - CostingKey: Partition of the ledger (one independent WAC series)
  - Movement: An append request coming from a receiving/issuing workflow
  - CostLayerEvent: Immutable ledger entry with its costing snapshot
  - WacState: Derived state (quantity, value, average) after an event

DESIGN PRINCIPLES:
  1. Immutability: Events are appended, never edited or deleted
  2. Precision: decimal.Decimal everywhere, no float arithmetic on money
  3. One Fold: Incremental and replay paths share a single step function
  4. Injected Storage: No process-wide handle, stores are passed in

USAGE:
  key := costing.CostingKey{InstallationID: "inst-1", ItemID: "sku-9", LocationID: "store-1"}
  snap := costing.ApplyEvent(key, nil, costing.Movement{
      Key:            key,
      QtyDelta:       10,
      UnitCost:       costing.MustMoney("5.00"),
      EventTimestamp: time.Now(),
  })

SEE ALSO:
  - fold.go: The shared WAC step
  - ledger.go: Append service (lock, validate, apply, conditional append)
  - reconcile.go: Replay-vs-stored drift detection
*/
package costing

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type EventID string

// NewEventID returns a time-ordered UUIDv7 identifier.
func NewEventID() EventID {
	id, err := uuid.NewV7()
	if err != nil {
		return EventID(uuid.NewString())
	}
	return EventID(id.String())
}

// CostingKey partitions the ledger into independent WAC series.
// No computation ever reads across keys.
type CostingKey struct {
	InstallationID string
	ItemID         string
	LocationID     string
}

func (k CostingKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.InstallationID, k.ItemID, k.LocationID)
}

func (k CostingKey) IsZero() bool {
	return k.InstallationID == "" && k.ItemID == "" && k.LocationID == ""
}

// =============================================================================
// MOVEMENT - Append request from a receiving/issuing workflow
// =============================================================================

// Movement is one inventory movement to be costed and appended.
// QtyDelta > 0 is a receipt, QtyDelta <= 0 is an issue.
type Movement struct {
	Key             CostingKey
	QtyDelta        int64
	UnitCost        decimal.Decimal
	LandedCostDelta decimal.Decimal
	EventTimestamp  time.Time

	// Optional audit context
	Kind           string
	ReferenceID    string
	Reason         string
	IdempotencyKey string
}

func (m Movement) IsReceipt() bool { return m.QtyDelta > 0 }

// TotalUnitCost is the unit cost including landed cost allocation.
func (m Movement) TotalUnitCost() decimal.Decimal {
	return m.UnitCost.Add(m.LandedCostDelta)
}

// =============================================================================
// COST LAYER EVENT - Immutable ledger entry
// =============================================================================

// CostLayerEvent is an immutable record of one movement together with the
// snapshot computed when it was appended. Snapshot fields are never
// recomputed in place.
type CostLayerEvent struct {
	ID             EventID
	Key            CostingKey
	Sequence       int64 // per-key insertion order, assigned by the store
	EventTimestamp time.Time

	QtyDelta        int64
	UnitCost        decimal.Decimal
	LandedCostDelta decimal.Decimal

	// Snapshot after this event is applied
	QtyOnHandAtEvent  int64
	WacAtEvent        decimal.Decimal
	TotalValueAtEvent decimal.Decimal
	PreviousEventID   EventID

	Kind           string
	ReferenceID    string
	Reason         string
	IdempotencyKey string
	CreatedAt      time.Time
}

// Movement returns the movement this event recorded.
func (e CostLayerEvent) Movement() Movement {
	return Movement{
		Key:             e.Key,
		QtyDelta:        e.QtyDelta,
		UnitCost:        e.UnitCost,
		LandedCostDelta: e.LandedCostDelta,
		EventTimestamp:  e.EventTimestamp,
		Kind:            e.Kind,
		ReferenceID:     e.ReferenceID,
		Reason:          e.Reason,
		IdempotencyKey:  e.IdempotencyKey,
	}
}

// State returns the WAC state this event's stored snapshot claims.
func (e CostLayerEvent) State() WacState {
	return WacState{
		QtyOnHand:   e.QtyOnHandAtEvent,
		Wac:         e.WacAtEvent,
		TotalValue:  e.TotalValueAtEvent,
		LastEventID: e.ID,
	}
}

// Before reports whether e sorts before other in replay order:
// timestamp ascending, then insertion sequence.
func (e CostLayerEvent) Before(other CostLayerEvent) bool {
	if !e.EventTimestamp.Equal(other.EventTimestamp) {
		return e.EventTimestamp.Before(other.EventTimestamp)
	}
	return e.Sequence < other.Sequence
}

// =============================================================================
// WAC STATE - Derived, never persisted on its own
// =============================================================================

// WacState is the costing state of a key after some prefix of its events.
// The zero value is the empty key: no stock, no value, WAC 0.
type WacState struct {
	QtyOnHand   int64
	Wac         decimal.Decimal
	TotalValue  decimal.Decimal
	LastEventID EventID
}

func (s WacState) IsEmpty() bool {
	return s.QtyOnHand == 0 && s.TotalValue.IsZero()
}

// Snapshot is the output of the incremental calculator: the state to attach
// to the event about to be appended.
type Snapshot struct {
	Key             CostingKey
	Wac             decimal.Decimal
	QtyOnHand       int64
	TotalValue      decimal.Decimal
	PreviousEventID EventID

	// Clamped is set when the movement would have driven quantity negative
	// and the state was reset to zero.
	Clamped bool
}

// State converts the snapshot into a WacState without an event reference.
func (s Snapshot) State() WacState {
	return WacState{QtyOnHand: s.QtyOnHand, Wac: s.Wac, TotalValue: s.TotalValue}
}

// ReplayResult is the authoritative state of a key computed from its full
// history.
type ReplayResult struct {
	Key         CostingKey
	Wac         decimal.Decimal
	QtyOnHand   int64
	TotalValue  decimal.Decimal
	EventCount  int
	LastEventID EventID
	ClampCount  int
}

func (r ReplayResult) State() WacState {
	return WacState{QtyOnHand: r.QtyOnHand, Wac: r.Wac, TotalValue: r.TotalValue, LastEventID: r.LastEventID}
}
