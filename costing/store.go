/*
store.go - Persistence ports for the cost layer event log

PURPOSE:
  Defines what the engine needs from storage. The engine never owns a
  database handle; a Store is passed to the Ledger and Reconciler.
  Implementations: costing/store (in-memory), store/sqlite (durable).

KEY INTERFACES:
  EventLog:  The two read queries (latest event, full ordered history)
  Store:     EventLog + conditional append + idempotency lookup
  KeyLister: Enumerate keys for reconciliation sweeps

APPEND-ONLY CONTRACT:
  - Append(): The ONLY write. No Update, no Delete.
  - Append is conditional: it fails with ErrConcurrentModification if the
    latest event of the key is not expectedPrevious. This is the
    at-most-one-writer-per-key guarantee at the storage level.

ORDERING:
  Events(key) returns ascending (EventTimestamp, Sequence).
  Latest(key) returns the last event in that order.
  Both read one consistent snapshot of the key.
*/
package costing

import "context"

// =============================================================================
// EVENT LOG - Query port
// =============================================================================

// EventLog is the read side the engine depends on.
type EventLog interface {
	// Latest returns the most recent event for key, or nil if none.
	Latest(ctx context.Context, key CostingKey) (*CostLayerEvent, error)

	// Events returns every event for key in replay order.
	Events(ctx context.Context, key CostingKey) ([]CostLayerEvent, error)
}

// =============================================================================
// STORE - Append-only write port
// =============================================================================

// Store persists cost layer events.
// IMPORTANT: Store is APPEND-ONLY. No Update, No Delete. Ever.
type Store interface {
	EventLog

	// Append persists event if the key's latest event is still
	// expectedPrevious (empty for the first event). The store assigns the
	// per-key Sequence and CreatedAt and returns the stored event.
	Append(ctx context.Context, event CostLayerEvent, expectedPrevious EventID) (CostLayerEvent, error)

	// Exists checks if an idempotency key was already used.
	Exists(ctx context.Context, idempotencyKey string) (bool, error)
}

// KeyLister enumerates every key that has at least one event.
type KeyLister interface {
	Keys(ctx context.Context) ([]CostingKey, error)
}
