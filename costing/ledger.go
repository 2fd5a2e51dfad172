/*
ledger.go - Append service for cost layer events

PURPOSE:
  The Ledger is what receiving and issuing workflows call to record a
  movement. It turns a Movement into an appended CostLayerEvent with its
  snapshot attached, and guarantees that the snapshot was computed from
  the key's actual latest event.

RECORD FLOW:
  1. Validate the movement (negative costs, missing key, zero timestamp)
  2. Reject reused idempotency keys
  3. Lock the key (KeyLocker): one writer in flight per key
  4. Read the latest event, reject timestamps earlier than it
  5. Reject receipts that overflow the quantity, optionally reject
     oversells (OversellReject)
  6. ApplyEvent on the latest snapshot
  7. Append conditionally on the latest event still being latest
  8. On ErrConcurrentModification, retry from step 4 with a fresh read

CONCURRENCY:
  The in-process KeyMutex serializes writers in this process. The
  conditional append covers writers in other processes that share the
  store; the losing writer re-reads and recomputes instead of overwriting.

READ HELPERS:
  State:  current WAC without adding an event
  Quote:  snapshot a movement would produce, without appending it
  Replay: authoritative recomputation from the full log

SEE ALSO:
  - fold.go: The shared step
  - store.go: Store contract
  - reconcile.go: Drift detection
*/
package costing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog"
)

// =============================================================================
// OVERSELL POLICY
// =============================================================================

// OversellPolicy decides what happens when an issue exceeds stock on hand.
type OversellPolicy string

const (
	// OversellClamp records the issue and resets quantity and value to zero.
	OversellClamp OversellPolicy = "clamp"

	// OversellReject refuses the issue with ErrInsufficientStock.
	OversellReject OversellPolicy = "reject"
)

func ParseOversellPolicy(s string) (OversellPolicy, error) {
	switch p := OversellPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "", OversellClamp:
		return OversellClamp, nil
	case OversellReject:
		return p, nil
	default:
		return "", fmt.Errorf("unknown oversell policy %q", s)
	}
}

// =============================================================================
// LEDGER
// =============================================================================

const DefaultMaxRetries = 3

type Ledger struct {
	Store    Store
	Locker   KeyLocker
	Oversell OversellPolicy

	// MaxRetries bounds how many times a lost conditional append is retried.
	MaxRetries int

	Logger zerolog.Logger
}

// NewLedger creates a ledger with an in-process key lock, the clamp policy
// and a silent logger.
func NewLedger(store Store) *Ledger {
	return &Ledger{
		Store:      store,
		Locker:     NewKeyMutex(),
		Oversell:   OversellClamp,
		MaxRetries: DefaultMaxRetries,
		Logger:     zerolog.Nop(),
	}
}

// Record costs a movement and appends it. This is the only write path.
func (l *Ledger) Record(ctx context.Context, m Movement) (CostLayerEvent, error) {
	if err := m.Validate(); err != nil {
		return CostLayerEvent{}, err
	}

	if m.IdempotencyKey != "" {
		exists, err := l.Store.Exists(ctx, m.IdempotencyKey)
		if err != nil {
			return CostLayerEvent{}, fmt.Errorf("check idempotency key: %w", err)
		}
		if exists {
			return CostLayerEvent{}, ErrDuplicateIdempotencyKey
		}
	}

	if l.Locker != nil {
		unlock, err := l.Locker.Lock(ctx, m.Key)
		if err != nil {
			return CostLayerEvent{}, fmt.Errorf("lock %s: %w", m.Key, err)
		}
		defer unlock()
	}

	attempts := l.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; ; attempt++ {
		event, err := l.appendOnce(ctx, m)
		if err == nil {
			return event, nil
		}
		if !errors.Is(err, ErrConcurrentModification) || attempt >= attempts {
			return CostLayerEvent{}, err
		}
		l.Logger.Debug().
			Str("key", m.Key.String()).
			Int("attempt", attempt).
			Msg("latest event moved during append, retrying with refreshed snapshot")
	}
}

// RecordBatch records movements in order and stops at the first error.
// Events recorded before the failure stay recorded.
func (l *Ledger) RecordBatch(ctx context.Context, movements []Movement) ([]CostLayerEvent, error) {
	out := make([]CostLayerEvent, 0, len(movements))
	for i, m := range movements {
		event, err := l.Record(ctx, m)
		if err != nil {
			return out, fmt.Errorf("movement %d: %w", i, err)
		}
		out = append(out, event)
	}
	return out, nil
}

func (l *Ledger) appendOnce(ctx context.Context, m Movement) (CostLayerEvent, error) {
	latest, err := l.Store.Latest(ctx, m.Key)
	if err != nil {
		return CostLayerEvent{}, fmt.Errorf("load latest event: %w", err)
	}

	snap, err := l.quote(m, latest)
	if err != nil {
		return CostLayerEvent{}, err
	}
	if snap.Clamped {
		l.Logger.Warn().
			Str("key", m.Key.String()).
			Int64("qty_delta", m.QtyDelta).
			Str("reference_id", m.ReferenceID).
			Msg("issue exceeded stock on hand, inventory reset to zero")
	}

	var expected EventID
	if latest != nil {
		expected = latest.ID
	}
	return l.Store.Append(ctx, NewEvent(m, snap), expected)
}

func (l *Ledger) quote(m Movement, latest *CostLayerEvent) (Snapshot, error) {
	var onHand int64
	if latest != nil {
		if m.EventTimestamp.Before(latest.EventTimestamp) {
			return Snapshot{}, &OutOfOrderError{Key: m.Key, Latest: latest.EventTimestamp, Submitted: m.EventTimestamp}
		}
		onHand = latest.QtyOnHandAtEvent
	}
	if m.QtyDelta > 0 && onHand > math.MaxInt64-m.QtyDelta {
		return Snapshot{}, &ValidationError{Field: "qty_delta", Reason: "would overflow quantity on hand"}
	}
	if l.Oversell == OversellReject && m.QtyDelta < 0 && -m.QtyDelta > onHand {
		return Snapshot{}, &InsufficientStockError{Key: m.Key, OnHand: onHand, Requested: -m.QtyDelta}
	}
	return ApplyEvent(m.Key, StateOf(latest), m), nil
}

// =============================================================================
// READ HELPERS
// =============================================================================

// State returns the current state of key without adding an event.
func (l *Ledger) State(ctx context.Context, key CostingKey) (WacState, error) {
	latest, err := l.Store.Latest(ctx, key)
	if err != nil {
		return WacState{}, fmt.Errorf("load latest event: %w", err)
	}
	start := WacState{}
	if latest != nil {
		start = latest.State()
	}
	return Fold(start, nil, nil), nil
}

// Quote returns the snapshot m would produce if recorded now.
func (l *Ledger) Quote(ctx context.Context, m Movement) (Snapshot, error) {
	if err := m.Validate(); err != nil {
		return Snapshot{}, err
	}
	latest, err := l.Store.Latest(ctx, m.Key)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load latest event: %w", err)
	}
	return l.quote(m, latest)
}

// Events returns the full ordered history of key.
func (l *Ledger) Events(ctx context.Context, key CostingKey) ([]CostLayerEvent, error) {
	return l.Store.Events(ctx, key)
}

// Replay recomputes key from its full history.
func (l *Ledger) Replay(ctx context.Context, key CostingKey) (ReplayResult, error) {
	events, err := l.Store.Events(ctx, key)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("load events: %w", err)
	}
	return Replay(key, events)
}
