/*
reconcile.go - Replay-vs-stored drift detection

PURPOSE:
  The incremental path trusts the snapshot stored on the latest event.
  If any stored snapshot is wrong (a bug, a lost write race, a manual
  edit), every later incremental computation inherits the error. The
  Reconciler replays the full log and compares each stored snapshot to
  the replayed running state.

WHAT IT REPORTS:
  - Expected: the replay result (ground truth)
  - Stored:   the state claimed by the latest event
  - Mismatches: every (event, field) where stored != replayed
  - InSync:   no mismatches at all

WHAT IT DOES NOT DO:
  It never writes. Repair (a correcting movement, an operator review) is
  the caller's decision.

EXAMPLE:
  r := &costing.Reconciler{Log: store}
  report, err := r.Check(ctx, key)
  if err == nil && !report.InSync {
      log.Warn().Int("mismatches", len(report.Mismatches)).Msg("drift")
  }
*/
package costing

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// REPORT
// =============================================================================

type Field string

const (
	FieldQtyOnHand  Field = "qty_on_hand"
	FieldWac        Field = "wac"
	FieldTotalValue Field = "total_value"
)

// Mismatch is one stored snapshot field that disagrees with replay.
type Mismatch struct {
	EventID    EventID
	Sequence   int64
	Field      Field
	Expected   decimal.Decimal
	Stored     decimal.Decimal
	Difference decimal.Decimal // Stored - Expected
}

func (m Mismatch) String() string {
	return fmt.Sprintf("event %s (seq %d) %s: expected %s, stored %s (diff %s)",
		m.EventID, m.Sequence, m.Field, m.Expected, m.Stored, m.Difference)
}

// Report is the outcome of reconciling one key.
type Report struct {
	Key        CostingKey
	Expected   ReplayResult
	Stored     *WacState // nil when the key has no events
	Mismatches []Mismatch
	InSync     bool
}

// FirstDivergence returns the earliest mismatching event, if any.
func (r *Report) FirstDivergence() (Mismatch, bool) {
	if len(r.Mismatches) == 0 {
		return Mismatch{}, false
	}
	return r.Mismatches[0], true
}

// =============================================================================
// RECONCILER
// =============================================================================

// Reconciler compares stored snapshots against a fresh replay. Read-only;
// safe to run concurrently with appends and with other reconcilers.
type Reconciler struct {
	Log EventLog

	// Tolerance is the largest accepted absolute difference on money
	// fields. Zero means exact.
	Tolerance decimal.Decimal
}

func NewReconciler(log EventLog) *Reconciler {
	return &Reconciler{Log: log}
}

// Check reconciles one key from a single ordered read of its history.
func (r *Reconciler) Check(ctx context.Context, key CostingKey) (*Report, error) {
	events, err := r.Log.Events(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load events for %s: %w", key, err)
	}
	return r.CheckEvents(key, events)
}

// CheckEvents reconciles an already loaded history.
func (r *Reconciler) CheckEvents(key CostingKey, events []CostLayerEvent) (*Report, error) {
	ordered, err := OrderEvents(key, events)
	if err != nil {
		return nil, err
	}

	expected, err := Replay(key, ordered)
	if err != nil {
		return nil, err
	}

	report := &Report{Key: key, Expected: expected}

	movements := make([]Movement, len(ordered))
	for i, e := range ordered {
		movements[i] = e.Movement()
	}
	Fold(WacState{}, movements, func(i int, s Step) {
		report.Mismatches = append(report.Mismatches, r.compare(ordered[i], s.State)...)
	})

	if n := len(ordered); n > 0 {
		stored := ordered[n-1].State()
		report.Stored = &stored
	}
	report.InSync = len(report.Mismatches) == 0
	return report, nil
}

func (r *Reconciler) compare(e CostLayerEvent, want WacState) []Mismatch {
	var out []Mismatch
	if e.QtyOnHandAtEvent != want.QtyOnHand {
		exp := decimal.NewFromInt(want.QtyOnHand)
		got := decimal.NewFromInt(e.QtyOnHandAtEvent)
		out = append(out, Mismatch{
			EventID: e.ID, Sequence: e.Sequence, Field: FieldQtyOnHand,
			Expected: exp, Stored: got, Difference: got.Sub(exp),
		})
	}
	if !WithinTolerance(e.WacAtEvent, want.Wac, r.Tolerance) {
		out = append(out, Mismatch{
			EventID: e.ID, Sequence: e.Sequence, Field: FieldWac,
			Expected: want.Wac, Stored: e.WacAtEvent, Difference: e.WacAtEvent.Sub(want.Wac),
		})
	}
	if !WithinTolerance(e.TotalValueAtEvent, want.TotalValue, r.Tolerance) {
		out = append(out, Mismatch{
			EventID: e.ID, Sequence: e.Sequence, Field: FieldTotalValue,
			Expected: want.TotalValue, Stored: e.TotalValueAtEvent, Difference: e.TotalValueAtEvent.Sub(want.TotalValue),
		})
	}
	return out
}
