// Package audit runs reconciliation outside the write path and keeps a
// record of every check.
package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/costing-engine/costing"
)

// Status is the outcome of one reconciliation run.
type Status string

const (
	StatusInSync   Status = "in_sync"
	StatusMismatch Status = "mismatch"
	StatusError    Status = "error"
)

// Run records one reconciliation of one key.
type Run struct {
	ID     string
	Key    costing.CostingKey
	Status Status

	EventCount    int
	MismatchCount int
	FirstMismatch costing.EventID // empty when in sync

	ExpectedQty   int64
	ExpectedWac   decimal.Decimal
	ExpectedValue decimal.Decimal

	Error       string
	StartedAt   time.Time
	CompletedAt time.Time
}

// NewRun starts a run record for key.
func NewRun(key costing.CostingKey, now time.Time) Run {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return Run{ID: id.String(), Key: key, StartedAt: now}
}

// Complete fills the run from a reconciliation report.
func (r *Run) Complete(report *costing.Report, now time.Time) {
	r.CompletedAt = now
	r.EventCount = report.Expected.EventCount
	r.MismatchCount = len(report.Mismatches)
	r.ExpectedQty = report.Expected.QtyOnHand
	r.ExpectedWac = report.Expected.Wac
	r.ExpectedValue = report.Expected.TotalValue
	if first, ok := report.FirstDivergence(); ok {
		r.FirstMismatch = first.EventID
	}
	if report.InSync {
		r.Status = StatusInSync
	} else {
		r.Status = StatusMismatch
	}
}

// Fail marks the run as errored.
func (r *Run) Fail(err error, now time.Time) {
	r.CompletedAt = now
	r.Status = StatusError
	r.Error = err.Error()
}

// RunStore persists run records.
type RunStore interface {
	SaveRun(ctx context.Context, run Run) error
	// ListRuns returns runs newest first, filtered by status when non-empty.
	ListRuns(ctx context.Context, status Status) ([]Run, error)
}

// =============================================================================
// MEMORY RUN STORE
// =============================================================================

type MemoryRuns struct {
	mu   sync.RWMutex
	runs []Run
}

func NewMemoryRuns() *MemoryRuns {
	return &MemoryRuns{}
}

func (m *MemoryRuns) SaveRun(_ context.Context, run Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

func (m *MemoryRuns) ListRuns(_ context.Context, status Status) ([]Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Run
	for _, r := range m.runs {
		if status == "" || r.Status == status {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}
