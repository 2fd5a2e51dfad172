/*
scheduler.go - Periodic reconciliation sweep

PURPOSE:
  Walks every costing key on an interval, replays it, and records whether
  the stored snapshots agree with the replay. The write path never waits
  on this; reconciliation is always out of band.

DESIGN:
  - One background goroutine driven by a ticker
  - Sweeps immediately on Start, then every Interval
  - One Run record per key per sweep, saved even when the check errors
  - Mismatches are logged at warn level with the first divergent event
  - Never repairs: correcting drift is an operator decision

USAGE:
  s := audit.NewScheduler(store, costing.NewReconciler(store), runs)
  s.Start()
  defer s.Stop()

SEE ALSO:
  - costing/reconcile.go: The per-key check
*/
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/costing-engine/costing"
)

const DefaultInterval = time.Hour

// Summary counts the outcomes of one sweep.
type Summary struct {
	Checked    int `json:"checked"`
	InSync     int `json:"in_sync"`
	Mismatched int `json:"mismatched"`
	Failed     int `json:"failed"`
}

type Scheduler struct {
	Keys       costing.KeyLister
	Reconciler *costing.Reconciler
	Runs       RunStore
	Interval   time.Duration
	Logger     zerolog.Logger

	now    func() time.Time
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewScheduler(keys costing.KeyLister, reconciler *costing.Reconciler, runs RunStore) *Scheduler {
	return &Scheduler{
		Keys:       keys,
		Reconciler: reconciler,
		Runs:       runs,
		Interval:   DefaultInterval,
		Logger:     zerolog.Nop(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Start begins sweeping in the background. Calling Start twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		return
	}
	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run(s.ticker, s.stop)

	s.Logger.Info().Dur("interval", s.Interval).Msg("reconciliation scheduler started")
}

// Stop halts the scheduler and waits for an in-flight sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.Logger.Info().Msg("reconciliation scheduler stopped")
}

func (s *Scheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	s.sweepAndLog(ctx)
	for {
		select {
		case <-ticker.C:
			s.sweepAndLog(ctx)
		case <-stop:
			return
		}
	}
}

func (s *Scheduler) sweepAndLog(ctx context.Context) {
	sum, err := s.SweepOnce(ctx)
	if err != nil {
		s.Logger.Error().Err(err).Msg("reconciliation sweep failed")
		return
	}
	s.Logger.Info().
		Int("checked", sum.Checked).
		Int("in_sync", sum.InSync).
		Int("mismatched", sum.Mismatched).
		Int("failed", sum.Failed).
		Msg("reconciliation sweep completed")
}

// SweepOnce reconciles every key once. A failure on one key is recorded
// and the sweep moves on; only failing to list keys aborts it.
func (s *Scheduler) SweepOnce(ctx context.Context) (Summary, error) {
	keys, err := s.Keys.Keys(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list keys: %w", err)
	}

	var sum Summary
	for _, key := range keys {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		run := s.CheckKey(ctx, key)
		sum.Checked++
		switch run.Status {
		case StatusInSync:
			sum.InSync++
		case StatusMismatch:
			sum.Mismatched++
		default:
			sum.Failed++
		}
	}
	return sum, nil
}

// CheckKey reconciles a single key and records the run.
func (s *Scheduler) CheckKey(ctx context.Context, key costing.CostingKey) Run {
	run := NewRun(key, s.now())
	log := s.Logger.With().Str("key", key.String()).Str("run_id", run.ID).Logger()

	report, err := s.Reconciler.Check(ctx, key)
	if err != nil {
		run.Fail(err, s.now())
		log.Error().Err(err).Msg("reconciliation failed")
	} else {
		run.Complete(report, s.now())
		if !report.InSync {
			first, _ := report.FirstDivergence()
			log.Warn().
				Int("mismatches", len(report.Mismatches)).
				Str("first_event_id", string(first.EventID)).
				Str("field", string(first.Field)).
				Str("expected", first.Expected.String()).
				Str("stored", first.Stored.String()).
				Msg("stored snapshots diverge from replay")
		}
	}

	if s.Runs != nil {
		if err := s.Runs.SaveRun(ctx, run); err != nil {
			log.Error().Err(err).Msg("failed to save reconciliation run")
		}
	}
	return run
}
