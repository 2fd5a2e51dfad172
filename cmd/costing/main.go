/*
main.go - Operator CLI for the costing engine

PURPOSE:
  Records movements, inspects costing state, and runs reconciliation
  against a SQLite event log. Every command prints JSON to stdout and
  logs to stderr.

COMMANDS:
  record     Record one movement
  import     Record a JSON array of movements (file or "-" for stdin)
  state      Current WAC state of a key (O(1), from the latest event)
  replay     Recompute a key from its full history
  reconcile  Compare stored snapshots with replay; exit status 2 on drift
  sweep      Reconcile every key, once (-once) or on an interval until
             SIGINT/SIGTERM
  runs       List recorded reconciliation runs

GLOBAL FLAGS:
  -db         SQLite database path (overrides WAC_DB_PATH)
  -log-level  trace, debug, info, warn, error (overrides WAC_LOG_LEVEL)

ENVIRONMENT:
  See config/config.go. Everything is WAC_-prefixed.

EXAMPLES:
  costing record -inst shop-1 -item ring -loc front -qty 10 -unit-cost 5.00 -kind goods_receipt
  costing record -inst shop-1 -item ring -loc front -qty -5 -kind sale
  costing state -inst shop-1 -item ring -loc front
  costing reconcile -inst shop-1 -item ring -loc front
  WAC_LOCK_BACKEND=redis costing import -file grn.json
*/
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/costing-engine/audit"
	"github.com/warp/costing-engine/config"
	"github.com/warp/costing-engine/costing"
	"github.com/warp/costing-engine/factory"
	"github.com/warp/costing-engine/inventory"
	"github.com/warp/costing-engine/locker"
	"github.com/warp/costing-engine/logger"
	"github.com/warp/costing-engine/store/sqlite"
)

// exitOutOfSync is the status reconcile returns when drift was found.
const exitOutOfSync = 2

var errOutOfSync = errors.New("stored snapshots diverge from replay")

func main() {
	os.Exit(exitCode())
}

func exitCode() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errOutOfSync):
		return exitOutOfSync
	default:
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	global := flag.NewFlagSet("costing", flag.ContinueOnError)
	global.SetOutput(stderr)
	dbPath := global.String("db", cfg.DBPath, "SQLite database path")
	logLevel := global.String("log-level", cfg.LogLevel, "log level")
	if err := global.Parse(args); err != nil {
		return err
	}
	cfg.DBPath = *dbPath
	cfg.LogLevel = *logLevel

	rest := global.Args()
	if len(rest) == 0 {
		return fmt.Errorf("missing command: record, import, state, replay, reconcile, sweep, runs")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Out: stderr})

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	cmd, cmdArgs := rest[0], rest[1:]
	switch cmd {
	case "record":
		return a.record(ctx, cmdArgs, stdout)
	case "import":
		return a.importFile(ctx, cmdArgs, stdin, stdout)
	case "state":
		return a.state(ctx, cmdArgs, stdout)
	case "replay":
		return a.replay(ctx, cmdArgs, stdout)
	case "reconcile":
		return a.reconcile(ctx, cmdArgs, stdout)
	case "sweep":
		return a.sweep(ctx, cmdArgs, stdout)
	case "runs":
		return a.runs(ctx, cmdArgs, stdout)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// =============================================================================
// WIRING
// =============================================================================

type app struct {
	cfg        config.Config
	log        zerolog.Logger
	store      *sqlite.Store
	ledger     *costing.Ledger
	inventory  *inventory.Service
	reconciler *costing.Reconciler
	factory    *factory.MovementFactory
	closers    []func() error
}

func newApp(ctx context.Context, cfg config.Config, log zerolog.Logger) (*app, error) {
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a := &app{cfg: cfg, log: log, store: store, closers: []func() error{store.Close}}

	ledger := costing.NewLedger(store)
	ledger.Oversell = cfg.Oversell
	ledger.MaxRetries = cfg.MaxRetries
	ledger.Logger = log

	if cfg.LockBackend == config.LockRedis {
		rdb, err := locker.Connect(ctx, cfg.RedisAddr)
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, rdb.Close)

		rl := locker.NewRedis(rdb)
		rl.TTL = cfg.LockTTL
		rl.Logger = log
		ledger.Locker = rl
	}

	a.ledger = ledger
	a.inventory = inventory.NewService(ledger)
	a.reconciler = &costing.Reconciler{Log: store, Tolerance: cfg.Tolerance}
	a.factory = factory.NewMovementFactory()
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn().Err(err).Msg("close failed")
		}
	}
}

// keyFlags registers the three key flags on fs.
func keyFlags(fs *flag.FlagSet) func() (costing.CostingKey, error) {
	inst := fs.String("inst", "", "installation ID")
	item := fs.String("item", "", "item ID")
	loc := fs.String("loc", "", "location ID")
	return func() (costing.CostingKey, error) {
		k := costing.CostingKey{InstallationID: *inst, ItemID: *item, LocationID: *loc}
		if k.InstallationID == "" || k.ItemID == "" || k.LocationID == "" {
			return k, errors.New("-inst, -item and -loc are required")
		}
		return k, nil
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// =============================================================================
// COMMANDS
// =============================================================================

func (a *app) record(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("record", flag.ContinueOnError)
	key := keyFlags(fs)
	qty := fs.Int64("qty", 0, "signed quantity delta")
	unitCost := fs.String("unit-cost", "", "unit cost (receipts)")
	landed := fs.String("landed", "", "landed cost per unit (receipts)")
	at := fs.String("at", "", "event timestamp, RFC3339 (default now)")
	kind := fs.String("kind", "", "goods_receipt, buyback_receipt, sale, adjustment")
	ref := fs.String("ref", "", "reference ID")
	reason := fs.String("reason", "", "reason (adjustments)")
	idem := fs.String("idempotency-key", "", "idempotency key")
	if err := fs.Parse(args); err != nil {
		return err
	}
	k, err := key()
	if err != nil {
		return err
	}

	ts := time.Now().UTC().Format(time.RFC3339Nano)
	if *at != "" {
		ts = *at
	}
	m, err := a.factory.FromJSON(factory.MovementJSON{
		InstallationID: k.InstallationID, ItemID: k.ItemID, LocationID: k.LocationID,
		Kind: *kind, QtyDelta: *qty, UnitCost: *unitCost, LandedCostDelta: *landed,
		EventTimestamp: ts, ReferenceID: *ref, Reason: *reason, IdempotencyKey: *idem,
	})
	if err != nil {
		return err
	}

	event, err := a.inventory.Record(ctx, m)
	if err != nil {
		return err
	}
	a.log.Info().
		Str("key", k.String()).
		Str("event_id", string(event.ID)).
		Int64("qty_on_hand", event.QtyOnHandAtEvent).
		Str("wac", event.WacAtEvent.String()).
		Msg("movement recorded")
	return writeJSON(stdout, a.factory.ToJSON(event))
}

func (a *app) importFile(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	file := fs.String("file", "-", "JSON file of movements, - for stdin")
	inst := fs.String("inst", "", "default installation ID")
	loc := fs.String("loc", "", "default location ID")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var (
		data []byte
		err  error
	)
	if *file == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(*file)
	}
	if err != nil {
		return fmt.Errorf("read movements: %w", err)
	}

	a.factory.DefaultInstallationID = *inst
	a.factory.DefaultLocationID = *loc
	movements, err := a.factory.ParseMovements(data)
	if err != nil {
		return err
	}

	out := make([]factory.EventJSON, 0, len(movements))
	for i, m := range movements {
		event, err := a.inventory.Record(ctx, m)
		if err != nil {
			a.log.Error().Err(err).Int("row", i).Int("recorded", len(out)).Msg("import stopped")
			return &factory.RowError{Row: i, Err: err}
		}
		out = append(out, a.factory.ToJSON(event))
	}
	a.log.Info().Int("recorded", len(out)).Msg("import completed")
	return writeJSON(stdout, out)
}

type stateJSON struct {
	Key         string          `json:"key"`
	QtyOnHand   int64           `json:"qty_on_hand"`
	Wac         decimal.Decimal `json:"wac"`
	TotalValue  decimal.Decimal `json:"total_value"`
	LastEventID string          `json:"last_event_id,omitempty"`
	EventCount  *int            `json:"event_count,omitempty"`
	ClampCount  *int            `json:"clamp_count,omitempty"`
}

func (a *app) state(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("state", flag.ContinueOnError)
	key := keyFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	k, err := key()
	if err != nil {
		return err
	}

	s, err := a.ledger.State(ctx, k)
	if err != nil {
		return err
	}
	return writeJSON(stdout, stateJSON{
		Key: k.String(), QtyOnHand: s.QtyOnHand, Wac: s.Wac, TotalValue: s.TotalValue,
		LastEventID: string(s.LastEventID),
	})
}

func (a *app) replay(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	key := keyFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	k, err := key()
	if err != nil {
		return err
	}

	r, err := a.ledger.Replay(ctx, k)
	if err != nil {
		return err
	}
	return writeJSON(stdout, stateJSON{
		Key: k.String(), QtyOnHand: r.QtyOnHand, Wac: r.Wac, TotalValue: r.TotalValue,
		LastEventID: string(r.LastEventID), EventCount: &r.EventCount, ClampCount: &r.ClampCount,
	})
}

type mismatchJSON struct {
	EventID    string          `json:"event_id"`
	Sequence   int64           `json:"sequence"`
	Field      string          `json:"field"`
	Expected   decimal.Decimal `json:"expected"`
	Stored     decimal.Decimal `json:"stored"`
	Difference decimal.Decimal `json:"difference"`
}

type reportJSON struct {
	Key        string         `json:"key"`
	InSync     bool           `json:"in_sync"`
	Expected   stateJSON      `json:"expected"`
	Stored     *stateJSON     `json:"stored,omitempty"`
	Mismatches []mismatchJSON `json:"mismatches"`
}

func (a *app) reconcile(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	key := keyFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	k, err := key()
	if err != nil {
		return err
	}

	report, err := a.reconciler.Check(ctx, k)
	if err != nil {
		return err
	}

	out := reportJSON{
		Key:    k.String(),
		InSync: report.InSync,
		Expected: stateJSON{
			Key: k.String(), QtyOnHand: report.Expected.QtyOnHand, Wac: report.Expected.Wac,
			TotalValue: report.Expected.TotalValue, LastEventID: string(report.Expected.LastEventID),
			EventCount: &report.Expected.EventCount, ClampCount: &report.Expected.ClampCount,
		},
		Mismatches: make([]mismatchJSON, 0, len(report.Mismatches)),
	}
	if report.Stored != nil {
		out.Stored = &stateJSON{
			Key: k.String(), QtyOnHand: report.Stored.QtyOnHand, Wac: report.Stored.Wac,
			TotalValue: report.Stored.TotalValue, LastEventID: string(report.Stored.LastEventID),
		}
	}
	for _, m := range report.Mismatches {
		out.Mismatches = append(out.Mismatches, mismatchJSON{
			EventID: string(m.EventID), Sequence: m.Sequence, Field: string(m.Field),
			Expected: m.Expected, Stored: m.Stored, Difference: m.Difference,
		})
	}
	if err := writeJSON(stdout, out); err != nil {
		return err
	}
	if !report.InSync {
		return errOutOfSync
	}
	return nil
}

func (a *app) sweep(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	once := fs.Bool("once", false, "sweep once and exit")
	interval := fs.Duration("interval", a.cfg.SweepInterval, "time between sweeps")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s := audit.NewScheduler(a.store, a.reconciler, a.store)
	s.Interval = *interval
	s.Logger = a.log

	if *once {
		sum, err := s.SweepOnce(ctx)
		if err != nil {
			return err
		}
		return writeJSON(stdout, sum)
	}

	s.Start()
	<-ctx.Done()
	a.log.Info().Msg("shutting down sweep")
	s.Stop()
	return nil
}

type runJSON struct {
	ID            string          `json:"id"`
	Key           string          `json:"key"`
	Status        string          `json:"status"`
	EventCount    int             `json:"event_count"`
	MismatchCount int             `json:"mismatch_count"`
	FirstMismatch string          `json:"first_mismatch_event_id,omitempty"`
	ExpectedQty   int64           `json:"expected_qty"`
	ExpectedWac   decimal.Decimal `json:"expected_wac"`
	ExpectedValue decimal.Decimal `json:"expected_value"`
	Error         string          `json:"error,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	CompletedAt   time.Time       `json:"completed_at"`
}

func (a *app) runs(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	status := fs.String("status", "", "filter: in_sync, mismatch, error")
	if err := fs.Parse(args); err != nil {
		return err
	}

	runs, err := a.store.ListRuns(ctx, audit.Status(*status))
	if err != nil {
		return err
	}
	out := make([]runJSON, 0, len(runs))
	for _, r := range runs {
		out = append(out, runJSON{
			ID: r.ID, Key: r.Key.String(), Status: string(r.Status),
			EventCount: r.EventCount, MismatchCount: r.MismatchCount,
			FirstMismatch: string(r.FirstMismatch), ExpectedQty: r.ExpectedQty,
			ExpectedWac: r.ExpectedWac, ExpectedValue: r.ExpectedValue,
			Error: r.Error, StartedAt: r.StartedAt, CompletedAt: r.CompletedAt,
		})
	}
	return writeJSON(stdout, out)
}
