// Package migration applies a database's change sets in sequence order and
// keeps the ledger of what has been applied.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"schemaver/pkg/changeset"
	"schemaver/pkg/dberrors"
	"schemaver/pkg/metrics"
	"schemaver/pkg/store"
	"schemaver/pkg/table"
	"schemaver/pkg/types"
)

type Options struct {
	Database   string
	Store      store.Adapter
	ChangeSets []changeset.ChangeSet

	// Environment selects which environment-tagged change sets run.
	Environment string
	// Nodes are the database's nodes, handed to changes through Env.
	Nodes []types.NodeID
	// LedgerCopies places the ledger replicas. Empty keeps it on the
	// local node only.
	LedgerCopies map[types.NodeID]types.CopyType

	Locker  Locker
	Metrics metrics.Collector
	Logger  *slog.Logger

	// RecordFailures writes a failed row to the ledger, in its own
	// transaction, when a change set fails to apply.
	RecordFailures bool

	// RunLease is how long a run marker stays valid without a heartbeat.
	// A marker older than that is taken over by the next run.
	RunLease time.Duration

	Now func() time.Time
}

const defaultRunLease = 10 * time.Minute

// runKey is the ledger key of the run marker. Change set sequences start
// at 1.
const runKey types.Sequence = 0

// Engine runs migrations of one database.
type Engine struct {
	opts       Options
	changeSets []changeset.ChangeSet
	ledger     *ledgerTable
	log        *slog.Logger
}

// Result lists the change sets applied by a run and the failure that
// stopped it, if any.
type Result struct {
	Applied []types.Sequence `json:"applied"`
	Failed  *Failure         `json:"failed,omitempty"`
}

type Failure struct {
	Sequence types.Sequence `json:"sequence"`
	Err      error          `json:"-"`
	Message  string         `json:"error"`
}

func New(opts Options) (*Engine, error) {
	if opts.Database == "" {
		return nil, dberrors.Configf("migration engine without a database name")
	}
	if opts.Store == nil {
		return nil, dberrors.Configf("database %q: no store", opts.Database)
	}
	sorted, err := changeset.Validate(opts.ChangeSets)
	if err != nil {
		return nil, fmt.Errorf("database %q: %w", opts.Database, err)
	}
	if opts.Locker == nil {
		opts.Locker = NewLocalLocker()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.RunLease <= 0 {
		opts.RunLease = defaultRunLease
	}
	if len(opts.Nodes) == 0 {
		opts.Nodes = opts.Store.ClusterNodes()
	}

	ledger, err := newLedger(opts.Store, opts.Database, opts.LedgerCopies)
	if err != nil {
		return nil, err
	}
	return &Engine{
		opts:       opts,
		changeSets: sorted,
		ledger:     ledger,
		log:        opts.Logger.With("database", opts.Database),
	}, nil
}

// ChangeSets returns the declared change sets in sequence order.
func (e *Engine) ChangeSets() []changeset.ChangeSet {
	return slices.Clone(e.changeSets)
}

// Ledger is the ledger table of the database.
func (e *Engine) Ledger() *table.Table[types.Sequence, AppliedRecord] {
	return e.ledger
}

func (e *Engine) env() changeset.Env {
	return changeset.Env{Store: e.opts.Store, Nodes: e.opts.Nodes, Logger: e.log}
}

func (e *Engine) labels() map[string]string {
	return map[string]string{"database": e.opts.Database}
}

// ---- reading state ----

// Pending returns the change sets of this environment that have no applied
// ledger row, in sequence order.
func (e *Engine) Pending(ctx context.Context) ([]changeset.ChangeSet, error) {
	applied, err := e.appliedSet(ctx)
	if err != nil {
		return nil, err
	}
	var pending []changeset.ChangeSet
	for _, cs := range e.changeSets {
		if !cs.AppliesTo(e.opts.Environment) {
			continue
		}
		if _, ok := applied[cs.Sequence]; !ok {
			pending = append(pending, cs)
		}
	}
	e.opts.Metrics.SetGauge("pending_changesets", e.labels(), float64(len(pending)))
	return pending, nil
}

func (e *Engine) appliedSet(ctx context.Context) (map[types.Sequence]struct{}, error) {
	applied := make(map[types.Sequence]struct{})
	if !e.ledger.Exists() {
		return applied, nil
	}
	_, err := table.Foldl(ctx, e.ledger, applied, func(seq types.Sequence, r AppliedRecord, acc map[types.Sequence]struct{}) (map[types.Sequence]struct{}, error) {
		if seq != runKey && r.Status == StatusApplied {
			acc[seq] = struct{}{}
		}
		return acc, nil
	})
	return applied, err
}

// History returns every change set row of the ledger in sequence order.
func (e *Engine) History(ctx context.Context) ([]AppliedRecord, error) {
	if !e.ledger.Exists() {
		return nil, nil
	}
	return table.Foldl(ctx, e.ledger, []AppliedRecord(nil), func(seq types.Sequence, r AppliedRecord, acc []AppliedRecord) ([]AppliedRecord, error) {
		if seq == runKey {
			return acc, nil
		}
		return append(acc, r), nil
	})
}

// Status returns the ledger row of seq, ErrNotFound when it never ran.
func (e *Engine) Status(ctx context.Context, seq types.Sequence) (AppliedRecord, error) {
	if !e.ledger.Exists() || seq == runKey {
		return AppliedRecord{}, fmt.Errorf("change set %d: %w", seq, dberrors.ErrNotFound)
	}
	return e.ledger.Get(ctx, seq)
}

// ---- running ----

// Install creates the ledger and the given tables when they are missing, then
// migrates.
func (e *Engine) Install(ctx context.Context, tables ...table.Descriptor) (Result, error) {
	err := e.opts.Store.Transact(ctx, func(ctx context.Context) error {
		if err := e.ledger.Create(ctx); err != nil {
			return fmt.Errorf("create ledger: %w", err)
		}
		env := e.env()
		for _, d := range tables {
			if err := (changeset.CreateTable{Table: d}).Apply(ctx, env); err != nil {
				return fmt.Errorf("create table %q: %w", d.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	e.log.Info("database installed", "tables", len(tables))
	return e.Migrate(ctx)
}

// Migrate applies the pending change sets in order, each in its own
// transaction together with its ledger row. The first failure stops the run
// and is returned as *dberrors.ApplyFailedError. A run already in progress
// for the database, here or on any node sharing the ledger, fails the call
// with ErrMigrationInProgress.
func (e *Engine) Migrate(ctx context.Context) (Result, error) {
	var res Result

	unlock, err := e.opts.Locker.Lock(ctx, e.opts.Database)
	if err != nil {
		return res, err
	}
	defer unlock()

	start := time.Now()
	defer func() {
		e.opts.Metrics.ObserveHistogram("migrate_duration_seconds", e.labels(), time.Since(start).Seconds())
	}()

	if err := e.ledger.Create(ctx); err != nil {
		return res, fmt.Errorf("create ledger: %w", err)
	}
	run, err := e.acquireRun(ctx)
	if err != nil {
		return res, err
	}
	defer e.releaseRun(ctx, run)

	pending, err := e.Pending(ctx)
	if err != nil {
		return res, err
	}
	if len(pending) == 0 {
		return res, nil
	}
	e.log.Info("migrating", "pending", len(pending), "run", run)

	for _, cs := range pending {
		applied, err := e.apply(ctx, run, cs)
		if errors.Is(err, dberrors.ErrMigrationInProgress) {
			return res, err
		}
		if err != nil {
			e.log.Error("change set failed", "sequence", cs.Sequence, "kind", cs.Change.Kind(), "error", err)
			e.opts.Metrics.IncCounter("changesets_failed_total", e.labels(), 1)
			if e.opts.RecordFailures {
				if rerr := e.recordFailure(ctx, cs, err); rerr != nil {
					err = errors.Join(err, fmt.Errorf("record failure: %w", rerr))
				}
			}
			res.Failed = &Failure{Sequence: cs.Sequence, Err: err, Message: err.Error()}
			return res, &dberrors.ApplyFailedError{Sequence: cs.Sequence, Cause: err}
		}
		if !applied {
			continue
		}
		res.Applied = append(res.Applied, cs.Sequence)
		e.opts.Metrics.IncCounter("changesets_applied_total", e.labels(), 1)
		e.log.Info("change set applied", "sequence", cs.Sequence, "kind", cs.Change.Kind(), "author", cs.Author)
	}
	e.opts.Metrics.SetGauge("pending_changesets", e.labels(), 0)
	return res, nil
}

// apply runs one change set. The ledger is write locked for the whole
// transaction; the run marker is checked and its heartbeat refreshed in the
// same transaction.
func (e *Engine) apply(ctx context.Context, run string, cs changeset.ChangeSet) (bool, error) {
	applied := false
	err := e.opts.Store.Transact(ctx, func(ctx context.Context) error {
		if err := e.ledger.Lock(ctx, types.WriteLock); err != nil {
			return err
		}
		if err := e.heartbeat(ctx, run); err != nil {
			return err
		}
		prev, err := e.ledger.Read(ctx, cs.Sequence, AppliedRecord{})
		if err != nil {
			return err
		}
		if prev.Status == StatusApplied {
			return nil
		}
		if err := cs.Change.Apply(ctx, e.env()); err != nil {
			return err
		}
		applied = true
		return e.ledger.WriteKey(ctx, cs.Sequence, AppliedRecord{
			Sequence:    cs.Sequence,
			AppliedAt:   e.opts.Now(),
			Status:      StatusApplied,
			Node:        e.opts.Store.LocalNode(),
			Author:      cs.Author,
			Description: cs.Description,
		})
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// ---- run marker ----

// acquireRun writes the run marker of a new run. A live marker of another
// run, on any node sharing the ledger, fails with ErrMigrationInProgress.
func (e *Engine) acquireRun(ctx context.Context) (string, error) {
	run := uuid.NewString()
	err := e.opts.Store.Transact(ctx, func(ctx context.Context) error {
		if err := e.ledger.Lock(ctx, types.WriteLock); err != nil {
			return err
		}
		cur, err := e.ledger.Read(ctx, runKey, AppliedRecord{})
		if err != nil {
			return err
		}
		if cur.Status == StatusRunning {
			age := e.opts.Now().Sub(cur.AppliedAt)
			if age <= e.opts.RunLease {
				return fmt.Errorf("database %q: run %s on %s since %s: %w",
					e.opts.Database, cur.Run, cur.Node, cur.AppliedAt.Format(time.RFC3339), dberrors.ErrMigrationInProgress)
			}
			e.log.Warn("taking over stale migration run", "run", cur.Run, "node", cur.Node, "age", age)
		}
		return e.ledger.WriteKey(ctx, runKey, e.runMarker(run))
	})
	if err != nil {
		return "", err
	}
	return run, nil
}

// heartbeat must run under the ledger write lock.
func (e *Engine) heartbeat(ctx context.Context, run string) error {
	cur, err := e.ledger.Read(ctx, runKey, AppliedRecord{})
	if err != nil {
		return err
	}
	if cur.Status != StatusRunning || cur.Run != run {
		return fmt.Errorf("database %q: run %s lost its marker to %q: %w",
			e.opts.Database, run, cur.Run, dberrors.ErrMigrationInProgress)
	}
	return e.ledger.WriteKey(ctx, runKey, e.runMarker(run))
}

func (e *Engine) releaseRun(ctx context.Context, run string) {
	ctx = context.WithoutCancel(ctx)
	err := e.opts.Store.Transact(ctx, func(ctx context.Context) error {
		if err := e.ledger.Lock(ctx, types.WriteLock); err != nil {
			return err
		}
		cur, err := e.ledger.Read(ctx, runKey, AppliedRecord{})
		if err != nil || cur.Run != run {
			return err
		}
		return e.ledger.Delete(ctx, runKey)
	})
	if err != nil {
		e.log.Error("run marker not released", "run", run, "error", err)
	}
}

func (e *Engine) runMarker(run string) AppliedRecord {
	return AppliedRecord{
		Sequence:  runKey,
		AppliedAt: e.opts.Now(),
		Status:    StatusRunning,
		Node:      e.opts.Store.LocalNode(),
		Run:       run,
	}
}

func (e *Engine) recordFailure(ctx context.Context, cs changeset.ChangeSet, cause error) error {
	return e.opts.Store.Transact(ctx, func(ctx context.Context) error {
		return e.ledger.WriteKey(ctx, cs.Sequence, AppliedRecord{
			Sequence:    cs.Sequence,
			AppliedAt:   e.opts.Now(),
			Status:      StatusFailed,
			Node:        e.opts.Store.LocalNode(),
			Author:      cs.Author,
			Description: cs.Description,
			Error:       cause.Error(),
		})
	})
}

// Rollback undoes the applied change set seq and marks its ledger row
// rolled back, both in one transaction. Changes that do not allow automatic
// rollback need force.
func (e *Engine) Rollback(ctx context.Context, seq types.Sequence, force bool) error {
	cs, ok := e.find(seq)
	if !ok {
		return fmt.Errorf("change set %d is not declared: %w", seq, dberrors.ErrNotFound)
	}

	unlock, err := e.opts.Locker.Lock(ctx, e.opts.Database)
	if err != nil {
		return err
	}
	defer unlock()

	if !e.ledger.Exists() {
		return fmt.Errorf("change set %d: %w", seq, dberrors.ErrNotApplied)
	}
	run, err := e.acquireRun(ctx)
	if err != nil {
		return err
	}
	defer e.releaseRun(ctx, run)

	err = e.opts.Store.Transact(ctx, func(ctx context.Context) error {
		if err := e.ledger.Lock(ctx, types.WriteLock); err != nil {
			return err
		}
		if err := e.heartbeat(ctx, run); err != nil {
			return err
		}
		rec, err := e.ledger.Get(ctx, seq)
		if errors.Is(err, dberrors.ErrNotFound) || (err == nil && rec.Status != StatusApplied) {
			return fmt.Errorf("change set %d: %w", seq, dberrors.ErrNotApplied)
		}
		if err != nil {
			return err
		}
		if !force && !cs.Change.AutoRollback() {
			return fmt.Errorf("change set %d (%s): %w", seq, cs.Change.Kind(), dberrors.ErrRollbackRefused)
		}
		if err := cs.Change.Rollback(ctx, e.env()); err != nil {
			return err
		}
		now := e.opts.Now()
		rec.Status = StatusRolledBack
		rec.RolledBackAt = &now
		return e.ledger.WriteKey(ctx, seq, rec)
	})
	if err != nil {
		return err
	}
	e.opts.Metrics.IncCounter("changesets_rolled_back_total", e.labels(), 1)
	e.log.Info("change set rolled back", "sequence", seq, "forced", force)
	return nil
}

func (e *Engine) find(seq types.Sequence) (changeset.ChangeSet, bool) {
	i, ok := slices.BinarySearchFunc(e.changeSets, seq, func(cs changeset.ChangeSet, s types.Sequence) int {
		switch {
		case cs.Sequence < s:
			return -1
		case cs.Sequence > s:
			return 1
		}
		return 0
	})
	if !ok {
		return changeset.ChangeSet{}, false
	}
	return e.changeSets[i], true
}
