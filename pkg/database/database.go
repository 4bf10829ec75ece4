// Package database groups tables, topology and change sets into one
// managed database.
package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"schemaver/pkg/changeset"
	"schemaver/pkg/dberrors"
	"schemaver/pkg/metrics"
	"schemaver/pkg/migration"
	"schemaver/pkg/store"
	"schemaver/pkg/table"
	"schemaver/pkg/types"
)

type Options struct {
	Name       string
	Store      store.Adapter
	Topology   Topology
	Tables     []table.Descriptor
	ChangeSets []changeset.ChangeSet

	Environment    string
	RecordFailures bool
	RunLease       time.Duration
	Locker         migration.Locker
	Metrics        metrics.Collector
	Logger         *slog.Logger
}

type Database struct {
	name     string
	store    store.Adapter
	topology Topology
	tables   []table.Descriptor
	engine   *migration.Engine
	log      *slog.Logger
}

// Metadata describes a database for operators.
type Metadata struct {
	Name       string         `json:"name"`
	Nodes      []types.NodeID `json:"nodes"`
	Tables     []string       `json:"tables"`
	Ledger     string         `json:"ledger"`
	ChangeSets int            `json:"change_sets"`
}

// New validates the declaration and builds the database. Any problem with
// it is a *dberrors.ConfigError.
func New(opts Options) (*Database, error) {
	if opts.Name == "" {
		return nil, dberrors.Configf("database without a name")
	}
	if err := opts.Topology.Validate(append(slices.Clone(opts.Tables), created(opts.ChangeSets, opts.Tables)...)); err != nil {
		return nil, fmt.Errorf("database %q: %w", opts.Name, err)
	}
	changeSets, err := opts.Topology.placeChanges(opts.ChangeSets)
	if err != nil {
		return nil, fmt.Errorf("database %q: %w", opts.Name, err)
	}
	tables := make([]table.Descriptor, 0, len(opts.Tables))
	for _, d := range opts.Tables {
		if err := d.Validate(opts.Topology.Nodes); err != nil {
			return nil, fmt.Errorf("database %q: %w", opts.Name, err)
		}
		tables = append(tables, opts.Topology.apply(d))
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ledgerCopies := opts.Topology.replicas(table.Descriptor{Name: migration.LedgerName(opts.Name)})
	engine, err := migration.New(migration.Options{
		Database:       opts.Name,
		Store:          opts.Store,
		ChangeSets:     changeSets,
		Environment:    opts.Environment,
		Nodes:          slices.Clone(opts.Topology.Nodes),
		LedgerCopies:   ledgerCopies,
		Locker:         opts.Locker,
		Metrics:        opts.Metrics,
		Logger:         logger,
		RecordFailures: opts.RecordFailures,
		RunLease:       opts.RunLease,
	})
	if err != nil {
		return nil, err
	}
	return &Database{
		name:     opts.Name,
		store:    opts.Store,
		topology: opts.Topology,
		tables:   tables,
		engine:   engine,
		log:      logger.With("database", opts.Name),
	}, nil
}

func (d *Database) Name() string               { return d.name }
func (d *Database) Engine() *migration.Engine  { return d.engine }
func (d *Database) Tables() []table.Descriptor { return slices.Clone(d.tables) }

// Table returns the descriptor of the named table, with topology applied.
func (d *Database) Table(name string) (table.Descriptor, bool) {
	i := slices.IndexFunc(d.tables, func(t table.Descriptor) bool { return t.Name == name })
	if i < 0 {
		return table.Descriptor{}, false
	}
	return d.tables[i], true
}

func (d *Database) Metadata() Metadata {
	names := make([]string, 0, len(d.tables))
	for _, t := range d.tables {
		names = append(names, t.Name)
	}
	return Metadata{
		Name:       d.name,
		Nodes:      slices.Clone(d.topology.Nodes),
		Tables:     names,
		Ledger:     migration.LedgerName(d.name),
		ChangeSets: len(d.engine.ChangeSets()),
	}
}

// Create creates the ledger and every declared table that is missing, in
// one transaction. No change set is applied.
func (d *Database) Create(ctx context.Context) error {
	err := d.store.Transact(ctx, func(ctx context.Context) error {
		if err := d.engine.Ledger().Create(ctx); err != nil {
			return err
		}
		env := changeset.Env{Store: d.store, Nodes: d.topology.Nodes, Logger: d.log}
		for _, t := range d.tables {
			if err := (changeset.CreateTable{Table: t}).Apply(ctx, env); err != nil {
				return fmt.Errorf("create %q: %w", t.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("create database %q: %w", d.name, err)
	}
	d.log.Info("database created", "tables", len(d.tables))
	return nil
}

func (d *Database) MustCreate(ctx context.Context) {
	if err := d.Create(ctx); err != nil {
		panic(err)
	}
}

// Destroy drops every declared table and the ledger. Missing tables are
// skipped.
func (d *Database) Destroy(ctx context.Context) error {
	err := d.store.Transact(ctx, func(ctx context.Context) error {
		env := changeset.Env{Store: d.store, Nodes: d.topology.Nodes, Logger: d.log}
		for _, t := range d.tables {
			if err := (changeset.DestroyTable{Name: t.Name}).Apply(ctx, env); err != nil {
				return fmt.Errorf("destroy %q: %w", t.Name, err)
			}
			if t.Autoincrement == types.AutoincrementCounter {
				err := d.store.Delete(ctx, table.CounterTable, []byte(t.Name))
				if err != nil && !errors.Is(err, dberrors.ErrNoSuchTable) {
					return err
				}
			}
		}
		return d.engine.Ledger().Destroy(ctx)
	})
	if err != nil {
		return fmt.Errorf("destroy database %q: %w", d.name, err)
	}
	d.log.Info("database destroyed")
	return nil
}

func (d *Database) MustDestroy(ctx context.Context) {
	if err := d.Destroy(ctx); err != nil {
		panic(err)
	}
}

// Wait blocks until the ledger and every table are available. Tables are
// checked concurrently; the first one that does not come up is reported.
func (d *Database) Wait(ctx context.Context, timeout time.Duration) error {
	names := []string{migration.LedgerName(d.name)}
	for _, t := range d.tables {
		names = append(names, t.Name)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		g.Go(func() error {
			return d.store.WaitForTables(gctx, []string{name}, timeout)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("database %q: %w", d.name, err)
	}
	return nil
}

// Install creates what is missing and applies the pending change sets.
func (d *Database) Install(ctx context.Context) (migration.Result, error) {
	return d.engine.Install(ctx, d.tables...)
}

func (d *Database) Migrate(ctx context.Context) (migration.Result, error) {
	return d.engine.Migrate(ctx)
}

func (d *Database) Rollback(ctx context.Context, seq types.Sequence, force bool) error {
	return d.engine.Rollback(ctx, seq, force)
}

func (d *Database) Pending(ctx context.Context) ([]changeset.ChangeSet, error) {
	return d.engine.Pending(ctx)
}

func (d *Database) History(ctx context.Context) ([]migration.AppliedRecord, error) {
	return d.engine.History(ctx)
}
