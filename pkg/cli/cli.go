// Package cli is the operator command tree: install, migrate, rollback,
// pending, history, destroy and serve over the databases of one process.
package cli

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"schemaver/pkg/changeset"
	"schemaver/pkg/database"
	"schemaver/pkg/dberrors"
	"schemaver/pkg/migration"
	"schemaver/pkg/rpc"
	"schemaver/pkg/types"
)

// Target is the database a command works on: one of this process or one
// behind a node's admin API.
type Target interface {
	Name() string
	Install(ctx context.Context) (migration.Result, error)
	Migrate(ctx context.Context) (migration.Result, error)
	Rollback(ctx context.Context, seq types.Sequence, force bool) error
	Pending(ctx context.Context) ([]changeset.Summary, error)
	History(ctx context.Context) ([]migration.AppliedRecord, error)
	Destroy(ctx context.Context) error
}

var _ Target = (*rpc.RemoteDatabase)(nil)

type localTarget struct {
	*database.Database
}

func (l localTarget) Pending(ctx context.Context) ([]changeset.Summary, error) {
	pending, err := l.Database.Pending(ctx)
	if err != nil {
		return nil, err
	}
	return changeset.Summaries(pending), nil
}

// Registry holds the databases a process manages, by name.
type Registry struct {
	dbs map[string]*database.Database
}

func NewRegistry(dbs ...*database.Database) *Registry {
	r := &Registry{dbs: make(map[string]*database.Database, len(dbs))}
	for _, db := range dbs {
		r.dbs[db.Name()] = db
	}
	return r
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.dbs))
	for n := range r.dbs {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

func (r *Registry) All() []*database.Database {
	out := make([]*database.Database, 0, len(r.dbs))
	for _, n := range r.Names() {
		out = append(out, r.dbs[n])
	}
	return out
}

// Get resolves name; an empty name is accepted when exactly one database is
// registered.
func (r *Registry) Get(name string) (*database.Database, error) {
	if name == "" {
		if len(r.dbs) == 1 {
			for _, db := range r.dbs {
				return db, nil
			}
		}
		return nil, fmt.Errorf("--database is required, one of %v: %w", r.Names(), dberrors.ErrInvalidArgument)
	}
	db, ok := r.dbs[name]
	if !ok {
		return nil, fmt.Errorf("database %q: %w", name, dberrors.ErrNotFound)
	}
	return db, nil
}

// Env is what the embedding program builds from the loaded configuration.
type Env struct {
	Registry *Registry
	// Serve runs the node until ctx is done. Nil disables the serve command.
	Serve func(ctx context.Context) error
	// Close releases what Setup opened. May be nil.
	Close func() error
}

// Setup builds the Env from the --config path.
type Setup func(ctx context.Context, configPath string) (*Env, error)

type options struct {
	configPath string
	database   string
	server     string
	timeout    time.Duration
}

// NewCommand returns the root command. setup is called once before any
// subcommand runs.
func NewCommand(ctx context.Context, setup Setup) *cobra.Command {
	var (
		opts options
		env  *Env
	)

	root := &cobra.Command{
		Use:           "schemaver",
		Short:         "Schema versioning for replicated table stores",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.server != "" && cmd.Name() != "serve" {
				return nil
			}
			var err error
			env, err = setup(ctx, opts.configPath)
			if err != nil {
				return fmt.Errorf("setup: %w", err)
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if env != nil && env.Close != nil {
				return env.Close()
			}
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config.yaml", "path to the YAML config")
	root.PersistentFlags().StringVarP(&opts.database, "database", "d", "", "database to operate on")
	root.PersistentFlags().StringVarP(&opts.server, "server", "s", "", "run against a node's admin API (host:port) instead of this process")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 0, "wait this long for tables before running (0 = do not wait)")

	withDB := func(fn func(ctx context.Context, cmd *cobra.Command, db Target, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if opts.server != "" {
				db, err := rpc.NewClient(opts.server).Database(ctx, opts.database)
				if err != nil {
					return err
				}
				return fn(ctx, cmd, db, args)
			}

			db, err := env.Registry.Get(opts.database)
			if err != nil {
				return err
			}
			if opts.timeout > 0 {
				if err := db.Wait(ctx, opts.timeout); err != nil {
					return err
				}
			}
			return fn(ctx, cmd, localTarget{db}, args)
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "install",
			Short: "Create missing tables and the ledger, then apply pending change sets",
			Args:  cobra.NoArgs,
			RunE: withDB(func(ctx context.Context, cmd *cobra.Command, db Target, _ []string) error {
				res, err := db.Install(ctx)
				printResult(cmd.OutOrStdout(), db.Name(), res)
				return err
			}),
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply pending change sets in sequence order",
			Args:  cobra.NoArgs,
			RunE: withDB(func(ctx context.Context, cmd *cobra.Command, db Target, _ []string) error {
				res, err := db.Migrate(ctx)
				printResult(cmd.OutOrStdout(), db.Name(), res)
				return err
			}),
		},
		newRollbackCommand(withDB),
		&cobra.Command{
			Use:   "pending",
			Short: "List change sets that have not been applied",
			Args:  cobra.NoArgs,
			RunE: withDB(func(ctx context.Context, cmd *cobra.Command, db Target, _ []string) error {
				pending, err := db.Pending(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "SEQUENCE\tKIND\tAUTHOR\tDESCRIPTION")
				for _, cs := range pending {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", cs.Sequence, cs.Kind, cs.Author, cs.Description)
				}
				return w.Flush()
			}),
		},
		&cobra.Command{
			Use:   "history",
			Short: "Show the change set ledger",
			Args:  cobra.NoArgs,
			RunE: withDB(func(ctx context.Context, cmd *cobra.Command, db Target, _ []string) error {
				history, err := db.History(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "SEQUENCE\tSTATUS\tNODE\tAPPLIED AT\tDESCRIPTION")
				for _, r := range history {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", r.Sequence, r.Status, r.Node, r.AppliedAt.Format(time.RFC3339), r.Description)
				}
				return w.Flush()
			}),
		},
		newDestroyCommand(withDB),
		&cobra.Command{
			Use:   "serve",
			Short: "Run the node: replication, admin HTTP API and metrics",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				if env.Serve == nil {
					return fmt.Errorf("serve is not available: %w", dberrors.ErrInvalidArgument)
				}
				if c := cmd.Context(); c != nil {
					return env.Serve(c)
				}
				return env.Serve(ctx)
			},
		},
	)
	return root
}

type dbRunner = func(fn func(ctx context.Context, cmd *cobra.Command, db Target, args []string) error) func(*cobra.Command, []string) error

func newRollbackCommand(withDB dbRunner) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "rollback <sequence>",
		Short: "Undo one applied change set",
		Long: `Undo one applied change set and mark its ledger row rolled back.

Change sets without a safe inverse (data transforms, destructive changes)
are refused unless --force is given.`,
		Args: cobra.ExactArgs(1),
		RunE: withDB(func(ctx context.Context, cmd *cobra.Command, db Target, args []string) error {
			seq, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("sequence %q: %w", args[0], dberrors.ErrInvalidArgument)
			}
			if err := db.Rollback(ctx, types.Sequence(seq), force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: rolled back %d\n", db.Name(), seq)
			return nil
		}),
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "roll back even when the change has no safe inverse")
	return cmd
}

func newDestroyCommand(withDB dbRunner) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Drop every declared table and the ledger",
		Args:  cobra.NoArgs,
		RunE: withDB(func(ctx context.Context, cmd *cobra.Command, db Target, _ []string) error {
			if !yes {
				return fmt.Errorf("destroy %q needs --yes: %w", db.Name(), dberrors.ErrInvalidArgument)
			}
			if err := db.Destroy(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: destroyed\n", db.Name())
			return nil
		}),
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm dropping all data")
	return cmd
}

func printResult(w io.Writer, name string, res migration.Result) {
	if len(res.Applied) == 0 && res.Failed == nil {
		fmt.Fprintf(w, "%s: up to date\n", name)
		return
	}
	for _, seq := range res.Applied {
		fmt.Fprintf(w, "%s: applied %d\n", name, seq)
	}
	if res.Failed != nil {
		fmt.Fprintf(w, "%s: FAILED %d: %s\n", name, res.Failed.Sequence, res.Failed.Message)
	}
}
