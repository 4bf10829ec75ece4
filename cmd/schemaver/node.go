package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	ihttp "schemaver/internal/http"
	"schemaver/pkg/cli"
	"schemaver/pkg/cluster"
	"schemaver/pkg/config"
	"schemaver/pkg/database"
	"schemaver/pkg/metrics"
	"schemaver/pkg/migration"
	"schemaver/pkg/raftadapter"
	"schemaver/pkg/store"
	"schemaver/pkg/table"
	"schemaver/pkg/types"
	"schemaver/pkg/wal"
)

func toNodes(in []string) []types.NodeID {
	out := make([]types.NodeID, 0, len(in))
	for _, n := range in {
		out = append(out, types.NodeID(n))
	}
	return out
}

// node is everything one process runs.
type node struct {
	cfg        config.Config
	store      *store.Memory
	raft       *raftadapter.Node
	membership *cluster.ZKMembership
	registry   *prometheus.Registry
	databases  []*database.Database
	closers    []func() error
}

// setup builds the node from the config file; it is the cli.Setup of the
// binary.
func setup(ctx context.Context, path string) (*cli.Env, error) {
	cfg, err := initConfig(path)
	if err != nil {
		return nil, err
	}
	initLogger(&cfg)

	n, err := newNode(cfg)
	if err != nil {
		_ = n.close()
		return nil, err
	}
	return &cli.Env{
		Registry: cli.NewRegistry(n.databases...),
		Serve:    n.serve,
		Close:    n.close,
	}, nil
}

func newNode(cfg config.Config) (*node, error) {
	n := &node{cfg: cfg, registry: prometheus.NewRegistry()}
	local := types.NodeID(cfg.Node.ID)
	nodes := toNodes(cfg.Cluster.Nodes)
	zkCfg := cfg.Cluster.ZooKeeper

	var membership store.Membership = cluster.NewStaticMembership(nodes)
	if len(zkCfg.Servers) > 0 {
		zkm, err := cluster.NewZKMembership(zkCfg.Servers, zkCfg.RootPath, local, zkCfg.SessionTimeout)
		if err != nil {
			return n, fmt.Errorf("zookeeper membership: %w", err)
		}
		n.membership = zkm
		n.closers = append(n.closers, zkm.Close)
		membership = zkm
	}

	var locker migration.Locker = migration.NewLocalLocker()
	if cfg.Migration.Locker == "zookeeper" {
		zl, err := cluster.NewZKLocker(zkCfg.Servers, zkCfg.RootPath, local, zkCfg.SessionTimeout)
		if err != nil {
			return n, fmt.Errorf("zookeeper locker: %w", err)
		}
		n.closers = append(n.closers, zl.Close)
		locker = zl
	}

	var journal *wal.WAL
	if cfg.Store.JournalDir != "" {
		w, err := wal.Open(cfg.Store.JournalDir)
		if err != nil {
			return n, fmt.Errorf("journal: %w", err)
		}
		n.closers = append(n.closers, w.Close)
		journal = w
	}

	n.store = store.NewMemory(store.Options{
		Local:        local,
		Nodes:        nodes,
		Membership:   membership,
		LockTimeout:  cfg.Store.LockTimeout,
		PollInterval: cfg.Store.WaitPollInterval,
	})
	if journal != nil {
		if err := journal.Replay(context.Background(), func(b store.Batch) error {
			return n.store.Restore(context.Background(), b)
		}); err != nil {
			return n, fmt.Errorf("journal replay: %w", err)
		}
		n.store.SetJournal(journal)
	}

	if cfg.Cluster.Raft != nil {
		rn, err := raftadapter.NewNode(cfg.Cluster.Raft, n.store)
		if err != nil {
			return n, fmt.Errorf("raft: %w", err)
		}
		n.raft = rn
		n.store.SetReplicator(rn)
	}

	n.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	masters := make(map[string][]types.NodeID, len(cfg.Cluster.Masters))
	for t, list := range cfg.Cluster.Masters {
		masters[t] = toNodes(list)
	}
	shop, err := database.New(database.Options{
		Name:  "shop",
		Store: n.store,
		Topology: database.Topology{
			Nodes:             nodes,
			Majority:          cfg.Cluster.Majority,
			MasterNodes:       masters,
			ReplicationFactor: cfg.Cluster.ReplicationFactor,
		},
		Tables:         []table.Descriptor{widgetsTable, ordersTable},
		ChangeSets:     shopChangeSets(),
		Environment:    cfg.Migration.Environment,
		RecordFailures: cfg.Migration.RecordFailures,
		RunLease:       cfg.Migration.RunLease,
		Locker:         locker,
		Metrics:        metrics.NewPrometheus(n.registry),
		Logger:         slog.Default(),
	})
	if err != nil {
		return n, err
	}
	n.databases = append(n.databases, shop)
	return n, nil
}

// serve runs replication and the admin API until ctx is done.
func (n *node) serve(ctx context.Context) error {
	if n.membership != nil {
		if err := n.membership.RegisterSelf(); err != nil {
			return fmt.Errorf("register in zookeeper: %w", err)
		}
		go n.membership.Watch(ctx, func(live []types.NodeID) {
			slog.Info("cluster membership changed", "live", live)
		})
	}

	raftErr := make(chan error, 1)
	if n.raft != nil {
		go func() {
			raftErr <- n.raft.Run(ctx)
		}()
	}

	server := ihttp.NewServer(strconv.Itoa(n.cfg.Server.Port), n.databases[0])
	server.ReadHeaderTimeout = n.cfg.Server.ReadHeaderTimeout
	server.SetMetricsHandler(promhttp.HandlerFor(n.registry, promhttp.HandlerOpts{}))
	if n.raft != nil {
		server.SetRaftNode(n.raft)
	}
	if err := server.Start(); err != nil {
		return err
	}
	slog.Info("schemaver node started", "databases", len(n.databases), "raft", n.raft != nil)

	var err error
	select {
	case <-ctx.Done():
	case err = <-raftErr:
		slog.Error("raft node stopped", "error", err)
	}

	if serr := server.Stop(); serr != nil {
		err = errors.Join(err, serr)
	}
	if n.raft != nil {
		_ = n.raft.Stop()
	}
	slog.Info("schemaver node stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (n *node) close() error {
	if n.store != nil {
		n.store.Close()
	}
	var errs []error
	for i := len(n.closers) - 1; i >= 0; i-- {
		errs = append(errs, n.closers[i]())
	}
	n.closers = nil
	return errors.Join(errs...)
}
