package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"schemaver/pkg/dberrors"
)

// Config - корневая структура конфигурации приложения
type Config struct {
	Logger    LoggerConfig    `yaml:"logger"`
	Server    ServerConfig    `yaml:"http-server"`
	Node      NodeConfig      `yaml:"node"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Store     StoreConfig     `yaml:"store"`
	Migration MigrationConfig `yaml:"migration"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

// NodeConfig describes identity of the local node.
type NodeConfig struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

// ClusterConfig lists the participating nodes. When ZooKeeper servers are
// configured, liveness comes from ephemeral registrations instead of the
// static list.
type ClusterConfig struct {
	Nodes     []string            `yaml:"nodes"`
	ZooKeeper ZooKeeperConfig     `yaml:"zookeeper"`
	Raft      *RaftConfig         `yaml:"raft"`
	Majority  map[string]bool     `yaml:"majority"`
	Masters   map[string][]string `yaml:"master_nodes"`
	// ReplicationFactor places tables without explicit copies on this many
	// nodes of the hash ring. 0 means every node.
	ReplicationFactor int `yaml:"replication_factor"`
}

type ZooKeeperConfig struct {
	Servers        []string      `yaml:"servers"`
	RootPath       string        `yaml:"root_path"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

type RaftPeerConfig struct {
	ID      uint64 `yaml:"id"`
	Address string `yaml:"address"`
}

type RaftConfig struct {
	ID                        uint64           `yaml:"id"`
	ElectionTick              int              `yaml:"election_tick"`
	HeartbeatTick             int              `yaml:"heartbeat_tick"`
	MaxSizePerMsg             uint64           `yaml:"max_size_per_msg"`
	MaxCommittedSizePerReady  uint64           `yaml:"max_committed_size_per_ready"`
	MaxUncommittedEntriesSize uint64           `yaml:"max_uncommitted_entries_size"`
	MaxInflightMsgs           int              `yaml:"max_inflight_msgs"`
	CheckQuorum               bool             `yaml:"check_quorum"`
	PreVote                   bool             `yaml:"pre_vote"`
	Peers                     []RaftPeerConfig `yaml:"peers"`
}

type StoreConfig struct {
	LockTimeout      time.Duration `yaml:"lock_timeout"`
	WaitPollInterval time.Duration `yaml:"wait_poll_interval"`
	// JournalDir включает журнал коммитов; пусто - только память
	JournalDir string `yaml:"journal_dir"`
}

type MigrationConfig struct {
	Environment string `yaml:"environment"`
	// Locker: "local" or "zookeeper"
	Locker string `yaml:"locker"`
	// RecordFailures keeps a failed row in the ledger for change sets that
	// did not apply.
	RecordFailures bool `yaml:"record_failures"`
	// RunLease - через сколько без heartbeat маркер прогона считается брошенным
	RunLease time.Duration `yaml:"run_lease"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: time.Second,
		},
		Node: NodeConfig{
			ID:      "node-1",
			Address: "localhost:8080",
		},
		Cluster: ClusterConfig{
			Nodes: []string{"node-1"},
			ZooKeeper: ZooKeeperConfig{
				RootPath:       "/schemaver",
				SessionTimeout: 5 * time.Second,
			},
		},
		Store: StoreConfig{
			LockTimeout:      5 * time.Second,
			WaitPollInterval: 50 * time.Millisecond,
		},
		Migration: MigrationConfig{
			Locker:   "local",
			RunLease: 10 * time.Minute,
		},
	}
}

// Load читает YAML-файл поверх Default(). Если файла нет, возвращается Default().
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Info("config file not found, using default config", "path", path)
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate reports declarations that can never work at run time.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Logger.Level) {
	case "debug", "info", "warn", "error":
	default:
		return dberrors.Configf("logger.level %q is not one of DEBUG INFO WARN ERROR", c.Logger.Level)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return dberrors.Configf("http-server.port %d out of range", c.Server.Port)
	}
	if c.Node.ID == "" {
		return dberrors.Configf("node.id is required")
	}

	known := make(map[string]struct{}, len(c.Cluster.Nodes))
	for _, n := range c.Cluster.Nodes {
		if _, dup := known[n]; dup {
			return dberrors.Configf("cluster.nodes: duplicate node %q", n)
		}
		known[n] = struct{}{}
	}
	if _, ok := known[c.Node.ID]; !ok {
		return dberrors.Configf("node.id %q is not listed in cluster.nodes", c.Node.ID)
	}
	if c.Cluster.ReplicationFactor < 0 || c.Cluster.ReplicationFactor > len(c.Cluster.Nodes) {
		return dberrors.Configf("cluster.replication_factor %d out of range 0..%d", c.Cluster.ReplicationFactor, len(c.Cluster.Nodes))
	}
	for table, masters := range c.Cluster.Masters {
		for _, m := range masters {
			if _, ok := known[m]; !ok {
				return dberrors.Configf("cluster.master_nodes[%s]: unknown node %q", table, m)
			}
		}
	}

	if c.Migration.RunLease < 0 {
		return dberrors.Configf("migration.run_lease %s is negative", c.Migration.RunLease)
	}
	switch c.Migration.Locker {
	case "", "local":
	case "zookeeper":
		if len(c.Cluster.ZooKeeper.Servers) == 0 {
			return dberrors.Configf("migration.locker=zookeeper requires cluster.zookeeper.servers")
		}
	default:
		return dberrors.Configf("migration.locker %q is not one of local zookeeper", c.Migration.Locker)
	}
	return nil
}

// SlogLevel maps the configured level to slog.
func (c LoggerConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
