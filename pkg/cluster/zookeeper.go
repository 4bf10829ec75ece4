package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"

	"schemaver/pkg/dberrors"
	"schemaver/pkg/types"
)

// zkConn is the subset of *zk.Conn used here.
type zkConn interface {
	Exists(path string) (bool, *zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Delete(path string, version int32) error
	Children(path string) ([]string, *zk.Stat, error)
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	State() zk.State
	Close()
}

var _ zkConn = (*zk.Conn)(nil)

func connect(servers []string, sessionTimeout time.Duration) (*zk.Conn, error) {
	if sessionTimeout <= 0 {
		sessionTimeout = 5 * time.Second
	}
	conn, _, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return conn, nil
}

func ensurePath(conn zkConn, path string) error {
	parts := strings.Split(path, "/")
	cur := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

func waitConnected(conn zkConn, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("zk: not connected after %s, state=%v: %w", timeout, st, dberrors.ErrUnavailable)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// ---- membership ----

// ZKMembership registers this node as an ephemeral znode under
// <root>/nodes and reports the registered children as the live nodes.
type ZKMembership struct {
	conn     zkConn
	rootPath string
	local    types.NodeID

	mu    sync.RWMutex
	live  []types.NodeID
	known bool
}

// servers: ["zk1:2181", "zk2:2181"]
func NewZKMembership(servers []string, rootPath string, local types.NodeID, sessionTimeout time.Duration) (*ZKMembership, error) {
	conn, err := connect(servers, sessionTimeout)
	if err != nil {
		return nil, err
	}
	return newZKMembership(conn, rootPath, local), nil
}

func newZKMembership(conn zkConn, rootPath string, local types.NodeID) *ZKMembership {
	return &ZKMembership{conn: conn, rootPath: rootPath, local: local}
}

func (m *ZKMembership) Close() error {
	m.conn.Close()
	return nil
}

func (m *ZKMembership) nodesPath() string { return m.rootPath + "/nodes" }

// RegisterSelf создаёт ephemeral-узел для текущей ноды
func (m *ZKMembership) RegisterSelf() error {
	// Ждём, пока клиент реально подключится к ZK
	if err := waitConnected(m.conn, 10*time.Second); err != nil {
		return err
	}
	if err := ensurePath(m.conn, m.nodesPath()); err != nil {
		return fmt.Errorf("ensure nodes path: %w", err)
	}

	nodePath := m.nodesPath() + "/" + string(m.local)
	_, err := m.conn.Create(nodePath, nil, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("create ephemeral node: %w", err)
	}
	slog.Info("registered in zookeeper", "path", nodePath)
	return nil
}

// LiveNodes returns the nodes registered right now. Before the first watch
// round it reads them directly; on error it reports no live nodes.
func (m *ZKMembership) LiveNodes() []types.NodeID {
	m.mu.RLock()
	if m.known {
		defer m.mu.RUnlock()
		return slices.Clone(m.live)
	}
	m.mu.RUnlock()

	children, _, err := m.conn.Children(m.nodesPath())
	if err != nil {
		slog.Warn("zk: read live nodes", "error", err)
		return nil
	}
	return toNodes(children)
}

func (m *ZKMembership) setLive(children []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live = toNodes(children)
	m.known = true
}

func toNodes(children []string) []types.NodeID {
	nodes := make([]types.NodeID, 0, len(children))
	for _, c := range children {
		nodes = append(nodes, types.NodeID(c))
	}
	slices.Sort(nodes)
	return nodes
}

// Watch следит за изменениями /nodes и обновляет список живых нод, пока не
// отменён ctx. onChange, если задан, получает каждый новый список.
func (m *ZKMembership) Watch(ctx context.Context, onChange func([]types.NodeID)) {
	go func() {
		for {
			children, _, ch, err := m.conn.ChildrenW(m.nodesPath())
			if err != nil {
				slog.Warn("zk: ChildrenW", "error", err)
				select {
				case <-time.After(2 * time.Second):
					continue
				case <-ctx.Done():
					return
				}
			}

			m.setLive(children)
			if onChange != nil {
				onChange(m.LiveNodes())
			}

			select {
			case ev := <-ch:
				slog.Debug("zk: membership event", "type", ev.Type, "path", ev.Path)
			case <-ctx.Done():
				slog.Info("zk: membership watch stopped")
				return
			}
		}
	}()
}

// ---- migration lock ----

// ZKLocker holds migration locks as ephemeral znodes under <root>/locks, so
// a crashed holder releases its lock with its session.
type ZKLocker struct {
	conn     zkConn
	rootPath string
	owner    types.NodeID
}

func NewZKLocker(servers []string, rootPath string, owner types.NodeID, sessionTimeout time.Duration) (*ZKLocker, error) {
	conn, err := connect(servers, sessionTimeout)
	if err != nil {
		return nil, err
	}
	return newZKLocker(conn, rootPath, owner), nil
}

func newZKLocker(conn zkConn, rootPath string, owner types.NodeID) *ZKLocker {
	return &ZKLocker{conn: conn, rootPath: rootPath, owner: owner}
}

func (l *ZKLocker) Close() error {
	l.conn.Close()
	return nil
}

// Lock takes the lock for name or fails with ErrMigrationInProgress.
func (l *ZKLocker) Lock(ctx context.Context, name string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	locks := l.rootPath + "/locks"
	if err := ensurePath(l.conn, locks); err != nil {
		return nil, fmt.Errorf("ensure locks path: %w", err)
	}

	path := locks + "/" + name
	_, err := l.conn.Create(path, []byte(l.owner), zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if errors.Is(err, zk.ErrNodeExists) {
		return nil, fmt.Errorf("%q: %w", name, dberrors.ErrMigrationInProgress)
	}
	if err != nil {
		return nil, fmt.Errorf("zk lock %q: %w", name, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := l.conn.Delete(path, -1); err != nil && !errors.Is(err, zk.ErrNoNode) {
				slog.Warn("zk: release lock", "path", path, "error", err)
			}
		})
	}, nil
}
