package cluster

import (
	"context"
	"errors"
	"path"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-zookeeper/zk"

	"schemaver/pkg/dberrors"
	"schemaver/pkg/types"
)

// fakeZK хранит znode'ы в памяти и будит ChildrenW-наблюдателей
type fakeZK struct {
	mu       sync.Mutex
	nodes    map[string][]byte
	watchers map[string][]chan zk.Event
}

func newFakeZK() *fakeZK {
	return &fakeZK{nodes: map[string][]byte{}, watchers: map[string][]chan zk.Event{}}
}

func (f *fakeZK) Exists(p string) (bool, *zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.nodes[p]
	return ok, &zk.Stat{}, nil
}

func (f *fakeZK) Create(p string, data []byte, _ int32, _ []zk.ACL) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[p]; ok {
		return "", zk.ErrNodeExists
	}
	f.nodes[p] = data
	f.fire(path.Dir(p))
	return p, nil
}

func (f *fakeZK) Delete(p string, _ int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[p]; !ok {
		return zk.ErrNoNode
	}
	delete(f.nodes, p)
	f.fire(path.Dir(p))
	return nil
}

func (f *fakeZK) Children(p string) ([]string, *zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.children(p), &zk.Stat{}, nil
}

func (f *fakeZK) ChildrenW(p string) ([]string, *zk.Stat, <-chan zk.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan zk.Event, 1)
	f.watchers[p] = append(f.watchers[p], ch)
	return f.children(p), &zk.Stat{}, ch, nil
}

func (f *fakeZK) State() zk.State { return zk.StateHasSession }
func (f *fakeZK) Close()          {}

func (f *fakeZK) children(p string) []string {
	var out []string
	for n := range f.nodes {
		if path.Dir(n) == p {
			out = append(out, strings.TrimPrefix(n, p+"/"))
		}
	}
	sort.Strings(out)
	return out
}

func (f *fakeZK) fire(parent string) {
	for _, ch := range f.watchers[parent] {
		ch <- zk.Event{Type: zk.EventNodeChildrenChanged, Path: parent}
	}
	delete(f.watchers, parent)
}

func TestZKMembership_RegisterAndWatch(t *testing.T) {
	conn := newFakeZK()
	a := newZKMembership(conn, "/schemaver", "node-a")
	b := newZKMembership(conn, "/schemaver", "node-b")

	if err := a.RegisterSelf(); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := a.RegisterSelf(); err != nil {
		t.Fatalf("second register must be a no-op: %v", err)
	}
	if got := a.LiveNodes(); len(got) != 1 || got[0] != "node-a" {
		t.Fatalf("LiveNodes before watch = %v", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := make(chan []types.NodeID, 8)
	a.Watch(ctx, func(nodes []types.NodeID) { changes <- nodes })

	expect := func(want ...types.NodeID) {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case got := <-changes:
				if len(got) == len(want) && (len(got) == 0 || got[len(got)-1] == want[len(want)-1]) {
					return
				}
			case <-deadline:
				t.Fatalf("membership never became %v (now %v)", want, a.LiveNodes())
			}
		}
	}
	expect("node-a")

	if err := b.RegisterSelf(); err != nil {
		t.Fatalf("register b: %v", err)
	}
	expect("node-a", "node-b")

	if err := conn.Delete("/schemaver/nodes/node-b", -1); err != nil {
		t.Fatal(err)
	}
	expect("node-a")
	if got := a.LiveNodes(); len(got) != 1 {
		t.Fatalf("LiveNodes after b left = %v", got)
	}
}

func TestZKLocker_FailsFast(t *testing.T) {
	conn := newFakeZK()
	first := newZKLocker(conn, "/schemaver", "node-a")
	second := newZKLocker(conn, "/schemaver", "node-b")
	ctx := context.Background()

	unlock, err := first.Lock(ctx, "shop")
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}
	if _, err := second.Lock(ctx, "shop"); !errors.Is(err, dberrors.ErrMigrationInProgress) {
		t.Fatalf("expected ErrMigrationInProgress, got %v", err)
	}
	other, err := second.Lock(ctx, "billing")
	if err != nil {
		t.Fatalf("independent database lock: %v", err)
	}
	other()

	unlock()
	unlock()
	again, err := second.Lock(ctx, "shop")
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	again()

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := first.Lock(cancelled, "shop"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestStaticMembership(t *testing.T) {
	nodes := []types.NodeID{"a", "b"}
	m := NewStaticMembership(nodes)
	got := m.LiveNodes()
	got[0] = "mutated"
	if m.LiveNodes()[0] != "a" {
		t.Fatalf("LiveNodes must return a copy")
	}
}
