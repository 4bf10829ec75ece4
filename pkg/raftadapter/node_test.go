//nolint:hugeParam // test only
package raftadapter

import (
	"context"
	"errors"
	"sync"
	"testing"

	"schemaver/pkg/config"
	"schemaver/pkg/dberrors"
	"schemaver/pkg/store"

	"github.com/google/uuid"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

// mockApplier реализует минимальный iBatchApplier для теста
type mockApplier struct{}

func (m *mockApplier) ApplyBatch(context.Context, store.Batch) error { return nil }

// mockTransport реализует iTransport и собирает вызовы
type mockTransport struct {
	mu       sync.Mutex
	addCalls []struct {
		id   uint64
		addr string
	}
	removeCalls []uint64
	updateCalls []struct {
		id   uint64
		addr string
	}
	sentMsgs []raftpb.Message
}

func (m *mockTransport) Send(_ context.Context, msg raftpb.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentMsgs = append(m.sentMsgs, msg)
	return nil
}

func (m *mockTransport) AddPeer(id uint64, addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addCalls = append(m.addCalls, struct {
		id   uint64
		addr string
	}{id: id, addr: addr})
}

func (m *mockTransport) RemovePeer(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeCalls = append(m.removeCalls, id)
}

func (m *mockTransport) UpdatePeer(id uint64, addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls = append(m.updateCalls, struct {
		id   uint64
		addr string
	}{id: id, addr: addr})
}

func singleNodeConfig() *config.RaftConfig {
	return &config.RaftConfig{
		ID:                        1,
		ElectionTick:              10,
		HeartbeatTick:             2,
		MaxSizePerMsg:             1024,
		MaxCommittedSizePerReady:  4096,
		MaxUncommittedEntriesSize: 8192,
		MaxInflightMsgs:           256,
		CheckQuorum:               true,
		PreVote:                   false,
		Peers:                     []config.RaftPeerConfig{{ID: 1, Address: "http://127.0.0.1:8080"}},
	}
}

func TestNode_UpdateTransport(t *testing.T) {
	n, err := NewNode(singleNodeConfig(), &mockApplier{})
	if err != nil {
		t.Fatalf("failed to create node: %v", err)
	}

	// Заменим транспорт на мок
	mt := &mockTransport{}
	n.transport = mt

	// Добавим новый пир (id=2)
	ccAdd := raftpb.ConfChange{Type: raftpb.ConfChangeAddNode, NodeID: 2, Context: []byte("http://127.0.0.1:8081")}
	n.updateTransport(ccAdd)

	// Проверяем, что транспорт получил вызов AddPeer и что пир добавлен в карту
	if len(mt.addCalls) != 1 {
		t.Fatalf("expected 1 add call, got %d", len(mt.addCalls))
	}
	if mt.addCalls[0].id != 2 || mt.addCalls[0].addr != "http://127.0.0.1:8081" {
		t.Fatalf("unexpected add call data: %#v", mt.addCalls[0])
	}
	if addr, ok := n.Peers[2]; !ok || addr != "http://127.0.0.1:8081" {
		t.Fatalf("peer not added to node.Peers or wrong addr: %v, ok=%v", addr, ok)
	}

	// Обновим адрес пира (id=2)
	ccUpdate := raftpb.ConfChange{Type: raftpb.ConfChangeUpdateNode, NodeID: 2, Context: []byte("http://127.0.0.1:9000")}
	n.updateTransport(ccUpdate)

	if len(mt.updateCalls) != 1 {
		t.Fatalf("expected 1 update call, got %d", len(mt.updateCalls))
	}
	if mt.updateCalls[0].id != 2 || mt.updateCalls[0].addr != "http://127.0.0.1:9000" {
		t.Fatalf("unexpected update call data: %#v", mt.updateCalls[0])
	}
	if addr, ok := n.Peers[2]; !ok || addr != "http://127.0.0.1:9000" {
		t.Fatalf("peer not updated in node.Peers or wrong addr: %v, ok=%v", addr, ok)
	}

	// Удалим пир (id=2)
	ccRemove := raftpb.ConfChange{Type: raftpb.ConfChangeRemoveNode, NodeID: 2}
	n.updateTransport(ccRemove)

	if len(mt.removeCalls) != 1 {
		t.Fatalf("expected 1 remove call, got %d", len(mt.removeCalls))
	}
	if mt.removeCalls[0] != 2 {
		t.Fatalf("unexpected remove call id: %d", mt.removeCalls[0])
	}
	if _, ok := n.Peers[2]; ok {
		t.Fatalf("peer still present after removal")
	}
}

func TestNode_ValidateCommand(t *testing.T) {
	n, err := NewNode(singleNodeConfig(), &mockApplier{})
	if err != nil {
		t.Fatalf("failed to create node: %v", err)
	}
	defer n.Stop()

	ok := NewCmd(store.Batch{Origin: "a", Ops: []store.Op{{Kind: store.OpPut, Table: "widgets", Key: []byte("k")}}})
	if ok.ID == uuid.Nil {
		t.Fatalf("NewCmd must assign an id")
	}
	if err := n.validateCommand(ok); err != nil {
		t.Fatalf("valid command rejected: %v", err)
	}

	bad := []Cmd{
		{Batch: ok.Batch},
		{ID: uuid.New()},
		{ID: uuid.New(), Batch: store.Batch{Ops: []store.Op{{Kind: store.OpPut}}}},
	}
	for i, cmd := range bad {
		if err := n.validateCommand(cmd); !errors.Is(err, dberrors.ErrInvalidArgument) {
			t.Fatalf("case %d: expected ErrInvalidArgument, got %v", i, err)
		}
	}
}

func TestToRaftConfig(t *testing.T) {
	rc, err := toRaftConfig(&config.RaftConfig{ID: 3})
	if err != nil {
		t.Fatalf("toRaftConfig: %v", err)
	}
	if rc.ElectionTick != defaultElectionTick || rc.HeartbeatTick != defaultHeartbeatTick {
		t.Fatalf("ticks not defaulted: %d/%d", rc.ElectionTick, rc.HeartbeatTick)
	}
	if rc.MaxSizePerMsg != defaultMaxSizePerMsg || rc.MaxInflightMsgs != defaultMaxInflightMsgs || rc.Logger == nil {
		t.Fatalf("limits not defaulted: %+v", rc)
	}

	if _, err := toRaftConfig(&config.RaftConfig{}); !errors.Is(err, dberrors.ErrConfig) {
		t.Fatalf("expected ErrConfig for missing id, got %v", err)
	}
	if _, err := toRaftConfig(&config.RaftConfig{ID: 1, ElectionTick: 2, HeartbeatTick: 2}); !errors.Is(err, dberrors.ErrConfig) {
		t.Fatalf("expected ErrConfig for ticks, got %v", err)
	}
}
