package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"schemaver/pkg/types"
)

// Adapter is the boundary to the replicated table engine. Every data
// operation joins the transaction carried by ctx, or runs in an implicit one.
type Adapter interface {
	CreateTable(ctx context.Context, spec TableSpec) error
	DestroyTable(ctx context.Context, name string) error
	TableInfo(name string) (TableInfo, error)
	Tables() []string

	Transact(ctx context.Context, fn func(ctx context.Context) error) error
	Lock(ctx context.Context, table string, mode types.LockMode) error

	Read(ctx context.Context, table string, key []byte) ([]Object, error)
	Write(ctx context.Context, table string, obj Object) error
	Delete(ctx context.Context, table string, key []byte) error
	DeleteObject(ctx context.Context, table string, obj Object) error
	Match(ctx context.Context, table string, pattern Pattern) ([]Object, error)
	Select(ctx context.Context, table string, sel Selector, limit int, cont *Continuation) ([]Object, *Continuation, error)
	IndexRead(ctx context.Context, table, attr string, value any) ([]Object, error)
	First(ctx context.Context, table string) ([]byte, bool, error)
	Last(ctx context.Context, table string) ([]byte, bool, error)
	Next(ctx context.Context, table string, key []byte) ([]byte, bool, error)
	Prev(ctx context.Context, table string, key []byte) ([]byte, bool, error)
	Fold(ctx context.Context, table string, reverse bool, fn func(Object) error) error
	Count(ctx context.Context, table string) (int, error)
	Clear(ctx context.Context, table string) error
	UpdateCounter(ctx context.Context, table string, key []byte, incr int64) (int64, error)

	AddCopy(ctx context.Context, table string, node types.NodeID, copyType types.CopyType) error
	MoveCopy(ctx context.Context, table string, from, to types.NodeID) error
	DeleteCopy(ctx context.Context, table string, node types.NodeID) error
	ChangeCopyType(ctx context.Context, table string, node types.NodeID, copyType types.CopyType) error
	AddIndex(ctx context.Context, table, attr string) error
	DeleteIndex(ctx context.Context, table, attr string) error
	SetMajority(ctx context.Context, table string, majority bool) error
	SetMasterNodes(ctx context.Context, table string, nodes []types.NodeID) error

	WaitForTables(ctx context.Context, names []string, timeout time.Duration) error
	ForceLoad(table string) error
	ClusterNodes() []types.NodeID
	LocalNode() types.NodeID
	IsMajorityOk(table string) bool
}

// Object is one stored record. Value is a JSON document so that indexes and
// patterns can address its top level attributes.
type Object struct {
	Key   []byte
	Value []byte
}

// TableSpec is the engine level description of a table.
type TableSpec struct {
	Name        string                          `json:"name"`
	Semantics   types.Semantics                 `json:"semantics"`
	Attributes  []string                        `json:"attributes,omitempty"`
	Indexes     []string                        `json:"indexes,omitempty"`
	Copies      map[types.NodeID]types.CopyType `json:"copies,omitempty"`
	Majority    bool                            `json:"majority,omitempty"`
	MasterNodes []types.NodeID                  `json:"master_nodes,omitempty"`
}

func (s TableSpec) clone() TableSpec {
	c := s
	c.Attributes = append([]string(nil), s.Attributes...)
	c.Indexes = append([]string(nil), s.Indexes...)
	c.MasterNodes = append([]types.NodeID(nil), s.MasterNodes...)
	if s.Copies != nil {
		c.Copies = make(map[types.NodeID]types.CopyType, len(s.Copies))
		for n, t := range s.Copies {
			c.Copies[n] = t
		}
	}
	return c
}

// TableInfo is a snapshot of a table's spec and size.
type TableInfo struct {
	TableSpec
	Size int
}

// Pattern matches objects whose top level attributes equal the given values.
type Pattern map[string]any

// Selector filters objects for Select.
type Selector func(Object) (bool, error)

// Continuation resumes a limited Select where the previous page stopped.
type Continuation struct {
	Table  string
	After  []byte
	Offset int
}

// Replicator ships committed transaction batches to the other replicas.
type Replicator interface {
	Replicate(ctx context.Context, b Batch) error
}

// Journal durably records committed batches so a restarted node can
// Restore them. Abort marks a batch whose transaction was undone after it
// had been appended.
type Journal interface {
	Append(ctx context.Context, b Batch) error
	Abort(ctx context.Context, id uuid.UUID) error
}

// Membership reports which cluster nodes are alive right now.
type Membership interface {
	LiveNodes() []types.NodeID
}

type Options struct {
	Local        types.NodeID
	Nodes        []types.NodeID
	Membership   Membership
	Replicator   Replicator
	Journal      Journal
	LockTimeout  time.Duration
	PollInterval time.Duration
}
