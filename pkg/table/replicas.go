package table

import (
	"context"
	"time"

	"schemaver/pkg/types"
)

// Copying returns the live replica placement of the table.
func (t *Table[K, V]) Copying() (map[types.NodeID]types.CopyType, error) {
	info, err := t.store.TableInfo(t.desc.Name)
	if err != nil {
		return nil, err
	}
	return info.Copies, nil
}

func (t *Table[K, V]) AddCopy(ctx context.Context, node types.NodeID, copyType types.CopyType) error {
	return t.store.AddCopy(ctx, t.desc.Name, node, copyType)
}

func (t *Table[K, V]) MoveCopy(ctx context.Context, from, to types.NodeID) error {
	return t.store.MoveCopy(ctx, t.desc.Name, from, to)
}

func (t *Table[K, V]) DeleteCopy(ctx context.Context, node types.NodeID) error {
	return t.store.DeleteCopy(ctx, t.desc.Name, node)
}

func (t *Table[K, V]) ChangeCopyType(ctx context.Context, node types.NodeID, copyType types.CopyType) error {
	return t.store.ChangeCopyType(ctx, t.desc.Name, node, copyType)
}

func (t *Table[K, V]) AddIndex(ctx context.Context, attr string) error {
	return t.store.AddIndex(ctx, t.desc.Name, attr)
}

func (t *Table[K, V]) DeleteIndex(ctx context.Context, attr string) error {
	return t.store.DeleteIndex(ctx, t.desc.Name, attr)
}

func (t *Table[K, V]) SetMajority(ctx context.Context, majority bool) error {
	return t.store.SetMajority(ctx, t.desc.Name, majority)
}

func (t *Table[K, V]) SetMasterNodes(ctx context.Context, nodes []types.NodeID) error {
	return t.store.SetMasterNodes(ctx, t.desc.Name, nodes)
}

func (t *Table[K, V]) IsMajorityOk() bool {
	return t.store.IsMajorityOk(t.desc.Name)
}

// Wait blocks until the table is loaded and reachable, or timeout passes.
func (t *Table[K, V]) Wait(ctx context.Context, timeout time.Duration) error {
	return t.store.WaitForTables(ctx, []string{t.desc.Name}, timeout)
}

// Force makes the table available on the local node even when its replicas
// are unreachable.
func (t *Table[K, V]) Force() error {
	return t.store.ForceLoad(t.desc.Name)
}
