package store

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"schemaver/pkg/dberrors"
	"schemaver/pkg/types"
)

// ---- replica placement ----

// AddCopy places a replica of table on node. A node that already holds a
// copy keeps it unchanged.
func (e *Memory) AddCopy(ctx context.Context, table string, node types.NodeID, copyType types.CopyType) error {
	if !copyType.Valid() {
		return fmt.Errorf("add copy: copy type %q: %w", copyType, dberrors.ErrInvalidArgument)
	}
	if !e.knownNode(node) {
		return fmt.Errorf("add copy: node %q is not a cluster member: %w", node, dberrors.ErrInvalidArgument)
	}
	return e.updateSpec(ctx, table, func(spec *TableSpec) (bool, error) {
		if _, ok := spec.Copies[node]; ok {
			return false, nil
		}
		if spec.Copies == nil {
			spec.Copies = make(map[types.NodeID]types.CopyType)
		}
		spec.Copies[node] = copyType
		return true, nil
	})
}

// MoveCopy moves the replica held by from to node to, keeping its copy type.
// A move that already happened is a no-op.
func (e *Memory) MoveCopy(ctx context.Context, table string, from, to types.NodeID) error {
	if !e.knownNode(to) {
		return fmt.Errorf("move copy: node %q is not a cluster member: %w", to, dberrors.ErrInvalidArgument)
	}
	return e.updateSpec(ctx, table, func(spec *TableSpec) (bool, error) {
		ct, hasFrom := spec.Copies[from]
		_, hasTo := spec.Copies[to]
		switch {
		case !hasFrom && hasTo:
			return false, nil
		case !hasFrom:
			return false, fmt.Errorf("move copy of %q: no copy on %q: %w", table, from, dberrors.ErrNotFound)
		case hasTo:
			return false, fmt.Errorf("move copy of %q: %q already holds a copy: %w", table, to, dberrors.ErrInvalidArgument)
		}
		delete(spec.Copies, from)
		spec.Copies[to] = ct
		return true, nil
	})
}

// DeleteCopy removes the replica on node. The last replica of a table cannot
// be removed, destroy the table instead.
func (e *Memory) DeleteCopy(ctx context.Context, table string, node types.NodeID) error {
	return e.updateSpec(ctx, table, func(spec *TableSpec) (bool, error) {
		if _, ok := spec.Copies[node]; !ok {
			return false, nil
		}
		if len(spec.Copies) == 1 {
			return false, fmt.Errorf("delete copy of %q on %q: last replica: %w", table, node, dberrors.ErrInvalidArgument)
		}
		delete(spec.Copies, node)
		return true, nil
	})
}

func (e *Memory) ChangeCopyType(ctx context.Context, table string, node types.NodeID, copyType types.CopyType) error {
	if !copyType.Valid() {
		return fmt.Errorf("change copy type: %q: %w", copyType, dberrors.ErrInvalidArgument)
	}
	return e.updateSpec(ctx, table, func(spec *TableSpec) (bool, error) {
		cur, ok := spec.Copies[node]
		if !ok {
			return false, fmt.Errorf("change copy type of %q: no copy on %q: %w", table, node, dberrors.ErrNotFound)
		}
		if cur == copyType {
			return false, nil
		}
		spec.Copies[node] = copyType
		return true, nil
	})
}

func (e *Memory) SetMajority(ctx context.Context, table string, majority bool) error {
	return e.updateSpec(ctx, table, func(spec *TableSpec) (bool, error) {
		if spec.Majority == majority {
			return false, nil
		}
		spec.Majority = majority
		return true, nil
	})
}

func (e *Memory) SetMasterNodes(ctx context.Context, table string, nodes []types.NodeID) error {
	for _, n := range nodes {
		if !e.knownNode(n) {
			return fmt.Errorf("master nodes: node %q is not a cluster member: %w", n, dberrors.ErrInvalidArgument)
		}
	}
	return e.updateSpec(ctx, table, func(spec *TableSpec) (bool, error) {
		if slices.Equal(spec.MasterNodes, nodes) {
			return false, nil
		}
		spec.MasterNodes = slices.Clone(nodes)
		return true, nil
	})
}

func (e *Memory) updateSpec(ctx context.Context, table string, mutate func(spec *TableSpec) (bool, error)) error {
	return e.within(ctx, func(tx *txn) error {
		t, err := e.locked(tx, table, types.WriteLock)
		if err != nil {
			return err
		}
		spec := t.specSnapshot()
		changed, err := mutate(&spec)
		if err != nil || !changed {
			return err
		}
		e.setMeta(tx, t, table, spec)
		return nil
	})
}

func (e *Memory) setMeta(tx *txn, t *memTable, table string, spec TableSpec) {
	old := t.specSnapshot()
	t.setSpec(spec)
	tx.onAbort(func() { t.setSpec(old) })
	s := spec.clone()
	tx.record(Op{Kind: OpSetMeta, Table: table, Spec: &s})
}

// ---- indexes ----

func (e *Memory) AddIndex(ctx context.Context, table, attr string) error {
	return e.within(ctx, func(tx *txn) error {
		t, err := e.locked(tx, table, types.WriteLock)
		if err != nil {
			return err
		}
		spec := t.specSnapshot()
		if len(spec.Attributes) > 0 && !slices.Contains(spec.Attributes, attr) {
			return fmt.Errorf("add index on %q: unknown attribute %q: %w", table, attr, dberrors.ErrInvalidArgument)
		}
		e.addIndexLocked(tx, t, table, attr)
		return nil
	})
}

func (e *Memory) addIndexLocked(tx *txn, t *memTable, table, attr string) {
	if t.hasIndex(attr) {
		return
	}
	t.addIndex(attr)
	tx.onAbort(func() { t.dropIndex(attr) })
	tx.record(Op{Kind: OpAddIndex, Table: table, Attr: attr})
}

func (e *Memory) DeleteIndex(ctx context.Context, table, attr string) error {
	return e.within(ctx, func(tx *txn) error {
		t, err := e.locked(tx, table, types.WriteLock)
		if err != nil {
			return err
		}
		e.deleteIndexLocked(tx, t, table, attr)
		return nil
	})
}

func (e *Memory) deleteIndexLocked(tx *txn, t *memTable, table, attr string) {
	if !t.hasIndex(attr) {
		return
	}
	t.dropIndex(attr)
	tx.onAbort(func() { t.addIndex(attr) })
	tx.record(Op{Kind: OpDeleteIndex, Table: table, Attr: attr})
}

// ---- availability ----

func (e *Memory) ClusterNodes() []types.NodeID {
	return slices.Clone(e.opts.Nodes)
}

func (e *Memory) LocalNode() types.NodeID {
	return e.opts.Local
}

func (e *Memory) knownNode(n types.NodeID) bool {
	return slices.Contains(e.opts.Nodes, n)
}

func (e *Memory) liveNodes() map[types.NodeID]struct{} {
	nodes := e.opts.Nodes
	if e.opts.Membership != nil {
		nodes = e.opts.Membership.LiveNodes()
	}
	live := make(map[types.NodeID]struct{}, len(nodes))
	for _, n := range nodes {
		live[n] = struct{}{}
	}
	return live
}

// IsMajorityOk reports whether more than half of the table's replica nodes
// are alive. Tables without explicit placement live on the local node only.
func (e *Memory) IsMajorityOk(table string) bool {
	t, err := e.table(table)
	if err != nil {
		return false
	}
	spec := t.specSnapshot()
	if len(spec.Copies) == 0 {
		return true
	}
	live := e.liveNodes()
	alive := 0
	for n := range spec.Copies {
		if _, ok := live[n]; ok {
			alive++
		}
	}
	return alive*2 > len(spec.Copies)
}

func (e *Memory) tableReady(name string) bool {
	t, err := e.table(name)
	if err != nil {
		return false
	}
	if t.forced.Load() {
		return true
	}
	spec := t.specSnapshot()
	if len(spec.MasterNodes) > 0 {
		live := e.liveNodes()
		for _, m := range spec.MasterNodes {
			if _, ok := live[m]; ok {
				return true
			}
		}
		return false
	}
	return e.IsMajorityOk(name)
}

// ForceLoad makes the table available on this node without waiting for its
// replicas. It is local and lasts until the table is dropped. Writes to a
// majority table still need the majority.
func (e *Memory) ForceLoad(name string) error {
	t, err := e.table(name)
	if err != nil {
		return err
	}
	if !t.forced.Swap(true) {
		slog.Warn("table force loaded", "table", name, "node", e.opts.Local)
	}
	return nil
}

// WaitForTables blocks until every table is available on a quorum of its
// replica nodes, or fails with ErrTimeout.
func (e *Memory) WaitForTables(ctx context.Context, names []string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		var missing []string
		for _, n := range names {
			if !e.tableReady(n) {
				missing = append(missing, n)
			}
		}
		if len(missing) == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for tables [%s] after %s: %w", strings.Join(missing, ", "), timeout, dberrors.ErrTimeout)
		case <-ticker.C:
		}
	}
}
