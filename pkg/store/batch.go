package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"schemaver/pkg/types"
)

type OpKind uint8

const (
	OpPut OpKind = iota + 1
	OpDelete
	OpCreateTable
	OpDestroyTable
	OpAddIndex
	OpDeleteIndex
	OpSetMeta
	OpClear
)

// Op carries the resulting state of one mutation, never a delta, so that
// applying it twice is harmless.
type Op struct {
	Kind   OpKind     `json:"kind"`
	Table  string     `json:"table"`
	Key    []byte     `json:"key,omitempty"`
	Values [][]byte   `json:"values,omitempty"`
	Attr   string     `json:"attr,omitempty"`
	Spec   *TableSpec `json:"spec,omitempty"`
}

// Batch is the redo log of one committed transaction.
type Batch struct {
	ID     uuid.UUID    `json:"id"`
	Origin types.NodeID `json:"origin"`
	Ops    []Op         `json:"ops"`
}

// ApplyBatch applies a batch committed on another node. Batches that
// originate here were already applied by the committing transaction.
func (e *Memory) ApplyBatch(ctx context.Context, b Batch) error {
	if b.Origin == e.opts.Local {
		return nil
	}

	return e.run(ctx, txReplicated, func(tx *txn) error {
		tx.batch = b
		for _, op := range b.Ops {
			if err := e.applyOp(tx, op); err != nil {
				return fmt.Errorf("apply batch %s op %d on %q: %w", b.ID, op.Kind, op.Table, err)
			}
		}
		slog.Debug("replicated batch applied", "batch", b.ID, "origin", b.Origin, "ops", len(b.Ops))
		return nil
	})
}

// Restore re-applies a journaled batch on startup, whatever its origin.
// Restored batches are neither journaled again nor replicated.
func (e *Memory) Restore(ctx context.Context, b Batch) error {
	return e.run(ctx, txRestored, func(tx *txn) error {
		for _, op := range b.Ops {
			if err := e.applyOp(tx, op); err != nil {
				return fmt.Errorf("restore batch %s op %d on %q: %w", b.ID, op.Kind, op.Table, err)
			}
		}
		return nil
	})
}

func (e *Memory) applyOp(tx *txn, op Op) error {
	if err := tx.lock(op.Table, types.WriteLock); err != nil {
		return err
	}

	switch op.Kind {
	case OpCreateTable:
		if _, err := e.table(op.Table); err == nil {
			return nil
		}
		return e.createLocked(tx, *op.Spec)
	case OpDestroyTable:
		if _, err := e.table(op.Table); err != nil {
			return nil
		}
		return e.destroyLocked(tx, op.Table)
	}

	t, err := e.table(op.Table)
	if err != nil {
		return err
	}

	switch op.Kind {
	case OpPut:
		e.setRow(tx, t, op.Table, op.Key, op.Values)
	case OpDelete:
		e.setRow(tx, t, op.Table, op.Key, nil)
	case OpAddIndex:
		e.addIndexLocked(tx, t, op.Table, op.Attr)
	case OpDeleteIndex:
		e.deleteIndexLocked(tx, t, op.Table, op.Attr)
	case OpSetMeta:
		e.setMeta(tx, t, op.Table, *op.Spec)
	case OpClear:
		e.clearLocked(tx, t, op.Table)
	default:
		return fmt.Errorf("unknown op kind %d", op.Kind)
	}
	return nil
}
