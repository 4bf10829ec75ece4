package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"schemaver/pkg/dberrors"
	"schemaver/pkg/types"
)

type txKey struct{}

type txMode uint8

const (
	// txLocal commits here: journaled, then replicated.
	txLocal txMode = iota
	// txReplicated applies a batch committed on another node: journaled only.
	txReplicated
	// txRestored replays the journal.
	txRestored
)

// txn is one engine transaction. Mutations are applied in place and undone
// in reverse order on abort; ops is the redo batch shipped to replicas.
type txn struct {
	id    uint64
	owner *Memory
	ctx   context.Context
	undo  []func()
	ops   []Op
	mode  txMode
	batch Batch
}

func (tx *txn) replay() bool { return tx.mode != txLocal }

func txFromContext(ctx context.Context, e *Memory) *txn {
	tx, ok := ctx.Value(txKey{}).(*txn)
	if !ok || tx.owner != e {
		return nil
	}
	return tx
}

// InTransaction reports whether ctx already carries a transaction.
func InTransaction(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(*txn)
	return ok
}

// Transact runs fn inside a transaction. A transaction already carried by ctx
// is joined instead of nesting a new one.
func (e *Memory) Transact(ctx context.Context, fn func(ctx context.Context) error) error {
	if tx := txFromContext(ctx, e); tx != nil {
		return fn(ctx)
	}
	return e.run(ctx, txLocal, func(tx *txn) error { return fn(tx.ctx) })
}

func (e *Memory) run(ctx context.Context, mode txMode, fn func(tx *txn) error) (err error) {
	if e.closed.Load() {
		return dberrors.ErrClosed
	}

	tx := &txn{id: e.txSeq.Next(), owner: e, mode: mode}
	tx.ctx = context.WithValue(ctx, txKey{}, tx)
	defer e.locks.releaseAll(tx.id)

	defer func() {
		if r := recover(); r != nil {
			tx.abort()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		tx.abort()
		return err
	}
	if len(tx.ops) == 0 || mode == txRestored {
		return nil
	}
	return e.commit(ctx, tx)
}

// commit journals and replicates the redo batch of tx while its locks are
// still held.
func (e *Memory) commit(ctx context.Context, tx *txn) error {
	b := Batch{ID: uuid.New(), Origin: e.opts.Local, Ops: tx.ops}
	if tx.mode == txReplicated {
		b.ID, b.Origin = tx.batch.ID, tx.batch.Origin
	}

	if j := e.opts.Journal; j != nil {
		if err := j.Append(ctx, b); err != nil {
			if tx.mode == txReplicated {
				// batch уже закоммичен на другой ноде, откатывать нечего
				slog.Error("replicated batch not journaled", "batch", b.ID, "error", err)
				return nil
			}
			tx.abort()
			return fmt.Errorf("journal transaction: %w: %w", dberrors.ErrUnavailable, err)
		}
	}

	if tx.mode == txLocal && e.opts.Replicator != nil {
		if err := e.opts.Replicator.Replicate(ctx, b); err != nil {
			tx.abort()
			slog.Warn("transaction aborted: replication failed", "tx", tx.id, "batch", b.ID, "error", err)
			if j := e.opts.Journal; j != nil {
				if jerr := j.Abort(context.WithoutCancel(ctx), b.ID); jerr != nil {
					slog.Error("abort marker not journaled", "batch", b.ID, "error", jerr)
				}
			}
			return fmt.Errorf("replicate transaction: %w: %w", dberrors.ErrUnavailable, err)
		}
	}
	return nil
}

// within runs fn in the transaction carried by ctx, or in an implicit one.
func (e *Memory) within(ctx context.Context, fn func(tx *txn) error) error {
	if tx := txFromContext(ctx, e); tx != nil {
		return fn(tx)
	}
	return e.run(ctx, txLocal, fn)
}

func (tx *txn) lock(table string, mode types.LockMode) error {
	ctx := tx.ctx
	if _, ok := ctx.Deadline(); !ok && tx.owner.opts.LockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, tx.owner.opts.LockTimeout)
		defer cancel()
	}
	return tx.owner.locks.acquire(ctx, table, tx.id, mode)
}

func (tx *txn) onAbort(fn func()) {
	tx.undo = append(tx.undo, fn)
}

func (tx *txn) record(op Op) {
	tx.ops = append(tx.ops, op)
}

func (tx *txn) abort() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
	tx.ops = nil
}
