package changeset

import (
	"context"
	"errors"
	"fmt"

	"schemaver/pkg/dberrors"
	"schemaver/pkg/table"
	"schemaver/pkg/types"
)

type Kind string

const (
	KindCreateTable   Kind = "create_table"
	KindDestroyTable  Kind = "destroy_table"
	KindAddCopy       Kind = "add_copy"
	KindMoveCopy      Kind = "move_copy"
	KindDeleteCopy    Kind = "delete_copy"
	KindAddIndex      Kind = "add_index"
	KindDeleteIndex   Kind = "delete_index"
	KindDataTransform Kind = "data_transform"
	KindCustom        Kind = "custom"
)

func refused(k Kind) error {
	return fmt.Errorf("%s has no inverse: %w", k, dberrors.ErrRollbackRefused)
}

// CreateTable creates the descriptor's table. Rolling back drops it.
type CreateTable struct {
	Table table.Descriptor
}

func (CreateTable) Kind() Kind         { return KindCreateTable }
func (CreateTable) AutoRollback() bool { return true }

func (c CreateTable) Apply(ctx context.Context, env Env) error {
	if c.Table.Autoincrement == types.AutoincrementCounter {
		err := env.Store.CreateTable(ctx, table.CounterSpec())
		if err != nil && !errors.Is(err, dberrors.ErrTableExists) {
			return err
		}
	}
	err := env.Store.CreateTable(ctx, c.Table.Spec())
	if errors.Is(err, dberrors.ErrTableExists) {
		env.logger().Debug("table already exists", "table", c.Table.Name)
		return nil
	}
	return err
}

func (c CreateTable) Rollback(ctx context.Context, env Env) error {
	return dropTable(ctx, env, c.Table.Name)
}

// DestroyTable drops a table and its data. It cannot be rolled back.
type DestroyTable struct {
	Name string
}

func (DestroyTable) Kind() Kind         { return KindDestroyTable }
func (DestroyTable) AutoRollback() bool { return false }

func (d DestroyTable) Apply(ctx context.Context, env Env) error {
	return dropTable(ctx, env, d.Name)
}

func (d DestroyTable) Rollback(context.Context, Env) error { return refused(d.Kind()) }

func dropTable(ctx context.Context, env Env, name string) error {
	err := env.Store.DestroyTable(ctx, name)
	if errors.Is(err, dberrors.ErrNoSuchTable) {
		return nil
	}
	return err
}

// AddCopy places a replica of Table on Node.
type AddCopy struct {
	Table string
	Node  types.NodeID
	Type  types.CopyType
}

func (AddCopy) Kind() Kind         { return KindAddCopy }
func (AddCopy) AutoRollback() bool { return true }

func (a AddCopy) Apply(ctx context.Context, env Env) error {
	return env.Store.AddCopy(ctx, a.Table, a.Node, a.Type)
}

func (a AddCopy) Rollback(ctx context.Context, env Env) error {
	return env.Store.DeleteCopy(ctx, a.Table, a.Node)
}

// MoveCopy moves the replica of Table from one node to another.
type MoveCopy struct {
	Table    string
	From, To types.NodeID
}

func (MoveCopy) Kind() Kind         { return KindMoveCopy }
func (MoveCopy) AutoRollback() bool { return true }

func (m MoveCopy) Apply(ctx context.Context, env Env) error {
	return env.Store.MoveCopy(ctx, m.Table, m.From, m.To)
}

func (m MoveCopy) Rollback(ctx context.Context, env Env) error {
	return env.Store.MoveCopy(ctx, m.Table, m.To, m.From)
}

// DeleteCopy removes the replica of Table on Node. With Type set the copy
// can be restored by a forced rollback.
type DeleteCopy struct {
	Table string
	Node  types.NodeID
	Type  types.CopyType
}

func (DeleteCopy) Kind() Kind         { return KindDeleteCopy }
func (DeleteCopy) AutoRollback() bool { return false }

func (d DeleteCopy) Apply(ctx context.Context, env Env) error {
	return env.Store.DeleteCopy(ctx, d.Table, d.Node)
}

func (d DeleteCopy) Rollback(ctx context.Context, env Env) error {
	if d.Type == "" {
		return refused(d.Kind())
	}
	return env.Store.AddCopy(ctx, d.Table, d.Node, d.Type)
}

// AddIndex adds a secondary index on Attribute.
type AddIndex struct {
	Table     string
	Attribute string
}

func (AddIndex) Kind() Kind         { return KindAddIndex }
func (AddIndex) AutoRollback() bool { return true }

func (a AddIndex) Apply(ctx context.Context, env Env) error {
	return env.Store.AddIndex(ctx, a.Table, a.Attribute)
}

func (a AddIndex) Rollback(ctx context.Context, env Env) error {
	return env.Store.DeleteIndex(ctx, a.Table, a.Attribute)
}

type DeleteIndex struct {
	Table     string
	Attribute string
}

func (DeleteIndex) Kind() Kind         { return KindDeleteIndex }
func (DeleteIndex) AutoRollback() bool { return true }

func (d DeleteIndex) Apply(ctx context.Context, env Env) error {
	return env.Store.DeleteIndex(ctx, d.Table, d.Attribute)
}

func (d DeleteIndex) Rollback(ctx context.Context, env Env) error {
	return env.Store.AddIndex(ctx, d.Table, d.Attribute)
}

// DataTransform rewrites data, e.g. a backfill. Up must tolerate running over
// rows it already transformed. Without Down it cannot be rolled back.
type DataTransform struct {
	Name string
	Up   func(ctx context.Context, env Env) error
	Down func(ctx context.Context, env Env) error
}

func (DataTransform) Kind() Kind         { return KindDataTransform }
func (DataTransform) AutoRollback() bool { return false }

func (d DataTransform) Apply(ctx context.Context, env Env) error {
	if d.Up == nil {
		return fmt.Errorf("data transform %q: no up function: %w", d.Name, dberrors.ErrInvalidArgument)
	}
	return d.Up(ctx, env)
}

func (d DataTransform) Rollback(ctx context.Context, env Env) error {
	if d.Down == nil {
		return refused(d.Kind())
	}
	return d.Down(ctx, env)
}

// Custom carries an arbitrary apply/rollback pair.
type Custom struct {
	Name       string
	ApplyFn    func(ctx context.Context, env Env) error
	RollbackFn func(ctx context.Context, env Env) error
	Auto       bool
}

func (Custom) Kind() Kind           { return KindCustom }
func (c Custom) AutoRollback() bool { return c.Auto && c.RollbackFn != nil }

func (c Custom) Apply(ctx context.Context, env Env) error {
	if c.ApplyFn == nil {
		return fmt.Errorf("custom change %q: no apply function: %w", c.Name, dberrors.ErrInvalidArgument)
	}
	return c.ApplyFn(ctx, env)
}

func (c Custom) Rollback(ctx context.Context, env Env) error {
	if c.RollbackFn == nil {
		return refused(c.Kind())
	}
	return c.RollbackFn(ctx, env)
}
