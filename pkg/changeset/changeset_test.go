package changeset

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"schemaver/pkg/dberrors"
	"schemaver/pkg/store"
	"schemaver/pkg/table"
	"schemaver/pkg/types"
)

func newEnv() Env {
	nodes := []types.NodeID{"a", "b", "c"}
	return Env{
		Store: store.NewMemory(store.Options{Local: "a", Nodes: nodes}),
		Nodes: nodes,
	}
}

var widgets = table.Descriptor{
	Name:       "widgets",
	Semantics:  types.Set,
	Attributes: []string{"id", "name"},
	Copies:     map[types.NodeID]types.CopyType{"a": types.RAMCopies},
}

func TestValidate(t *testing.T) {
	noop := Custom{ApplyFn: func(context.Context, Env) error { return nil }}

	sorted, err := Validate([]ChangeSet{
		{Sequence: 3, Change: noop},
		{Sequence: 1, Change: noop},
		{Sequence: 2, Change: noop},
	})
	require.NoError(t, err)
	require.Equal(t, []types.Sequence{1, 2, 3}, []types.Sequence{sorted[0].Sequence, sorted[1].Sequence, sorted[2].Sequence})

	_, err = Validate([]ChangeSet{{Sequence: 1, Change: noop}, {Sequence: 1, Change: noop}})
	require.ErrorIs(t, err, dberrors.ErrConfig)

	_, err = Validate([]ChangeSet{{Sequence: 1}})
	require.ErrorIs(t, err, dberrors.ErrConfig)

	for _, seq := range []types.Sequence{0, -3} {
		_, err = Validate([]ChangeSet{{Sequence: seq, Change: noop}})
		require.ErrorIs(t, err, dberrors.ErrConfig, "sequence %d", seq)
	}
}

func TestAppliesTo(t *testing.T) {
	require.True(t, ChangeSet{}.AppliesTo("prod"))
	require.True(t, ChangeSet{Environment: "staging"}.AppliesTo("staging"))
	require.False(t, ChangeSet{Environment: "staging"}.AppliesTo("prod"))
}

// Every structural change must be safe to apply twice.
func TestChanges_ApplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newEnv()

	changes := []Change{
		CreateTable{Table: widgets},
		AddCopy{Table: "widgets", Node: "b", Type: types.DiscCopies},
		MoveCopy{Table: "widgets", From: "b", To: "c"},
		AddIndex{Table: "widgets", Attribute: "name"},
		DeleteIndex{Table: "widgets", Attribute: "name"},
		DeleteCopy{Table: "widgets", Node: "c", Type: types.DiscCopies},
	}
	for _, c := range changes {
		require.NoError(t, c.Apply(ctx, env), "first %s", c.Kind())
		require.NoError(t, c.Apply(ctx, env), "second %s", c.Kind())
	}

	info, err := env.Store.TableInfo("widgets")
	require.NoError(t, err)
	require.Equal(t, map[types.NodeID]types.CopyType{"a": types.RAMCopies}, info.Copies)
	require.Empty(t, info.Indexes)

	drop := DestroyTable{Name: "widgets"}
	require.NoError(t, drop.Apply(ctx, env))
	require.NoError(t, drop.Apply(ctx, env))
}

func TestChanges_RollbackInverts(t *testing.T) {
	ctx := context.Background()
	env := newEnv()
	require.NoError(t, CreateTable{Table: widgets}.Apply(ctx, env))

	idx := AddIndex{Table: "widgets", Attribute: "name"}
	require.NoError(t, idx.Apply(ctx, env))
	require.NoError(t, idx.Rollback(ctx, env))
	info, _ := env.Store.TableInfo("widgets")
	require.Empty(t, info.Indexes)

	del := DeleteIndex{Table: "widgets", Attribute: "name"}
	require.NoError(t, del.Rollback(ctx, env))
	info, _ = env.Store.TableInfo("widgets")
	require.Equal(t, []string{"name"}, info.Indexes)

	add := AddCopy{Table: "widgets", Node: "b", Type: types.RAMCopies}
	require.NoError(t, add.Apply(ctx, env))
	mv := MoveCopy{Table: "widgets", From: "b", To: "c"}
	require.NoError(t, mv.Apply(ctx, env))
	require.NoError(t, mv.Rollback(ctx, env))
	require.NoError(t, add.Rollback(ctx, env))
	info, _ = env.Store.TableInfo("widgets")
	require.Len(t, info.Copies, 1)

	require.NoError(t, CreateTable{Table: widgets}.Rollback(ctx, env))
	_, err := env.Store.TableInfo("widgets")
	require.ErrorIs(t, err, dberrors.ErrNoSuchTable)
}

func TestChanges_AutoRollbackDefaults(t *testing.T) {
	cases := []struct {
		change Change
		want   bool
	}{
		{CreateTable{}, true},
		{AddCopy{}, true},
		{MoveCopy{}, true},
		{AddIndex{}, true},
		{DeleteIndex{}, true},
		{DestroyTable{}, false},
		{DeleteCopy{}, false},
		{DataTransform{}, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, tc.change.AutoRollback(), tc.change.Kind())
	}

	rb := func(context.Context, Env) error { return nil }
	require.True(t, Custom{RollbackFn: rb, Auto: true}.AutoRollback())
	require.False(t, Custom{Auto: true}.AutoRollback())
}

func TestChanges_NoInverse(t *testing.T) {
	ctx := context.Background()
	env := newEnv()
	for _, c := range []Change{DestroyTable{Name: "x"}, DeleteCopy{Table: "x", Node: "a"}, DataTransform{}, Custom{}} {
		require.ErrorIs(t, c.Rollback(ctx, env), dberrors.ErrRollbackRefused, c.Kind())
	}
}

func TestDataTransform(t *testing.T) {
	ctx := context.Background()
	env := newEnv()
	boom := errors.New("boom")

	var ran bool
	dt := DataTransform{
		Name: "backfill",
		Up:   func(context.Context, Env) error { ran = true; return nil },
		Down: func(context.Context, Env) error { return boom },
	}
	require.NoError(t, dt.Apply(ctx, env))
	require.True(t, ran)
	require.ErrorIs(t, dt.Rollback(ctx, env), boom)

	require.ErrorIs(t, DataTransform{}.Apply(ctx, env), dberrors.ErrInvalidArgument)
	require.ErrorIs(t, Custom{}.Apply(ctx, env), dberrors.ErrInvalidArgument)
}

func TestCreateTable_Autoincrement(t *testing.T) {
	ctx := context.Background()
	env := newEnv()
	desc := widgets
	desc.Autoincrement = types.AutoincrementCounter

	require.NoError(t, CreateTable{Table: desc}.Apply(ctx, env))
	require.Contains(t, env.Store.Tables(), table.CounterTable)
}

func TestSummaries(t *testing.T) {
	list := []ChangeSet{
		{Sequence: 2, Author: "kate", Description: "idx", Environment: "prod", Change: AddIndex{Table: "widgets", Attribute: "name"}},
		{Sequence: 5, Change: DestroyTable{Name: "old"}},
	}
	got := Summaries(list)
	require.Equal(t, []Summary{
		{Sequence: 2, Kind: KindAddIndex, Author: "kate", Description: "idx", Environment: "prod"},
		{Sequence: 5, Kind: KindDestroyTable},
	}, got)
}
