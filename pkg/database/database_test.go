package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"schemaver/pkg/changeset"
	"schemaver/pkg/dberrors"
	"schemaver/pkg/migration"
	"schemaver/pkg/store"
	"schemaver/pkg/table"
	"schemaver/pkg/types"
)

type liveNodes []types.NodeID

func (l liveNodes) LiveNodes() []types.NodeID { return l }

var nodes = []types.NodeID{"a", "b", "c"}

func newStore(live ...types.NodeID) *store.Memory {
	opts := store.Options{
		Local:        "a",
		Nodes:        nodes,
		LockTimeout:  time.Second,
		PollInterval: 5 * time.Millisecond,
	}
	if len(live) > 0 {
		opts.Membership = liveNodes(live)
	}
	return store.NewMemory(opts)
}

var (
	widgets = table.Descriptor{
		Name:       "widgets",
		Semantics:  types.OrderedSet,
		Attributes: []string{"id", "name"},
	}
	orders = table.Descriptor{
		Name:          "orders",
		Attributes:    []string{"id", "widget"},
		Copies:        map[types.NodeID]types.CopyType{"a": types.RAMCopies, "b": types.DiscCopies},
		Autoincrement: types.AutoincrementCounter,
	}
)

func shop(t *testing.T, s store.Adapter, sets ...changeset.ChangeSet) *Database {
	t.Helper()
	db, err := New(Options{
		Name:  "shop",
		Store: s,
		Topology: Topology{
			Nodes:       nodes,
			Majority:    map[string]bool{"orders": true},
			MasterNodes: map[string][]types.NodeID{"widgets": {"a"}},
		},
		Tables:     []table.Descriptor{widgets, orders},
		ChangeSets: sets,
	})
	require.NoError(t, err)
	return db
}

func TestNew_Validation(t *testing.T) {
	s := newStore()
	cases := []Options{
		{Store: s, Topology: Topology{Nodes: nodes}},
		{Name: "x", Store: s},
		{Name: "x", Store: s, Topology: Topology{Nodes: []types.NodeID{"a", "a"}}},
		{Name: "x", Store: s, Topology: Topology{Nodes: nodes}, Tables: []table.Descriptor{widgets, widgets}},
		{Name: "x", Store: s, Topology: Topology{Nodes: nodes, Majority: map[string]bool{"nope": true}}},
		{Name: "x", Store: s, Topology: Topology{Nodes: nodes, MasterNodes: map[string][]types.NodeID{"widgets": {"z"}}}, Tables: []table.Descriptor{widgets}},
		{Name: "x", Store: s, Topology: Topology{Nodes: []types.NodeID{"a"}}, Tables: []table.Descriptor{orders}},
		{Name: "x", Store: s, Topology: Topology{Nodes: nodes}, ChangeSets: []changeset.ChangeSet{
			{Sequence: 1, Change: changeset.DestroyTable{Name: "a"}},
			{Sequence: 1, Change: changeset.DestroyTable{Name: "b"}},
		}},
	}
	for i, opts := range cases {
		_, err := New(opts)
		require.ErrorIs(t, err, dberrors.ErrConfig, "case %d", i)
	}
}

func TestNew_ChangeSetPlacement(t *testing.T) {
	s := newStore()
	bad := []changeset.Change{
		changeset.CreateTable{Table: table.Descriptor{Name: "parts", Copies: map[types.NodeID]types.CopyType{"zz": types.DiscCopies}}},
		changeset.AddCopy{Table: "widgets", Node: "zz", Type: types.DiscCopies},
		changeset.AddCopy{Table: "widgets", Node: "b", Type: "tape"},
		changeset.MoveCopy{Table: "orders", From: "b", To: "zz"},
		changeset.DeleteCopy{Table: "orders", Node: "zz"},
	}
	for i, c := range bad {
		_, err := New(Options{
			Name:       "x",
			Store:      s,
			Topology:   Topology{Nodes: nodes},
			Tables:     []table.Descriptor{widgets, orders},
			ChangeSets: []changeset.ChangeSet{{Sequence: 1, Change: c}},
		})
		require.ErrorIs(t, err, dberrors.ErrConfig, "case %d", i)
	}
}

func TestDatabase_CreatedTablesFollowTopology(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	parts := table.Descriptor{Name: "parts", Attributes: []string{"id"}}
	db, err := New(Options{
		Name:  "shop",
		Store: s,
		Topology: Topology{
			Nodes:       nodes,
			Majority:    map[string]bool{"parts": true},
			MasterNodes: map[string][]types.NodeID{"parts": {"b"}},
		},
		Tables: []table.Descriptor{widgets},
		ChangeSets: []changeset.ChangeSet{
			{Sequence: 1, Change: changeset.CreateTable{Table: parts}},
		},
	})
	require.NoError(t, err)

	res, err := db.Install(ctx)
	require.NoError(t, err)
	require.Equal(t, []types.Sequence{1}, res.Applied)

	info, err := s.TableInfo("parts")
	require.NoError(t, err)
	require.Len(t, info.Copies, 3)
	require.True(t, info.Majority)
	require.Equal(t, []types.NodeID{"b"}, info.MasterNodes)
}

func TestDatabase_CreateDestroy(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	db := shop(t, s)

	require.NoError(t, db.Create(ctx))
	require.NoError(t, db.Create(ctx))
	require.ElementsMatch(t, []string{"orders", "shop.change_sets", "widgets", table.CounterTable}, s.Tables())

	info, err := s.TableInfo("widgets")
	require.NoError(t, err)
	require.Len(t, info.Copies, 3)
	require.Equal(t, []types.NodeID{"a"}, info.MasterNodes)

	info, err = s.TableInfo("orders")
	require.NoError(t, err)
	require.True(t, info.Majority)
	require.Len(t, info.Copies, 2)

	require.NoError(t, db.Destroy(ctx))
	require.NoError(t, db.Destroy(ctx))
	require.Equal(t, []string{table.CounterTable}, s.Tables())

	require.NotPanics(t, func() { db.MustCreate(ctx) })
	require.NotPanics(t, func() { db.MustDestroy(ctx) })
}

func TestDatabase_InstallAndRollback(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	db := shop(t, s,
		changeset.ChangeSet{Sequence: 1, Change: changeset.AddIndex{Table: "widgets", Attribute: "name"}},
		changeset.ChangeSet{Sequence: 2, Change: changeset.MoveCopy{Table: "orders", From: "b", To: "c"}},
	)

	pending, err := db.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	res, err := db.Install(ctx)
	require.NoError(t, err)
	require.Equal(t, []types.Sequence{1, 2}, res.Applied)

	info, _ := s.TableInfo("orders")
	require.Contains(t, info.Copies, types.NodeID("c"))

	res, err = db.Install(ctx)
	require.NoError(t, err)
	require.Empty(t, res.Applied)

	require.NoError(t, db.Rollback(ctx, 2, false))
	info, _ = s.TableInfo("orders")
	require.Contains(t, info.Copies, types.NodeID("b"))

	history, err := db.History(ctx)
	require.NoError(t, err)
	require.Equal(t, migration.StatusRolledBack, history[1].Status)

	res, err = db.Migrate(ctx)
	require.NoError(t, err)
	require.Equal(t, []types.Sequence{2}, res.Applied)
}

func TestDatabase_Wait(t *testing.T) {
	ctx := context.Background()

	db := shop(t, newStore())
	require.ErrorIs(t, db.Wait(ctx, 30*time.Millisecond), dberrors.ErrTimeout)
	require.NoError(t, db.Create(ctx))
	require.NoError(t, db.Wait(ctx, time.Second))

	// only "a" is up: widgets is served by its master, orders lost its majority
	partial := newStore("a")
	db = shop(t, partial)
	require.NoError(t, db.Create(ctx))
	err := db.Wait(ctx, 30*time.Millisecond)
	require.ErrorIs(t, err, dberrors.ErrTimeout)
	require.NoError(t, partial.WaitForTables(ctx, []string{"widgets"}, time.Second))
}

func TestDatabase_Metadata(t *testing.T) {
	db := shop(t, newStore(), changeset.ChangeSet{Sequence: 1, Change: changeset.DestroyTable{Name: "old"}})

	md := db.Metadata()
	require.Equal(t, "shop", md.Name)
	require.Equal(t, "shop.change_sets", md.Ledger)
	require.Equal(t, []string{"widgets", "orders"}, md.Tables)
	require.Equal(t, 1, md.ChangeSets)

	d, ok := db.Table("orders")
	require.True(t, ok)
	require.True(t, d.Majority)
	_, ok = db.Table("missing")
	require.False(t, ok)
	require.Len(t, db.Tables(), 2)
	require.NotNil(t, db.Engine())
}

func TestTopology_ReplicationFactor(t *testing.T) {
	topo := Topology{Nodes: nodes, ReplicationFactor: 2}
	require.NoError(t, topo.Validate([]table.Descriptor{widgets, orders}))

	placed := topo.apply(widgets)
	require.Len(t, placed.Copies, 2)
	require.Equal(t, placed.Copies, topo.apply(widgets).Copies)

	// explicit placement wins
	require.Equal(t, orders.Copies, topo.apply(orders).Copies)

	require.ErrorIs(t, Topology{Nodes: nodes, ReplicationFactor: 4}.Validate(nil), dberrors.ErrConfig)
}
