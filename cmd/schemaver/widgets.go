package main

import (
	"context"

	"schemaver/pkg/changeset"
	"schemaver/pkg/store"
	"schemaver/pkg/table"
	"schemaver/pkg/types"
)

// Example database shipped with the binary: a widget catalogue and its
// orders.

type widget struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

var (
	widgetsTable = table.Descriptor{
		Name:       "widgets",
		Semantics:  types.OrderedSet,
		Attributes: []string{"id", "name", "color"},
	}
	ordersTable = table.Descriptor{
		Name:          "orders",
		Semantics:     types.Set,
		Attributes:    []string{"id", "widget", "qty"},
		Autoincrement: types.AutoincrementCounter,
	}
)

func widgets(s store.Adapter) (*table.Table[int64, widget], error) {
	return table.New[int64, widget](s, widgetsTable,
		table.WithKeyFunc[int64, widget](func(w widget) int64 { return w.ID }))
}

func shopChangeSets() []changeset.ChangeSet {
	return []changeset.ChangeSet{
		{
			Sequence:    1,
			Author:      "schemaver",
			Description: "index widgets by name",
			Change:      changeset.AddIndex{Table: "widgets", Attribute: "name"},
		},
		{
			Sequence:    2,
			Author:      "schemaver",
			Description: "default widget colour",
			Change: changeset.DataTransform{
				Name: "paint-widgets",
				Up:   paintWidgets("grey", ""),
				Down: paintWidgets("", "grey"),
			},
		},
		{
			Sequence:    3,
			Author:      "schemaver",
			Description: "index orders by widget",
			Change:      changeset.AddIndex{Table: "orders", Attribute: "widget"},
		},
		{
			Sequence:    4,
			Author:      "schemaver",
			Description: "sample catalogue",
			Environment: "dev",
			Change: changeset.Custom{
				Name:       "seed-widgets",
				ApplyFn:    seedWidgets,
				RollbackFn: unseedWidgets,
				Auto:       true,
			},
		},
	}
}

// paintWidgets sets color to to on every widget currently coloured from.
func paintWidgets(to, from string) func(ctx context.Context, env changeset.Env) error {
	return func(ctx context.Context, env changeset.Env) error {
		tbl, err := widgets(env.Store)
		if err != nil {
			return err
		}
		list, err := tbl.Where(ctx, func(_ int64, w widget) bool { return w.Color == from })
		if err != nil {
			return err
		}
		for _, w := range list {
			w.Color = to
			if _, err := tbl.Write(ctx, w); err != nil {
				return err
			}
		}
		return nil
	}
}

var seed = []widget{
	{ID: 1, Name: "sprocket", Color: "grey"},
	{ID: 2, Name: "gizmo", Color: "red"},
	{ID: 3, Name: "doohickey", Color: "blue"},
}

func seedWidgets(ctx context.Context, env changeset.Env) error {
	tbl, err := widgets(env.Store)
	if err != nil {
		return err
	}
	for _, w := range seed {
		if _, err := tbl.Write(ctx, w); err != nil {
			return err
		}
	}
	return nil
}

func unseedWidgets(ctx context.Context, env changeset.Env) error {
	tbl, err := widgets(env.Store)
	if err != nil {
		return err
	}
	for _, w := range seed {
		if err := tbl.Delete(ctx, w.ID); err != nil {
			return err
		}
	}
	return nil
}
