package table

import (
	"slices"

	"schemaver/pkg/dberrors"
	"schemaver/pkg/store"
	"schemaver/pkg/types"
)

// CounterTable holds the autoincrement counters of every table, one row per
// table name.
const CounterTable = "schemaver_counters"

// Descriptor is the static description of a managed table. Every descriptor
// maps to exactly one store table.
type Descriptor struct {
	Name          string
	Semantics     types.Semantics
	Attributes    []string
	Indexes       []string
	Copies        map[types.NodeID]types.CopyType
	Majority      bool
	MasterNodes   []types.NodeID
	Autoincrement types.Autoincrement
}

// Spec converts the descriptor to the store's table spec.
func (d Descriptor) Spec() store.TableSpec {
	spec := store.TableSpec{
		Name:        d.Name,
		Semantics:   d.Semantics,
		Attributes:  slices.Clone(d.Attributes),
		Indexes:     slices.Clone(d.Indexes),
		Majority:    d.Majority,
		MasterNodes: slices.Clone(d.MasterNodes),
	}
	if spec.Semantics == "" {
		spec.Semantics = types.Set
	}
	if len(d.Copies) > 0 {
		spec.Copies = make(map[types.NodeID]types.CopyType, len(d.Copies))
		for n, c := range d.Copies {
			spec.Copies[n] = c
		}
	}
	return spec
}

// Validate checks the descriptor against the cluster's node set.
func (d Descriptor) Validate(nodes []types.NodeID) error {
	if d.Name == "" {
		return dberrors.Configf("table without a name")
	}
	if d.Semantics != "" && !d.Semantics.Valid() {
		return dberrors.Configf("table %q: unknown semantics %q", d.Name, d.Semantics)
	}
	for _, idx := range d.Indexes {
		if len(d.Attributes) > 0 && !slices.Contains(d.Attributes, idx) {
			return dberrors.Configf("table %q: index on undeclared attribute %q", d.Name, idx)
		}
	}
	for n, c := range d.Copies {
		if !slices.Contains(nodes, n) {
			return dberrors.Configf("table %q: replica placed on unknown node %q", d.Name, n)
		}
		if !c.Valid() {
			return dberrors.Configf("table %q: unknown copy type %q on %q", d.Name, c, n)
		}
	}
	for _, n := range d.MasterNodes {
		if !slices.Contains(nodes, n) {
			return dberrors.Configf("table %q: master node %q is unknown", d.Name, n)
		}
	}
	switch d.Autoincrement {
	case types.AutoincrementNone, types.AutoincrementCounter:
	default:
		return dberrors.Configf("table %q: unknown autoincrement policy %q", d.Name, d.Autoincrement)
	}
	return nil
}

// CounterSpec is the spec of the autoincrement counter table.
func CounterSpec() store.TableSpec {
	return store.TableSpec{Name: CounterTable, Semantics: types.Set}
}
