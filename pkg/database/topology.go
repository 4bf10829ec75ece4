package database

import (
	"fmt"
	"slices"

	"schemaver/pkg/changeset"
	"schemaver/pkg/cluster"
	"schemaver/pkg/dberrors"
	"schemaver/pkg/table"
	"schemaver/pkg/types"
)

// Topology is the node set of a database and the per table quorum
// requirements.
type Topology struct {
	Nodes       []types.NodeID
	Majority    map[string]bool
	MasterNodes map[string][]types.NodeID
	// ReplicationFactor, when set, places tables without explicit copies
	// on that many nodes chosen by consistent hashing of the table name.
	// Zero places them on every node.
	ReplicationFactor int
}

const ringReplicas = 64

// Validate checks the topology against the database's tables.
func (t Topology) Validate(tables []table.Descriptor) error {
	if len(t.Nodes) == 0 {
		return dberrors.Configf("topology has no nodes")
	}
	if t.ReplicationFactor < 0 || t.ReplicationFactor > len(t.Nodes) {
		return dberrors.Configf("replication factor %d outside 0..%d", t.ReplicationFactor, len(t.Nodes))
	}
	seen := make(map[types.NodeID]struct{}, len(t.Nodes))
	for _, n := range t.Nodes {
		if _, dup := seen[n]; dup {
			return dberrors.Configf("node %q listed twice", n)
		}
		seen[n] = struct{}{}
	}

	names := make(map[string]table.Descriptor, len(tables))
	for _, d := range tables {
		if _, dup := names[d.Name]; dup {
			return dberrors.Configf("table %q declared twice", d.Name)
		}
		names[d.Name] = d
	}
	for name, majority := range t.Majority {
		d, ok := names[name]
		if !ok {
			return dberrors.Configf("majority set for unknown table %q", name)
		}
		if majority && len(t.replicas(d)) == 0 {
			return dberrors.Configf("table %q requires a majority but has no replicas", name)
		}
	}
	for name, masters := range t.MasterNodes {
		if _, ok := names[name]; !ok {
			return dberrors.Configf("master nodes set for unknown table %q", name)
		}
		for _, n := range masters {
			if !slices.Contains(t.Nodes, n) {
				return dberrors.Configf("table %q: master node %q is not in the topology", name, n)
			}
		}
	}
	return nil
}

// replicas returns the nodes a table is placed on once the topology's
// defaults are applied.
func (t Topology) replicas(d table.Descriptor) map[types.NodeID]types.CopyType {
	if len(d.Copies) > 0 {
		return d.Copies
	}
	nodes := t.Nodes
	if t.ReplicationFactor > 0 {
		nodes = cluster.NewHashRingOf(ringReplicas, t.Nodes).Owners(d.Name, t.ReplicationFactor)
	}
	copies := make(map[types.NodeID]types.CopyType, len(nodes))
	for _, n := range nodes {
		copies[n] = types.DiscCopies
	}
	return copies
}

// apply fills in the descriptor's placement and quorum settings.
func (t Topology) apply(d table.Descriptor) table.Descriptor {
	d.Copies = t.replicas(d)
	if m, ok := t.Majority[d.Name]; ok {
		d.Majority = m
	}
	if masters, ok := t.MasterNodes[d.Name]; ok {
		d.MasterNodes = slices.Clone(masters)
	}
	return d
}

// placeChanges checks the nodes named by copy changes and the tables created
// by change sets, and applies the topology defaults to the latter.
func (t Topology) placeChanges(list []changeset.ChangeSet) ([]changeset.ChangeSet, error) {
	out := slices.Clone(list)
	for i, cs := range out {
		var err error
		switch c := cs.Change.(type) {
		case changeset.CreateTable:
			if err = c.Table.Validate(t.Nodes); err == nil {
				out[i].Change = changeset.CreateTable{Table: t.apply(c.Table)}
			}
		case changeset.AddCopy:
			err = t.copyOn(c.Table, c.Node, c.Type)
		case changeset.MoveCopy:
			if err = t.copyOn(c.Table, c.From, ""); err == nil {
				err = t.copyOn(c.Table, c.To, "")
			}
		case changeset.DeleteCopy:
			err = t.copyOn(c.Table, c.Node, c.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("change set %d: %w", cs.Sequence, err)
		}
	}
	return out, nil
}

func (t Topology) copyOn(table string, node types.NodeID, typ types.CopyType) error {
	if !slices.Contains(t.Nodes, node) {
		return dberrors.Configf("table %q: copy on unknown node %q", table, node)
	}
	if typ != "" && !typ.Valid() {
		return dberrors.Configf("table %q: unknown copy type %q on %q", table, typ, node)
	}
	return nil
}

// created returns the tables created by change sets and not declared.
func created(list []changeset.ChangeSet, declared []table.Descriptor) []table.Descriptor {
	var out []table.Descriptor
	for _, cs := range list {
		c, ok := cs.Change.(changeset.CreateTable)
		if !ok {
			continue
		}
		same := func(d table.Descriptor) bool { return d.Name == c.Table.Name }
		if slices.ContainsFunc(declared, same) || slices.ContainsFunc(out, same) {
			continue
		}
		out = append(out, c.Table)
	}
	return out
}
