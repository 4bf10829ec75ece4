// Package cluster tracks which nodes are alive and decides where table
// replicas go.
package cluster

import (
	"slices"

	"schemaver/pkg/types"
)

// StaticMembership treats every configured node as alive. Used when no
// coordination service is configured.
type StaticMembership struct {
	nodes []types.NodeID
}

func NewStaticMembership(nodes []types.NodeID) *StaticMembership {
	return &StaticMembership{nodes: slices.Clone(nodes)}
}

func (m *StaticMembership) LiveNodes() []types.NodeID {
	return slices.Clone(m.nodes)
}
