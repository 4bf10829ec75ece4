// Package changeset declares schema changes and how each kind is applied and
// undone against the store.
package changeset

import (
	"cmp"
	"context"
	"log/slog"
	"slices"

	"schemaver/pkg/dberrors"
	"schemaver/pkg/store"
	"schemaver/pkg/types"
)

// ChangeSet is one immutable, sequenced schema change of a database.
type ChangeSet struct {
	Sequence    types.Sequence
	Author      string
	Description string
	// Environment limits the change set to one deployment environment.
	// Empty means every environment.
	Environment string
	Change      Change
}

// Env is what a change sees while it runs. Store calls made with the ctx
// passed to Apply or Rollback join the change set's transaction.
type Env struct {
	Store  store.Adapter
	Nodes  []types.NodeID
	Logger *slog.Logger
}

func (e Env) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Change is the payload of a change set. Apply must be safe to run again on
// a store where it already took effect.
type Change interface {
	Kind() Kind
	Apply(ctx context.Context, env Env) error
	// Rollback undoes Apply; ErrRollbackRefused when there is no inverse.
	Rollback(ctx context.Context, env Env) error
	// AutoRollback reports whether the change may be rolled back without
	// the caller forcing it.
	AutoRollback() bool
}

// Summary is the serialisable description of a change set.
type Summary struct {
	Sequence    types.Sequence `json:"sequence"`
	Kind        Kind           `json:"kind"`
	Author      string         `json:"author,omitempty"`
	Description string         `json:"description,omitempty"`
	Environment string         `json:"environment,omitempty"`
}

func (cs ChangeSet) Summary() Summary {
	s := Summary{
		Sequence:    cs.Sequence,
		Author:      cs.Author,
		Description: cs.Description,
		Environment: cs.Environment,
	}
	if cs.Change != nil {
		s.Kind = cs.Change.Kind()
	}
	return s
}

// Summaries maps list to its summaries, keeping the order.
func Summaries(list []ChangeSet) []Summary {
	out := make([]Summary, 0, len(list))
	for _, cs := range list {
		out = append(out, cs.Summary())
	}
	return out
}

// AppliesTo reports whether the change set runs in environment env.
func (cs ChangeSet) AppliesTo(env string) bool {
	return cs.Environment == "" || cs.Environment == env
}

// Validate checks a database's change set list and returns it sorted by
// sequence. Duplicate or non positive sequences are a configuration error.
func Validate(list []ChangeSet) ([]ChangeSet, error) {
	sorted := slices.Clone(list)
	slices.SortStableFunc(sorted, func(a, b ChangeSet) int { return cmp.Compare(a.Sequence, b.Sequence) })
	for i, cs := range sorted {
		if cs.Sequence < 1 {
			return nil, dberrors.Configf("change set sequence %d: sequences start at 1", cs.Sequence)
		}
		if cs.Change == nil {
			return nil, dberrors.Configf("change set %d has no change", cs.Sequence)
		}
		if i > 0 && sorted[i-1].Sequence == cs.Sequence {
			return nil, dberrors.Configf("duplicate change set sequence %d", cs.Sequence)
		}
	}
	return sorted, nil
}
