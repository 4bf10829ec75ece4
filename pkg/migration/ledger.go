package migration

import (
	"time"

	"schemaver/pkg/store"
	"schemaver/pkg/table"
	"schemaver/pkg/types"
)

// Status is the state of a change set in the ledger.
type Status string

const (
	StatusApplied    Status = "applied"
	StatusRolledBack Status = "rolled_back"
	StatusFailed     Status = "failed"
	// StatusRunning marks the run marker row, see runKey.
	StatusRunning Status = "running"
)

// AppliedRecord is the ledger row of one change set.
type AppliedRecord struct {
	Sequence     types.Sequence `json:"sequence"`
	AppliedAt    time.Time      `json:"applied_at"`
	Status       Status         `json:"status"`
	Node         types.NodeID   `json:"node"`
	Author       string         `json:"author,omitempty"`
	Description  string         `json:"description,omitempty"`
	RolledBackAt *time.Time     `json:"rolled_back_at,omitempty"`
	Error        string         `json:"error,omitempty"`
	// Run is set on the run marker only.
	Run string `json:"run,omitempty"`
}

type ledgerTable = table.Table[types.Sequence, AppliedRecord]

// LedgerName is the name of the change set ledger of database db.
func LedgerName(db string) string {
	return db + ".change_sets"
}

// LedgerDescriptor describes the ledger table of database db, replicated as
// given by copies.
func LedgerDescriptor(db string, copies map[types.NodeID]types.CopyType) table.Descriptor {
	return table.Descriptor{
		Name:      LedgerName(db),
		Semantics: types.OrderedSet,
		Attributes: []string{
			"sequence", "applied_at", "status", "node",
			"author", "description", "rolled_back_at", "error", "run",
		},
		Indexes: []string{"status"},
		Copies:  copies,
	}
}

func newLedger(s store.Adapter, db string, copies map[types.NodeID]types.CopyType) (*ledgerTable, error) {
	return table.New[types.Sequence, AppliedRecord](s, LedgerDescriptor(db, copies),
		table.WithKeyCodec[types.Sequence, AppliedRecord](table.Int[types.Sequence]{}),
		table.WithKeyFunc[types.Sequence, AppliedRecord](func(r AppliedRecord) types.Sequence { return r.Sequence }),
	)
}
