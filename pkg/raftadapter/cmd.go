package raftadapter

import (
	"schemaver/pkg/store"

	"github.com/google/uuid"
)

// Cmd is one raft log entry: the redo batch of a committed transaction.
type Cmd struct {
	ID    uuid.UUID   `json:"id"`
	Batch store.Batch `json:"batch"`
}

func NewCmd(b store.Batch) Cmd {
	id := b.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	return Cmd{ID: id, Batch: b}
}
