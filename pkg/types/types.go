package types

import "fmt"

// NodeID identifies a node in a cluster.
type NodeID string

// Sequence identifies a change set inside a database. Unique per database.
type Sequence int64

// CopyType describes how a replica of a table is kept on a node.
type CopyType string

const (
	RAMCopies      CopyType = "ram_copies"
	DiscCopies     CopyType = "disc_copies"
	DiscOnlyCopies CopyType = "disc_only_copies"
)

func (c CopyType) Valid() bool {
	switch c {
	case RAMCopies, DiscCopies, DiscOnlyCopies:
		return true
	}
	return false
}

// Semantics of a table's key space.
type Semantics string

const (
	Set        Semantics = "set"
	OrderedSet Semantics = "ordered_set"
	Bag        Semantics = "bag"
)

func (s Semantics) Valid() bool {
	switch s {
	case Set, OrderedSet, Bag:
		return true
	}
	return false
}

// LockMode for table level locks.
type LockMode uint8

const (
	ReadLock LockMode = iota + 1
	WriteLock
)

func (m LockMode) String() string {
	switch m {
	case ReadLock:
		return "read"
	case WriteLock:
		return "write"
	default:
		return fmt.Sprintf("lock(%d)", uint8(m))
	}
}

// Autoincrement policy of a table.
type Autoincrement string

const (
	AutoincrementNone    Autoincrement = ""
	AutoincrementCounter Autoincrement = "counter"
)
