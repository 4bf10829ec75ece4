package store

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"schemaver/pkg/clock"
	"schemaver/pkg/dberrors"
	"schemaver/pkg/types"
)

const (
	defaultLockTimeout  = 5 * time.Second
	defaultPollInterval = 50 * time.Millisecond
)

// Memory is the in-process table engine. With a Replicator attached every
// committed transaction is shipped to the other replicas as a Batch.
type Memory struct {
	opts Options

	mu     sync.RWMutex
	tables map[string]*memTable

	locks  *lockManager
	txSeq  *clock.AtomicClock
	closed atomic.Bool
}

var _ Adapter = (*Memory)(nil)

func NewMemory(opts Options) *Memory {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = defaultLockTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Local == "" {
		opts.Local = "local"
	}
	if len(opts.Nodes) == 0 {
		opts.Nodes = []types.NodeID{opts.Local}
	}
	return &Memory{
		opts:   opts,
		tables: make(map[string]*memTable),
		locks:  newLockManager(),
		txSeq:  clock.NewAtomic(0),
	}
}

// SetReplicator attaches replication after construction, the raft node needs
// the engine before it can be built.
func (e *Memory) SetReplicator(r Replicator) {
	e.opts.Replicator = r
}

// SetJournal attaches the journal once it has been replayed into e.
func (e *Memory) SetJournal(j Journal) {
	e.opts.Journal = j
}

func (e *Memory) Close() {
	e.closed.Store(true)
}

func (e *Memory) table(name string) (*memTable, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tables[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, dberrors.ErrNoSuchTable)
	}
	return t, nil
}

func (e *Memory) Tables() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.tables))
	for n := range e.tables {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

func (e *Memory) TableInfo(name string) (TableInfo, error) {
	t, err := e.table(name)
	if err != nil {
		return TableInfo{}, err
	}
	return TableInfo{TableSpec: t.specSnapshot(), Size: t.size()}, nil
}

// ---- schema ----

func (e *Memory) CreateTable(ctx context.Context, spec TableSpec) error {
	if err := e.validateSpec(spec); err != nil {
		return err
	}
	return e.within(ctx, func(tx *txn) error {
		if err := tx.lock(spec.Name, types.WriteLock); err != nil {
			return err
		}
		if _, err := e.table(spec.Name); err == nil {
			return fmt.Errorf("%q: %w", spec.Name, dberrors.ErrTableExists)
		}
		return e.createLocked(tx, spec)
	})
}

func (e *Memory) validateSpec(spec TableSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("table name is empty: %w", dberrors.ErrInvalidArgument)
	}
	if !spec.Semantics.Valid() {
		return fmt.Errorf("table %q: semantics %q: %w", spec.Name, spec.Semantics, dberrors.ErrInvalidArgument)
	}
	for node, ct := range spec.Copies {
		if !ct.Valid() {
			return fmt.Errorf("table %q: copy type %q: %w", spec.Name, ct, dberrors.ErrInvalidArgument)
		}
		if !e.knownNode(node) {
			return fmt.Errorf("table %q: node %q is not a cluster member: %w", spec.Name, node, dberrors.ErrInvalidArgument)
		}
	}
	for _, idx := range spec.Indexes {
		if len(spec.Attributes) > 0 && !slices.Contains(spec.Attributes, idx) {
			return fmt.Errorf("table %q: index on unknown attribute %q: %w", spec.Name, idx, dberrors.ErrInvalidArgument)
		}
	}
	return nil
}

func (e *Memory) createLocked(tx *txn, spec TableSpec) error {
	t := newMemTable(spec)

	e.mu.Lock()
	e.tables[spec.Name] = t
	e.mu.Unlock()

	tx.onAbort(func() {
		e.mu.Lock()
		delete(e.tables, spec.Name)
		e.mu.Unlock()
	})
	s := spec.clone()
	tx.record(Op{Kind: OpCreateTable, Table: spec.Name, Spec: &s})
	return nil
}

func (e *Memory) DestroyTable(ctx context.Context, name string) error {
	return e.within(ctx, func(tx *txn) error {
		if err := tx.lock(name, types.WriteLock); err != nil {
			return err
		}
		if _, err := e.table(name); err != nil {
			return err
		}
		return e.destroyLocked(tx, name)
	})
}

func (e *Memory) destroyLocked(tx *txn, name string) error {
	e.mu.Lock()
	t := e.tables[name]
	delete(e.tables, name)
	e.mu.Unlock()

	tx.onAbort(func() {
		e.mu.Lock()
		e.tables[name] = t
		e.mu.Unlock()
	})
	tx.record(Op{Kind: OpDestroyTable, Table: name})
	return nil
}

// locked resolves table and takes a lock on it in the current transaction.
func (e *Memory) locked(tx *txn, name string, mode types.LockMode) (*memTable, error) {
	if err := tx.lock(name, mode); err != nil {
		return nil, err
	}
	return e.table(name)
}

func (e *Memory) Lock(ctx context.Context, table string, mode types.LockMode) error {
	tx := txFromContext(ctx, e)
	if tx == nil {
		return fmt.Errorf("lock %q: %w", table, dberrors.ErrNoTransaction)
	}
	_, err := e.locked(tx, table, mode)
	return err
}

// ---- data ----

func (e *Memory) Read(ctx context.Context, table string, key []byte) ([]Object, error) {
	var objs []Object
	err := e.within(ctx, func(tx *txn) error {
		t, err := e.locked(tx, table, types.ReadLock)
		if err != nil {
			return err
		}
		if r, ok := t.get(key); ok {
			objs = toObjects(key, r)
		}
		return nil
	})
	return objs, err
}

func (e *Memory) Write(ctx context.Context, table string, obj Object) error {
	if len(obj.Key) == 0 {
		return fmt.Errorf("write %q: empty key: %w", table, dberrors.ErrInvalidArgument)
	}
	return e.within(ctx, func(tx *txn) error {
		t, err := e.writable(tx, table)
		if err != nil {
			return err
		}

		next := row{bytes.Clone(obj.Value)}
		if t.semantics() == types.Bag {
			cur, _ := t.get(obj.Key)
			if slices.ContainsFunc(cur, func(v []byte) bool { return bytes.Equal(v, obj.Value) }) {
				return nil
			}
			next = append(slices.Clone(cur), next...)
		}
		e.setRow(tx, t, table, obj.Key, next)
		return nil
	})
}

func (e *Memory) Delete(ctx context.Context, table string, key []byte) error {
	return e.within(ctx, func(tx *txn) error {
		t, err := e.writable(tx, table)
		if err != nil {
			return err
		}
		if _, ok := t.get(key); !ok {
			return nil
		}
		e.setRow(tx, t, table, key, nil)
		return nil
	})
}

func (e *Memory) DeleteObject(ctx context.Context, table string, obj Object) error {
	return e.within(ctx, func(tx *txn) error {
		t, err := e.writable(tx, table)
		if err != nil {
			return err
		}
		cur, ok := t.get(obj.Key)
		if !ok {
			return nil
		}
		next := slices.DeleteFunc(slices.Clone(cur), func(v []byte) bool { return bytes.Equal(v, obj.Value) })
		if len(next) == len(cur) {
			return nil
		}
		if len(next) == 0 {
			next = nil
		}
		e.setRow(tx, t, table, obj.Key, next)
		return nil
	})
}

func (e *Memory) writable(tx *txn, table string) (*memTable, error) {
	t, err := e.locked(tx, table, types.WriteLock)
	if err != nil {
		return nil, err
	}
	if !tx.replay() && t.specSnapshot().Majority && !e.IsMajorityOk(table) {
		return nil, fmt.Errorf("write %q: majority of replicas not alive: %w", table, dberrors.ErrUnavailable)
	}
	return t, nil
}

// setRow installs values as the row under key, nil deletes it.
func (e *Memory) setRow(tx *txn, t *memTable, table string, key []byte, values row) {
	key = bytes.Clone(key)
	var (
		old     row
		existed bool
	)
	if values == nil {
		old, existed = t.del(key)
		tx.record(Op{Kind: OpDelete, Table: table, Key: key})
	} else {
		old, existed = t.put(key, values)
		tx.record(Op{Kind: OpPut, Table: table, Key: key, Values: values})
	}

	tx.onAbort(func() {
		if existed {
			t.put(key, old)
		} else {
			t.del(key)
		}
	})
}

func (e *Memory) Match(ctx context.Context, table string, pattern Pattern) ([]Object, error) {
	want := make(map[string]string, len(pattern))
	for attr, v := range pattern {
		c, err := canonicalValue(v)
		if err != nil {
			return nil, fmt.Errorf("match %q: attribute %q: %w", table, attr, err)
		}
		want[attr] = c
	}

	var out []Object
	err := e.within(ctx, func(tx *txn) error {
		t, err := e.locked(tx, table, types.ReadLock)
		if err != nil {
			return err
		}

		matches := func(doc []byte) bool {
			for attr, c := range want {
				if got, ok := attrValue(doc, attr); !ok || got != c {
					return false
				}
			}
			return true
		}
		collect := func(key []byte, r row) {
			for _, v := range r {
				if matches(v) {
					out = append(out, Object{Key: key, Value: v})
				}
			}
		}

		for attr, c := range want {
			if !t.hasIndex(attr) {
				continue
			}
			for _, k := range t.lookup(attr, c) {
				if r, ok := t.get(k); ok {
					collect(k, r)
				}
			}
			return nil
		}

		t.scan(false, func(k []byte, r row) bool {
			collect(k, r)
			return true
		})
		return nil
	})
	return out, err
}

func (e *Memory) IndexRead(ctx context.Context, table, attr string, value any) ([]Object, error) {
	var out []Object
	err := e.within(ctx, func(tx *txn) error {
		t, err := e.locked(tx, table, types.ReadLock)
		if err != nil {
			return err
		}
		// индекс проверяется под тем же read lock, что и выборка
		if !t.hasIndex(attr) {
			return fmt.Errorf("index read %q: attribute %q is not indexed: %w", table, attr, dberrors.ErrInvalidArgument)
		}
		out, err = e.Match(tx.ctx, table, Pattern{attr: value})
		return err
	})
	return out, err
}

// Select returns up to limit objects accepted by sel, in key order. A non nil
// continuation is returned while rows remain past the page.
func (e *Memory) Select(ctx context.Context, table string, sel Selector, limit int, cont *Continuation) ([]Object, *Continuation, error) {
	var (
		out  []Object
		next *Continuation
	)
	err := e.within(ctx, func(tx *txn) error {
		t, err := e.locked(tx, table, types.ReadLock)
		if err != nil {
			return err
		}

		var scanErr error
		t.scan(false, func(k []byte, r row) bool {
			start := 0
			if cont != nil {
				switch c := bytes.Compare(k, cont.After); {
				case c < 0:
					return true
				case c == 0:
					start = cont.Offset
				}
			}
			for i := start; i < len(r); i++ {
				if limit > 0 && len(out) == limit {
					next = &Continuation{Table: table, After: bytes.Clone(k), Offset: i}
					return false
				}
				obj := Object{Key: k, Value: r[i]}
				ok := true
				if sel != nil {
					ok, scanErr = sel(obj)
					if scanErr != nil {
						return false
					}
				}
				if ok {
					out = append(out, obj)
				}
			}
			return true
		})
		return scanErr
	})
	if err != nil {
		return nil, nil, err
	}
	return out, next, nil
}

func (e *Memory) ordered(tx *txn, table string) (*memTable, error) {
	t, err := e.locked(tx, table, types.ReadLock)
	if err != nil {
		return nil, err
	}
	if t.semantics() != types.OrderedSet {
		return nil, fmt.Errorf("%q is a %s: %w", table, t.semantics(), dberrors.ErrNoSuchOrder)
	}
	return t, nil
}

func (e *Memory) First(ctx context.Context, table string) ([]byte, bool, error) {
	return e.adjacent(ctx, table, false, func([]byte) bool { return true })
}

func (e *Memory) Last(ctx context.Context, table string) ([]byte, bool, error) {
	return e.adjacent(ctx, table, true, func([]byte) bool { return true })
}

func (e *Memory) Next(ctx context.Context, table string, key []byte) ([]byte, bool, error) {
	return e.adjacent(ctx, table, false, func(k []byte) bool { return bytes.Compare(k, key) > 0 })
}

func (e *Memory) Prev(ctx context.Context, table string, key []byte) ([]byte, bool, error) {
	return e.adjacent(ctx, table, true, func(k []byte) bool { return bytes.Compare(k, key) < 0 })
}

func (e *Memory) adjacent(ctx context.Context, table string, reverse bool, accept func([]byte) bool) ([]byte, bool, error) {
	var found []byte
	err := e.within(ctx, func(tx *txn) error {
		t, err := e.ordered(tx, table)
		if err != nil {
			return err
		}
		t.scan(reverse, func(k []byte, _ row) bool {
			if accept(k) {
				found = bytes.Clone(k)
				return false
			}
			return true
		})
		return nil
	})
	return found, found != nil, err
}

func (e *Memory) Fold(ctx context.Context, table string, reverse bool, fn func(Object) error) error {
	return e.within(ctx, func(tx *txn) error {
		t, err := e.locked(tx, table, types.ReadLock)
		if err != nil {
			return err
		}
		var foldErr error
		t.scan(reverse, func(k []byte, r row) bool {
			for _, v := range r {
				if foldErr = fn(Object{Key: k, Value: v}); foldErr != nil {
					return false
				}
			}
			return true
		})
		return foldErr
	})
}

func (e *Memory) Count(ctx context.Context, table string) (int, error) {
	var n int
	err := e.within(ctx, func(tx *txn) error {
		t, err := e.locked(tx, table, types.ReadLock)
		if err != nil {
			return err
		}
		n = t.size()
		return nil
	})
	return n, err
}

func (e *Memory) Clear(ctx context.Context, table string) error {
	return e.within(ctx, func(tx *txn) error {
		t, err := e.writable(tx, table)
		if err != nil {
			return err
		}
		e.clearLocked(tx, t, table)
		return nil
	})
}

func (e *Memory) clearLocked(tx *txn, t *memTable, table string) {
	var (
		keys [][]byte
		rows []row
	)
	t.scan(false, func(k []byte, r row) bool {
		keys = append(keys, k)
		rows = append(rows, r)
		return true
	})
	for _, k := range keys {
		t.del(k)
	}
	tx.onAbort(func() {
		for i, k := range keys {
			t.put(k, rows[i])
		}
	})
	tx.record(Op{Kind: OpClear, Table: table})
}

// UpdateCounter adds incr to the integer stored under key and returns the new
// value. A missing counter starts at zero.
func (e *Memory) UpdateCounter(ctx context.Context, table string, key []byte, incr int64) (int64, error) {
	var val int64
	err := e.within(ctx, func(tx *txn) error {
		t, err := e.writable(tx, table)
		if err != nil {
			return err
		}
		if r, ok := t.get(key); ok && len(r) > 0 {
			cur, err := strconv.ParseInt(string(r[0]), 10, 64)
			if err != nil {
				return fmt.Errorf("counter %q in %q: %w", key, table, err)
			}
			val = cur
		}
		val += incr
		e.setRow(tx, t, table, key, row{[]byte(strconv.FormatInt(val, 10))})
		return nil
	})
	return val, err
}

func toObjects(key []byte, r row) []Object {
	objs := make([]Object, 0, len(r))
	for _, v := range r {
		objs = append(objs, Object{Key: bytes.Clone(key), Value: v})
	}
	return objs
}
