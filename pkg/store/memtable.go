package store

import (
	"bytes"
	"encoding/json"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"schemaver/pkg/types"
)

type row [][]byte

type orderedRows = skipmap.FuncMap[[]byte, row]

// keySet is the posting list of an index value.
type keySet map[string]struct{}

// memTable holds one table's rows in key order plus its secondary indexes.
type memTable struct {
	mu      sync.RWMutex
	spec    TableSpec
	rows    *orderedRows
	indexes map[string]map[string]keySet // attr -> canonical value -> keys
	// forced - таблица объявлена доступной на этой ноде без кворума
	forced atomic.Bool
}

func newMemTable(spec TableSpec) *memTable {
	t := &memTable{
		spec:    spec.clone(),
		indexes: make(map[string]map[string]keySet),
		rows: skipmap.NewFunc[[]byte, row](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
	}
	for _, attr := range t.spec.Indexes {
		t.indexes[attr] = make(map[string]keySet)
	}
	return t
}

func (t *memTable) semantics() types.Semantics {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.spec.Semantics
}

func (t *memTable) specSnapshot() TableSpec {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.spec.clone()
}

func (t *memTable) setSpec(spec TableSpec) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spec.Copies = spec.clone().Copies
	t.spec.Majority = spec.Majority
	t.spec.MasterNodes = append([]types.NodeID(nil), spec.MasterNodes...)
}

func (t *memTable) get(key []byte) (row, bool) {
	return t.rows.Load(key)
}

// put replaces the row stored under key and returns the previous one.
func (t *memTable) put(key []byte, r row) (row, bool) {
	key = bytes.Clone(key)
	old, existed := t.rows.Load(key)

	t.mu.Lock()
	if existed {
		t.unindex(key, old)
	}
	t.index(key, r)
	t.mu.Unlock()

	t.rows.Store(key, r)
	return old, existed
}

func (t *memTable) del(key []byte) (row, bool) {
	old, existed := t.rows.LoadAndDelete(key)
	if existed {
		t.mu.Lock()
		t.unindex(key, old)
		t.mu.Unlock()
	}
	return old, existed
}

func (t *memTable) size() int {
	n := 0
	t.rows.Range(func(_ []byte, r row) bool {
		n += len(r)
		return true
	})
	return n
}

// scan walks rows in key order. The reverse walk materializes keys first
// because the skip list only links forward.
func (t *memTable) scan(reverse bool, fn func(key []byte, r row) bool) {
	if !reverse {
		t.rows.Range(fn)
		return
	}

	var (
		keys [][]byte
		rows []row
	)
	t.rows.Range(func(k []byte, r row) bool {
		keys = append(keys, k)
		rows = append(rows, r)
		return true
	})
	for i := len(keys) - 1; i >= 0; i-- {
		if !fn(keys[i], rows[i]) {
			return
		}
	}
}

func (t *memTable) hasIndex(attr string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.indexes[attr]
	return ok
}

func (t *memTable) addIndex(attr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.indexes[attr]; ok {
		return
	}
	idx := make(map[string]keySet)
	t.indexes[attr] = idx
	t.spec.Indexes = append(t.spec.Indexes, attr)
	t.rows.Range(func(k []byte, r row) bool {
		for _, v := range r {
			if val, ok := attrValue(v, attr); ok {
				addPosting(idx, val, k)
			}
		}
		return true
	})
}

func (t *memTable) dropIndex(attr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.indexes, attr)
	t.spec.Indexes = slices.DeleteFunc(t.spec.Indexes, func(a string) bool { return a == attr })
}

// lookup returns the keys indexed under attr=value. Caller checks hasIndex.
func (t *memTable) lookup(attr, value string) [][]byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	set := t.indexes[attr][value]
	keys := make([][]byte, 0, len(set))
	for k := range set {
		keys = append(keys, []byte(k))
	}
	slices.SortFunc(keys, bytes.Compare)
	return keys
}

// must be called with t.mu held
func (t *memTable) index(key []byte, r row) {
	for attr, idx := range t.indexes {
		for _, v := range r {
			if val, ok := attrValue(v, attr); ok {
				addPosting(idx, val, key)
			}
		}
	}
}

// must be called with t.mu held
func (t *memTable) unindex(key []byte, r row) {
	for attr, idx := range t.indexes {
		for _, v := range r {
			val, ok := attrValue(v, attr)
			if !ok {
				continue
			}
			if set, ok := idx[val]; ok {
				delete(set, string(key))
				if len(set) == 0 {
					delete(idx, val)
				}
			}
		}
	}
}

func addPosting(idx map[string]keySet, val string, key []byte) {
	set, ok := idx[val]
	if !ok {
		set = make(keySet)
		idx[val] = set
	}
	set[string(key)] = struct{}{}
}

// attrValue extracts a top level attribute of a JSON document in canonical
// form, so equal values compare equal as strings.
func attrValue(doc []byte, attr string) (string, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(doc, &fields); err != nil {
		return "", false
	}
	raw, ok := fields[attr]
	if !ok {
		return "", false
	}
	return canonical(raw)
}

func canonical(raw json.RawMessage) (string, bool) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", false
	}
	return buf.String(), true
}

func canonicalValue(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	s, _ := canonical(raw)
	return s, nil
}
