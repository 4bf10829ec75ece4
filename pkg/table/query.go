package table

import (
	"context"
	"fmt"
	"iter"

	"schemaver/pkg/dberrors"
	"schemaver/pkg/store"
)

// Match returns the records whose top level attributes equal pattern.
func (t *Table[K, V]) Match(ctx context.Context, pattern store.Pattern) ([]V, error) {
	objs, err := t.store.Match(ctx, t.desc.Name, pattern)
	if err != nil {
		return nil, err
	}
	return t.decodeAll(objs)
}

// IndexRead looks records up through the secondary index on attr.
func (t *Table[K, V]) IndexRead(ctx context.Context, attr string, value any) ([]V, error) {
	objs, err := t.store.IndexRead(ctx, t.desc.Name, attr, value)
	if err != nil {
		return nil, err
	}
	return t.decodeAll(objs)
}

// Page is one result of a limited Select.
type Page[V any] struct {
	Records []V
	// Cont is nil on the last page.
	Cont *store.Continuation
}

// Select returns up to limit records accepted by pred, resuming after cont.
// A limit of zero returns everything.
func (t *Table[K, V]) Select(ctx context.Context, pred func(K, V) bool, limit int, cont *store.Continuation) (Page[V], error) {
	if cont != nil && cont.Table != t.desc.Name {
		return Page[V]{}, fmt.Errorf("continuation of %q used on %q: %w", cont.Table, t.desc.Name, dberrors.ErrInvalidArgument)
	}
	var (
		sel      store.Selector
		accepted []V
	)
	if pred != nil {
		// store берёт ровно те объекты, что принял sel, и в том же порядке,
		// поэтому уже декодированные записи переиспользуются
		sel = func(obj store.Object) (bool, error) {
			k, v, err := t.decode(obj)
			if err != nil {
				return false, err
			}
			if !pred(k, v) {
				return false, nil
			}
			accepted = append(accepted, v)
			return true, nil
		}
	}
	objs, next, err := t.store.Select(ctx, t.desc.Name, sel, limit, cont)
	if err != nil {
		return Page[V]{}, err
	}
	if pred != nil {
		return Page[V]{Records: accepted, Cont: next}, nil
	}
	recs, err := t.decodeAll(objs)
	if err != nil {
		return Page[V]{}, err
	}
	return Page[V]{Records: recs, Cont: next}, nil
}

// Where returns every record accepted by pred.
func (t *Table[K, V]) Where(ctx context.Context, pred func(K, V) bool) ([]V, error) {
	page, err := t.Select(ctx, pred, 0, nil)
	return page.Records, err
}

// Keys returns the distinct keys in key order.
func (t *Table[K, V]) Keys(ctx context.Context) ([]K, error) {
	var keys []K
	var last []byte
	err := t.store.Fold(ctx, t.desc.Name, false, func(obj store.Object) error {
		if last != nil && string(last) == string(obj.Key) {
			return nil
		}
		last = obj.Key
		k, err := t.codec.Decode(obj.Key)
		if err != nil {
			return err
		}
		keys = append(keys, k)
		return nil
	})
	return keys, err
}

// Count returns the number of records (bags count every record).
func (t *Table[K, V]) Count(ctx context.Context) (int, error) {
	return t.store.Count(ctx, t.desc.Name)
}

// Foldl folds the table in ascending key order.
func Foldl[K, V, A any](ctx context.Context, t *Table[K, V], acc A, fn func(K, V, A) (A, error)) (A, error) {
	return fold(ctx, t, false, acc, fn)
}

// Foldr folds the table in descending key order.
func Foldr[K, V, A any](ctx context.Context, t *Table[K, V], acc A, fn func(K, V, A) (A, error)) (A, error) {
	return fold(ctx, t, true, acc, fn)
}

func fold[K, V, A any](ctx context.Context, t *Table[K, V], reverse bool, acc A, fn func(K, V, A) (A, error)) (A, error) {
	err := t.store.Fold(ctx, t.desc.Name, reverse, func(obj store.Object) error {
		k, v, err := t.decode(obj)
		if err != nil {
			return err
		}
		acc, err = fn(k, v, acc)
		return err
	})
	return acc, err
}

// ---- ordered traversal ----

func (t *Table[K, V]) First(ctx context.Context) (K, bool, error) {
	return t.step(t.store.First(ctx, t.desc.Name))
}

func (t *Table[K, V]) Last(ctx context.Context) (K, bool, error) {
	return t.step(t.store.Last(ctx, t.desc.Name))
}

// Next returns the key following key; key itself need not exist.
func (t *Table[K, V]) Next(ctx context.Context, key K) (K, bool, error) {
	encoded, err := t.codec.Encode(key)
	if err != nil {
		return key, false, err
	}
	return t.step(t.store.Next(ctx, t.desc.Name, encoded))
}

func (t *Table[K, V]) Prev(ctx context.Context, key K) (K, bool, error) {
	encoded, err := t.codec.Encode(key)
	if err != nil {
		return key, false, err
	}
	return t.step(t.store.Prev(ctx, t.desc.Name, encoded))
}

func (t *Table[K, V]) step(raw []byte, ok bool, err error) (K, bool, error) {
	var zero K
	if err != nil || !ok {
		return zero, false, err
	}
	k, err := t.codec.Decode(raw)
	if err != nil {
		return zero, false, err
	}
	return k, true, nil
}

// MustFirst panics with ErrNotFound on an empty table.
func (t *Table[K, V]) MustFirst(ctx context.Context) K {
	return mustKey(t.First(ctx))
}

func (t *Table[K, V]) MustLast(ctx context.Context) K {
	return mustKey(t.Last(ctx))
}

func (t *Table[K, V]) MustNext(ctx context.Context, key K) K {
	return mustKey(t.Next(ctx, key))
}

func (t *Table[K, V]) MustPrev(ctx context.Context, key K) K {
	return mustKey(t.Prev(ctx, key))
}

func mustKey[K any](k K, ok bool, err error) K {
	if err != nil {
		panic(err)
	}
	if !ok {
		panic(dberrors.ErrNotFound)
	}
	return k
}

// At returns the record at position pos in key order.
func (t *Table[K, V]) At(ctx context.Context, pos int) (V, error) {
	var zero V
	if pos < 0 {
		return zero, fmt.Errorf("position %d: %w", pos, dberrors.ErrInvalidArgument)
	}
	page, err := t.Select(ctx, nil, pos+1, nil)
	if err != nil {
		return zero, err
	}
	if len(page.Records) <= pos {
		return zero, fmt.Errorf("%q has no record at %d: %w", t.desc.Name, pos, dberrors.ErrNotFound)
	}
	return page.Records[pos], nil
}

// ReadAt returns the i-th record stored under key. Only bags hold more than
// one.
func (t *Table[K, V]) ReadAt(ctx context.Context, key K, i int) (V, error) {
	var zero V
	all, err := t.ReadAll(ctx, key)
	if err != nil {
		return zero, err
	}
	if i < 0 || i >= len(all) {
		return zero, fmt.Errorf("%q[%v] has no record #%d: %w", t.desc.Name, key, i, dberrors.ErrNotFound)
	}
	return all[i], nil
}

// ---- streams ----

// DefaultPageSize is the page size of a Stream.
const DefaultPageSize = 128

// Stream iterates the table lazily in key order, fetching one page of
// records at a time. Each page is read in its own implicit transaction
// unless ctx already carries one.
type Stream[K, V any] struct {
	ctx  context.Context
	tbl  *Table[K, V]
	size int

	page []store.Object
	cont *store.Continuation
	done bool

	key K
	val V
	err error
}

func (t *Table[K, V]) Stream(ctx context.Context, pageSize int) *Stream[K, V] {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Stream[K, V]{ctx: ctx, tbl: t, size: pageSize}
}

// Next advances the stream; it returns false at the end or on error.
func (s *Stream[K, V]) Next() bool {
	if s.err != nil {
		return false
	}
	for len(s.page) == 0 {
		if s.done {
			return false
		}
		objs, next, err := s.tbl.store.Select(s.ctx, s.tbl.desc.Name, nil, s.size, s.cont)
		if err != nil {
			s.err = err
			return false
		}
		s.page, s.cont, s.done = objs, next, next == nil
	}
	obj := s.page[0]
	s.page = s.page[1:]
	s.key, s.val, s.err = s.tbl.decode(obj)
	return s.err == nil
}

func (s *Stream[K, V]) Key() K     { return s.key }
func (s *Stream[K, V]) Value() V   { return s.val }
func (s *Stream[K, V]) Err() error { return s.err }

// All adapts the stream to a range-over-func iterator. Check Err afterwards.
func (s *Stream[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for s.Next() {
			if !yield(s.key, s.val) {
				return
			}
		}
	}
}
