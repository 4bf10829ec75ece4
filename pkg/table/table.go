package table

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"slices"

	"schemaver/pkg/dberrors"
	"schemaver/pkg/store"
	"schemaver/pkg/types"
)

// Hook is one step of a read or write pipeline. Hooks run in declaration
// order, exactly once per operation.
type Hook[V any] func(V) (V, error)

// Table is the generated access API of one descriptor. K is the key type, V
// the record type; records are stored as JSON documents.
type Table[K, V any] struct {
	store store.Adapter
	desc  Descriptor

	codec      KeyCodec[K]
	keyOf      func(V) K
	setKey     func(V, K) V
	readHooks  []Hook[V]
	writeHooks []Hook[V]
}

type Option[K, V any] func(*Table[K, V])

func WithKeyCodec[K, V any](c KeyCodec[K]) Option[K, V] {
	return func(t *Table[K, V]) { t.codec = c }
}

// WithKeyFunc derives the key of a record for Write.
func WithKeyFunc[K, V any](fn func(V) K) Option[K, V] {
	return func(t *Table[K, V]) { t.keyOf = fn }
}

// WithSetKey stamps an allocated autoincrement key into the record.
func WithSetKey[K, V any](fn func(V, K) V) Option[K, V] {
	return func(t *Table[K, V]) { t.setKey = fn }
}

func WithReadHooks[K, V any](hooks ...Hook[V]) Option[K, V] {
	return func(t *Table[K, V]) { t.readHooks = append(t.readHooks, hooks...) }
}

func WithWriteHooks[K, V any](hooks ...Hook[V]) Option[K, V] {
	return func(t *Table[K, V]) { t.writeHooks = append(t.writeHooks, hooks...) }
}

// New binds desc to the store. Keys of type string, int, int32, int64 and
// uint64 get a codec automatically, other key types need WithKeyCodec.
func New[K, V any](s store.Adapter, desc Descriptor, opts ...Option[K, V]) (*Table[K, V], error) {
	if desc.Semantics == "" {
		desc.Semantics = types.Set
	}
	t := &Table[K, V]{store: s, desc: desc}
	for _, opt := range opts {
		opt(t)
	}

	if t.codec == nil {
		codec, ok := defaultCodec[K]()
		if !ok {
			return nil, fmt.Errorf("table %q: no key codec for %T: %w", desc.Name, *new(K), dberrors.ErrInvalidArgument)
		}
		t.codec = codec
	}
	if desc.Autoincrement == types.AutoincrementCounter {
		if _, ok := t.codec.(counterKey[K]); !ok {
			return nil, fmt.Errorf("table %q: autoincrement needs an integer key: %w", desc.Name, dberrors.ErrInvalidArgument)
		}
	}
	return t, nil
}

// Must panics when New fails. Meant for package level table declarations.
func Must[K, V any](t *Table[K, V], err error) *Table[K, V] {
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Table[K, V]) Name() string           { return t.desc.Name }
func (t *Table[K, V]) Properties() Descriptor { return t.desc }
func (t *Table[K, V]) Attributes() []string   { return slices.Clone(t.desc.Attributes) }
func (t *Table[K, V]) IsSet() bool            { return t.desc.Semantics == types.Set }
func (t *Table[K, V]) IsOrderedSet() bool     { return t.desc.Semantics == types.OrderedSet }
func (t *Table[K, V]) IsBag() bool            { return t.desc.Semantics == types.Bag }

// Info reports the live spec and size of the underlying table.
func (t *Table[K, V]) Info() (store.TableInfo, error) {
	return t.store.TableInfo(t.desc.Name)
}

// ---- lifecycle ----

// Create creates the underlying table. An existing table is left as is.
func (t *Table[K, V]) Create(ctx context.Context) error {
	return t.store.Transact(ctx, func(ctx context.Context) error {
		if t.desc.Autoincrement == types.AutoincrementCounter {
			if err := ignoreExists(t.store.CreateTable(ctx, CounterSpec())); err != nil {
				return err
			}
		}
		return ignoreExists(t.store.CreateTable(ctx, t.desc.Spec()))
	})
}

func (t *Table[K, V]) MustCreate(ctx context.Context) {
	if err := t.Create(ctx); err != nil {
		panic(err)
	}
}

// Destroy drops the underlying table; a missing table is not an error.
func (t *Table[K, V]) Destroy(ctx context.Context) error {
	return t.store.Transact(ctx, func(ctx context.Context) error {
		if err := t.store.DestroyTable(ctx, t.desc.Name); err != nil && !errors.Is(err, dberrors.ErrNoSuchTable) {
			return err
		}
		if t.desc.Autoincrement == types.AutoincrementCounter {
			err := t.store.Delete(ctx, CounterTable, []byte(t.desc.Name))
			if !errors.Is(err, dberrors.ErrNoSuchTable) {
				return err
			}
		}
		return nil
	})
}

func (t *Table[K, V]) MustDestroy(ctx context.Context) {
	if err := t.Destroy(ctx); err != nil {
		panic(err)
	}
}

// Exists reports whether the underlying table has been created.
func (t *Table[K, V]) Exists() bool {
	_, err := t.store.TableInfo(t.desc.Name)
	return err == nil
}

func ignoreExists(err error) error {
	if errors.Is(err, dberrors.ErrTableExists) {
		return nil
	}
	return err
}

// ---- hooks ----

// HookRead runs the read pipeline on v without touching the store.
func (t *Table[K, V]) HookRead(v V) (V, error) {
	return runHooks(t.readHooks, v)
}

// HookWrite runs the write pipeline on v without touching the store.
func (t *Table[K, V]) HookWrite(v V) (V, error) {
	return runHooks(t.writeHooks, v)
}

func runHooks[V any](hooks []Hook[V], v V) (V, error) {
	var err error
	for i, h := range hooks {
		if v, err = h(v); err != nil {
			return v, fmt.Errorf("hook #%d: %w", i, err)
		}
	}
	return v, nil
}

// ---- writes ----

// Write upserts rec under the key derived from it. On autoincrement tables a
// zero key is replaced by the next counter value, allocated in the same
// transaction as the write.
func (t *Table[K, V]) Write(ctx context.Context, rec V) (K, error) {
	var key K
	err := t.store.Transact(ctx, func(ctx context.Context) error {
		var (
			err     error
			hasKey  bool
			encoded []byte
		)
		auto := t.desc.Autoincrement == types.AutoincrementCounter
		if t.keyOf != nil {
			key = t.keyOf(rec)
			encoded, err = t.codec.Encode(key)
			hasKey = err == nil && !(auto && isZero(key))
		}

		if !hasKey {
			if !auto {
				if err == nil {
					err = fmt.Errorf("record has no key: %w", dberrors.ErrInvalidArgument)
				}
				return fmt.Errorf("write %q: %w", t.desc.Name, err)
			}
			if key, err = t.nextKey(ctx); err != nil {
				return err
			}
			if t.setKey != nil {
				rec = t.setKey(rec, key)
			}
			if encoded, err = t.codec.Encode(key); err != nil {
				return err
			}
		}
		return t.put(ctx, encoded, rec)
	})
	return key, err
}

// WriteKey upserts rec under an explicit key.
func (t *Table[K, V]) WriteKey(ctx context.Context, key K, rec V) error {
	encoded, err := t.codec.Encode(key)
	if err != nil {
		return fmt.Errorf("write %q: %w", t.desc.Name, err)
	}
	return t.put(ctx, encoded, rec)
}

func (t *Table[K, V]) MustWrite(ctx context.Context, rec V) K {
	key, err := t.Write(ctx, rec)
	if err != nil {
		panic(err)
	}
	return key
}

func (t *Table[K, V]) put(ctx context.Context, key []byte, rec V) error {
	rec, err := t.HookWrite(rec)
	if err != nil {
		return fmt.Errorf("write %q: %w", t.desc.Name, err)
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("write %q: encode: %w", t.desc.Name, err)
	}
	return t.store.Write(ctx, t.desc.Name, store.Object{Key: key, Value: value})
}

func (t *Table[K, V]) nextKey(ctx context.Context) (K, error) {
	n, err := t.store.UpdateCounter(ctx, CounterTable, []byte(t.desc.Name), 1)
	if err != nil {
		var zero K
		return zero, fmt.Errorf("allocate key for %q: %w", t.desc.Name, err)
	}
	return t.codec.(counterKey[K]).FromCounter(n), nil
}

// Delete removes every record under key. Deleting a missing key is a no-op.
func (t *Table[K, V]) Delete(ctx context.Context, key K) error {
	encoded, err := t.codec.Encode(key)
	if err != nil {
		return err
	}
	return t.store.Delete(ctx, t.desc.Name, encoded)
}

// DeleteWithLock takes a table lock of the given mode before deleting.
func (t *Table[K, V]) DeleteWithLock(ctx context.Context, key K, mode types.LockMode) error {
	return t.store.Transact(ctx, func(ctx context.Context) error {
		if err := t.store.Lock(ctx, t.desc.Name, mode); err != nil {
			return err
		}
		return t.Delete(ctx, key)
	})
}

// DeleteObject removes one record of a bag, leaving the key's other records.
func (t *Table[K, V]) DeleteObject(ctx context.Context, key K, rec V) error {
	encoded, err := t.codec.Encode(key)
	if err != nil {
		return err
	}
	rec, err = t.HookWrite(rec)
	if err != nil {
		return err
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return t.store.DeleteObject(ctx, t.desc.Name, store.Object{Key: encoded, Value: value})
}

func (t *Table[K, V]) Clear(ctx context.Context) error {
	return t.store.Clear(ctx, t.desc.Name)
}

// ---- point reads ----

// Read returns the record under key, or def when there is none.
func (t *Table[K, V]) Read(ctx context.Context, key K, def V) (V, error) {
	v, err := t.Get(ctx, key)
	if errors.Is(err, dberrors.ErrNotFound) {
		return def, nil
	}
	return v, err
}

// Get returns the record under key or ErrNotFound.
func (t *Table[K, V]) Get(ctx context.Context, key K) (V, error) {
	var zero V
	all, err := t.ReadAll(ctx, key)
	if err != nil {
		return zero, err
	}
	if len(all) == 0 {
		return zero, fmt.Errorf("%q[%v]: %w", t.desc.Name, key, dberrors.ErrNotFound)
	}
	return all[0], nil
}

func (t *Table[K, V]) MustRead(ctx context.Context, key K) V {
	v, err := t.Get(ctx, key)
	if err != nil {
		panic(err)
	}
	return v
}

// ReadAll returns every record stored under key; more than one only for bags.
func (t *Table[K, V]) ReadAll(ctx context.Context, key K) ([]V, error) {
	encoded, err := t.codec.Encode(key)
	if err != nil {
		return nil, err
	}
	objs, err := t.store.Read(ctx, t.desc.Name, encoded)
	if err != nil {
		return nil, err
	}
	return t.decodeAll(objs)
}

func (t *Table[K, V]) Member(ctx context.Context, key K) (bool, error) {
	encoded, err := t.codec.Encode(key)
	if err != nil {
		return false, err
	}
	objs, err := t.store.Read(ctx, t.desc.Name, encoded)
	return len(objs) > 0, err
}

func (t *Table[K, V]) decode(obj store.Object) (K, V, error) {
	var (
		rec V
		key K
	)
	key, err := t.codec.Decode(obj.Key)
	if err != nil {
		return key, rec, err
	}
	if err := json.Unmarshal(obj.Value, &rec); err != nil {
		return key, rec, fmt.Errorf("decode %q[%v]: %w", t.desc.Name, key, err)
	}
	rec, err = t.HookRead(rec)
	return key, rec, err
}

func (t *Table[K, V]) decodeAll(objs []store.Object) ([]V, error) {
	out := make([]V, 0, len(objs))
	for _, o := range objs {
		_, v, err := t.decode(o)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// ---- locks ----

// Lock takes a table lock for the rest of the transaction carried by ctx.
func (t *Table[K, V]) Lock(ctx context.Context, mode types.LockMode) error {
	return t.store.Lock(ctx, t.desc.Name, mode)
}

func isZero[K any](k K) bool {
	return reflect.ValueOf(&k).Elem().IsZero()
}
