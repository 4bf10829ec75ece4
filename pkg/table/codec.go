package table

import (
	"encoding/binary"
	"fmt"

	"schemaver/pkg/dberrors"
)

// KeyCodec encodes keys so that byte order equals key order.
type KeyCodec[K any] interface {
	Encode(K) ([]byte, error)
	Decode([]byte) (K, error)
}

// counterKey is implemented by codecs whose keys can come from an
// autoincrement counter.
type counterKey[K any] interface {
	FromCounter(int64) K
}

type signed interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64
}

// Int encodes signed integers big endian with the sign bit flipped.
type Int[K signed] struct{}

func (Int[K]) Encode(k K) ([]byte, error) {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(int64(k))^(1<<63))
	return b, nil
}

func (Int[K]) Decode(b []byte) (K, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("int key of %d bytes: %w", len(b), dberrors.ErrInvalidArgument)
	}
	return K(int64(binary.BigEndian.Uint64(b) ^ (1 << 63))), nil
}

func (Int[K]) FromCounter(n int64) K { return K(n) }

// Uint encodes unsigned integers big endian.
type Uint[K ~uint | ~uint32 | ~uint64] struct{}

func (Uint[K]) Encode(k K) ([]byte, error) {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(k))
	return b, nil
}

func (Uint[K]) Decode(b []byte) (K, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("uint key of %d bytes: %w", len(b), dberrors.ErrInvalidArgument)
	}
	return K(binary.BigEndian.Uint64(b)), nil
}

func (Uint[K]) FromCounter(n int64) K { return K(n) }

// String keys are stored as is.
type String[K ~string] struct{}

func (String[K]) Encode(k K) ([]byte, error) {
	if k == "" {
		return nil, fmt.Errorf("empty string key: %w", dberrors.ErrInvalidArgument)
	}
	return []byte(k), nil
}

func (String[K]) Decode(b []byte) (K, error) { return K(b), nil }

func defaultCodec[K any]() (KeyCodec[K], bool) {
	var zero K
	var c any
	switch any(zero).(type) {
	case string:
		c = String[string]{}
	case int:
		c = Int[int]{}
	case int32:
		c = Int[int32]{}
	case int64:
		c = Int[int64]{}
	case uint64:
		c = Uint[uint64]{}
	default:
		return nil, false
	}
	codec, ok := c.(KeyCodec[K])
	return codec, ok
}
