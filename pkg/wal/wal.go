package wal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"schemaver/pkg/clock"
	"schemaver/pkg/dberrors"
	"schemaver/pkg/listener"
	"schemaver/pkg/store"
)

const (
	fileName   = "journal.log"
	maxPayload = 64 << 20
)

var errCorrupt = errors.New("corrupt journal entry")

type Kind uint8

const (
	// KindBatch carries a zstd-compressed JSON store.Batch.
	KindBatch Kind = iota + 1
	// KindAbort marks the batch with the same ID as undone.
	KindAbort
)

// Entry - одна запись журнала
type Entry struct {
	SeqNum  uint64
	Kind    Kind
	ID      uuid.UUID
	Payload []byte
}

type request struct {
	entry Entry
	// raw - несжатый JSON batch, сжимается под w.mu
	raw  []byte
	done chan error
}

// WAL is the redo journal of the memory store. Appends are written by a
// single listener goroutine and fsynced before Append returns.
type WAL struct {
	*listener.Listener[request]

	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	filePath string
	seq      *clock.AtomicClock

	enc *zstd.Encoder
	dec *zstd.Decoder

	inputCh  chan request
	closed   atomic.Bool
	closeErr error
}

var _ store.Journal = (*WAL)(nil)

// Open opens or creates the journal in dir. A torn entry at the tail, left by
// a crash in the middle of a write, is cut off.
func Open(dir string) (*WAL, error) {
	if dir == "" {
		return nil, dberrors.Configf("empty journal dir")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	filePath := filepath.Join(dir, fileName)
	last, valid, err := scan(filePath)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}
	if st, err := file.Stat(); err == nil && st.Size() > valid {
		slog.Warn("journal tail truncated", "path", filePath, "size", st.Size(), "valid", valid)
		if err := file.Truncate(valid); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("failed to truncate journal: %w", err)
		}
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = file.Close()
		enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}

	w := &WAL{
		file:     file,
		writer:   bufio.NewWriter(file),
		filePath: filePath,
		seq:      clock.NewAtomic(last),
		enc:      enc,
		dec:      dec,
		inputCh:  make(chan request),
	}
	w.Listener = listener.New(w.inputCh, w.writeFile,
		listener.WithStopHandler[request](w.stop),
		listener.WithErrorHandler(func(r request, err error) {
			slog.Error("journal write failed", "id", r.entry.ID, "error", err)
		}))
	w.Listener.Start(context.Background())

	slog.Debug("journal opened", "path", filePath, "last_seq", last)
	return w, nil
}

// scan walks an existing journal and returns the last sequence number and
// the length of its intact prefix.
func scan(path string) (uint64, int64, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open journal for scan: %w", err)
	}
	defer file.Close()

	var (
		last  uint64
		valid int64
	)
	reader := bufio.NewReader(file)
	for {
		entry, n, err := readEntry(reader)
		if errors.Is(err, io.EOF) {
			return last, valid, nil
		}
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, errCorrupt) {
			return last, valid, nil
		}
		if err != nil {
			return 0, 0, fmt.Errorf("scan journal: %w", err)
		}
		last = entry.SeqNum
		valid += n
	}
}

// LastSeq returns the sequence number of the newest entry.
func (w *WAL) LastSeq() uint64 {
	return w.seq.Val()
}

// Append journals a committed batch.
func (w *WAL) Append(ctx context.Context, b store.Batch) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode batch %s: %w", b.ID, err)
	}
	return w.submit(ctx, request{entry: Entry{Kind: KindBatch, ID: b.ID}, raw: data})
}

// Abort marks a journaled batch as undone.
func (w *WAL) Abort(ctx context.Context, id uuid.UUID) error {
	return w.submit(ctx, request{entry: Entry{Kind: KindAbort, ID: id}})
}

func (w *WAL) submit(ctx context.Context, req request) error {
	if w.closed.Load() {
		return dberrors.ErrClosed
	}
	req.done = make(chan error, 1)
	select {
	case w.inputCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.Stopped():
		return dberrors.ErrClosed
	}
	// запись уже принята, ждём fsync даже при отмене ctx
	return <-req.done
}

// will be called by WAL.Listener for each request in WAL.inputCh
func (w *WAL) writeFile(req request) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	err := w.write(req.entry, req.raw)
	req.done <- err
	return err
}

func (w *WAL) write(entry Entry, raw []byte) error {
	if w.writer == nil {
		return dberrors.ErrClosed
	}
	if raw != nil {
		entry.Payload = w.enc.EncodeAll(raw, nil)
	}
	entry.SeqNum = w.seq.Val() + 1
	if err := writeEntry(w.writer, entry); err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush journal: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	w.seq.Set(entry.SeqNum)
	return nil
}

// Replay calls fn for every journaled batch in commit order, skipping
// aborted ones.
func (w *WAL) Replay(ctx context.Context, fn func(store.Batch) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return dberrors.ErrClosed
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush journal before replay: %w", err)
	}

	file, err := os.Open(w.filePath)
	if err != nil {
		return fmt.Errorf("failed to open journal for reading: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close journal read file", "error", cerr)
		}
	}()

	var (
		batches []Entry
		aborted = make(map[uuid.UUID]struct{})
	)
	reader := bufio.NewReader(file)
	for {
		entry, _, err := readEntry(reader)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read journal entry: %w", err)
		}
		switch entry.Kind {
		case KindBatch:
			batches = append(batches, entry)
		case KindAbort:
			aborted[entry.ID] = struct{}{}
		}
	}

	replayed := 0
	for _, entry := range batches {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, ok := aborted[entry.ID]; ok {
			continue
		}
		data, err := w.dec.DecodeAll(entry.Payload, nil)
		if err != nil {
			return fmt.Errorf("decompress entry %d: %w", entry.SeqNum, err)
		}
		var b store.Batch
		if err := json.Unmarshal(data, &b); err != nil {
			return fmt.Errorf("decode entry %d: %w", entry.SeqNum, err)
		}
		if err := fn(b); err != nil {
			return fmt.Errorf("journal replay callback failed at %d: %w", entry.SeqNum, err)
		}
		replayed++
	}
	slog.Info("journal replayed", "batches", replayed, "aborted", len(aborted))
	return nil
}

func (w *WAL) Close() error {
	if w.closed.Swap(true) {
		return nil
	}
	w.Listener.Stop()
	return w.closeErr
}

func (w *WAL) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	var errs []error
	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("failed to flush journal on close: %w", err))
		}
		w.writer = nil
	}
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close journal file: %w", err))
		}
		w.file = nil
	}
	w.enc.Close()
	w.dec.Close()
	w.closeErr = errors.Join(errs...)
}

// writeEntry writes seq(8) kind(1) id(16) len(4) payload crc32(4).
func writeEntry(out io.Writer, entry Entry) error {
	if len(entry.Payload) > maxPayload {
		return fmt.Errorf("payload too large: %d", len(entry.Payload))
	}

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, entry.SeqNum)
	buf.WriteByte(byte(entry.Kind))
	buf.Write(entry.ID[:])
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(entry.Payload)))
	buf.Write(entry.Payload)
	_ = binary.Write(&buf, binary.LittleEndian, crc32.ChecksumIEEE(buf.Bytes()))

	_, err := out.Write(buf.Bytes())
	return err
}

// readEntry reads one entry and returns its encoded size. io.EOF means a
// clean end, io.ErrUnexpectedEOF a torn tail.
func readEntry(reader *bufio.Reader) (Entry, int64, error) {
	var entry Entry

	header := make([]byte, 8+1+16+4)
	if _, err := io.ReadFull(reader, header); err != nil {
		return entry, 0, err
	}
	entry.SeqNum = binary.LittleEndian.Uint64(header[0:8])
	entry.Kind = Kind(header[8])
	copy(entry.ID[:], header[9:25])
	size := binary.LittleEndian.Uint32(header[25:29])
	if size > maxPayload {
		return entry, 0, fmt.Errorf("%w: payload size %d", errCorrupt, size)
	}

	entry.Payload = make([]byte, size)
	if _, err := io.ReadFull(reader, entry.Payload); err != nil {
		return entry, 0, unexpected(err)
	}

	var sum uint32
	if err := binary.Read(reader, binary.LittleEndian, &sum); err != nil {
		return entry, 0, unexpected(err)
	}
	h := crc32.NewIEEE()
	h.Write(header)
	h.Write(entry.Payload)
	if h.Sum32() != sum {
		return entry, 0, fmt.Errorf("%w: seq %d", errCorrupt, entry.SeqNum)
	}
	if entry.Kind != KindBatch && entry.Kind != KindAbort {
		return entry, 0, fmt.Errorf("%w: kind %d", errCorrupt, entry.Kind)
	}
	return entry, int64(len(header)) + int64(size) + 4, nil
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
