// Package mlog implements the broker's append log: a pebble-backed,
// segmented, append-only entry stream with named durable cursors. A cursor
// persists a mark-delete watermark together with a small property map; the
// deduplication engine stores its recovery snapshot in those properties.
package mlog

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jizhuozhi/go-future"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"

	"github.com/petrelmq/petrel/encoding"
	"github.com/petrelmq/petrel/telemetry"
)

// Key layout under the log's per-topic prefix
const (
	keyEntry  = "e/" // e/{16-digit segment}/{16-digit offset} -> entryRecord
	keyCursor = "c/" // c/{cursorName} -> cursorRecord
	keyLast   = "l"  // l -> last confirmed Position
)

var (
	// ErrCursorNotFound is returned by DeleteCursor when no cursor record
	// exists under the given name.
	ErrCursorNotFound = errors.New("cursor not found")

	// ErrChecksumMismatch indicates a corrupted entry record.
	ErrChecksumMismatch = errors.New("entry checksum mismatch")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("log is closed")

	// ErrNotFound is returned by Read for positions with no entry.
	ErrNotFound = errors.New("entry not found")
)

// Options configures a Log.
type Options struct {
	SegmentSize      int64 // Entries per segment
	CompressMinBytes int   // Payloads at/above this size are zstd compressed
	EntryCacheSize   int   // LRU cache of recently appended entries
}

// entryRecord is the stored form of one appended payload.
type entryRecord struct {
	Checksum   uint64 `msgpack:"x"` // xxhash64 of the uncompressed payload
	Compressed bool   `msgpack:"z"`
	Payload    []byte `msgpack:"p"`
}

// cursorRecord is the stored form of a named cursor.
type cursorRecord struct {
	MarkDeleted Position         `msgpack:"md"`
	Properties  map[string]int64 `msgpack:"props"`
}

// Log is a per-topic append log sharing a pebble instance with its siblings.
// Appends are serialized internally; reads and cursor operations are safe
// for concurrent use.
type Log struct {
	db     *pebble.DB
	prefix string
	opts   Options

	mu            sync.Mutex // serializes appends and lastConfirmed updates
	lastConfirmed Position

	cursorsMu sync.Mutex
	cursors   map[string]*Cursor

	cache *lru.Cache[Position, []byte]
	enc   *zstd.Encoder
	dec   *zstd.Decoder

	closed atomic.Bool
}

// Open creates or reopens the append log for one topic on a shared pebble
// instance. The topic name namespaces every key the log writes.
func Open(db *pebble.DB, topicName string, opts Options) (*Log, error) {
	if opts.SegmentSize <= 0 {
		return nil, fmt.Errorf("segment size must be positive")
	}
	if opts.EntryCacheSize <= 0 {
		opts.EntryCacheSize = 1024
	}

	cache, err := lru.New[Position, []byte](opts.EntryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create entry cache: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	l := &Log{
		db:            db,
		prefix:        "t/" + topicName + "/",
		opts:          opts,
		lastConfirmed: Earliest,
		cursors:       make(map[string]*Cursor),
		cache:         cache,
		enc:           enc,
		dec:           dec,
	}

	if err := l.loadLastConfirmed(); err != nil {
		return nil, fmt.Errorf("failed to load log watermark: %w", err)
	}

	return l, nil
}

func (l *Log) loadLastConfirmed() error {
	val, closer, err := l.db.Get([]byte(l.prefix + keyLast))
	if err == pebble.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	defer closer.Close()

	var pos Position
	if err := encoding.Unmarshal(val, &pos); err != nil {
		return err
	}
	l.lastConfirmed = pos
	return nil
}

// LastConfirmedPosition returns the position of the most recent durable
// append, or Earliest if the log is empty.
func (l *Log) LastConfirmedPosition() Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastConfirmed
}

// Append durably appends a payload and returns its position. Positions are
// strictly increasing across calls.
func (l *Log) Append(payload []byte) (Position, error) {
	if l.closed.Load() {
		return Position{}, ErrClosed
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pos := l.lastConfirmed.next(l.opts.SegmentSize)

	rec := entryRecord{Checksum: xxhash.Sum64(payload), Payload: payload}
	if l.opts.CompressMinBytes > 0 && len(payload) >= l.opts.CompressMinBytes {
		rec.Payload = l.enc.EncodeAll(payload, nil)
		rec.Compressed = true
		telemetry.LogCompressedEntriesTotal.Inc()
	}

	val, err := encoding.Marshal(&rec)
	if err != nil {
		return Position{}, fmt.Errorf("failed to marshal entry record: %w", err)
	}

	posVal, err := encoding.Marshal(&pos)
	if err != nil {
		return Position{}, fmt.Errorf("failed to marshal position: %w", err)
	}

	batch := l.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(l.entryKey(pos), val, nil); err != nil {
		return Position{}, fmt.Errorf("failed to write entry: %w", err)
	}
	if err := batch.Set([]byte(l.prefix+keyLast), posVal, nil); err != nil {
		return Position{}, fmt.Errorf("failed to write watermark: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return Position{}, fmt.Errorf("failed to commit append: %w", err)
	}

	// Only advance in-memory state after the synced commit
	if pos.Segment != l.lastConfirmed.Segment && l.lastConfirmed.Compare(Earliest) != 0 {
		telemetry.LogSegmentRollsTotal.Inc()
	}
	l.lastConfirmed = pos
	l.cache.Add(pos, payload)
	telemetry.LogEntriesTotal.Inc()

	return pos, nil
}

// AsyncAppend appends on a background goroutine, resolving the returned
// future with the assigned position.
func (l *Log) AsyncAppend(payload []byte) *future.Future[Position] {
	p := future.NewPromise[Position]()
	go func() {
		pos, err := l.Append(payload)
		p.Set(pos, err)
	}()
	return p.Future()
}

// Read returns the payload stored at a position.
func (l *Log) Read(pos Position) ([]byte, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}

	if payload, ok := l.cache.Get(pos); ok {
		telemetry.LogEntryCacheHitsTotal.With("hit").Inc()
		return payload, nil
	}
	telemetry.LogEntryCacheHitsTotal.With("miss").Inc()

	val, closer, err := l.db.Get(l.entryKey(pos))
	if err == pebble.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	return l.decodeEntry(pos, val)
}

func (l *Log) decodeEntry(pos Position, val []byte) ([]byte, error) {
	var rec entryRecord
	if err := encoding.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("corrupted entry record at %s: %w", pos, err)
	}

	payload := rec.Payload
	if rec.Compressed {
		decompressed, err := l.dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress entry at %s: %w", pos, err)
		}
		payload = decompressed
	}

	if xxhash.Sum64(payload) != rec.Checksum {
		return nil, fmt.Errorf("%w at %s", ErrChecksumMismatch, pos)
	}
	return payload, nil
}

// ReplayRange invokes handler for every entry after the cursor's mark-delete
// position up to and including the last confirmed position, in log order.
// It returns the last position visited, or ok=false when the range was
// empty. A handler error aborts the replay.
func (l *Log) ReplayRange(c *Cursor, handler func(Position, []byte) error) (Position, bool, error) {
	if l.closed.Load() {
		return Position{}, false, ErrClosed
	}

	from := c.MarkDeletedPosition().next(l.opts.SegmentSize)
	to := l.LastConfirmedPosition()
	if to.Before(from) {
		return Position{}, false, nil
	}

	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: l.entryKey(from),
		UpperBound: l.entryKeyUpperBound(to),
	})
	if err != nil {
		return Position{}, false, err
	}
	defer iter.Close()

	var (
		last    Position
		visited bool
	)
	for iter.First(); iter.Valid(); iter.Next() {
		pos, err := l.parseEntryKey(iter.Key())
		if err != nil {
			return Position{}, false, err
		}

		val, err := iter.ValueAndErr()
		if err != nil {
			return Position{}, false, err
		}
		payload, err := l.decodeEntry(pos, val)
		if err != nil {
			return Position{}, false, err
		}

		if err := handler(pos, payload); err != nil {
			return Position{}, false, err
		}
		last = pos
		visited = true
	}
	if err := iter.Error(); err != nil {
		return Position{}, false, err
	}

	return last, visited, nil
}

// TruncateBefore removes entries at or below the given position. Safe to
// call opportunistically after a cursor's mark-delete advances; the range
// delete is idempotent.
func (l *Log) TruncateBefore(pos Position) error {
	if l.closed.Load() {
		return ErrClosed
	}

	start := []byte(l.prefix + keyEntry)
	end := append(l.entryKey(pos), 0)

	if err := l.db.DeleteRange(start, end, pebble.NoSync); err != nil {
		return fmt.Errorf("failed to truncate log: %w", err)
	}
	telemetry.LogTruncatedEntriesTotal.Inc()
	return nil
}

// Close marks the log closed. The shared pebble instance is owned by the
// broker and is not closed here.
func (l *Log) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	l.enc.Close()
	l.dec.Close()
	return nil
}

func (l *Log) entryKey(pos Position) []byte {
	return []byte(fmt.Sprintf("%s%s%016x/%016x", l.prefix, keyEntry, uint64(pos.Segment), uint64(pos.Offset)))
}

// entryKeyUpperBound returns an exclusive upper bound that includes pos.
func (l *Log) entryKeyUpperBound(pos Position) []byte {
	return append(l.entryKey(pos), 0)
}

func (l *Log) parseEntryKey(key []byte) (Position, error) {
	suffix := string(key[len(l.prefix)+len(keyEntry):])
	if len(suffix) != 33 || suffix[16] != '/' {
		return Position{}, fmt.Errorf("corrupted entry key %q", key)
	}
	seg, err := strconv.ParseUint(suffix[:16], 16, 64)
	if err != nil {
		return Position{}, fmt.Errorf("corrupted entry key %q: %w", key, err)
	}
	off, err := strconv.ParseUint(suffix[17:], 16, 64)
	if err != nil {
		return Position{}, fmt.Errorf("corrupted entry key %q: %w", key, err)
	}
	return Position{Segment: int64(seg), Offset: int64(off)}, nil
}

func logCursorLoaded(name string, pos Position, props int) {
	log.Debug().
		Str("cursor", name).
		Str("mark_deleted", pos.String()).
		Int("properties", props).
		Msg("Loaded cursor")
}
