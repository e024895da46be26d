package mlog

import (
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/petrelmq/petrel/encoding"
)

// Cursor is a named, durable (position, properties) pair on a Log. The
// mark-delete position is the replay watermark; the property map is an
// application payload replaced atomically with every MarkDelete.
type Cursor struct {
	log  *Log
	name string

	mu          sync.Mutex
	markDeleted Position
	properties  map[string]int64
}

// OpenCursor creates or reopens a named cursor. A new cursor starts at
// Earliest with no properties.
func (l *Log) OpenCursor(name string) (*Cursor, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}

	l.cursorsMu.Lock()
	defer l.cursorsMu.Unlock()

	if c, ok := l.cursors[name]; ok {
		return c, nil
	}

	c := &Cursor{
		log:         l,
		name:        name,
		markDeleted: Earliest,
		properties:  make(map[string]int64),
	}

	val, closer, err := l.db.Get(l.cursorKey(name))
	switch err {
	case nil:
		var rec cursorRecord
		decodeErr := encoding.Unmarshal(val, &rec)
		closer.Close()
		if decodeErr != nil {
			return nil, fmt.Errorf("corrupted cursor record %q: %w", name, decodeErr)
		}
		c.markDeleted = rec.MarkDeleted
		if rec.Properties != nil {
			c.properties = rec.Properties
		}
		logCursorLoaded(name, c.markDeleted, len(c.properties))
	case pebble.ErrNotFound:
		// New cursor; persist the initial record so it survives restarts
		if err := c.persist(c.markDeleted, c.properties); err != nil {
			return nil, fmt.Errorf("failed to create cursor %q: %w", name, err)
		}
	default:
		return nil, fmt.Errorf("failed to load cursor %q: %w", name, err)
	}

	l.cursors[name] = c
	return c, nil
}

// DeleteCursor removes a named cursor. Returns ErrCursorNotFound when no
// such cursor exists.
func (l *Log) DeleteCursor(name string) error {
	if l.closed.Load() {
		return ErrClosed
	}

	l.cursorsMu.Lock()
	defer l.cursorsMu.Unlock()

	key := l.cursorKey(name)
	_, closer, err := l.db.Get(key)
	if err == pebble.ErrNotFound {
		delete(l.cursors, name)
		return ErrCursorNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check cursor %q: %w", name, err)
	}
	closer.Close()

	if err := l.db.Delete(key, pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete cursor %q: %w", name, err)
	}
	delete(l.cursors, name)
	return nil
}

// Name returns the cursor's name.
func (c *Cursor) Name() string {
	return c.name
}

// MarkDeletedPosition returns the current mark-delete watermark.
func (c *Cursor) MarkDeletedPosition() Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.markDeleted
}

// Properties returns a copy of the cursor's property map.
func (c *Cursor) Properties() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]int64, len(c.properties))
	for k, v := range c.properties {
		out[k] = v
	}
	return out
}

// MarkDelete atomically advances the mark-delete position and replaces the
// property map. The watermark never moves backwards; a stale position is
// still allowed to refresh the properties (the purge path snapshots at the
// current watermark).
func (c *Cursor) MarkDelete(pos Position, properties map[string]int64) error {
	if c.log.closed.Load() {
		return ErrClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if pos.Before(c.markDeleted) {
		pos = c.markDeleted
	}

	if properties == nil {
		properties = make(map[string]int64)
	}
	if err := c.persist(pos, properties); err != nil {
		return fmt.Errorf("failed to mark-delete cursor %q: %w", c.name, err)
	}

	c.markDeleted = pos
	c.properties = properties
	return nil
}

// persist writes the cursor record with a synced commit. Caller holds c.mu
// (or exclusively owns c during OpenCursor).
func (c *Cursor) persist(pos Position, properties map[string]int64) error {
	val, err := encoding.Marshal(&cursorRecord{MarkDeleted: pos, Properties: properties})
	if err != nil {
		return err
	}
	return c.log.db.Set(c.log.cursorKey(c.name), val, pebble.Sync)
}

// MinMarkDeletedPosition returns the lowest mark-delete watermark across
// the log's open cursors. ok is false when no cursor is open; entries must
// not be truncated in that case.
func (l *Log) MinMarkDeletedPosition() (Position, bool) {
	l.cursorsMu.Lock()
	defer l.cursorsMu.Unlock()

	var (
		min   Position
		found bool
	)
	for _, c := range l.cursors {
		pos := c.MarkDeletedPosition()
		if !found || pos.Before(min) {
			min = pos
			found = true
		}
	}
	return min, found
}

func (l *Log) cursorKey(name string) []byte {
	return []byte(l.prefix + keyCursor + name)
}
