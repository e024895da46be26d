package dedup

import (
	"fmt"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrelmq/petrel/message"
	"github.com/petrelmq/petrel/mlog"
)

// inlineExecutor makes CheckStatus transitions synchronous in tests.
type inlineExecutor struct{}

func (inlineExecutor) Submit(task func()) { task() }

func testConfig() Config {
	return Config{
		TopicName:               "orders",
		Enabled:                 true,
		SnapshotInterval:        100,
		MaxNumberOfProducers:    1000,
		SnapshotIntervalSeconds: 0,
		InactivityTimeout:       time.Hour,
		ReplicatorPrefix:        "petrel.repl.",
	}
}

func openTestLog(t *testing.T, db *pebble.DB) *mlog.Log {
	t.Helper()
	l, err := mlog.Open(db, "orders", mlog.Options{SegmentSize: 64, EntryCacheSize: 64})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func openTestDB(t *testing.T) *pebble.DB {
	t.Helper()
	db, err := pebble.Open(t.TempDir(), &pebble.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newEnabled(t *testing.T, l *mlog.Log, cfg Config) *Deduplicator {
	t.Helper()
	d := New(l, cfg, inlineExecutor{})
	d.CheckStatus()
	require.Equal(t, StatusEnabled, d.Status())
	return d
}

func localContext(producer string, seq int64) *PublishContext {
	md := &message.Metadata{ProducerName: producer, SequenceID: seq}
	md.Normalize()
	return &PublishContext{
		ProducerName:      producer,
		SequenceID:        seq,
		HighestSequenceID: seq,
		Metadata:          md,
	}
}

// publish runs the full classify-append-persist path for one message.
func publish(t *testing.T, d *Deduplicator, l *mlog.Log, pc *PublishContext) DupStatus {
	t.Helper()
	status := d.IsDuplicate(pc)
	if status != NotDup {
		return status
	}
	data, err := message.Encode(*pc.Metadata, []byte("payload"))
	require.NoError(t, err)
	pos, err := l.Append(data)
	require.NoError(t, err)
	d.RecordPersisted(pc, pos)
	return NotDup
}

func TestFreshTopicLocalPublish(t *testing.T) {
	l := openTestLog(t, openTestDB(t))
	d := newEnabled(t, l, testConfig())

	assert.Equal(t, NotDup, publish(t, d, l, localContext("alpha", 0)))
	assert.Equal(t, NotDup, publish(t, d, l, localContext("alpha", 1)))
	assert.Equal(t, Dup, publish(t, d, l, localContext("alpha", 1)))
	assert.Equal(t, NotDup, publish(t, d, l, localContext("alpha", 2)))

	assert.Equal(t, int64(2), d.LastPushedSequenceID("alpha"))
	seq, ok := d.persisted.Load("alpha")
	require.True(t, ok)
	assert.Equal(t, int64(2), seq)
}

func TestDuplicateBeforePersistence(t *testing.T) {
	l := openTestLog(t, openTestDB(t))
	d := newEnabled(t, l, testConfig())

	// First acceptance advances pushed but the append has not completed
	first := localContext("alpha", 5)
	require.Equal(t, NotDup, d.IsDuplicate(first))

	// Same sequence id before record-persisted: indeterminate
	assert.Equal(t, DupUnknown, d.IsDuplicate(localContext("alpha", 5)))

	// Complete the first append
	data, err := message.Encode(*first.Metadata, []byte("payload"))
	require.NoError(t, err)
	pos, err := l.Append(data)
	require.NoError(t, err)
	d.RecordPersisted(first, pos)

	// Now the same sequence id is definitely a duplicate
	assert.Equal(t, Dup, d.IsDuplicate(localContext("alpha", 5)))
}

func TestSequenceZeroIsValidFirstValue(t *testing.T) {
	l := openTestLog(t, openTestDB(t))
	d := newEnabled(t, l, testConfig())

	// Absence of tracking state must not classify seq 0 as duplicate
	assert.Equal(t, NotDup, publish(t, d, l, localContext("alpha", 0)))
	// Once tracked, pushed[alpha]=0 is distinguishable from "absent"
	assert.Equal(t, Dup, d.IsDuplicate(localContext("alpha", 0)))
	assert.Equal(t, NotDup, d.IsDuplicate(localContext("beta", 0)))
}

func TestRecoveryRebuildsState(t *testing.T) {
	db := openTestDB(t)
	l := openTestLog(t, db)
	d := newEnabled(t, l, testConfig())

	assert.Equal(t, NotDup, publish(t, d, l, localContext("alpha", 0)))
	assert.Equal(t, NotDup, publish(t, d, l, localContext("alpha", 1)))
	assert.Equal(t, NotDup, publish(t, d, l, localContext("alpha", 2)))

	// Simulate a broker restart on the same log and cursor
	require.NoError(t, l.Close())
	reopened, err := mlog.Open(db, "orders", mlog.Options{SegmentSize: 64, EntryCacheSize: 64})
	require.NoError(t, err)
	defer reopened.Close()

	recovered := newEnabled(t, reopened, testConfig())
	assert.Equal(t, int64(2), recovered.LastPushedSequenceID("alpha"))

	assert.Equal(t, Dup, recovered.IsDuplicate(localContext("alpha", 2)))
	assert.Equal(t, NotDup, recovered.IsDuplicate(localContext("alpha", 3)))
}

func TestRecoverySeedsFromSnapshot(t *testing.T) {
	db := openTestDB(t)
	l := openTestLog(t, db)

	cfg := testConfig()
	cfg.SnapshotInterval = 1 // snapshot after every persisted entry
	d := newEnabled(t, l, cfg)

	require.Equal(t, NotDup, publish(t, d, l, localContext("alpha", 7)))

	cursor := d.cursor.Load()
	require.NotNil(t, cursor)
	assert.Equal(t, map[string]int64{"alpha": 7}, cursor.Properties())
	assert.Equal(t, l.LastConfirmedPosition(), cursor.MarkDeletedPosition())

	// Recovery on a fresh engine sees the snapshot with nothing to replay
	require.NoError(t, l.Close())
	reopened, err := mlog.Open(db, "orders", mlog.Options{SegmentSize: 64, EntryCacheSize: 64})
	require.NoError(t, err)
	defer reopened.Close()

	recovered := newEnabled(t, reopened, cfg)
	assert.Equal(t, int64(7), recovered.LastPushedSequenceID("alpha"))
	// Snapshot-seeded producers start out inactive until they reconnect
	_, inactive := recovered.inactiveProducers.Load("alpha")
	assert.True(t, inactive)
}

func replContext(producer string, seq int64, lid, eid int64) *PublishContext {
	md := &message.Metadata{
		ProducerName: producer,
		SequenceID:   seq,
		Properties: map[string]string{
			message.PropReplSourcePosition: message.FormatReplSourcePosition(lid, eid),
		},
	}
	md.Normalize()
	return &PublishContext{
		ProducerName:                 producer,
		SequenceID:                   seq,
		HighestSequenceID:            seq,
		SupportsReplDedupByLidAndEid: true,
		Metadata:                     md,
	}
}

func TestReplV2Ordering(t *testing.T) {
	l := openTestLog(t, openTestDB(t))
	d := newEnabled(t, l, testConfig())

	producer := "petrel.repl.west"
	cases := []struct {
		lid, eid int64
		want     DupStatus
	}{
		{10, 5, NotDup},
		{10, 6, NotDup},
		{10, 6, Dup},
		{9, 999, Dup},
		{11, 0, NotDup},
	}

	var seq int64
	for i, tc := range cases {
		pc := replContext(producer, seq, tc.lid, tc.eid)
		seq++
		got := publish(t, d, l, pc)
		assert.Equal(t, tc.want, got, "case %d (%d:%d)", i, tc.lid, tc.eid)
	}

	lid, ok := d.persisted.Load(producer + lidKeySuffix)
	require.True(t, ok)
	assert.Equal(t, int64(11), lid)
	eid, ok := d.persisted.Load(producer + eidKeySuffix)
	require.True(t, ok)
	assert.Equal(t, int64(0), eid)
}

func TestReplV2IndeterminateBeforePersist(t *testing.T) {
	l := openTestLog(t, openTestDB(t))
	d := newEnabled(t, l, testConfig())

	producer := "petrel.repl.west"
	first := replContext(producer, 0, 4, 2)
	require.Equal(t, NotDup, d.IsDuplicate(first))

	// Re-sent before the first append persisted
	assert.Equal(t, DupUnknown, d.IsDuplicate(replContext(producer, 0, 4, 2)))
}

func TestReplV1UsesOriginalProducer(t *testing.T) {
	l := openTestLog(t, openTestDB(t))
	d := newEnabled(t, l, testConfig())

	// The replicator session publishes under its own name, metadata
	// carries the source producer
	md := &message.Metadata{ProducerName: "orders-writer-1", SequenceID: 3}
	md.Normalize()
	pc := &PublishContext{
		ProducerName:      "petrel.repl.west",
		SequenceID:        40, // replicator's own counter, must be ignored
		HighestSequenceID: 40,
		Metadata:          md,
	}

	require.Equal(t, NotDup, publish(t, d, l, pc))
	assert.Equal(t, "orders-writer-1", pc.OriginalProducerName())
	assert.Equal(t, int64(3), d.LastPushedSequenceID("orders-writer-1"))
	assert.Equal(t, int64(-1), d.LastPushedSequenceID("petrel.repl.west"))

	// Same source message replayed by the replicator under a fresh
	// session counter is still a duplicate
	md2 := &message.Metadata{ProducerName: "orders-writer-1", SequenceID: 3}
	md2.Normalize()
	assert.Equal(t, Dup, d.IsDuplicate(&PublishContext{
		ProducerName:      "petrel.repl.west",
		SequenceID:        41,
		HighestSequenceID: 41,
		Metadata:          md2,
	}))
}

func TestMalformedReplSourceFallsBackToV1(t *testing.T) {
	l := openTestLog(t, openTestDB(t))
	d := newEnabled(t, l, testConfig())

	md := &message.Metadata{
		ProducerName: "orders-writer-1",
		SequenceID:   5,
		Properties:   map[string]string{message.PropReplSourcePosition: "not-a-position"},
	}
	md.Normalize()
	pc := &PublishContext{
		ProducerName:                 "petrel.repl.west",
		SequenceID:                   9,
		HighestSequenceID:            9,
		SupportsReplDedupByLidAndEid: true,
		Metadata:                     md,
	}

	// Malformed position must not fail the publish; v1 semantics apply
	require.Equal(t, NotDup, publish(t, d, l, pc))
	assert.Equal(t, int64(5), d.LastPushedSequenceID("orders-writer-1"))
}

func TestMarkerBypassesEngine(t *testing.T) {
	l := openTestLog(t, openTestDB(t))
	d := newEnabled(t, l, testConfig())

	md := &message.Metadata{
		ProducerName: "petrel.repl.west",
		SequenceID:   0,
		MarkerType:   message.MarkerReplicatedUpdate,
	}
	md.Normalize()
	pc := &PublishContext{ProducerName: "petrel.repl.west", Metadata: md}

	assert.Equal(t, NotDup, d.IsDuplicate(pc))
	assert.True(t, pc.IsReplMarker())

	// Markers never touch the maps
	assert.Equal(t, int64(-1), d.LastPushedSequenceID("petrel.repl.west"))
	d.RecordPersisted(pc, mlog.Position{Segment: 0, Offset: 0})
	_, ok := d.persisted.Load("petrel.repl.west")
	assert.False(t, ok)
}

func chunkContext(producer string, seq int64, chunkID, numChunks int32) *PublishContext {
	md := &message.Metadata{
		ProducerName: producer,
		SequenceID:   seq,
		ChunkID:      chunkID,
		NumChunks:    numChunks,
	}
	md.Normalize()
	return &PublishContext{
		ProducerName:      producer,
		SequenceID:        seq,
		HighestSequenceID: seq,
		Metadata:          md,
	}
}

func TestChunkedMessage(t *testing.T) {
	l := openTestLog(t, openTestDB(t))
	d := newEnabled(t, l, testConfig())

	// First two chunks pass through without touching the maps
	for chunk := int32(0); chunk < 2; chunk++ {
		pc := chunkContext("alpha", 7, chunk, 3)
		assert.Equal(t, NotDup, publish(t, d, l, pc))
		last, ok := pc.IsLastChunk()
		require.True(t, ok)
		assert.False(t, last)
		assert.Equal(t, int64(-1), d.LastPushedSequenceID("alpha"))
	}

	// Last chunk records the shared sequence id
	pc := chunkContext("alpha", 7, 2, 3)
	assert.Equal(t, NotDup, publish(t, d, l, pc))
	last, ok := pc.IsLastChunk()
	require.True(t, ok)
	assert.True(t, last)
	assert.Equal(t, int64(7), d.LastPushedSequenceID("alpha"))

	// Repeating the whole group: non-last chunks still pass, the last
	// chunk is rejected as duplicate
	assert.Equal(t, NotDup, d.IsDuplicate(chunkContext("alpha", 7, 0, 3)))
	assert.Equal(t, NotDup, d.IsDuplicate(chunkContext("alpha", 7, 1, 3)))
	assert.Equal(t, Dup, d.IsDuplicate(chunkContext("alpha", 7, 2, 3)))
}

func TestSingleChunkBehavesAsNonChunked(t *testing.T) {
	l := openTestLog(t, openTestDB(t))
	d := newEnabled(t, l, testConfig())

	pc := chunkContext("alpha", 1, 0, 1)
	assert.Equal(t, NotDup, publish(t, d, l, pc))
	_, ok := pc.IsLastChunk()
	assert.False(t, ok)
	assert.Equal(t, int64(1), d.LastPushedSequenceID("alpha"))
}

func TestPurgeInactiveProducers(t *testing.T) {
	l := openTestLog(t, openTestDB(t))
	cfg := testConfig()
	cfg.InactivityTimeout = time.Minute
	d := newEnabled(t, l, cfg)

	require.Equal(t, NotDup, publish(t, d, l, localContext("beta", 3)))
	d.ProducerRemoved("beta")
	_, tracked := d.inactiveProducers.Load("beta")
	require.True(t, tracked)

	// Not yet past the cutoff: nothing happens
	d.PurgeInactiveProducers(time.Now())
	assert.Equal(t, int64(3), d.LastPushedSequenceID("beta"))

	// Past the cutoff: all three maps drop the producer and a snapshot
	// persists the removal
	d.PurgeInactiveProducers(time.Now().Add(2 * time.Minute))
	assert.Equal(t, int64(-1), d.LastPushedSequenceID("beta"))
	_, ok := d.persisted.Load("beta")
	assert.False(t, ok)
	_, ok = d.inactiveProducers.Load("beta")
	assert.False(t, ok)

	cursor := d.cursor.Load()
	require.NotNil(t, cursor)
	assert.Empty(t, cursor.Properties())
}

func TestReconnectBeforePurgeKeepsState(t *testing.T) {
	l := openTestLog(t, openTestDB(t))
	cfg := testConfig()
	cfg.InactivityTimeout = time.Minute
	d := newEnabled(t, l, cfg)

	require.Equal(t, NotDup, publish(t, d, l, localContext("beta", 3)))
	d.ProducerRemoved("beta")
	d.ProducerAdded("beta")

	d.PurgeInactiveProducers(time.Now().Add(2 * time.Minute))
	assert.Equal(t, int64(3), d.LastPushedSequenceID("beta"))
}

func TestPurgeWhenDisabledClearsInactiveMap(t *testing.T) {
	l := openTestLog(t, openTestDB(t))
	cfg := testConfig()
	cfg.Enabled = false
	d := New(l, cfg, inlineExecutor{})
	d.CheckStatus()
	require.Equal(t, StatusDisabled, d.Status())

	d.inactiveProducers.Store("ghost", 1)
	d.PurgeInactiveProducers(time.Now())
	assert.Equal(t, 0, d.inactiveProducers.Size())
}

func TestDisableClearsStateAndCursor(t *testing.T) {
	l := openTestLog(t, openTestDB(t))
	d := newEnabled(t, l, testConfig())

	require.Equal(t, NotDup, publish(t, d, l, localContext("alpha", 1)))

	d.SetEnabled(false)
	d.CheckStatus()
	require.Equal(t, StatusDisabled, d.Status())
	assert.Equal(t, int64(-1), d.LastPushedSequenceID("alpha"))
	assert.Equal(t, 0, d.persisted.Size())

	// Cursor is gone: deleting again reports not found
	assert.ErrorIs(t, l.DeleteCursor(CursorName), mlog.ErrCursorNotFound)

	// Disabled engine classifies everything as NotDup
	assert.Equal(t, NotDup, d.IsDuplicate(localContext("alpha", 1)))
}

func TestDisabledFromStartIgnoresMissingCursor(t *testing.T) {
	l := openTestLog(t, openTestDB(t))
	cfg := testConfig()
	cfg.Enabled = false
	d := New(l, cfg, inlineExecutor{})
	d.CheckStatus()
	assert.Equal(t, StatusDisabled, d.Status())
}

func TestReenableAfterDisable(t *testing.T) {
	l := openTestLog(t, openTestDB(t))
	d := newEnabled(t, l, testConfig())
	require.Equal(t, NotDup, publish(t, d, l, localContext("alpha", 1)))

	d.SetEnabled(false)
	d.CheckStatus()
	require.Equal(t, StatusDisabled, d.Status())

	// Re-enable: the cursor was deleted, so replay starts from the log
	// head and re-learns alpha's state
	d.SetEnabled(true)
	d.CheckStatus()
	require.Equal(t, StatusEnabled, d.Status())
	assert.Equal(t, int64(1), d.LastPushedSequenceID("alpha"))
}

func TestReplayFailureSetsFailed(t *testing.T) {
	db := openTestDB(t)
	l := openTestLog(t, db)

	// Corrupt entry that cannot decode as a message
	_, err := l.Append([]byte{0x01, 0x02, 0x03})
	require.NoError(t, err)

	d := New(l, testConfig(), inlineExecutor{})
	d.CheckStatus()
	assert.Equal(t, StatusFailed, d.Status())

	// A Failed engine does not dedup
	assert.Equal(t, NotDup, d.IsDuplicate(localContext("alpha", 1)))
}

func TestSnapshotIntervalTrigger(t *testing.T) {
	l := openTestLog(t, openTestDB(t))
	cfg := testConfig()
	cfg.SnapshotInterval = 3
	d := newEnabled(t, l, cfg)

	var lastPos mlog.Position
	for i := int64(0); i < 3; i++ {
		pc := localContext("alpha", i)
		require.Equal(t, NotDup, d.IsDuplicate(pc))
		data, err := message.Encode(*pc.Metadata, []byte("payload"))
		require.NoError(t, err)
		lastPos, err = l.Append(data)
		require.NoError(t, err)
		d.RecordPersisted(pc, lastPos)
	}

	cursor := d.cursor.Load()
	require.NotNil(t, cursor)
	assert.Equal(t, lastPos, cursor.MarkDeletedPosition())
	assert.Equal(t, map[string]int64{"alpha": 2}, cursor.Properties())
	assert.Equal(t, 0, d.snapshotCounter)
}

func TestSnapshotBounded(t *testing.T) {
	l := openTestLog(t, openTestDB(t))
	cfg := testConfig()
	cfg.MaxNumberOfProducers = 3
	d := newEnabled(t, l, cfg)

	for i := 0; i < 10; i++ {
		require.Equal(t, NotDup, publish(t, d, l, localContext(fmt.Sprintf("p-%02d", i), 1)))
	}

	snapshot := d.buildSnapshot()
	require.Len(t, snapshot, 3)
	// Deterministic order: the smallest keys survive the cap
	for _, key := range []string{"p-00", "p-01", "p-02"} {
		assert.Contains(t, snapshot, key)
	}
}

func TestTimerSnapshot(t *testing.T) {
	l := openTestLog(t, openTestDB(t))
	cfg := testConfig()
	cfg.SnapshotIntervalSeconds = 1
	d := newEnabled(t, l, cfg)

	// Log has not advanced: no snapshot
	d.TimerSnapshot(time.Now().Add(time.Hour))
	cursor := d.cursor.Load()
	require.NotNil(t, cursor)
	assert.Equal(t, mlog.Earliest, cursor.MarkDeletedPosition())

	require.Equal(t, NotDup, publish(t, d, l, localContext("alpha", 1)))

	// Period not elapsed since the last snapshot: still no snapshot
	d.lastSnapshotTimestamp.Store(time.Now().UnixMilli())
	d.TimerSnapshot(time.Now())
	assert.Equal(t, mlog.Earliest, cursor.MarkDeletedPosition())

	// Period elapsed and log advanced: snapshot at the tail
	d.TimerSnapshot(time.Now().Add(time.Hour))
	assert.Equal(t, l.LastConfirmedPosition(), cursor.MarkDeletedPosition())
	assert.Equal(t, map[string]int64{"alpha": 1}, cursor.Properties())
}

func TestTimerSnapshotDisabledByZeroInterval(t *testing.T) {
	l := openTestLog(t, openTestDB(t))
	d := newEnabled(t, l, testConfig()) // SnapshotIntervalSeconds: 0

	require.Equal(t, NotDup, publish(t, d, l, localContext("alpha", 1)))
	d.TimerSnapshot(time.Now().Add(time.Hour))

	cursor := d.cursor.Load()
	require.NotNil(t, cursor)
	assert.Equal(t, mlog.Earliest, cursor.MarkDeletedPosition())
}

func TestSnapshotSingleFlight(t *testing.T) {
	l := openTestLog(t, openTestDB(t))
	d := newEnabled(t, l, testConfig())
	require.Equal(t, NotDup, publish(t, d, l, localContext("alpha", 1)))

	// Simulate a snapshot in progress: the next trigger is dropped
	d.snapshotTaking.Store(true)
	d.takeSnapshot(l.LastConfirmedPosition(), "interval")

	cursor := d.cursor.Load()
	require.NotNil(t, cursor)
	assert.Equal(t, mlog.Earliest, cursor.MarkDeletedPosition())

	// Released flag: snapshot goes through
	d.snapshotTaking.Store(false)
	d.takeSnapshot(l.LastConfirmedPosition(), "interval")
	assert.Equal(t, l.LastConfirmedPosition(), cursor.MarkDeletedPosition())
}

func TestResetHighestSequenceIDPushed(t *testing.T) {
	l := openTestLog(t, openTestDB(t))
	d := newEnabled(t, l, testConfig())

	require.Equal(t, NotDup, publish(t, d, l, localContext("alpha", 3)))

	// Acceptance without persistence leaves pushed ahead of persisted
	require.Equal(t, NotDup, d.IsDuplicate(localContext("alpha", 4)))
	assert.Equal(t, int64(4), d.LastPushedSequenceID("alpha"))

	d.ResetHighestSequenceIDPushed()
	assert.Equal(t, int64(3), d.LastPushedSequenceID("alpha"))
}

func TestHighestSequenceIDBatchBound(t *testing.T) {
	l := openTestLog(t, openTestDB(t))
	d := newEnabled(t, l, testConfig())

	// A batch publish declares an upper bound above its sequence id
	md := &message.Metadata{ProducerName: "alpha", SequenceID: 10, HighestSequenceID: 14}
	md.Normalize()
	pc := &PublishContext{ProducerName: "alpha", SequenceID: 10, HighestSequenceID: 14, Metadata: md}
	require.Equal(t, NotDup, publish(t, d, l, pc))
	assert.Equal(t, int64(14), d.LastPushedSequenceID("alpha"))

	// Everything at or below the bound is now duplicated
	assert.Equal(t, Dup, d.IsDuplicate(localContext("alpha", 12)))
	assert.Equal(t, NotDup, d.IsDuplicate(localContext("alpha", 15)))
}

func TestPushedNeverBelowPersisted(t *testing.T) {
	l := openTestLog(t, openTestDB(t))
	d := newEnabled(t, l, testConfig())

	for i := int64(0); i < 5; i++ {
		require.Equal(t, NotDup, publish(t, d, l, localContext("alpha", i)))
		pushed := d.LastPushedSequenceID("alpha")
		persisted, ok := d.persisted.Load("alpha")
		require.True(t, ok)
		assert.GreaterOrEqual(t, pushed, persisted)
	}
}
