package replfeed

import (
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrelmq/petrel/cfg"
	"github.com/petrelmq/petrel/dedup"
	"github.com/petrelmq/petrel/encoding"
	"github.com/petrelmq/petrel/mlog"
	"github.com/petrelmq/petrel/topic"
)

type inlineExecutor struct{}

func (inlineExecutor) Submit(task func()) { task() }

type staticProvider struct {
	tp *topic.Topic
}

func (p *staticProvider) Topic(name string) (*topic.Topic, error) {
	return p.tp, nil
}

func newTestProvider(t *testing.T) *staticProvider {
	t.Helper()

	db, err := pebble.Open(t.TempDir(), &pebble.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	l, err := mlog.Open(db, "orders", mlog.Options{SegmentSize: 64, EntryCacheSize: 64})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	d := dedup.New(l, dedup.Config{
		TopicName:            "orders",
		Enabled:              true,
		SnapshotInterval:     100,
		MaxNumberOfProducers: 1000,
		InactivityTimeout:    time.Hour,
		ReplicatorPrefix:     cfg.Config.Dedup.ReplicatorPrefix,
	}, inlineExecutor{})

	tp := topic.New("orders", l, d)
	tp.CheckDedupStatus()
	return &staticProvider{tp: tp}
}

func encodeRecord(t *testing.T, rm ReplicatedMessage) []byte {
	t.Helper()
	data, err := encoding.Marshal(&rm)
	require.NoError(t, err)
	return data
}

func TestProcessReplV2(t *testing.T) {
	p := newTestProvider(t)

	records := []struct {
		lid, eid int64
	}{
		{10, 5},
		{10, 6},
		{10, 6}, // duplicate, still success
		{11, 0},
	}

	var seq int64
	for i, rec := range records {
		rm := ReplicatedMessage{
			SourceCluster: "west",
			Topic:         "orders",
			Producer:      "orders-writer-1",
			SequenceID:    seq,
			HasSource:     true,
			SourceLedger:  rec.lid,
			SourceEntry:   rec.eid,
			Payload:       []byte("replicated"),
		}
		seq++
		require.NoError(t, Process(p, encodeRecord(t, rm)), "record %d", i)
	}

	// The remote producer is tracked under the replicator name with the
	// two-coordinate keys
	replicator := cfg.Config.Dedup.ReplicatorPrefix + "west"
	assert.Equal(t, int64(11), p.tp.LastSequenceID(replicator+"_LID"))
	assert.Equal(t, int64(0), p.tp.LastSequenceID(replicator+"_EID"))
}

func TestProcessWithoutSourceFallsBackToV1(t *testing.T) {
	p := newTestProvider(t)

	rm := ReplicatedMessage{
		SourceCluster: "west",
		Topic:         "orders",
		Producer:      "orders-writer-1",
		SequenceID:    3,
		Payload:       []byte("replicated"),
	}
	require.NoError(t, Process(p, encodeRecord(t, rm)))

	// v1 semantics track the original producer name
	assert.Equal(t, int64(3), p.tp.LastSequenceID("orders-writer-1"))

	// Redelivery is absorbed as a duplicate
	require.NoError(t, Process(p, encodeRecord(t, rm)))
	assert.Equal(t, int64(3), p.tp.LastSequenceID("orders-writer-1"))
}

func TestProcessMalformedRecordDropped(t *testing.T) {
	p := newTestProvider(t)
	// Malformed records are dropped, not retried forever
	assert.NoError(t, Process(p, []byte{0xc1}))
}

func TestProcessTopicUnavailable(t *testing.T) {
	rm := ReplicatedMessage{Topic: "orders", Producer: "p", SequenceID: 1}
	err := Process(failingProvider{}, encodeRecord(t, rm))
	assert.Error(t, err)
}

type failingProvider struct{}

func (failingProvider) Topic(string) (*topic.Topic, error) {
	return nil, assert.AnError
}
