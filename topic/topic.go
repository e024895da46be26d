// Package topic implements the durable topic publish pipeline: it runs
// every produced message through replication annotation, duplicate
// classification, the append log write and persistence recording, in
// arrival order, and tracks which producers are connected.
package topic

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/petrelmq/petrel/dedup"
	"github.com/petrelmq/petrel/message"
	"github.com/petrelmq/petrel/mlog"
	"github.com/petrelmq/petrel/telemetry"
)

// Policy is the per-topic configuration resolvable at runtime.
type Policy struct {
	DedupEnabled            bool
	SnapshotIntervalSeconds int
}

// Topic binds one append log to one deduplication engine and serializes
// publishes so per-producer FIFO holds on the dedup path.
type Topic struct {
	name  string
	mlg   *mlog.Log
	dedup *dedup.Deduplicator

	// publishMu is the per-topic single-writer discipline: classify and
	// append happen in arrival order, and the pushed-map side effect is
	// visible before the append is initiated.
	publishMu sync.Mutex

	producersMu sync.Mutex
	producers   map[string]struct{}
}

// New builds a topic over an opened log and a constructed dedup engine.
// The caller is expected to run CheckDedupStatus before publishing.
func New(name string, mlg *mlog.Log, d *dedup.Deduplicator) *Topic {
	return &Topic{
		name:      name,
		mlg:       mlg,
		dedup:     d,
		producers: make(map[string]struct{}),
	}
}

// Name returns the topic name.
func (t *Topic) Name() string {
	return t.name
}

// Log exposes the topic's append log.
func (t *Topic) Log() *mlog.Log {
	return t.mlg
}

// Publish classifies, appends and records one message. The context must
// carry parsed metadata. Chunked and marker handling follow the engine's
// rules; replication annotation happens inside classification.
func (t *Topic) Publish(pc *dedup.PublishContext, payload []byte) Result {
	t.publishMu.Lock()
	defer t.publishMu.Unlock()

	switch t.dedup.Status() {
	case dedup.StatusRecovering, dedup.StatusRemoving, dedup.StatusFailed:
		res := rejected(RejectNotReady, nil)
		telemetry.PublishTotal.With(res.Outcome.String()).Inc()
		return res
	}

	if pc.Metadata.IsMarker() {
		telemetry.MarkerMessagesTotal.Inc()
	}
	t.observeChunk(pc.Metadata)

	switch t.dedup.IsDuplicate(pc) {
	case dedup.Dup:
		res := duplicate(pc.SequenceID, t.dedup.LastPushedSequenceID(pc.ProducerName))
		telemetry.PublishTotal.With(res.Outcome.String()).Inc()
		return res
	case dedup.DupUnknown:
		res := indeterminate(pc.SequenceID)
		telemetry.PublishTotal.With(res.Outcome.String()).Inc()
		return res
	}

	data, err := message.Encode(*pc.Metadata, payload)
	if err != nil {
		res := rejected(RejectMetadata, err)
		telemetry.PublishTotal.With(res.Outcome.String()).Inc()
		return res
	}

	start := time.Now()
	pos, err := t.mlg.Append(data)
	if err != nil {
		log.Error().
			Err(err).
			Str("topic", t.name).
			Str("producer", pc.ProducerName).
			Int64("sequence_id", pc.SequenceID).
			Msg("Failed to append message")

		// The acceptance recorded in the pushed map never became
		// durable. Publishes are serialized, so no write is in flight
		// and the pushed map can be re-seeded from persisted state.
		t.dedup.ResetHighestSequenceIDPushed()

		res := rejected(RejectAppendFailed, err)
		telemetry.PublishTotal.With(res.Outcome.String()).Inc()
		return res
	}
	telemetry.PublishAppendSeconds.Observe(time.Since(start).Seconds())
	telemetry.PublishBytesTotal.Add(float64(len(payload)))

	t.dedup.RecordPersisted(pc, pos)

	res := accepted(pos, pc.SequenceID)
	telemetry.PublishTotal.With(res.Outcome.String()).Inc()
	return res
}

func (t *Topic) observeChunk(md *message.Metadata) {
	if !md.IsChunked() {
		return
	}
	switch {
	case md.ChunkID == 0:
		telemetry.ChunkedMessagesTotal.With("first").Inc()
	case md.IsLastChunk():
		telemetry.ChunkedMessagesTotal.With("last").Inc()
	default:
		telemetry.ChunkedMessagesTotal.With("middle").Inc()
	}
}

// ProducerConnected registers a producer session and clears its inactivity
// mark.
func (t *Topic) ProducerConnected(producerName string) {
	t.producersMu.Lock()
	_, known := t.producers[producerName]
	t.producers[producerName] = struct{}{}
	t.producersMu.Unlock()

	if !known {
		telemetry.ProducersConnected.Inc()
	}
	t.dedup.ProducerAdded(producerName)
}

// ProducerDisconnected removes a producer session and starts its
// inactivity clock.
func (t *Topic) ProducerDisconnected(producerName string) {
	t.producersMu.Lock()
	_, known := t.producers[producerName]
	delete(t.producers, producerName)
	t.producersMu.Unlock()

	if known {
		telemetry.ProducersConnected.Dec()
	}
	t.dedup.ProducerRemoved(producerName)
}

// IsProducerConnected reports whether a producer session is registered.
func (t *Topic) IsProducerConnected(producerName string) bool {
	t.producersMu.Lock()
	defer t.producersMu.Unlock()
	_, ok := t.producers[producerName]
	return ok
}

// LastSequenceID returns the highest accepted sequence id for a producer,
// or -1. Used in produce session handshakes.
func (t *Topic) LastSequenceID(producerName string) int64 {
	return t.dedup.LastPushedSequenceID(producerName)
}

// UpdatePolicy applies the dedup enablement of a per-topic policy and
// reconciles the dedup state machine. The policy's snapshot interval is not
// applied to the running engine.
func (t *Topic) UpdatePolicy(p Policy) {
	t.dedup.SetEnabled(p.DedupEnabled)
	t.dedup.CheckStatus()
}

// CheckDedupStatus reconciles the dedup state machine against its
// configured target.
func (t *Topic) CheckDedupStatus() {
	t.dedup.CheckStatus()
}

// TimerSnapshot forwards the time-based snapshot trigger.
func (t *Topic) TimerSnapshot(now time.Time) {
	t.dedup.TimerSnapshot(now)
}

// PurgeInactiveProducers forwards the inactivity sweep.
func (t *Topic) PurgeInactiveProducers(now time.Time) {
	t.dedup.PurgeInactiveProducers(now)
}

// DedupStats implements telemetry.DedupStatsProvider.
func (t *Topic) DedupStats() (trackedProducers, inactiveProducers int) {
	return t.dedup.DedupStats()
}
