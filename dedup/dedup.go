// Package dedup implements broker-side message deduplication for one
// durable topic: sequence tracking per producer, replication-aware
// classification, crash recovery by log replay, and bounded snapshots
// stored in the recovery cursor's properties.
package dedup

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/petrelmq/petrel/message"
	"github.com/petrelmq/petrel/mlog"
	"github.com/petrelmq/petrel/telemetry"
)

// CursorName is the recovery cursor every dedup-enabled topic holds on its
// append log.
const CursorName = "petrel.dedup"

// Key suffixes for the two-coordinate tracking of repl-v2 producers.
const (
	lidKeySuffix = "_LID"
	eidKeySuffix = "_EID"
)

// Executor runs replay and snapshot work off the publish path. The broker
// provides a shared bounded pool.
type Executor interface {
	Submit(task func())
}

// Config carries the per-topic deduplication settings resolved from broker
// defaults and topic policy overrides.
type Config struct {
	TopicName string

	// Enabled is the configured target state; CheckStatus reconciles the
	// engine toward it.
	Enabled bool

	// SnapshotInterval is the number of persisted entries between
	// snapshots.
	SnapshotInterval int

	// MaxNumberOfProducers caps the snapshot size.
	MaxNumberOfProducers int

	// SnapshotIntervalSeconds drives time-based snapshots; zero or
	// negative disables them.
	SnapshotIntervalSeconds int

	// InactivityTimeout is how long a disconnected producer's state is
	// retained.
	InactivityTimeout time.Duration

	// ReplicatorPrefix marks remote producers by name prefix.
	ReplicatorPrefix string
}

// Deduplicator owns the dedup state machine for a single topic. It is safe
// for concurrent use; the publish pipeline additionally serializes
// classification and append per topic so sequence ids cannot be observed
// out of order.
type Deduplicator struct {
	mlg      *mlog.Log
	cfg      Config
	executor Executor

	status   atomic.Int32
	statusMu sync.Mutex // serializes CheckStatus decisions
	enabled  atomic.Bool

	// pushed holds the highest sequence id accepted for append per
	// producer. The mutex covers read-decide-write as one step and is
	// never held across I/O.
	pushedMu sync.Mutex
	pushed   map[string]int64

	// persisted holds the highest sequence id confirmed appended per
	// producer. Writers take max, so racing updates are commutative; the
	// _LID/_EID pair of a repl-v2 producer advances together in
	// lexicographic order.
	persisted *xsync.MapOf[string, int64]

	cursor atomic.Pointer[mlog.Cursor]

	// snapshotCounter is only touched from the serialized
	// record-persisted path and from recovery (before Enabled).
	snapshotCounter       int
	lastSnapshotTimestamp atomic.Int64 // unix milliseconds
	snapshotTaking        atomic.Bool

	// inactiveProducers tracks disconnected producers by last-active
	// timestamp (unix milliseconds) for the periodic purge.
	inactiveProducers *xsync.MapOf[string, int64]
	purgeMu           sync.Mutex
}

// New creates a deduplicator in the Initialized state. CheckStatus must be
// called to reconcile against configuration.
func New(mlg *mlog.Log, cfg Config, executor Executor) *Deduplicator {
	d := &Deduplicator{
		mlg:               mlg,
		cfg:               cfg,
		executor:          executor,
		pushed:            make(map[string]int64),
		persisted:         xsync.NewMapOf[string, int64](),
		inactiveProducers: xsync.NewMapOf[string, int64](),
	}
	d.status.Store(int32(StatusInitialized))
	d.enabled.Store(cfg.Enabled)
	return d
}

// Status returns the current lifecycle state.
func (d *Deduplicator) Status() Status {
	return Status(d.status.Load())
}

// IsEnabled reports whether deduplication is in effect.
func (d *Deduplicator) IsEnabled() bool {
	return d.Status() == StatusEnabled
}

// SetEnabled updates the configured target state. CheckStatus applies it.
func (d *Deduplicator) SetEnabled(enabled bool) {
	d.enabled.Store(enabled)
}

func (d *Deduplicator) setStatus(to Status) {
	from := Status(d.status.Swap(int32(to)))
	if from != to {
		telemetry.DedupStatusTransitionsTotal.With(from.String(), to.String()).Inc()
	}
}

// isRemote reports whether a producer name matches the replicator prefix.
func (d *Deduplicator) isRemote(producerName string) bool {
	return strings.HasPrefix(producerName, d.cfg.ReplicatorPrefix)
}

// IsDuplicate classifies a message before it is appended. The pushed map is
// advanced here, before the append is initiated, so a racing retry of the
// same sequence id observes the acceptance.
func (d *Deduplicator) IsDuplicate(pc *PublishContext) DupStatus {
	d.annotateReplication(pc)
	if !d.IsEnabled() || pc.Metadata.IsMarker() {
		return NotDup
	}
	if d.isRemote(pc.ProducerName) {
		if pc.SupportsReplDedupByLidAndEid && pc.hasReplSource {
			return d.isDuplicateReplV2(pc)
		}
		return d.isDuplicateReplV1(pc)
	}
	return d.isDuplicateNormal(pc, false)
}

// annotateReplication stamps replication facts on the context: marker
// recognition for broker-generated messages, and the parsed source
// position for replicated ones. Malformed source positions are logged and
// ignored; classification falls back to v1.
func (d *Deduplicator) annotateReplication(pc *PublishContext) {
	md := pc.Metadata
	if md.IsMarker() {
		if message.IsReplicationMarker(md.MarkerType) {
			pc.isReplMarker = true
		}
		return
	}

	if !d.isRemote(pc.ProducerName) {
		return
	}
	raw, present := md.Properties[message.PropReplSourcePosition]
	if !present {
		return
	}
	lid, eid, ok := message.ParseReplSourcePosition(raw)
	if !ok {
		log.Warn().
			Str("topic", d.cfg.TopicName).
			Str("producer", pc.ProducerName).
			Str("value", raw).
			Msgf("Unexpected %s property", message.PropReplSourcePosition)
		return
	}
	pc.replSourceLid = lid
	pc.replSourceEid = eid
	pc.hasReplSource = true
}

// isDuplicateReplV1 recovers the original producer name and sequence id
// from the entry metadata (the replicator rewrites the session-level ones)
// and runs the normal algorithm against those.
func (d *Deduplicator) isDuplicateReplV1(pc *PublishContext) DupStatus {
	md := pc.Metadata
	pc.originalProducerName = md.ProducerName
	pc.originalSequenceID = md.SequenceID
	pc.originalHighestSequenceID = md.HighestSequenceID
	return d.isDuplicateNormal(pc, true)
}

// isDuplicateReplV2 orders replicated messages by their source ledger
// coordinates, tracked as a two-key pair per remote producer.
func (d *Deduplicator) isDuplicateReplV2(pc *PublishContext) DupStatus {
	newLid, newEid := pc.replSourceLid, pc.replSourceEid
	lidKey := pc.ProducerName + lidKeySuffix
	eidKey := pc.ProducerName + eidKeySuffix

	d.pushedMu.Lock()
	defer d.pushedMu.Unlock()

	lastLid, hasLid := d.pushed[lidKey]
	lastEid, hasEid := d.pushed[eidKey]
	if hasLid && hasEid && lexLessOrEqual(newLid, newEid, lastLid, lastEid) {
		persLid, hasPersLid := d.persisted.Load(lidKey)
		persEid, hasPersEid := d.persisted.Load(eidKey)
		if hasPersLid && hasPersEid && lexLessOrEqual(newLid, newEid, persLid, persEid) {
			return Dup
		}
		return DupUnknown
	}

	d.pushed[lidKey] = newLid
	d.pushed[eidKey] = newEid
	return NotDup
}

// lexLessOrEqual reports (aL, aE) <= (bL, bE) in lexicographic order.
func lexLessOrEqual(aL, aE, bL, bE int64) bool {
	return aL < bL || (aL == bL && aE <= bE)
}

// isDuplicateNormal classifies by per-producer sequence id. All chunks of a
// chunked message share one sequence id, so only the last chunk consults
// and updates the maps.
func (d *Deduplicator) isDuplicateNormal(pc *PublishContext, useOriginal bool) DupStatus {
	producerName := pc.ProducerName
	sequenceID := pc.SequenceID
	highestSequenceID := pc.effectiveHighest()
	if useOriginal {
		producerName = pc.originalProducerName
		sequenceID = pc.originalSequenceID
		if pc.originalHighestSequenceID > sequenceID {
			highestSequenceID = pc.originalHighestSequenceID
		} else {
			highestSequenceID = sequenceID
		}
	}

	md := pc.Metadata
	if md.IsChunked() && !md.IsLastChunk() {
		pc.setLastChunk(false)
		return NotDup
	}

	d.pushedMu.Lock()
	lastSequenceIDPushed, hasPushed := d.pushed[producerName]
	if hasPushed && sequenceID <= lastSequenceIDPushed {
		d.pushedMu.Unlock()
		log.Debug().
			Str("topic", d.cfg.TopicName).
			Str("producer", producerName).
			Int64("sequence_id", sequenceID).
			Int64("highest_pushed", lastSequenceIDPushed).
			Msg("Message identified as duplicated")

		// A sequence id at or below the persisted watermark is
		// definitely a duplicate. Between persisted and pushed the
		// outcome of the earlier append is not durable yet, so the
		// producer has to retry later.
		lastSequenceIDPersisted, hasPersisted := d.persisted.Load(producerName)
		if hasPersisted && sequenceID <= lastSequenceIDPersisted {
			return Dup
		}
		return DupUnknown
	}
	d.pushed[producerName] = highestSequenceID
	d.pushedMu.Unlock()

	if md.IsChunked() && md.IsLastChunk() {
		pc.setLastChunk(true)
	}
	return NotDup
}

// RecordPersisted is invoked after a successful append to advance the
// persisted map and to give the entry-count trigger a chance to snapshot.
func (d *Deduplicator) RecordPersisted(pc *PublishContext, pos mlog.Position) {
	if !d.IsEnabled() || pc.Metadata.IsMarker() {
		return
	}
	if d.isRemote(pc.ProducerName) && pc.SupportsReplDedupByLidAndEid && pc.hasReplSource {
		d.recordPersistedRepl(pc, pos)
		return
	}
	d.recordPersistedNormal(pc, pos)
}

// recordPersistedRepl advances the _LID/_EID pair together: the stored pair
// is replaced only when the new (lid, eid) is not lexicographically below it.
func (d *Deduplicator) recordPersistedRepl(pc *PublishContext, pos mlog.Position) {
	lidKey := pc.ProducerName + lidKeySuffix
	eidKey := pc.ProducerName + eidKeySuffix

	d.pushedMu.Lock()
	persLid, hasLid := d.persisted.Load(lidKey)
	persEid, hasEid := d.persisted.Load(eidKey)
	if !hasLid || !hasEid || lexLessOrEqual(persLid, persEid, pc.replSourceLid, pc.replSourceEid) {
		d.persisted.Store(lidKey, pc.replSourceLid)
		d.persisted.Store(eidKey, pc.replSourceEid)
	}
	d.pushedMu.Unlock()

	d.bumpSnapshotCounter(pos)
}

func (d *Deduplicator) recordPersistedNormal(pc *PublishContext, pos mlog.Position) {
	producerName := pc.ProducerName
	highest := pc.effectiveHighest()
	if pc.originalProducerName != "" {
		producerName = pc.originalProducerName
		highest = pc.originalSequenceID
		if pc.originalHighestSequenceID > highest {
			highest = pc.originalHighestSequenceID
		}
	}

	if last, ok := pc.IsLastChunk(); !ok || last {
		d.storePersistedMax(producerName, highest)
	}
	d.bumpSnapshotCounter(pos)
}

// storePersistedMax advances a persisted entry monotonically.
func (d *Deduplicator) storePersistedMax(key string, value int64) {
	d.persisted.Compute(key, func(old int64, loaded bool) (int64, bool) {
		if loaded && old > value {
			return old, false
		}
		return value, false
	})
}

func (d *Deduplicator) bumpSnapshotCounter(pos mlog.Position) {
	d.snapshotCounter++
	if d.snapshotCounter >= d.cfg.SnapshotInterval {
		d.snapshotCounter = 0
		d.takeSnapshot(pos, "interval")
	}
}

// LastPushedSequenceID returns the highest accepted sequence id for a
// producer, or -1 when none is tracked. Used in producer reconnect
// handshakes.
func (d *Deduplicator) LastPushedSequenceID(producerName string) int64 {
	d.pushedMu.Lock()
	defer d.pushedMu.Unlock()
	if seq, ok := d.pushed[producerName]; ok {
		return seq
	}
	return -1
}

// ResetHighestSequenceIDPushed re-seeds the pushed map from persisted
// state. Called after an append failure so retries of the failed sequence
// id are not stuck behind an acceptance that never became durable.
func (d *Deduplicator) ResetHighestSequenceIDPushed() {
	if !d.IsEnabled() {
		return
	}

	d.pushedMu.Lock()
	defer d.pushedMu.Unlock()
	d.pushed = make(map[string]int64)
	d.persisted.Range(func(producer string, seq int64) bool {
		d.pushed[producer] = seq
		return true
	})
}

// DedupStats reports tracked and inactive producer counts for telemetry.
func (d *Deduplicator) DedupStats() (trackedProducers, inactiveProducers int) {
	d.pushedMu.Lock()
	trackedProducers = len(d.pushed)
	d.pushedMu.Unlock()
	return trackedProducers, d.inactiveProducers.Size()
}
