package dedup

import (
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/petrelmq/petrel/mlog"
	"github.com/petrelmq/petrel/telemetry"
)

// takeSnapshot stores a bounded view of the persisted map as the recovery
// cursor's properties and advances its mark-delete position. Concurrent
// callers are collapsed by a single-flight flag: a snapshot already in
// progress drops the new request instead of queueing it.
func (d *Deduplicator) takeSnapshot(pos mlog.Position, trigger string) {
	if !d.snapshotTaking.CompareAndSwap(false, true) {
		log.Warn().
			Str("topic", d.cfg.TopicName).
			Str("position", pos.String()).
			Msg("There is a pending snapshot when taking snapshot")
		telemetry.DedupSnapshotsTotal.With(trigger, "skipped").Inc()
		return
	}

	cursor := d.cursor.Load()
	if cursor == nil {
		log.Warn().
			Str("topic", d.cfg.TopicName).
			Str("position", pos.String()).
			Msg("Cursor is nil when taking snapshot")
		d.snapshotTaking.Store(false)
		telemetry.DedupSnapshotsTotal.With(trigger, "skipped").Inc()
		return
	}

	snapshot := d.buildSnapshot()
	start := time.Now()
	if err := cursor.MarkDelete(pos, snapshot); err != nil {
		log.Warn().
			Err(err).
			Str("topic", d.cfg.TopicName).
			Str("position", pos.String()).
			Msg("Failed to store new deduplication snapshot")
		d.snapshotTaking.Store(false)
		telemetry.DedupSnapshotsTotal.With(trigger, "failed").Inc()
		return
	}

	d.lastSnapshotTimestamp.Store(time.Now().UnixMilli())
	d.snapshotTaking.Store(false)
	telemetry.DedupSnapshotSeconds.Observe(time.Since(start).Seconds())
	telemetry.DedupSnapshotsTotal.With(trigger, "success").Inc()

	log.Debug().
		Str("topic", d.cfg.TopicName).
		Str("position", pos.String()).
		Int("producers", len(snapshot)).
		Msg("Stored new deduplication snapshot")
}

// buildSnapshot copies up to MaxNumberOfProducers persisted entries in
// deterministic (sorted) key order. Entries beyond the cap are omitted from
// this snapshot; they stay in memory and are re-learned from any log
// entries not yet mark-deleted.
func (d *Deduplicator) buildSnapshot() map[string]int64 {
	keys := make([]string, 0, d.persisted.Size())
	values := make(map[string]int64, d.persisted.Size())
	d.persisted.Range(func(producerName string, seq int64) bool {
		keys = append(keys, producerName)
		values[producerName] = seq
		return true
	})
	sort.Strings(keys)

	if len(keys) > d.cfg.MaxNumberOfProducers {
		keys = keys[:d.cfg.MaxNumberOfProducers]
	}

	snapshot := make(map[string]int64, len(keys))
	for _, k := range keys {
		snapshot[k] = values[k]
	}
	return snapshot
}

// TimerSnapshot is the time-based trigger, invoked by the broker's
// snapshot sweep. It snapshots at the log tail when the configured period
// has elapsed and the log has advanced past the cursor's watermark.
func (d *Deduplicator) TimerSnapshot(now time.Time) {
	if !d.IsEnabled() {
		return
	}

	interval := d.cfg.SnapshotIntervalSeconds
	if interval <= 0 {
		return
	}
	if now.UnixMilli()-d.lastSnapshotTimestamp.Load() < int64(interval)*1000 {
		return
	}

	cursor := d.cursor.Load()
	if cursor == nil {
		return
	}
	pos := d.mlg.LastConfirmedPosition()
	if !pos.After(cursor.MarkDeletedPosition()) {
		return
	}
	d.takeSnapshot(pos, "timer")
}
