package dedup

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/petrelmq/petrel/message"
	"github.com/petrelmq/petrel/mlog"
	"github.com/petrelmq/petrel/telemetry"
)

// CheckStatus reconciles the engine's status against the configured target
// state. Transition work (cursor open/delete, replay) runs on the shared
// executor so one topic's recovery never blocks another's publishes. When a
// transition is already in flight the call returns immediately; the next
// status sweep re-checks.
func (d *Deduplicator) CheckStatus() {
	shouldBeEnabled := d.enabled.Load()

	d.statusMu.Lock()
	defer d.statusMu.Unlock()

	switch st := d.Status(); {
	case st == StatusRecovering || st == StatusRemoving:
		// Transition in flight; defer to the next check
		return

	case st == StatusEnabled && !shouldBeEnabled,
		(st == StatusInitialized || st == StatusFailed) && !shouldBeEnabled:
		d.setStatus(StatusRemoving)
		d.executor.Submit(d.disableTask)

	case (st == StatusInitialized || st == StatusDisabled || st == StatusFailed) && shouldBeEnabled:
		d.setStatus(StatusRecovering)
		d.executor.Submit(d.recoverTask)
	}
}

// disableTask deletes the recovery cursor and clears all tracking state.
// A missing cursor counts as success.
func (d *Deduplicator) disableTask() {
	if err := d.mlg.DeleteCursor(CursorName); err != nil && !errors.Is(err, mlog.ErrCursorNotFound) {
		log.Error().
			Err(err).
			Str("topic", d.cfg.TopicName).
			Msg("Failed to delete deduplication cursor")
		d.setStatus(StatusFailed)
		return
	}

	d.cursor.Store(nil)
	d.pushedMu.Lock()
	d.pushed = make(map[string]int64)
	d.pushedMu.Unlock()
	d.persisted.Clear()

	d.setStatus(StatusDisabled)
	log.Info().Str("topic", d.cfg.TopicName).Msg("Disabled deduplication")
}

// recoverTask opens the recovery cursor, seeds the sequence maps from the
// stored snapshot, then replays every entry between the cursor's
// mark-delete position and the log tail. Replay is idempotent: every step
// only advances watermarks, so a crash mid-recovery is survivable.
func (d *Deduplicator) recoverTask() {
	start := time.Now()

	cursor, err := d.mlg.OpenCursor(CursorName)
	if err != nil {
		log.Error().
			Err(err).
			Str("topic", d.cfg.TopicName).
			Msg("Failed to open deduplication cursor")
		d.setStatus(StatusFailed)
		return
	}
	d.cursor.Store(cursor)

	// Seed both maps from the snapshot in the cursor properties. Each
	// producer starts out inactive; a later connect clears the mark.
	snapshot := cursor.Properties()
	now := time.Now().UnixMilli()
	d.pushedMu.Lock()
	for name, seq := range snapshot {
		d.pushed[name] = seq
	}
	d.pushedMu.Unlock()
	for name, seq := range snapshot {
		d.persisted.Store(name, seq)
		d.inactiveProducers.Store(name, now)
	}

	entries := 0
	last, replayed, err := d.mlg.ReplayRange(cursor, func(_ mlog.Position, payload []byte) error {
		md, _, err := message.Decode(payload)
		if err != nil {
			return err
		}
		seq := md.SequenceID
		if md.HighestSequenceID > seq {
			seq = md.HighestSequenceID
		}

		d.pushedMu.Lock()
		d.pushed[md.ProducerName] = seq
		d.pushedMu.Unlock()
		d.persisted.Store(md.ProducerName, seq)
		d.inactiveProducers.Store(md.ProducerName, now)

		entries++
		return nil
	})
	if err != nil {
		log.Error().
			Err(err).
			Str("topic", d.cfg.TopicName).
			Msg("Failed to replay entries for deduplication")
		d.setStatus(StatusFailed)
		return
	}

	telemetry.DedupReplayEntriesTotal.Add(float64(entries))
	telemetry.DedupReplaySeconds.Observe(time.Since(start).Seconds())

	if replayed {
		d.snapshotCounter = entries
		if d.snapshotCounter >= d.cfg.SnapshotInterval {
			d.snapshotCounter = 0
			d.takeSnapshot(last, "replay")
		}
	}

	d.setStatus(StatusEnabled)
	log.Info().
		Str("topic", d.cfg.TopicName).
		Int("replayed_entries", entries).
		Dur("took", time.Since(start)).
		Msg("Enabled deduplication")
}

// ProducerAdded is invoked whenever a producer connects.
func (d *Deduplicator) ProducerAdded(producerName string) {
	if !d.IsEnabled() {
		return
	}

	// Producer is no longer inactive
	d.inactiveProducers.Delete(producerName)
}

// ProducerRemoved is invoked whenever a producer disconnects.
func (d *Deduplicator) ProducerRemoved(producerName string) {
	if !d.IsEnabled() {
		return
	}

	// Producer is no longer active
	d.inactiveProducers.Store(producerName, time.Now().UnixMilli())
}

// PurgeInactiveProducers drops tracking state for producers that have been
// disconnected longer than the inactivity timeout, then persists the
// removals with a snapshot so the next recovery's footprint shrinks too.
func (d *Deduplicator) PurgeInactiveProducers(now time.Time) {
	d.purgeMu.Lock()
	defer d.purgeMu.Unlock()

	// When dedup is off, just keep the inactivity map from growing
	if !d.IsEnabled() {
		d.inactiveProducers.Clear()
		return
	}

	cutoff := now.Add(-d.cfg.InactivityTimeout).UnixMilli()
	purged := 0
	d.inactiveProducers.Range(func(producerName string, lastActive int64) bool {
		if lastActive >= cutoff {
			return true
		}
		log.Info().
			Str("topic", d.cfg.TopicName).
			Str("producer", producerName).
			Msg("Purging dedup information for producer")

		d.inactiveProducers.Delete(producerName)
		d.pushedMu.Lock()
		delete(d.pushed, producerName)
		delete(d.pushed, producerName+lidKeySuffix)
		delete(d.pushed, producerName+eidKeySuffix)
		d.pushedMu.Unlock()
		d.persisted.Delete(producerName)
		d.persisted.Delete(producerName + lidKeySuffix)
		d.persisted.Delete(producerName + eidKeySuffix)
		purged++
		return true
	})

	if purged > 0 {
		telemetry.DedupPurgedProducersTotal.Add(float64(purged))
		if cursor := d.cursor.Load(); cursor != nil {
			d.takeSnapshot(cursor.MarkDeletedPosition(), "purge")
		}
	}
}
