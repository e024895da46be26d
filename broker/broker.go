// Package broker ties the pieces of a node together: the shared pebble
// instance, per-topic append logs and dedup engines, the worker pool, and
// the periodic sweeps driving snapshots, purges and log truncation.
package broker

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/petrelmq/petrel/cfg"
	"github.com/petrelmq/petrel/dedup"
	"github.com/petrelmq/petrel/mlog"
	"github.com/petrelmq/petrel/telemetry"
	"github.com/petrelmq/petrel/topic"
)

// Pebble configuration constants, tuned for sequential append writes
const (
	memTableSize                = 64 << 20 // 64MB
	memTableStopWritesThreshold = 4
	l0CompactionThreshold       = 2
	l0StopWritesThreshold       = 12
	lBaseMaxBytes               = 256 << 20 // 256MB
	maxConcurrentCompactions    = 3
)

// Sweep cadences for the periodic maintenance loops
const (
	statusSweepInterval   = time.Minute
	snapshotSweepInterval = 5 * time.Second
	truncateSweepInterval = time.Minute
)

// Default worker pool sizing
const (
	defaultPoolWorkers = 4
	defaultPoolQueue   = 64
)

// Broker owns the storage engine and the loaded topics of one node.
type Broker struct {
	db   *pebble.DB
	pool *Pool

	topics   *xsync.MapOf[string, *topic.Topic]
	createMu sync.Mutex

	stopCh  chan struct{}
	sweepWg sync.WaitGroup
}

// Open opens the node's storage engine and prepares an empty topic
// registry.
func Open() (*Broker, error) {
	opts := &pebble.Options{
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		L0CompactionThreshold:       l0CompactionThreshold,
		L0StopWritesThreshold:       l0StopWritesThreshold,
		LBaseMaxBytes:               lBaseMaxBytes,
		MaxConcurrentCompactions:    func() int { return maxConcurrentCompactions },
		DisableWAL:                  false,
	}

	path := filepath.Join(cfg.Config.DataDir, "log")
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage engine at %s: %w", path, err)
	}

	return &Broker{
		db:     db,
		pool:   NewPool(defaultPoolWorkers, defaultPoolQueue),
		topics: xsync.NewMapOf[string, *topic.Topic](),
		stopCh: make(chan struct{}),
	}, nil
}

// Topic returns the loaded topic with the given name, creating it on first
// use. Creation resolves the effective policy, opens the topic's append
// log and reconciles the dedup engine.
func (b *Broker) Topic(name string) (*topic.Topic, error) {
	if t, ok := b.topics.Load(name); ok {
		return t, nil
	}

	b.createMu.Lock()
	defer b.createMu.Unlock()

	// Double-check after acquiring the creation lock
	if t, ok := b.topics.Load(name); ok {
		return t, nil
	}

	policy := ResolvePolicy(name)

	l, err := mlog.Open(b.db, name, mlog.Options{
		SegmentSize:      cfg.Config.Log.SegmentSize,
		CompressMinBytes: cfg.Config.Log.CompressMinBytes,
		EntryCacheSize:   cfg.Config.Log.EntryCacheSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open log for topic %s: %w", name, err)
	}

	d := dedup.New(l, dedup.Config{
		TopicName:               name,
		Enabled:                 policy.DedupEnabled,
		SnapshotInterval:        cfg.Config.Dedup.EntriesInterval,
		MaxNumberOfProducers:    cfg.Config.Dedup.MaxNumberOfProducers,
		SnapshotIntervalSeconds: policy.SnapshotIntervalSeconds,
		InactivityTimeout:       time.Duration(cfg.Config.Dedup.ProducerInactivityTimeoutMinutes) * time.Minute,
		ReplicatorPrefix:        cfg.Config.Dedup.ReplicatorPrefix,
	}, b.pool)

	t := topic.New(name, l, d)
	t.CheckDedupStatus()
	b.topics.Store(name, t)

	log.Info().
		Str("topic", name).
		Bool("dedup_enabled", policy.DedupEnabled).
		Msg("Loaded topic")
	return t, nil
}

// ResolvePolicy combines broker defaults with the first matching per-topic
// override.
func ResolvePolicy(topicName string) topic.Policy {
	p := topic.Policy{
		DedupEnabled:            cfg.Config.Dedup.Enabled,
		SnapshotIntervalSeconds: cfg.Config.Dedup.SnapshotIntervalSeconds,
	}
	if override := cfg.TopicPolicyFor(topicName); override != nil {
		if override.DedupEnabled != nil {
			p.DedupEnabled = *override.DedupEnabled
		}
		if override.SnapshotIntervalSeconds != nil {
			p.SnapshotIntervalSeconds = *override.SnapshotIntervalSeconds
		}
	}
	return p
}

// ListTopics implements telemetry.TopicLister.
func (b *Broker) ListTopics() []string {
	names := make([]string, 0, b.topics.Size())
	b.topics.Range(func(name string, _ *topic.Topic) bool {
		names = append(names, name)
		return true
	})
	return names
}

// GetTopic implements telemetry.TopicLister.
func (b *Broker) GetTopic(name string) telemetry.DedupStatsProvider {
	t, ok := b.topics.Load(name)
	if !ok {
		return nil
	}
	return t
}

// StartSweeps launches the periodic maintenance loops: dedup status
// re-checks, time-based snapshots, inactive-producer purges and log
// truncation behind the slowest cursor.
func (b *Broker) StartSweeps() {
	purgeInterval := time.Duration(cfg.Config.Dedup.PurgeIntervalMinutes) * time.Minute

	b.runSweep(statusSweepInterval, func(time.Time) {
		b.eachTopic(func(t *topic.Topic) { t.CheckDedupStatus() })
	})
	b.runSweep(snapshotSweepInterval, func(now time.Time) {
		b.eachTopic(func(t *topic.Topic) { t.TimerSnapshot(now) })
	})
	b.runSweep(purgeInterval, func(now time.Time) {
		b.eachTopic(func(t *topic.Topic) { t.PurgeInactiveProducers(now) })
	})
	b.runSweep(truncateSweepInterval, func(time.Time) {
		b.eachTopic(func(t *topic.Topic) {
			if pos, ok := t.Log().MinMarkDeletedPosition(); ok && pos.After(mlog.Earliest) {
				if err := t.Log().TruncateBefore(pos); err != nil {
					log.Warn().Err(err).Str("topic", t.Name()).Msg("Log truncation failed")
				}
			}
		})
	})
}

func (b *Broker) runSweep(interval time.Duration, fn func(now time.Time)) {
	b.sweepWg.Add(1)
	go func() {
		defer b.sweepWg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case now := <-ticker.C:
				fn(now)
			case <-b.stopCh:
				return
			}
		}
	}()
}

func (b *Broker) eachTopic(fn func(*topic.Topic)) {
	b.topics.Range(func(_ string, t *topic.Topic) bool {
		fn(t)
		return true
	})
}

// Close stops the sweeps, the worker pool and the storage engine.
func (b *Broker) Close() error {
	close(b.stopCh)
	b.sweepWg.Wait()
	b.pool.Close()

	b.eachTopic(func(t *topic.Topic) {
		if err := t.Log().Close(); err != nil {
			log.Warn().Err(err).Str("topic", t.Name()).Msg("Failed to close topic log")
		}
	})

	return b.db.Close()
}
