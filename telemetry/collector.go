package telemetry

import (
	"sync"
	"time"
)

// DedupStatsProvider is implemented by per-topic deduplication state
type DedupStatsProvider interface {
	DedupStats() (trackedProducers, inactiveProducers int)
}

// TopicLister enumerates loaded topics and their dedup state
type TopicLister interface {
	ListTopics() []string
	GetTopic(name string) DedupStatsProvider
}

// MetricsCollector periodically collects stats and updates telemetry gauges
type MetricsCollector struct {
	topics   TopicLister
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(topics TopicLister, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		topics:   topics,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.topics == nil {
		return
	}

	names := mc.topics.ListTopics()

	var tracked, inactive int
	for _, name := range names {
		provider := mc.topics.GetTopic(name)
		if provider == nil {
			continue
		}

		tr, in := provider.DedupStats()
		tracked += tr
		inactive += in
	}

	TopicsActive.Set(float64(len(names)))
	DedupTrackedProducers.Set(float64(tracked))
	DedupInactiveProducers.Set(float64(inactive))
}
