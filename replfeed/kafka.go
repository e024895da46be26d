// Package replfeed consumes the geo-replication feed from a source
// cluster over Kafka and republishes each record into the local topic as a
// remote producer. The feed stamps the source ledger coordinates on the
// message properties so the deduplication engine can order replicated
// messages by origin position.
package replfeed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/petrelmq/petrel/cfg"
	"github.com/petrelmq/petrel/dedup"
	"github.com/petrelmq/petrel/encoding"
	"github.com/petrelmq/petrel/message"
	"github.com/petrelmq/petrel/telemetry"
	"github.com/petrelmq/petrel/topic"
)

const retryBackoff = time.Second

// ReplicatedMessage is one record on the replication feed.
type ReplicatedMessage struct {
	SourceCluster     string            `msgpack:"sc"`
	Topic             string            `msgpack:"t"`
	Producer          string            `msgpack:"p"` // original producer name
	SequenceID        int64             `msgpack:"s"`
	HighestSequenceID int64             `msgpack:"h"`
	MarkerType        int32             `msgpack:"m"`

	// Source ledger coordinates; HasSource gates the repl-v2 dedup path.
	HasSource    bool  `msgpack:"hs"`
	SourceLedger int64 `msgpack:"sl"`
	SourceEntry  int64 `msgpack:"se"`

	Properties map[string]string `msgpack:"props,omitempty"`
	Payload    []byte            `msgpack:"pl"`
}

// TopicProvider resolves topics by name; the broker implements it.
type TopicProvider interface {
	Topic(name string) (*topic.Topic, error)
}

// Feed drains the replication topic and publishes into local topics.
type Feed struct {
	topics TopicProvider
	reader *kafka.Reader

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFeed builds a Kafka reader from configuration.
func NewFeed(topics TopicProvider) *Feed {
	return &Feed{
		topics: topics,
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Config.ReplFeed.Brokers,
			GroupID:  cfg.Config.ReplFeed.Group,
			Topic:    cfg.Config.ReplFeed.KafkaTopic,
			MinBytes: cfg.Config.ReplFeed.MinBytes,
			MaxBytes: cfg.Config.ReplFeed.MaxBytes,
		}),
	}
}

// Start launches the consume loop.
func (f *Feed) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel

	f.wg.Add(1)
	go f.consumeLoop(ctx)

	log.Info().
		Str("kafka_topic", cfg.Config.ReplFeed.KafkaTopic).
		Strs("brokers", cfg.Config.ReplFeed.Brokers).
		Msg("Replication feed started")
}

// Stop cancels the consume loop and closes the reader.
func (f *Feed) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()
	if err := f.reader.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close replication feed reader")
	}
}

func (f *Feed) consumeLoop(ctx context.Context) {
	defer f.wg.Done()

	for {
		msg, err := f.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("Replication feed fetch failed")
			if !sleepCtx(ctx, retryBackoff) {
				return
			}
			continue
		}

		// Offsets are committed only once the local outcome is known;
		// a broker crash between publish and commit redelivers the
		// record, which dedup absorbs.
		for {
			err := Process(f.topics, msg.Value)
			if err == nil {
				break
			}
			log.Warn().
				Err(err).
				Int64("offset", msg.Offset).
				Msg("Replicated message not applied, retrying")
			if !sleepCtx(ctx, retryBackoff) {
				return
			}
		}

		if err := f.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Int64("offset", msg.Offset).Msg("Failed to commit replication feed offset")
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Process decodes one feed record and publishes it locally. A Duplicate
// outcome is success: the message was already applied. Indeterminate and
// Rejected outcomes are errors so the caller retries without committing
// the offset.
func Process(topics TopicProvider, data []byte) error {
	var rm ReplicatedMessage
	if err := encoding.Unmarshal(data, &rm); err != nil {
		telemetry.IngressRequestsTotal.With("replfeed", "malformed").Inc()
		// Malformed records cannot succeed on retry; drop with a log
		log.Error().Err(err).Msg("Dropping malformed replication feed record")
		return nil
	}

	t, err := topics.Topic(rm.Topic)
	if err != nil {
		return fmt.Errorf("topic %s unavailable: %w", rm.Topic, err)
	}

	res := t.Publish(contextFromReplicated(&rm), rm.Payload)
	telemetry.IngressRequestsTotal.With("replfeed", res.Outcome.String()).Inc()

	switch res.Outcome {
	case topic.OutcomeAccepted, topic.OutcomeDuplicate:
		return nil
	case topic.OutcomeIndeterminate:
		return fmt.Errorf("indeterminate outcome for %s seq %d", rm.Producer, rm.SequenceID)
	default:
		return fmt.Errorf("publish rejected (%s): %v", res.Kind, res.Err)
	}
}

// contextFromReplicated maps a feed record onto the publish pipeline's
// context: the session producer is the replicator, the metadata keeps the
// original producer, and the source position property enables repl-v2
// classification when coordinates are present.
func contextFromReplicated(rm *ReplicatedMessage) *dedup.PublishContext {
	props := make(map[string]string, len(rm.Properties)+1)
	for k, v := range rm.Properties {
		props[k] = v
	}
	if rm.HasSource {
		props[message.PropReplSourcePosition] = message.FormatReplSourcePosition(rm.SourceLedger, rm.SourceEntry)
	}

	md := &message.Metadata{
		ProducerName:      rm.Producer,
		SequenceID:        rm.SequenceID,
		HighestSequenceID: rm.HighestSequenceID,
		MarkerType:        rm.MarkerType,
		Properties:        props,
	}
	md.Normalize()

	return &dedup.PublishContext{
		ProducerName:                 cfg.Config.Dedup.ReplicatorPrefix + rm.SourceCluster,
		SequenceID:                   rm.SequenceID,
		HighestSequenceID:            rm.HighestSequenceID,
		SupportsReplDedupByLidAndEid: rm.HasSource,
		Metadata:                     md,
	}
}
