// Package ingress exposes the produce endpoint over NATS request-reply.
// Producers publish msgpack-framed requests on
// "<prefix>.produce.<topic>" and receive a msgpack acknowledgement; the
// "<prefix>.producer.connect" and "<prefix>.producer.disconnect" control
// subjects feed the producer registry.
package ingress

import (
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/petrelmq/petrel/cfg"
	"github.com/petrelmq/petrel/dedup"
	"github.com/petrelmq/petrel/encoding"
	"github.com/petrelmq/petrel/message"
	"github.com/petrelmq/petrel/telemetry"
	"github.com/petrelmq/petrel/topic"
)

// ProduceRequest is one produced message as framed on the wire.
type ProduceRequest struct {
	Producer          string            `msgpack:"p"`
	SequenceID        int64             `msgpack:"s"`
	HighestSequenceID int64             `msgpack:"h"`
	ChunkID           int32             `msgpack:"c"`
	NumChunks         int32             `msgpack:"n"`
	MarkerType        int32             `msgpack:"m"`
	SupportsReplDedup bool              `msgpack:"v2"`
	Properties        map[string]string `msgpack:"props,omitempty"`
	Payload           []byte            `msgpack:"pl"`
}

// ProduceAck is the broker's reply. Outcome values mirror topic.Outcome.
type ProduceAck struct {
	Outcome        uint8  `msgpack:"o"`
	Position       string `msgpack:"pos,omitempty"`
	SequenceID     int64  `msgpack:"s"`
	LastSequenceID int64  `msgpack:"last,omitempty"`
	RejectKind     uint8  `msgpack:"k,omitempty"`
	Error          string `msgpack:"e,omitempty"`
}

// producerEvent is the frame on the connect/disconnect control subjects.
type producerEvent struct {
	Topic    string `msgpack:"t"`
	Producer string `msgpack:"p"`
}

// TopicProvider resolves topics by name; the broker implements it.
type TopicProvider interface {
	Topic(name string) (*topic.Topic, error)
}

// Server is the NATS produce endpoint.
type Server struct {
	topics TopicProvider
	nc     *nats.Conn
	subs   []*nats.Subscription
	prefix string
	queue  string
}

// NewServer connects to NATS with reconnect-forever semantics.
func NewServer(topics TopicProvider) (*Server, error) {
	nc, err := nats.Connect(cfg.Config.Ingress.NatsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &Server{
		topics: topics,
		nc:     nc,
		prefix: cfg.Config.Ingress.SubjectPrefix,
		queue:  cfg.Config.Ingress.QueueGroup,
	}, nil
}

// Start subscribes the produce and producer-lifecycle subjects.
func (s *Server) Start() error {
	produceSubject := s.prefix + ".produce.>"
	sub, err := s.nc.QueueSubscribe(produceSubject, s.queue, s.onProduce)
	if err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", produceSubject, err)
	}
	s.subs = append(s.subs, sub)

	for subject, connected := range map[string]bool{
		s.prefix + ".producer.connect":    true,
		s.prefix + ".producer.disconnect": false,
	} {
		connected := connected
		sub, err := s.nc.QueueSubscribe(subject, s.queue, func(msg *nats.Msg) {
			s.onProducerEvent(msg, connected)
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}

	log.Info().
		Str("subject", produceSubject).
		Str("queue", s.queue).
		Msg("Produce endpoint listening")
	return nil
}

func (s *Server) onProduce(msg *nats.Msg) {
	topicName := strings.TrimPrefix(msg.Subject, s.prefix+".produce.")
	ackData := HandleProduce(s.topics, topicName, msg.Data)
	if msg.Reply != "" {
		if err := msg.Respond(ackData); err != nil {
			log.Warn().Err(err).Str("topic", topicName).Msg("Failed to send produce ack")
		}
	}
}

func (s *Server) onProducerEvent(msg *nats.Msg, connected bool) {
	var ev producerEvent
	if err := encoding.Unmarshal(msg.Data, &ev); err != nil {
		log.Warn().Err(err).Msg("Malformed producer event")
		return
	}
	t, err := s.topics.Topic(ev.Topic)
	if err != nil {
		log.Warn().Err(err).Str("topic", ev.Topic).Msg("Failed to resolve topic for producer event")
		return
	}
	if connected {
		t.ProducerConnected(ev.Producer)
	} else {
		t.ProducerDisconnected(ev.Producer)
	}
}

// HandleProduce decodes one produce frame, publishes it and encodes the
// acknowledgement. Split from the NATS callback so the codec boundary is
// testable without a live server.
func HandleProduce(topics TopicProvider, topicName string, data []byte) []byte {
	var req ProduceRequest
	if err := encoding.Unmarshal(data, &req); err != nil {
		telemetry.IngressRequestsTotal.With("nats", "malformed").Inc()
		return mustEncodeAck(ProduceAck{
			Outcome:    uint8(topic.OutcomeRejected),
			RejectKind: uint8(topic.RejectMetadata),
			Error:      fmt.Sprintf("malformed produce request: %v", err),
		})
	}

	t, err := topics.Topic(topicName)
	if err != nil {
		telemetry.IngressRequestsTotal.With("nats", "rejected").Inc()
		return mustEncodeAck(ProduceAck{
			Outcome:    uint8(topic.OutcomeRejected),
			SequenceID: req.SequenceID,
			RejectKind: uint8(topic.RejectNotReady),
			Error:      fmt.Sprintf("topic %s unavailable: %v", topicName, err),
		})
	}

	res := t.Publish(contextFromRequest(&req), req.Payload)
	telemetry.IngressRequestsTotal.With("nats", res.Outcome.String()).Inc()

	ack := ProduceAck{
		Outcome:        uint8(res.Outcome),
		SequenceID:     res.SequenceID,
		LastSequenceID: res.LastSequenceID,
		RejectKind:     uint8(res.Kind),
	}
	if res.Outcome == topic.OutcomeAccepted {
		ack.Position = res.Position.String()
	}
	if res.Err != nil {
		ack.Error = res.Err.Error()
	}
	return mustEncodeAck(ack)
}

func contextFromRequest(req *ProduceRequest) *dedup.PublishContext {
	md := &message.Metadata{
		ProducerName:      req.Producer,
		SequenceID:        req.SequenceID,
		HighestSequenceID: req.HighestSequenceID,
		ChunkID:           req.ChunkID,
		NumChunks:         req.NumChunks,
		MarkerType:        req.MarkerType,
		Properties:        req.Properties,
	}
	md.Normalize()
	return &dedup.PublishContext{
		ProducerName:                 req.Producer,
		SequenceID:                   req.SequenceID,
		HighestSequenceID:            req.HighestSequenceID,
		SupportsReplDedupByLidAndEid: req.SupportsReplDedup,
		Metadata:                     md,
	}
}

func mustEncodeAck(ack ProduceAck) []byte {
	data, err := encoding.Marshal(&ack)
	if err != nil {
		// Acks are fixed-shape structs; this cannot fail at runtime
		log.Error().Err(err).Msg("Failed to encode produce ack")
		return nil
	}
	return data
}

// Stop drains the subscriptions and closes the connection.
func (s *Server) Stop() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.nc.Close()
}
