package dedup

import (
	"github.com/petrelmq/petrel/message"
)

// PublishContext carries the state of one in-flight publish through the
// pipeline. The pipeline owns it for the duration of the call; the engine
// annotates it during classification and reads the annotations back when
// the append completes.
type PublishContext struct {
	// ProducerName is the connected session's producer name. For
	// replicated messages this is the replicator's name, not the
	// original producer's.
	ProducerName      string
	SequenceID        int64
	HighestSequenceID int64

	// SupportsReplDedupByLidAndEid is declared by the producing session:
	// replicated messages carry source ledger coordinates usable for
	// dedup.
	SupportsReplDedupByLidAndEid bool

	// Metadata is the parsed entry header travelling with the payload.
	Metadata *message.Metadata

	// Annotations set during classification.
	isReplMarker  bool
	hasReplSource bool
	replSourceLid int64
	replSourceEid int64

	originalProducerName      string
	originalSequenceID        int64
	originalHighestSequenceID int64

	// isLastChunk is tri-state: nil for non-chunked messages.
	isLastChunk *bool
}

// IsReplMarker reports whether classification recognized the message as a
// replication marker (always published, never deduplicated).
func (pc *PublishContext) IsReplMarker() bool {
	return pc.isReplMarker
}

// ReplSourcePosition returns the annotated source-cluster coordinates.
func (pc *PublishContext) ReplSourcePosition() (lid, eid int64, ok bool) {
	return pc.replSourceLid, pc.replSourceEid, pc.hasReplSource
}

// OriginalProducerName returns the source-cluster producer name recovered
// from metadata on the repl-v1 path, or "" for local messages.
func (pc *PublishContext) OriginalProducerName() string {
	return pc.originalProducerName
}

// IsLastChunk reports the chunk annotation: ok is false for non-chunked
// messages.
func (pc *PublishContext) IsLastChunk() (last bool, ok bool) {
	if pc.isLastChunk == nil {
		return false, false
	}
	return *pc.isLastChunk, true
}

func (pc *PublishContext) setLastChunk(last bool) {
	pc.isLastChunk = &last
}

// effectiveHighest returns the sequence id recorded on acceptance: the
// declared batch upper bound, never below the sequence id itself.
func (pc *PublishContext) effectiveHighest() int64 {
	if pc.HighestSequenceID > pc.SequenceID {
		return pc.HighestSequenceID
	}
	return pc.SequenceID
}
