package topic

import (
	"github.com/petrelmq/petrel/mlog"
)

// Outcome is the producer-visible result class of one publish.
type Outcome uint8

const (
	// OutcomeAccepted means the message was durably appended.
	OutcomeAccepted Outcome = iota

	// OutcomeDuplicate means the message was recognized as already
	// persisted; the producer may advance.
	OutcomeDuplicate

	// OutcomeIndeterminate means the broker cannot yet decide; the
	// producer must retry after a short back-off and must not treat
	// this as loss.
	OutcomeIndeterminate

	// OutcomeRejected means the publish failed; see the rejection kind.
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeIndeterminate:
		return "indeterminate"
	case OutcomeRejected:
		return "rejected"
	default:
		return "invalid"
	}
}

// RejectKind distinguishes the fatal publish failures.
type RejectKind uint8

const (
	RejectNone RejectKind = iota

	// RejectNotReady: the topic's dedup state machine is mid-transition
	// or failed; the producer should reconnect or retry later.
	RejectNotReady

	// RejectMetadata: the message metadata could not be encoded.
	RejectMetadata

	// RejectAppendFailed: the append log write failed.
	RejectAppendFailed
)

func (k RejectKind) String() string {
	switch k {
	case RejectNone:
		return "none"
	case RejectNotReady:
		return "not_ready"
	case RejectMetadata:
		return "metadata"
	case RejectAppendFailed:
		return "append_failed"
	default:
		return "invalid"
	}
}

// Result is the outcome of Topic.Publish.
type Result struct {
	Outcome  Outcome
	Position mlog.Position

	// SequenceID echoes the published sequence id.
	SequenceID int64

	// LastSequenceID is the highest accepted sequence id for the
	// producer, set on duplicates so the client can advance.
	LastSequenceID int64

	Kind RejectKind
	Err  error
}

func accepted(pos mlog.Position, sequenceID int64) Result {
	return Result{Outcome: OutcomeAccepted, Position: pos, SequenceID: sequenceID}
}

func duplicate(sequenceID, lastSequenceID int64) Result {
	return Result{Outcome: OutcomeDuplicate, SequenceID: sequenceID, LastSequenceID: lastSequenceID}
}

func indeterminate(sequenceID int64) Result {
	return Result{Outcome: OutcomeIndeterminate, SequenceID: sequenceID}
}

func rejected(kind RejectKind, err error) Result {
	return Result{Outcome: OutcomeRejected, Kind: kind, Err: err}
}
