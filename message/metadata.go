// Package message defines the wire-level entry format shared by the publish
// pipeline, the append log and the replication feed. Every log entry is a
// msgpack metadata header followed by the raw producer payload.
package message

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/petrelmq/petrel/encoding"
)

// Marker types carried in Metadata.MarkerType. Zero means "not a marker".
// The replication range is reserved for markers produced by the
// geo-replication subsystem; those bypass deduplication entirely.
const (
	MarkerNone int32 = 0

	markerReplicationLow  int32 = 10
	MarkerReplicatedSnapshotRequest  int32 = 10
	MarkerReplicatedSnapshotResponse int32 = 11
	MarkerReplicatedUpdate           int32 = 12
	markerReplicationHigh int32 = 19
)

// PropReplSourcePosition is the metadata property carrying the source
// cluster's "<ledger>:<entry>" coordinates for replicated messages.
const PropReplSourcePosition = "__repl.source.position"

// Metadata is the entry header written ahead of every payload.
// HighestSequenceID defaults to SequenceID; ChunkID and NumChunks are -1
// for non-chunked messages.
type Metadata struct {
	ProducerName      string            `msgpack:"p"`
	SequenceID        int64             `msgpack:"s"`
	HighestSequenceID int64             `msgpack:"h"`
	ChunkID           int32             `msgpack:"c"`
	NumChunks         int32             `msgpack:"n"`
	MarkerType        int32             `msgpack:"m"`
	Properties        map[string]string `msgpack:"props,omitempty"`
}

// entry is the on-log record: header plus payload in one msgpack envelope.
type entry struct {
	Meta    Metadata `msgpack:"md"`
	Payload []byte   `msgpack:"pl"`
}

// Normalize applies the defaulting rules: HighestSequenceID is at least
// SequenceID, and chunk fields are -1 unless the message is chunked.
func (m *Metadata) Normalize() {
	if m.HighestSequenceID < m.SequenceID {
		m.HighestSequenceID = m.SequenceID
	}
	if m.NumChunks <= 0 {
		m.ChunkID = -1
		m.NumChunks = -1
	}
}

// IsChunked reports whether the message is one chunk of a larger message.
// A single-chunk message behaves as non-chunked.
func (m *Metadata) IsChunked() bool {
	return m.NumChunks > 1 && m.ChunkID >= 0
}

// IsLastChunk reports whether this chunk completes its group.
func (m *Metadata) IsLastChunk() bool {
	return m.IsChunked() && m.ChunkID == m.NumChunks-1
}

// IsMarker reports whether the entry is a broker-generated control message.
func (m *Metadata) IsMarker() bool {
	return m.MarkerType != MarkerNone
}

// IsReplicationMarker reports whether a marker type falls in the reserved
// replication range.
func IsReplicationMarker(markerType int32) bool {
	return markerType >= markerReplicationLow && markerType <= markerReplicationHigh
}

// ReplSourcePosition returns the parsed source-cluster position from the
// property bag. ok is false when the property is absent or malformed;
// malformed values are the caller's cue to fall back to v1 semantics.
func (m *Metadata) ReplSourcePosition() (lid int64, eid int64, ok bool) {
	raw, present := m.Properties[PropReplSourcePosition]
	if !present {
		return 0, 0, false
	}
	return ParseReplSourcePosition(raw)
}

// ParseReplSourcePosition parses a "<ledger>:<entry>" pair of non-negative
// integers.
func ParseReplSourcePosition(raw string) (lid int64, eid int64, ok bool) {
	idx := strings.IndexByte(raw, ':')
	if idx <= 0 || idx == len(raw)-1 {
		return 0, 0, false
	}
	lidPart, eidPart := raw[:idx], raw[idx+1:]
	if strings.IndexByte(eidPart, ':') >= 0 {
		return 0, 0, false
	}

	lid, err := strconv.ParseInt(lidPart, 10, 64)
	if err != nil || lid < 0 {
		return 0, 0, false
	}
	eid, err = strconv.ParseInt(eidPart, 10, 64)
	if err != nil || eid < 0 {
		return 0, 0, false
	}
	return lid, eid, true
}

// FormatReplSourcePosition renders the property value for a source position.
func FormatReplSourcePosition(lid, eid int64) string {
	return strconv.FormatInt(lid, 10) + ":" + strconv.FormatInt(eid, 10)
}

// Encode packs metadata and payload into the on-log record format.
func Encode(md Metadata, payload []byte) ([]byte, error) {
	md.Normalize()
	data, err := encoding.Marshal(&entry{Meta: md, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to encode entry for producer %s: %w", md.ProducerName, err)
	}
	return data, nil
}

// Decode unpacks an on-log record into metadata and payload.
func Decode(data []byte) (Metadata, []byte, error) {
	var e entry
	if err := encoding.Unmarshal(data, &e); err != nil {
		return Metadata{}, nil, fmt.Errorf("failed to decode entry: %w", err)
	}
	e.Meta.Normalize()
	return e.Meta, e.Payload, nil
}
