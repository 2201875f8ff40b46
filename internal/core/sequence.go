package core

import "fmt"

// IndexVerdict is the outcome of comparing an observed index to the expected one.
type IndexVerdict int

const (
	IndexEmit  IndexVerdict = iota // index == expected
	IndexStale                     // index < expected: already emitted, discard
	IndexGap                       // index > expected: something was dropped in between
)

func (v IndexVerdict) String() string {
	switch v {
	case IndexEmit:
		return "emit"
	case IndexStale:
		return "stale"
	case IndexGap:
		return "gap"
	default:
		return fmt.Sprintf("IndexVerdict(%d)", int(v))
	}
}

// ClassifyIndex is the single de-duplication and gap-closure rule of the consumer.
func ClassifyIndex(expected, got uint64) IndexVerdict {
	switch {
	case got == expected:
		return IndexEmit
	case got < expected:
		return IndexStale
	default:
		return IndexGap
	}
}

// SequenceStats counts sequencing anomalies for one consumer.
type SequenceStats struct {
	Emitted     uint64
	Stale       uint64
	Gaps        uint64
	GapFills    uint64 // records emitted from fallback reads
	Transitions uint64
}

func (s *SequenceStats) record(v IndexVerdict) {
	switch v {
	case IndexEmit:
		s.Emitted++
	case IndexStale:
		s.Stale++
	case IndexGap:
		s.Gaps++
	}
}
