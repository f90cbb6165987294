// Package ordering implements the event envelope and the total order
// events are sorted into before being surfaced to a client: by request,
// then by output index, then by sequence number, then by arrival.
package ordering

import "math"

// Meta carries the fields the ordering comparator sorts on. OutputIndex
// and SequenceNumber are optional; when absent they sort last within
// their tier, per the comparator's unwrap_or(MAX) behavior.
type Meta struct {
	RequestOrdinal uint64
	OutputIndex    *uint64
	SequenceNumber *uint64
	EventSeq       uint64
}

func unwrapOrMax(v *uint64) uint64 {
	if v == nil {
		return math.MaxUint64
	}
	return *v
}

// Less implements the event order: request_ordinal, then output_index
// (absent sorts last), then sequence_number (absent sorts last), then
// event_seq as the final tiebreaker.
func Less(a, b Meta) bool {
	if a.RequestOrdinal != b.RequestOrdinal {
		return a.RequestOrdinal < b.RequestOrdinal
	}
	ao, bo := unwrapOrMax(a.OutputIndex), unwrapOrMax(b.OutputIndex)
	if ao != bo {
		return ao < bo
	}
	as, bs := unwrapOrMax(a.SequenceNumber), unwrapOrMax(b.SequenceNumber)
	if as != bs {
		return as < bs
	}
	return a.EventSeq < b.EventSeq
}

// Kind identifies the category of an Event's payload for consumers that
// switch on it without type-asserting Payload.
type Kind string

const (
	KindItem             Kind = "item"
	KindToolCallBegin    Kind = "tool_call_begin"
	KindToolCallEnd      Kind = "tool_call_end"
	KindApprovalRequest  Kind = "approval_request"
	KindError            Kind = "error"
	KindTurnComplete     Kind = "turn_complete"
	KindEnteredReview    Kind = "entered_review_mode"
	KindExitedReview     Kind = "exited_review_mode"
	KindReviewOutput     Kind = "review_output"
	KindEnvironmentDelta Kind = "environment_context_delta"
)

// Event is the ordered envelope surfaced to a client: Meta determines its
// position in the stream, Kind and Payload carry the content.
type Event struct {
	Meta    Meta
	Kind    Kind
	Payload any
}

// Sequencer hands out monotonically increasing event_seq values and
// tracks the next output_index per request, scoped to one session. It is
// not safe for concurrent use without external locking — callers hold
// the session's single-writer discipline already (see internal/session).
type Sequencer struct {
	nextEventSeq uint64
	nextOutput   map[uint64]uint64
}

func NewSequencer() *Sequencer {
	return &Sequencer{nextOutput: make(map[uint64]uint64)}
}

// Next stamps event_seq and, if the caller didn't set an explicit
// OutputIndex, assigns the next one for that request_ordinal.
func (s *Sequencer) Next(requestOrdinal uint64, outputIndex *uint64, sequenceNumber *uint64) Meta {
	seq := s.nextEventSeq
	s.nextEventSeq++

	oi := outputIndex
	if oi == nil {
		idx := s.nextOutput[requestOrdinal]
		s.nextOutput[requestOrdinal] = idx + 1
		oi = &idx
	}

	return Meta{
		RequestOrdinal: requestOrdinal,
		OutputIndex:    oi,
		SequenceNumber: sequenceNumber,
		EventSeq:       seq,
	}
}
