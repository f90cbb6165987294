// Package modelclient defines the streaming model client contract
// (§4.L): request shaping, the chunk stream a provider pushes back, and
// the retry/usage-limit classification a Session applies to decide
// whether a stream fault is transient or turn-terminating.
//
// Concrete providers (Anthropic, OpenAI, ...) implement Client; the
// session package only depends on this interface, never on a specific
// vendor SDK, matching the teacher's own LLMProvider boundary
// (internal/agent/provider_types.go) generalized from a single
// conversational turn to the kernel's ConversationItem stream.
package modelclient

import (
	"context"
	"time"

	"github.com/relaykit/relay/internal/kernelerr"
	"github.com/relaykit/relay/pkg/kernel"
)

// ReasoningEffort clamps per-model, mirroring the teacher's thinking-budget
// clamp (internal/agent/runtime_context.go ThinkingLevel) generalized to
// the spec's provider-agnostic "reasoning_effort" field.
type ReasoningEffort string

const (
	EffortMinimal ReasoningEffort = "minimal"
	EffortLow     ReasoningEffort = "low"
	EffortMedium  ReasoningEffort = "medium"
	EffortHigh    ReasoningEffort = "high"
)

// Request is the shaped payload a Session sends to a Client for one
// model turn attempt. BaseInstructions/UserInstructions are kept
// distinct because the spec's turn lifecycle composes them separately
// from the conversation history.
type Request struct {
	Model            string
	BaseInstructions string
	UserInstructions string
	EnvironmentText  string // rendered <environment_context[_delta]> block, or ""
	SkillsInventory  []string
	DynamicTools     []kernel.ToolSchema
	Tools            []kernel.ToolSchema
	History          []kernel.ConversationItem
	Input            []kernel.ConversationItem
	ReasoningEffort  ReasoningEffort
	Verbosity        string
	MaxOutputTokens  int

	// RequestOrdinal is stamped by the session before each attempt and
	// echoed back on every chunk's OrderMeta so the ordering comparator
	// (§4.N) can place out-of-arrival chunks from retried attempts.
	RequestOrdinal uint64
}

// ChunkKind discriminates a Chunk's payload.
type ChunkKind string

const (
	ChunkTextDelta      ChunkKind = "text_delta"
	ChunkReasoningDelta ChunkKind = "reasoning_delta"
	ChunkItem           ChunkKind = "item" // a complete ResponseItem (FunctionCall, Message, ...)
	ChunkRetrying       ChunkKind = "retrying"
	ChunkDone           ChunkKind = "done"
)

// Chunk is one unit of a streamed response. Exactly one of the
// payload fields is meaningful per Kind.
type Chunk struct {
	Kind  ChunkKind
	Order kernel.OrderMeta

	TextDelta      string
	ReasoningDelta string
	Item           *kernel.ConversationItem

	// RetryReason carries the transient-fault description for
	// ChunkRetrying, surfaced to the UI as a "reconnecting" state per
	// §4.L without aborting the turn.
	RetryReason string
}

// Client is the provider-agnostic streaming contract a Session drives.
// Complete returns a channel of Chunks; the channel is closed when the
// stream ends (successfully or with a terminal error sent as the final
// Chunk's companion return value is impossible over a channel, so
// Complete itself returns the classified terminal error once the
// channel closes — callers must drain the channel before trusting the
// returned error to be final).
type Client interface {
	// Name identifies the provider for header/telemetry purposes
	// (x-openai-subagent and friends, per §4.L's header contract).
	Name() string

	// Complete streams one model turn attempt. The returned channel is
	// closed when the attempt ends; the caller inspects the sentinel
	// error returned by Wait (below) — most providers instead surface
	// the terminal error as a synthesizable *kernelerr.KernelError sent
	// just before the channel closes via a ChunkDone with a non-nil
	// Item left nil and Err recorded on the Stream itself (see Stream).
	Complete(ctx context.Context, req Request) (*Stream, error)
}

// Stream is the handle a Client.Complete call returns: a channel of
// Chunks plus an out-of-band terminal error populated once the channel
// closes (Go channels can't carry a final "channel closed with this
// error" signal on their own).
type Stream struct {
	Chunks <-chan Chunk

	// err is set by the provider goroutine before closing Chunks; Err()
	// only returns a meaningful value after the channel is drained.
	errCh chan error
}

// NewStream wires a Chunks channel to its terminal-error side channel.
// Providers construct a Stream with NewStream, send Chunks, then call
// Finish(err) exactly once.
func NewStream(chunks <-chan Chunk) (*Stream, func(error)) {
	errCh := make(chan error, 1)
	return &Stream{Chunks: chunks, errCh: errCh}, func(err error) { errCh <- err; close(errCh) }
}

// Err blocks until the stream's terminal error is available (i.e.
// until Finish has been called). Safe to call after Chunks closes.
func (s *Stream) Err() error {
	return <-s.errCh
}

// RetryClassification is the outcome of inspecting a provider-level
// error to decide whether the Session should treat it as transient
// (keep the turn alive, mark the UI reconnecting) or terminal (abort
// the turn), per §4.L / §7.
type RetryClassification struct {
	Transient bool
	Err       *kernelerr.KernelError
}

// ClassifyHTTPStatus maps a raw HTTP status and provider error body
// shape into the typed kernelerr kinds from §7. usageLimitFields is
// non-nil only when the body was parsed as a usage_limit_reached
// payload; opaque callers can pass nil.
func ClassifyHTTPStatus(status int, body string, requestID string, usagePlanType string, usageResetsIn *int64, isUsageLimit, isUsageNotIncluded, isQuotaExceeded, isServerOverloaded bool) RetryClassification {
	switch {
	case isUsageLimit:
		return RetryClassification{Transient: false, Err: kernelerr.UsageLimitReached(usagePlanType, usageResetsIn)}
	case isUsageNotIncluded:
		return RetryClassification{Transient: false, Err: kernelerr.UsageNotIncluded()}
	case isQuotaExceeded:
		return RetryClassification{Transient: false, Err: kernelerr.QuotaExceeded()}
	case isServerOverloaded:
		return RetryClassification{Transient: false, Err: kernelerr.ServerOverloaded()}
	case status >= 500 && status < 600:
		return RetryClassification{Transient: true, Err: kernelerr.Stream("server error, retrying", requestID, 2*time.Second)}
	case status == 0:
		// transport-level fault (connection reset, DNS, etc.)
		return RetryClassification{Transient: true, Err: kernelerr.Stream("transport error, retrying", requestID, time.Second)}
	default:
		return RetryClassification{Transient: false, Err: kernelerr.UnexpectedStatus(status, body, requestID)}
	}
}

// Headers returns the header contract §4.L specifies, built from
// config/environment flags rather than hardcoded, so a Client
// implementation can attach them verbatim to its transport.
func Headers(betaFeatures []string, webSearchEligible, isSubagent bool) map[string]string {
	h := map[string]string{}
	if len(betaFeatures) > 0 {
		joined := betaFeatures[0]
		for _, f := range betaFeatures[1:] {
			joined += "," + f
		}
		h["x-codex-beta-features"] = joined
	}
	if webSearchEligible {
		h["x-oai-web-search-eligible"] = "true"
	}
	if isSubagent {
		h["x-openai-subagent"] = "true"
	}
	return h
}
