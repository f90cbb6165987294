// Package kernel holds the data model shared across the session
// orchestration packages: identifiers, the conversation item union, the
// rollout record shape, environment-context snapshots/deltas, and the
// small value types the scheduler, approval coordinator, and review
// controller pass between each other.
package kernel

import (
	"encoding/json"
	"time"
)

// SessionId is stable across a process and carried on every event.
type SessionId string

// ThreadId identifies a rollout file; it may equal a SessionId or a
// forked parent's id.
type ThreadId string

// TurnId (a.k.a. sub_id) identifies one user-initiated turn or internal
// task (review, resume).
type TurnId string

// CallId identifies one tool invocation requested by the model.
type CallId string

// HistoryId is a dense monotonic id assigned by the rollout recorder to
// each recorded item, in strict append order.
type HistoryId uint64

// Role is the author of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ContentPartType discriminates a Message content part.
type ContentPartType string

const (
	ContentText       ContentPartType = "text"
	ContentImage      ContentPartType = "image"
	ContentInputText  ContentPartType = "input_text"
	ContentOutputText ContentPartType = "output_text"
)

// ContentPart is one piece of a Message's content array.
type ContentPart struct {
	Type ContentPartType `json:"type"`
	Text string          `json:"text,omitempty"`
	// ImageURL holds a data: or https: URL when Type is ContentImage.
	ImageURL string `json:"image_url,omitempty"`
}

// ItemType discriminates the ConversationItem sum type. ConversationItem
// is modeled as a single flat struct with a Type tag and per-variant
// fields left zero when not applicable, matching the wire shape every
// model-provider SDK in this tree already uses for streamed content.
type ItemType string

const (
	ItemMessage            ItemType = "message"
	ItemReasoning          ItemType = "reasoning"
	ItemFunctionCall       ItemType = "function_call"
	ItemFunctionCallOutput ItemType = "function_call_output"
	ItemCustomToolCall     ItemType = "custom_tool_call"
	ItemCustomToolOutput   ItemType = "custom_tool_call_output"
	ItemLocalShellCall     ItemType = "local_shell_call"
	ItemWebSearchCall      ItemType = "web_search_call"
	ItemCompactionSummary  ItemType = "compaction_summary"
	ItemGhostSnapshot      ItemType = "ghost_snapshot"
)

// ConversationItem is one entry in a Session's conversation history.
type ConversationItem struct {
	Type ItemType `json:"type"`

	// Message
	Role    Role          `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`

	// Reasoning
	ID        string   `json:"id,omitempty"`
	Summary   []string `json:"summary,omitempty"`
	Encrypted bool     `json:"encrypted,omitempty"`

	// FunctionCall / CustomToolCall / LocalShellCall
	CallID    CallId `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"` // json-string, FunctionCall
	Input     string `json:"input,omitempty"`     // CustomToolCall

	// FunctionCallOutput / CustomToolCallOutput
	OutputText  string        `json:"output_text,omitempty"`
	OutputItems []ContentPart `json:"output_items,omitempty"`
	Success     *bool         `json:"success,omitempty"`

	// WebSearchCall
	Query string `json:"query,omitempty"`

	// CompactionSummary
	SummaryText string `json:"summary_text,omitempty"`

	// GhostSnapshot
	CommitSHA string `json:"commit_sha,omitempty"`
}

// SessionMeta is the header record of a rollout file.
type SessionMeta struct {
	ID           SessionId  `json:"id"`
	ThreadID     ThreadId   `json:"thread_id"`
	Timestamp    time.Time  `json:"timestamp"`
	CWD          string     `json:"cwd"`
	Originator   string     `json:"originator,omitempty"`
	CLIVersion   string     `json:"cli_version,omitempty"`
	ForkedFromID *SessionId `json:"forked_from_id,omitempty"`
}

// RolloutItemKind discriminates the RolloutItem union.
type RolloutItemKind string

const (
	RolloutSessionMeta RolloutItemKind = "session_meta"
	RolloutResponse    RolloutItemKind = "response_item"
	RolloutEnvContext  RolloutItemKind = "environment_context"
)

// RolloutItem is either a SessionMeta header, a ResponseItem
// (ConversationItem), or an environment snapshot/delta text message.
type RolloutItem struct {
	Kind        RolloutItemKind   `json:"kind"`
	SessionMeta *SessionMeta      `json:"session_meta,omitempty"`
	Response    *ConversationItem `json:"response_item,omitempty"`
	EnvText     string            `json:"env_text,omitempty"`
}

// RolloutLine is one persisted JSONL line: {timestamp, item}.
type RolloutLine struct {
	Timestamp time.Time   `json:"timestamp"`
	Item      RolloutItem `json:"item"`
}

// ApprovalPolicy controls how often the session asks before running a
// command.
type ApprovalPolicy string

const (
	ApprovalUntrusted ApprovalPolicy = "untrusted"
	ApprovalOnFailure ApprovalPolicy = "on_failure"
	ApprovalOnRequest ApprovalPolicy = "on_request"
	ApprovalNever     ApprovalPolicy = "never"
)

// SandboxMode is the process-level sandbox the session runs tools under.
type SandboxMode string

const (
	SandboxDangerFullAccess SandboxMode = "danger_full_access"
	SandboxReadOnly         SandboxMode = "read_only"
	SandboxWorkspaceWrite   SandboxMode = "workspace_write"
)

// NetworkAccess is the network policy in effect for sandboxed tools.
type NetworkAccess string

const (
	NetworkAllow NetworkAccess = "allow"
	NetworkDeny  NetworkAccess = "deny"
	NetworkAsk   NetworkAccess = "ask"
)

// EnvironmentContextSnapshot is the fingerprintable tuple rendered into
// <environment_context> tags. All fields but Version are optional.
type EnvironmentContextSnapshot struct {
	Version         int            `json:"version"`
	CWD             string         `json:"cwd,omitempty"`
	ApprovalPolicy  ApprovalPolicy `json:"approval_policy,omitempty"`
	SandboxMode     SandboxMode    `json:"sandbox_mode,omitempty"`
	NetworkAccess   NetworkAccess  `json:"network_access,omitempty"`
	WritableRoots   []string       `json:"writable_roots,omitempty"`
	OperatingSystem string         `json:"operating_system,omitempty"`
	CommonTools     []string       `json:"common_tools,omitempty"`
	Shell           string         `json:"shell,omitempty"`
	GitBranch       string         `json:"git_branch,omitempty"`
	ReasoningEffort string         `json:"reasoning_effort,omitempty"`
}

// FieldChange is one fieldwise diff entry in an EnvironmentContextDelta.
type FieldChange struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

// EnvironmentContextDelta is a fieldwise diff against a fingerprinted
// base snapshot, rendered into <environment_context_delta> tags.
type EnvironmentContextDelta struct {
	BaseFingerprint string        `json:"base_fingerprint"`
	Changes         []FieldChange `json:"changes"`
}

// OrderMeta is the event ordering key (see internal/ordering).
type OrderMeta struct {
	RequestOrdinal uint64  `json:"request_ordinal"`
	OutputIndex    *uint64 `json:"output_index,omitempty"`
	SequenceNumber *uint64 `json:"sequence_number,omitempty"`
}

// PendingToolCall is one FunctionCall/LocalShellCall/CustomToolCall
// emitted by the model in the current assistant response, not yet
// resolved by the scheduler.
type PendingToolCall struct {
	OutputPos   int     `json:"output_pos"`
	SeqHint     *uint64 `json:"seq_hint,omitempty"`
	OutputIndex *uint64 `json:"output_index,omitempty"`
}

// ToolCallCtx carries the identifiers a handler needs to attribute its
// work to the right turn/call/history slot.
type ToolCallCtx struct {
	SessionID SessionId
	TurnID    TurnId
	CallID    CallId
}

// ToolPayloadKind discriminates ToolInvocation.Payload.
type ToolPayloadKind string

const (
	PayloadFunction ToolPayloadKind = "function"
	PayloadCustom   ToolPayloadKind = "custom"
	PayloadMCP      ToolPayloadKind = "mcp"
)

// ToolPayload is the call-shape specific portion of a ToolInvocation.
type ToolPayload struct {
	Kind ToolPayloadKind `json:"kind"`

	// PayloadFunction
	Arguments json.RawMessage `json:"arguments,omitempty"`

	// PayloadCustom
	Input string `json:"input,omitempty"`

	// PayloadMCP
	Server  string          `json:"server,omitempty"`
	Tool    string          `json:"tool,omitempty"`
	RawArgs json.RawMessage `json:"raw_args,omitempty"`
}

// ToolInvocation is a single tool call dispatched by the scheduler to a
// handler.
type ToolInvocation struct {
	Ctx        ToolCallCtx
	ToolName   string
	Payload    ToolPayload
	AttemptReq int
}

// ExecParams is the normalized shape of a shell/exec tool call.
type ExecParams struct {
	Command                  []string          `json:"command"`
	CWD                      string            `json:"cwd"`
	TimeoutMS                *int64            `json:"timeout_ms,omitempty"`
	Env                      map[string]string `json:"env,omitempty"`
	WithEscalatedPermissions bool              `json:"with_escalated_permissions,omitempty"`
	Justification            string            `json:"justification,omitempty"`
}

// ReviewVerdict is the correctness verdict attached to a ReviewOutputEvent.
type ReviewVerdict string

const (
	VerdictCorrect      ReviewVerdict = "correct"
	VerdictIncorrect    ReviewVerdict = "incorrect"
	VerdictInconclusive ReviewVerdict = "inconclusive"
)

// ReviewFinding is one issue surfaced by a review pass.
type ReviewFinding struct {
	Title      string  `json:"title"`
	Body       string  `json:"body"`
	File       string  `json:"file,omitempty"`
	Line       int     `json:"line,omitempty"`
	Confidence float64 `json:"confidence"`
}

// ReviewRequest is a user-facing or automatic review task.
type ReviewRequest struct {
	TurnID       TurnId `json:"turn_id"`
	Target       string `json:"target"`
	BaseCommit   string `json:"base_commit,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// ReviewOutputEvent is the terminal result of a review task.
type ReviewOutputEvent struct {
	TurnID     TurnId          `json:"turn_id"`
	Findings   []ReviewFinding `json:"findings"`
	Verdict    ReviewVerdict   `json:"verdict"`
	Confidence float64         `json:"confidence"`
	Snapshot   string          `json:"snapshot,omitempty"`
	Aborted    bool            `json:"aborted,omitempty"`
}

// AutoResolvePhase is the state of the auto-resolve control loop.
type AutoResolvePhase string

const (
	PhaseReviewing  AutoResolvePhase = "reviewing"
	PhasePendingFix AutoResolvePhase = "pending_fix"
	PhaseFixing     AutoResolvePhase = "fixing"
)

// AutoResolveState drives the review → fix → re-review loop.
type AutoResolveState struct {
	Phase              AutoResolvePhase   `json:"phase"`
	Attempt            int                `json:"attempt"`
	MaxAttempts        int                `json:"max_attempts"`
	Prompt             string             `json:"prompt"`
	Hint               string             `json:"hint,omitempty"`
	LastReview         *ReviewOutputEvent `json:"last_review,omitempty"`
	LastReviewedCommit string             `json:"last_reviewed_commit,omitempty"`
	SnapshotEpoch      *uint64            `json:"snapshot_epoch,omitempty"`
}

// SubAgentStatus is the lifecycle state of a SubAgent.
type SubAgentStatus string

const (
	SubAgentPending   SubAgentStatus = "pending"
	SubAgentRunning   SubAgentStatus = "running"
	SubAgentCompleted SubAgentStatus = "completed"
	SubAgentFailed    SubAgentStatus = "failed"
	SubAgentCancelled SubAgentStatus = "cancelled"
)

// SubAgent tracks one spawned external-assistant-CLI child.
type SubAgent struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Model        string         `json:"model,omitempty"`
	Backend      string         `json:"backend"`
	BatchID      string         `json:"batch_id,omitempty"`
	Status       SubAgentStatus `json:"status"`
	LastProgress string         `json:"last_progress,omitempty"`
	Result       string         `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	ElapsedMS    int64          `json:"elapsed_ms,omitempty"`
	TokenCount   int64          `json:"token_count,omitempty"`
	SourceKind   string         `json:"source_kind,omitempty"`
}

// ToolSchema is a JSON-schema-validated tool descriptor (expansion:
// feeds internal/tools.Registry's schema compilation).
type ToolSchema struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	Parameters   json.RawMessage `json:"parameters"`
	ParallelSafe bool            `json:"parallel_safe"`
}

// TraceSpanKind categorizes a TraceSpan (expansion: feeds
// internal/observability/trace.go).
type TraceSpanKind string

const (
	SpanTurn TraceSpanKind = "turn"
	SpanTool TraceSpanKind = "tool"
)

// TraceSpan is a minimal span descriptor independent of the OTel SDK
// types, so callers outside internal/observability don't need to import
// it directly.
type TraceSpan struct {
	ID       string
	ParentID string
	Kind     TraceSpanKind
}
