package rpc

import (
	"time"

	"github.com/relaykit/relay/internal/rollout"
	"github.com/relaykit/relay/internal/session"
	"github.com/relaykit/relay/pkg/kernel"
)

// InitializeParams/Result back the "initialize" method: the transport's
// handshake, exchanging client/server identity before any session
// methods are called.
type InitializeParams struct {
	ClientName    string `json:"clientName"`
	ClientVersion string `json:"clientVersion"`
}

type InitializeResult struct {
	ServerName    string `json:"serverName"`
	ServerVersion string `json:"serverVersion"`
}

// GetUserAgentResult backs "getUserAgent".
type GetUserAgentResult struct {
	UserAgent string `json:"userAgent"`
}

// ExecOneOffCommandParams/Result back "execOneOffCommand": a
// fire-and-forget shell invocation outside any session/turn, used by a
// UI for things like "run git status" without opening a conversation.
type ExecOneOffCommandParams struct {
	Command   []string `json:"command"`
	CWD       string   `json:"cwd"`
	TimeoutMS int64    `json:"timeoutMs,omitempty"`
}

type ExecOneOffCommandResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	TimedOut bool   `json:"timedOut"`
}

// FuzzyFileSearchParams/Result back the one-shot "fuzzyFileSearch"
// method; FuzzyMatch is also reused by the streaming session variants.
type FuzzyFileSearchParams struct {
	Query string `json:"query"`
	Root  string `json:"root"`
	Limit int    `json:"limit,omitempty"`
}

type FuzzyMatch struct {
	Path  string `json:"path"`
	Score int    `json:"score"`
}

type FuzzyFileSearchResult struct {
	Matches []FuzzyMatch `json:"matches"`
}

// FuzzyFileSearchStartSessionParams/Result back
// "fuzzyFileSearch.startSession": a long-lived incremental search the
// client narrows with updateQuery as the user types, torn down with
// stop.
type FuzzyFileSearchStartSessionParams struct {
	Root string `json:"root"`
}

type FuzzyFileSearchStartSessionResult struct {
	SessionID string `json:"sessionId"`
}

type FuzzyFileSearchUpdateQueryParams struct {
	SessionID string `json:"sessionId"`
	Query     string `json:"query"`
	Limit     int    `json:"limit,omitempty"`
}

type FuzzyFileSearchStopParams struct {
	SessionID string `json:"sessionId"`
}

// FuzzyFileSearchSessionUpdated/Completed are the push notifications
// "fuzzyFileSearch/sessionUpdated" and "fuzzyFileSearch/sessionCompleted"
// §6.1 names.
type FuzzyFileSearchSessionUpdated struct {
	SessionID string       `json:"sessionId"`
	Matches   []FuzzyMatch `json:"matches"`
}

type FuzzyFileSearchSessionCompleted struct {
	SessionID string `json:"sessionId"`
}

// McpServerStatus is one entry of "mcpServerStatus/list"'s result,
// matching scenario S6's shape: enabled, an optional failure message,
// and the tools the server exposed (empty on failure).
type McpServerStatus struct {
	Name    string   `json:"name"`
	Enabled bool     `json:"enabled"`
	Failure *string  `json:"failure,omitempty"`
	Tools   []string `json:"tools"`
	Auth    string   `json:"auth,omitempty"`
}

type McpServerStatusListResult struct {
	Servers []McpServerStatus `json:"servers"`
}

// ThreadListParams/Result back "thread/list": pagination by
// limit/cursor (an opaque offset string here since the index orders by
// updated_at DESC).
type ThreadListParams struct {
	Limit  int    `json:"limit,omitempty"`
	Cursor string `json:"cursor,omitempty"`
}

type ThreadSummary struct {
	ThreadID     kernel.ThreadId   `json:"threadId"`
	SessionID    kernel.SessionId  `json:"sessionId"`
	Path         string            `json:"path"`
	ForkedFromID *kernel.SessionId `json:"forkedFromId,omitempty"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

type ThreadListResult struct {
	Threads    []ThreadSummary `json:"threads"`
	NextCursor string          `json:"nextCursor,omitempty"`
}

// ThreadReadParams/Result back "thread/read": a single thread's index
// record plus its replayed rollout items, classified the same way
// internal/session.handleConfigureSession classifies a resume.
type ThreadReadParams struct {
	ThreadID kernel.ThreadId `json:"threadId"`
}

type ThreadReadResult struct {
	Thread ThreadSummary              `json:"thread"`
	Kind   rollout.InitialHistoryKind `json:"kind"`
	Items  []kernel.RolloutItem       `json:"items"`
}

// SessionOpenParams/Result back "session/open": either a fresh session
// (ResumePath empty) or a resumed/forked one.
type SessionOpenParams struct {
	SessionID  kernel.SessionId `json:"sessionId"`
	ResumePath string           `json:"resumePath,omitempty"`
}

type SessionOpenResult struct {
	SessionID kernel.SessionId `json:"sessionId"`
	State     string           `json:"state"`
}

// SessionSubmitParams/Result back "session/submit": the moral
// equivalent of Session.SubmitUserTurn through the RPC boundary.
type SessionSubmitParams struct {
	SessionID kernel.SessionId `json:"sessionId"`
	Text      string           `json:"text"`
}

type SessionSubmitResult struct {
	Accepted bool `json:"accepted"`
}

// SessionPush is the envelope for the "session/*" push-notification
// family §6.1 names generically (session/event carries one ordered
// session event verbatim so a transport can forward it without
// re-deriving ordering).
type SessionPush struct {
	SessionID kernel.SessionId `json:"sessionId"`
	Method    string           `json:"method"`
	Payload   any              `json:"payload"`
}

// Notifier is how a Dispatcher pushes server-initiated notifications
// (the fuzzyFileSearch/* and session/* methods in §6.1's push list) to
// whatever transport is listening. A transport supplies its own
// implementation (e.g. writing a JSON-RPC notification frame); tests
// supply a channel-backed one.
type Notifier interface {
	Notify(method string, payload any)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(method string, payload any)

func (f NotifierFunc) Notify(method string, payload any) { f(method, payload) }

// Surface is the JSON-RPC method set §6.1 names, modeled as a Go
// interface with no transport framing. Every method is synchronous;
// server-initiated push notifications flow out through the Notifier a
// Dispatcher was constructed with instead of a return value.
type Surface interface {
	Initialize(params InitializeParams) (InitializeResult, error)
	GetUserAgent() (GetUserAgentResult, error)
	ExecOneOffCommand(params ExecOneOffCommandParams) (ExecOneOffCommandResult, error)

	FuzzyFileSearch(params FuzzyFileSearchParams) (FuzzyFileSearchResult, error)
	FuzzyFileSearchStartSession(params FuzzyFileSearchStartSessionParams) (FuzzyFileSearchStartSessionResult, error)
	FuzzyFileSearchUpdateQuery(params FuzzyFileSearchUpdateQueryParams) error
	FuzzyFileSearchStop(params FuzzyFileSearchStopParams) error

	McpServerStatusList() (McpServerStatusListResult, error)

	ThreadList(params ThreadListParams) (ThreadListResult, error)
	ThreadRead(params ThreadReadParams) (ThreadReadResult, error)

	SessionOpen(params SessionOpenParams) (SessionOpenResult, error)
	SessionSubmit(params SessionSubmitParams) (SessionSubmitResult, error)
}

// sessionHandle is the subset of *session.Session the Dispatcher needs;
// narrowed to an interface so tests can substitute a fake without
// constructing a full Session.
type sessionHandle interface {
	Submit(op session.Op)
	SubmitUserTurn(text string)
	State() session.State
}
