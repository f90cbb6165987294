// Package kernelerr defines the typed error kinds surfaced by the session
// kernel to the UI/history, per the error handling design: handler-level
// errors are reified as failed tool outputs so the model can recover,
// while session-level errors abort a turn without aborting the Session.
package kernelerr

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for conditions callers may want to match with errors.Is.
var (
	ErrApprovalDenied  = errors.New("cancelled by user")
	ErrSessionShutdown = errors.New("session shut down: not allowed")
	ErrNoActiveTurn    = errors.New("no active turn")
	ErrTurnInFlight    = errors.New("a user-facing turn is already active")
)

// Kind discriminates the terminal-vs-recoverable error kinds from §7.
type Kind string

const (
	KindStream            Kind = "stream"
	KindUnexpectedStatus  Kind = "unexpected_status"
	KindUsageLimitReached Kind = "usage_limit_reached"
	KindUsageNotIncluded  Kind = "usage_not_included"
	KindQuotaExceeded     Kind = "quota_exceeded"
	KindServerOverloaded  Kind = "server_overloaded"
	KindSandboxDenied     Kind = "sandbox_denied"
	KindNetworkBlocked    Kind = "network_blocked"
	KindApprovalDenied    Kind = "approval_denied"
	KindToolSchema        Kind = "tool_schema"
	KindMCPServer         Kind = "mcp_server"
	KindAgentNotFound     Kind = "agent_not_found"
)

// Terminal reports whether an error of this kind ends the turn (as opposed
// to being recoverable in place, like a tool failure surfaced to the model).
func (k Kind) Terminal() bool {
	switch k {
	case KindSandboxDenied, KindNetworkBlocked, KindApprovalDenied, KindToolSchema, KindMCPServer:
		return false
	default:
		return true
	}
}

// KernelError is the structured error type carried on Event.Error.
type KernelError struct {
	Kind    Kind
	Message string

	// Stream
	RetryAfter time.Duration
	RequestID  string

	// UnexpectedStatus
	Status int
	Body   string

	// UsageLimitReached
	PlanType       string
	ResetsInSec    int64
	HasResetsInSec bool

	// SandboxDenied / NetworkBlocked
	Reason string
	Host   string

	// McpServer
	Server string
	Phase  MCPPhase

	// AgentNotFound
	Agent   string
	Command string

	Err error
}

// MCPPhase distinguishes a server-start failure from a tool-listing failure,
// per the failure-phase telemetry §4.I calls for.
type MCPPhase string

const (
	PhaseStart     MCPPhase = "start"
	PhaseListTools MCPPhase = "list_tools"
	PhaseInvoke    MCPPhase = "invoke"
)

func (e *KernelError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *KernelError) Unwrap() error { return e.Err }

func Stream(message string, requestID string, retryAfter time.Duration) *KernelError {
	return &KernelError{Kind: KindStream, Message: message, RequestID: requestID, RetryAfter: retryAfter}
}

func UnexpectedStatus(status int, body string, requestID string) *KernelError {
	return &KernelError{
		Kind:      KindUnexpectedStatus,
		Message:   fmt.Sprintf("unexpected status %d", status),
		Status:    status,
		Body:      body,
		RequestID: requestID,
	}
}

func UsageLimitReached(planType string, resetsIn *int64) *KernelError {
	e := &KernelError{Kind: KindUsageLimitReached, Message: "usage limit reached", PlanType: planType}
	if resetsIn != nil {
		e.ResetsInSec = *resetsIn
		e.HasResetsInSec = true
	}
	return e
}

func UsageNotIncluded() *KernelError {
	return &KernelError{Kind: KindUsageNotIncluded, Message: "usage not included in plan"}
}

func QuotaExceeded() *KernelError {
	return &KernelError{Kind: KindQuotaExceeded, Message: "quota exceeded"}
}

func ServerOverloaded() *KernelError {
	return &KernelError{Kind: KindServerOverloaded, Message: "server overloaded"}
}

func SandboxDenied(reason string) *KernelError {
	return &KernelError{Kind: KindSandboxDenied, Message: reason, Reason: reason}
}

func NetworkBlocked(reason, host string) *KernelError {
	return &KernelError{Kind: KindNetworkBlocked, Message: reason, Reason: reason, Host: host}
}

func ApprovalDenied() *KernelError {
	return &KernelError{Kind: KindApprovalDenied, Message: "cancelled by user", Err: ErrApprovalDenied}
}

func ToolSchema(err error) *KernelError {
	return &KernelError{Kind: KindToolSchema, Message: fmt.Sprintf("tool schema mismatch: %v", err), Err: err}
}

func MCPServer(server, message string, phase MCPPhase) *KernelError {
	return &KernelError{Kind: KindMCPServer, Server: server, Message: message, Phase: phase}
}

func AgentNotFound(agentFamily, command string) *KernelError {
	return &KernelError{
		Kind:    KindAgentNotFound,
		Agent:   agentFamily,
		Command: command,
		Message: fmt.Sprintf("agent %q not found (looked for %q)", agentFamily, command),
	}
}
