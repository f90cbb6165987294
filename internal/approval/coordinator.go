// Package approval implements the approval coordinator: exec, patch, and
// network approval requests, per-session scoping, and decision routing
// from the UI back to the blocked handler goroutine.
package approval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/relaykit/relay/internal/kernelerr"
)

// Decision is the UI's response to a pending approval request.
type Decision string

const (
	Approved           Decision = "approved"
	ApprovedForSession Decision = "approved_for_session"
	Denied             Decision = "denied"
	Abort              Decision = "abort"
)

// RequestKind discriminates the three request shapes §4.C describes.
type RequestKind string

const (
	KindExec       RequestKind = "exec"
	KindApplyPatch RequestKind = "apply_patch"
	KindNetwork    RequestKind = "network"
)

// Request is a pending approval request forwarded to the UI, keyed by
// ID (falling back to CallID when the caller has no distinct approval
// id).
type Request struct {
	ID        string
	Kind      RequestKind
	CallID    string
	Command   []string
	Reason    string
	Changes   string // ApplyPatch: unified diff summary
	GrantRoot string // ApplyPatch: requested writable-root upgrade
	Host      string // Network
	Protocol  string // Network
}

// pending is a request awaiting a decision, and the channel its issuer
// blocks on.
type pending struct {
	req    Request
	result chan Decision
}

// Coordinator tracks pending approval requests for one Session and the
// session-wide approval sets Approved-for-session decisions populate.
// Safe for concurrent use: handlers call RequestApproval from arbitrary
// goroutines while the UI-facing side calls Resolve from the session's
// event loop.
type Coordinator struct {
	mu sync.Mutex

	pending map[string]*pending

	// sessionApprovals holds command_hash|patch_root keys approved for
	// the remainder of the session (ApprovedForSession for Exec/ApplyPatch).
	sessionApprovals map[string]struct{}
	// sessionHosts holds lowercased hostnames approved for the session
	// (ApprovedForSession for Network), tracked separately from the
	// per-attempt approved-hosts set below.
	sessionHosts map[string]struct{}
	// attemptHosts holds hosts approved for the current attempt only,
	// reset by ResetAttempt between retries of the same call.
	attemptHosts map[string]struct{}

	// aborted marks attempts whose approvals are all refused without
	// re-prompting, keyed by attempt id.
	aborted map[string]struct{}

	onRequest  func(Request)
	onDecision func(Request, Decision)
}

// New creates an empty Coordinator. onRequest is invoked (outside the
// Coordinator's lock) whenever a new Request is created, so the caller
// can forward it to the UI as an ExecApprovalRequest/ApplyPatchApprovalRequest
// event.
func New(onRequest func(Request)) *Coordinator {
	return &Coordinator{
		pending:          make(map[string]*pending),
		sessionApprovals: make(map[string]struct{}),
		sessionHosts:     make(map[string]struct{}),
		attemptHosts:     make(map[string]struct{}),
		aborted:          make(map[string]struct{}),
		onRequest:        onRequest,
	}
}

// CommandHash derives the session-approval key for an Exec/ApplyPatch
// request from its command argv (or patch root).
func CommandHash(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:8])
}

// RequestCommandApproval blocks until the UI resolves req (or ctx is
// cancelled), applying session/attempt approval-set shortcuts first so
// an already-approved command or host never re-prompts.
func (c *Coordinator) RequestCommandApproval(ctx context.Context, attemptID string, req Request) (Decision, error) {
	if req.ID == "" {
		req.ID = req.CallID
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	if c.isAborted(attemptID) {
		return Denied, kernelerr.ApprovalDenied()
	}

	if c.isPreApproved(req) {
		return Approved, nil
	}

	p := &pending{req: req, result: make(chan Decision, 1)}
	c.mu.Lock()
	c.pending[req.ID] = p
	c.mu.Unlock()

	if c.onRequest != nil {
		c.onRequest(req)
	}

	select {
	case decision := <-p.result:
		c.recordDecision(attemptID, req, decision)
		if decision == Denied || decision == Abort {
			return decision, kernelerr.ApprovalDenied()
		}
		return decision, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return Denied, ctx.Err()
	}
}

// isPreApproved checks whether req is already covered by a session-wide
// approval, without creating a new pending entry.
func (c *Coordinator) isPreApproved(req Request) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch req.Kind {
	case KindNetwork:
		host := strings.ToLower(req.Host)
		if _, ok := c.sessionHosts[host]; ok {
			return true
		}
		_, ok := c.attemptHosts[host]
		return ok
	default:
		key := sessionKey(req)
		_, ok := c.sessionApprovals[key]
		return ok
	}
}

func sessionKey(req Request) string {
	switch req.Kind {
	case KindApplyPatch:
		return "patch:" + req.GrantRoot + ":" + CommandHash(req.Changes)
	default:
		return "exec:" + CommandHash(req.Command...)
	}
}

// recordDecision updates the session/attempt approval sets after a
// decision is delivered, then notifies the onDecision observer outside
// the lock.
func (c *Coordinator) recordDecision(attemptID string, req Request, decision Decision) {
	c.mu.Lock()
	switch decision {
	case ApprovedForSession:
		if req.Kind == KindNetwork {
			c.sessionHosts[strings.ToLower(req.Host)] = struct{}{}
		} else {
			c.sessionApprovals[sessionKey(req)] = struct{}{}
		}
	case Approved:
		if req.Kind == KindNetwork {
			c.attemptHosts[strings.ToLower(req.Host)] = struct{}{}
		}
	case Abort:
		if attemptID != "" {
			c.aborted[attemptID] = struct{}{}
		}
	}
	onDecision := c.onDecision
	c.mu.Unlock()

	if onDecision != nil {
		onDecision(req, decision)
	}
}

// SetOnRequest replaces the request-forwarding callback. Used when a
// Coordinator must be constructed before its owning Session exists
// (tool handlers are registered, and need a live Coordinator, before
// the Session that will forward their requests to the event stream is
// built) — the caller wires the real callback once the Session is
// available.
func (c *Coordinator) SetOnRequest(onRequest func(Request)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRequest = onRequest
}

// SetOnDecision registers a callback invoked after each delivered
// decision has updated the approval sets. The session wires its
// metrics counter here.
func (c *Coordinator) SetOnDecision(onDecision func(Request, Decision)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDecision = onDecision
}

// Resolve delivers decision to the pending request identified by id. It
// is a no-op if no such request is pending (already resolved or
// cancelled).
func (c *Coordinator) Resolve(id string, decision Decision) error {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("approval: no pending request %q", id)
	}
	p.result <- decision
	return nil
}

func (c *Coordinator) isAborted(attemptID string) bool {
	if attemptID == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.aborted[attemptID]
	return ok
}

// ResetAttempt clears the per-attempt approved-hosts set, called when a
// new attempt of a call begins (a fresh retry should re-prompt for hosts
// it hasn't seen approved for the session).
func (c *Coordinator) ResetAttempt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attemptHosts = make(map[string]struct{})
}

// Pending returns the ids of all currently pending requests, for
// diagnostics/tests.
func (c *Coordinator) Pending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	return ids
}
