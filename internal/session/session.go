// Package session implements the session/turn state machine (§4.K): the
// component that ties the rollout recorder, environment-context
// timeline, approval coordinator, sandbox policy, tool registry,
// scheduler, exec engine, and streaming model client into one
// serialized turn loop.
//
// Grounded on internal/agent/loop.go's AgenticLoop/LoopState phase
// decomposition (initializeState -> streamPhase -> executeToolsPhase ->
// continuePhase), generalized from a single pkg/models/sessions.Store
// turn into the kernel's ConversationItem stream and the orchestration
// packages built for this kernel. Ops are submitted from one goroutine
// (the JSON-RPC/CLI frontend) and drained by the Session's own run
// loop, matching the teacher's single-consumer channel idiom in
// AgenticLoop.Run.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaykit/relay/internal/approval"
	"github.com/relaykit/relay/internal/envctx"
	"github.com/relaykit/relay/internal/execengine"
	"github.com/relaykit/relay/internal/kernelerr"
	"github.com/relaykit/relay/internal/modelclient"
	"github.com/relaykit/relay/internal/observability"
	"github.com/relaykit/relay/internal/ordering"
	"github.com/relaykit/relay/internal/rollout"
	"github.com/relaykit/relay/internal/sandbox"
	"github.com/relaykit/relay/internal/tools"
	"github.com/relaykit/relay/pkg/kernel"
)

// State is one of the states described by §4.K:
// Idle -> ConfiguringSession -> Ready -> (TurnRunning|Reviewing) -> Ready|Failed.
type State string

const (
	StateIdle               State = "idle"
	StateConfiguringSession State = "configuring_session"
	StateReady              State = "ready"
	StateTurnRunning        State = "turn_running"
	StateReviewing          State = "reviewing"
	StateFailed             State = "failed"
)

// ReviewRunner is the hook §4.M's controller satisfies; Session calls it
// at TaskStarted/TaskComplete boundaries without depending on its
// implementation directly.
type ReviewRunner interface {
	// OnTaskStarted captures whatever baseline auto-review needs (a
	// ghost commit, typically) before a user turn's tool calls run.
	OnTaskStarted(ctx context.Context, turnID kernel.TurnId)
	// OnTaskComplete is invoked after a user turn's final message is
	// recorded; it may enqueue a follow-up review turn via Submit.
	OnTaskComplete(ctx context.Context, turnID kernel.TurnId, lastMessage string)
	// OnReviewComplete is invoked after a /review or auto-enqueued
	// review turn finishes, with the raw request that opened it and the
	// review turn's final assistant message for findings synthesis.
	OnReviewComplete(ctx context.Context, req kernel.ReviewRequest, turnID kernel.TurnId, lastMessage string)
}

// Hooks are optional callbacks a frontend supplies; nil fields are
// skipped.
type Hooks struct {
	Review ReviewRunner
}

// Config bundles everything needed to construct a Session. The
// component packages (Registry, Policy, Client, ...) are constructed
// and wired by the caller (typically cmd's CLI wiring); Session itself
// only drives them.
type Config struct {
	SessionID  kernel.SessionId
	ThreadID   kernel.ThreadId
	CWD        string
	Originator string
	CLIVersion string

	CodeHome string

	Model            string
	BaseInstructions string
	ReasoningEffort  modelclient.ReasoningEffort
	Verbosity        string
	MaxOutputTokens  int

	ApprovalPolicy kernel.ApprovalPolicy
	Policy         sandbox.Policy

	// Approvals, if set, is the coordinator built (and already handed to
	// RegisterBuiltins/MCP registration) before the Session existed;
	// Session wires its own onRequest callback onto it rather than
	// constructing a second instance. Nil constructs a fresh one, for
	// callers (tests) with no tool handlers to share it with.
	Approvals *approval.Coordinator

	Registry   *tools.Registry
	ExecEngine *execengine.Engine
	Client     modelclient.Client

	MaxIterations    int
	MaxToolCalls     int
	MaxStreamRetries int
	WallClockBudget  time.Duration

	Hooks  Hooks
	Logger *slog.Logger

	// Metrics receives the turn/tool/approval counters; nil records
	// nothing (observability.Metrics methods are nil-safe).
	Metrics *observability.Metrics
}

func (c *Config) sanitize() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 50
	}
	if c.MaxToolCalls <= 0 {
		c.MaxToolCalls = 200
	}
	if c.MaxStreamRetries <= 0 {
		c.MaxStreamRetries = 3
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Op is a submission driving the state machine, per §4.K ("Transitions
// are driven by Op submissions and by model stream events").
type Op struct {
	Kind OpKind

	// OpUserInput / OpReviewTurn
	Input  []kernel.ContentPart
	Images []string

	// OpConfigureSession
	ResumePath string

	// OpReview
	Review kernel.ReviewRequest
}

// OpKind discriminates Op.
type OpKind string

const (
	OpConfigureSession OpKind = "configure_session"
	OpUserInput        OpKind = "user_input"
	OpReview           OpKind = "review"
	OpInterrupt        OpKind = "interrupt"
	OpShutdown         OpKind = "shutdown"
)

// Session is the single-writer turn state machine for one thread. All
// mutable state (history, timeline, state) is owned by the goroutine
// running Run; Submit is the only thread-safe entry point from other
// goroutines, matching the concurrency model's "only the Session task
// mutates [history]" rule.
type Session struct {
	cfg Config

	recorder  *rollout.Recorder
	timeline  *envctx.Timeline
	approvals *approval.Coordinator
	seq       *ordering.Sequencer

	ops    chan Op
	events chan ordering.Event

	// eventsMu guards events against a send racing closeEvents: a
	// straggling tool-handler goroutine firing an approval callback
	// after Run returned must fail closed, not panic on the closed
	// channel.
	eventsMu     sync.RWMutex
	eventsClosed bool

	mu             sync.Mutex
	state          State
	history        []kernel.ConversationItem
	requestOrdinal uint64
	cancelTurn     context.CancelFunc
}

// New opens (or, via ConfigureSession, resumes/forks) a rollout and
// returns an idle Session. Callers must call Run in a goroutine before
// Submitting any Op.
func New(cfg Config) (*Session, error) {
	cfg.sanitize()
	if cfg.SessionID == "" {
		cfg.SessionID = kernel.SessionId(uuid.NewString())
	}
	if cfg.ThreadID == "" {
		cfg.ThreadID = kernel.ThreadId(cfg.SessionID)
	}

	recorder, err := rollout.New(rollout.Config{CodeHome: cfg.CodeHome, Logger: cfg.Logger}, rollout.Params{
		ThreadID:   cfg.ThreadID,
		SessionID:  cfg.SessionID,
		CWD:        cfg.CWD,
		Originator: cfg.Originator,
		CLIVersion: cfg.CLIVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("session: opening rollout: %w", err)
	}

	s := &Session{
		cfg:      cfg,
		recorder: recorder,
		timeline: envctx.New(),
		seq:      ordering.NewSequencer(),
		ops:      make(chan Op, 16),
		events:   make(chan ordering.Event, 256),
		state:    StateReady,
	}
	// onRequest forwards a pending approval straight to the event
	// stream; it runs on whatever goroutine the tool handler called
	// RequestCommandApproval from, so it must not block on a slow or
	// absent consumer. After shutdown it resolves the request Denied
	// instead of prompting: a dangling callback fails closed with
	// "not allowed" rather than racing the closed event channel.
	onRequest := func(req approval.Request) {
		meta := s.seq.Next(s.peekOrdinal(), nil, nil)
		s.eventsMu.RLock()
		if s.eventsClosed {
			s.eventsMu.RUnlock()
			s.cfg.Logger.Warn("session: approval requested after shutdown, denying", "id", req.ID, "error", kernelerr.ErrSessionShutdown)
			_ = s.approvals.Resolve(req.ID, approval.Denied)
			return
		}
		select {
		case s.events <- ordering.Event{Meta: meta, Kind: ordering.KindApprovalRequest, Payload: req}:
		default:
			s.cfg.Logger.Warn("session: event channel full, dropping approval request", "id", req.ID)
		}
		s.eventsMu.RUnlock()
	}
	if cfg.Approvals != nil {
		s.approvals = cfg.Approvals
		s.approvals.SetOnRequest(onRequest)
	} else {
		s.approvals = approval.New(onRequest)
	}
	s.approvals.SetOnDecision(func(_ approval.Request, d approval.Decision) {
		s.cfg.Metrics.ApprovalDecision(string(d))
	})
	return s, nil
}

// Events returns the ordered event stream a frontend drains. Closed
// when Run returns.
func (s *Session) Events() <-chan ordering.Event { return s.events }

// SetReviewHook wires a ReviewRunner after construction, for callers
// (such as review.New) that need the live *Session as their
// SessionHandle before the hook itself can be built. Must be called
// before the first Op is submitted; Run and the turn loop only ever
// read cfg.Hooks.Review, never write it.
func (s *Session) SetReviewHook(r ReviewRunner) { s.cfg.Hooks.Review = r }

// Approvals exposes the coordinator so a frontend can wire its
// Resolve(id, decision) calls; handlers registered on cfg.Registry call
// RequestCommandApproval against the same instance.
func (s *Session) Approvals() *approval.Coordinator { return s.approvals }

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CWD returns the session's immutable working directory, per §3's "cwd
// is immutable for the lifetime of a turn" invariant.
func (s *Session) CWD() string { return s.cfg.CWD }

// PostBackground appends a system-role message to history (recorded via
// the rollout recorder) and emits it on the event stream, without
// opening a turn. Used by the review/auto-resolve controller (§4.M) to
// surface "no issues found" / "auto review skipped" notices.
func (s *Session) PostBackground(ctx context.Context, text string) {
	item := kernel.ConversationItem{
		Type:    kernel.ItemMessage,
		Role:    kernel.RoleSystem,
		Content: []kernel.ContentPart{{Type: kernel.ContentOutputText, Text: text}},
	}
	s.appendHistory(item)
	s.recordRollout(kernel.RolloutItem{Kind: kernel.RolloutResponse, Response: &item})
	s.emit(ctx, s.peekOrdinal(), nil, nil, ordering.KindItem, item)
}

// EmitReviewOutput surfaces a review task's terminal result on the
// ordered event stream (§4.M).
func (s *Session) EmitReviewOutput(ctx context.Context, out kernel.ReviewOutputEvent) {
	s.emit(ctx, s.peekOrdinal(), nil, nil, ordering.KindReviewOutput, out)
}

// Submit enqueues op for processing by Run. It never blocks the caller
// on the turn itself — only on the bounded ops queue filling up, which
// would indicate a frontend submitting far faster than turns complete.
func (s *Session) Submit(op Op) {
	s.ops <- op
}

// SubmitReview enqueues a review Op. Satisfies review.SessionHandle so
// *Session can be passed directly to review.New without a wrapper type.
func (s *Session) SubmitReview(req kernel.ReviewRequest) {
	s.Submit(Op{Kind: OpReview, Review: req})
}

// SubmitUserTurn enqueues text as ordinary user input, per §4.M's
// auto-resolve loop step 2 ("submit as a user turn").
func (s *Session) SubmitUserTurn(text string) {
	s.Submit(Op{Kind: OpUserInput, Input: []kernel.ContentPart{{Type: kernel.ContentInputText, Text: text}}})
}

// Run drains ops until ctx is cancelled or an OpShutdown is submitted,
// dispatching each to its handler. It returns once the event channel
// has been drained and closed.
func (s *Session) Run(ctx context.Context) error {
	defer s.closeEvents()
	for {
		select {
		case <-ctx.Done():
			return s.shutdown()
		case op := <-s.ops:
			if op.Kind == OpShutdown {
				return s.shutdown()
			}
			s.handle(ctx, op)
		}
	}
}

func (s *Session) handle(ctx context.Context, op Op) {
	switch op.Kind {
	case OpConfigureSession:
		s.handleConfigureSession(ctx, op)
	case OpUserInput:
		s.handleUserInput(ctx, op)
	case OpReview:
		s.handleReview(ctx, op)
	case OpInterrupt:
		s.handleInterrupt()
	default:
		s.cfg.Logger.Warn("session: unknown op kind", "kind", op.Kind)
	}
}

// handleInterrupt implements §5's cancellation contract: every
// outstanding child gets SIGTERM (via ctx cancellation propagating into
// execengine's terminateWithGrace), in-flight approvals resolve Denied,
// and mid-turn answer ids are marked interrupted.
func (s *Session) handleInterrupt() {
	s.mu.Lock()
	cancel := s.cancelTurn
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	for _, id := range s.approvals.Pending() {
		_ = s.approvals.Resolve(id, approval.Denied)
	}
}

func (s *Session) shutdown() error {
	s.mu.Lock()
	if s.cancelTurn != nil {
		s.cancelTurn()
	}
	s.mu.Unlock()
	// A recorder that cannot flush is the one fatal end state: the
	// transcript contract (§4.A's fsync-on-shutdown) is broken, so the
	// session lands Failed rather than Ready.
	if err := s.recorder.Shutdown(); err != nil {
		s.setState(StateFailed)
		return err
	}
	return nil
}

// emit stamps meta via the session's sequencer and pushes the event.
// Blocking here is intentional: the frontend is expected to drain
// continuously (per §5's suspension-point model), so backpressure on a
// slow consumer is preferable to silently dropping ordered events.
func (s *Session) emit(ctx context.Context, requestOrdinal uint64, outputIndex, sequenceNumber *uint64, kind ordering.Kind, payload any) {
	meta := s.seq.Next(requestOrdinal, outputIndex, sequenceNumber)
	s.sendEvent(ctx, ordering.Event{Meta: meta, Kind: kind, Payload: payload})
}

// sendEvent delivers ev unless the session has already shut down,
// reporting whether the event was accepted. Late sends from straggler
// goroutines are dropped instead of panicking on the closed channel.
func (s *Session) sendEvent(ctx context.Context, ev ordering.Event) bool {
	s.eventsMu.RLock()
	defer s.eventsMu.RUnlock()
	if s.eventsClosed {
		return false
	}
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Session) closeEvents() {
	s.eventsMu.Lock()
	s.eventsClosed = true
	close(s.events)
	s.eventsMu.Unlock()
}

// nextRequestOrdinal increments and returns the per-session request
// counter, stamped on every model request attempt per §4.N.
func (s *Session) nextRequestOrdinal() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestOrdinal++
	return s.requestOrdinal
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// TaskStartedEvent is the payload for ordering.KindTurnComplete's
// counterpart at the start of a turn (Start step 1 of §4.K).
type TaskStartedEvent struct {
	TurnID kernel.TurnId
}

// TaskCompleteEvent is the payload emitted at End (§4.K step 5).
type TaskCompleteEvent struct {
	TurnID           kernel.TurnId
	LastAgentMessage string
	Interrupted      bool
}

// ReconnectingEvent notifies the UI of a transient stream fault being
// retried, per §4.L.
type ReconnectingEvent struct {
	TurnID kernel.TurnId
	Reason string
}

// ToolCallBeginEvent/ToolCallEndEvent bracket one scheduled tool call.
type ToolCallBeginEvent struct {
	TurnID kernel.TurnId
	CallID kernel.CallId
	Name   string
}

type ToolCallEndEvent struct {
	TurnID kernel.TurnId
	CallID kernel.CallId
	Item   kernel.ConversationItem
	Err    error
}

// ErrorEvent wraps a terminal *kernelerr.KernelError surfaced mid-turn.
type ErrorEvent struct {
	TurnID kernel.TurnId
	Err    *kernelerr.KernelError
}
