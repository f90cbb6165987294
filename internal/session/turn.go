package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/relaykit/relay/internal/backoff"
	"github.com/relaykit/relay/internal/envctx"
	"github.com/relaykit/relay/internal/kernelerr"
	"github.com/relaykit/relay/internal/modelclient"
	"github.com/relaykit/relay/internal/ordering"
	"github.com/relaykit/relay/internal/scheduler"
	"github.com/relaykit/relay/pkg/kernel"
)

// handleUserInput implements the Start step of the turn lifecycle and
// launches the rest of it (Stream/Tool phase/Repeat/End) on its own
// goroutine so Run keeps draining Ops (an Interrupt must reach the turn
// while it's in flight).
func (s *Session) handleUserInput(ctx context.Context, op Op) {
	if s.State() != StateReady {
		s.cfg.Logger.Warn("session: user input while not ready", "state", s.State())
		return
	}

	turnID := kernel.TurnId(uuid.NewString())
	turnCtx, cancel := context.WithCancel(ctx)
	if s.cfg.WallClockBudget > 0 {
		turnCtx, cancel = context.WithTimeout(turnCtx, s.cfg.WallClockBudget)
	}
	s.mu.Lock()
	s.cancelTurn = cancel
	s.mu.Unlock()
	s.setState(StateTurnRunning)

	input := inputItems(op.Input, op.Images)
	go s.runTurn(turnCtx, cancel, turnID, input, false)
}

func inputItems(parts []kernel.ContentPart, images []string) []kernel.ConversationItem {
	content := make([]kernel.ContentPart, 0, len(parts)+len(images))
	content = append(content, parts...)
	for _, img := range images {
		content = append(content, kernel.ContentPart{Type: kernel.ContentImage, ImageURL: img})
	}
	return []kernel.ConversationItem{{Type: kernel.ItemMessage, Role: kernel.RoleUser, Content: content}}
}

// runTurn drives Start -> Stream -> Tool phase -> Repeat -> End. It
// always restores the session to Ready (or Failed) and clears
// cancelTurn before returning, whatever the outcome.
// runTurn drives one turn's Start/Stream/Tool-phase/Repeat/End cycle.
// isReview is true only for the turn a /review Op opens: the
// auto-review hooks are scoped to user-facing turns (§4.M fires them
// "at TaskStarted"/"at TaskComplete" of the turn being reviewed, not of
// the review turn itself), so they are skipped here to avoid a review
// turn recursively triggering its own auto-review baseline/diff.
func (s *Session) runTurn(ctx context.Context, cancel context.CancelFunc, turnID kernel.TurnId, input []kernel.ConversationItem, isReview bool) (lastMessage string, interrupted bool) {
	defer cancel()
	defer func() {
		s.mu.Lock()
		s.cancelTurn = nil
		s.mu.Unlock()
	}()

	// Span per turn; a no-op unless an OTLP endpoint was configured
	// (observability.NewTracer installs the global provider).
	ctx, span := otel.Tracer("relay/session").Start(ctx, "turn",
		trace.WithAttributes(attribute.String("turn.id", string(turnID))))
	defer span.End()

	s.cfg.Metrics.TurnStarted()
	s.emit(ctx, s.peekOrdinal(), nil, nil, ordering.KindItem, TaskStartedEvent{TurnID: turnID})
	if !isReview && s.cfg.Hooks.Review != nil {
		s.cfg.Hooks.Review.OnTaskStarted(ctx, turnID)
	}

	s.recordRollout(kernel.RolloutItem{Kind: kernel.RolloutResponse, Response: &input[0]})
	s.appendHistory(input...)

	toolCalls := 0

	for iteration := 0; iteration < s.cfg.MaxIterations; iteration++ {
		if ctx.Err() != nil {
			s.finishTurn(ctx, turnID, lastMessage, true, isReview)
			return lastMessage, true
		}

		assistantItems, text, kerr := s.streamOnce(ctx, turnID)
		if kerr != nil {
			if ctx.Err() != nil {
				// The fault surfaced by streamOnce is the cancellation
				// itself (an interrupt fired while the attempt was in
				// flight), not a genuine provider failure.
				s.finishTurn(ctx, turnID, lastMessage, true, isReview)
				return lastMessage, true
			}
			// A terminal stream error aborts the turn, not the Session:
			// the error event is recorded and finishTurn returns the
			// Session to Ready so the user can submit again.
			s.cfg.Metrics.TurnError()
			s.emit(ctx, s.peekOrdinal(), nil, nil, ordering.KindError, ErrorEvent{TurnID: turnID, Err: kerr})
			s.finishTurn(ctx, turnID, text, false, isReview)
			return text, false
		}
		lastMessage = text

		pending := extractPendingToolCalls(assistantItems)
		s.recordRollout(responseRolloutItems(assistantItems)...)
		s.appendHistory(assistantItems...)

		if len(pending) == 0 {
			// Terminal message: no further tool calls, per §4.K step 4.
			break
		}

		toolCalls += len(pending)
		if toolCalls > s.cfg.MaxToolCalls {
			s.emit(ctx, s.peekOrdinal(), nil, nil, ordering.KindError, ErrorEvent{TurnID: turnID, Err: kernelerr.ToolSchema(fmt.Errorf("turn exceeded max tool calls (%d)", s.cfg.MaxToolCalls))})
			break
		}

		outputs := s.runToolPhase(ctx, turnID, pending)
		s.recordRollout(responseRolloutItems(outputs)...)
		// Tool outputs are appended to history and become the model's
		// next input via buildRequest's history snapshot, per §4.K step
		// 3's "feed it back as the next turn input" rule.
		s.appendHistory(outputs...)
	}

	s.compactHistoryIfNeeded(ctx)
	s.finishTurn(ctx, turnID, lastMessage, false, isReview)
	return lastMessage, false
}

func (s *Session) finishTurn(ctx context.Context, turnID kernel.TurnId, lastMessage string, interrupted, isReview bool) {
	s.cfg.Metrics.TurnCompleted()
	s.emit(ctx, s.peekOrdinal(), nil, nil, ordering.KindTurnComplete, TaskCompleteEvent{
		TurnID:           turnID,
		LastAgentMessage: lastMessage,
		Interrupted:      interrupted,
	})
	if s.State() != StateFailed {
		s.setState(StateReady)
	}
	if !isReview && s.cfg.Hooks.Review != nil {
		s.cfg.Hooks.Review.OnTaskComplete(ctx, turnID, lastMessage)
	}
}

func (s *Session) peekOrdinal() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestOrdinal
}

// streamOnce runs one model-request attempt, retrying in place on
// transient faults (up to cfg.MaxStreamRetries) per §4.L's retry
// classification, and returns the assistant's emitted items plus the
// concatenated text once a ChunkDone closes the stream cleanly. Each
// retry waits out an exponential backoff first, so a transient fault
// doesn't turn into a tight hammering loop against the provider.
func (s *Session) streamOnce(ctx context.Context, turnID kernel.TurnId) ([]kernel.ConversationItem, string, *kernelerr.KernelError) {
	var lastErr *kernelerr.KernelError
	policy := backoff.DefaultPolicy()

	for attempt := 0; attempt <= s.cfg.MaxStreamRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, "", kernelerr.Stream(ctx.Err().Error(), "", 0)
		}
		if attempt > 0 {
			if err := backoff.SleepWithContext(ctx, backoff.ComputeBackoff(policy, attempt)); err != nil {
				return nil, "", kernelerr.Stream(err.Error(), "", 0)
			}
		}
		ordinal := s.nextRequestOrdinal()
		req := s.buildRequest(ordinal)

		stream, err := s.cfg.Client.Complete(ctx, req)
		if err != nil {
			if kerr, ok := err.(*kernelerr.KernelError); ok {
				lastErr = kerr
				if kerr.Kind.Terminal() {
					return nil, "", kerr
				}
				s.cfg.Metrics.StreamRetry()
				continue
			}
			lastErr = kernelerr.Stream(err.Error(), "", 0)
			s.cfg.Metrics.StreamRetry()
			continue
		}

		items, text, transient, kerr := s.drainStream(ctx, turnID, ordinal, stream)
		if kerr != nil && kerr.Kind.Terminal() {
			return nil, "", kerr
		}
		if transient {
			lastErr = kerr
			s.cfg.Metrics.StreamRetry()
			s.emit(ctx, ordinal, nil, nil, ordering.KindItem, ReconnectingEvent{TurnID: turnID, Reason: kerr.Error()})
			continue
		}
		return items, text, nil
	}

	return nil, "", lastErr
}

// drainStream consumes one attempt's chunks, accumulating text and
// collecting complete items, until the channel closes.
func (s *Session) drainStream(ctx context.Context, turnID kernel.TurnId, ordinal uint64, stream *modelclient.Stream) (items []kernel.ConversationItem, text string, transient bool, kerr *kernelerr.KernelError) {
	var textBuf []byte

	for chunk := range stream.Chunks {
		switch chunk.Kind {
		case modelclient.ChunkTextDelta:
			textBuf = append(textBuf, chunk.TextDelta...)
			s.emit(ctx, ordinal, chunk.Order.OutputIndex, chunk.Order.SequenceNumber, ordering.KindItem, chunk)
		case modelclient.ChunkReasoningDelta:
			s.emit(ctx, ordinal, chunk.Order.OutputIndex, chunk.Order.SequenceNumber, ordering.KindItem, chunk)
		case modelclient.ChunkItem:
			if chunk.Item != nil {
				items = append(items, *chunk.Item)
			}
			s.emit(ctx, ordinal, chunk.Order.OutputIndex, chunk.Order.SequenceNumber, ordering.KindItem, chunk)
		case modelclient.ChunkRetrying:
			s.emit(ctx, ordinal, nil, nil, ordering.KindItem, ReconnectingEvent{TurnID: turnID, Reason: chunk.RetryReason})
		case modelclient.ChunkDone:
		}
	}

	if err := stream.Err(); err != nil {
		if ke, ok := err.(*kernelerr.KernelError); ok {
			if ke.Kind.Terminal() {
				return nil, "", false, ke
			}
			return nil, "", true, ke
		}
		return nil, "", true, kernelerr.Stream(err.Error(), "", time.Second)
	}

	if len(items) == 0 && len(textBuf) > 0 {
		items = append(items, kernel.ConversationItem{
			Type:    kernel.ItemMessage,
			Role:    kernel.RoleAssistant,
			Content: []kernel.ContentPart{{Type: kernel.ContentOutputText, Text: string(textBuf)}},
		})
	}
	return items, string(textBuf), false, nil
}

// buildRequest assembles the payload described by §4.K step 1: base/user
// instructions, the rendered environment context (or delta), the
// skills inventory, dynamic tool schemas, conversation history, and the
// turn's user input.
func (s *Session) buildRequest(ordinal uint64) modelclient.Request {
	envText := s.boundarySnapshot()

	s.mu.Lock()
	history := append([]kernel.ConversationItem(nil), s.history...)
	s.mu.Unlock()

	return modelclient.Request{
		Model:            s.cfg.Model,
		BaseInstructions: s.cfg.BaseInstructions,
		EnvironmentText:  envText,
		Tools:            s.cfg.Registry.Schemas(),
		History:          history,
		ReasoningEffort:  s.cfg.ReasoningEffort,
		Verbosity:        s.cfg.Verbosity,
		MaxOutputTokens:  s.cfg.MaxOutputTokens,
		RequestOrdinal:   ordinal,
	}
}

// boundarySnapshot records the current environment snapshot into the
// timeline and returns the rendered <environment_context[_delta]> text
// to splice into the next request, or "" when the observation
// deduplicated against the prior one.
func (s *Session) boundarySnapshot() string {
	snap := kernel.EnvironmentContextSnapshot{
		Version:         1,
		CWD:             s.cfg.CWD,
		ApprovalPolicy:  s.cfg.ApprovalPolicy,
		SandboxMode:     kernel.SandboxMode(s.cfg.Policy.Mode),
		NetworkAccess:   kernel.NetworkAccess(s.cfg.Policy.NetworkAccess),
		WritableRoots:   s.cfg.Policy.Workspace.WritableRoots,
		ReasoningEffort: string(s.cfg.ReasoningEffort),
	}

	outcome, delta := s.timeline.RecordSnapshot(snap)
	switch outcome {
	case envctx.OutcomeBaseline, envctx.OutcomeBaselineResend:
		text, err := envctx.RenderBaseline(snap)
		if err != nil {
			s.cfg.Logger.Warn("session: rendering environment baseline", "error", err)
			return ""
		}
		s.recordRollout(kernel.RolloutItem{Kind: kernel.RolloutEnvContext, EnvText: text})
		return text
	case envctx.OutcomeDelta:
		text, err := envctx.RenderDelta(*delta)
		if err != nil {
			s.cfg.Logger.Warn("session: rendering environment delta", "error", err)
			return ""
		}
		s.recordRollout(kernel.RolloutItem{Kind: kernel.RolloutEnvContext, EnvText: text})
		return text
	default: // OutcomeDedupDrop
		return ""
	}
}

// extractPendingToolCalls scans an assistant response for call-shaped
// items the scheduler needs to run, per §4.K step 2's "Tool calls are
// collected into PendingToolCalls" rule.
func extractPendingToolCalls(items []kernel.ConversationItem) []kernel.ConversationItem {
	var pending []kernel.ConversationItem
	for _, item := range items {
		switch item.Type {
		case kernel.ItemFunctionCall, kernel.ItemCustomToolCall, kernel.ItemLocalShellCall:
			pending = append(pending, item)
		}
	}
	return pending
}

// runToolPhase partitions pending calls into scheduler batches and runs
// each batch in turn, preserving emission order within and across
// batches via ToolCallBegin/End events.
func (s *Session) runToolPhase(ctx context.Context, turnID kernel.TurnId, pending []kernel.ConversationItem) []kernel.ConversationItem {
	calls := make([]scheduler.Call, len(pending))
	for i, item := range pending {
		calls[i] = scheduler.Call{
			Invocation: toInvocation(turnID, item),
			OutputPos:  i,
		}
	}

	batches := scheduler.Partition(calls, s.cfg.Registry)
	executor := scheduler.NewExecutor(s.cfg.Registry, 5)

	outputs := make([]kernel.ConversationItem, len(pending))
	var tracker turnDiffTracker

	for _, batch := range batches {
		for _, c := range batch.Calls {
			s.emit(ctx, s.peekOrdinal(), c.OutputIndex, c.SeqHint, ordering.KindToolCallBegin, ToolCallBeginEvent{
				TurnID: turnID, CallID: c.Invocation.Ctx.CallID, Name: c.Invocation.ToolName,
			})
		}

		// Exclusive batches share the turn-global tracker; each call in
		// a parallel batch gets a private instance (§4.F rules 3/4), so
		// a ParallelSafe tool can never observe another call's writes.
		newTracker := func() scheduler.DiffTracker { return &tracker }
		if !batch.Exclusive {
			newTracker = func() scheduler.DiffTracker { return &turnDiffTracker{} }
		}
		results := executor.RunBatch(ctx, batch, newTracker)

		// RunBatch returns results in the same order as batch.Calls, so
		// index i in both slices refers to the same call.
		for i, r := range results {
			item := r.Item
			if r.Err != nil {
				item = toolFailureItem(batch.Calls[i].Invocation, r.Err)
			}
			success := r.Err == nil && (item.Success == nil || *item.Success)
			s.cfg.Metrics.ToolCall(batch.Calls[i].Invocation.ToolName, success, r.Elapsed)
			outputs[r.OutputPos] = item
			s.emit(ctx, s.peekOrdinal(), nil, nil, ordering.KindToolCallEnd, ToolCallEndEvent{
				TurnID: turnID, CallID: item.CallID, Item: item, Err: r.Err,
			})
		}
	}

	return outputs
}

// toolFailureItem reifies a handler/session-level error as a failed
// tool output so the model can recover in place, per §7's "handler
// errors become failed tool outputs" rule. Terminal kernelerr kinds
// never reach here: streamOnce/drainStream abort the turn before the
// scheduler runs.
func toolFailureItem(inv kernel.ToolInvocation, err error) kernel.ConversationItem {
	success := false
	return kernel.ConversationItem{
		Type:       kernel.ItemFunctionCallOutput,
		CallID:     inv.Ctx.CallID,
		OutputText: err.Error(),
		Success:    &success,
	}
}

func toInvocation(turnID kernel.TurnId, item kernel.ConversationItem) kernel.ToolInvocation {
	inv := kernel.ToolInvocation{
		Ctx:      kernel.ToolCallCtx{TurnID: turnID, CallID: item.CallID},
		ToolName: item.Name,
	}
	switch item.Type {
	case kernel.ItemFunctionCall:
		inv.Payload = kernel.ToolPayload{Kind: kernel.PayloadFunction, Arguments: json.RawMessage(item.Arguments)}
	case kernel.ItemCustomToolCall:
		inv.Payload = kernel.ToolPayload{Kind: kernel.PayloadCustom, Input: item.Input}
	case kernel.ItemLocalShellCall:
		inv.ToolName = "shell"
		inv.Payload = kernel.ToolPayload{Kind: kernel.PayloadFunction, Arguments: json.RawMessage(item.Arguments)}
	}
	return inv
}

// fileDiff is one file's before/after content as recorded by
// turnDiffTracker, retained for the turn's diff overlay display (§4.H:
// "baseline content of affected files is captured ... and retained for
// diff overlay display").
type fileDiff struct {
	Path   string
	Before []byte
	After  []byte
}

// turnDiffTracker accumulates file changes observed during one turn's
// tool phase, satisfying scheduler.DiffTracker (and, structurally,
// patch.DiffTracker — see internal/tools.WithDiffTracker, which is how
// the apply-patch handler actually records into the instance
// runToolPhase hands it). runToolPhase keeps one instance alive across
// the whole turn for exclusive batches' "share the turn-global
// tracker" rule; each parallel call is handed a freshly allocated
// instance instead.
type turnDiffTracker struct {
	mu    sync.Mutex
	files []fileDiff
}

func (t *turnDiffTracker) Record(path string, before, after []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.files = append(t.files, fileDiff{
		Path:   path,
		Before: append([]byte(nil), before...),
		After:  append([]byte(nil), after...),
	})
}

// Files returns a snapshot of every change recorded so far.
func (t *turnDiffTracker) Files() []fileDiff {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]fileDiff, len(t.files))
	copy(out, t.files)
	return out
}

func (s *Session) appendHistory(items ...kernel.ConversationItem) {
	s.mu.Lock()
	s.history = append(s.history, items...)
	s.mu.Unlock()
}

func (s *Session) recordRollout(items ...kernel.RolloutItem) {
	if len(items) == 0 {
		return
	}
	if err := s.recorder.RecordItems(items); err != nil {
		s.cfg.Logger.Error("session: recording rollout items", "error", err)
	}
}

func responseRolloutItems(items []kernel.ConversationItem) []kernel.RolloutItem {
	out := make([]kernel.RolloutItem, len(items))
	for i := range items {
		out[i] = kernel.RolloutItem{Kind: kernel.RolloutResponse, Response: &items[i]}
	}
	return out
}
