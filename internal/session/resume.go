package session

import (
	"context"

	"github.com/google/uuid"

	"github.com/relaykit/relay/internal/ordering"
	"github.com/relaykit/relay/internal/rollout"
	"github.com/relaykit/relay/pkg/kernel"
)

// ReplayHistoryEvent is the synthetic event a resumed session emits for
// each item recovered from its rollout file, per §4.K's "replay emits
// synthetic ReplayHistory to the UI" resume rule.
type ReplayHistoryEvent struct {
	Item kernel.RolloutItem
}

// handleConfigureSession implements the resume branch of §4.K: load the
// rollout at op.ResumePath, classify it (New/Resumed/Forked), seed
// InitialHistory and the environment timeline from whatever the file
// already contains, and replay each item to the UI before returning to
// Ready.
func (s *Session) handleConfigureSession(ctx context.Context, op Op) {
	s.setState(StateConfiguringSession)
	defer s.setState(StateReady)

	if op.ResumePath == "" {
		return
	}

	hist, err := rollout.GetRolloutHistory(op.ResumePath)
	if err != nil {
		s.cfg.Logger.Error("session: loading rollout history", "path", op.ResumePath, "error", err)
		return
	}

	switch hist.Kind {
	case rollout.HistoryNew:
		return
	case rollout.HistoryResumed, rollout.HistoryForked:
		s.mu.Lock()
		s.cfg.SessionID = hist.ConversationID
		s.mu.Unlock()
	}

	for _, item := range hist.Items {
		switch item.Kind {
		case kernel.RolloutResponse:
			if item.Response != nil {
				s.appendHistory(*item.Response)
			}
		case kernel.RolloutEnvContext:
			// The timeline is rebuilt fresh from the next boundary
			// snapshot rather than replayed field-by-field: a resumed
			// process doesn't know which of its own fields produced the
			// persisted text, so it re-derives a baseline on the first
			// turn instead of trusting stale rendered text.
		}
		meta := s.seq.Next(s.peekOrdinal(), nil, nil)
		if !s.sendEvent(ctx, ordering.Event{Meta: meta, Kind: ordering.KindItem, Payload: ReplayHistoryEvent{Item: item}}) {
			return
		}
	}
}

// handleReview implements the `/review` entry point of §4.M: a scoped
// turn context with deterministic reasoning defaults, bracketed by
// EnteredReview/ExitedReview events so the UI can switch into its
// review presentation. The verdict/finding synthesis itself is the
// auto-resolve controller's job (internal/review); Session only
// drives the underlying turn and hands the controller its hooks.
func (s *Session) handleReview(ctx context.Context, op Op) {
	if s.State() != StateReady {
		s.cfg.Logger.Warn("session: review requested while not ready", "state", s.State())
		return
	}

	turnID := kernel.TurnId(uuid.NewString())
	op.Review.TurnID = turnID
	turnCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancelTurn = cancel
	s.mu.Unlock()
	s.setState(StateReviewing)

	s.emit(ctx, s.peekOrdinal(), nil, nil, ordering.KindEnteredReview, op.Review)

	prompt := op.Review.Instructions
	if prompt == "" {
		prompt = "Review " + op.Review.Target
	}
	input := inputItems([]kernel.ContentPart{{Type: kernel.ContentInputText, Text: prompt}}, nil)

	go func() {
		lastMessage, _ := s.runTurn(turnCtx, cancel, turnID, input, true)
		if s.cfg.Hooks.Review != nil {
			s.cfg.Hooks.Review.OnReviewComplete(ctx, op.Review, turnID, lastMessage)
		}
		s.emit(ctx, s.peekOrdinal(), nil, nil, ordering.KindExitedReview, op.Review)
	}()
}
