package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/relaykit/relay/internal/kernelerr"
	"github.com/relaykit/relay/internal/modelclient"
	"github.com/relaykit/relay/internal/ordering"
	"github.com/relaykit/relay/internal/session"
	"github.com/relaykit/relay/pkg/kernel"
)

// runOneShot builds a Session for cwd, submits prompt as a single user
// turn, and drives it to completion, matching §6.3's root-command
// behavior.
func runOneShot(ctx context.Context, opts *rootOpts, prompt string) error {
	return runSubmitted(ctx, opts, func(b *builtSession) {
		b.sess.Submit(session.Op{
			Kind:   session.OpUserInput,
			Input:  []kernel.ContentPart{{Type: kernel.ContentInputText, Text: prompt}},
			Images: opts.images,
		})
	})
}

// runResumed configures the session from an existing rollout before
// optionally submitting a follow-up prompt, per §6.3's `resume [prompt]
// [images]`.
func runResumed(ctx context.Context, opts *rootOpts, rolloutPath, prompt string, images []string) error {
	return runSubmitted(ctx, opts, func(b *builtSession) {
		b.sess.Submit(session.Op{Kind: session.OpConfigureSession, ResumePath: rolloutPath})
		if prompt != "" {
			b.sess.Submit(session.Op{
				Kind:   session.OpUserInput,
				Input:  []kernel.ContentPart{{Type: kernel.ContentInputText, Text: prompt}},
				Images: images,
			})
		}
	})
}

// runReview submits a standalone review request against target, per
// §6.3's `review <target>`.
func runReview(ctx context.Context, opts *rootOpts, target string) error {
	return runSubmitted(ctx, opts, func(b *builtSession) {
		b.sess.SubmitReview(kernel.ReviewRequest{Target: target})
	})
}

// runSubmitted constructs the session, lets submit enqueue whatever Ops
// the caller needs, then drains the event stream until the submitted
// work completes or the process is interrupted, returning an error
// whose exit code matches §6.3.
func runSubmitted(parentCtx context.Context, opts *rootOpts, submit func(*builtSession)) error {
	cwd, err := os.Getwd()
	if err != nil {
		return newExitError(exitOperationError, fmt.Errorf("resolving cwd: %w", err))
	}

	built, err := buildSession(opts, cwd)
	if err != nil {
		return newExitError(exitOperationError, err)
	}
	defer built.Close()

	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runDone := make(chan error, 1)
	go func() { runDone <- built.sess.Run(ctx) }()

	submit(built)

	exitCode, lastReview, runErr := drainEvents(ctx, built.sess)

	built.sess.Submit(session.Op{Kind: session.OpShutdown})
	if runErr == nil {
		runErr = <-runDone
	} else {
		<-runDone
	}

	if opts.reviewOutputJSON != "" && lastReview != nil {
		if err := writeReviewOutputJSON(opts.reviewOutputJSON, *lastReview); err != nil {
			fmt.Fprintf(os.Stderr, "kerneld: writing review output: %v\n", err)
		}
	}

	if exitCode == exitSuccess && runErr != nil {
		return newExitError(exitFatalSession, runErr)
	}
	if exitCode != exitSuccess {
		return newExitError(exitCode, fmt.Errorf("session ended with exit code %d", exitCode))
	}
	return nil
}

// drainEvents renders the ordered event stream to stdout/stderr and
// returns once the submitted turn (or review) finishes, is interrupted,
// or fails terminally.
func drainEvents(ctx context.Context, sess *session.Session) (exitCode int, lastReview *kernel.ReviewOutputEvent, err error) {
	for {
		select {
		case <-ctx.Done():
			return exitInterrupted, lastReview, ctx.Err()
		case ev, ok := <-sess.Events():
			if !ok {
				return exitCode, lastReview, err
			}
			switch ev.Kind {
			case ordering.KindItem:
				renderItem(ev.Payload)
			case ordering.KindToolCallBegin:
				if begin, ok := ev.Payload.(session.ToolCallBeginEvent); ok {
					fmt.Fprintf(os.Stderr, "\n$ %s\n", begin.Name)
				}
			case ordering.KindApprovalRequest:
				handleApprovalEvent(sess, ev.Payload)
			case ordering.KindError:
				if errEv, ok := ev.Payload.(session.ErrorEvent); ok {
					exitCode = exitFatalSession
					err = renderKernelError(errEv.Err)
				}
			case ordering.KindReviewOutput:
				if out, ok := ev.Payload.(kernel.ReviewOutputEvent); ok {
					lastReview = &out
					renderReviewOutput(out)
				}
			case ordering.KindTurnComplete:
				if _, ok := ev.Payload.(session.TaskCompleteEvent); ok {
					return exitCode, lastReview, err
				}
			}
		}
	}
}

func renderKernelError(kerr *kernelerr.KernelError) error {
	if kerr == nil {
		return fmt.Errorf("session failed")
	}
	fmt.Fprintf(os.Stderr, "kerneld: %s\n", kerr.Error())
	return kerr
}

func renderItem(payload any) {
	chunk, ok := payload.(modelclient.Chunk)
	if !ok {
		return
	}
	switch chunk.Kind {
	case modelclient.ChunkTextDelta:
		fmt.Print(chunk.TextDelta)
	case modelclient.ChunkReasoningDelta:
		// Reasoning deltas are not printed to stdout by default; a
		// verbose/TUI frontend would render them separately.
	}
}

func writeReviewOutputJSON(path string, out kernel.ReviewOutputEvent) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
