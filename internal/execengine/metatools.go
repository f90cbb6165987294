package execengine

import (
	"context"
	"fmt"
	"time"
)

// GHRunStatus is the outcome of polling a CI run by id.
type GHRunStatus struct {
	Conclusion   string // "success", "failure", "cancelled", ""
	StillRunning bool
}

// GHRunPoller abstracts the CI provider lookup so gh_run_wait can be
// tested without shelling out to a real `gh` binary.
type GHRunPoller func(ctx context.Context, runID string) (GHRunStatus, error)

// GHRunWait polls poll until the run concludes, ctx is cancelled, or
// timeout elapses, sleeping interval between polls.
func GHRunWait(ctx context.Context, runID string, poll GHRunPoller, timeout, interval time.Duration) (GHRunStatus, error) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	deadline := time.Now().Add(timeout)
	for {
		status, err := poll(ctx, runID)
		if err != nil {
			return GHRunStatus{}, err
		}
		if !status.StillRunning {
			return status, nil
		}
		if timeout > 0 && time.Now().After(deadline) {
			return GHRunStatus{StillRunning: true}, nil
		}
		select {
		case <-ctx.Done():
			return GHRunStatus{}, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// BridgeMessage is a structured message passed from a tool call to the
// host process (e.g. an IDE extension), per the `bridge` meta-tool.
type BridgeMessage struct {
	Kind    string
	Payload any
}

// BridgeSink delivers a bridge message to the host. Session wires this
// to whatever transport §6 exposes.
type BridgeSink func(BridgeMessage) error

// Bridge forwards msg to sink, wrapping a nil sink as a no-op so the
// tool never fails solely because no host is attached.
func Bridge(sink BridgeSink, msg BridgeMessage) error {
	if sink == nil {
		return nil
	}
	if err := sink(msg); err != nil {
		return fmt.Errorf("bridge: %w", err)
	}
	return nil
}
