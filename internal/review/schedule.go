package review

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/relaykit/relay/internal/process"
)

// cronParser supports standard 5-field and extended 6-field (with
// seconds) cron expressions, matching the teacher's task scheduler
// parser configuration (internal/tasks/scheduler.go).
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Sweeper supplements §4.M's per-turn auto-review trigger with a
// periodic sweep: repos that sit idle for a long-running turn (auto
// mode, §6.3 --max-seconds) still get reviewed on a cadence instead of
// only at TaskComplete. It does not replace the TaskStarted/TaskComplete
// hooks in Controller; it is an additional trigger source feeding the
// same SubmitReview call.
type Sweeper struct {
	mu       sync.Mutex
	schedule cron.Schedule
	logger   *slog.Logger
	stop     chan struct{}
	loc      *time.Location
	queue    *process.CommandQueue
}

// NewSweeper parses expr (e.g. "*/15 * * * *") and prepares a Sweeper;
// it does not start ticking until Run is called. Ticks are enqueued
// onto process.LaneCron so a slow fire callback (or a burst of missed
// ticks) never overlaps itself or races the interactive session's own
// workspace mutations on process.LaneMain.
func NewSweeper(expr string, logger *slog.Logger) (*Sweeper, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("review: parse sweep schedule %q: %w", expr, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	queue := process.NewCommandQueue()
	queue.SetLaneConcurrency(process.LaneCron, 1)
	return &Sweeper{schedule: sched, logger: logger.With("component", "review-sweeper"), loc: time.UTC, queue: queue}, nil
}

// Run blocks, invoking fire at each scheduled tick, until ctx is
// cancelled or Stop is called. fire is expected to decide for itself
// whether a review is warranted (e.g. by checking ghost-commit
// snapshot age) and call SessionHandle.SubmitReview if so.
func (s *Sweeper) Run(ctx context.Context, fire func(context.Context)) {
	s.mu.Lock()
	s.stop = make(chan struct{})
	stop := s.stop
	s.mu.Unlock()

	now := time.Now().In(s.loc)
	next := s.schedule.Next(now)

	for {
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-stop:
			timer.Stop()
			return
		case fired := <-timer.C:
			s.logger.Debug("sweep tick", "at", fired)
			s.enqueueFire(ctx, fire)
			next = s.schedule.Next(fired)
		}
	}
}

// enqueueFire submits fire to the cron lane and waits for it to run.
// If the previous tick's fire is still executing, this tick waits its
// turn instead of running concurrently, logging once the wait crosses
// process.DefaultWarnAfterMs.
func (s *Sweeper) enqueueFire(ctx context.Context, fire func(context.Context)) {
	_, err := process.EnqueueInLane(s.queue, process.LaneCron, func(ctx context.Context) (any, error) {
		fire(ctx)
		return nil, nil
	}, &process.EnqueueOptions{
		Context: ctx,
		OnWait: func(waitMs int, queuedAhead int) {
			s.logger.Warn("sweep tick waiting on cron lane", "wait_ms", waitMs, "queued_ahead", queuedAhead)
		},
	})
	if err != nil && ctx.Err() == nil {
		s.logger.Error("sweep tick failed", "error", err)
	}
}

// Stop ends a running Sweeper's loop without cancelling the caller's
// context, so the session can disable sweeping independently of the
// session lifetime.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
}
