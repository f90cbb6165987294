// Package scheduler partitions a turn's tool calls into parallel
// batches and exclusive singletons (§4.F), then executes each batch
// while preserving the UI ordering invariant: for any two calls A and B
// in the same turn, begin/end events are observed in
// (request_ordinal, output_index, sequence_number, output_pos) order.
package scheduler

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/relaykit/relay/internal/tools"
	"github.com/relaykit/relay/pkg/kernel"
)

// Call is one tool call extracted from an assistant message, carrying
// enough of PendingToolCall to classify and order it.
type Call struct {
	Invocation  kernel.ToolInvocation
	OutputPos   int
	SeqHint     *uint64
	OutputIndex *uint64
}

// classify applies §4.F rule 1: dynamic/MCP tools are always Exclusive;
// a call lacking both seq_hint and output_index downgrades to Exclusive
// to preserve deterministic UI ordering.
func classify(c Call, hints tools.Hints) tools.Concurrency {
	if hints.IsMCP || hints.IsDynamic {
		return tools.Exclusive
	}
	if c.SeqHint == nil && c.OutputIndex == nil {
		return tools.Exclusive
	}
	return hints.Concurrency
}

// Batch is a maximal run of same-concurrency-class calls scheduled
// together.
type Batch struct {
	Exclusive bool
	Calls     []Call
}

// Partition builds batches by scanning calls in emission order:
// consecutive Parallel calls form one batch; each Exclusive call is its
// own batch. registry supplies each call's scheduling hints.
func Partition(calls []Call, registry *tools.Registry) []Batch {
	var batches []Batch
	var current *Batch

	for _, c := range calls {
		hints := registry.HintsFor(c.Invocation.ToolName)
		concurrency := classify(c, hints)

		if concurrency == tools.Exclusive {
			batches = append(batches, Batch{Exclusive: true, Calls: []Call{c}})
			current = nil
			continue
		}

		if current == nil || current.Exclusive {
			batches = append(batches, Batch{Exclusive: false})
			current = &batches[len(batches)-1]
		}
		current.Calls = append(current.Calls, c)
	}

	return batches
}

// Result is one call's execution outcome, retaining its OutputPos so
// the caller can re-sort into emission order after a parallel batch.
type Result struct {
	OutputPos int
	Item      kernel.ConversationItem
	Err       error
	Elapsed   time.Duration
}

// DiffTracker accumulates file changes observed while executing tool
// calls. Parallel batches give each call its own tracker; exclusive
// batches share the turn-global tracker, per §4.F rule 4.
type DiffTracker interface {
	Record(path string, before, after []byte)
}

// Executor runs batches against a tool registry, bounding parallel
// batch concurrency with an errgroup-backed semaphore (mirroring the
// teacher's channel-semaphore pattern, generalized via
// golang.org/x/sync).
type Executor struct {
	registry       *tools.Registry
	maxConcurrency int
}

func NewExecutor(registry *tools.Registry, maxConcurrency int) *Executor {
	if maxConcurrency <= 0 {
		maxConcurrency = 5
	}
	return &Executor{registry: registry, maxConcurrency: maxConcurrency}
}

// RunBatch executes one batch. For a parallel batch, newTracker is
// called once per call to obtain its private DiffTracker; for an
// exclusive batch it is called once and the same tracker is reused
// across all (i.e. the single) call.
func (e *Executor) RunBatch(ctx context.Context, batch Batch, newTracker func() DiffTracker) []Result {
	results := make([]Result, len(batch.Calls))

	if batch.Exclusive {
		tracker := newTracker()
		for i, c := range batch.Calls {
			results[i] = e.run(ctx, c, tracker)
		}
		return results
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxConcurrency)
	for i, c := range batch.Calls {
		i, c := i, c
		g.Go(func() error {
			results[i] = e.run(gctx, c, newTracker())
			return nil
		})
	}
	_ = g.Wait() // per-call errors are carried in Result, not returned here

	return results
}

func (e *Executor) run(ctx context.Context, c Call, tracker DiffTracker) Result {
	// Span per tool call; a no-op unless a tracer provider is
	// installed (observability.NewTracer sets the global one).
	ctx, span := otel.Tracer("relay/scheduler").Start(ctx, "tool."+c.Invocation.ToolName,
		trace.WithAttributes(attribute.String("tool.name", c.Invocation.ToolName)))
	defer span.End()

	// The tracker is handed to the handler (currently only apply_patch
	// consults it) via the dispatch context rather than a Dispatch
	// parameter, so Registry/Handler stay agnostic of diff tracking.
	started := time.Now()
	item, err := e.registry.Dispatch(tools.WithDiffTracker(ctx, tracker), c.Invocation)
	if err != nil {
		span.RecordError(err)
	}
	return Result{OutputPos: c.OutputPos, Item: item, Err: err, Elapsed: time.Since(started)}
}
