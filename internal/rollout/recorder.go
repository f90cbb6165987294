// Package rollout implements the append-only JSONL transcript recorder
// and replay described by the session's rollout contract: one file per
// thread, a SessionMeta header, resume, and fork with stripped meta
// lines.
package rollout

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/relaykit/relay/pkg/kernel"
)

// timeLayout is the ISO-8601-with-milliseconds layout the rollout file
// format requires for every line's timestamp.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// Config is the subset of session configuration the recorder needs.
type Config struct {
	// CodeHome is the root directory rollouts are written under
	// (<code_home>/sessions/YYYY/MM/DD/rollout-...).
	CodeHome string
	Logger   *slog.Logger
}

// Params describes the session a new Recorder is opened for.
type Params struct {
	ThreadID   kernel.ThreadId
	SessionID  kernel.SessionId
	CWD        string
	Originator string
	CLIVersion string
}

// Recorder is a single-writer append-only rollout file. Callers funnel
// writes through RecordItems; Recorder itself holds the mutex so
// multiple producer goroutines can share one handle safely, matching
// the single-writer-multiple-producers discipline described for the
// session's rollout queue.
type Recorder struct {
	mu     sync.Mutex
	file   *os.File
	w      *bufio.Writer
	path   string
	logger *slog.Logger
	closed bool
}

// New allocates a new rollout file for the given params under
// cfg.CodeHome/sessions/YYYY/MM/DD/rollout-<ts>-<thread_id>.jsonl and
// writes the initial SessionMeta line.
func New(cfg Config, params Params) (*Recorder, error) {
	now := time.Now().UTC()
	r, err := create(cfg, params.ThreadID, now)
	if err != nil {
		return nil, err
	}

	meta := kernel.SessionMeta{
		ID:         params.SessionID,
		ThreadID:   params.ThreadID,
		Timestamp:  now,
		CWD:        params.CWD,
		Originator: params.Originator,
		CLIVersion: params.CLIVersion,
	}
	if err := r.RecordItems([]kernel.RolloutItem{{Kind: kernel.RolloutSessionMeta, SessionMeta: &meta}}); err != nil {
		r.file.Close()
		return nil, err
	}

	r.logger.Debug("rollout opened", "path", r.path, "thread_id", params.ThreadID)
	return r, nil
}

// create opens a fresh rollout file without writing any line; callers
// write the SessionMeta header themselves so New and ForkRollout can
// each write exactly one.
func create(cfg Config, threadID kernel.ThreadId, now time.Time) (*Recorder, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "rollout")

	dir := filepath.Join(cfg.CodeHome, "sessions", now.Format("2006"), now.Format("01"), now.Format("02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("rollout: creating session dir: %w", err)
	}

	fileName := fmt.Sprintf("rollout-%s-%s.jsonl", now.Format("2006-01-02-15-04-05"), threadID)
	path := filepath.Join(dir, fileName)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("rollout: opening %s: %w", path, err)
	}

	return &Recorder{
		file:   f,
		w:      bufio.NewWriter(f),
		path:   path,
		logger: logger,
	}, nil
}

// Path returns the file path this recorder is writing to.
func (r *Recorder) Path() string { return r.path }

// RecordItems appends items to the rollout, flushing the buffered
// writer. Items are fsynced only on Shutdown, per the spec's
// "fsynced on close" contract.
func (r *Recorder) RecordItems(items []kernel.RolloutItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("rollout: recorder closed")
	}
	now := time.Now().UTC()
	for _, item := range items {
		if err := r.writeLine(item, now); err != nil {
			return err
		}
	}
	return r.w.Flush()
}

// writeLine must be called with r.mu held.
func (r *Recorder) writeLine(item kernel.RolloutItem, ts time.Time) error {
	line := kernel.RolloutLine{Timestamp: ts, Item: item}
	b, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("rollout: marshal line: %w", err)
	}
	b = append(b, '\n')
	if _, err := r.w.Write(b); err != nil {
		return fmt.Errorf("rollout: write line: %w", err)
	}
	return nil
}

// Shutdown drains any pending writes, fsyncs, and closes the file.
func (r *Recorder) Shutdown() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if err := r.w.Flush(); err != nil {
		r.file.Close()
		return fmt.Errorf("rollout: flush on shutdown: %w", err)
	}
	if err := r.file.Sync(); err != nil {
		r.file.Close()
		return fmt.Errorf("rollout: fsync on shutdown: %w", err)
	}
	return r.file.Close()
}

// InitialHistoryKind discriminates the result of GetRolloutHistory.
type InitialHistoryKind string

const (
	HistoryNew     InitialHistoryKind = "new"
	HistoryResumed InitialHistoryKind = "resumed"
	HistoryForked  InitialHistoryKind = "forked"
)

// InitialHistory is what a freshly-opened session should seed its
// conversation and timeline from.
type InitialHistory struct {
	Kind           InitialHistoryKind
	ConversationID kernel.SessionId
	Items          []kernel.RolloutItem
}

// GetRolloutHistory parses path and classifies it as New (no file /
// empty), Resumed (has a SessionMeta with no forked_from_id), or Forked
// (SessionMeta.ForkedFromID set). A trailing malformed line — as left by
// a process crashing mid-write — is treated as absent rather than an
// error.
func GetRolloutHistory(path string) (InitialHistory, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return InitialHistory{Kind: HistoryNew}, nil
	}
	if err != nil {
		return InitialHistory{}, fmt.Errorf("rollout: opening %s: %w", path, err)
	}
	defer f.Close()

	lines, err := readLinesTolerant(f)
	if err != nil {
		return InitialHistory{}, err
	}
	if len(lines) == 0 {
		return InitialHistory{Kind: HistoryNew}, nil
	}

	var items []kernel.RolloutItem
	var meta *kernel.SessionMeta
	for _, l := range lines {
		items = append(items, l.Item)
		if l.Item.Kind == kernel.RolloutSessionMeta && l.Item.SessionMeta != nil {
			meta = l.Item.SessionMeta
		}
	}

	if meta == nil {
		return InitialHistory{Kind: HistoryNew}, nil
	}
	if meta.ForkedFromID != nil {
		return InitialHistory{Kind: HistoryForked, ConversationID: meta.ID, Items: items}, nil
	}
	return InitialHistory{Kind: HistoryResumed, ConversationID: meta.ID, Items: items}, nil
}

// readLinesTolerant decodes newline-delimited JSON RolloutLine records,
// discarding a final line that fails to parse (the crash-mid-write
// case) instead of returning an error.
func readLinesTolerant(r io.Reader) ([]kernel.RolloutLine, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var lines []kernel.RolloutLine
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var l kernel.RolloutLine
		if err := json.Unmarshal(raw, &l); err != nil {
			// Tolerate only a malformed trailing line; keep scanning to
			// see if more well-formed lines follow (would indicate real
			// corruption rather than a crash-at-EOF).
			continue
		}
		lines = append(lines, l)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("rollout: scanning: %w", err)
	}
	return lines, nil
}

// ForkRollout creates a new rollout file under cfg whose SessionMeta
// references source as ForkedFromID, with the source's own SessionMeta
// lines stripped before the remaining items are copied in order.
func ForkRollout(cfg Config, sourcePath string, newThreadID kernel.ThreadId, cwd string) (*Recorder, error) {
	hist, err := GetRolloutHistory(sourcePath)
	if err != nil {
		return nil, err
	}

	newSessionID := kernel.SessionId(uuid.NewString())
	now := time.Now().UTC()
	r, err := create(cfg, newThreadID, now)
	if err != nil {
		return nil, err
	}

	var sourceID kernel.SessionId
	if hist.ConversationID != "" {
		sourceID = hist.ConversationID
	}
	meta := kernel.SessionMeta{
		ID:           newSessionID,
		ThreadID:     newThreadID,
		Timestamp:    now,
		CWD:          cwd,
		ForkedFromID: &sourceID,
	}
	var carried []kernel.RolloutItem
	for _, item := range hist.Items {
		if item.Kind == kernel.RolloutSessionMeta {
			continue
		}
		carried = append(carried, item)
	}

	if err := r.RecordItems([]kernel.RolloutItem{{Kind: kernel.RolloutSessionMeta, SessionMeta: &meta}}); err != nil {
		r.Shutdown()
		return nil, err
	}
	if len(carried) > 0 {
		if err := r.RecordItems(carried); err != nil {
			r.Shutdown()
			return nil, err
		}
	}
	return r, nil
}
