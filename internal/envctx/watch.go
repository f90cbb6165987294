package envctx

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes a session's cwd for changes a human (or a sub-agent)
// makes outside the kernel — a directory rename, a new git worktree
// checked out alongside — and debounces them into a single trigger the
// session can use to ask for a fresh boundary snapshot.
type Watcher struct {
	logger   *slog.Logger
	debounce time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWatcher creates a Watcher with the given debounce window. A
// debounce of 0 falls back to 250ms.
func NewWatcher(logger *slog.Logger, debounce time.Duration) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	return &Watcher{logger: logger.With("component", "envctx.watch"), debounce: debounce}
}

// Start begins watching path and invokes onTrigger (debounced) whenever
// a create/write/remove/rename event fires under it. Start is a no-op if
// already watching.
func (w *Watcher) Start(ctx context.Context, path string, onTrigger func()) error {
	w.mu.Lock()
	if w.watcher != nil {
		w.mu.Unlock()
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		w.mu.Unlock()
		return err
	}
	w.watcher = fw
	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go w.loop(watchCtx, fw, onTrigger)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher, onTrigger func()) {
	defer w.wg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	schedule := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, onTrigger)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				schedule()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("envctx watch error", "error", err)
		}
	}
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	fw := w.watcher
	w.watcher = nil
	w.mu.Unlock()

	if fw != nil {
		_ = fw.Close()
	}
	w.wg.Wait()
	return nil
}
