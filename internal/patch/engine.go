package patch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/relaykit/relay/internal/sandbox"
)

// FileResult is one file directive's outcome.
type FileResult struct {
	Path    string
	Action  Action
	Applied bool
	Error   string
	Before  []byte // nil for Add
	After   []byte // nil for Delete
}

// Result is a composite apply outcome across every file directive in
// one patch. PartialSuccess is set when at least one file applied and
// at least one failed, per §4.H's "continue applying the rest" rule.
type Result struct {
	Files          []FileResult
	PartialSuccess bool
}

// DiffTracker receives each file's before/after content as it is
// applied, for the turn's diff overlay display.
type DiffTracker interface {
	Record(path string, before, after []byte)
}

// ResolvePath resolves a patch-relative path against cwd and checks it
// against the sandbox policy's writable roots, honoring an explicit
// grantRoot escalation for paths the user has granted beyond the
// normal policy.
func ResolvePath(cwd, path, grantRoot string, pol *sandbox.Policy) (string, error) {
	if filepath.IsAbs(path) {
		return "", &CorrectnessError{Reason: fmt.Sprintf("path %q must be relative to the working directory", path)}
	}
	resolved := filepath.Clean(filepath.Join(cwd, path))

	if !pol.IsPathWritable(resolved, grantRoot) {
		return "", &CorrectnessError{Reason: fmt.Sprintf("path %q escapes writable roots", path)}
	}
	return resolved, nil
}

// Apply applies every file change in changes under cwd, subject to
// pol's writable-root policy and an optional grantRoot escalation.
// Each file is applied atomically (tempfile + rename); a failure on
// one file does not prevent the rest from being attempted. tracker may
// be nil.
func Apply(changes []FileChange, cwd, grantRoot string, pol *sandbox.Policy, tracker DiffTracker) Result {
	var result Result
	failed := false
	succeeded := false

	for _, change := range changes {
		fr := applyOne(change, cwd, grantRoot, pol, tracker)
		result.Files = append(result.Files, fr)
		if fr.Applied {
			succeeded = true
		} else {
			failed = true
		}
	}

	result.PartialSuccess = succeeded && failed
	return result
}

func applyOne(change FileChange, cwd, grantRoot string, pol *sandbox.Policy, tracker DiffTracker) FileResult {
	resolved, err := ResolvePath(cwd, change.Path, grantRoot, pol)
	if err != nil {
		return FileResult{Path: change.Path, Action: change.Action, Error: err.Error()}
	}

	switch change.Action {
	case ActionAdd:
		return applyAdd(resolved, change, tracker)
	case ActionUpdate:
		return applyUpdate(resolved, change, tracker)
	case ActionDelete:
		return applyDelete(resolved, change, tracker)
	case ActionRename:
		return applyRename(cwd, resolved, change, grantRoot, pol, tracker)
	default:
		return FileResult{Path: change.Path, Action: change.Action, Error: "unknown action"}
	}
}

func applyAdd(resolved string, change FileChange, tracker DiffTracker) FileResult {
	if _, err := os.Stat(resolved); err == nil {
		return FileResult{Path: change.Path, Action: change.Action, Error: "file already exists"}
	}
	content := []byte(change.Content)
	if err := writeAtomic(resolved, content); err != nil {
		return FileResult{Path: change.Path, Action: change.Action, Error: err.Error()}
	}
	if tracker != nil {
		tracker.Record(change.Path, nil, content)
	}
	return FileResult{Path: change.Path, Action: change.Action, Applied: true, After: content}
}

func applyUpdate(resolved string, change FileChange, tracker DiffTracker) FileResult {
	before, err := os.ReadFile(resolved)
	if err != nil {
		return FileResult{Path: change.Path, Action: change.Action, Error: err.Error()}
	}
	after, err := applyHunks(string(before), change.Hunks)
	if err != nil {
		return FileResult{Path: change.Path, Action: change.Action, Error: err.Error(), Before: before}
	}
	if err := writeAtomic(resolved, []byte(after)); err != nil {
		return FileResult{Path: change.Path, Action: change.Action, Error: err.Error(), Before: before}
	}
	if tracker != nil {
		tracker.Record(change.Path, before, []byte(after))
	}
	return FileResult{Path: change.Path, Action: change.Action, Applied: true, Before: before, After: []byte(after)}
}

func applyDelete(resolved string, change FileChange, tracker DiffTracker) FileResult {
	before, err := os.ReadFile(resolved)
	if err != nil {
		return FileResult{Path: change.Path, Action: change.Action, Error: err.Error()}
	}
	if err := os.Remove(resolved); err != nil {
		return FileResult{Path: change.Path, Action: change.Action, Error: err.Error(), Before: before}
	}
	if tracker != nil {
		tracker.Record(change.Path, before, nil)
	}
	return FileResult{Path: change.Path, Action: change.Action, Applied: true, Before: before}
}

func applyRename(cwd, resolvedOld string, change FileChange, grantRoot string, pol *sandbox.Policy, tracker DiffTracker) FileResult {
	before, err := os.ReadFile(resolvedOld)
	if err != nil {
		return FileResult{Path: change.Path, Action: change.Action, Error: err.Error()}
	}
	after, err := applyHunks(string(before), change.Hunks)
	if err != nil {
		return FileResult{Path: change.Path, Action: change.Action, Error: err.Error(), Before: before}
	}

	resolvedNew, err := ResolvePath(cwd, change.NewPath, grantRoot, pol)
	if err != nil {
		return FileResult{Path: change.Path, Action: change.Action, Error: err.Error(), Before: before}
	}

	if err := writeAtomic(resolvedNew, []byte(after)); err != nil {
		return FileResult{Path: change.Path, Action: change.Action, Error: err.Error(), Before: before}
	}
	if err := os.Remove(resolvedOld); err != nil {
		return FileResult{Path: change.Path, Action: change.Action, Error: err.Error(), Before: before, After: []byte(after)}
	}
	if tracker != nil {
		tracker.Record(change.Path, before, nil)
		tracker.Record(change.NewPath, nil, []byte(after))
	}
	return FileResult{Path: change.NewPath, Action: change.Action, Applied: true, Before: before, After: []byte(after)}
}

// writeAtomic writes content to path via a tempfile-then-rename in the
// same directory, so a crash mid-write never leaves a partial file.
func writeAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".patch-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// applyHunks applies sequential context/add/delete hunks to content,
// failing with a CorrectnessError on any context or delete mismatch.
func applyHunks(content string, hunks []Hunk) (string, error) {
	hadTrailingNewline := strings.HasSuffix(content, "\n")
	trimmed := strings.TrimSuffix(content, "\n")
	var lines []string
	if trimmed != "" {
		lines = strings.Split(trimmed, "\n")
	}

	for _, h := range hunks {
		idx := h.OldStart - 1
		if idx < 0 {
			idx = 0
		}
		for _, l := range h.Lines {
			switch l.Kind {
			case " ":
				if idx >= len(lines) || lines[idx] != l.Text {
					return "", &CorrectnessError{Reason: fmt.Sprintf("context mismatch at line %d", idx+1)}
				}
				idx++
			case "-":
				if idx >= len(lines) || lines[idx] != l.Text {
					return "", &CorrectnessError{Reason: fmt.Sprintf("delete mismatch at line %d", idx+1)}
				}
				lines = append(lines[:idx], lines[idx+1:]...)
			case "+":
				lines = append(lines[:idx], append([]string{l.Text}, lines[idx:]...)...)
				idx++
			}
		}
	}

	result := strings.Join(lines, "\n")
	if hadTrailingNewline {
		result += "\n"
	}
	return result, nil
}
