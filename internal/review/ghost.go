// Package review implements the review / auto-resolve controller
// (§4.M): the `/review` entry point's findings synthesis, the
// auto-review ghost-commit baseline captured at TaskStarted/TaskComplete,
// and the bounded auto-resolve re-review loop.
//
// Grounded on code-rs/exec/src/auto_review_status.rs and
// code-rs/tui/.../review_runtime/review_git.rs's "ghost commit" idiom
// (per SPEC_FULL.md's original_source supplement): a ghost commit is
// built via `git commit-tree` against a throwaway index so it never
// touches HEAD or the working tree, then diffed against its parent to
// scope a review to exactly the files a turn changed.
package review

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrNotAGitRepo is returned when cwd has no git repository; callers
// treat this as "auto-review unavailable", not a fatal error.
var ErrNotAGitRepo = errors.New("review: not a git repository")

// GhostCommit is a snapshot of the working tree's content captured as a
// detached commit object. It is never checked out and never moves a
// branch ref.
type GhostCommit struct {
	ID     string
	Parent string
}

// GhostSnapshotter captures and diffs ghost commits. The default
// implementation shells out to git; tests can substitute a fake.
type GhostSnapshotter interface {
	// Capture snapshots cwd's current tracked+staged content as a new
	// commit object with the given parent (empty for a root snapshot)
	// and message, without touching HEAD or the index the user sees.
	Capture(ctx context.Context, cwd, message, parent string) (GhostCommit, error)
	// DiffNameOnly returns the paths that differ between two commits.
	DiffNameOnly(ctx context.Context, cwd, base, head string) ([]string, error)
	// IsClean reports whether cwd's git working tree has no uncommitted
	// changes, the precondition §4.H names for creating a ghost snapshot
	// before patch application.
	IsClean(ctx context.Context, cwd string) (bool, error)
}

// GitSnapshotter is the git-backed GhostSnapshotter.
type GitSnapshotter struct{}

func (GitSnapshotter) run(ctx context.Context, cwd string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = cwd
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Capture writes the working tree (tracked modifications plus new
// files git already knows about) into a tree object via a scratch
// index, commits it with commit-tree, and returns the new commit id.
// HEAD and the user's index are untouched.
func (g GitSnapshotter) Capture(ctx context.Context, cwd, message, parent string) (GhostCommit, error) {
	if _, err := g.run(ctx, cwd, "rev-parse", "--is-inside-work-tree"); err != nil {
		return GhostCommit{}, ErrNotAGitRepo
	}

	scratchIndex := cwd + "/.git/code-ghost-index"
	env := []string{"GIT_INDEX_FILE=" + scratchIndex}

	runWithIndex := func(args ...string) (string, error) {
		cmd := exec.CommandContext(ctx, "git", args...)
		cmd.Dir = cwd
		cmd.Env = append(cmd.Env, env...)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
		}
		return strings.TrimSpace(stdout.String()), nil
	}

	head, err := g.run(ctx, cwd, "rev-parse", "HEAD")
	if err != nil {
		head = ""
	}
	if head != "" {
		if _, err := runWithIndex("read-tree", head); err != nil {
			return GhostCommit{}, err
		}
	}
	if _, err := runWithIndex("add", "-A"); err != nil {
		return GhostCommit{}, err
	}
	tree, err := runWithIndex("write-tree")
	if err != nil {
		return GhostCommit{}, err
	}

	commitArgs := []string{"commit-tree", tree, "-m", message}
	if parent != "" {
		commitArgs = append(commitArgs, "-p", parent)
	} else if head != "" {
		commitArgs = append(commitArgs, "-p", head)
	}
	commit, err := g.run(ctx, cwd, commitArgs...)
	if err != nil {
		return GhostCommit{}, err
	}
	return GhostCommit{ID: commit, Parent: parent}, nil
}

func (g GitSnapshotter) DiffNameOnly(ctx context.Context, cwd, base, head string) ([]string, error) {
	out, err := g.run(ctx, cwd, "diff", "--name-only", base, head)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

func (g GitSnapshotter) IsClean(ctx context.Context, cwd string) (bool, error) {
	out, err := g.run(ctx, cwd, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out == "", nil
}
