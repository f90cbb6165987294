package rpc

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// fuzzySearchDir walks root and scores every regular file against query
// using a simple ordered-subsequence matcher (no pack dependency
// implements fuzzy path matching; this is a deliberately small
// stdlib-only primitive rather than a dependency for one algorithm).
// Results are sorted (score desc, path asc) per §8's stability
// requirement, and capped at limit.
func fuzzySearchDir(root, query string, limit int) ([]FuzzyMatch, error) {
	var matches []FuzzyMatch
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // skip unreadable entries rather than aborting the whole walk
		}
		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = path
		}
		score, ok := fuzzyScore(rel, query)
		if !ok {
			return nil
		}
		matches = append(matches, FuzzyMatch{Path: rel, Score: score})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortMatches(matches)
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// sortMatches orders by (score desc, path asc), stable across identical
// scores as §8's round-trip property requires.
func sortMatches(matches []FuzzyMatch) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Path < matches[j].Path
	})
}

// fuzzyScore reports whether every rune of query appears in path in
// order (case-insensitive), and a score rewarding contiguous runs and
// an early first match — higher is better. An empty query matches
// everything with score 0.
func fuzzyScore(path, query string) (int, bool) {
	if query == "" {
		return 0, true
	}
	p := strings.ToLower(path)
	q := strings.ToLower(query)

	score := 0
	pi := 0
	firstMatch := -1
	consecutive := 0
	for qi := 0; qi < len(q); qi++ {
		idx := strings.IndexByte(p[pi:], q[qi])
		if idx < 0 {
			return 0, false
		}
		idx += pi
		if firstMatch < 0 {
			firstMatch = idx
		}
		if idx == pi {
			consecutive++
			score += consecutive * 2
		} else {
			consecutive = 0
		}
		pi = idx + 1
	}
	// Reward matches that start earlier in the path (prefix-ish hits
	// outrank a match buried deep in a long directory chain).
	score += max(0, 20-firstMatch)
	score += len(q)
	return score, true
}

// fuzzySearchSession is one fuzzyFileSearch.startSession's server-side
// state: it re-runs the walk on every updateQuery and pushes results
// through the Notifier as fuzzyFileSearch/sessionUpdated, matching
// §6.1's incremental-search push model.
type fuzzySearchSession struct {
	id       string
	root     string
	notifier Notifier

	mu      sync.Mutex
	stopped bool
}

func newFuzzySearchSession(id, root string, notifier Notifier) *fuzzySearchSession {
	return &fuzzySearchSession{id: id, root: root, notifier: notifier}
}

func (fs *fuzzySearchSession) update(query string, limit int) {
	fs.mu.Lock()
	stopped := fs.stopped
	fs.mu.Unlock()
	if stopped {
		return
	}
	if limit <= 0 {
		limit = 50
	}
	matches, err := fuzzySearchDir(fs.root, query, limit)
	if err != nil {
		return
	}
	fs.notifier.Notify("fuzzyFileSearch/sessionUpdated", FuzzyFileSearchSessionUpdated{
		SessionID: fs.id,
		Matches:   matches,
	})
}

func (fs *fuzzySearchSession) stop() {
	fs.mu.Lock()
	fs.stopped = true
	fs.mu.Unlock()
	fs.notifier.Notify("fuzzyFileSearch/sessionCompleted", FuzzyFileSearchSessionCompleted{SessionID: fs.id})
}
