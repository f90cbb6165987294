package rpc

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaykit/relay/internal/mcpmgr"
	"github.com/relaykit/relay/internal/rollout"
	"github.com/relaykit/relay/internal/session"
)

// Dispatcher implements Surface against a live Session, an optional
// thread index, and an optional MCP manager (nil-safe: a Dispatcher
// built without a thread index serves thread/list and thread/read from
// in-memory placeholders only, and one without an MCP manager reports
// an empty server list).
type Dispatcher struct {
	serverName    string
	serverVersion string

	sess     sessionHandle
	threads  *rollout.ThreadIndex
	mcp      *mcpmgr.Manager
	notifier Notifier

	mu       sync.Mutex
	searches map[string]*fuzzySearchSession
}

// NewDispatcher builds a Dispatcher. threads and mcp may be nil.
func NewDispatcher(serverName, serverVersion string, sess *session.Session, threads *rollout.ThreadIndex, mcp *mcpmgr.Manager, notifier Notifier) *Dispatcher {
	if notifier == nil {
		notifier = NotifierFunc(func(string, any) {})
	}
	return &Dispatcher{
		serverName:    serverName,
		serverVersion: serverVersion,
		sess:          sess,
		threads:       threads,
		mcp:           mcp,
		notifier:      notifier,
		searches:      make(map[string]*fuzzySearchSession),
	}
}

func (d *Dispatcher) Initialize(params InitializeParams) (InitializeResult, error) {
	return InitializeResult{ServerName: d.serverName, ServerVersion: d.serverVersion}, nil
}

func (d *Dispatcher) GetUserAgent() (GetUserAgentResult, error) {
	return GetUserAgentResult{UserAgent: fmt.Sprintf("%s/%s", d.serverName, d.serverVersion)}, nil
}

// ExecOneOffCommand runs a command outside any session/turn — no
// sandbox/approval mediation applies here because it's invoked directly
// by the operator through the transport, not by the model; a transport
// that exposes this to untrusted input is responsible for its own
// authorization, per spec §1's "no built-in secret management" /
// out-of-scope transport boundary.
func (d *Dispatcher) ExecOneOffCommand(params ExecOneOffCommandParams) (ExecOneOffCommandResult, error) {
	if len(params.Command) == 0 {
		return ExecOneOffCommandResult{}, NewInvalidRequest("command must not be empty")
	}

	timeout := 30 * time.Second
	if params.TimeoutMS > 0 {
		timeout = time.Duration(params.TimeoutMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, params.Command[0], params.Command[1:]...)
	if params.CWD != "" {
		cmd.Dir = params.CWD
	}
	var stdout, stderr []byte
	stdout, err := cmd.Output()
	if ee, ok := err.(*exec.ExitError); ok {
		stderr = ee.Stderr
	}

	result := ExecOneOffCommandResult{
		Stdout:   string(stdout),
		Stderr:   string(stderr),
		TimedOut: ctx.Err() == context.DeadlineExceeded,
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	} else if err != nil {
		result.ExitCode = -1
	}
	return result, nil
}

func (d *Dispatcher) FuzzyFileSearch(params FuzzyFileSearchParams) (FuzzyFileSearchResult, error) {
	if params.Root == "" {
		return FuzzyFileSearchResult{}, NewInvalidRequest("root must not be empty")
	}
	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}
	matches, err := fuzzySearchDir(params.Root, params.Query, limit)
	if err != nil {
		return FuzzyFileSearchResult{}, NewInternalError(err)
	}
	return FuzzyFileSearchResult{Matches: matches}, nil
}

func (d *Dispatcher) FuzzyFileSearchStartSession(params FuzzyFileSearchStartSessionParams) (FuzzyFileSearchStartSessionResult, error) {
	if params.Root == "" {
		return FuzzyFileSearchStartSessionResult{}, NewInvalidRequest("root must not be empty")
	}
	id := uuid.NewString()
	fs := newFuzzySearchSession(id, params.Root, d.notifier)

	d.mu.Lock()
	d.searches[id] = fs
	d.mu.Unlock()

	return FuzzyFileSearchStartSessionResult{SessionID: id}, nil
}

func (d *Dispatcher) FuzzyFileSearchUpdateQuery(params FuzzyFileSearchUpdateQueryParams) error {
	d.mu.Lock()
	fs, ok := d.searches[params.SessionID]
	d.mu.Unlock()
	if !ok {
		return NewInvalidRequest("unknown fuzzy search session %q", params.SessionID)
	}
	fs.update(params.Query, params.Limit)
	return nil
}

func (d *Dispatcher) FuzzyFileSearchStop(params FuzzyFileSearchStopParams) error {
	d.mu.Lock()
	fs, ok := d.searches[params.SessionID]
	delete(d.searches, params.SessionID)
	d.mu.Unlock()
	if !ok {
		return NewInvalidRequest("unknown fuzzy search session %q", params.SessionID)
	}
	fs.stop()
	return nil
}

func (d *Dispatcher) McpServerStatusList() (McpServerStatusListResult, error) {
	if d.mcp == nil {
		return McpServerStatusListResult{Servers: []McpServerStatus{}}, nil
	}
	var out []McpServerStatus
	for _, st := range d.mcp.Statuses() {
		s := McpServerStatus{Name: st.Name, Enabled: st.Enabled, Tools: st.Tools, Auth: string(st.Auth.Kind)}
		if st.Failure != "" {
			f := st.Failure
			s.Failure = &f
		}
		out = append(out, s)
	}
	return McpServerStatusListResult{Servers: out}, nil
}

func (d *Dispatcher) ThreadList(params ThreadListParams) (ThreadListResult, error) {
	if d.threads == nil {
		return ThreadListResult{}, nil
	}
	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := 0
	if params.Cursor != "" {
		n, err := parseCursor(params.Cursor)
		if err != nil {
			return ThreadListResult{}, NewInvalidRequest("invalid cursor %q: %v", params.Cursor, err)
		}
		offset = n
	}

	recs, err := d.threads.List(context.Background(), limit, offset)
	if err != nil {
		return ThreadListResult{}, NewInternalError(err)
	}

	out := ThreadListResult{Threads: make([]ThreadSummary, 0, len(recs))}
	for _, r := range recs {
		out.Threads = append(out.Threads, ThreadSummary{
			ThreadID: r.ThreadID, SessionID: r.SessionID, Path: r.Path,
			ForkedFromID: r.ForkedFromID, UpdatedAt: r.UpdatedAt,
		})
	}
	if len(recs) == limit {
		out.NextCursor = formatCursor(offset + limit)
	}
	return out, nil
}

func (d *Dispatcher) ThreadRead(params ThreadReadParams) (ThreadReadResult, error) {
	if params.ThreadID == "" {
		return ThreadReadResult{}, NewInvalidRequest("threadId must not be empty")
	}
	if d.threads == nil {
		return ThreadReadResult{}, NewInvalidRequest("no thread index configured")
	}

	rec, err := d.threads.Get(context.Background(), params.ThreadID)
	if err != nil {
		return ThreadReadResult{}, NewInternalError(err)
	}

	hist, err := rollout.GetRolloutHistory(rec.Path)
	if err != nil {
		return ThreadReadResult{}, NewInternalError(err)
	}

	return ThreadReadResult{
		Thread: ThreadSummary{
			ThreadID: rec.ThreadID, SessionID: rec.SessionID, Path: rec.Path,
			ForkedFromID: rec.ForkedFromID, UpdatedAt: rec.UpdatedAt,
		},
		Kind:  hist.Kind,
		Items: hist.Items,
	}, nil
}

func (d *Dispatcher) SessionOpen(params SessionOpenParams) (SessionOpenResult, error) {
	if d.sess == nil {
		return SessionOpenResult{}, NewInternalError(fmt.Errorf("no session wired"))
	}
	if params.ResumePath != "" {
		d.sess.Submit(session.Op{Kind: session.OpConfigureSession, ResumePath: params.ResumePath})
	}
	return SessionOpenResult{SessionID: params.SessionID, State: string(d.sess.State())}, nil
}

func (d *Dispatcher) SessionSubmit(params SessionSubmitParams) (SessionSubmitResult, error) {
	if d.sess == nil {
		return SessionSubmitResult{}, NewInternalError(fmt.Errorf("no session wired"))
	}
	if params.Text == "" {
		return SessionSubmitResult{}, NewInvalidRequest("text must not be empty")
	}
	d.sess.SubmitUserTurn(params.Text)
	return SessionSubmitResult{Accepted: true}, nil
}

func parseCursor(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

func formatCursor(n int) string {
	return fmt.Sprintf("%d", n)
}
