package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/relaykit/relay/internal/approval"
	"github.com/relaykit/relay/internal/session"
)

var stdinReader = bufio.NewReader(os.Stdin)

// handleApprovalEvent prompts on stderr/stdin for a decision on a
// pending exec/apply_patch/network approval, per §4.C. Non-interactive
// runs (no TTY) deny by default rather than blocking forever, matching
// the cancellation contract's "in-flight approval prompts resolve
// Denied by default".
func handleApprovalEvent(sess *session.Session, payload any) {
	req, ok := payload.(approval.Request)
	if !ok {
		return
	}

	decision := approval.Denied
	if stdinIsPiped() || !isTerminal(os.Stdin) {
		fmt.Fprintf(os.Stderr, "\n[auto-denied, no interactive terminal] %s\n", describeApproval(req))
	} else {
		fmt.Fprintf(os.Stderr, "\n%s\napprove? [y]es/[a]lways/[n]o/[x] abort: ", describeApproval(req))
		line, _ := stdinReader.ReadString('\n')
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			decision = approval.Approved
		case "a", "always":
			decision = approval.ApprovedForSession
		case "x", "abort":
			decision = approval.Abort
		default:
			decision = approval.Denied
		}
	}

	if err := sess.Approvals().Resolve(req.ID, decision); err != nil {
		fmt.Fprintf(os.Stderr, "kerneld: resolving approval %s: %v\n", req.ID, err)
	}
}

func describeApproval(req approval.Request) string {
	switch req.Kind {
	case approval.KindExec:
		return fmt.Sprintf("exec approval requested: %s (%s)", strings.Join(req.Command, " "), req.Reason)
	case approval.KindApplyPatch:
		return fmt.Sprintf("patch approval requested for %s:\n%s", req.GrantRoot, req.Changes)
	case approval.KindNetwork:
		return fmt.Sprintf("network approval requested: %s to %s", req.Protocol, req.Host)
	default:
		return "approval requested"
	}
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
