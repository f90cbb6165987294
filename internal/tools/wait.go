package tools

import "strings"

// agentWaitPrefix disambiguates an agent_wait CallId from an exec wait
// CallId. Resolves the "wait call-id collision" open question: exec
// waits and agent waits get disjoint id namespaces rather than sharing
// one table keyed only by CallId.
const agentWaitPrefix = "agent:"

// IsAgentWaitCallID reports whether id belongs to the sub-agent wait
// namespace rather than the exec wait table.
func IsAgentWaitCallID(id string) bool {
	return strings.HasPrefix(id, agentWaitPrefix)
}

// AgentWaitCallID namespaces a sub-agent id as a wait CallId.
func AgentWaitCallID(agentID string) string {
	return agentWaitPrefix + agentID
}

// StripAgentWaitPrefix returns the underlying agent id from a namespaced
// wait CallId produced by AgentWaitCallID.
func StripAgentWaitPrefix(id string) string {
	return strings.TrimPrefix(id, agentWaitPrefix)
}
