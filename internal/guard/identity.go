package guard

import "strings"

// IdentitySignal is the untrusted "who is acting" data a caller presents,
// usually copied from the agent runtime's hook payload or request headers.
type IdentitySignal struct {
	AgentType    string `json:"agent_type,omitempty"`
	TeammateName string `json:"teammate_name,omitempty"`
}

// Resolver maps an identity signal to a canonical agent id.
type Resolver struct {
	Namespace string
}

// Resolve prefers the agent type and falls back to the teammate name. The
// namespace prefix is stripped and the id lower-cased. It reports false when
// the signal carries no identity, as for the root session.
func (r Resolver) Resolve(sig IdentitySignal) (string, bool) {
	raw := strings.TrimSpace(sig.AgentType)
	if raw == "" {
		raw = strings.TrimSpace(sig.TeammateName)
	}
	if raw == "" {
		return "", false
	}
	id := strings.ToLower(raw)
	if ns := strings.ToLower(strings.TrimSpace(r.Namespace)); ns != "" {
		id = strings.TrimPrefix(id, ns+":")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return "", false
	}
	return id, true
}
