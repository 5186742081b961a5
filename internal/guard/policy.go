package guard

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"missionboard/internal/config"
)

// Decision is the outcome of an authorization check.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

func allow() Decision { return Decision{Allow: true} }

func deny(format string, args ...any) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

// Policy holds the agent roster and role capability sets. It is immutable
// once built; reloads swap in a new Policy.
type Policy struct {
	Resolver Resolver
	Root     string
	members  map[string]string
	roles    map[string]config.RoleConfig
}

// NewPolicy builds a policy from the agents section of the config. Root is
// the workspace that relative write patterns are matched against.
func NewPolicy(agents config.Agents, root string) *Policy {
	p := &Policy{
		Resolver: Resolver{Namespace: agents.Namespace},
		members:  make(map[string]string, len(agents.Members)),
		roles:    make(map[string]config.RoleConfig, len(agents.Roles)),
	}
	if root != "" {
		if abs, err := filepath.Abs(root); err == nil {
			p.Root = abs
		}
	}
	for agent, role := range agents.Members {
		p.members[strings.ToLower(agent)] = role
	}
	for id, role := range agents.Roles {
		p.roles[id] = role
	}
	return p
}

// Role returns the role of a known agent.
func (p *Policy) Role(agent string) (string, bool) {
	role, ok := p.members[strings.ToLower(agent)]
	return role, ok
}

// Authorize checks the action against the agent's role. Unidentified agents
// and agents without a configured role are allowed. An error means the
// policy could not be evaluated.
func (p *Policy) Authorize(agent string, a Action) (Decision, error) {
	if agent == "" {
		return allow(), nil
	}
	roleID, ok := p.Role(agent)
	if !ok {
		return allow(), nil
	}
	role, ok := p.roles[roleID]
	if !ok {
		return allow(), nil
	}
	for _, k := range role.DenyKinds {
		if Kind(k) == a.Kind {
			return deny("role %s may not %s", roleID, a.Kind), nil
		}
	}
	switch a.Kind {
	case KindWrite, KindEdit:
		if a.Path == "" {
			return allow(), nil
		}
		candidates := p.candidates(a.Path)
		denied, err := matchAny(role.WriteDeny, candidates)
		if err != nil {
			return Decision{}, err
		}
		if denied != "" {
			return deny("role %s may not %s %s (matches %s)", roleID, a.Kind, a.Path, denied), nil
		}
		if len(role.WriteAllow) == 0 {
			return allow(), nil
		}
		allowed, err := matchAny(role.WriteAllow, candidates)
		if err != nil {
			return Decision{}, err
		}
		if allowed == "" {
			return deny("role %s may only %s %s", roleID, a.Kind, strings.Join(role.WriteAllow, ", ")), nil
		}
	case KindBoard:
		for _, op := range role.DenyOperations {
			if op == a.Operation {
				return deny("role %s may not call %s", roleID, a.Operation), nil
			}
		}
	}
	return allow(), nil
}

// candidates returns the forms a path is matched in: as given, and relative
// to the workspace root when it lies inside it.
func (p *Policy) candidates(path string) []string {
	clean := filepath.ToSlash(filepath.Clean(path))
	out := []string{clean}
	if p.Root == "" {
		return out
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(p.Root, abs)
	}
	rel, err := filepath.Rel(p.Root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return out
	}
	if rel = filepath.ToSlash(rel); rel != clean {
		out = append(out, rel)
	}
	if abs = filepath.ToSlash(filepath.Clean(abs)); abs != clean {
		out = append(out, abs)
	}
	return out
}

func matchAny(patterns, paths []string) (string, error) {
	for _, pattern := range patterns {
		if !doublestar.ValidatePattern(pattern) {
			return "", fmt.Errorf("invalid pattern %q", pattern)
		}
		for _, path := range paths {
			ok, err := doublestar.Match(pattern, path)
			if err != nil {
				return "", fmt.Errorf("pattern %q: %w", pattern, err)
			}
			if ok {
				return pattern, nil
			}
		}
	}
	return "", nil
}
