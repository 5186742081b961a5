// Package board holds the stage registry: the ordered stage set, the
// transition matrix, WIP limits and the stages that require a claim.
package board

import (
	"fmt"
	"sort"

	"missionboard/internal/config"
	"missionboard/internal/domain"
)

const defaultRejectionEscalation = 2

// Registry is immutable once built.
type Registry struct {
	stages        map[string]domain.Stage
	ordered       []domain.Stage
	transitions   map[string]map[string]bool
	claimRequired map[string]bool
	escalateAt    int
	reopenTo      string
}

// New builds a registry from config and enforces the matrix invariants:
// done is terminal and every other stage can reach blocked directly.
func New(cfg config.Board) (*Registry, error) {
	r := &Registry{
		stages:        make(map[string]domain.Stage, len(cfg.Stages)),
		transitions:   make(map[string]map[string]bool, len(cfg.Stages)),
		claimRequired: make(map[string]bool, len(cfg.ClaimRequired)),
		escalateAt:    cfg.RejectionEscalation,
		reopenTo:      cfg.ReopenTo,
	}
	for i, sc := range cfg.Stages {
		if _, dup := r.stages[sc.ID]; dup {
			return nil, fmt.Errorf("duplicate stage id %s", sc.ID)
		}
		name := sc.Name
		if name == "" {
			name = sc.ID
		}
		s := domain.Stage{ID: sc.ID, Name: name, Order: i, WIPLimit: sc.WIPLimit}
		r.stages[s.ID] = s
		r.ordered = append(r.ordered, s)
		r.transitions[s.ID] = map[string]bool{}
	}
	for _, required := range []string{domain.StageDone, domain.StageBlocked} {
		if _, ok := r.stages[required]; !ok {
			return nil, fmt.Errorf("stage %s must be configured", required)
		}
	}
	for from, targets := range cfg.Transitions {
		if _, ok := r.stages[from]; !ok {
			return nil, fmt.Errorf("transitions reference unknown stage %s", from)
		}
		for _, to := range targets {
			if _, ok := r.stages[to]; !ok {
				return nil, fmt.Errorf("transition %s -> %s references unknown stage", from, to)
			}
			if from == to {
				return nil, fmt.Errorf("self transition on %s", from)
			}
			r.transitions[from][to] = true
		}
	}
	if len(r.transitions[domain.StageDone]) > 0 {
		return nil, fmt.Errorf("stage %s must be terminal", domain.StageDone)
	}
	for _, s := range r.ordered {
		if s.ID == domain.StageDone || s.ID == domain.StageBlocked {
			continue
		}
		if !r.transitions[s.ID][domain.StageBlocked] {
			return nil, fmt.Errorf("stage %s has no transition to %s", s.ID, domain.StageBlocked)
		}
	}
	for _, id := range cfg.ClaimRequired {
		if _, ok := r.stages[id]; !ok {
			return nil, fmt.Errorf("claim_required references unknown stage %s", id)
		}
		r.claimRequired[id] = true
	}
	if r.escalateAt <= 0 {
		r.escalateAt = defaultRejectionEscalation
	}
	if r.reopenTo == "" {
		r.reopenTo = domain.StageReady
	}
	if _, ok := r.stages[r.reopenTo]; !ok {
		return nil, fmt.Errorf("reopen stage %s is not configured", r.reopenTo)
	}
	return r, nil
}

func (r *Registry) Stage(id string) (domain.Stage, bool) {
	s, ok := r.stages[id]
	return s, ok
}

// Stages returns the stages in display order.
func (r *Registry) Stages() []domain.Stage {
	out := make([]domain.Stage, len(r.ordered))
	copy(out, r.ordered)
	return out
}

func (r *Registry) CanTransition(from, to string) bool {
	return r.transitions[from][to]
}

// Targets returns the stages reachable directly from a stage, sorted by order.
func (r *Registry) Targets(from string) []string {
	var out []string
	for to := range r.transitions[from] {
		out = append(out, to)
	}
	sort.Slice(out, func(i, j int) bool { return r.stages[out[i]].Order < r.stages[out[j]].Order })
	return out
}

// WIPLimit reports the stage limit; ok is false for unbounded stages.
func (r *Registry) WIPLimit(id string) (int, bool) {
	s, ok := r.stages[id]
	if !ok || s.WIPLimit == nil {
		return 0, false
	}
	return *s.WIPLimit, true
}

func (r *Registry) RequiresClaim(id string) bool {
	return r.claimRequired[id]
}

func (r *Registry) IsTerminal(id string) bool {
	_, known := r.stages[id]
	return known && len(r.transitions[id]) == 0
}

// RejectionEscalation is the rejection count at which an item is parked in blocked.
func (r *Registry) RejectionEscalation() int {
	return r.escalateAt
}

// ReopenStage is where items land when pulled back out of done.
func (r *Registry) ReopenStage() string {
	return r.reopenTo
}

// Matrix returns a copy of the transition matrix.
func (r *Registry) Matrix() map[string][]string {
	out := make(map[string][]string, len(r.transitions))
	for from := range r.transitions {
		out[from] = r.Targets(from)
	}
	return out
}
