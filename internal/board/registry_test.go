package board

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missionboard/internal/config"
	"missionboard/internal/domain"
)

func defaultRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := New(config.Default().Board)
	require.NoError(t, err)
	return r
}

func TestDoneIsTerminal(t *testing.T) {
	r := defaultRegistry(t)
	assert.True(t, r.IsTerminal(domain.StageDone))
	assert.Empty(t, r.Targets(domain.StageDone))
	for _, s := range r.Stages() {
		assert.False(t, r.CanTransition(domain.StageDone, s.ID), "done -> %s", s.ID)
	}
}

func TestBlockedReachableFromEveryNonTerminalStage(t *testing.T) {
	r := defaultRegistry(t)
	for _, s := range r.Stages() {
		if s.ID == domain.StageDone || s.ID == domain.StageBlocked {
			continue
		}
		assert.True(t, r.CanTransition(s.ID, domain.StageBlocked), "%s -> blocked", s.ID)
	}
}

func TestDefaultPolicy(t *testing.T) {
	r := defaultRegistry(t)
	limit, ok := r.WIPLimit("testing")
	require.True(t, ok)
	assert.Equal(t, 2, limit)
	_, ok = r.WIPLimit(domain.StageReady)
	assert.False(t, ok)

	for _, id := range []string{"testing", "implementing", "review", "probing"} {
		assert.True(t, r.RequiresClaim(id), id)
	}
	for _, id := range []string{domain.StageBriefings, domain.StageReady, domain.StageDone, domain.StageBlocked} {
		assert.False(t, r.RequiresClaim(id), id)
	}
	assert.Equal(t, 2, r.RejectionEscalation())
	assert.Equal(t, domain.StageReady, r.ReopenStage())
}

func TestStagesKeepConfiguredOrder(t *testing.T) {
	r := defaultRegistry(t)
	stages := r.Stages()
	require.NotEmpty(t, stages)
	assert.Equal(t, domain.StageBriefings, stages[0].ID)
	for i, s := range stages {
		assert.Equal(t, i, s.Order)
	}
}

func TestNewRejectsBrokenMatrix(t *testing.T) {
	cases := map[string]func(b *config.Board){
		"done has outgoing edge": func(b *config.Board) {
			b.Transitions[domain.StageDone] = []string{domain.StageReady}
		},
		"stage cannot reach blocked": func(b *config.Board) {
			b.Transitions["review"] = []string{"probing"}
		},
		"unknown target": func(b *config.Board) {
			b.Transitions["ready"] = append(b.Transitions["ready"], "nowhere")
		},
		"unknown claim stage": func(b *config.Board) {
			b.ClaimRequired = append(b.ClaimRequired, "nowhere")
		},
		"duplicate stage": func(b *config.Board) {
			b.Stages = append(b.Stages, config.StageConfig{ID: "ready"})
		},
		"missing blocked": func(b *config.Board) {
			b.Stages = b.Stages[:len(b.Stages)-1]
			for from, targets := range b.Transitions {
				var kept []string
				for _, to := range targets {
					if to != domain.StageBlocked {
						kept = append(kept, to)
					}
				}
				b.Transitions[from] = kept
			}
			delete(b.Transitions, domain.StageBlocked)
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			b := config.Default().Board
			mutate(&b)
			_, err := New(b)
			assert.Error(t, err)
		})
	}
}
