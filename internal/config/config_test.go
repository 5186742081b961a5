package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTemplateIsValid(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	require.NoError(t, err)
	assert.Equal(t, "ai-team", cfg.Agents.Namespace)
	assert.Equal(t, "reviewer", cfg.Agents.Members["lynch"])
	assert.Equal(t, 2, cfg.Board.RejectionEscalation)
	assert.Equal(t, 300, cfg.CheckTimeout())
	require.Len(t, cfg.Board.Stages, 8)
	assert.Equal(t, Default(), cfg)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"no stages":       "board: {}\n",
		"duplicate stage": "board: {stages: [{id: a}, {id: a}]}\n",
		"negative wip":    "board: {stages: [{id: a, wip_limit: -1}]}\n",
		"unknown target":  "board: {stages: [{id: a}], transitions: {a: [b]}}\n",
		"unknown claim":   "board: {stages: [{id: a}], claim_required: [b]}\n",
		"unknown role": `board: {stages: [{id: a}]}
agents: {members: {ba: ghost}}
`,
		"unknown kind": `board: {stages: [{id: a}]}
agents: {roles: {r: {deny_kinds: [fly]}}}
`,
		"check without command": `board: {stages: [{id: a}]}
mission: {prechecks: [{name: lint}]}
`,
		"duplicate check": `board: {stages: [{id: a}]}
mission: {postchecks: [{name: x, command: "true"}, {name: x, command: "false"}]}
`,
		"webhook without url": `board: {stages: [{id: a}]}
webhooks: [{events: [item.moved]}]
`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	require.Error(t, err)

	cfg, err := LoadOrDefault(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	raw := `board:
  stages: [{id: ready}, {id: done}, {id: blocked}]
mission:
  check_timeout_seconds: 30
  prechecks:
    - {name: build, command: "go build ./..."}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(raw), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.CheckTimeout())
	require.Len(t, cfg.Mission.Prechecks, 1)
	assert.Equal(t, "build", cfg.Mission.Prechecks[0].Name)
}
