package guard

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missionboard/internal/config"
	"missionboard/internal/events"
)

func TestResolve(t *testing.T) {
	r := Resolver{Namespace: "ai-team"}
	cases := []struct {
		name string
		sig  IdentitySignal
		want string
		ok   bool
	}{
		{"primary field", IdentitySignal{AgentType: "murdock"}, "murdock", true},
		{"namespace stripped", IdentitySignal{AgentType: "ai-team:Lynch"}, "lynch", true},
		{"fallback teammate", IdentitySignal{TeammateName: " ba "}, "ba", true},
		{"primary wins", IdentitySignal{AgentType: "face", TeammateName: "ba"}, "face", true},
		{"blank primary", IdentitySignal{AgentType: "  ", TeammateName: "amy"}, "amy", true},
		{"no identity", IdentitySignal{}, "", false},
		{"prefix only", IdentitySignal{AgentType: "ai-team:"}, "", false},
		{"other namespace kept", IdentitySignal{AgentType: "other:ba"}, "other:ba", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := r.Resolve(tc.sig)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestActionFromTool(t *testing.T) {
	a, ok := ActionFromTool("Write", map[string]any{"file_path": "/ws/a.go"})
	require.True(t, ok)
	assert.Equal(t, Action{Kind: KindWrite, Tool: "Write", Path: "/ws/a.go"}, a)

	a, ok = ActionFromTool("NotebookEdit", map[string]any{"notebook_path": "n.ipynb"})
	require.True(t, ok)
	assert.Equal(t, KindEdit, a.Kind)
	assert.Equal(t, "n.ipynb", a.Path)

	a, ok = ActionFromTool("mcp__board__item_move", map[string]any{"force": true})
	require.True(t, ok)
	assert.Equal(t, OpItemMoveForce, a.Operation)

	a, ok = ActionFromTool("mcp__board__item_claim", nil)
	require.True(t, ok)
	assert.Equal(t, Action{Kind: KindBoard, Tool: "mcp__board__item_claim", Operation: OpItemClaim}, a)

	_, ok = ActionFromTool("WebFetch", nil)
	assert.False(t, ok)
	_, ok = ActionFromTool("mcp__board", nil)
	assert.False(t, ok)
}

func defaultPolicy(t *testing.T, root string) *Policy {
	t.Helper()
	return NewPolicy(config.Default().Agents, root)
}

func TestPolicyDefaultRoster(t *testing.T) {
	p := defaultPolicy(t, "/ws")
	cases := []struct {
		name  string
		agent string
		act   Action
		allow bool
	}{
		{"unidentified", "", Action{Kind: KindWrite, Path: "/ws/main.go"}, true},
		{"unknown agent", "stranger", Action{Kind: KindWrite, Path: "/ws/main.go"}, true},
		{"orchestrator unlimited", "hannibal", BoardAction(OpItemMoveForce), true},
		{"reviewer write", "lynch", Action{Kind: KindWrite, Path: "/ws/main.go"}, false},
		{"reviewer edit", "lynch", Action{Kind: KindEdit, Path: "/ws/main.go"}, false},
		{"reviewer read", "lynch", Action{Kind: KindRead, Path: "/ws/main.go"}, true},
		{"tester writes test", "murdock", Action{Kind: KindWrite, Path: "/ws/internal/x/x_test.go"}, true},
		{"tester writes source", "murdock", Action{Kind: KindWrite, Path: "/ws/internal/x/x.go"}, false},
		{"implementer writes source", "ba", Action{Kind: KindEdit, Path: "internal/x/x.go"}, true},
		{"implementer writes test", "ba", Action{Kind: KindEdit, Path: "/ws/internal/x/x_test.go"}, false},
		{"implementer force move", "ba", BoardAction(OpItemMoveForce), false},
		{"implementer move", "ba", BoardAction(OpItemMove), true},
		{"planner docs", "face", Action{Kind: KindWrite, Path: "/ws/docs/plan.md"}, true},
		{"planner code", "face", Action{Kind: KindWrite, Path: "/ws/main.go"}, false},
		{"investigator scratch", "amy", Action{Kind: KindWrite, Path: "/tmp/probe.sh"}, true},
		{"investigator code", "amy", Action{Kind: KindEdit, Path: "/ws/main.go"}, false},
		{"case insensitive agent", "LYNCH", Action{Kind: KindWrite, Path: "/ws/main.go"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := p.Authorize(tc.agent, tc.act)
			require.NoError(t, err)
			assert.Equal(t, tc.allow, d.Allow, d.Reason)
			if !tc.allow {
				assert.NotEmpty(t, d.Reason)
			}
		})
	}
}

func TestPolicyBadPatternIsAnError(t *testing.T) {
	p := NewPolicy(config.Agents{
		Members: map[string]string{"x": "broken"},
		Roles:   map[string]config.RoleConfig{"broken": {WriteDeny: []string{"[a-"}}},
	}, "")
	_, err := p.Authorize("x", Action{Kind: KindWrite, Path: "a.go"})
	require.Error(t, err)
}

type captureRecorder struct {
	mu     sync.Mutex
	denied []events.ActionDenied
}

func (c *captureRecorder) RecordDenial(_ context.Context, d events.ActionDenied) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.denied = append(c.denied, d)
	return nil
}

func (c *captureRecorder) all() []events.ActionDenied {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]events.ActionDenied(nil), c.denied...)
}

func TestGuardRecordsDenials(t *testing.T) {
	rec := &captureRecorder{}
	g := New(config.Default().Agents, "/ws", rec, nil)
	ctx := context.Background()

	agent, d := g.Check(ctx, IdentitySignal{AgentType: "ai-team:lynch"}, Action{Kind: KindWrite, Tool: "Write", Path: "/ws/main.go"})
	assert.Equal(t, "lynch", agent)
	assert.False(t, d.Allow)
	require.True(t, g.Wait(time.Second))

	got := rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, "lynch", got[0].Agent)
	assert.Equal(t, "reviewer", got[0].Role)
	assert.Equal(t, "write", got[0].Kind)
	assert.Equal(t, "/ws/main.go", got[0].Path)

	_, d = g.Check(ctx, IdentitySignal{}, Action{Kind: KindWrite, Path: "/ws/main.go"})
	assert.True(t, d.Allow)
	require.True(t, g.Wait(time.Second))
	assert.Len(t, rec.all(), 1)
}

func TestGuardEnforce(t *testing.T) {
	g := New(config.Default().Agents, "", nil, nil)
	err := g.Enforce(context.Background(), IdentitySignal{TeammateName: "ba"}, BoardAction(OpItemMoveForce))
	var denied *PermissionDeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, "implementer", denied.Role)
	assert.Equal(t, "permission_denied", denied.Code())

	assert.NoError(t, g.Enforce(context.Background(), IdentitySignal{TeammateName: "ba"}, BoardAction(OpItemClaim)))
}

func TestGuardFailsOpen(t *testing.T) {
	var calls int
	block := make(chan struct{})
	rec := RecorderFunc(func(ctx context.Context, _ events.ActionDenied) error {
		calls++
		select {
		case <-block:
		case <-ctx.Done():
		}
		return errors.New("audit endpoint down")
	})
	g := New(config.Agents{
		Members: map[string]string{"x": "broken"},
		Roles:   map[string]config.RoleConfig{"broken": {WriteDeny: []string{"[a-"}}},
	}, "", rec, nil)
	g.RecordTimeout = 50 * time.Millisecond

	_, d := g.Check(context.Background(), IdentitySignal{AgentType: "x"}, Action{Kind: KindWrite, Path: "a.go"})
	assert.True(t, d.Allow, "policy errors must allow")

	g.SetPolicy(NewPolicy(config.Default().Agents, ""))
	start := time.Now()
	_, d = g.Check(context.Background(), IdentitySignal{AgentType: "lynch"}, Action{Kind: KindEdit, Path: "a.go"})
	assert.False(t, d.Allow)
	assert.Less(t, time.Since(start), 50*time.Millisecond, "decision must not wait for the recorder")
	assert.True(t, g.Wait(time.Second))
	assert.Equal(t, 1, calls)
	close(block)

	var nilPolicy Guard
	_, d = nilPolicy.Check(context.Background(), IdentitySignal{AgentType: "lynch"}, Action{Kind: KindEdit})
	assert.True(t, d.Allow)
}

func TestGuardReload(t *testing.T) {
	dir := t.TempDir()
	g := New(config.Default().Agents, dir, nil, nil)
	_, d := g.Check(context.Background(), IdentitySignal{AgentType: "lynch"}, Action{Kind: KindWrite, Path: "a.go"})
	require.False(t, d.Allow)

	cfg := `board:
  stages: [{id: ready}, {id: done}, {id: blocked}]
agents:
  members: {lynch: free}
  roles:
    free: {description: anything}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName), []byte(cfg), 0o644))
	require.NoError(t, g.Reload(dir))
	_, d = g.Check(context.Background(), IdentitySignal{AgentType: "lynch"}, Action{Kind: KindWrite, Path: "a.go"})
	assert.True(t, d.Allow)

	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName), []byte("board: ["), 0o644))
	assert.Error(t, g.Reload(dir))
	_, d = g.Check(context.Background(), IdentitySignal{AgentType: "lynch"}, Action{Kind: KindWrite, Path: "a.go"})
	assert.True(t, d.Allow, "invalid config keeps the previous policy")
}

func TestGuardWatch(t *testing.T) {
	dir := t.TempDir()
	g := New(config.Default().Agents, dir, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- g.Watch(ctx, dir) }()

	cfg := `board:
  stages: [{id: ready}, {id: done}, {id: blocked}]
agents:
  members: {ba: reviewer}
  roles:
    reviewer: {deny_kinds: [bash]}
`
	// the watcher may not be registered yet; keep writing until the reload lands
	require.Eventually(t, func() bool {
		_ = os.WriteFile(filepath.Join(dir, config.FileName), []byte(cfg), 0o644)
		_, d := g.Check(context.Background(), IdentitySignal{AgentType: "ba"}, Action{Kind: KindBash})
		return !d.Allow
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
