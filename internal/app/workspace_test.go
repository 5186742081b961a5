package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"missionboard/internal/config"
	"missionboard/internal/engine"
	"missionboard/internal/events"
	"missionboard/internal/guard"
	"missionboard/internal/repo"
)

func TestOpenWiresGuardToEngine(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	ws, err := Open(ctx, Options{Dir: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ws.Close()

	if _, err := ws.Engine.InitMission(ctx, engine.InitOptions{Name: "m1"}); err != nil {
		t.Fatalf("init mission: %v", err)
	}
	_, d := ws.Guard.Check(ctx, guard.IdentitySignal{AgentType: "lynch"}, guard.Action{Kind: guard.KindEdit, Tool: "Edit", Path: filepath.Join(dir, "main.go")})
	if d.Allow {
		t.Fatalf("reviewer edit should be denied")
	}
	if !ws.Guard.Wait(time.Second) {
		t.Fatalf("denial not flushed")
	}
	evs, err := ws.Engine.RecentEvents(ctx, repo.EventFilters{Type: string(events.TypeActionDenied)})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evs) != 1 || evs[0].EntityID != "lynch" || evs[0].MissionID == "" {
		t.Fatalf("denial event = %+v", evs)
	}
}

func TestOpenReadsWorkspaceConfig(t *testing.T) {
	dir := t.TempDir()
	raw := `board:
  stages: [{id: ready}, {id: done}, {id: blocked}]
  transitions:
    ready: [done, blocked]
    blocked: [ready]
    done: []
agents:
  members: {lynch: open}
  roles:
    open: {description: no limits}
`
	if err := os.WriteFile(filepath.Join(dir, config.FileName), []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	ws, err := Open(context.Background(), Options{Dir: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ws.Close()
	if got := len(ws.Engine.Board.Stages()); got != 3 {
		t.Fatalf("stages = %d", got)
	}
	_, d := ws.Guard.Check(context.Background(), guard.IdentitySignal{AgentType: "lynch"}, guard.Action{Kind: guard.KindWrite, Path: "a.go"})
	if !d.Allow {
		t.Fatalf("configured role should allow writes: %s", d.Reason)
	}
}

func TestOpenRejectsBrokenMatrix(t *testing.T) {
	dir := t.TempDir()
	raw := `board:
  stages: [{id: ready}, {id: done}, {id: blocked}]
  transitions:
    done: [ready]
`
	if err := os.WriteFile(filepath.Join(dir, config.FileName), []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	if ws, err := Open(context.Background(), Options{Dir: dir}); err == nil {
		ws.Close()
		t.Fatalf("expected error for a non-terminal done stage")
	}
}
