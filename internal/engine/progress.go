package engine

import (
	"context"
	"errors"
	"time"

	"missionboard/internal/domain"
	"missionboard/internal/events"
	"missionboard/internal/repo"
)

// MissionProgress follows item moves for the mission lifecycle. When the
// last open item reaches done it stamps the mission's completion time;
// when an item leaves done it clears the stamp and moves a completed
// mission back to running.
type MissionProgress struct {
	Engine *Engine
}

func (MissionProgress) ID() string { return "mission-progress" }

func (MissionProgress) Handles() []events.Type { return []events.Type{events.TypeItemMoved} }

func (MissionProgress) Priority() int { return 10 }

func (p MissionProgress) Handle(ctx context.Context, ev events.Event) error {
	moved, ok := ev.(events.ItemMoved)
	if !ok {
		return nil
	}
	switch {
	case moved.To == domain.StageDone:
		return p.stampCompletion(ctx, moved.MissionID)
	case moved.From == domain.StageDone:
		return p.reopen(ctx, moved.MissionID, moved.Agent)
	}
	return nil
}

func (p MissionProgress) stampCompletion(ctx context.Context, missionID string) error {
	e := p.Engine
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	m, err := e.Repo.GetMission(ctx, tx, missionID)
	if err != nil {
		return err
	}
	if !m.Active() || m.CompletedAt != nil {
		return nil
	}
	counts, err := e.Repo.CountByStage(ctx, tx, missionID)
	if err != nil {
		return err
	}
	for stage, n := range counts {
		if stage != domain.StageDone && n > 0 {
			return nil
		}
	}
	end := e.now()
	completedAt := end.UTC().Format(time.RFC3339)
	d := durationMS(m, end)
	if err := e.Repo.SetMissionCompletion(ctx, tx, missionID, &completedAt, &d, completedAt); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, string(events.TypeMissionProgress), missionID, "mission", missionID, "", events.EventPayload{
		"completed_at": completedAt,
		"duration_ms":  d,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.logger().Info("all items done", "mission", missionID, "duration_ms", d)
	return nil
}

func (p MissionProgress) reopen(ctx context.Context, missionID, actorID string) error {
	e := p.Engine
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	m, err := e.Repo.GetMission(ctx, tx, missionID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	now := e.timestamp()
	if m.CompletedAt != nil {
		if err := e.Repo.SetMissionCompletion(ctx, tx, missionID, nil, nil, now); err != nil {
			return err
		}
	}
	reopened := false
	if m.State == domain.MissionCompleted {
		ok, err := e.Repo.TransitionMission(ctx, tx, missionID, []domain.MissionState{domain.MissionCompleted}, domain.MissionRunning, now, repo.MissionUpdate{})
		if err != nil {
			return err
		}
		if ok {
			reopened = true
			if err := e.appendMissionEvent(ctx, tx, missionID, domain.MissionCompleted, domain.MissionRunning, actorID, events.EventPayload{"reopened": true}); err != nil {
				return err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if reopened {
		e.logger().Info("mission reopened", "mission", missionID)
		e.publish(ctx, events.MissionStateChanged{MissionID: missionID, From: string(domain.MissionCompleted), To: string(domain.MissionRunning)})
	}
	return nil
}
