package engine

import (
	"context"
	"errors"

	"missionboard/internal/domain"
	"missionboard/internal/events"
	"missionboard/internal/repo"
)

// RecordDenial persists a guard denial against the active mission, if any,
// and publishes it.
func (e *Engine) RecordDenial(ctx context.Context, d events.ActionDenied) error {
	missionID := ""
	if m, err := e.Repo.ActiveMission(ctx, e.DB); err == nil {
		missionID = m.ID
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	entityID := d.Path
	if entityID == "" {
		entityID = d.Operation
	}
	if err := e.Events.Append(ctx, e.DB, string(events.TypeActionDenied), missionID, "agent", d.Agent, d.Agent, events.EventPayload{
		"role":      d.Role,
		"kind":      d.Kind,
		"tool":      d.Tool,
		"path":      d.Path,
		"operation": d.Operation,
		"target":    entityID,
		"reason":    d.Reason,
	}); err != nil {
		return err
	}
	e.publish(ctx, d)
	return nil
}

// RecentEvents returns the newest persisted events first.
func (e *Engine) RecentEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, e.DB, f)
}
