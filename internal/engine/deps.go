package engine

import (
	"context"
	"errors"
	"sort"

	"missionboard/internal/domain"
	"missionboard/internal/events"
	"missionboard/internal/graph"
	"missionboard/internal/repo"
)

// AddDependency records that itemID depends on dependsOn. Both items must
// belong to the same mission, and the edge must not close a cycle.
func (e *Engine) AddDependency(ctx context.Context, itemID, dependsOn, actorID string) (domain.Item, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Item{}, err
	}
	defer tx.Rollback()

	it, err := e.Repo.GetItem(ctx, tx, itemID)
	if errors.Is(err, repo.ErrNotFound) {
		return it, &graph.DependencyNotFoundError{ItemID: itemID, DependsOn: dependsOn, Missing: itemID}
	}
	if err != nil {
		return it, err
	}
	items, err := e.Repo.ListItems(ctx, tx, repo.ItemFilters{MissionID: it.MissionID})
	if err != nil {
		return it, err
	}
	g, err := graph.FromItems(items)
	if err != nil {
		return it, err
	}
	if !g.Has(dependsOn) {
		return it, &graph.DependencyNotFoundError{ItemID: itemID, DependsOn: dependsOn, Missing: dependsOn}
	}
	for _, d := range it.Dependencies {
		if d == dependsOn {
			return it, nil
		}
	}
	if g.WouldCycle(itemID, dependsOn) {
		return it, &CyclicDependencyError{ItemID: itemID, DependsOn: dependsOn}
	}
	if err := g.AddEdge(itemID, dependsOn); err != nil {
		return it, err
	}
	if err := e.Repo.AddDependency(ctx, tx, itemID, dependsOn); err != nil {
		return it, err
	}
	if err := e.Events.Append(ctx, tx, string(events.TypeDependencyAdded), it.MissionID, "item", itemID, actorID, events.EventPayload{
		"depends_on": dependsOn,
	}); err != nil {
		return it, err
	}
	if err := tx.Commit(); err != nil {
		return it, err
	}
	it.Dependencies = g.Dependencies(itemID)
	return it, nil
}

// DependencyReport classifies every unfinished item of a mission.
type DependencyReport struct {
	MissionID string              `json:"mission_id"`
	Ready     []string            `json:"ready"`
	Pending   map[string][]string `json:"pending"`
	Cycles    []string            `json:"cycles"`
}

func (e *Engine) CheckDependencies(ctx context.Context, missionID string) (DependencyReport, error) {
	m, err := e.resolveMission(ctx, e.DB, missionID)
	if err != nil {
		return DependencyReport{}, err
	}
	items, err := e.Repo.ListItems(ctx, e.DB, repo.ItemFilters{MissionID: m.ID})
	if err != nil {
		return DependencyReport{}, err
	}
	g, err := graph.FromItems(items)
	if err != nil {
		return DependencyReport{}, err
	}
	return dependencyReport(m.ID, items, g), nil
}

func dependencyReport(missionID string, items []domain.Item, g *graph.Graph) DependencyReport {
	report := DependencyReport{
		MissionID: missionID,
		Ready:     []string{},
		Pending:   map[string][]string{},
		Cycles:    g.Cycles(),
	}
	all := g.ReadinessAll()
	for _, it := range items {
		if it.StageID == domain.StageDone {
			continue
		}
		r := all[it.ID]
		switch r.State {
		case graph.Ready:
			report.Ready = append(report.Ready, it.ID)
		case graph.Pending:
			report.Pending[it.ID] = r.Waiting
		}
	}
	sort.Strings(report.Ready)
	if report.Cycles == nil {
		report.Cycles = []string{}
	}
	return report
}
