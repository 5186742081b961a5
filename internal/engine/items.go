package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"missionboard/internal/domain"
	"missionboard/internal/events"
	"missionboard/internal/graph"
	"missionboard/internal/repo"
)

const defaultItemType = "feature"

// ItemCreateOptions are parameters for creating an item.
type ItemCreateOptions struct {
	ID          string
	MissionID   string
	Title       string
	Description string
	Type        string
	Priority    *int
	Stage       string
	DependsOn   []string
	ActorID     string
}

func (e *Engine) CreateItem(ctx context.Context, opts ItemCreateOptions) (domain.Item, error) {
	items, err := e.ImportPlan(ctx, Plan{
		MissionID: opts.MissionID,
		Items: []PlanItem{{
			ID:          opts.ID,
			Title:       opts.Title,
			Description: opts.Description,
			Type:        opts.Type,
			Priority:    opts.Priority,
			Stage:       opts.Stage,
			DependsOn:   opts.DependsOn,
		}},
	}, opts.ActorID)
	if err != nil {
		return domain.Item{}, err
	}
	return items[0], nil
}

// Plan is a batch of planned items. Dependencies may reference other items
// in the same batch by id or items already in the mission.
type Plan struct {
	MissionID string     `yaml:"mission_id,omitempty" json:"mission_id,omitempty"`
	Items     []PlanItem `yaml:"items" json:"items"`
}

type PlanItem struct {
	ID          string   `yaml:"id,omitempty" json:"id,omitempty"`
	Title       string   `yaml:"title" json:"title"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Type        string   `yaml:"type,omitempty" json:"type,omitempty"`
	Priority    *int     `yaml:"priority,omitempty" json:"priority,omitempty"`
	Stage       string   `yaml:"stage,omitempty" json:"stage,omitempty"`
	DependsOn   []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
}

// ParsePlan decodes a YAML (or JSON) plan document.
func ParsePlan(data []byte) (Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("invalid plan: %w", err)
	}
	if len(p.Items) == 0 {
		return p, errors.New("plan has no items")
	}
	return p, nil
}

// ImportPlan creates every planned item and its dependency edges in one
// transaction. Cycles are accepted here and surfaced by CheckDependencies
// and the dependencies_acyclic precheck.
func (e *Engine) ImportPlan(ctx context.Context, plan Plan, actorID string) ([]domain.Item, error) {
	if len(plan.Items) == 0 {
		return nil, errors.New("plan has no items")
	}
	for i, pi := range plan.Items {
		if strings.TrimSpace(pi.Title) == "" {
			return nil, fmt.Errorf("items[%d]: title is required", i)
		}
		if pi.Stage != "" {
			if _, ok := e.Board.Stage(pi.Stage); !ok {
				return nil, fmt.Errorf("items[%d]: unknown stage %s", i, pi.Stage)
			}
			if e.Board.RequiresClaim(pi.Stage) || pi.Stage == domain.StageDone {
				return nil, fmt.Errorf("items[%d]: items cannot be created in %s", i, pi.Stage)
			}
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	m, err := e.resolveMission(ctx, tx, plan.MissionID)
	if err != nil {
		return nil, err
	}
	if !m.Active() {
		return nil, &InvalidMissionStateError{MissionID: m.ID, State: m.State, Operation: "plan_import"}
	}
	existing, err := e.Repo.ListItems(ctx, tx, repo.ItemFilters{MissionID: m.ID})
	if err != nil {
		return nil, err
	}
	g, err := graph.FromItems(existing)
	if err != nil {
		return nil, err
	}

	now := e.timestamp()
	if m.CompletedAt != nil {
		// new open work invalidates the all-done stamp
		if err := e.Repo.SetMissionCompletion(ctx, tx, m.ID, nil, nil, now); err != nil {
			return nil, err
		}
	}
	created := make([]domain.Item, 0, len(plan.Items))
	for _, pi := range plan.Items {
		id := pi.ID
		if id == "" {
			if id, err = e.Repo.NextItemID(ctx, tx); err != nil {
				return nil, err
			}
		}
		if g.Has(id) {
			return nil, fmt.Errorf("item %s already exists", id)
		}
		stage := pi.Stage
		if stage == "" {
			stage = domain.StageBriefings
		}
		itemType := pi.Type
		if itemType == "" {
			itemType = defaultItemType
		}
		it := domain.Item{
			ID:          id,
			MissionID:   m.ID,
			Title:       strings.TrimSpace(pi.Title),
			Description: pi.Description,
			Type:        itemType,
			Priority:    pi.Priority,
			StageID:     stage,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := e.Repo.InsertItem(ctx, tx, it); err != nil {
			return nil, fmt.Errorf("insert item %s: %w", id, err)
		}
		g.AddNode(id, stage)
		created = append(created, it)
	}
	for i, pi := range plan.Items {
		it := &created[i]
		for _, dep := range pi.DependsOn {
			if err := g.AddEdge(it.ID, dep); err != nil {
				return nil, err
			}
			if err := e.Repo.AddDependency(ctx, tx, it.ID, dep); err != nil {
				return nil, err
			}
			it.Dependencies = append(it.Dependencies, dep)
		}
	}
	for _, it := range created {
		if err := e.Events.Append(ctx, tx, string(events.TypeItemCreated), m.ID, "item", it.ID, actorID, events.EventPayload{
			"stage":      it.StageID,
			"title":      it.Title,
			"depends_on": it.Dependencies,
		}); err != nil {
			return nil, err
		}
	}
	if len(created) > 1 {
		if err := e.Events.Append(ctx, tx, string(events.TypePlanImported), m.ID, "mission", m.ID, actorID, events.EventPayload{
			"items": len(created),
		}); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return created, nil
}

func (e *Engine) GetItem(ctx context.Context, id string) (domain.Item, error) {
	return e.Repo.GetItem(ctx, e.DB, id)
}

// ListItems lists items of a mission; an empty mission id means the active one.
func (e *Engine) ListItems(ctx context.Context, f repo.ItemFilters) ([]domain.Item, error) {
	m, err := e.resolveMission(ctx, e.DB, f.MissionID)
	if err != nil {
		return nil, err
	}
	f.MissionID = m.ID
	return e.Repo.ListItems(ctx, e.DB, f)
}

// StageColumn is one stage of the board with its items.
type StageColumn struct {
	Stage         domain.Stage  `json:"stage"`
	Items         []domain.Item `json:"items"`
	Count         int           `json:"count"`
	RequiresClaim bool          `json:"requires_claim"`
	Targets       []string      `json:"targets"`
}

type BoardView struct {
	Mission domain.Mission `json:"mission"`
	Columns []StageColumn  `json:"columns"`
}

// BoardSnapshot groups the mission's items by stage in display order.
func (e *Engine) BoardSnapshot(ctx context.Context, missionID string) (BoardView, error) {
	m, err := e.resolveMission(ctx, e.DB, missionID)
	if err != nil {
		return BoardView{}, err
	}
	items, err := e.Repo.ListItems(ctx, e.DB, repo.ItemFilters{MissionID: m.ID})
	if err != nil {
		return BoardView{}, err
	}
	byStage := map[string][]domain.Item{}
	for _, it := range items {
		byStage[it.StageID] = append(byStage[it.StageID], it)
	}
	view := BoardView{Mission: m}
	for _, s := range e.Board.Stages() {
		col := StageColumn{
			Stage:         s,
			Items:         byStage[s.ID],
			Count:         len(byStage[s.ID]),
			RequiresClaim: e.Board.RequiresClaim(s.ID),
			Targets:       e.Board.Targets(s.ID),
		}
		if col.Items == nil {
			col.Items = []domain.Item{}
		}
		view.Columns = append(view.Columns, col)
	}
	return view, nil
}
