package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"missionboard/internal/domain"
	"missionboard/internal/events"
)

type WorkLogOptions struct {
	ItemID  string
	Agent   string
	Action  string
	Summary string
}

// AddWorkLog appends an entry to an item's work log. Entries are never
// updated or deleted.
func (e *Engine) AddWorkLog(ctx context.Context, opts WorkLogOptions) (domain.WorkLogEntry, error) {
	if strings.TrimSpace(opts.Agent) == "" {
		return domain.WorkLogEntry{}, errors.New("agent is required")
	}
	if strings.TrimSpace(opts.Summary) == "" {
		return domain.WorkLogEntry{}, errors.New("summary is required")
	}
	if opts.Action == "" {
		opts.Action = "note"
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkLogEntry{}, err
	}
	defer tx.Rollback()

	it, err := e.Repo.GetItem(ctx, tx, opts.ItemID)
	if err != nil {
		return domain.WorkLogEntry{}, err
	}
	entry := domain.WorkLogEntry{
		ID:        uuid.NewString(),
		ItemID:    it.ID,
		Agent:     opts.Agent,
		Action:    opts.Action,
		Summary:   opts.Summary,
		Timestamp: e.timestamp(),
	}
	if err := e.Repo.InsertWorkLog(ctx, tx, entry); err != nil {
		return domain.WorkLogEntry{}, err
	}
	if err := e.Events.Append(ctx, tx, string(events.TypeWorkLogged), it.MissionID, "item", it.ID, opts.Agent, events.EventPayload{
		"action": entry.Action,
	}); err != nil {
		return domain.WorkLogEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkLogEntry{}, err
	}
	return entry, nil
}

func (e *Engine) ListWorkLog(ctx context.Context, itemID string) ([]domain.WorkLogEntry, error) {
	if _, err := e.Repo.GetItem(ctx, e.DB, itemID); err != nil {
		return nil, err
	}
	return e.Repo.ListWorkLog(ctx, e.DB, itemID)
}
