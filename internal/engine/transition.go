package engine

import (
	"context"
	"errors"
	"fmt"

	"missionboard/internal/domain"
	"missionboard/internal/events"
	"missionboard/internal/repo"
)

// MoveOptions describes one stage move. From is the caller's view of the
// current stage; empty means whatever the item is in now.
type MoveOptions struct {
	ItemID string
	From   string
	To     string
	Agent  string
	Force  bool
}

// MoveItem validates the move against the transition matrix, the target WIP
// limit and the claim rule, then applies it as a compare-and-set on the
// item's stage. Force bypasses the WIP limit only.
func (e *Engine) MoveItem(ctx context.Context, opts MoveOptions) (domain.Item, error) {
	unlock := e.locks.lock(opts.ItemID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Item{}, err
	}
	defer tx.Rollback()

	it, err := e.Repo.GetItem(ctx, tx, opts.ItemID)
	if err != nil {
		return it, err
	}
	from := opts.From
	if from == "" {
		from = it.StageID
	}
	if err := e.ensureTransition(it, from, opts.To); err != nil {
		return it, err
	}
	m, err := e.Repo.GetMission(ctx, tx, it.MissionID)
	if err != nil {
		return it, err
	}
	if !m.Active() {
		return it, &InvalidMissionStateError{MissionID: m.ID, State: m.State, Operation: "item_move"}
	}
	if limit, ok := e.Board.WIPLimit(opts.To); ok && !opts.Force {
		count, err := e.Repo.CountInStage(ctx, tx, it.MissionID, opts.To, it.ID)
		if err != nil {
			return it, err
		}
		if count >= limit {
			return it, &WipLimitExceededError{Stage: opts.To, Limit: limit, Count: count}
		}
	}
	if e.Board.RequiresClaim(opts.To) {
		if m.State != domain.MissionRunning {
			return it, &InvalidMissionStateError{MissionID: m.ID, State: m.State, Operation: "item_move", Expected: []domain.MissionState{domain.MissionRunning}}
		}
		claim, err := e.Repo.GetClaim(ctx, tx, it.ID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return it, err
		}
		if err != nil || opts.Agent == "" || claim.AgentID != opts.Agent {
			return it, &NotClaimedError{ItemID: it.ID, Agent: opts.Agent, HeldBy: claim.AgentID}
		}
	}

	now := e.timestamp()
	var completedAt *string
	if opts.To == domain.StageDone {
		completedAt = &now
	}
	moved, err := e.Repo.MoveItemStage(ctx, tx, it.ID, from, opts.To, now, completedAt)
	if err != nil {
		return it, err
	}
	if !moved {
		return it, &InvalidTransitionError{ItemID: it.ID, From: from, To: opts.To, Reason: "item changed concurrently"}
	}
	if err := e.Events.Append(ctx, tx, string(events.TypeItemMoved), it.MissionID, "item", it.ID, opts.Agent, events.EventPayload{
		"from":   from,
		"to":     opts.To,
		"forced": opts.Force,
	}); err != nil {
		return it, err
	}
	if err := tx.Commit(); err != nil {
		return it, err
	}
	it.StageID = opts.To
	it.UpdatedAt = now
	it.CompletedAt = completedAt
	e.publish(ctx, events.ItemMoved{ItemID: it.ID, MissionID: it.MissionID, From: from, To: opts.To, Agent: opts.Agent, Forced: opts.Force})
	return it, nil
}

func (e *Engine) ensureTransition(it domain.Item, from, to string) error {
	if from != it.StageID {
		return &InvalidTransitionError{ItemID: it.ID, From: from, To: to, Reason: fmt.Sprintf("item is in %s", it.StageID)}
	}
	if _, ok := e.Board.Stage(to); !ok {
		return &InvalidTransitionError{ItemID: it.ID, From: from, To: to, Reason: "unknown stage"}
	}
	if !e.Board.CanTransition(from, to) {
		return &InvalidTransitionError{ItemID: it.ID, From: from, To: to}
	}
	return nil
}

// ReopenItem pulls a finished item out of done into the reopen stage. It is
// the only way out of the terminal stage and signals mission reopening.
func (e *Engine) ReopenItem(ctx context.Context, itemID, actorID, reason string) (domain.Item, error) {
	unlock := e.locks.lock(itemID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Item{}, err
	}
	defer tx.Rollback()

	it, err := e.Repo.GetItem(ctx, tx, itemID)
	if err != nil {
		return it, err
	}
	to := e.Board.ReopenStage()
	if it.StageID != domain.StageDone {
		return it, &InvalidTransitionError{ItemID: it.ID, From: it.StageID, To: to, Reason: "only done items can be reopened"}
	}
	m, err := e.Repo.GetMission(ctx, tx, it.MissionID)
	if err != nil {
		return it, err
	}
	if !m.Active() {
		return it, &InvalidMissionStateError{MissionID: m.ID, State: m.State, Operation: "item_reopen"}
	}
	now := e.timestamp()
	moved, err := e.Repo.MoveItemStage(ctx, tx, it.ID, domain.StageDone, to, now, nil)
	if err != nil {
		return it, err
	}
	if !moved {
		return it, &InvalidTransitionError{ItemID: it.ID, From: domain.StageDone, To: to, Reason: "item changed concurrently"}
	}
	if err := e.Events.Append(ctx, tx, string(events.TypeItemMoved), it.MissionID, "item", it.ID, actorID, events.EventPayload{
		"from":     domain.StageDone,
		"to":       to,
		"reopened": true,
		"reason":   reason,
	}); err != nil {
		return it, err
	}
	if err := tx.Commit(); err != nil {
		return it, err
	}
	it.StageID = to
	it.UpdatedAt = now
	it.CompletedAt = nil
	e.publish(ctx, events.ItemMoved{ItemID: it.ID, MissionID: it.MissionID, From: domain.StageDone, To: to, Agent: actorID})
	return it, nil
}
