package engine

import (
	"context"
	"errors"
	"time"

	"missionboard/internal/domain"
	"missionboard/internal/events"
	"missionboard/internal/repo"
)

// ClaimItem gives agentID exclusive ownership of an item. Claiming an item
// the agent already holds returns the existing claim unchanged.
func (e *Engine) ClaimItem(ctx context.Context, itemID, agentID string) (domain.AgentClaim, error) {
	if agentID == "" {
		return domain.AgentClaim{}, errors.New("agent is required")
	}
	unlock := e.locks.lock(itemID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AgentClaim{}, err
	}
	defer tx.Rollback()

	it, err := e.Repo.GetItem(ctx, tx, itemID)
	if err != nil {
		return domain.AgentClaim{}, err
	}
	m, err := e.Repo.GetMission(ctx, tx, it.MissionID)
	if err != nil {
		return domain.AgentClaim{}, err
	}
	if m.State != domain.MissionRunning {
		return domain.AgentClaim{}, &InvalidMissionStateError{MissionID: m.ID, State: m.State, Operation: "item_claim", Expected: []domain.MissionState{domain.MissionRunning}}
	}

	now := e.timestamp()
	claim := domain.AgentClaim{ItemID: it.ID, AgentID: agentID, ClaimedAt: now}
	inserted, err := e.Repo.InsertClaim(ctx, tx, claim)
	if err != nil {
		return domain.AgentClaim{}, err
	}
	if !inserted {
		existing, err := e.Repo.GetClaim(ctx, tx, it.ID)
		if err != nil {
			return domain.AgentClaim{}, err
		}
		if existing.AgentID != agentID {
			return domain.AgentClaim{}, &AgentBusyError{ItemID: it.ID, HeldBy: existing.AgentID}
		}
		return existing, nil
	}
	if err := e.Repo.SetAssignedAgent(ctx, tx, it.ID, &agentID, now); err != nil {
		return domain.AgentClaim{}, err
	}
	if err := e.Events.Append(ctx, tx, string(events.TypeItemClaimed), it.MissionID, "item", it.ID, agentID, events.EventPayload{
		"stage": it.StageID,
	}); err != nil {
		return domain.AgentClaim{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AgentClaim{}, err
	}
	e.publish(ctx, events.ItemClaimed{ItemID: it.ID, MissionID: it.MissionID, Agent: agentID})
	return claim, nil
}

// ReleaseItem drops the claim on an item. An empty agentID releases
// regardless of holder; otherwise only the holder may release. The
// assigned agent is cleared even when no claim exists.
func (e *Engine) ReleaseItem(ctx context.Context, itemID, agentID string) (domain.Item, error) {
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
	claim, err := e.Repo.GetClaim(ctx, tx, it.ID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return it, err
	}
	held := err == nil
	if held && agentID != "" && claim.AgentID != agentID {
		return it, &AgentBusyError{ItemID: it.ID, HeldBy: claim.AgentID}
	}
	now := e.timestamp()
	if held {
		if _, err := e.Repo.DeleteClaim(ctx, tx, it.ID); err != nil {
			return it, err
		}
		if err := e.Events.Append(ctx, tx, string(events.TypeItemReleased), it.MissionID, "item", it.ID, agentID, events.EventPayload{
			"holder": claim.AgentID,
		}); err != nil {
			return it, err
		}
	}
	if err := e.Repo.SetAssignedAgent(ctx, tx, it.ID, nil, now); err != nil {
		return it, err
	}
	if err := tx.Commit(); err != nil {
		return it, err
	}
	it.AssignedAgent = nil
	it.UpdatedAt = now
	if !held {
		return it, &NotClaimedError{ItemID: it.ID, Agent: agentID}
	}
	e.publish(ctx, events.ItemReleased{ItemID: it.ID, MissionID: it.MissionID, Agent: claim.AgentID})
	return it, nil
}

// RejectResult reports the rejected item and whether it was escalated to blocked.
type RejectResult struct {
	Item      domain.Item `json:"item"`
	Escalated bool        `json:"escalated"`
}

// RejectItem records a rejection. Once the rejection count reaches the
// escalation threshold the item is parked in blocked from whatever stage it
// is in, done included, bypassing matrix, WIP and claim rules, and its claim
// is released. Escalating out of done clears completed_at.
func (e *Engine) RejectItem(ctx context.Context, itemID, agentID, reason string) (RejectResult, error) {
	unlock := e.locks.lock(itemID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return RejectResult{}, err
	}
	defer tx.Rollback()

	it, err := e.Repo.GetItem(ctx, tx, itemID)
	if err != nil {
		return RejectResult{}, err
	}
	m, err := e.Repo.GetMission(ctx, tx, it.MissionID)
	if err != nil {
		return RejectResult{}, err
	}
	if !m.Active() {
		return RejectResult{}, &InvalidMissionStateError{MissionID: m.ID, State: m.State, Operation: "item_reject"}
	}

	now := e.timestamp()
	count, err := e.Repo.IncrementRejection(ctx, tx, it.ID, now)
	if err != nil {
		return RejectResult{}, err
	}
	escalated := count >= e.Board.RejectionEscalation()
	var published []events.Event
	published = append(published, events.ItemRejected{ItemID: it.ID, MissionID: it.MissionID, Agent: agentID, Reason: reason, RejectionCount: count, Escalated: escalated})
	if err := e.Events.Append(ctx, tx, string(events.TypeItemRejected), it.MissionID, "item", it.ID, agentID, events.EventPayload{
		"reason":          reason,
		"rejection_count": count,
		"escalated":       escalated,
	}); err != nil {
		return RejectResult{}, err
	}
	if escalated {
		from := it.StageID
		if from != domain.StageBlocked {
			moved, err := e.Repo.MoveItemStage(ctx, tx, it.ID, from, domain.StageBlocked, now, nil)
			if err != nil {
				return RejectResult{}, err
			}
			if !moved {
				return RejectResult{}, &InvalidTransitionError{ItemID: it.ID, From: from, To: domain.StageBlocked, Reason: "item changed concurrently"}
			}
			if err := e.Events.Append(ctx, tx, string(events.TypeItemMoved), it.MissionID, "item", it.ID, agentID, events.EventPayload{
				"from":      from,
				"to":        domain.StageBlocked,
				"forced":    true,
				"escalated": true,
			}); err != nil {
				return RejectResult{}, err
			}
			published = append(published, events.ItemMoved{ItemID: it.ID, MissionID: it.MissionID, From: from, To: domain.StageBlocked, Agent: agentID, Forced: true})
		}
		claim, err := e.Repo.GetClaim(ctx, tx, it.ID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return RejectResult{}, err
		}
		if err == nil {
			if _, err := e.Repo.DeleteClaim(ctx, tx, it.ID); err != nil {
				return RejectResult{}, err
			}
			if err := e.Events.Append(ctx, tx, string(events.TypeItemReleased), it.MissionID, "item", it.ID, agentID, events.EventPayload{
				"holder":    claim.AgentID,
				"escalated": true,
			}); err != nil {
				return RejectResult{}, err
			}
			published = append(published, events.ItemReleased{ItemID: it.ID, MissionID: it.MissionID, Agent: claim.AgentID})
		}
		if err := e.Repo.SetAssignedAgent(ctx, tx, it.ID, nil, now); err != nil {
			return RejectResult{}, err
		}
	}
	updated, err := e.Repo.GetItem(ctx, tx, it.ID)
	if err != nil {
		return RejectResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return RejectResult{}, err
	}
	if escalated {
		e.logger().Info("item escalated to blocked", "item", it.ID, "rejections", count)
	}
	e.publish(ctx, published...)
	return RejectResult{Item: updated, Escalated: escalated}, nil
}

// ClaimStatus is a held claim with its age, for external watchdogs.
type ClaimStatus struct {
	domain.AgentClaim
	StageID    string        `json:"stage_id"`
	Age        time.Duration `json:"-"`
	AgeSeconds int64         `json:"age_seconds"`
}

// ListClaims returns the mission's claims oldest first. Claims never expire
// on their own.
func (e *Engine) ListClaims(ctx context.Context, missionID string) ([]ClaimStatus, error) {
	m, err := e.resolveMission(ctx, e.DB, missionID)
	if err != nil {
		return nil, err
	}
	claims, err := e.Repo.ListClaims(ctx, e.DB, repo.ClaimFilters{MissionID: m.ID})
	if err != nil {
		return nil, err
	}
	items, err := e.Repo.ListItems(ctx, e.DB, repo.ItemFilters{MissionID: m.ID})
	if err != nil {
		return nil, err
	}
	stages := make(map[string]string, len(items))
	for _, it := range items {
		stages[it.ID] = it.StageID
	}
	now := e.now()
	out := make([]ClaimStatus, 0, len(claims))
	for _, c := range claims {
		st := ClaimStatus{AgentClaim: c, StageID: stages[c.ItemID]}
		if at, err := time.Parse(time.RFC3339, c.ClaimedAt); err == nil {
			st.Age = now.Sub(at)
			if st.Age < 0 {
				st.Age = 0
			}
			st.AgeSeconds = int64(st.Age / time.Second)
		}
		out = append(out, st)
	}
	return out, nil
}
