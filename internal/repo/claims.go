package repo

import (
	"context"
	"database/sql"
	"strings"

	"missionboard/internal/domain"
)

// InsertClaim inserts a claim keyed by item id. It reports false, without
// error, when the item is already claimed by anyone.
func (r Repo) InsertClaim(ctx context.Context, q DBTX, c domain.AgentClaim) (bool, error) {
	res, err := q.ExecContext(ctx, `INSERT INTO agent_claims(item_id,agent_id,claimed_at) VALUES (?,?,?) ON CONFLICT(item_id) DO NOTHING`,
		c.ItemID, c.AgentID, c.ClaimedAt)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n == 1, err
}

func (r Repo) GetClaim(ctx context.Context, q DBTX, itemID string) (domain.AgentClaim, error) {
	var c domain.AgentClaim
	err := q.QueryRowContext(ctx, `SELECT item_id,agent_id,claimed_at FROM agent_claims WHERE item_id=?`, itemID).
		Scan(&c.ItemID, &c.AgentID, &c.ClaimedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

// DeleteClaim removes the claim on an item and reports whether one existed.
func (r Repo) DeleteClaim(ctx context.Context, q DBTX, itemID string) (bool, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM agent_claims WHERE item_id=?`, itemID)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n > 0, err
}

type ClaimFilters struct {
	MissionID string
	AgentID   string
}

// ListClaims returns claims oldest first.
func (r Repo) ListClaims(ctx context.Context, q DBTX, f ClaimFilters) ([]domain.AgentClaim, error) {
	query := `SELECT c.item_id,c.agent_id,c.claimed_at FROM agent_claims c JOIN items i ON i.id=c.item_id`
	var clauses []string
	var args []any
	if f.MissionID != "" {
		clauses = append(clauses, "i.mission_id=?")
		args = append(args, f.MissionID)
	}
	if f.AgentID != "" {
		clauses = append(clauses, "c.agent_id=?")
		args = append(args, f.AgentID)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY c.claimed_at ASC, c.item_id ASC"
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentClaim
	for rows.Next() {
		var c domain.AgentClaim
		if err := rows.Scan(&c.ItemID, &c.AgentID, &c.ClaimedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
