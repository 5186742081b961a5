package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"missionboard/internal/domain"
)

const itemColumns = `id,mission_id,title,description,type,priority,stage_id,assigned_agent,rejection_count,created_at,updated_at,completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (domain.Item, error) {
	var it domain.Item
	var description, assigned, completedAt sql.NullString
	var priority sql.NullInt64
	err := row.Scan(&it.ID, &it.MissionID, &it.Title, &description, &it.Type, &priority, &it.StageID, &assigned,
		&it.RejectionCount, &it.CreatedAt, &it.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	it.Description = description.String
	if priority.Valid {
		p := int(priority.Int64)
		it.Priority = &p
	}
	it.AssignedAgent = stringPtr(assigned)
	it.CompletedAt = stringPtr(completedAt)
	return it, nil
}

func (r Repo) InsertItem(ctx context.Context, q DBTX, it domain.Item) error {
	_, err := q.ExecContext(ctx, `INSERT INTO items(`+itemColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.MissionID, it.Title, nullable(it.Description), it.Type, nullableIntPtr(it.Priority), it.StageID,
		nullableStringPtr(it.AssignedAgent), it.RejectionCount, it.CreatedAt, it.UpdatedAt, nullableStringPtr(it.CompletedAt))
	return err
}

// GetItem loads an item with its dependencies.
func (r Repo) GetItem(ctx context.Context, q DBTX, id string) (domain.Item, error) {
	it, err := scanItem(q.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id=?`, id))
	if err != nil {
		return it, err
	}
	deps, err := r.ListDependencies(ctx, q, it.ID)
	if err != nil {
		return it, err
	}
	it.Dependencies = deps
	return it, nil
}

type ItemFilters struct {
	MissionID string
	StageID   string
	Agent     string
}

// ListItems returns items ordered by priority then creation, with dependencies.
func (r Repo) ListItems(ctx context.Context, q DBTX, f ItemFilters) ([]domain.Item, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.MissionID != "" {
		clauses = append(clauses, "mission_id=?")
		args = append(args, f.MissionID)
	}
	if f.StageID != "" {
		clauses = append(clauses, "stage_id=?")
		args = append(args, f.StageID)
	}
	if f.Agent != "" {
		clauses = append(clauses, "assigned_agent=?")
		args = append(args, f.Agent)
	}
	query := fmt.Sprintf(`SELECT %s FROM items WHERE %s ORDER BY COALESCE(priority, 999999) ASC, created_at ASC, id ASC`,
		itemColumns, strings.Join(clauses, " AND "))
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, it)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if len(res) == 0 {
		return res, nil
	}
	deps, err := r.dependencyMap(ctx, q, f.MissionID)
	if err != nil {
		return nil, err
	}
	for i := range res {
		res[i].Dependencies = deps[res[i].ID]
	}
	return res, nil
}

// MoveItemStage is a compare-and-set on stage_id. It reports false when the
// item is no longer in fromStage.
func (r Repo) MoveItemStage(ctx context.Context, q DBTX, id, fromStage, toStage, updatedAt string, completedAt *string) (bool, error) {
	res, err := q.ExecContext(ctx, `UPDATE items SET stage_id=?, updated_at=?, completed_at=? WHERE id=? AND stage_id=?`,
		toStage, updatedAt, nullableStringPtr(completedAt), id, fromStage)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n == 1, err
}

func (r Repo) SetAssignedAgent(ctx context.Context, q DBTX, id string, agent *string, updatedAt string) error {
	res, err := q.ExecContext(ctx, `UPDATE items SET assigned_agent=?, updated_at=? WHERE id=?`, nullableStringPtr(agent), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := affected(res); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementRejection bumps rejection_count and returns the new value.
func (r Repo) IncrementRejection(ctx context.Context, q DBTX, id, updatedAt string) (int, error) {
	res, err := q.ExecContext(ctx, `UPDATE items SET rejection_count=rejection_count+1, updated_at=? WHERE id=?`, updatedAt, id)
	if err != nil {
		return 0, err
	}
	if n, _ := affected(res); n == 0 {
		return 0, ErrNotFound
	}
	var count int
	err = q.QueryRowContext(ctx, `SELECT rejection_count FROM items WHERE id=?`, id).Scan(&count)
	return count, err
}

// CountInStage counts a mission's items in a stage, excluding one item id.
func (r Repo) CountInStage(ctx context.Context, q DBTX, missionID, stageID, excludeID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT count(*) FROM items WHERE mission_id=? AND stage_id=? AND id<>?`, missionID, stageID, excludeID).Scan(&n)
	return n, err
}

// CountByStage returns item counts per stage for a mission.
func (r Repo) CountByStage(ctx context.Context, q DBTX, missionID string) (map[string]int, error) {
	rows, err := q.QueryContext(ctx, `SELECT stage_id, count(*) FROM items WHERE mission_id=? GROUP BY stage_id`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var stage string
		var n int
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, err
		}
		out[stage] = n
	}
	return out, rows.Err()
}

// NextItemID allocates the next WI-NNN id after the highest existing one.
func (r Repo) NextItemID(ctx context.Context, q DBTX) (string, error) {
	rows, err := q.QueryContext(ctx, `SELECT id FROM items WHERE id LIKE 'WI-%'`)
	if err != nil {
		return "", err
	}
	defer rows.Close()
	highest := 0
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", err
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(id, "WI-")); err == nil && n > highest {
			highest = n
		}
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("WI-%03d", highest+1), nil
}
