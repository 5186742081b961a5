package repo

import (
	"context"
)

func (r Repo) AddDependency(ctx context.Context, q DBTX, itemID, dependsOn string) error {
	_, err := q.ExecContext(ctx, `INSERT INTO item_deps(item_id,depends_on_id) VALUES (?,?) ON CONFLICT(item_id,depends_on_id) DO NOTHING`, itemID, dependsOn)
	return err
}

func (r Repo) ListDependencies(ctx context.Context, q DBTX, itemID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT depends_on_id FROM item_deps WHERE item_id=? ORDER BY depends_on_id`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListDependents returns the items that depend on itemID.
func (r Repo) ListDependents(ctx context.Context, q DBTX, itemID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT item_id FROM item_deps WHERE depends_on_id=? ORDER BY item_id`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// dependencyMap returns item -> dependencies, scoped to a mission when set.
func (r Repo) dependencyMap(ctx context.Context, q DBTX, missionID string) (map[string][]string, error) {
	query := `SELECT d.item_id, d.depends_on_id FROM item_deps d`
	var args []any
	if missionID != "" {
		query += ` JOIN items i ON i.id=d.item_id WHERE i.mission_id=?`
		args = append(args, missionID)
	}
	query += ` ORDER BY d.item_id, d.depends_on_id`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string][]string{}
	for rows.Next() {
		var item, dep string
		if err := rows.Scan(&item, &dep); err != nil {
			return nil, err
		}
		out[item] = append(out[item], dep)
	}
	return out, rows.Err()
}
