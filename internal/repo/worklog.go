package repo

import (
	"context"

	"missionboard/internal/domain"
)

func (r Repo) InsertWorkLog(ctx context.Context, q DBTX, e domain.WorkLogEntry) error {
	_, err := q.ExecContext(ctx, `INSERT INTO work_log(id,item_id,agent,action,summary,ts) VALUES (?,?,?,?,?,?)`,
		e.ID, e.ItemID, e.Agent, e.Action, e.Summary, e.Timestamp)
	return err
}

// ListWorkLog returns entries for an item ordered by timestamp.
func (r Repo) ListWorkLog(ctx context.Context, q DBTX, itemID string) ([]domain.WorkLogEntry, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,item_id,agent,action,summary,ts FROM work_log WHERE item_id=? ORDER BY ts ASC, rowid ASC`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkLogEntry
	for rows.Next() {
		var e domain.WorkLogEntry
		if err := rows.Scan(&e.ID, &e.ItemID, &e.Agent, &e.Action, &e.Summary, &e.Timestamp); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
