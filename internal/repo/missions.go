package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"missionboard/internal/domain"
)

const missionColumns = `id,name,state,prd_path,started_at,execution_started_at,completed_at,duration_ms,archived_at,blockers_json,created_at,updated_at`

func scanMission(row rowScanner) (domain.Mission, error) {
	var m domain.Mission
	var state string
	var prd, execStarted, completedAt, archivedAt sql.NullString
	var duration sql.NullInt64
	var blockers string
	err := row.Scan(&m.ID, &m.Name, &state, &prd, &m.StartedAt, &execStarted, &completedAt, &duration, &archivedAt,
		&blockers, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.State = domain.MissionState(state)
	m.PRDPath = prd.String
	m.ExecutionStartedAt = stringPtr(execStarted)
	m.CompletedAt = stringPtr(completedAt)
	m.ArchivedAt = stringPtr(archivedAt)
	if duration.Valid {
		d := duration.Int64
		m.DurationMS = &d
	}
	if blockers != "" {
		if err := json.Unmarshal([]byte(blockers), &m.Blockers); err != nil {
			return m, fmt.Errorf("decode mission blockers: %w", err)
		}
	}
	return m, nil
}

func encodeBlockers(blockers []string) (string, error) {
	if blockers == nil {
		blockers = []string{}
	}
	data, err := json.Marshal(blockers)
	return string(data), err
}

func (r Repo) InsertMission(ctx context.Context, q DBTX, m domain.Mission) error {
	blockers, err := encodeBlockers(m.Blockers)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `INSERT INTO missions(`+missionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.Name, string(m.State), nullable(m.PRDPath), m.StartedAt, nullableStringPtr(m.ExecutionStartedAt),
		nullableStringPtr(m.CompletedAt), nullableInt64Ptr(m.DurationMS), nullableStringPtr(m.ArchivedAt), blockers, m.CreatedAt, m.UpdatedAt)
	return err
}

func (r Repo) GetMission(ctx context.Context, q DBTX, id string) (domain.Mission, error) {
	return scanMission(q.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id=?`, id))
}

// ActiveMission returns the single non-archived mission.
func (r Repo) ActiveMission(ctx context.Context, q DBTX) (domain.Mission, error) {
	return scanMission(q.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE state<>? ORDER BY created_at DESC LIMIT 1`,
		string(domain.MissionArchived)))
}

func (r Repo) ListMissions(ctx context.Context, q DBTX, includeArchived bool) ([]domain.Mission, error) {
	query := `SELECT ` + missionColumns + ` FROM missions`
	var args []any
	if !includeArchived {
		query += ` WHERE state<>?`
		args = append(args, string(domain.MissionArchived))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// MissionUpdate lists the columns written alongside a state change. Nil
// fields are left untouched.
type MissionUpdate struct {
	Blockers           *[]string
	ExecutionStartedAt *string
	CompletedAt        *string
	DurationMS         *int64
	ArchivedAt         *string
}

// TransitionMission compare-and-sets the mission state. It reports false
// when the mission is not in one of the expected states.
func (r Repo) TransitionMission(ctx context.Context, q DBTX, id string, from []domain.MissionState, to domain.MissionState, updatedAt string, u MissionUpdate) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition mission: no source states")
	}
	sets := []string{"state=?", "updated_at=?"}
	args := []any{string(to), updatedAt}
	if u.Blockers != nil {
		blockers, err := encodeBlockers(*u.Blockers)
		if err != nil {
			return false, err
		}
		sets = append(sets, "blockers_json=?")
		args = append(args, blockers)
	}
	if u.ExecutionStartedAt != nil {
		sets = append(sets, "execution_started_at=COALESCE(execution_started_at, ?)")
		args = append(args, *u.ExecutionStartedAt)
	}
	if u.CompletedAt != nil {
		sets = append(sets, "completed_at=?")
		args = append(args, *u.CompletedAt)
	}
	if u.DurationMS != nil {
		sets = append(sets, "duration_ms=?")
		args = append(args, *u.DurationMS)
	}
	if u.ArchivedAt != nil {
		sets = append(sets, "archived_at=?")
		args = append(args, *u.ArchivedAt)
	}
	placeholders := make([]string, len(from))
	args = append(args, id)
	for i, s := range from {
		placeholders[i] = "?"
		args = append(args, string(s))
	}
	query := fmt.Sprintf(`UPDATE missions SET %s WHERE id=? AND state IN (%s)`, strings.Join(sets, ","), strings.Join(placeholders, ","))
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n == 1, err
}

// MarkExecutionStarted sets execution_started_at once; later calls keep the
// first value. It reports false when the mission is not running.
func (r Repo) MarkExecutionStarted(ctx context.Context, q DBTX, id, ts string) (bool, error) {
	res, err := q.ExecContext(ctx, `UPDATE missions SET execution_started_at=COALESCE(execution_started_at, ?), updated_at=? WHERE id=? AND state=?`,
		ts, ts, id, string(domain.MissionRunning))
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n == 1, err
}

// SetMissionCompletion stamps or clears completed_at and duration_ms
// without touching state.
func (r Repo) SetMissionCompletion(ctx context.Context, q DBTX, id string, completedAt *string, durationMS *int64, updatedAt string) error {
	res, err := q.ExecContext(ctx, `UPDATE missions SET completed_at=?, duration_ms=?, updated_at=? WHERE id=?`,
		nullableStringPtr(completedAt), nullableInt64Ptr(durationMS), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := affected(res); n == 0 {
		return ErrNotFound
	}
	return nil
}
