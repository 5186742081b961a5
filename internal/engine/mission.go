package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"missionboard/internal/domain"
	"missionboard/internal/events"
	"missionboard/internal/repo"
)

var nonArchivedStates = []domain.MissionState{
	domain.MissionInitializing,
	domain.MissionPrechecking,
	domain.MissionPrecheckFailure,
	domain.MissionRunning,
	domain.MissionPostchecking,
	domain.MissionCompleted,
	domain.MissionFailed,
}

var archivableStates = []domain.MissionState{
	domain.MissionPrecheckFailure,
	domain.MissionCompleted,
	domain.MissionFailed,
}

type InitOptions struct {
	Name    string
	PRDPath string
	Force   bool
	ActorID string
}

// InitMission starts a new mission. Only one mission may be non-archived;
// with Force the current one is archived first, keeping its items and log.
func (e *Engine) InitMission(ctx context.Context, opts InitOptions) (domain.Mission, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Mission{}, errors.New("mission name is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	now := e.timestamp()
	var published []events.Event
	prev, err := e.Repo.ActiveMission(ctx, tx)
	switch {
	case err == nil:
		if !opts.Force {
			return domain.Mission{}, &MissionAlreadyActiveError{ID: prev.ID, State: prev.State}
		}
		ok, err := e.Repo.TransitionMission(ctx, tx, prev.ID, nonArchivedStates, domain.MissionArchived, now, repo.MissionUpdate{ArchivedAt: &now})
		if err != nil {
			return domain.Mission{}, err
		}
		if !ok {
			return domain.Mission{}, &InvalidMissionStateError{MissionID: prev.ID, State: prev.State, Operation: "mission_init"}
		}
		if err := e.appendMissionEvent(ctx, tx, prev.ID, prev.State, domain.MissionArchived, opts.ActorID, events.EventPayload{"forced": true}); err != nil {
			return domain.Mission{}, err
		}
		published = append(published, events.MissionStateChanged{MissionID: prev.ID, From: string(prev.State), To: string(domain.MissionArchived)})
	case errors.Is(err, repo.ErrNotFound):
	default:
		return domain.Mission{}, err
	}

	m := domain.Mission{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(opts.Name),
		State:     domain.MissionInitializing,
		PRDPath:   opts.PRDPath,
		StartedAt: now,
		Blockers:  []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Repo.InsertMission(ctx, tx, m); err != nil {
		return domain.Mission{}, fmt.Errorf("insert mission: %w", err)
	}
	if err := e.appendMissionEvent(ctx, tx, m.ID, "", m.State, opts.ActorID, events.EventPayload{"name": m.Name, "prd_path": m.PRDPath}); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	published = append(published, events.MissionStateChanged{MissionID: m.ID, To: string(m.State)})
	e.publish(ctx, published...)
	e.logger().Info("mission initialized", "mission", m.ID, "name", m.Name)
	return m, nil
}

// Precheck runs every precheck from initializing or precheck_failure. The
// mission ends in running, or in precheck_failure with blockers; items are
// never touched.
func (e *Engine) Precheck(ctx context.Context, missionID, actorID string) (domain.Mission, error) {
	return e.runGate(ctx, gate{
		phase:     PhasePrecheck,
		operation: "mission_precheck",
		from:      []domain.MissionState{domain.MissionInitializing, domain.MissionPrecheckFailure},
		checking:  domain.MissionPrechecking,
		pass:      domain.MissionRunning,
		fail:      domain.MissionPrecheckFailure,
		checks:    e.Prechecks,
	}, missionID, actorID)
}

// Postcheck runs every postcheck from running. Failure is terminal.
func (e *Engine) Postcheck(ctx context.Context, missionID, actorID string) (domain.Mission, error) {
	return e.runGate(ctx, gate{
		phase:     PhasePostcheck,
		operation: "mission_postcheck",
		from:      []domain.MissionState{domain.MissionRunning},
		checking:  domain.MissionPostchecking,
		pass:      domain.MissionCompleted,
		fail:      domain.MissionFailed,
		checks:    e.Postchecks,
	}, missionID, actorID)
}

type gate struct {
	phase     string
	operation string
	from      []domain.MissionState
	checking  domain.MissionState
	pass      domain.MissionState
	fail      domain.MissionState
	checks    []Check
}

func (e *Engine) runGate(ctx context.Context, g gate, missionID, actorID string) (domain.Mission, error) {
	m, err := e.resolveMission(ctx, e.DB, missionID)
	if err != nil {
		return m, err
	}
	if _, err := e.transition(ctx, m.ID, g.operation, g.from, g.checking, actorID, repo.MissionUpdate{}, nil); err != nil {
		return m, err
	}

	in, err := e.checkInput(ctx, m.ID)
	if err != nil {
		// reported as a blocker so the mission still leaves the checking state
		in = CheckInput{Mission: m, Workspace: e.Workspace}
		e.logger().Error("load check input", "mission", m.ID, "err", err)
	}
	blockers := runChecks(ctx, g.checks, in)
	if err != nil {
		blockers = append(blockers, domain.Blocker{Check: "snapshot", Message: err.Error()})
	}

	// the outcome must be recorded even if the caller went away mid-check
	done := context.WithoutCancel(ctx)
	now := e.timestamp()
	if len(blockers) == 0 {
		u := repo.MissionUpdate{Blockers: &[]string{}}
		switch g.pass {
		case domain.MissionRunning:
			u.ExecutionStartedAt = &now
		case domain.MissionCompleted:
			if in.Mission.CompletedAt == nil {
				u.CompletedAt = &now
				d := durationMS(in.Mission, e.now())
				u.DurationMS = &d
			}
		}
		updated, err := e.transition(done, m.ID, g.operation, []domain.MissionState{g.checking}, g.pass, actorID, u, nil)
		if err != nil {
			return e.releaseGate(done, g, m.ID, actorID, err)
		}
		return updated, nil
	}

	strs := make([]string, len(blockers))
	for i, b := range blockers {
		strs[i] = b.String()
	}
	updated, err := e.transition(done, m.ID, g.operation, []domain.MissionState{g.checking}, g.fail, actorID, repo.MissionUpdate{Blockers: &strs}, strs)
	if err != nil {
		return e.releaseGate(done, g, m.ID, actorID, err)
	}
	e.logger().Warn("mission checks failed", "mission", m.ID, "phase", g.phase, "blockers", len(blockers))
	return updated, &ChecksFailedError{Phase: g.phase, Blockers: blockers}
}

// releaseGate moves a mission stuck in the checking state to the gate's
// failure state after its outcome could not be recorded, so precheck or
// archive can pick it up again. A lost compare-and-set is returned as is.
func (e *Engine) releaseGate(ctx context.Context, g gate, missionID, actorID string, cause error) (domain.Mission, error) {
	var stateErr *InvalidMissionStateError
	if errors.As(cause, &stateErr) {
		return domain.Mission{}, cause
	}
	e.logger().Error("record mission gate outcome", "mission", missionID, "phase", g.phase, "err", cause)
	strs := []string{domain.Blocker{Check: "gate", Message: cause.Error()}.String()}
	m, err := e.transition(ctx, missionID, g.operation, []domain.MissionState{g.checking}, g.fail, actorID, repo.MissionUpdate{Blockers: &strs}, strs)
	if err != nil {
		e.logger().Error("release mission gate", "mission", missionID, "phase", g.phase, "err", err)
	}
	return m, fmt.Errorf("%s: record outcome: %w", g.phase, cause)
}

func (e *Engine) checkInput(ctx context.Context, missionID string) (CheckInput, error) {
	m, err := e.Repo.GetMission(ctx, e.DB, missionID)
	if err != nil {
		return CheckInput{}, err
	}
	items, err := e.Repo.ListItems(ctx, e.DB, repo.ItemFilters{MissionID: missionID})
	if err != nil {
		return CheckInput{}, err
	}
	claims, err := e.Repo.ListClaims(ctx, e.DB, repo.ClaimFilters{MissionID: missionID})
	if err != nil {
		return CheckInput{}, err
	}
	return CheckInput{Mission: m, Items: items, Claims: claims, Workspace: e.Workspace}, nil
}

// RunMission marks execution as started. It is only valid while running and
// keeps the first marker on repeated calls.
func (e *Engine) RunMission(ctx context.Context, missionID, actorID string) (domain.Mission, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	m, err := e.resolveMission(ctx, tx, missionID)
	if err != nil {
		return m, err
	}
	now := e.timestamp()
	ok, err := e.Repo.MarkExecutionStarted(ctx, tx, m.ID, now)
	if err != nil {
		return m, err
	}
	if !ok {
		return m, &InvalidMissionStateError{MissionID: m.ID, State: m.State, Operation: "mission_run", Expected: []domain.MissionState{domain.MissionRunning}}
	}
	if m.ExecutionStartedAt == nil {
		if err := e.Events.Append(ctx, tx, "mission.execution_started", m.ID, "mission", m.ID, actorID, events.EventPayload{}); err != nil {
			return m, err
		}
	}
	updated, err := e.Repo.GetMission(ctx, tx, m.ID)
	if err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	return updated, nil
}

// ArchiveMission soft-deletes a mission at rest. Rows stay queryable.
func (e *Engine) ArchiveMission(ctx context.Context, missionID, actorID string) (domain.Mission, error) {
	m, err := e.resolveMission(ctx, e.DB, missionID)
	if err != nil {
		return m, err
	}
	now := e.timestamp()
	return e.transition(ctx, m.ID, "mission_archive", archivableStates, domain.MissionArchived, actorID, repo.MissionUpdate{ArchivedAt: &now}, nil)
}

func (e *Engine) ActiveMission(ctx context.Context) (domain.Mission, error) {
	return e.resolveMission(ctx, e.DB, "")
}

func (e *Engine) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	return e.Repo.GetMission(ctx, e.DB, id)
}

func (e *Engine) ListMissions(ctx context.Context, includeArchived bool) ([]domain.Mission, error) {
	return e.Repo.ListMissions(ctx, e.DB, includeArchived)
}

// transition compare-and-sets the mission state in its own transaction and
// publishes MissionStateChanged after commit.
func (e *Engine) transition(ctx context.Context, missionID, operation string, from []domain.MissionState, to domain.MissionState, actorID string, u repo.MissionUpdate, blockers []string) (domain.Mission, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	before, err := e.Repo.GetMission(ctx, tx, missionID)
	if err != nil {
		return before, err
	}
	ok, err := e.Repo.TransitionMission(ctx, tx, missionID, from, to, e.timestamp(), u)
	if err != nil {
		return before, err
	}
	if !ok {
		return before, &InvalidMissionStateError{MissionID: missionID, State: before.State, Operation: operation, Expected: from}
	}
	payload := events.EventPayload{}
	if len(blockers) > 0 {
		payload["blockers"] = blockers
	}
	if err := e.appendMissionEvent(ctx, tx, missionID, before.State, to, actorID, payload); err != nil {
		return before, err
	}
	after, err := e.Repo.GetMission(ctx, tx, missionID)
	if err != nil {
		return before, err
	}
	if err := tx.Commit(); err != nil {
		return before, err
	}
	e.publish(ctx, events.MissionStateChanged{MissionID: missionID, From: string(before.State), To: string(to), Blockers: blockers})
	return after, nil
}

func (e *Engine) appendMissionEvent(ctx context.Context, q repo.DBTX, missionID string, from, to domain.MissionState, actorID string, payload events.EventPayload) error {
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["from"] = string(from)
	payload["to"] = string(to)
	return e.Events.Append(ctx, q, string(events.TypeMissionStateChanged), missionID, "mission", missionID, actorID, payload)
}

// durationMS measures from the execution marker, or from mission start when
// execution was never marked.
func durationMS(m domain.Mission, end time.Time) int64 {
	start := m.StartedAt
	if m.ExecutionStartedAt != nil {
		start = *m.ExecutionStartedAt
	}
	t, err := time.Parse(time.RFC3339, start)
	if err != nil {
		return 0
	}
	d := end.Sub(t).Milliseconds()
	if d < 0 {
		return 0
	}
	return d
}
