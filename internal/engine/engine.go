package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"missionboard/internal/board"
	"missionboard/internal/config"
	"missionboard/internal/domain"
	"missionboard/internal/events"
	"missionboard/internal/repo"
)

// Engine applies every mutation to items, claims and missions. Each
// operation runs in one immediate transaction; domain events are published
// on Bus after commit.
type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Bus        *events.Bus
	Board      *board.Registry
	Config     *config.Config
	Workspace  string
	Prechecks  []Check
	Postchecks []Check
	Logger     *slog.Logger
	Now        func() time.Time

	locks *itemLocks
}

// New builds an engine over a migrated database. The returned engine
// registers its mission progress handler on the bus.
func New(db *sql.DB, cfg *config.Config, workspace string) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config not loaded")
	}
	reg, err := board.New(cfg.Board)
	if err != nil {
		return nil, fmt.Errorf("board: %w", err)
	}
	logger := slog.Default()
	e := &Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Bus:       events.NewBus(logger),
		Board:     reg,
		Config:    cfg,
		Workspace: workspace,
		Logger:    logger,
		Now:       time.Now,
		locks:     newItemLocks(),
	}
	e.Events = events.Writer{Now: e.now}
	timeout := time.Duration(cfg.CheckTimeout()) * time.Second
	e.Prechecks = append(BuiltinPrechecks(), commandChecks(cfg.Mission.Prechecks, workspace, timeout)...)
	e.Postchecks = append(BuiltinPostchecks(), commandChecks(cfg.Mission.Postchecks, workspace, timeout)...)
	e.Bus.Register(MissionProgress{Engine: e})
	return e, nil
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// publish delivers committed events; handler failures are logged by the bus.
// Delivery outlives the caller's context since the writes are already
// committed.
func (e *Engine) publish(ctx context.Context, evs ...events.Event) {
	ctx = context.WithoutCancel(ctx)
	for _, ev := range evs {
		if err := e.Bus.Publish(ctx, ev); err != nil {
			e.logger().Warn("publish event", "event", ev.EventType(), "err", err)
		}
	}
}

// resolveMission returns the mission by id, or the active mission when id is empty.
func (e *Engine) resolveMission(ctx context.Context, q repo.DBTX, id string) (domain.Mission, error) {
	if id == "" {
		m, err := e.Repo.ActiveMission(ctx, q)
		if errors.Is(err, repo.ErrNotFound) {
			return m, fmt.Errorf("no active mission: %w", repo.ErrNotFound)
		}
		return m, err
	}
	return e.Repo.GetMission(ctx, q, id)
}

// itemLocks serializes mutations per item id inside this process. The
// database write lock covers other processes.
type itemLocks struct {
	mu    sync.Mutex
	locks map[string]*itemLock
}

type itemLock struct {
	sync.Mutex
	refs int
}

func newItemLocks() *itemLocks {
	return &itemLocks{locks: map[string]*itemLock{}}
}

func (l *itemLocks) lock(id string) func() {
	if l == nil {
		return func() {}
	}
	l.mu.Lock()
	lk, ok := l.locks[id]
	if !ok {
		lk = &itemLock{}
		l.locks[id] = lk
	}
	lk.refs++
	l.mu.Unlock()

	lk.Lock()
	return func() {
		lk.Unlock()
		l.mu.Lock()
		lk.refs--
		if lk.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
