// Package app opens a missionboard workspace and wires its components.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"missionboard/internal/config"
	"missionboard/internal/db"
	"missionboard/internal/engine"
	"missionboard/internal/guard"
	"missionboard/internal/migrate"
)

const flushTimeout = 2 * time.Second

// Options configures Open.
type Options struct {
	Dir    string
	Logger *slog.Logger
	// Recorder overrides where guard denials go. The engine records them
	// when nil.
	Recorder guard.Recorder
}

// Workspace is an opened workspace: migrated database, loaded config, and
// the engine and guard built on them.
type Workspace struct {
	Dir    string
	DB     *sql.DB
	Config *config.Config
	Engine *engine.Engine
	Guard  *guard.Guard
	Logger *slog.Logger
}

// Open prepares the workspace directory, migrates the database and builds
// the engine and guard from missionboard.yml, or the defaults when absent.
func Open(ctx context.Context, opts Options) (*Workspace, error) {
	dir := opts.Dir
	if dir == "" {
		dir = "."
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := config.LoadOrDefault(dir)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e, err := engine.New(conn, cfg, dir)
	if err != nil {
		conn.Close()
		return nil, err
	}
	e.Logger = logger
	e.Bus.Logger = logger

	var rec guard.Recorder = e
	if opts.Recorder != nil {
		rec = opts.Recorder
	}
	return &Workspace{
		Dir:    dir,
		DB:     conn,
		Config: cfg,
		Engine: e,
		Guard:  guard.New(cfg.Agents, dir, rec, logger),
		Logger: logger,
	}, nil
}

// Close flushes pending denial records and closes the database.
func (w *Workspace) Close() error {
	if !w.Guard.Wait(flushTimeout) {
		w.Logger.Warn("denial records still pending at close")
	}
	return w.DB.Close()
}

// OpenGuard builds a guard from the workspace config alone, for callers
// that never touch the database.
func OpenGuard(dir string, rec guard.Recorder, logger *slog.Logger) (*guard.Guard, error) {
	cfg, err := config.LoadOrDefault(dir)
	if err != nil {
		return nil, err
	}
	return guard.New(cfg.Agents, dir, rec, logger), nil
}
