package guard

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"missionboard/internal/config"
)

// Reload rebuilds the policy from the workspace config. An invalid config
// leaves the current policy in place.
func (g *Guard) Reload(workspace string) error {
	cfg, err := config.LoadOrDefault(workspace)
	if err != nil {
		return err
	}
	g.SetPolicy(NewPolicy(cfg.Agents, workspace))
	g.logger().Info("guard policy reloaded", "members", len(cfg.Agents.Members))
	return nil
}

// Watch reloads the policy whenever the workspace config file changes,
// until ctx is done. The directory is watched so editors that replace the
// file are picked up.
func (g *Guard) Watch(ctx context.Context, workspace string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	defer watcher.Close()

	path := config.Path(workspace)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	name := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
				continue
			}
			if err := g.Reload(workspace); err != nil {
				g.logger().Warn("config reload failed, keeping policy", "err", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			g.logger().Warn("config watcher", "err", err)
		}
	}
}
