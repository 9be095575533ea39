package host

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agleyzer/smilsync/internal/parser"
)

// reloadDelay coalesces the burst of events editors produce on save.
const reloadDelay = 200 * time.Millisecond

// Watch reloads the document whenever its file changes, until ctx is
// canceled. The parent directory is watched so atomic renames are seen.
// Remote documents cannot be watched.
func (m *Manager) Watch(ctx context.Context) error {
	location := m.Document().Location
	if parser.IsURL(location) {
		return fmt.Errorf("cannot watch remote timeline %s", location)
	}
	target, err := filepath.Abs(location)
	if err != nil {
		return fmt.Errorf("resolve timeline path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	go m.watchLoop(ctx, watcher, target)
	m.logger.Info("watching timeline for changes", "path", target)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, target string) {
	defer watcher.Close()

	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				timer.Reset(reloadDelay)
			}
		case <-timer.C:
			if err := m.Reload(ctx); err != nil {
				m.logger.Warn("timeline reload failed, keeping previous version", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("watcher error", "error", err)
		}
	}
}
