package policy

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the burst of fsnotify events an editor or atomic
// rename produces into one reload.
const watchDebounce = 300 * time.Millisecond

// Watch reloads the policy whenever policy.json changes and then invokes
// onChange. The watch runs until ctx is cancelled. The containing directory
// is watched rather than the file so atomic rename-replace is observed.
func (m *Manager) Watch(ctx context.Context, logger *slog.Logger, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(m.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	var debounce *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(m.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("policy watcher error", slog.String("error", err.Error()))

		case <-fire:
			if err := m.Load(); err != nil {
				logger.Warn("policy reload failed", slog.String("error", err.Error()))
				continue
			}
			logger.Info("policy reloaded",
				slog.String("path", m.path),
				slog.Int("version", m.Snapshot().Version()))
			if onChange != nil {
				onChange()
			}
		}
	}
}
