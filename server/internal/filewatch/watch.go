package filewatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch calls onChange each time path is written or recreated. It runs
// until ctx is cancelled and returns an error only when the watch cannot be
// set up. An error from onChange is logged under name and skipped.
func Watch(ctx context.Context, name, path string, logger *slog.Logger, onChange func() error) error {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%s: new watcher: %w", name, err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("%s: watch %s: %w", name, path, err)
	}
	logger.Info(name+": watching for changes", "path", path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Atomic saves arrive as Create.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := onChange(); err != nil {
				logger.Error(name+": reload failed", "path", path, "err", err)
				continue
			}
			// A replaced file drops the old watch.
			_ = watcher.Add(path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error(name+": watcher error", "err", err)
		}
	}
}
