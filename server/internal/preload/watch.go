package preload

import (
	"context"
	"log/slog"

	"github.com/kvhub/kvhub/server/internal/filewatch"
)

// Watch re-imports path into store whenever the file changes, overwriting
// existing values, until ctx is cancelled. A file that fails to load is
// logged and skipped.
func Watch(ctx context.Context, path string, store Store, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	return filewatch.Watch(ctx, "preload", path, logger, func() error {
		res, err := Load(path)
		if err != nil {
			return err
		}
		n := Apply(store, res.Entries, true)
		logger.Info("preload: reloaded", "path", path, "updated", n, "ignored", res.Ignored)
		return nil
	})
}
