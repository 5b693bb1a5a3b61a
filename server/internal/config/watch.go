package config

import (
	"context"
	"log/slog"

	"github.com/kvhub/kvhub/server/internal/filewatch"
)

// Watch reloads path on every change and hands each valid Config to
// onChange until ctx is cancelled. A reload that fails to load or validate
// is logged and the previous config stays active.
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func(*Config)) error {
	if logger == nil {
		logger = slog.Default()
	}
	return filewatch.Watch(ctx, "config", path, logger, func() error {
		cfg, err := Load(path)
		if err != nil {
			return err
		}
		logger.Info("config: reloaded", "path", path)
		onChange(cfg)
		return nil
	})
}
