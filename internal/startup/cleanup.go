// Package startup provides utilities for application startup tasks.
package startup

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmylchreest/shrinkarr/internal/repository"
)

// DefaultCleanupAge is the default minimum age for an abandoned encoder output file.
const DefaultCleanupAge = 24 * time.Hour

// CleanupStaleTempFiles removes in-progress encoder output files (names ending
// in "."+hiddenExt) older than maxAge below each root. The transcode queue is
// not persisted, so such files left behind by a crash never complete.
//
// Returns the number of files removed and any error encountered.
func CleanupStaleTempFiles(logger *slog.Logger, roots []string, hiddenExt string, maxAge time.Duration) (int, error) {
	suffix := "." + strings.TrimPrefix(hiddenExt, ".")
	if suffix == "." {
		return 0, nil
	}
	cutoff := time.Now().Add(-maxAge)
	var removed int

	for _, root := range roots {
		// Check if the root exists
		if _, err := os.Stat(root); os.IsNotExist(err) {
			logger.Debug("library path does not exist, skipping cleanup",
				"path", root,
			)
			continue
		}

		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				logger.Warn("failed to read path during cleanup",
					"path", path,
					"error", err,
				)
				if d != nil && d.IsDir() && path != root {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() || !strings.HasSuffix(d.Name(), suffix) {
				return nil
			}

			info, err := d.Info()
			if err != nil {
				logger.Warn("failed to get file info",
					"path", path,
					"error", err,
				)
				return nil
			}

			if info.ModTime().After(cutoff) {
				logger.Debug("preserving recent encoder output",
					"path", path,
					"age", time.Since(info.ModTime()).Round(time.Second),
				)
				return nil
			}

			if err := os.Remove(path); err != nil {
				logger.Warn("failed to remove stale encoder output",
					"path", path,
					"error", err,
				)
				return nil
			}

			logger.Info("removed stale encoder output",
				"path", path,
				"age", time.Since(info.ModTime()).Round(time.Second),
			)
			removed++
			return nil
		})
		if err != nil {
			logger.Error("failed to walk library path for cleanup",
				"path", root,
				"error", err,
			)
			return removed, err
		}
	}

	return removed, nil
}

// ResetFailedProbes clears the probe attempt of items whose last probe failed,
// so the next library scan probes them again. A probe can fail because the
// file was still being copied or ffprobe timed out; both deserve a retry
// after a restart.
//
// Returns the number of items reset and any error encountered.
func ResetFailedProbes(ctx context.Context, logger *slog.Logger, repo repository.MediaItemRepository) (int, error) {
	items, err := repo.List(ctx)
	if err != nil {
		logger.Error("failed to list items for probe reset",
			"error", err,
		)
		return 0, err
	}

	var reset int
	for _, item := range items {
		if item.ProbeError == "" {
			continue
		}

		logger.Debug("resetting failed probe",
			"item_id", item.ID.String(),
			"path", item.Path,
			"probe_error", item.ProbeError,
		)

		item.ProbedAt = nil
		item.ProbeError = ""
		if err := repo.UpdateProbe(ctx, item); err != nil {
			logger.Error("failed to reset probe",
				"item_id", item.ID.String(),
				"path", item.Path,
				"error", err,
			)
			continue
		}

		reset++
	}

	return reset, nil
}
