package artifacts

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"pdxseg/internal/logging"
)

// PruneResult contains the outcome of a derived-artifact cleanup.
type PruneResult struct {
	Removed []string
	Errors  []PruneError
}

// PruneError pairs a path with its cleanup error.
type PruneError struct {
	Path  string
	Error error
}

// PruneDerived removes render and overlay files older than maxAge across all
// studies. Masks are never touched.
func (s *Store) PruneDerived(ctx context.Context, maxAge time.Duration, logger *slog.Logger) PruneResult {
	result := PruneResult{}

	studyDirs, err := os.ReadDir(s.root)
	if err != nil {
		if !os.IsNotExist(err) {
			result.Errors = append(result.Errors, PruneError{Path: s.root, Error: err})
		}
		return result
	}

	cutoff := time.Now().Add(-maxAge)
	for _, study := range studyDirs {
		if !study.IsDir() {
			continue
		}
		for _, kind := range []Kind{KindRender, KindOverlay} {
			if ctx.Err() != nil {
				return result
			}
			dir := filepath.Join(s.root, study.Name(), "artifacts", string(kind))
			entries, err := os.ReadDir(dir)
			if err != nil {
				if !os.IsNotExist(err) {
					result.Errors = append(result.Errors, PruneError{Path: dir, Error: err})
				}
				continue
			}
			for _, entry := range entries {
				if entry.IsDir() {
					continue
				}
				path := filepath.Join(dir, entry.Name())
				info, err := entry.Info()
				if err != nil {
					result.Errors = append(result.Errors, PruneError{Path: path, Error: err})
					continue
				}
				if !info.ModTime().Before(cutoff) {
					continue
				}
				if err := os.Remove(path); err != nil {
					result.Errors = append(result.Errors, PruneError{Path: path, Error: err})
					logging.WarnWithContext(logger, "failed to remove derived artifact", "artifact_prune_failed",
						logging.String("path", path),
						logging.Error(err),
						logging.String(logging.FieldErrorHint, "check storage_dir permissions"),
						logging.String(logging.FieldImpact, "disk space not reclaimed"),
					)
					continue
				}
				result.Removed = append(result.Removed, path)
			}
		}
	}

	if logger != nil && len(result.Removed) > 0 {
		logger.Info("pruned derived artifacts",
			logging.Int("removed", len(result.Removed)),
			logging.Duration("max_age", maxAge),
			logging.String(logging.FieldEventType, "artifact_prune"),
		)
	}
	return result
}
