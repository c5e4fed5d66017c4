package core

import (
	"errors"
	iofs "io/fs"
	"os"
	"path/filepath"

	"github.com/fedragon/assetprep/internal/db"
	"github.com/fedragon/assetprep/internal/fs"
	"github.com/fedragon/assetprep/internal/models"

	"go.uber.org/zap"
)

type Cleaner struct {
	Logger *zap.Logger
	Ledger db.Repository
	DryRun bool
}

// Clean removes the aggregate, its gzip sibling and the thumbnail directory.
// It returns the paths that were (or, in dry-run mode, would have been)
// removed. Paths that do not exist are skipped.
func (c *Cleaner) Clean(aggregatePath, thumbnailDir string) ([]string, error) {
	var removed []string

	for _, path := range []string{aggregatePath, aggregatePath + ".gz", thumbnailDir} {
		if _, err := os.Stat(path); errors.Is(err, iofs.ErrNotExist) {
			c.Logger.Info("Nothing to remove", zap.String("path", path))
			continue
		}

		if c.DryRun {
			c.Logger.Info("Would have removed", zap.String("path", path))
			removed = append(removed, path)
			continue
		}

		if err := os.RemoveAll(path); err != nil {
			return removed, err
		}
		c.Logger.Info("Removed", zap.String("path", path))
		removed = append(removed, path)
	}

	if c.Ledger != nil && !c.DryRun {
		if err := c.Ledger.Delete(aggregatePath); err != nil {
			c.Logger.Warn("Cannot remove ledger entry", zap.String("artifact", aggregatePath), zap.Error(err))
		}
	}

	return removed, nil
}

// CleanOrphans removes the derived files the report lists as orphaned.
func (c *Cleaner) CleanOrphans(report models.DerivedReport) ([]string, error) {
	if len(report.Orphaned) == 0 {
		return nil, nil
	}

	orphaned := make(map[string]bool, len(report.Orphaned))
	for _, id := range report.Orphaned {
		orphaned[id] = true
	}

	files, err := fs.List(report.Dir, []string{fs.JPG})
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, f := range files {
		if !orphaned[f.Stem] {
			continue
		}

		if c.DryRun {
			c.Logger.Info("Would have removed orphaned thumbnail", zap.String("path", f.Path))
		} else {
			if err := os.Remove(f.Path); err != nil {
				c.Logger.Error("Cannot remove orphaned thumbnail", zap.String("path", f.Path), zap.Error(err))
				continue
			}
			c.Logger.Info("Removed orphaned thumbnail", zap.String("path", filepath.Base(f.Path)))
		}
		removed = append(removed, f.Path)
	}

	return removed, nil
}
