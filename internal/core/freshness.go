package core

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"sort"
	"strings"

	"github.com/fedragon/assetprep/internal/db"
	"github.com/fedragon/assetprep/internal/fs"
	"github.com/fedragon/assetprep/internal/metrics"
	"github.com/fedragon/assetprep/internal/models"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Checker struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// Ledger is optional; when set, source membership and content are
	// compared against what the aggregate was produced from.
	Ledger       db.Repository
	SourceTypes  []string
	DerivedTypes []string
}

func (c *Checker) sourceTypes() []string {
	if len(c.SourceTypes) == 0 {
		return fs.VideoTypes
	}
	return c.SourceTypes
}

func (c *Checker) derivedTypes() []string {
	if len(c.DerivedTypes) == 0 {
		return []string{fs.JPG}
	}
	return c.DerivedTypes
}

// listOrEmpty lists dir, treating a missing directory as an empty one.
func listOrEmpty(dir string, fileTypes []string) ([]fs.File, error) {
	files, err := fs.List(dir, fileTypes)
	if errors.Is(err, iofs.ErrNotExist) {
		return nil, nil
	}
	return files, err
}

// CheckAggregate reports whether the aggregate at path reflects the records
// currently in sourceDir.
func (c *Checker) CheckAggregate(path, sourceDir string) (models.AggregateReport, error) {
	report := models.AggregateReport{Path: path}

	stop := c.Metrics.Record("check.aggregate")
	defer stop()

	info, err := os.Stat(path)
	if errors.Is(err, iofs.ErrNotExist) {
		report.Verdict = models.Missing
		return report, nil
	}
	if err != nil {
		return report, err
	}
	report.ArtifactAt = info.ModTime()

	sources, err := listOrEmpty(sourceDir, fs.RecordTypes)
	if err != nil {
		return report, err
	}
	report.Sources = len(sources)

	if len(sources) == 0 {
		c.Logger.Warn("No source records found, freshness is unverified",
			zap.String("artifact", path),
			zap.String("source_directory", sourceDir))
		report.Verdict = models.Unverified
		report.Reason = "no source records to compare against"
		return report, nil
	}

	report.NewestInput = fs.Newest(sources)
	if report.NewestInput.After(report.ArtifactAt) {
		report.Verdict = models.Stale
		report.Reason = "sources modified after the aggregate"
		return report, nil
	}

	if c.Ledger != nil {
		reason, err := c.drift(path, sources)
		if err != nil {
			return report, err
		}
		if reason != "" {
			report.Verdict = models.Stale
			report.Reason = reason
			return report, nil
		}
	}

	report.Verdict = models.OK
	return report, nil
}

// drift compares sources with the ledger entry of the artifact. It returns an
// empty reason when they match or when the ledger holds no entry.
func (c *Checker) drift(path string, sources []fs.File) (string, error) {
	entry, err := c.Ledger.Get(path)
	if err != nil {
		return "", err
	}
	if entry == nil {
		c.Logger.Debug("No ledger entry for aggregate", zap.String("artifact", path))
		return "", nil
	}

	current := make(map[string][]byte, len(sources))
	for _, f := range sources {
		digest, err := fs.Digest(c.Metrics, f.Path)
		if err != nil {
			return "", err
		}
		current[f.Stem] = digest
	}

	d := entry.Compare(current)
	if d.Empty() {
		return "", nil
	}

	var parts []string
	if len(d.Added) > 0 {
		parts = append(parts, fmt.Sprintf("%d added", len(d.Added)))
	}
	if len(d.Removed) > 0 {
		parts = append(parts, fmt.Sprintf("%d removed", len(d.Removed)))
	}
	if len(d.Changed) > 0 {
		parts = append(parts, fmt.Sprintf("%d changed", len(d.Changed)))
	}

	return "sources " + strings.Join(parts, ", ") + " since last aggregation", nil
}

// CheckDerived reports whether derivedDir holds exactly one derived file per
// source file in sourceDir, matched by stem.
func (c *Checker) CheckDerived(derivedDir, sourceDir string) (models.DerivedReport, error) {
	report := models.DerivedReport{Dir: derivedDir}

	stop := c.Metrics.Record("check.derived")
	defer stop()

	exists, isDir, err := fs.Exists(derivedDir)
	if err != nil {
		return report, err
	}
	if !exists || !isDir {
		report.Verdict = models.Missing
		return report, nil
	}

	derived, err := fs.List(derivedDir, c.derivedTypes())
	if err != nil {
		return report, err
	}
	report.Derived = len(derived)

	sources, err := listOrEmpty(sourceDir, c.sourceTypes())
	if err != nil {
		return report, err
	}
	report.Sources = len(sources)

	if len(derived) == 0 {
		report.Verdict = models.Empty
		report.Missing = sortedStems(sources)
		return report, nil
	}

	report.Missing = difference(fs.Stems(sources), fs.Stems(derived))
	report.Orphaned = difference(fs.Stems(derived), fs.Stems(sources))

	if len(report.Missing) == 0 && len(report.Orphaned) == 0 {
		report.Verdict = models.OK
	} else {
		report.Verdict = models.Incomplete
	}

	return report, nil
}

// CheckAll runs both checks concurrently.
func (c *Checker) CheckAll(ctx context.Context, aggregatePath, recordDir, derivedDir, sourceDir string) (models.AggregateReport, models.DerivedReport, error) {
	var (
		agg     models.AggregateReport
		derived models.DerivedReport
	)

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		agg, err = c.CheckAggregate(aggregatePath, recordDir)
		return err
	})
	g.Go(func() error {
		var err error
		derived, err = c.CheckDerived(derivedDir, sourceDir)
		return err
	})

	err := g.Wait()
	return agg, derived, err
}

// difference returns the sorted members of a that are not in b.
func difference(a, b map[string]bool) []string {
	var out []string
	for k := range a {
		if !b[k] {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func sortedStems(files []fs.File) []string {
	stems := fs.Stems(files)
	out := make([]string, 0, len(stems))
	for k := range stems {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
