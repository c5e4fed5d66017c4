package internal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fedragon/assetprep/internal/config"
	"github.com/fedragon/assetprep/internal/core"
	dedb "github.com/fedragon/assetprep/internal/db"
	"github.com/fedragon/assetprep/internal/ffmpeg"
	"github.com/fedragon/assetprep/internal/fs"
	"github.com/fedragon/assetprep/internal/metrics"
	"github.com/fedragon/assetprep/internal/models"
	"github.com/fedragon/assetprep/internal/term"

	"github.com/natefinch/atomic"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrNotSatisfied is returned in check-only mode when an artifact needs work.
var ErrNotSatisfied = errors.New("artifacts need regeneration")

type State string

const (
	NeedsFull    State = "needs-full"
	NeedsPartial State = "needs-partial"
	Satisfied    State = "satisfied"
)

// StateOf maps a verdict to the work it calls for.
func StateOf(v models.Verdict) State {
	switch v {
	case models.OK, models.Unverified:
		return Satisfied
	case models.Incomplete:
		return NeedsPartial
	default:
		return NeedsFull
	}
}

type Options struct {
	Force             bool
	CheckOnly         bool
	SkipConsolidation bool
	SkipThumbnails    bool
	// MissingOnly restricts thumbnail generation to sources without one.
	MissingOnly bool
}

// LookupFunc resolves the external video tool.
type LookupFunc func(binary string) (ffmpeg.Runner, error)

func lookupFFmpeg(binary string) (ffmpeg.Runner, error) {
	return ffmpeg.Lookup(binary)
}

type Runner struct {
	logger  *zap.Logger
	cfg     config.Config
	printer *term.Printer
	metrics *metrics.Metrics
	lookup  LookupFunc
	runID   string
}

func NewRunner(logger *zap.Logger, cfg config.Config, printer *term.Printer) *Runner {
	runID := uuid.NewString()

	return &Runner{
		logger:  logger.With(zap.String("run_id", runID)),
		cfg:     cfg,
		printer: printer,
		metrics: metrics.NewMetrics(),
		lookup:  lookupFFmpeg,
		runID:   runID,
	}
}

// WithLookup replaces the external tool resolver.
func (r *Runner) WithLookup(lookup LookupFunc) *Runner {
	r.lookup = lookup
	return r
}

func (r *Runner) Metrics() *metrics.Metrics {
	return r.metrics
}

// lockPath is the lock file guarding output, a hidden sibling of it.
func lockPath(output string) string {
	return filepath.Join(filepath.Dir(output), "."+filepath.Base(output)+".lock")
}

// lock takes an exclusive lock on output so that two runs do not write the
// same artifact. The parent directory of output is created when create is
// set; otherwise a missing parent means there is nothing to guard yet.
func (r *Runner) lock(output string, create bool) (func(), error) {
	dir := filepath.Dir(output)
	if create {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrIO, err)
		}
	} else if exists, _, err := fs.Exists(dir); err != nil {
		return nil, err
	} else if !exists {
		return func() {}, nil
	}

	fl := flock.New(lockPath(output))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, fmt.Errorf("another assetprep run holds %s", fl.Path())
	}

	return func() {
		if err := fl.Unlock(); err != nil {
			r.logger.Warn("Cannot release lock", zap.Error(err))
		}
	}, nil
}

// ledger opens the ledger when one is configured. The returned repository is
// nil otherwise.
func (r *Runner) ledger() (dedb.Repository, func(), error) {
	if r.cfg.Paths.Ledger == "" {
		return nil, func() {}, nil
	}

	db, err := dedb.Connect(r.cfg.Paths.Ledger)
	if err != nil {
		return nil, nil, fmt.Errorf("open ledger %s: %w", r.cfg.Paths.Ledger, err)
	}
	closer := func() {
		if err := db.Close(); err != nil {
			r.logger.Info(err.Error())
		}
	}

	repo, err := dedb.NewRepository(db, r.logger)
	if err != nil {
		closer()
		return nil, nil, err
	}

	return repo, closer, nil
}

func (r *Runner) withLedger(fn func(dedb.Repository) error) error {
	repo, closer, err := r.ledger()
	if err != nil {
		return err
	}
	defer closer()

	return fn(repo)
}

func (r *Runner) checker(ledger dedb.Repository) *core.Checker {
	return &core.Checker{Logger: r.logger, Metrics: r.metrics, Ledger: ledger}
}

func (r *Runner) aggregator(ledger dedb.Repository) *core.Aggregator {
	return &core.Aggregator{
		Logger:    r.logger,
		Metrics:   r.metrics,
		Collision: core.CollisionPolicy(r.cfg.Consolidation.Collision),
		Ledger:    ledger,
		RunID:     r.runID,
	}
}

func (r *Runner) thumbnailer(runner ffmpeg.Runner) *core.Thumbnailer {
	t := r.cfg.Thumbnails
	return &core.Thumbnailer{
		Runner:     runner,
		Options:    ffmpeg.FrameOptions{Width: t.Width, Quality: t.Quality, Timestamp: t.Timestamp},
		NumWorkers: t.Workers,
		Timeout:    t.Timeout.Duration,
		Logger:     r.logger,
		Metrics:    r.metrics,
	}
}

func (r *Runner) ffmpeg() (ffmpeg.Runner, error) {
	runner, err := r.lookup(r.cfg.Thumbnails.FFmpeg)
	if err != nil {
		r.printer.Error("ffmpeg is not installed or not in PATH")
		r.printer.Info(ffmpeg.InstallHint)
		return nil, err
	}
	return runner, nil
}

// requireDir fails with ErrInputDirMissing when dir is not a directory.
func (r *Runner) requireDir(dir, what string) error {
	exists, isDir, err := fs.Exists(dir)
	if err != nil {
		return err
	}
	if !exists || !isDir {
		r.printer.Error("%s directory not found: %s", what, dir)
		return fmt.Errorf("%w: %s", core.ErrInputDirMissing, dir)
	}
	return nil
}

// Consolidate aggregates the records and writes the aggregate unconditionally.
func (r *Runner) Consolidate(ctx context.Context) error {
	if err := r.requireDir(r.cfg.Paths.Records, "Input"); err != nil {
		return err
	}

	unlock, err := r.lock(r.cfg.Paths.Aggregate, true)
	if err != nil {
		return err
	}
	defer unlock()

	return r.withLedger(func(ledger dedb.Repository) error {
		return r.consolidate(ctx, ledger)
	})
}

func (r *Runner) consolidate(ctx context.Context, ledger dedb.Repository) error {
	p := r.printer
	paths := r.cfg.Paths

	p.Line("Input directory: %s", paths.Records)
	p.Line("Output file: %s", paths.Aggregate)

	res, failed, err := r.aggregator(ledger).Consolidate(ctx, paths.Records, paths.Aggregate, r.cfg.Consolidation.Compress)
	if err != nil {
		p.Error("Consolidation failed: %v", err)
		return err
	}

	p.Success("Loaded %s records", term.Count(res.Records))
	if failed > 0 {
		p.Error("Failed to load %s records", term.Count(failed))
	}
	p.Success("Saved %s (%s)", res.Path, term.Bytes(res.Size))
	if res.GzipPath != "" {
		if res.GzipErr != nil {
			p.Warning("Compressed version not written: %v", res.GzipErr)
		} else {
			p.Success("Saved %s (%s, %s reduction)", res.GzipPath, term.Bytes(res.GzipSize), term.Ratio(res.Size, res.GzipSize))
		}
	}

	total := res.Records + failed
	if total > 1 {
		p.Info("Requests: %s before, 1 after", term.Count(total))
	}

	return nil
}

// Thumbnails extracts thumbnails for every video, or only for those without
// one when opts.MissingOnly is set.
func (r *Runner) Thumbnails(ctx context.Context, opts Options) error {
	if err := r.requireDir(r.cfg.Paths.Videos, "Videos"); err != nil {
		return err
	}

	unlock, err := r.lock(r.cfg.Paths.Thumbnails, true)
	if err != nil {
		return err
	}
	defer unlock()

	var only []string
	if opts.MissingOnly {
		report, err := r.checker(nil).CheckDerived(r.cfg.Paths.Thumbnails, r.cfg.Paths.Videos)
		if err != nil {
			return err
		}
		if StateOf(report.Verdict) == Satisfied {
			r.printer.Success("All %s videos have a thumbnail", term.Count(report.Sources))
			return nil
		}
		only = report.Missing
		if only == nil {
			only = []string{}
		}
	}

	return r.thumbnails(ctx, only)
}

func (r *Runner) thumbnails(ctx context.Context, only []string) error {
	p := r.printer
	paths := r.cfg.Paths

	runner, err := r.ffmpeg()
	if err != nil {
		return err
	}

	th := r.thumbnailer(runner)
	tasks, err := th.Plan(paths.Videos, paths.Thumbnails, only)
	if err != nil {
		p.Error("%v", err)
		return err
	}
	if len(tasks) == 0 {
		if only == nil {
			p.Error("No video files found in %s", paths.Videos)
			return fmt.Errorf("%w in %s", core.ErrEmptyInput, paths.Videos)
		}
		p.Warning("No videos to process in %s", paths.Videos)
		return nil
	}

	p.Line("Videos directory: %s", paths.Videos)
	p.Line("Output directory: %s", paths.Thumbnails)
	p.Line("Videos: %s, workers: %d", term.Count(len(tasks)), th.NumWorkers)

	start := time.Now()
	res, err := th.Generate(ctx, paths.Thumbnails, tasks)
	if err != nil {
		return err
	}

	p.Success("Generated %s thumbnails in %s", term.Count(res.Succeeded), time.Since(start).Round(time.Millisecond))
	if res.Failed > 0 {
		p.Error("Failed to generate %s thumbnails", term.Count(res.Failed))
		rows := make([][]string, 0, len(res.Failures))
		for _, f := range res.Failures {
			rows = append(rows, []string{f.Task.ID, f.Err.Error()})
		}
		p.Table([]string{"Video", "Error"}, rows)
	}
	if res.Succeeded == 0 {
		return fmt.Errorf("%w: no thumbnail could be generated", core.ErrToolFailure)
	}

	return nil
}

// Check evaluates both artifacts and reports without regenerating.
func (r *Runner) Check(ctx context.Context) error {
	return r.Run(ctx, Options{CheckOnly: true})
}

// Run evaluates both artifacts and regenerates what is not current.
func (r *Runner) Run(ctx context.Context, opts Options) error {
	start := time.Now()
	defer func() {
		r.logger.Info("Elapsed time", zap.Duration("elapsed", time.Since(start)))
	}()

	paths := r.cfg.Paths
	r.printer.Header("RoboCOIN Optimization Initialization")
	r.printer.Line("Docs directory: %s", paths.Docs)

	if err := r.requireDir(paths.Docs, "Docs"); err != nil {
		return err
	}

	if !opts.CheckOnly {
		if !opts.SkipConsolidation {
			unlock, err := r.lock(paths.Aggregate, false)
			if err != nil {
				return err
			}
			defer unlock()
		}
		if !opts.SkipThumbnails {
			unlock, err := r.lock(paths.Thumbnails, true)
			if err != nil {
				return err
			}
			defer unlock()
		}
	}

	return r.withLedger(func(ledger dedb.Repository) error {
		return r.run(ctx, ledger, opts)
	})
}

func (r *Runner) run(ctx context.Context, ledger dedb.Repository, opts Options) error {
	p := r.printer
	paths := r.cfg.Paths
	checker := r.checker(ledger)

	if opts.Force {
		r.logger.Info("Running in FORCE mode: every artifact will be regenerated")
	}

	aggReport, derivedReport, err := checker.CheckAll(ctx, paths.Aggregate, paths.Records, paths.Thumbnails, paths.Videos)
	if err != nil {
		return err
	}

	var errs error

	p.Section("Step 1: Consolidating metadata")
	if opts.SkipConsolidation {
		p.Warning("Skipping consolidation")
	} else {
		errs = multierr.Append(errs, r.consolidationStep(ctx, ledger, aggReport, opts))
	}

	p.Section("Step 2: Generating video thumbnails")
	if opts.SkipThumbnails {
		p.Warning("Skipping thumbnail generation")
	} else {
		err := r.thumbnailStep(ctx, derivedReport, opts)
		if err != nil {
			p.Info("You can skip thumbnails with --skip-thumbnails if ffmpeg is not available")
		}
		errs = multierr.Append(errs, err)
	}

	if opts.CheckOnly {
		r.printVerdicts(aggReport, derivedReport, opts)
		return errs
	}

	p.Section("Verification")
	aggReport, derivedReport, err = checker.CheckAll(ctx, paths.Aggregate, paths.Records, paths.Thumbnails, paths.Videos)
	if err != nil {
		return multierr.Append(errs, err)
	}
	r.printVerdicts(aggReport, derivedReport, opts)

	if !opts.SkipConsolidation && StateOf(aggReport.Verdict) != Satisfied {
		errs = multierr.Append(errs, fmt.Errorf("aggregate is %s after regeneration", aggReport.Verdict))
	}
	if !opts.SkipThumbnails {
		switch derivedReport.Verdict {
		case models.Missing, models.Empty:
			errs = multierr.Append(errs, fmt.Errorf("thumbnails are %s after regeneration", derivedReport.Verdict))
		case models.Incomplete:
			p.Warning("%d videos still have no thumbnail", len(derivedReport.Missing))
		}
	}

	p.Section("Summary")
	if errs != nil {
		p.Error("Some optimizations failed. Check errors above.")
		return errs
	}
	p.Success("All optimizations completed successfully!")

	return nil
}

func (r *Runner) consolidationStep(ctx context.Context, ledger dedb.Repository, report models.AggregateReport, opts Options) error {
	p := r.printer
	state := StateOf(report.Verdict)
	if opts.Force {
		state = NeedsFull
	}

	r.logger.Info("Aggregate verdict",
		zap.String("verdict", string(report.Verdict)),
		zap.String("state", string(state)),
		zap.String("reason", report.Reason))

	if report.Verdict == models.Unverified {
		p.Warning("No source records found: aggregate freshness is unverified")
	}

	switch {
	case opts.CheckOnly:
		if state != Satisfied {
			p.Error("Aggregate is %s", report.Verdict)
			return fmt.Errorf("%w: aggregate is %s", ErrNotSatisfied, report.Verdict)
		}
		p.Success("Aggregate is %s", report.Verdict)
		return nil
	case state == Satisfied:
		p.Success("Consolidated JSON is current. Skipping...")
		p.Info("Use --force to regenerate.")
		return nil
	}

	if report.Reason != "" {
		p.Info("Regenerating: %s", report.Reason)
	}
	if err := r.consolidate(ctx, ledger); err != nil {
		p.Error("Consolidation failed!")
		return fmt.Errorf("consolidation: %w", err)
	}
	p.Success("Consolidation complete!")

	return nil
}

func (r *Runner) thumbnailStep(ctx context.Context, report models.DerivedReport, opts Options) error {
	p := r.printer
	state := StateOf(report.Verdict)
	if opts.Force {
		state = NeedsFull
	}

	r.logger.Info("Thumbnail verdict",
		zap.String("verdict", string(report.Verdict)),
		zap.String("state", string(state)),
		zap.Int("missing", len(report.Missing)),
		zap.Int("orphaned", len(report.Orphaned)))

	if len(report.Orphaned) > 0 {
		p.Warning("%d thumbnails have no matching video (see `assetprep clean --orphans-only`)", len(report.Orphaned))
	}

	switch {
	case opts.CheckOnly:
		if state != Satisfied {
			p.Error("Thumbnails are %s (%d missing, %d orphaned)", report.Verdict, len(report.Missing), len(report.Orphaned))
			return fmt.Errorf("%w: thumbnails are %s", ErrNotSatisfied, report.Verdict)
		}
		p.Success("Thumbnails are %s (%s files)", report.Verdict, term.Count(report.Derived))
		return nil
	case state == Satisfied:
		p.Success("Thumbnails are current (%s files). Skipping...", term.Count(report.Derived))
		p.Info("Use --force to regenerate.")
		return nil
	case state == NeedsPartial && len(report.Missing) == 0:
		// only orphans, nothing to generate
		return nil
	}

	var only []string
	if state == NeedsPartial {
		only = report.Missing
		p.Info("Generating %d missing thumbnails", len(only))
	}

	if err := r.thumbnails(ctx, only); err != nil {
		p.Error("Thumbnail generation failed!")
		return fmt.Errorf("thumbnails: %w", err)
	}
	p.Success("Thumbnail generation complete!")

	return nil
}

func (r *Runner) printVerdicts(agg models.AggregateReport, derived models.DerivedReport, opts Options) {
	rows := [][]string{}
	if !opts.SkipConsolidation {
		rows = append(rows, []string{"aggregate", agg.Path, string(agg.Verdict), agg.Reason})
	}
	if !opts.SkipThumbnails {
		detail := fmt.Sprintf("%d sources, %d derived, %d missing, %d orphaned",
			derived.Sources, derived.Derived, len(derived.Missing), len(derived.Orphaned))
		rows = append(rows, []string{"thumbnails", derived.Dir, string(derived.Verdict), detail})
	}
	r.printer.Table([]string{"Artifact", "Path", "Verdict", "Detail"}, rows)
}

// Generate writes a synthetic dataset collection.
func (r *Runner) Generate(ctx context.Context, withVideos bool) error {
	unlock, err := r.lock(r.cfg.Paths.Records, true)
	if err != nil {
		return err
	}
	defer unlock()

	g := r.cfg.Generator
	gen := &core.Generator{
		Config: core.GeneratorConfig{
			Count:            g.Count,
			Robots:           g.Robots,
			Effectors:        g.Effectors,
			Scenes:           g.Scenes,
			ObjectCategories: g.ObjectCategories,
			MaxDepth:         g.MaxDepth,
			Seed:             g.Seed,
			WithVideos:       withVideos,
			VideoSizeKB:      g.VideoSizeKB,
			InfoDir:          r.cfg.Paths.Records,
			VideoDir:         r.cfg.Paths.Videos,
		},
		NumWorkers: r.cfg.Thumbnails.Workers,
		Timeout:    r.cfg.Thumbnails.Timeout.Duration,
		Logger:     r.logger,
		Metrics:    r.metrics,
	}

	if withVideos {
		runner, err := r.ffmpeg()
		if err != nil {
			return err
		}
		gen.Runner = runner
	}

	res, err := gen.Generate(ctx)
	if err != nil {
		r.printer.Error("Generation failed: %v", err)
		return err
	}

	r.printer.Success("Generated %s records in %s", term.Count(res.Records), r.cfg.Paths.Records)
	if withVideos {
		r.printer.Success("Generated %s videos in %s", term.Count(res.Videos.Succeeded), r.cfg.Paths.Videos)
		if res.Videos.Failed > 0 {
			r.printer.Error("Failed to generate %s videos", term.Count(res.Videos.Failed))
		}
	}

	return nil
}

// Diagnose prints the page-load report and, when jsonPath is set, writes it
// as JSON.
func (r *Runner) Diagnose(jsonPath string) error {
	paths := r.cfg.Paths
	d := &core.Diagnostician{Logger: r.logger}

	diag, err := d.Diagnose(core.Layout{
		DocsDir:      paths.Docs,
		RecordDir:    paths.Records,
		VideoDir:     paths.Videos,
		ThumbnailDir: paths.Thumbnails,
		Aggregate:    paths.Aggregate,
	})
	if err != nil {
		return err
	}

	p := r.printer
	p.Header("RoboCOIN Performance Diagnostics")

	assets := make([][]string, 0, len(diag.Assets))
	for _, a := range diag.Assets {
		assets = append(assets, []string{a.Name, term.Count(a.Count), term.Bytes(a.Bytes), term.Bytes(a.Average())})
	}
	p.Section("Assets")
	p.Table([]string{"Group", "Files", "Total", "Average"}, assets, 1, 2, 3)

	req := diag.Requests
	p.Section("Network requests")
	p.Table([]string{"Phase", "Requests"}, [][]string{
		{"Initial page", term.Count(req.InitialPage)},
		{"First metadata batch", term.Count(req.FirstBatch)},
		{"Metadata batches", term.Count(req.Batches)},
		{"Initial videos", term.Count(req.InitialVideos)},
		{"Total initial", term.Count(req.TotalInitial)},
	}, 1)
	p.Line("Metadata latency at 50ms/request: %s before consolidation, %s after", diag.Before, diag.After)

	p.Section("Initial load")
	loads := make([][]string, 0, len(diag.LoadTimes))
	for _, l := range diag.LoadTimes {
		loads = append(loads, []string{l.Connection, fmt.Sprintf("%.1fs", l.Seconds)})
	}
	p.Line("Estimated initial transfer: %.2f MB", diag.InitialLoadMB)
	p.Table([]string{"Connection", "Time"}, loads, 1)

	p.Section("Bottlenecks")
	if len(diag.Bottlenecks) == 0 {
		p.Success("No bottlenecks found")
	}
	for _, b := range diag.Bottlenecks {
		p.Warning("[%s] %s: %s", b.Severity, b.Category, b.Issue)
		p.Line("    %s", b.Recommendation)
	}

	if jsonPath != "" {
		data, err := diag.JSON()
		if err != nil {
			return err
		}
		if err := writeReport(jsonPath, data); err != nil {
			return fmt.Errorf("%w: %v", core.ErrIO, err)
		}
		p.Success("Saved JSON report to %s", jsonPath)
	}

	return nil
}

// Clean removes generated artifacts, or only orphaned thumbnails.
func (r *Runner) Clean(orphansOnly, dryRun bool) error {
	unlockAggregate, err := r.lock(r.cfg.Paths.Aggregate, false)
	if err != nil {
		return err
	}
	defer unlockAggregate()

	unlockThumbnails, err := r.lock(r.cfg.Paths.Thumbnails, false)
	if err != nil {
		return err
	}
	defer unlockThumbnails()

	return r.withLedger(func(ledger dedb.Repository) error {
		paths := r.cfg.Paths
		c := &core.Cleaner{Logger: r.logger, Ledger: ledger, DryRun: dryRun}

		var removed []string
		if orphansOnly {
			report, err := r.checker(nil).CheckDerived(paths.Thumbnails, paths.Videos)
			if err != nil {
				return err
			}
			removed, err = c.CleanOrphans(report)
			if err != nil {
				return err
			}
		} else {
			removed, err = c.Clean(paths.Aggregate, paths.Thumbnails)
			if err != nil {
				return err
			}
		}

		verb := "Deleted"
		if dryRun {
			verb = "Would delete"
		}
		for _, path := range removed {
			r.printer.Success("%s: %s", verb, path)
		}
		if len(removed) == 0 {
			r.printer.Info("Nothing to clean")
		}

		return nil
	})
}

// PrintMetrics renders the counters and timers collected during the run.
func (r *Runner) PrintMetrics() {
	samples := r.metrics.Snapshot()
	if len(samples) == 0 {
		return
	}

	rows := make([][]string, 0, len(samples))
	for _, s := range samples {
		rows = append(rows, []string{s.Name, s.Value})
	}
	r.printer.Section("Metrics")
	r.printer.Table([]string{"Metric", "Value"}, rows, 1)
}

func writeReport(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return err
	}
	return atomic.WriteFile(path, bytes.NewReader(data))
}
