package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fedragon/assetprep/internal/ffmpeg"
	"github.com/fedragon/assetprep/internal/fs"
	"github.com/fedragon/assetprep/internal/metrics"
	"github.com/fedragon/assetprep/internal/models"

	"go.uber.org/zap"
)

type Thumbnailer struct {
	Runner     ffmpeg.Runner
	Options    ffmpeg.FrameOptions
	NumWorkers int
	Timeout    time.Duration
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Plan builds one task per video in videoDir. When only is not nil, tasks are
// restricted to the given identifiers.
func (t *Thumbnailer) Plan(videoDir, outputDir string, only []string) ([]models.Task, error) {
	if exists, isDir, err := fs.Exists(videoDir); err != nil {
		return nil, err
	} else if !exists || !isDir {
		return nil, fmt.Errorf("%w: %s", ErrInputDirMissing, videoDir)
	}

	videos, err := fs.List(videoDir, fs.VideoTypes)
	if err != nil {
		return nil, err
	}

	var wanted map[string]bool
	if only != nil {
		wanted = make(map[string]bool, len(only))
		for _, id := range only {
			wanted[id] = true
		}
	}

	tasks := make([]models.Task, 0, len(videos))
	for _, v := range videos {
		if wanted != nil && !wanted[v.Stem] {
			continue
		}
		tasks = append(tasks, models.Task{
			ID:     v.Stem,
			Input:  v.Path,
			Output: filepath.Join(outputDir, v.Stem+fs.JPG),
		})
	}

	return tasks, nil
}

// Generate extracts one thumbnail per task. Failures are counted per item.
func (t *Thumbnailer) Generate(ctx context.Context, outputDir string, tasks []models.Task) (BatchResult, error) {
	if err := os.MkdirAll(outputDir, os.ModePerm); err != nil {
		return BatchResult{}, fmt.Errorf("%w: unable to create output directory %v: %v", ErrIO, outputDir, err)
	}

	t.Logger.Info("Generating thumbnails",
		zap.String("target_directory", outputDir),
		zap.Int("videos", len(tasks)),
		zap.Int("num_workers", t.NumWorkers))

	pool := &Pool{NumWorkers: t.NumWorkers, Timeout: t.Timeout, Logger: t.Logger, Name: "thumbnails"}
	res := pool.Run(ctx, tasks, func(ctx context.Context, task models.Task) error {
		stop := t.Metrics.Record("thumbnails.extract")
		defer stop()

		if err := ffmpeg.ExtractFrame(ctx, t.Runner, task.Input, task.Output, t.Options); err != nil {
			t.Metrics.Increment("thumbnails.failed")
			return fmt.Errorf("%w: %v", ErrToolFailure, err)
		}
		t.Metrics.Increment("thumbnails.generated")
		return nil
	})

	return res, nil
}
