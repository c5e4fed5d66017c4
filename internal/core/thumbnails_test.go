package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fedragon/assetprep/internal/ffmpeg"
	"github.com/fedragon/assetprep/internal/models"
)

func newThumbnailer(r ffmpeg.Runner) *Thumbnailer {
	return &Thumbnailer{
		Runner:     r,
		Options:    ffmpeg.FrameOptions{Width: 320, Quality: 5, Timestamp: "00:00:01"},
		NumWorkers: 3,
		Timeout:    200 * time.Millisecond,
		Logger:     logger,
		Metrics:    mx,
	}
}

func TestThumbnails(t *testing.T) {
	videos := t.TempDir()
	thumbs := filepath.Join(t.TempDir(), "thumbnails")

	for _, name := range []string{"a.mp4", "b.webm", "broken.mp4", "slow.mov", "notes.txt"} {
		write(t, filepath.Join(videos, name), "video", past)
	}

	runner := &fakeRunner{}
	th := newThumbnailer(runner)

	tasks, err := th.Plan(videos, thumbs, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 4 {
		t.Fatalf("Expected 4 tasks but got %v instead", len(tasks))
	}

	res, err := th.Generate(context.Background(), thumbs, tasks)
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 4 || res.Succeeded != 2 || res.Failed != 2 {
		t.Errorf("Expected 2 succeeded and 2 failed but got %+v instead", res)
	}
	for _, f := range res.Failures {
		if !errors.Is(f.Err, ErrToolFailure) {
			t.Errorf("Expected %v but got %v instead", ErrToolFailure, f.Err)
		}
	}

	for _, name := range []string{"a.jpg", "b.jpg"} {
		if _, err := os.Stat(filepath.Join(thumbs, name)); err != nil {
			t.Errorf("Expected %v to exist but got %v instead", name, err)
		}
	}

	report, err := newChecker().CheckDerived(thumbs, videos)
	if err != nil {
		t.Fatal(err)
	}
	if report.Verdict != models.Incomplete || !equalStrings(report.Missing, []string{"broken", "slow"}) {
		t.Errorf("Expected broken and slow to be missing but got %+v instead", report)
	}
}

func TestThumbnailsMissingOnly(t *testing.T) {
	videos := t.TempDir()
	thumbs := filepath.Join(t.TempDir(), "thumbnails")
	for _, name := range []string{"a.mp4", "b.mp4", "c.mp4"} {
		write(t, filepath.Join(videos, name), "video", past)
	}

	runner := &fakeRunner{}
	th := newThumbnailer(runner)

	tasks, err := th.Plan(videos, thumbs, []string{"c"})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].ID != "c" || tasks[0].Output != filepath.Join(thumbs, "c.jpg") {
		t.Fatalf("Expected a single task for c but got %+v instead", tasks)
	}

	if _, err := th.Generate(context.Background(), thumbs, tasks); err != nil {
		t.Fatal(err)
	}
	if runner.count() != 1 {
		t.Errorf("Expected 1 ffmpeg call but got %v instead", runner.count())
	}
}

func TestThumbnailsMissingVideoDirectory(t *testing.T) {
	_, err := newThumbnailer(&fakeRunner{}).Plan(filepath.Join(t.TempDir(), "nope"), t.TempDir(), nil)
	if !errors.Is(err, ErrInputDirMissing) {
		t.Errorf("Expected %v but got %v instead", ErrInputDirMissing, err)
	}
}

func TestPoolCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tasks := []models.Task{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	pool := &Pool{NumWorkers: 2, Logger: logger, Name: "test"}
	res := pool.Run(ctx, tasks, func(ctx context.Context, task models.Task) error { return nil })

	if res.Succeeded+res.Failed != res.Total {
		t.Errorf("Expected every task to be accounted for but got %+v instead", res)
	}
}
