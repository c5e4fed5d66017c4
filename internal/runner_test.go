package internal

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/fedragon/assetprep/internal/config"
	"github.com/fedragon/assetprep/internal/core"
	"github.com/fedragon/assetprep/internal/ffmpeg"
	"github.com/fedragon/assetprep/internal/models"
	"github.com/fedragon/assetprep/internal/term"

	"go.uber.org/zap"
)

type fakeFFmpeg struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeFFmpeg) Run(_ context.Context, args ...string) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	return os.WriteFile(args[len(args)-1], []byte("jpeg"), 0o644)
}

func newTestRunner(t *testing.T, docs string, fake ffmpeg.Runner) *Runner {
	t.Helper()

	cfg := config.Default()
	cfg.Paths.Docs = docs
	cfg.Paths.Ledger = filepath.Join(t.TempDir(), "ledger.db")
	if err := cfg.Resolve(); err != nil {
		t.Fatal(err)
	}

	return NewRunner(zap.NewNop(), cfg, term.New(io.Discard, false)).
		WithLookup(func(string) (ffmpeg.Runner, error) {
			if fake == nil {
				return nil, ffmpeg.ErrNotFound
			}
			return fake, nil
		})
}

func seed(t *testing.T, docs string, records, videos []string) {
	t.Helper()

	recordDir := filepath.Join(docs, "assets", "dataset_info")
	videoDir := filepath.Join(docs, "assets", "videos")
	for _, dir := range []string{recordDir, videoDir} {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			t.Fatal(err)
		}
	}
	for _, r := range records {
		if err := os.WriteFile(filepath.Join(recordDir, r+".yml"), []byte("dataset_name: "+r+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	for _, v := range videos {
		if err := os.WriteFile(filepath.Join(videoDir, v+".mp4"), []byte("video"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestStateOf(t *testing.T) {
	cases := []struct {
		verdict  models.Verdict
		expected State
	}{
		{models.Missing, NeedsFull},
		{models.Empty, NeedsFull},
		{models.Stale, NeedsFull},
		{models.Incomplete, NeedsPartial},
		{models.OK, Satisfied},
		{models.Unverified, Satisfied},
	}

	for _, c := range cases {
		if got := StateOf(c.verdict); got != c.expected {
			t.Errorf("%v\n\tExpected %v but got %v instead", c.verdict, c.expected, got)
		}
	}
}

func TestRunRegeneratesThenSkips(t *testing.T) {
	docs := t.TempDir()
	seed(t, docs, []string{"a", "b"}, []string{"a", "b", "c"})

	fake := &fakeFFmpeg{}
	r := newTestRunner(t, docs, fake)

	if err := r.Run(context.Background(), Options{}); err != nil {
		t.Fatal(err)
	}
	if fake.calls != 3 {
		t.Errorf("Expected 3 extractions but got %v instead", fake.calls)
	}
	if _, err := os.Stat(r.cfg.Paths.Aggregate); err != nil {
		t.Error(err)
	}

	if err := r.Run(context.Background(), Options{}); err != nil {
		t.Fatal(err)
	}
	if fake.calls != 3 {
		t.Errorf("Expected no further extraction but got %v calls instead", fake.calls)
	}

	if err := r.Check(context.Background()); err != nil {
		t.Errorf("Expected artifacts to be current but got %v instead", err)
	}
}

func TestRunGeneratesOnlyMissingThumbnails(t *testing.T) {
	docs := t.TempDir()
	seed(t, docs, []string{"a"}, []string{"a", "b"})

	thumbs := filepath.Join(docs, "assets", "thumbnails")
	if err := os.MkdirAll(thumbs, os.ModePerm); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(thumbs, "a.jpg"), []byte("jpeg"), 0o644); err != nil {
		t.Fatal(err)
	}

	fake := &fakeFFmpeg{}
	r := newTestRunner(t, docs, fake)
	if err := r.Run(context.Background(), Options{SkipConsolidation: true}); err != nil {
		t.Fatal(err)
	}
	if fake.calls != 1 {
		t.Errorf("Expected 1 extraction but got %v instead", fake.calls)
	}

	if err := r.Run(context.Background(), Options{SkipConsolidation: true, Force: true}); err != nil {
		t.Fatal(err)
	}
	if fake.calls != 3 {
		t.Errorf("Expected forced run to extract every video but got %v calls instead", fake.calls)
	}
}

func TestCheckOnlyReportsWithoutWriting(t *testing.T) {
	docs := t.TempDir()
	seed(t, docs, []string{"a"}, []string{"a"})

	fake := &fakeFFmpeg{}
	r := newTestRunner(t, docs, fake)

	err := r.Check(context.Background())
	if !errors.Is(err, ErrNotSatisfied) {
		t.Errorf("Expected %v but got %v instead", ErrNotSatisfied, err)
	}
	if fake.calls != 0 {
		t.Errorf("Expected no extraction but got %v instead", fake.calls)
	}
	if _, err := os.Stat(r.cfg.Paths.Aggregate); !os.IsNotExist(err) {
		t.Errorf("Expected no aggregate to be written but got %v instead", err)
	}
}

func TestRunWithoutFFmpeg(t *testing.T) {
	docs := t.TempDir()
	seed(t, docs, []string{"a"}, []string{"a"})

	r := newTestRunner(t, docs, nil)

	err := r.Run(context.Background(), Options{})
	if !errors.Is(err, ffmpeg.ErrNotFound) {
		t.Errorf("Expected %v but got %v instead", ffmpeg.ErrNotFound, err)
	}
	if _, err := os.Stat(r.cfg.Paths.Aggregate); err != nil {
		t.Errorf("Expected consolidation to succeed on its own but got %v instead", err)
	}

	if err := r.Run(context.Background(), Options{SkipThumbnails: true}); err != nil {
		t.Errorf("Expected skipping thumbnails to succeed but got %v instead", err)
	}
}

func TestRunMissingDocsDirectory(t *testing.T) {
	docs := filepath.Join(t.TempDir(), "docs")
	r := newTestRunner(t, docs, &fakeFFmpeg{})

	cases := []struct {
		name string
		run  func() error
	}{
		{"check", func() error { return r.Check(context.Background()) }},
		{"init", func() error { return r.Run(context.Background(), Options{}) }},
	}

	for _, c := range cases {
		err := c.run()
		if !errors.Is(err, core.ErrInputDirMissing) || !strings.Contains(err.Error(), docs) {
			t.Errorf("%v\n\tExpected a missing docs error but got %v instead", c.name, err)
		}
		if _, err := os.Stat(docs); !os.IsNotExist(err) {
			t.Errorf("%v\n\tExpected docs directory not to be created but got %v instead", c.name, err)
		}
	}
}

func TestConsolidateOutsideDocs(t *testing.T) {
	root := t.TempDir()
	docs := filepath.Join(root, "docs")
	records := filepath.Join(root, "records")
	if err := os.MkdirAll(records, os.ModePerm); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(records, "a.yml"), []byte("dataset_name: a\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Paths.Docs = docs
	cfg.Paths.Records = records
	cfg.Paths.Aggregate = filepath.Join(root, "out", "all.json")
	if err := cfg.Resolve(); err != nil {
		t.Fatal(err)
	}

	r := NewRunner(zap.NewNop(), cfg, term.New(io.Discard, false))
	if err := r.Consolidate(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(cfg.Paths.Aggregate); err != nil {
		t.Error(err)
	}
	if _, err := os.Stat(docs); !os.IsNotExist(err) {
		t.Errorf("Expected docs directory not to be created but got %v instead", err)
	}
}

func TestThumbnailsWithoutVideos(t *testing.T) {
	docs := t.TempDir()
	seed(t, docs, nil, nil)

	fake := &fakeFFmpeg{}
	r := newTestRunner(t, docs, fake)

	if err := r.Thumbnails(context.Background(), Options{}); !errors.Is(err, core.ErrEmptyInput) {
		t.Errorf("Expected %v but got %v instead", core.ErrEmptyInput, err)
	}
}

func TestThumbnailsMissingOnlyWithNothingMissing(t *testing.T) {
	docs := t.TempDir()
	seed(t, docs, nil, []string{"a"})

	thumbs := filepath.Join(docs, "assets", "thumbnails")
	if err := os.MkdirAll(thumbs, os.ModePerm); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"a.jpg", "gone.jpg"} {
		if err := os.WriteFile(filepath.Join(thumbs, name), []byte("jpeg"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	fake := &fakeFFmpeg{}
	r := newTestRunner(t, docs, fake)

	if err := r.Thumbnails(context.Background(), Options{MissingOnly: true}); err != nil {
		t.Errorf("Expected only orphans to be a no-op but got %v instead", err)
	}
	if fake.calls != 0 {
		t.Errorf("Expected no extraction but got %v instead", fake.calls)
	}
}

func TestConsolidateReportsWrittenRecords(t *testing.T) {
	docs := t.TempDir()
	seed(t, docs, []string{"a"}, nil)
	dup := filepath.Join(docs, "assets", "dataset_info", "a.yaml")
	if err := os.WriteFile(dup, []byte("dataset_name: a\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	cfg := config.Default()
	cfg.Paths.Docs = docs
	if err := cfg.Resolve(); err != nil {
		t.Fatal(err)
	}

	r := NewRunner(zap.NewNop(), cfg, term.New(&out, false))
	if err := r.Consolidate(context.Background()); err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(out.String(), "Loaded 1 records") {
		t.Errorf("Expected 1 loaded record but got\n%v", out.String())
	}
}

func TestCleanOrphans(t *testing.T) {
	docs := t.TempDir()
	seed(t, docs, nil, []string{"a"})

	thumbs := filepath.Join(docs, "assets", "thumbnails")
	if err := os.MkdirAll(thumbs, os.ModePerm); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"a.jpg", "gone.jpg"} {
		if err := os.WriteFile(filepath.Join(thumbs, name), []byte("jpeg"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	r := newTestRunner(t, docs, nil)
	if err := r.Clean(true, false); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(thumbs, "gone.jpg")); !os.IsNotExist(err) {
		t.Errorf("Expected orphan to be deleted but got %v instead", err)
	}
	if _, err := os.Stat(filepath.Join(thumbs, "a.jpg")); err != nil {
		t.Errorf("Expected thumbnail to be kept but got %v instead", err)
	}
}
