package core

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"
)

func TestDiagnose(t *testing.T) {
	docs := t.TempDir()
	layout := Layout{
		DocsDir:      docs,
		RecordDir:    filepath.Join(docs, "assets", "dataset_info"),
		VideoDir:     filepath.Join(docs, "assets", "videos"),
		ThumbnailDir: filepath.Join(docs, "assets", "thumbnails"),
		Aggregate:    filepath.Join(docs, "assets", "dataset_info", "consolidated_datasets.json"),
	}

	for i := 0; i < 1200; i++ {
		write(t, filepath.Join(layout.RecordDir, fmt.Sprintf("d%04d.yml", i)), "a: 1", past)
	}
	for i := 0; i < 30; i++ {
		write(t, filepath.Join(layout.VideoDir, fmt.Sprintf("d%04d.mp4", i)), strings.Repeat("v", 1024), past)
	}
	write(t, filepath.Join(docs, "js", "app.js"), "console.log(1)", past)
	write(t, filepath.Join(docs, "css", "style.css"), "body{}", past)

	d := &Diagnostician{Logger: logger}
	diag, err := d.Diagnose(layout)
	if err != nil {
		t.Fatal(err)
	}

	r := diag.Requests
	if r.FirstBatch != 150 || r.Batches != 8 || r.InitialVideos != 20 || r.InitialPage != 4 {
		t.Errorf("Unexpected request estimate %+v", r)
	}
	if r.TotalInitial != 174 {
		t.Errorf("Expected 174 initial requests but got %v instead", r.TotalInitial)
	}

	categories := make(map[string]bool)
	for _, b := range diag.Bottlenecks {
		categories[b.Category] = true
	}
	for _, c := range []string{"File Count", "Network Requests", "Video Size"} {
		if !categories[c] {
			t.Errorf("Expected bottleneck %v but got %v instead", c, diag.Bottlenecks)
		}
	}

	if _, err := diag.JSON(); err != nil {
		t.Fatal(err)
	}
}
