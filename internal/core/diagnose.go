package core

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fedragon/assetprep/internal/fs"

	"go.uber.org/zap"
)

const (
	batchSize            = 150
	initialVisibleVideos = 20
	requestLatency       = 50 * time.Millisecond
)

type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
)

type AssetGroup struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
	Bytes int64  `json:"bytes"`
}

func (g AssetGroup) Average() int64 {
	if g.Count == 0 {
		return 0
	}
	return g.Bytes / int64(g.Count)
}

type Bottleneck struct {
	Category       string   `json:"category"`
	Severity       Severity `json:"severity"`
	Issue          string   `json:"issue"`
	Recommendation string   `json:"recommendation"`
}

type Requests struct {
	InitialPage   int `json:"initial_page"`
	FirstBatch    int `json:"first_batch"`
	Batches       int `json:"batches"`
	InitialVideos int `json:"initial_videos"`
	TotalInitial  int `json:"total_initial"`
	// ConsolidatedNow is set when the aggregate already exists.
	ConsolidatedNow bool `json:"consolidated_now"`
}

type Diagnosis struct {
	GeneratedAt   time.Time     `json:"generated_at"`
	DocsDir       string        `json:"docs_dir"`
	Assets        []AssetGroup  `json:"assets"`
	Requests      Requests      `json:"requests"`
	InitialLoadMB float64       `json:"initial_load_mb"`
	LoadTimes     []LoadTime    `json:"load_times"`
	Before        time.Duration `json:"before_ns"`
	After         time.Duration `json:"after_ns"`
	Bottlenecks   []Bottleneck  `json:"bottlenecks"`
}

type LoadTime struct {
	Connection string  `json:"connection"`
	Seconds    float64 `json:"seconds"`
}

// Layout locates the assets of a docs tree.
type Layout struct {
	DocsDir      string
	RecordDir    string
	VideoDir     string
	ThumbnailDir string
	Aggregate    string
}

type Diagnostician struct {
	Logger *zap.Logger
}

func group(name string, files []fs.File) AssetGroup {
	return AssetGroup{Name: name, Count: len(files), Bytes: fs.TotalSize(files)}
}

// Diagnose measures the assets the page loads and estimates its cost.
func (d *Diagnostician) Diagnose(layout Layout) (Diagnosis, error) {
	diag := Diagnosis{GeneratedAt: time.Now().UTC(), DocsDir: layout.DocsDir}

	d.Logger.Info("Analyzing docs tree", zap.String("docs_directory", layout.DocsDir))

	lists := []struct {
		name  string
		dir   string
		types []string
	}{
		{"metadata", layout.RecordDir, fs.RecordTypes},
		{"json", layout.RecordDir, []string{fs.JSON}},
		{"videos", layout.VideoDir, fs.VideoTypes},
		{"thumbnails", layout.ThumbnailDir, []string{fs.JPG}},
		{"js", filepath.Join(layout.DocsDir, "js"), []string{fs.JS}},
		{"css", filepath.Join(layout.DocsDir, "css"), []string{fs.CSS}},
	}

	groups := make(map[string]AssetGroup, len(lists))
	for _, l := range lists {
		files, err := listOrEmpty(l.dir, l.types)
		if err != nil {
			return diag, fmt.Errorf("list %s: %w", l.dir, err)
		}
		g := group(l.name, files)
		groups[l.name] = g
		diag.Assets = append(diag.Assets, g)
	}

	metadata, videos := groups["metadata"], groups["videos"]
	aggExists, _, err := fs.Exists(layout.Aggregate)
	if err != nil {
		return diag, err
	}

	r := Requests{
		InitialPage:     2 + groups["css"].Count + groups["js"].Count + groups["json"].Count,
		FirstBatch:      min(batchSize, metadata.Count),
		Batches:         (metadata.Count + batchSize - 1) / batchSize,
		InitialVideos:   min(initialVisibleVideos, videos.Count),
		ConsolidatedNow: aggExists,
	}
	r.TotalInitial = r.InitialPage + r.FirstBatch + r.InitialVideos
	diag.Requests = r

	// with thumbnails in place the first screen loads images instead of videos
	perVisible := videos.Average()
	if thumbs := groups["thumbnails"]; thumbs.Count > 0 {
		perVisible = thumbs.Average()
	}
	initialBytes := int64(r.FirstBatch)*metadata.Average() +
		int64(r.InitialVideos)*perVisible +
		groups["js"].Bytes + groups["css"].Bytes
	diag.InitialLoadMB = float64(initialBytes) / (1024 * 1024)

	for _, s := range []struct {
		name string
		mbps float64
	}{
		{"Fast 3G (1.6 Mbps)", 1.6},
		{"4G (10 Mbps)", 10},
		{"WiFi (50 Mbps)", 50},
	} {
		diag.LoadTimes = append(diag.LoadTimes, LoadTime{Connection: s.name, Seconds: diag.InitialLoadMB / (s.mbps / 8)})
	}

	diag.Before = time.Duration(metadata.Count) * requestLatency
	diag.After = requestLatency

	diag.Bottlenecks = bottlenecks(groups, r, diag.InitialLoadMB)
	d.Logger.Info("Analysis complete", zap.Int("bottlenecks", len(diag.Bottlenecks)))

	return diag, nil
}

func bottlenecks(groups map[string]AssetGroup, r Requests, initialMB float64) []Bottleneck {
	var out []Bottleneck
	metadata := groups["metadata"]

	if metadata.Count > 1000 && !r.ConsolidatedNow {
		out = append(out, Bottleneck{
			Category:       "File Count",
			Severity:       SeverityHigh,
			Issue:          fmt.Sprintf("Large number of dataset files (%d)", metadata.Count),
			Recommendation: "Run `assetprep consolidate` and load the single JSON bundle",
		})
	}
	if r.TotalInitial > 100 && !r.ConsolidatedNow {
		out = append(out, Bottleneck{
			Category:       "Network Requests",
			Severity:       SeverityCritical,
			Issue:          fmt.Sprintf("Very high number of initial requests (%d)", r.TotalInitial),
			Recommendation: "Consolidate metadata; it turns one request per record into one request",
		})
	}
	if videos := groups["videos"]; videos.Count > 0 && groups["thumbnails"].Count == 0 {
		out = append(out, Bottleneck{
			Category:       "Video Size",
			Severity:       SeverityCritical,
			Issue:          fmt.Sprintf("%d videos and no thumbnails", videos.Count),
			Recommendation: "Run `assetprep thumbnails` and load videos on hover/click",
		})
	}
	if initialMB > 50 {
		out = append(out, Bottleneck{
			Category:       "Initial Load Size",
			Severity:       SeverityCritical,
			Issue:          fmt.Sprintf("Very large initial load (%.1f MB)", initialMB),
			Recommendation: "Split the data into smaller bundles loaded on demand",
		})
	}

	return out
}

// JSON renders the diagnosis as indented JSON.
func (d Diagnosis) JSON() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}
