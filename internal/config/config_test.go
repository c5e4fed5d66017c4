package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "assetprep.toml")
	content := `
[paths]
docs = "site"

[consolidation]
compress = false
collision = "fail"

[thumbnails]
width = 480
timeout = "90s"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Resolve(); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name     string
		got      any
		expected any
	}{
		{"docs from file", cfg.Paths.Docs, "site"},
		{"records derived from docs", cfg.Paths.Records, filepath.Join("site", "assets", "dataset_info")},
		{"aggregate derived from records", cfg.Paths.Aggregate, filepath.Join("site", "assets", "dataset_info", AggregateName)},
		{"thumbnails derived from docs", cfg.Paths.Thumbnails, filepath.Join("site", "assets", "thumbnails")},
		{"compress from file", cfg.Consolidation.Compress, false},
		{"collision from file", cfg.Consolidation.Collision, "fail"},
		{"width from file", cfg.Thumbnails.Width, 480},
		{"quality default kept", cfg.Thumbnails.Quality, 5},
		{"timeout from file", cfg.Thumbnails.Timeout.Duration, 90 * time.Second},
	}

	for _, c := range cases {
		if c.got != c.expected {
			t.Errorf("%v\n\tExpected %v but got %v instead", c.name, c.expected, c.got)
		}
	}
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected defaults to be valid but got %v instead", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"quality too high", func(c *Config) { c.Thumbnails.Quality = 32 }, "quality"},
		{"no workers", func(c *Config) { c.Thumbnails.Workers = 0 }, "workers"},
		{"bad timestamp", func(c *Config) { c.Thumbnails.Timestamp = "1s" }, "timestamp"},
		{"unknown collision policy", func(c *Config) { c.Consolidation.Collision = "merge" }, "collision"},
		{"depth out of range", func(c *Config) { c.Generator.MaxDepth = 6 }, "depth"},
	}

	for _, c := range cases {
		cfg := Default()
		c.mutate(&cfg)

		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), c.field) {
			t.Errorf("%v\n\tExpected an error about %v but got %v instead", c.name, c.field, err)
		}
	}
}
