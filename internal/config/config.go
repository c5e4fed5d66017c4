// Package config holds the settings shared by every assetprep command.
//
// Values are resolved in three layers: built-in defaults, an optional TOML
// file, then command line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pelletier/go-toml/v2"
)

const AggregateName = "consolidated_datasets.json"

type Paths struct {
	Docs       string `toml:"docs"`
	Records    string `toml:"records"`
	Aggregate  string `toml:"aggregate"`
	Videos     string `toml:"videos"`
	Thumbnails string `toml:"thumbnails"`
	Ledger     string `toml:"ledger"`
}

type Consolidation struct {
	Compress  bool   `toml:"compress"`
	Collision string `toml:"collision"`
}

type Thumbnails struct {
	Width     int      `toml:"width"`
	Quality   int      `toml:"quality"`
	Timestamp string   `toml:"timestamp"`
	Workers   int      `toml:"workers"`
	Timeout   Duration `toml:"timeout"`
	FFmpeg    string   `toml:"ffmpeg"`
}

type Generator struct {
	Count            int   `toml:"count"`
	Robots           int   `toml:"robots"`
	Effectors        int   `toml:"effectors"`
	Scenes           int   `toml:"scenes"`
	ObjectCategories int   `toml:"object_categories"`
	MaxDepth         int   `toml:"max_depth"`
	Seed             int64 `toml:"seed"`
	VideoSizeKB      int   `toml:"video_size_kb"`
}

type Logging struct {
	Verbose bool `toml:"verbose"`
	JSON    bool `toml:"json"`
}

type Config struct {
	Paths         Paths         `toml:"paths"`
	Consolidation Consolidation `toml:"consolidation"`
	Thumbnails    Thumbnails    `toml:"thumbnails"`
	Generator     Generator     `toml:"generator"`
	Logging       Logging       `toml:"logging"`
}

// Duration decodes TOML strings such as "90s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func Default() Config {
	return Config{
		Paths: Paths{Docs: "docs"},
		Consolidation: Consolidation{
			Compress:  true,
			Collision: "warn",
		},
		Thumbnails: Thumbnails{
			Width:     320,
			Quality:   5,
			Timestamp: "00:00:01",
			Workers:   min(4, runtime.NumCPU()),
			Timeout:   Duration{60 * time.Second},
			FFmpeg:    "ffmpeg",
		},
		Generator: Generator{
			Count:            100,
			Robots:           4,
			Effectors:        4,
			Scenes:           6,
			ObjectCategories: 8,
			MaxDepth:         1,
			Seed:             1,
			VideoSizeKB:      100,
		},
	}
}

// Load returns the defaults overlaid with the TOML file at path. An empty path
// returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	expanded, err := homedir.Expand(path)
	if err != nil {
		return cfg, err
	}

	data, err := os.ReadFile(expanded)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", expanded, err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", expanded, err)
	}

	return cfg, nil
}

// Resolve expands ~ in every path and fills the ones left empty from the docs
// directory layout.
func (c *Config) Resolve() error {
	var err error
	expand := func(p *string) {
		if err != nil || *p == "" {
			return
		}
		*p, err = homedir.Expand(*p)
	}

	for _, p := range []*string{&c.Paths.Docs, &c.Paths.Records, &c.Paths.Aggregate, &c.Paths.Videos, &c.Paths.Thumbnails, &c.Paths.Ledger, &c.Thumbnails.FFmpeg} {
		expand(p)
	}
	if err != nil {
		return err
	}

	assets := filepath.Join(c.Paths.Docs, "assets")
	if c.Paths.Records == "" {
		c.Paths.Records = filepath.Join(assets, "dataset_info")
	}
	if c.Paths.Aggregate == "" {
		c.Paths.Aggregate = filepath.Join(c.Paths.Records, AggregateName)
	}
	if c.Paths.Videos == "" {
		c.Paths.Videos = filepath.Join(assets, "videos")
	}
	if c.Paths.Thumbnails == "" {
		c.Paths.Thumbnails = filepath.Join(assets, "thumbnails")
	}

	return nil
}

func (c Config) Validate() error {
	var errs []string

	if c.Thumbnails.Quality < 1 || c.Thumbnails.Quality > 31 {
		errs = append(errs, fmt.Sprintf("thumbnail quality must be within 1-31, got %d", c.Thumbnails.Quality))
	}
	if c.Thumbnails.Width <= 0 {
		errs = append(errs, fmt.Sprintf("thumbnail width must be positive, got %d", c.Thumbnails.Width))
	}
	if c.Thumbnails.Workers < 1 {
		errs = append(errs, fmt.Sprintf("workers must be at least 1, got %d", c.Thumbnails.Workers))
	}
	if c.Thumbnails.Timeout.Duration < 0 {
		errs = append(errs, "timeout must not be negative")
	}
	if !validTimestamp(c.Thumbnails.Timestamp) {
		errs = append(errs, fmt.Sprintf("timestamp must be HH:MM:SS, got %q", c.Thumbnails.Timestamp))
	}
	switch c.Consolidation.Collision {
	case "warn", "fail":
	default:
		errs = append(errs, fmt.Sprintf("collision policy must be warn or fail, got %q", c.Consolidation.Collision))
	}
	if c.Generator.MaxDepth < 1 || c.Generator.MaxDepth > 5 {
		errs = append(errs, fmt.Sprintf("max depth must be within 1-5, got %d", c.Generator.MaxDepth))
	}

	if len(errs) > 0 {
		return errors.New("invalid configuration: " + strings.Join(errs, "; "))
	}
	return nil
}

func validTimestamp(ts string) bool {
	parts := strings.Split(ts, ":")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if len(p) != 2 || p[0] < '0' || p[0] > '9' || p[1] < '0' || p[1] > '9' {
			return false
		}
	}
	return true
}
