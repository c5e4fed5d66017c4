package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fedragon/assetprep/internal"
	"github.com/fedragon/assetprep/internal/config"
	"github.com/fedragon/assetprep/internal/term"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "assetprep",
		Usage: "prepares the static assets of the dataset visualizer",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "TOML configuration file", EnvVars: []string{"ASSETPREP_CONFIG"}},
			&cli.StringFlag{Name: "docs", Usage: "docs directory", EnvVars: []string{"ASSETPREP_DOCS"}},
			&cli.StringFlag{Name: "ledger", Usage: "BoltDB ledger of source digests", EnvVars: []string{"ASSETPREP_LEDGER"}},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "debug logging"},
			&cli.BoolFlag{Name: "log-json", Usage: "structured JSON logs"},
		},
		Commands: []*cli.Command{
			{
				Name:  "consolidate",
				Usage: "merge every dataset record into one JSON file",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "input", Usage: "record directory"},
					&cli.StringFlag{Name: "output", Usage: "aggregate file"},
					&cli.BoolFlag{Name: "no-compress", Usage: "skip the gzip copy"},
					&cli.StringFlag{Name: "collision", Usage: "duplicate key policy: warn or fail"},
				},
				Action: withRunner(func(c *cli.Context, r *internal.Runner) error {
					return r.Consolidate(c.Context)
				}),
			},
			{
				Name:  "thumbnails",
				Usage: "extract one JPEG frame per video",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "videos", Usage: "video directory"},
					&cli.StringFlag{Name: "output", Usage: "thumbnail directory"},
					&cli.IntFlag{Name: "width", Usage: "thumbnail width in pixels"},
					&cli.IntFlag{Name: "quality", Usage: "JPEG quality, 1 (best) to 31"},
					&cli.StringFlag{Name: "timestamp", Usage: "frame position as HH:MM:SS"},
					&cli.IntFlag{Name: "workers", Usage: "parallel extractions"},
					&cli.DurationFlag{Name: "timeout", Usage: "per video timeout"},
					&cli.BoolFlag{Name: "missing-only", Usage: "only videos without a thumbnail"},
				},
				Action: withRunner(func(c *cli.Context, r *internal.Runner) error {
					return r.Thumbnails(c.Context, internal.Options{MissingOnly: c.Bool("missing-only")})
				}),
			},
			{
				Name:  "check",
				Usage: "report whether the generated artifacts are current",
				Action: withRunner(func(c *cli.Context, r *internal.Runner) error {
					return r.Check(c.Context)
				}),
			},
			{
				Name:  "init",
				Usage: "regenerate whatever is not current",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "force", Aliases: []string{"f"}, Usage: "regenerate everything"},
					&cli.BoolFlag{Name: "check-only", Usage: "report without regenerating"},
					&cli.BoolFlag{Name: "skip-consolidation"},
					&cli.BoolFlag{Name: "skip-thumbnails"},
				},
				Action: withRunner(func(c *cli.Context, r *internal.Runner) error {
					return r.Run(c.Context, internal.Options{
						Force:             c.Bool("force"),
						CheckOnly:         c.Bool("check-only"),
						SkipConsolidation: c.Bool("skip-consolidation"),
						SkipThumbnails:    c.Bool("skip-thumbnails"),
					})
				}),
			},
			{
				Name:  "generate",
				Usage: "write a synthetic dataset collection",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "count", Aliases: []string{"n"}, Usage: "number of datasets"},
					&cli.Int64Flag{Name: "seed", Usage: "random seed"},
					&cli.IntFlag{Name: "max-depth", Usage: "object hierarchy depth, 1 to 5"},
					&cli.BoolFlag{Name: "with-videos", Usage: "also synthesize one video per dataset"},
					&cli.IntFlag{Name: "video-size-kb", Usage: "approximate video size"},
					&cli.StringFlag{Name: "output-info", Usage: "record directory"},
					&cli.StringFlag{Name: "output-videos", Usage: "video directory"},
				},
				Action: withRunner(func(c *cli.Context, r *internal.Runner) error {
					return r.Generate(c.Context, c.Bool("with-videos"))
				}),
			},
			{
				Name:  "diagnose",
				Usage: "estimate page load cost of the docs tree",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "json", Usage: "also write the report to this file"},
				},
				Action: withRunner(func(c *cli.Context, r *internal.Runner) error {
					return r.Diagnose(c.String("json"))
				}),
			},
			{
				Name:  "clean",
				Usage: "delete generated artifacts",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "orphans-only", Usage: "only thumbnails without a matching video"},
					&cli.BoolFlag{Name: "dry-run", Usage: "list what would be deleted"},
				},
				Action: withRunner(func(c *cli.Context, r *internal.Runner) error {
					return r.Clean(c.Bool("orphans-only"), c.Bool("dry-run"))
				}),
			},
		},
	}
}

func withRunner(action func(*cli.Context, *internal.Runner) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return cli.Exit(err, 2)
		}

		logger, err := newLogger(cfg.Logging)
		if err != nil {
			return cli.Exit(err, 2)
		}
		defer func() {
			_ = logger.Sync()
		}()

		r := internal.NewRunner(logger, cfg, term.Stdout())
		if err := action(c, r); err != nil {
			logger.Error("Command failed", zap.String("command", c.Command.Name), zap.Error(err))
			if errors.Is(err, internal.ErrNotSatisfied) {
				return cli.Exit("", 1)
			}
			return cli.Exit(err, 1)
		}
		r.PrintMetrics()

		return nil
	}
}

// loadConfig layers command line flags over the configuration file.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cfg, err
	}

	applyFlags(c, &cfg)

	if err := cfg.Resolve(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func applyFlags(c *cli.Context, cfg *config.Config) {
	str := func(name string, dst *string) {
		if c.IsSet(name) {
			*dst = c.String(name)
		}
	}
	num := func(name string, dst *int) {
		if c.IsSet(name) {
			*dst = c.Int(name)
		}
	}

	str("docs", &cfg.Paths.Docs)
	str("ledger", &cfg.Paths.Ledger)
	if c.IsSet("verbose") {
		cfg.Logging.Verbose = c.Bool("verbose")
	}
	if c.IsSet("log-json") {
		cfg.Logging.JSON = c.Bool("log-json")
	}

	if c.Command == nil {
		return
	}

	switch c.Command.Name {
	case "consolidate":
		str("input", &cfg.Paths.Records)
		str("output", &cfg.Paths.Aggregate)
		str("collision", &cfg.Consolidation.Collision)
		if c.Bool("no-compress") {
			cfg.Consolidation.Compress = false
		}
	case "thumbnails":
		str("videos", &cfg.Paths.Videos)
		str("output", &cfg.Paths.Thumbnails)
		str("timestamp", &cfg.Thumbnails.Timestamp)
		num("width", &cfg.Thumbnails.Width)
		num("quality", &cfg.Thumbnails.Quality)
		num("workers", &cfg.Thumbnails.Workers)
		if c.IsSet("timeout") {
			cfg.Thumbnails.Timeout = config.Duration{Duration: c.Duration("timeout")}
		}
	case "generate":
		str("output-info", &cfg.Paths.Records)
		str("output-videos", &cfg.Paths.Videos)
		num("count", &cfg.Generator.Count)
		num("max-depth", &cfg.Generator.MaxDepth)
		num("video-size-kb", &cfg.Generator.VideoSizeKB)
		if c.IsSet("seed") {
			cfg.Generator.Seed = c.Int64("seed")
		}
	}
}

func newLogger(opts config.Logging) (*zap.Logger, error) {
	var cfg zap.Config
	if opts.JSON {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	level := zapcore.InfoLevel
	if opts.Verbose {
		level = zapcore.DebugLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}

	return cfg.Build()
}
