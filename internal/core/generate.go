package core

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/fedragon/assetprep/internal/ffmpeg"
	"github.com/fedragon/assetprep/internal/fs"
	"github.com/fedragon/assetprep/internal/metrics"
	"github.com/fedragon/assetprep/internal/models"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var (
	robotPrefixes  = []string{"unitree", "boston", "agility", "pal", "fetch", "clearpath"}
	robotModels    = []string{"g1", "h1", "spot", "atlas", "pepper", "cassie", "digit", "tiago", "freight"}
	gripperTypes   = []string{"finger", "jaw", "claw", "pinch"}
	fingerCounts   = []string{"two", "three", "five"}
	sceneTypes     = []string{"home", "restaurant", "office", "warehouse", "laboratory", "kitchen", "factory", "hospital", "store", "cafe"}
	atomicActions  = []string{"grasp", "place", "pick", "push", "pull", "rotate", "lift", "lower", "slide", "insert", "remove", "flip"}
	taskActions    = []string{"pick", "place", "stack", "move", "arrange"}
	baseCategories = []string{"fruit", "container", "furniture", "food", "toy", "utensil", "textile", "beverage", "tool", "electronics", "stationery", "kitchenware"}
)

// GeneratorConfig describes a synthetic dataset collection.
type GeneratorConfig struct {
	Count            int
	Robots           int
	Effectors        int
	Scenes           int
	ObjectCategories int
	// MaxDepth bounds the object hierarchy depth, 1 to 5.
	MaxDepth    int
	Seed        int64
	WithVideos  bool
	VideoSizeKB int
	InfoDir     string
	VideoDir    string
}

type Object struct {
	ObjectName string  `yaml:"object_name"`
	Level1     *string `yaml:"level1"`
	Level2     *string `yaml:"level2"`
	Level3     *string `yaml:"level3"`
	Level4     *string `yaml:"level4"`
	Level5     *string `yaml:"level5"`
}

// DatasetInfo is the metadata record written for each synthetic dataset.
type DatasetInfo struct {
	DatasetName             string   `yaml:"dataset_name"`
	DatasetUUID             string   `yaml:"dataset_uuid"`
	TaskDescriptions        []string `yaml:"task_descriptions"`
	SceneType               []string `yaml:"scene_type"`
	AtomicActions           []string `yaml:"atomic_actions"`
	Objects                 []Object `yaml:"objects"`
	OperationPlatformHeight float64  `yaml:"operation_platform_height"`
	DeviceModel             []string `yaml:"device_model"`
	EndEffectorType         string   `yaml:"end_effector_type"`
}

type Generator struct {
	Config     GeneratorConfig
	Runner     ffmpeg.Runner
	NumWorkers int
	Timeout    time.Duration
	Logger     *zap.Logger
	Metrics    *metrics.Metrics

	rng        *rand.Rand
	robots     []string
	effectors  []string
	scenes     []string
	categories []string
	objects    map[string][]string
}

type GenerateResult struct {
	Records int
	Videos  BatchResult
}

func pick(rng *rand.Rand, xs []string) string {
	return xs[rng.Intn(len(xs))]
}

func sample(rng *rand.Rand, xs []string, n int) []string {
	if n > len(xs) {
		n = len(xs)
	}
	out := make([]string, 0, n)
	for _, i := range rng.Perm(len(xs))[:n] {
		out = append(out, xs[i])
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (g *Generator) init() {
	cfg := g.Config
	g.rng = rand.New(rand.NewSource(cfg.Seed))

	g.robots = make([]string, 0, cfg.Robots)
	for i := 0; i < cfg.Robots; i++ {
		g.robots = append(g.robots, pick(g.rng, robotPrefixes)+"_"+pick(g.rng, robotModels))
	}

	g.effectors = make([]string, 0, cfg.Effectors)
	for i := 0; i < cfg.Effectors; i++ {
		if i == cfg.Effectors-1 {
			g.effectors = append(g.effectors, "suction_cup")
			continue
		}
		g.effectors = append(g.effectors, fmt.Sprintf("%s_%s_gripper", pick(g.rng, fingerCounts), pick(g.rng, gripperTypes)))
	}

	g.scenes = sceneTypes[:clamp(cfg.Scenes, 1, len(sceneTypes))]
	g.categories = baseCategories[:clamp(cfg.ObjectCategories, 1, len(baseCategories))]

	g.objects = make(map[string][]string, len(g.categories))
	for _, cat := range g.categories {
		n := 3 + g.rng.Intn(3)
		items := make([]string, 0, n)
		for i := 0; i < n; i++ {
			items = append(items, fmt.Sprintf("%s_%c", cat, 'a'+i))
		}
		g.objects[cat] = items
	}
}

func (g *Generator) object(cat, name string) Object {
	depth := 1 + g.rng.Intn(clamp(g.Config.MaxDepth, 1, 5))
	levels := []string{cat, name, name + "_sub1", name + "_sub2", name + "_sub3"}

	o := Object{ObjectName: name}
	slots := []**string{&o.Level1, &o.Level2, &o.Level3, &o.Level4, &o.Level5}
	for i := 0; i < depth; i++ {
		v := levels[i]
		*slots[i] = &v
	}
	return o
}

// Dataset returns the next synthetic record.
func (g *Generator) Dataset() (DatasetInfo, error) {
	cat1 := pick(g.rng, g.categories)
	obj1 := pick(g.rng, g.objects[cat1])
	cat2 := pick(g.rng, g.categories)
	obj2 := pick(g.rng, g.objects[cat2])
	action := pick(g.rng, taskActions)

	id, err := uuid.NewRandomFromReader(g.rng)
	if err != nil {
		return DatasetInfo{}, err
	}

	return DatasetInfo{
		DatasetName:             fmt.Sprintf("%s_%s_to_%s_%d", action, obj1, obj2, 1000+g.rng.Intn(9000)),
		DatasetUUID:             id.String(),
		TaskDescriptions:        []string{fmt.Sprintf("%s_the_%s_and_place_in_the_%s", action, obj1, obj2)},
		SceneType:               sample(g.rng, g.scenes, 1+g.rng.Intn(clamp(3, 1, len(g.scenes)))),
		AtomicActions:           sample(g.rng, atomicActions, 2+g.rng.Intn(3)),
		Objects:                 []Object{g.object(cat1, obj1), g.object(cat2, obj2)},
		OperationPlatformHeight: float64(700+g.rng.Intn(201)) / 10,
		DeviceModel:             []string{pick(g.rng, g.robots)},
		EndEffectorType:         pick(g.rng, g.effectors),
	}, nil
}

// Generate writes Config.Count records and, when requested, a placeholder
// video per record.
func (g *Generator) Generate(ctx context.Context) (GenerateResult, error) {
	cfg := g.Config
	if cfg.Count < 1 {
		return GenerateResult{}, fmt.Errorf("count must be positive, got %d", cfg.Count)
	}
	if cfg.Robots < 1 || cfg.Effectors < 1 {
		return GenerateResult{}, fmt.Errorf("robots and effectors must be positive")
	}
	g.init()

	if err := os.MkdirAll(cfg.InfoDir, os.ModePerm); err != nil {
		return GenerateResult{}, fmt.Errorf("%w: %v", ErrIO, err)
	}

	g.Logger.Info("Generating datasets", zap.Int("count", cfg.Count), zap.String("target_directory", cfg.InfoDir))

	names := make(map[string]bool, cfg.Count)
	tasks := make([]models.Task, 0, cfg.Count)
	for attempts := 0; len(names) < cfg.Count; attempts++ {
		if attempts > cfg.Count*100 {
			return GenerateResult{Records: len(names)}, fmt.Errorf("cannot find %d unique dataset names, stopped at %d", cfg.Count, len(names))
		}
		if err := ctx.Err(); err != nil {
			return GenerateResult{Records: len(names)}, err
		}

		info, err := g.Dataset()
		if err != nil {
			return GenerateResult{Records: len(names)}, err
		}
		if names[info.DatasetName] {
			continue
		}
		names[info.DatasetName] = true

		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(&info); err != nil {
			return GenerateResult{Records: len(names) - 1}, err
		}
		if err := enc.Close(); err != nil {
			return GenerateResult{Records: len(names) - 1}, err
		}

		path := filepath.Join(cfg.InfoDir, info.DatasetName+fs.YML)
		if err := atomic.WriteFile(path, &buf); err != nil {
			return GenerateResult{Records: len(names) - 1}, fmt.Errorf("%w: %v", ErrIO, err)
		}
		g.Metrics.Increment("generate.records")

		if len(names)%progressEvery == 0 {
			g.Logger.Info("Generated a(nother) batch of datasets", zap.Int("count", len(names)))
		}

		tasks = append(tasks, models.Task{
			ID:     info.DatasetName,
			Output: filepath.Join(cfg.VideoDir, info.DatasetName+fs.MP4),
		})
	}

	res := GenerateResult{Records: len(names)}
	if !cfg.WithVideos {
		return res, nil
	}

	if err := os.MkdirAll(cfg.VideoDir, os.ModePerm); err != nil {
		return res, fmt.Errorf("%w: %v", ErrIO, err)
	}

	opts := ffmpeg.VideoForSize(cfg.VideoSizeKB)
	pool := &Pool{NumWorkers: g.NumWorkers, Timeout: g.Timeout, Logger: g.Logger, Name: "videos"}
	res.Videos = pool.Run(ctx, tasks, func(ctx context.Context, task models.Task) error {
		if err := ffmpeg.Synthesize(ctx, g.Runner, task.Output, opts); err != nil {
			g.Metrics.Increment("generate.videos_failed")
			return fmt.Errorf("%w: %v", ErrToolFailure, err)
		}
		g.Metrics.Increment("generate.videos")
		return nil
	})

	return res, nil
}
