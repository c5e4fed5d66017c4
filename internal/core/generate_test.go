package core

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"gopkg.in/yaml.v3"
)

func generatorConfig(root string) GeneratorConfig {
	return GeneratorConfig{
		Count:            20,
		Robots:           4,
		Effectors:        4,
		Scenes:           6,
		ObjectCategories: 8,
		MaxDepth:         3,
		Seed:             42,
		VideoSizeKB:      100,
		InfoDir:          filepath.Join(root, "dataset_info"),
		VideoDir:         filepath.Join(root, "videos"),
	}
}

func TestGenerateRecordsAggregate(t *testing.T) {
	root := t.TempDir()
	g := &Generator{Config: generatorConfig(root), Logger: logger, Metrics: mx}

	res, err := g.Generate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Records != 20 {
		t.Fatalf("Expected 20 records but got %v instead", res.Records)
	}

	agg, failures, err := newAggregator().Aggregate(context.Background(), g.Config.InfoDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(agg.Entries) != 20 || failures != 0 {
		t.Errorf("Expected 20 entries and no failures but got %v and %v instead", len(agg.Entries), failures)
	}

	for id, payload := range agg.Entries {
		m := payload.(map[string]any)
		if m["dataset_name"] != id {
			t.Errorf("Expected dataset_name %v but got %v instead", id, m["dataset_name"])
		}
	}
}

func TestGenerateIsDeterministic(t *testing.T) {
	a := &Generator{Config: generatorConfig(t.TempDir()), Logger: logger, Metrics: mx}
	b := &Generator{Config: generatorConfig(t.TempDir()), Logger: logger, Metrics: mx}
	a.init()
	b.init()

	for i := 0; i < 5; i++ {
		x, err := a.Dataset()
		if err != nil {
			t.Fatal(err)
		}
		y, err := b.Dataset()
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(x, y) {
			t.Errorf("Expected the same dataset for the same seed but got %+v and %+v", x, y)
		}
	}
}

func TestGenerateObjectDepth(t *testing.T) {
	cfg := generatorConfig(t.TempDir())
	cfg.MaxDepth = 1
	g := &Generator{Config: cfg, Logger: logger, Metrics: mx}
	g.init()

	info, err := g.Dataset()
	if err != nil {
		t.Fatal(err)
	}

	out, err := yaml.Marshal(info.Objects[0])
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := yaml.Unmarshal(out, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["level1"] == nil || decoded["level2"] != nil {
		t.Errorf("Expected only level1 to be set but got %v instead", decoded)
	}
	if _, ok := decoded["level5"]; !ok {
		t.Errorf("Expected level5 to be present as null but got %v instead", decoded)
	}
}

func TestGenerateWithVideos(t *testing.T) {
	cfg := generatorConfig(t.TempDir())
	cfg.Count = 3
	cfg.WithVideos = true

	runner := &fakeRunner{}
	g := &Generator{Config: cfg, Runner: runner, NumWorkers: 2, Logger: logger, Metrics: mx}

	res, err := g.Generate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Videos.Succeeded != 3 {
		t.Errorf("Expected 3 videos but got %+v instead", res.Videos)
	}

	entries, err := os.ReadDir(cfg.VideoDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Errorf("Expected 3 video files but got %v instead", len(entries))
	}
}
