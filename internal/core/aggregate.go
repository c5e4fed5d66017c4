package core

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fedragon/assetprep/internal/db"
	"github.com/fedragon/assetprep/internal/fs"
	"github.com/fedragon/assetprep/internal/metrics"
	"github.com/fedragon/assetprep/internal/models"

	"github.com/natefinch/atomic"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
	"lukechampine.com/blake3"
)

type CollisionPolicy string

const (
	// CollisionWarn keeps the lexically last record and logs a warning.
	CollisionWarn CollisionPolicy = "warn"
	// CollisionFail aborts the aggregation.
	CollisionFail CollisionPolicy = "fail"
)

const progressEvery = 100

type Aggregator struct {
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Collision CollisionPolicy
	// Ledger is optional; when set, successful writes record their sources.
	Ledger db.Repository
	RunID  string
}

type WriteResult struct {
	// Records is the number of entries in the written aggregate.
	Records  int
	Path     string
	Size     int64
	GzipPath string
	GzipSize int64
	// GzipErr is set when the compressed sibling could not be written. The
	// primary artifact is still valid.
	GzipErr error
}

// Aggregate parses every record in sourceDir and merges them by identifier.
// Records that fail to parse are logged, counted and left out.
func (a *Aggregator) Aggregate(parentCtx context.Context, sourceDir string) (models.Aggregate, int, error) {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	agg := models.Aggregate{Entries: make(map[string]any)}
	digests := make(map[string][]byte)

	if exists, isDir, err := fs.Exists(sourceDir); err != nil {
		return agg, 0, err
	} else if !exists || !isDir {
		return agg, 0, fmt.Errorf("%w: %s", ErrInputDirMissing, sourceDir)
	}

	a.Logger.Info("Aggregating records", zap.String("source_directory", sourceDir))
	stop := a.Metrics.Record("aggregate")
	defer stop()

	var seen, failed int
	origins := make(map[string]string)

	for r := range fs.Walk(ctx, a.Metrics, sourceDir, fs.RecordTypes) {
		if r.Err != nil {
			return agg, failed, r.Err
		}
		if err := ctx.Err(); err != nil {
			return agg, failed, err
		}

		seen++
		if seen%progressEvery == 0 {
			a.Logger.Info("Processed a(nother) batch of records", zap.Int("count", seen))
		}

		data, err := os.ReadFile(r.Path)
		if err == nil {
			sum := blake3.Sum256(data)
			digests[r.ID] = sum[:]
		}

		payload, err := parse(data, err)
		if err != nil {
			a.Logger.Warn("Skipping record", zap.String("path", r.Path), zap.Error(err))
			a.Metrics.Increment("records.failed")
			failed++
			continue
		}

		if previous, ok := origins[r.ID]; ok {
			a.Metrics.Increment("records.collisions")
			if a.Collision == CollisionFail {
				return agg, failed, fmt.Errorf("%w %q: %s and %s", ErrKeyCollision, r.ID, previous, r.Path)
			}
			a.Logger.Warn("Duplicate record identifier, keeping the later file",
				zap.String("id", r.ID),
				zap.String("dropped", previous),
				zap.String("kept", r.Path))
		}

		origins[r.ID] = r.Path
		agg.Entries[r.ID] = payload
		a.Metrics.Increment("records.parsed")
	}

	if seen == 0 {
		return agg, 0, fmt.Errorf("%w in %s", ErrEmptyInput, sourceDir)
	}
	if len(agg.Entries) == 0 {
		return agg, failed, fmt.Errorf("%w: all %d records in %s failed to parse", ErrEmptyInput, failed, sourceDir)
	}

	agg.ProducedAt = time.Now()
	a.Logger.Info("Aggregated records",
		zap.Int("loaded", len(agg.Entries)),
		zap.Int("failed", failed))

	agg.Digests = digests

	return agg, failed, nil
}

func parse(data []byte, readErr error) (any, error) {
	if readErr != nil {
		return nil, readErr
	}

	var payload any
	if err := yaml.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if payload == nil {
		return nil, fmt.Errorf("%w: empty document", ErrParse)
	}

	return normalize(payload), nil
}

// normalize turns the map[any]any values yaml produces for non-string keys
// into map[string]any so the payload can be encoded as JSON.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, x := range t {
			t[k] = normalize(x)
		}
		return t
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, x := range t {
			m[fmt.Sprint(k)] = normalize(x)
		}
		return m
	case []any:
		for i, x := range t {
			t[i] = normalize(x)
		}
		return t
	default:
		return v
	}
}

// Encode serializes the entries as compact JSON with sorted keys.
func Encode(agg models.Aggregate) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(agg.Entries); err != nil {
		return nil, err
	}

	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Write encodes agg to path and, when compress is set, a gzip sibling at
// path+".gz". Both files are replaced atomically.
func (a *Aggregator) Write(agg models.Aggregate, path string, compress bool) (WriteResult, error) {
	res := WriteResult{Path: path}

	data, err := Encode(agg)
	if err != nil {
		return res, fmt.Errorf("%w: encode %s: %v", ErrIO, path, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return res, fmt.Errorf("%w: %v", ErrIO, err)
	}

	a.Logger.Info("Atomically writing aggregate", zap.String("dest", path), zap.Int("bytes", len(data)))
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return res, fmt.Errorf("%w: %v", ErrIO, err)
	}
	res.Size = int64(len(data))

	if compress {
		res.GzipPath = path + ".gz"
		size, err := writeGzip(res.GzipPath, data)
		if err != nil {
			res.GzipErr = err
			a.Logger.Error("Cannot write compressed aggregate", zap.String("dest", res.GzipPath), zap.Error(err))
		} else {
			res.GzipSize = size
		}
	}

	if a.Ledger != nil && agg.Digests != nil {
		if err := a.Ledger.Put(path, db.NewEntry(a.RunID, agg.ProducedAt, agg.Digests)); err != nil {
			a.Logger.Warn("Cannot record aggregate sources in ledger", zap.Error(err))
		}
	}

	return res, nil
}

func writeGzip(path string, data []byte) (int64, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return 0, err
	}
	if _, err := zw.Write(data); err != nil {
		return 0, err
	}
	if err := zw.Close(); err != nil {
		return 0, err
	}

	size := int64(buf.Len())
	if err := atomic.WriteFile(path, &buf); err != nil {
		return 0, err
	}
	return size, nil
}

// Consolidate aggregates sourceDir and writes the result to path.
func (a *Aggregator) Consolidate(ctx context.Context, sourceDir, path string, compress bool) (WriteResult, int, error) {
	agg, failed, err := a.Aggregate(ctx, sourceDir)
	if err != nil {
		return WriteResult{}, failed, err
	}

	res, err := a.Write(agg, path, compress)
	res.Records = len(agg.Entries)
	if err != nil {
		return res, failed, err
	}
	if compress && res.GzipErr == nil {
		a.Logger.Info("Wrote compressed aggregate", zap.String("dest", res.GzipPath), zap.Int64("bytes", res.GzipSize))
	}

	return res, failed, nil
}
