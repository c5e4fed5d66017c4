package fs

import (
	"context"
	"errors"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fedragon/assetprep/internal/metrics"
	"github.com/fedragon/assetprep/internal/models"

	"lukechampine.com/blake3"
)

const (
	YML  = ".yml"
	YAML = ".yaml"
	JSON = ".json"
	JPG  = ".jpg"
	MP4  = ".mp4"
	WEBM = ".webm"
	AVI  = ".avi"
	MOV  = ".mov"
	JS   = ".js"
	CSS  = ".css"
)

var (
	RecordTypes = []string{YML, YAML}
	VideoTypes  = []string{MP4, WEBM, AVI, MOV}
)

// File is a regular file found by List.
type File struct {
	Path    string
	Stem    string
	Ext     string
	Size    int64
	ModTime time.Time
}

// Stem returns the file name without its extension.
func Stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func matches(typesMap map[string]bool, name string) bool {
	if len(typesMap) == 0 {
		return true
	}
	return typesMap[strings.ToLower(filepath.Ext(name))]
}

func typeSet(fileTypes []string) map[string]bool {
	typesMap := make(map[string]bool, len(fileTypes))
	for _, t := range fileTypes {
		typesMap[strings.ToLower(t)] = true
	}
	return typesMap
}

// List returns the regular files directly inside dir whose extension is one
// of fileTypes, sorted by name. Subdirectories are not descended into.
func List(dir string, fileTypes []string) ([]File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	typesMap := typeSet(fileTypes)
	files := make([]File, 0, len(entries))
	for _, d := range entries {
		if d.IsDir() || !matches(typesMap, d.Name()) {
			continue
		}

		info, err := d.Info()
		if err != nil {
			if errors.Is(err, iofs.ErrNotExist) {
				// removed between ReadDir and Info
				continue
			}
			return nil, err
		}
		if !info.Mode().IsRegular() {
			continue
		}

		files = append(files, File{
			Path:    filepath.Join(dir, d.Name()),
			Stem:    Stem(d.Name()),
			Ext:     strings.ToLower(filepath.Ext(d.Name())),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	return files, nil
}

// Walk streams the files List would return as records. A listing error is
// sent as the last record. The channel is closed once ctx is done.
func Walk(ctx context.Context, mx *metrics.Metrics, dir string, fileTypes []string) <-chan models.Record {
	records := make(chan models.Record)

	go func() {
		defer close(records)

		files, err := List(dir, fileTypes)
		if err != nil {
			select {
			case records <- models.Record{Err: err}:
			case <-ctx.Done():
			}
			return
		}

		for _, f := range files {
			mx.Increment("walk")
			select {
			case records <- models.Record{ID: f.Stem, Path: f.Path, ModTime: f.ModTime}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return records
}

// Stems returns the set of stems of files.
func Stems(files []File) map[string]bool {
	stems := make(map[string]bool, len(files))
	for _, f := range files {
		stems[f.Stem] = true
	}
	return stems
}

// Newest returns the latest modification time among files.
func Newest(files []File) time.Time {
	var newest time.Time
	for _, f := range files {
		if f.ModTime.After(newest) {
			newest = f.ModTime
		}
	}
	return newest
}

// TotalSize sums the size of files.
func TotalSize(files []File) int64 {
	var total int64
	for _, f := range files {
		total += f.Size
	}
	return total
}

// Exists reports whether path exists, and whether it is a directory.
func Exists(path string) (exists bool, isDir bool, err error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return false, false, nil
		}
		return false, false, err
	}
	return true, info.IsDir(), nil
}

// Digest returns the BLAKE3-256 digest of the file content.
func Digest(mx *metrics.Metrics, path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stop := mx.Record("digest")
	defer stop()

	h := blake3.New(32, nil)
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}

	return h.Sum(nil), nil
}
