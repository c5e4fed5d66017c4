package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fedragon/assetprep/internal/db"
	"github.com/fedragon/assetprep/internal/metrics"

	"go.uber.org/zap"
)

var (
	logger = zap.NewNop()
	mx     = metrics.NoMetrics()
	past   = time.Now().Add(-time.Hour).Truncate(time.Second)
	future = time.Now().Add(time.Hour).Truncate(time.Second)
)

func write(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if !mtime.IsZero() {
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			t.Fatal(err)
		}
	}
}

func newLedger(t *testing.T) db.Repository {
	t.Helper()

	dbase, err := db.Connect(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = dbase.Close() })

	repo, err := db.NewRepository(dbase, logger)
	if err != nil {
		t.Fatal(err)
	}
	return repo
}

// fakeRunner writes the last argument as output file. Inputs whose path
// contains "broken" fail and inputs containing "slow" block until the
// context ends.
type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
}

func (f *fakeRunner) Run(ctx context.Context, args ...string) error {
	f.mu.Lock()
	f.calls = append(f.calls, args)
	f.mu.Unlock()

	joined := strings.Join(args, " ")
	if strings.Contains(joined, "broken") {
		return errors.New("exit status 1")
	}
	if strings.Contains(joined, "slow") {
		<-ctx.Done()
		return ctx.Err()
	}

	return os.WriteFile(args[len(args)-1], []byte("frame"), 0o644)
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
