package db

import (
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newRepo(t *testing.T) Repository {
	t.Helper()

	dbase, err := Connect(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = dbase.Close() })

	repo, err := NewRepository(dbase, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return repo
}

func TestPutGet(t *testing.T) {
	repo := newRepo(t)
	artifact := filepath.Join(t.TempDir(), "consolidated_datasets.json")

	got, err := repo.Get(artifact)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("Expected no entry but got %v instead", got)
	}

	entry := NewEntry("run-1", time.Now().UTC().Truncate(time.Second), map[string][]byte{
		"a": {0x01},
		"b": {0x02},
	})
	if err := repo.Put(artifact, entry); err != nil {
		t.Fatal(err)
	}

	got, err = repo.Get(artifact)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || !reflect.DeepEqual(got.Sources, entry.Sources) || got.RunID != "run-1" {
		t.Errorf("Expected %v but got %v instead", entry, got)
	}

	if err := repo.Delete(artifact); err != nil {
		t.Fatal(err)
	}
	if got, _ := repo.Get(artifact); got != nil {
		t.Errorf("Expected entry to be deleted but got %v instead", got)
	}
}

func TestCompare(t *testing.T) {
	entry := NewEntry("run-1", time.Now(), map[string][]byte{
		"a": {0x01},
		"b": {0x02},
		"c": {0x03},
	})

	cases := []struct {
		name     string
		current  map[string][]byte
		expected Drift
	}{
		{
			name:    "unchanged sources have no drift",
			current: map[string][]byte{"a": {0x01}, "b": {0x02}, "c": {0x03}},
		},
		{
			name:     "added, removed and changed sources are reported",
			current:  map[string][]byte{"a": {0x01}, "b": {0xff}, "d": {0x04}},
			expected: Drift{Added: []string{"d"}, Removed: []string{"c"}, Changed: []string{"b"}},
		},
	}

	for _, c := range cases {
		got := entry.Compare(c.current)
		if got.Empty() != c.expected.Empty() ||
			!equalStrings(got.Added, c.expected.Added) ||
			!equalStrings(got.Removed, c.expected.Removed) ||
			!equalStrings(got.Changed, c.expected.Changed) {
			t.Errorf("%v\n\tExpected %+v but got %+v instead", c.name, c.expected, got)
		}
	}
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
