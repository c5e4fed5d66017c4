package models

import (
	"sort"
	"time"
)

// Record is one metadata file found in the source directory.
type Record struct {
	ID      string
	Path    string
	ModTime time.Time
	Err     error `json:"-"`
}

// Aggregate is the merged document written by the aggregator.
type Aggregate struct {
	Entries    map[string]any
	ProducedAt time.Time
	// Digests maps the stem of every source seen, parsed or not, to the
	// BLAKE3 digest of its content.
	Digests map[string][]byte
}

// Keys returns the entry identifiers in lexical order.
func (a Aggregate) Keys() []string {
	keys := make([]string, 0, len(a.Entries))
	for k := range a.Entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type Verdict string

const (
	Missing    Verdict = "missing"
	OK         Verdict = "ok"
	Stale      Verdict = "stale"
	Incomplete Verdict = "incomplete"
	Empty      Verdict = "empty"
	// Unverified is an ok whose freshness could not be established because
	// the source directory holds no records.
	Unverified Verdict = "unverified"
)

// Current reports whether no regeneration is needed for the verdict.
func (v Verdict) Current() bool {
	return v == OK || v == Unverified
}

type AggregateReport struct {
	Verdict     Verdict
	Path        string
	ArtifactAt  time.Time
	NewestInput time.Time
	Sources     int
	// Reason is a short explanation for non-ok verdicts.
	Reason string
}

type DerivedReport struct {
	Verdict  Verdict
	Dir      string
	Sources  int
	Derived  int
	Missing  []string
	Orphaned []string
}

// Task is a single unit of work handed to the thumbnail worker pool.
type Task struct {
	ID     string
	Input  string
	Output string
}

type Outcome struct {
	Task    Task
	Err     error
	Elapsed time.Duration
}
