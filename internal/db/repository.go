package db

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/boltdb/bolt"
	"go.uber.org/zap"
)

// Entry describes the sources an aggregate was produced from.
type Entry struct {
	RunID      string            `json:"run_id"`
	ProducedAt time.Time         `json:"produced_at"`
	Sources    map[string]string `json:"sources"` // stem -> hex digest
}

// Drift lists how the current sources differ from the ones an aggregate was
// produced from.
type Drift struct {
	Added   []string
	Removed []string
	Changed []string
}

func (d Drift) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

type Repository interface {
	Get(artifact string) (*Entry, error)
	Put(artifact string, entry Entry) error
	Delete(artifact string) error
}

type BoltRepository struct {
	db     *bolt.DB
	logger *zap.Logger
}

func NewRepository(db *bolt.DB, logger *zap.Logger) (Repository, error) {
	if err := Init(db); err != nil {
		return nil, err
	}

	return &BoltRepository{
		db:     db,
		logger: logger,
	}, nil
}

func key(artifact string) []byte {
	if abs, err := filepath.Abs(artifact); err == nil {
		artifact = abs
	}
	return []byte(filepath.Clean(artifact))
}

// Get returns the entry recorded for the artifact, or nil when there is none.
func (r *BoltRepository) Get(artifact string) (*Entry, error) {
	var entry *Entry

	err := r.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		if bucket == nil {
			return fmt.Errorf("bucket %s doesn't exist", string(bucketName))
		}

		bytes := bucket.Get(key(artifact))
		if bytes == nil {
			return nil
		}

		var e Entry
		if err := json.Unmarshal(bytes, &e); err != nil {
			return err
		}
		entry = &e

		return nil
	})

	return entry, err
}

func (r *BoltRepository) Put(artifact string, entry Entry) error {
	marshalled, err := json.Marshal(&entry)
	if err != nil {
		return err
	}

	return r.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		if bucket == nil {
			return errors.New("bucket doesn't exist")
		}

		r.logger.Debug("Recording aggregate sources",
			zap.String("artifact", artifact),
			zap.Int("sources", len(entry.Sources)))

		return bucket.Put(key(artifact), marshalled)
	})
}

func (r *BoltRepository) Delete(artifact string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		if bucket == nil {
			return errors.New("bucket doesn't exist")
		}
		return bucket.Delete(key(artifact))
	})
}

// Compare reports the drift between the recorded sources and current, both
// mapping stem to digest.
func (e *Entry) Compare(current map[string][]byte) Drift {
	var d Drift

	for stem, digest := range current {
		recorded, ok := e.Sources[stem]
		if !ok {
			d.Added = append(d.Added, stem)
			continue
		}
		if recorded != hex.EncodeToString(digest) {
			d.Changed = append(d.Changed, stem)
		}
	}
	for stem := range e.Sources {
		if _, ok := current[stem]; !ok {
			d.Removed = append(d.Removed, stem)
		}
	}

	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Changed)

	return d
}

// NewEntry builds an entry from stem -> digest.
func NewEntry(runID string, producedAt time.Time, digests map[string][]byte) Entry {
	sources := make(map[string]string, len(digests))
	for stem, digest := range digests {
		sources[stem] = hex.EncodeToString(digest)
	}

	return Entry{RunID: runID, ProducedAt: producedAt, Sources: sources}
}
