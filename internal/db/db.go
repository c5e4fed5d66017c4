package db

import (
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
)

var bucketName = []byte("Aggregates")

// Connect opens (creating if needed) the ledger file at path.
func Connect(path string) (*bolt.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return nil, err
	}
	return bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
}

// Init creates the buckets the repository expects.
func Init(db *bolt.DB) error {
	return db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
}
