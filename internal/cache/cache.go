// Package cache keeps the last fetched copy of each document on disk so the
// agent can open a file while the server is unreachable.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketDocuments = []byte("documents")

// ErrMiss is returned by Get when the document was never cached.
var ErrMiss = errors.New("cache: miss")

// Entry is a cached document.
type Entry struct {
	FileID    string    `json:"file_id"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updated_at"`
	FetchedAt time.Time `json:"fetched_at"`
}

type Cache struct {
	db *bolt.DB
}

// Open opens or creates the cache file.
func Open(path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDocuments)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cache bucket: %w", err)
	}
	return &Cache{db: db}, nil
}

func (c *Cache) Get(fileID string) (Entry, error) {
	var e Entry
	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketDocuments).Get([]byte(fileID))
		if v == nil {
			return ErrMiss
		}
		return json.Unmarshal(v, &e)
	})
	if err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (c *Cache) Put(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDocuments).Put([]byte(e.FileID), data)
	})
}

// Delete removes a cached document. Missing entries are not an error.
func (c *Cache) Delete(fileID string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDocuments).Delete([]byte(fileID))
	})
}

func (c *Cache) Close() error { return c.db.Close() }
