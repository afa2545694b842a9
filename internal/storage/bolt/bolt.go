// Package bolt stores state documents in a single bbolt database file. Each
// document is one JSON value in the documents bucket and merges run inside a
// write transaction, so concurrent Set calls never lose fields.
package bolt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/TheDevXen/airgram/internal/storage"
)

var defaultBucket = []byte("documents")

// Config controls the bbolt backend.
type Config struct {
	Path string
	// Bucket defaults to "documents".
	Bucket string
	// Timeout bounds how long Open waits for the file lock. Zero waits one second.
	Timeout time.Duration
	Crypto  *storage.Crypto
	NoSync  bool
}

// Store implements storage.Store on a bbolt database.
type Store struct {
	db     *bolt.DB
	bucket []byte
	crypto *storage.Crypto
}

// Open opens (or creates) the database at cfg.Path.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("bolt: path required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("bolt: mkdir %s: %w", filepath.Dir(cfg.Path), err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: timeout, NoSync: cfg.NoSync})
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", cfg.Path, err)
	}
	bucket := defaultBucket
	if cfg.Bucket != "" {
		bucket = []byte(cfg.Bucket)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("bolt: create bucket: %w", err)
	}
	return &Store{db: db, bucket: bucket, crypto: cfg.Crypto}, nil
}

// Backend implements storage.Describer.
func (s *Store) Backend() string { return "bolt" }

// Path returns the database file path.
func (s *Store) Path() string { return s.db.Path() }

// Get returns the stored document.
func (s *Store) Get(ctx context.Context, docKey string) (storage.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var doc storage.Document
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		doc, err = s.read(tx, docKey)
		return err
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// GetField resolves path inside the stored document.
func (s *Store) GetField(ctx context.Context, docKey, path string) (any, error) {
	parts, err := storage.SplitPath(path)
	if err != nil {
		return nil, err
	}
	doc, err := s.Get(ctx, docKey)
	if err != nil {
		return nil, err
	}
	value, ok := storage.LookupSegments(doc, parts)
	if !ok {
		return nil, storage.ErrNotFound
	}
	return value, nil
}

// Set merges partial into the document within one write transaction.
func (s *Store) Set(ctx context.Context, docKey string, partial storage.Document) (storage.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		doc, err := s.read(tx, docKey)
		if errors.Is(err, storage.ErrNotFound) {
			doc = storage.Document{}
		} else if err != nil {
			return err
		}
		if err := storage.Merge(doc, partial); err != nil {
			return err
		}
		payload, err := storage.EncodeDocument(doc)
		if err != nil {
			return err
		}
		payload, err = s.crypto.Seal(docKey, payload)
		if err != nil {
			return err
		}
		return tx.Bucket(s.bucket).Put([]byte(docKey), payload)
	})
	if err != nil {
		return nil, err
	}
	return partial, nil
}

// Delete removes the document.
func (s *Store) Delete(ctx context.Context, docKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Delete([]byte(docKey))
	})
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) read(tx *bolt.Tx, docKey string) (storage.Document, error) {
	raw := tx.Bucket(s.bucket).Get([]byte(docKey))
	if raw == nil {
		return nil, storage.ErrNotFound
	}
	// raw is only valid for the life of the transaction.
	data, err := s.crypto.Open(docKey, append([]byte(nil), raw...))
	if err != nil {
		return nil, err
	}
	return storage.DecodeDocument(data)
}
