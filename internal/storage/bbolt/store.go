// Package bbolt provides a BoltDB-backed document checkpoint store.
package bbolt

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/driftpad/driftpad/internal/storage"
)

const checkpointBucket = "checkpoint"

// Store persists opaque document checkpoint blobs keyed by
// (session id, resource path).
type Store struct {
	db *bbolt.DB
}

// Open opens a BoltDB-backed store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	db, err := bbolt.Open(cleanPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}

	store := &Store{db: db}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the underlying BoltDB database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(checkpointBucket)); err != nil {
			return fmt.Errorf("create checkpoint bucket: %w", err)
		}
		return nil
	})
}

// SaveCheckpoint persists a checkpoint blob.
func (s *Store) SaveCheckpoint(ctx context.Context, sessionID, resourcePath string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return fmt.Errorf("storage is not configured")
	}
	key, err := checkpointKey(sessionID, resourcePath)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(checkpointBucket))
		if bucket == nil {
			return fmt.Errorf("checkpoint bucket is missing")
		}
		if err := bucket.Put(key, data); err != nil {
			return fmt.Errorf("put checkpoint: %w", err)
		}
		return nil
	})
}

// LoadCheckpoint returns the checkpoint blob for a document, or
// storage.ErrNotFound when none has been saved.
func (s *Store) LoadCheckpoint(ctx context.Context, sessionID, resourcePath string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	key, err := checkpointKey(sessionID, resourcePath)
	if err != nil {
		return nil, err
	}

	var data []byte
	err = s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(checkpointBucket))
		if bucket == nil {
			return fmt.Errorf("checkpoint bucket is missing")
		}
		raw := bucket.Get(key)
		if raw == nil {
			return storage.ErrNotFound
		}
		data = append([]byte(nil), raw...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// DeleteSessionCheckpoints removes every checkpoint belonging to a session.
func (s *Store) DeleteSessionCheckpoints(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return fmt.Errorf("storage is not configured")
	}
	prefix := []byte(strings.TrimSpace(sessionID) + "\x00")

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(checkpointBucket))
		if bucket == nil {
			return fmt.Errorf("checkpoint bucket is missing")
		}
		cursor := bucket.Cursor()
		for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
			if err := bucket.Delete(k); err != nil {
				return fmt.Errorf("delete checkpoint: %w", err)
			}
		}
		return nil
	})
}

// checkpointKey builds the bucket key. A NUL separator keeps session IDs
// from colliding with resource path prefixes.
func checkpointKey(sessionID, resourcePath string) ([]byte, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	resourcePath = strings.TrimSpace(resourcePath)
	if resourcePath == "" {
		return nil, fmt.Errorf("resource path is required")
	}
	return []byte(sessionID + "\x00" + resourcePath), nil
}
