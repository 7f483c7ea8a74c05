package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/scan-gate/internal/domain"
	"go.etcd.io/bbolt"
)

var grantsBucket = []byte("first_contact_grants")

// BoltStore implements GrantStore backed by a BBolt database.
// Each grant is one key (user ID) holding a JSON-encoded record.
type BoltStore struct {
	db *bbolt.DB
}

var _ GrantStore = (*BoltStore)(nil)

// NewBolt opens a BBolt database at path.
func NewBolt(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create bolt directory: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(grantsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create grants bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Load returns every persisted grant.
func (s *BoltStore) Load(_ context.Context) ([]domain.GrantRecord, error) {
	var records []domain.GrantRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(grantsBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var rec domain.GrantRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode grant %s: %w", k, err)
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Save replaces the bucket contents in one transaction.
func (s *BoltStore) Save(_ context.Context, records []domain.GrantRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(grantsBucket) != nil {
			if err := tx.DeleteBucket(grantsBucket); err != nil {
				return fmt.Errorf("reset grants bucket: %w", err)
			}
		}
		b, err := tx.CreateBucket(grantsBucket)
		if err != nil {
			return fmt.Errorf("create grants bucket: %w", err)
		}
		for _, rec := range records {
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(rec.UserID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Ping checks that the database is still open.
func (s *BoltStore) Ping(_ context.Context) error {
	return s.db.View(func(*bbolt.Tx) error { return nil })
}

// Close closes the underlying BBolt database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
