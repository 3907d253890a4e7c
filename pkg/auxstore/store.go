// Package auxstore implements the world's shared auxiliary key/value store.
//
// The store is backed by a bbolt database that is opened lazily on first
// access. Writes are buffered in memory and persisted by SaveAndClose, so a
// run that fails before SaveAndClose leaves the database untouched.
package auxstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/eunmann/worldup/pkg/logging"
	"github.com/eunmann/worldup/pkg/tag"
)

// ErrClosed indicates use of the store after SaveAndClose.
var ErrClosed = errors.New("auxiliary store closed")

var dataBucket = []byte("data")

// Store is a lazily opened, record-valued key/value store.
// It is safe for concurrent use.
type Store struct {
	path string

	mu     sync.Mutex
	db     *bolt.DB
	closed bool
	dirty  map[string]tag.Compound
}

// New returns a store for the database at path. Nothing is opened until the
// first Get or Set.
func New(path string) *Store {
	return &Store{
		path:  path,
		dirty: make(map[string]tag.Compound),
	}
}

// Path returns the database path.
func (s *Store) Path() string {
	return s.path
}

// Opened reports whether the database has been opened.
func (s *Store) Opened() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db != nil
}

func (s *Store) openLocked() error {
	if s.closed {
		return ErrClosed
	}
	if s.db != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create auxiliary store dir: %w", err)
	}
	db, err := bolt.Open(s.path, 0o600, nil)
	if err != nil {
		return fmt.Errorf("open auxiliary store %q: %w", s.path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(dataBucket)
		return err
	}); err != nil {
		db.Close()
		return fmt.Errorf("create bucket: %w", err)
	}
	logging.L().Debug().Str("path", s.path).Msg("opened auxiliary store")
	s.db = db
	return nil
}

// Get returns the record stored under key. The returned record is a copy.
func (s *Store) Get(key string) (tag.Compound, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.openLocked(); err != nil {
		return nil, false, err
	}

	if rec, ok := s.dirty[key]; ok {
		return rec.Clone(), true, nil
	}

	var raw []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(dataBucket).Get([]byte(key)); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	}); err != nil {
		return nil, false, fmt.Errorf("read %q: %w", key, err)
	}
	if raw == nil {
		return nil, false, nil
	}
	rec, err := tag.Decode(raw)
	if err != nil {
		return nil, false, fmt.Errorf("decode %q: %w", key, err)
	}
	return rec, true, nil
}

// Set stores a copy of rec under key. It is persisted by SaveAndClose.
func (s *Store) Set(key string, rec tag.Compound) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.openLocked(); err != nil {
		return err
	}
	s.dirty[key] = rec.Clone()
	return nil
}

// SaveAndClose persists buffered writes and closes the database. A store
// that was never opened is only marked closed.
func (s *Store) SaveAndClose() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.db == nil {
		return nil
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(dataBucket)
		for key, rec := range s.dirty {
			raw, err := tag.Encode(rec)
			if err != nil {
				return fmt.Errorf("encode %q: %w", key, err)
			}
			if err := b.Put([]byte(key), raw); err != nil {
				return fmt.Errorf("put %q: %w", key, err)
			}
		}
		return nil
	})
	saved := len(s.dirty)
	s.dirty = nil

	if cerr := s.db.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("close auxiliary store: %w", cerr)
	}
	s.db = nil
	if err != nil {
		return err
	}
	logging.L().Debug().Str("path", s.path).Int("records_saved", saved).Msg("saved auxiliary store")
	return nil
}
