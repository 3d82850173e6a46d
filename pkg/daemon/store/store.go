// Package store provides Badger DB-backed persistence for export manifests.
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/jamesainslie/plexport/pkg/plexport/manifest"
)

// Key prefixes for different data types
const (
	prefixManifest = "j:" // Manifest records by id
	prefixCreated  = "c:" // Creation-time index: c:<unix nanos, big endian><id>
	prefixMeta     = "m:" // Metadata (schema, etc.)
)

// ErrNotFound is returned when no manifest has the requested id.
var ErrNotFound = errors.New("manifest not found")

// Store is the manifest storage backed by Badger DB.
type Store struct {
	db *badger.DB
}

// Open opens or creates a store at the given path.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // Disable logging

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening manifest store: %w", err)
	}

	return &Store{db: db}, nil
}

// OpenInMemory opens a store that lives only as long as the process.
func OpenInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening in-memory store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

func manifestKey(id string) []byte {
	return []byte(prefixManifest + id)
}

func createdKey(created time.Time, id string) []byte {
	key := make([]byte, 0, len(prefixCreated)+8+len(id))
	key = append(key, prefixCreated...)
	key = binary.BigEndian.AppendUint64(key, uint64(created.UnixNano()))
	return append(key, id...)
}

// PutManifest stores m and its creation-time index entry.
func (s *Store) PutManifest(m *manifest.Manifest) error {
	if m == nil || m.ID == "" {
		return errors.New("manifest has no id")
	}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(manifestKey(m.ID), data); err != nil {
			return err
		}
		return txn.Set(createdKey(m.CreatedAt, m.ID), nil)
	})
}

// GetManifest retrieves a manifest by id.
func (s *Store) GetManifest(id string) (*manifest.Manifest, error) {
	var m *manifest.Manifest

	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		m, err = get(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func get(txn *badger.Txn, id string) (*manifest.Manifest, error) {
	item, err := txn.Get(manifestKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	var m manifest.Manifest
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &m)
	}); err != nil {
		return nil, fmt.Errorf("decoding manifest %s: %w", id, err)
	}
	if m.Files == nil {
		m.Files = make(map[string]manifest.FileRecord)
	}
	return &m, nil
}

// DeleteManifest removes a manifest and its index entry. Deleting an
// unknown id is not an error.
func (s *Store) DeleteManifest(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		m, err := get(txn, id)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := txn.Delete(createdKey(m.CreatedAt, id)); err != nil {
			return err
		}
		return txn.Delete(manifestKey(id))
	})
}

// ListManifests returns every manifest, newest first.
func (s *Store) ListManifests() ([]*manifest.Manifest, error) {
	var results []*manifest.Manifest

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixCreated)
		seek := append([]byte(prefixCreated), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			if len(key) <= len(prefix)+8 {
				continue // Invalid entry
			}
			id := string(key[len(prefix)+8:])

			m, err := get(txn, id)
			if errors.Is(err, ErrNotFound) {
				continue // Dangling index entry
			}
			if err != nil {
				return err
			}
			results = append(results, m)
		}
		return nil
	})

	return results, err
}

// CountManifests returns the number of stored manifests.
func (s *Store) CountManifests() (int, error) {
	var n int
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixManifest)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}
