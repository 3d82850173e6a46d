package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/jamesainslie/plexport/pkg/plexport/manifest"
)

// MigrationProgress reports migration progress.
type MigrationProgress struct {
	FromVersion int
	ToVersion   int
	Total       int
	Done        int
	ManifestID  string
}

// MigrationProgressFunc is called with progress updates during migration.
type MigrationProgressFunc func(MigrationProgress)

// Migrate runs any pending migrations to bring the database up to current schema.
// Returns the number of migrations run, or an error.
func (s *Store) Migrate(ctx context.Context, onProgress MigrationProgressFunc) (int, error) {
	schema := s.GetSchema()
	fromVersion := 0
	if schema != nil {
		fromVersion = schema.Version
	} else if s.hasAnyManifests() {
		// Manifests but no schema = v1 (original format)
		fromVersion = 1
	} else {
		// Fresh database: nothing to convert
		return 0, s.SetSchema(&Schema{Version: CurrentSchemaVersion, UpdatedAt: time.Now()})
	}

	if fromVersion >= CurrentSchemaVersion {
		return 0, nil // Already up to date
	}

	migrationsRun := 0

	// Run migrations in order
	for version := fromVersion + 1; version <= CurrentSchemaVersion; version++ {
		select {
		case <-ctx.Done():
			return migrationsRun, ctx.Err()
		default:
		}

		var err error
		switch version {
		case 2:
			err = s.migrateToV2(ctx, onProgress)
		}

		if err != nil {
			return migrationsRun, err
		}

		// Update schema version after each successful migration
		if err := s.SetSchema(&Schema{
			Version:   version,
			UpdatedAt: time.Now(),
		}); err != nil {
			return migrationsRun, err
		}

		migrationsRun++
	}

	return migrationsRun, nil
}

// migrateToV2 recomputes progress counters and builds the creation-time
// index from existing manifests.
func (s *Store) migrateToV2(ctx context.Context, onProgress MigrationProgressFunc) error {
	var manifests []*manifest.Manifest

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixManifest)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			err := it.Item().Value(func(val []byte) error {
				var m manifest.Manifest
				if err := json.Unmarshal(val, &m); err != nil {
					return nil //nolint:nilerr // intentionally skip malformed records
				}
				manifests = append(manifests, &m)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	total := len(manifests)
	for i, m := range manifests {
		if m.Files == nil {
			m.Files = make(map[string]manifest.FileRecord)
		}
		m.RecomputeProgress()
		if err := s.PutManifest(m); err != nil {
			return err
		}
		if onProgress != nil {
			onProgress(MigrationProgress{
				FromVersion: 1,
				ToVersion:   2,
				Total:       total,
				Done:        i + 1,
				ManifestID:  m.ID,
			})
		}
	}

	return nil
}
