package storage

import (
	"errors"
	"fmt"

	"github.com/jamesainslie/plexport/pkg/plexport/logging"
	"github.com/jamesainslie/plexport/pkg/plexport/manifest"
)

// Tiered writes to a primary tier and degrades to memory.
type Tiered struct {
	primary Tier
	memory  *Memory
	log     *logging.Logger
}

// NewTiered combines primary with an in-memory fallback. primary may be nil,
// in which case every file is kept in memory.
func NewTiered(primary Tier) *Tiered {
	return &Tiered{primary: primary, memory: NewMemory(), log: logging.Get("storage")}
}

// Save stores data. Probe or write failures on the primary tier are logged
// and the file is kept in memory; Save only fails if memory does too.
func (t *Tiered) Save(data []byte, rec manifest.FileRecord) (SaveResult, error) {
	if t.primary != nil {
		err := t.primary.Probe(int64(len(data)))
		if err == nil {
			var ref string
			if ref, err = t.primary.Save(data, rec); err == nil {
				return SaveResult{Ref: ref, Tier: t.primary.Name()}, nil
			}
		}
		t.log.Warn("keeping file in memory", "file", rec.ID, "tier", t.primary.Name(), "error", err)
	}

	ref, err := t.memory.Save(data, rec)
	if err != nil {
		return SaveResult{}, fmt.Errorf("saving %s in memory: %w", rec.ID, err)
	}
	return SaveResult{Ref: ref, Tier: t.memory.Name(), InMemoryOnly: true}, nil
}

// Read returns the bytes of a stored record from the tier it lives in.
func (t *Tiered) Read(rec manifest.FileRecord) ([]byte, error) {
	if rec.InMemoryOnly || t.primary == nil {
		return t.memory.Read(rec.ID)
	}
	return t.primary.Read(rec.Path)
}

// Primary returns a reader over the primary tier.
func (t *Tiered) Primary() Reader {
	if t.primary == nil {
		return missingTier{}
	}
	return t.primary
}

// Readers returns the persistent and memory readers used for packing.
func (t *Tiered) Readers() (persistent, memory Reader) {
	return t.Primary(), t.memory
}

// Memory returns the in-memory tier.
func (t *Tiered) Memory() *Memory {
	return t.memory
}

// Dispose clears memory and removes the primary tier's files when it
// supports disposal.
func (t *Tiered) Dispose() error {
	t.memory.Clear()
	if d, ok := t.primary.(interface{ Dispose() error }); ok {
		return d.Dispose()
	}
	return nil
}

// Reader reads stored bytes back by reference.
type Reader interface {
	Read(ref string) ([]byte, error)
}

type missingTier struct{}

func (missingTier) Read(ref string) ([]byte, error) {
	return nil, errors.Join(ErrNotFound, fmt.Errorf("no persistent tier for %s", ref))
}
