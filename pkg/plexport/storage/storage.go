// Package storage keeps downloaded assets until they are packed. Files go
// to a quota-bound directory tree when possible and fall back to memory
// when the disk tier is full or unwritable.
package storage

import (
	"errors"
	"fmt"
	"path"

	"github.com/jamesainslie/plexport/pkg/plexport/manifest"
)

var (
	// ErrQuotaExceeded is returned when a write would pass the byte quota.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrInsufficientSpace is returned by preflight checks.
	ErrInsufficientSpace = errors.New("insufficient storage space")

	// ErrNotFound is returned when reading an unknown reference.
	ErrNotFound = errors.New("stored file not found")
)

// DefaultSafetyBuffer is the headroom required on top of an estimate.
const DefaultSafetyBuffer int64 = 100 * 1000 * 1000

// Tier is one place downloaded bytes can live.
type Tier interface {
	Name() string
	// Probe reports whether size more bytes can be written right now.
	Probe(size int64) error
	// Save stores data for rec and returns the reference to read it back.
	Save(data []byte, rec manifest.FileRecord) (string, error)
	Read(ref string) ([]byte, error)
}

// RelativePath is where rec lives below a job directory:
// {playlist}/{type}/{filename}.
func RelativePath(rec manifest.FileRecord) string {
	return path.Join(manifest.SanitizeName(rec.PlaylistID), string(rec.Type), manifest.SanitizeFilename(rec.Filename))
}

// SaveResult tells the caller where a file ended up.
type SaveResult struct {
	Ref          string
	Tier         string
	InMemoryOnly bool
}

func (r SaveResult) String() string {
	return fmt.Sprintf("%s:%s", r.Tier, r.Ref)
}
