package storage

import (
	"fmt"
	"os"
)

// Space answers preflight questions for the storage root.
type Space struct {
	Root   string
	Quota  int64
	Buffer int64
}

// Available is min(quota-used, free bytes on the filesystem). A quota of
// zero or less means only the filesystem limits.
func (s Space) Available() (int64, error) {
	if err := os.MkdirAll(s.Root, 0o755); err != nil {
		return 0, fmt.Errorf("creating storage root: %w", err)
	}
	free, err := freeBytes(s.Root)
	if err != nil {
		return 0, fmt.Errorf("reading free space: %w", err)
	}
	if s.Quota <= 0 {
		return free, nil
	}
	used, err := Usage(s.Root)
	if err != nil {
		return 0, err
	}
	return min(max(s.Quota-used, 0), free), nil
}

// HasSpace reports whether estimated bytes plus the safety buffer fit.
func (s Space) HasSpace(estimated int64) (bool, error) {
	avail, err := s.Available()
	if err != nil {
		return false, err
	}
	return estimated+s.Buffer <= avail, nil
}
