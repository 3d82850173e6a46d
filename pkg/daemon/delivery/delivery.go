// Package delivery writes finished archives to the user's download folder.
package delivery

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/jamesainslie/plexport/pkg/plexport/logging"
	"github.com/jamesainslie/plexport/pkg/plexport/manifest"
	"github.com/jamesainslie/plexport/pkg/plexport/protocol"
)

// ErrEmptyArchive is returned for archives without bytes.
var ErrEmptyArchive = errors.New("archive has no data")

// maxSuffix bounds the " (n)" search for a free name.
const maxSuffix = 1000

// Dir delivers archives into a directory. Existing files are never
// overwritten; a clashing name gets a " (n)" suffix.
type Dir struct {
	Root string
	log  *logging.Logger
}

// New returns a Dir rooted at root.
func New(root string) *Dir {
	return &Dir{Root: root, log: logging.Get("delivery")}
}

// Deliver writes a.Data and returns the final path.
func (d *Dir) Deliver(manifestID string, a *protocol.Archive) (string, error) {
	if a == nil || len(a.Data) == 0 {
		return "", ErrEmptyArchive
	}
	if err := os.MkdirAll(d.Root, 0o755); err != nil {
		return "", fmt.Errorf("creating delivery dir: %w", err)
	}

	tmp, err := os.CreateTemp(d.Root, ".plexport-*.part")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(a.Data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("writing archive: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("syncing archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing archive: %w", err)
	}

	name := manifest.SanitizeFilename(a.Filename)
	if !strings.HasSuffix(strings.ToLower(name), ".zip") {
		name += ".zip"
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	// Link fails instead of replacing, so concurrent deliveries cannot
	// clobber each other.
	for n := 1; n <= maxSuffix; n++ {
		candidate := name
		if n > 1 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, n, ext)
		}
		dst := filepath.Join(d.Root, candidate)
		err := os.Link(tmp.Name(), dst)
		if err == nil {
			d.logger().Info("archive delivered", "manifest", manifestID, "path", dst, "size", a.Size)
			return dst, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("placing %s: %w", candidate, err)
		}
	}
	return "", fmt.Errorf("no free name for %s in %s", name, d.Root)
}

func (d *Dir) logger() *logging.Logger {
	if d.log == nil {
		d.log = logging.Get("delivery")
	}
	return d.log
}
