package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/charlievieth/fastwalk"

	"github.com/jamesainslie/plexport/pkg/plexport/manifest"
	"github.com/jamesainslie/plexport/pkg/plexport/types"
)

// Persistent is the on-disk tier for one job. Files live below
// {root}/{manifestID}; the quota covers everything below root.
type Persistent struct {
	root  string
	dir   string
	quota int64

	mu   sync.Mutex
	used int64
}

// OpenPersistent prepares the job directory and measures current usage.
// A quota of zero or less disables the quota check.
func OpenPersistent(root, manifestID string, quota int64) (*Persistent, error) {
	if manifestID == "" || !filepath.IsLocal(manifestID) {
		return nil, fmt.Errorf("invalid manifest id %q", manifestID)
	}
	dir := filepath.Join(root, manifestID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	used, err := Usage(root)
	if err != nil {
		return nil, err
	}
	return &Persistent{root: root, dir: dir, quota: quota, used: used}, nil
}

func (p *Persistent) Name() string { return "persistent" }

// Dir is the job directory.
func (p *Persistent) Dir() string { return p.dir }

// Used is the tracked byte usage below root.
func (p *Persistent) Used() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}

// Probe checks the quota and that the job directory is still writable.
func (p *Persistent) Probe(size int64) error {
	p.mu.Lock()
	used := p.used
	p.mu.Unlock()

	if p.quota > 0 && used+size > p.quota {
		return fmt.Errorf("%w: %s used of %s", ErrQuotaExceeded, types.FormatSize(used), types.FormatSize(p.quota))
	}
	info, err := os.Stat(p.dir)
	if err != nil {
		return fmt.Errorf("storage directory unavailable: %w", err)
	}
	if !info.IsDir() || info.Mode().Perm()&0o200 == 0 {
		return fmt.Errorf("storage directory %s is not writable", p.dir)
	}
	return nil
}

// Save writes data atomically and returns the job-relative path.
func (p *Persistent) Save(data []byte, rec manifest.FileRecord) (string, error) {
	size := int64(len(data))

	p.mu.Lock()
	if p.quota > 0 && p.used+size > p.quota {
		p.mu.Unlock()
		return "", ErrQuotaExceeded
	}
	p.used += size
	p.mu.Unlock()

	rel := RelativePath(rec)
	if err := writeAtomic(filepath.Join(p.dir, filepath.FromSlash(rel)), data); err != nil {
		p.mu.Lock()
		p.used -= size
		p.mu.Unlock()
		return "", err
	}
	return rel, nil
}

// Read returns the bytes stored at a job-relative path.
func (p *Persistent) Read(ref string) ([]byte, error) {
	native := filepath.FromSlash(ref)
	if !filepath.IsLocal(native) {
		return nil, fmt.Errorf("%w: invalid path %q", ErrNotFound, ref)
	}
	data, err := os.ReadFile(filepath.Join(p.dir, native))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return data, err
}

// Dispose removes the job directory.
func (p *Persistent) Dispose() error {
	size, err := Usage(p.dir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.RemoveAll(p.dir); err != nil {
		return fmt.Errorf("removing %s: %w", p.dir, err)
	}
	p.mu.Lock()
	p.used = max(p.used-size, 0)
	p.mu.Unlock()
	return nil
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".part-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("renaming into %s: %w", path, err)
	}
	return nil
}

// Usage sums regular file sizes below root. A missing root is empty.
func Usage(root string) (int64, error) {
	if _, err := os.Stat(root); errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}

	var (
		mu    sync.Mutex
		total int64
	)
	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		mu.Lock()
		total += info.Size()
		mu.Unlock()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("measuring storage usage: %w", err)
	}
	return total, nil
}
