package storage

import (
	"fmt"
	"sync"

	"github.com/jamesainslie/plexport/pkg/plexport/manifest"
)

// Memory keeps bytes keyed by file id. It never refuses a write.
type Memory struct {
	mu    sync.RWMutex
	files map[string][]byte
	size  int64
}

// NewMemory returns an empty memory tier.
func NewMemory() *Memory {
	return &Memory{files: make(map[string][]byte)}
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Probe(int64) error { return nil }

// Save copies data under rec.ID.
func (m *Memory) Save(data []byte, rec manifest.FileRecord) (string, error) {
	buf := make([]byte, len(data))
	copy(buf, data)

	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.files[rec.ID]; ok {
		m.size -= int64(len(old))
	}
	m.files[rec.ID] = buf
	m.size += int64(len(buf))
	return rec.ID, nil
}

func (m *Memory) Read(ref string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.files[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return data, nil
}

// Len is the number of files held.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.files)
}

// Size is the number of bytes held.
func (m *Memory) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

// Clear drops every file.
func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files = make(map[string][]byte)
	m.size = 0
}
