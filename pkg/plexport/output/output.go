// Package output renders export listings and export details in the formats
// the CLI supports (pretty, plain, json, yaml, tsv).
//
// Formatters live in a registry so the CLI can pick one by name:
//
//	formatter, err := output.Get("pretty")
//	if err != nil {
//	    return err
//	}
//	var buf bytes.Buffer
//	if err := formatter.Format(&buf, result); err != nil {
//	    return err
//	}
//	fmt.Print(buf.String())
package output

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Export is one row of an export listing.
type Export struct {
	ID          string     `json:"id" yaml:"id"`
	Status      string     `json:"status" yaml:"status"`
	CreatedAt   time.Time  `json:"created_at" yaml:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	Playlists   int        `json:"playlists" yaml:"playlists"`
	Delivered   int        `json:"delivered" yaml:"delivered"`
	Total       int        `json:"total_files" yaml:"total_files"`
	Completed   int        `json:"completed_files" yaml:"completed_files"`
	Failed      int        `json:"failed_files" yaml:"failed_files"`
	Percent     float64    `json:"percent" yaml:"percent"`
	Active      bool       `json:"active" yaml:"active"`
	Error       string     `json:"error,omitempty" yaml:"error,omitempty"`
}

// Playlist is the per-playlist breakdown of a single export.
type Playlist struct {
	ID          string `json:"id" yaml:"id"`
	Title       string `json:"title" yaml:"title"`
	State       string `json:"state" yaml:"state"`
	Files       int    `json:"files" yaml:"files"`
	Stored      int    `json:"stored" yaml:"stored"`
	Failed      int    `json:"failed" yaml:"failed"`
	Archive     string `json:"archive,omitempty" yaml:"archive,omitempty"`
	ArchiveSize int64  `json:"archive_size,omitempty" yaml:"archive_size,omitempty"`
	Error       string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Playlist states.
const (
	StateDelivered = "delivered"
	StateFailed    = "failed"
	StatePending   = "pending"
)

// Result is what a formatter renders. Playlists is only set when a single
// export is shown.
type Result struct {
	Exports   []Export   `json:"exports" yaml:"exports"`
	Playlists []Playlist `json:"playlists,omitempty" yaml:"playlists,omitempty"`
	DaemonUp  bool       `json:"daemon_up" yaml:"daemon_up"`
	Warnings  []string   `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// Detail reports whether the result describes one export in depth.
func (r *Result) Detail() bool {
	return len(r.Exports) == 1 && len(r.Playlists) > 0
}

// Formatter is the interface that all output formatters must implement.
type Formatter interface {
	// Format writes the formatted output to the buffer.
	Format(w *bytes.Buffer, r *Result) error
}

// FormatterFactory is a function that creates a new Formatter instance.
type FormatterFactory func() Formatter

// Registry manages formatter registration and lookup.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]FormatterFactory
}

// NewRegistry creates a new formatter registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]FormatterFactory),
	}
}

// Register adds a formatter factory to the registry, replacing any
// formatter with the same name.
func (r *Registry) Register(name string, factory FormatterFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Get returns a new formatter instance by name.
func (r *Registry) Get(name string) (Formatter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown formatter: %s", name)
	}
	return factory(), nil
}

// Available returns a sorted list of all registered formatter names.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry is the global formatter registry.
var DefaultRegistry = NewRegistry()

// Register adds a formatter factory to the default registry.
func Register(name string, factory FormatterFactory) {
	DefaultRegistry.Register(name, factory)
}

// Get returns a new formatter instance from the default registry.
func Get(name string) (Formatter, error) {
	return DefaultRegistry.Get(name)
}

// Available returns all formatter names from the default registry.
func Available() []string {
	return DefaultRegistry.Available()
}
