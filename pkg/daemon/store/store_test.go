package store_test

import (
	"errors"
	"testing"
	"time"

	"github.com/jamesainslie/plexport/pkg/daemon/store"
	"github.com/jamesainslie/plexport/pkg/plexport/manifest"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sample(id string, created time.Time) *manifest.Manifest {
	m := manifest.New(id, created)
	m.AddPlaylist(
		manifest.PlaylistExport{ID: "p1", Title: "Mix", AudioFiles: []string{"p1/audio/001"}},
		[]manifest.FileRecord{{ID: "p1/audio/001", Type: manifest.AssetAudio, PlaylistID: "p1", Filename: "01 - A.mp3", URL: "https://cdn.test/a"}},
	)
	return m
}

func TestStoreBasicOperations(t *testing.T) {
	s := openStore(t)

	m := sample("job-1", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	if err := s.PutManifest(m); err != nil {
		t.Fatalf("PutManifest failed: %v", err)
	}

	got, err := s.GetManifest("job-1")
	if err != nil {
		t.Fatalf("GetManifest failed: %v", err)
	}
	if got.Progress.Total != 1 {
		t.Errorf("Expected 1 file, got %d", got.Progress.Total)
	}
	if got.Files["p1/audio/001"].Filename != "01 - A.mp3" {
		t.Errorf("Unexpected file record: %+v", got.Files["p1/audio/001"])
	}

	// Overwrite keeps a single record
	got.Status = manifest.StatusDownloading
	if err := s.PutManifest(got); err != nil {
		t.Fatalf("PutManifest failed: %v", err)
	}
	n, err := s.CountManifests()
	if err != nil {
		t.Fatalf("CountManifests failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 manifest, got %d", n)
	}
}

func TestStoreGetMissing(t *testing.T) {
	s := openStore(t)

	_, err := s.GetManifest("nope")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestStoreRejectsEmptyID(t *testing.T) {
	s := openStore(t)
	if err := s.PutManifest(&manifest.Manifest{}); err == nil {
		t.Error("Expected error for manifest without id")
	}
}

func TestStoreListNewestFirst(t *testing.T) {
	s := openStore(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "newest", "middle"} {
		offset := map[string]time.Duration{"old": 0, "middle": time.Hour, "newest": 2 * time.Hour}[id]
		if err := s.PutManifest(sample(id, base.Add(offset))); err != nil {
			t.Fatalf("PutManifest %d failed: %v", i, err)
		}
	}

	list, err := s.ListManifests()
	if err != nil {
		t.Fatalf("ListManifests failed: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("Expected 3 manifests, got %d", len(list))
	}
	want := []string{"newest", "middle", "old"}
	for i, m := range list {
		if m.ID != want[i] {
			t.Errorf("Position %d: expected %s, got %s", i, want[i], m.ID)
		}
	}
}

func TestStoreDelete(t *testing.T) {
	s := openStore(t)

	if err := s.PutManifest(sample("job-1", time.Now())); err != nil {
		t.Fatalf("PutManifest failed: %v", err)
	}
	if err := s.DeleteManifest("job-1"); err != nil {
		t.Fatalf("DeleteManifest failed: %v", err)
	}
	if _, err := s.GetManifest("job-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}

	list, err := s.ListManifests()
	if err != nil {
		t.Fatalf("ListManifests failed: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("Expected empty list, got %d", len(list))
	}

	// Deleting twice is fine
	if err := s.DeleteManifest("job-1"); err != nil {
		t.Errorf("Second delete failed: %v", err)
	}
}

func TestStoreInMemory(t *testing.T) {
	s, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory failed: %v", err)
	}
	defer s.Close()

	if err := s.PutManifest(sample("mem", time.Now())); err != nil {
		t.Fatalf("PutManifest failed: %v", err)
	}
	if _, err := s.GetManifest("mem"); err != nil {
		t.Errorf("GetManifest failed: %v", err)
	}
}

func TestStoreReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := store.Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.PutManifest(sample("persisted", time.Now())); err != nil {
		t.Fatalf("PutManifest failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s, err = store.Open(dir)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer s.Close()
	if _, err := s.GetManifest("persisted"); err != nil {
		t.Errorf("Manifest lost across reopen: %v", err)
	}
}
