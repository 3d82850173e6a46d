package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	exportv1 "github.com/jamesainslie/plexport/pkg/api/export/v1"
	"github.com/jamesainslie/plexport/pkg/plexport/manifest"
	"github.com/jamesainslie/plexport/pkg/plexport/output"
)

var testNow = time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)

// testManifest has one delivered playlist, one failed and one pending.
func testManifest() *manifest.Manifest {
	m := manifest.New("job-1", testNow)
	m.Status = manifest.StatusDownloading
	done := testNow.Add(time.Minute)

	m.AddPlaylist(manifest.PlaylistExport{
		ID: "p1", Title: "Road Trip", AudioFiles: []string{"a1", "a2"}, CoverImage: "c1",
		CompletedAt: &done,
		Archive:     &manifest.ArchiveInfo{Filename: "Road Trip.zip", Size: 4096, Path: "/dl/Road Trip.zip"},
	}, []manifest.FileRecord{
		{ID: "a1", PlaylistID: "p1", Stored: true},
		{ID: "a2", PlaylistID: "p1", Stored: true},
		{ID: "c1", PlaylistID: "p1", Stored: true},
	})
	m.AddPlaylist(manifest.PlaylistExport{
		ID: "p2", Title: "Focus", AudioFiles: []string{"b1"},
		FailedAt: &done, Error: "no files available",
	}, []manifest.FileRecord{
		{ID: "b1", PlaylistID: "p2", Failed: true},
	})
	m.AddPlaylist(manifest.PlaylistExport{
		ID: "p3", AudioFiles: []string{"d1", "d2"},
	}, []manifest.FileRecord{
		{ID: "d1", PlaylistID: "p3", Stored: true},
		{ID: "d2", PlaylistID: "p3"},
	})
	return m
}

func TestStatusResult(t *testing.T) {
	m := testManifest()
	r := statusResult(&exportv1.ExportStatus{Manifest: m, Percent: m.Percent(), Active: true})

	require.True(t, r.Detail())
	e := r.Exports[0]
	assert.Equal(t, "job-1", e.ID)
	assert.Equal(t, "downloading", e.Status)
	assert.Equal(t, 3, e.Playlists)
	assert.Equal(t, 1, e.Delivered)
	assert.Equal(t, 6, e.Total)
	assert.Equal(t, 4, e.Completed)
	assert.Equal(t, 1, e.Failed)
	assert.True(t, e.Active)

	require.Len(t, r.Playlists, 3)
	assert.Equal(t, output.Playlist{
		ID: "p1", Title: "Road Trip", State: output.StateDelivered,
		Files: 3, Stored: 3, Archive: "/dl/Road Trip.zip", ArchiveSize: 4096,
	}, r.Playlists[0])
	assert.Equal(t, output.StateFailed, r.Playlists[1].State)
	assert.Equal(t, "no files available", r.Playlists[1].Error)
	assert.Equal(t, output.StatePending, r.Playlists[2].State)
	assert.Equal(t, 1, r.Playlists[2].Stored)
}

func TestSummaryRow(t *testing.T) {
	done := testNow.Add(time.Hour)
	row := summaryRow(exportv1.ExportSummary{
		ID:          "job-9",
		Status:      manifest.StatusCompleted,
		CreatedAt:   testNow,
		CompletedAt: &done,
		Playlists:   2,
		Delivered:   2,
		Progress:    manifest.Progress{Total: 8, Completed: 7, Failed: 1},
		Percent:     100,
	})

	assert.Equal(t, output.Export{
		ID: "job-9", Status: "completed", CreatedAt: testNow, CompletedAt: &done,
		Playlists: 2, Delivered: 2, Total: 8, Completed: 7, Failed: 1, Percent: 100,
	}, row)
}
