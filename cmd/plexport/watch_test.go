package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesainslie/plexport/pkg/plexport/manifest"
	"github.com/jamesainslie/plexport/pkg/plexport/output"
	"github.com/jamesainslie/plexport/pkg/plexport/protocol"
)

func TestTracker_Snapshot(t *testing.T) {
	tr := newTracker(testManifest())

	require.Len(t, tr.order, 3)
	assert.False(t, tr.finished)
	assert.Equal(t, 3, tr.byID["p1"].settled)
	assert.Equal(t, output.StateDelivered, tr.byID["p1"].state)
	assert.Equal(t, output.StateFailed, tr.byID["p2"].state)
	assert.Equal(t, "p3", tr.byID["p3"].title, "untitled playlists fall back to the id")
	assert.Equal(t, 1, tr.byID["p3"].settled)
}

func TestTracker_FileEvents(t *testing.T) {
	tr := newTracker(testManifest())

	p := tr.apply(protocol.Event{Type: protocol.EventDownloadCompleted, PlaylistID: "p3", FileID: "d2"})
	require.NotNil(t, p)
	assert.Equal(t, 2, p.settled)

	// Duplicates and files already settled in the snapshot do not count again.
	assert.Nil(t, tr.apply(protocol.Event{Type: protocol.EventDownloadCompleted, PlaylistID: "p3", FileID: "d2"}))
	assert.Nil(t, tr.apply(protocol.Event{Type: protocol.EventDownloadFailed, PlaylistID: "p3", FileID: "d1"}))
	assert.Nil(t, tr.apply(protocol.Event{Type: protocol.EventDownloadCompleted, PlaylistID: "unknown", FileID: "x"}))
	assert.Equal(t, 2, tr.byID["p3"].settled)
}

func TestTracker_PlaylistAndTerminalEvents(t *testing.T) {
	tr := newTracker(testManifest())

	p := tr.apply(protocol.Event{
		Type: protocol.EventPlaylistCompleted, PlaylistID: "p3",
		Archive: &protocol.Archive{Filename: "p3.zip", Size: 2048, Path: "/dl/p3.zip"},
	})
	require.NotNil(t, p)
	assert.Equal(t, output.StateDelivered, p.state)
	assert.Equal(t, p.total, p.settled)

	tr.apply(protocol.Event{Type: protocol.EventPlaylistFailed, PlaylistID: "p2", Reason: "playlist timed out"})
	require.Len(t, tr.notes, 2)
	assert.Equal(t, "p3: /dl/p3.zip (2.0 KiB)", tr.notes[0])
	assert.Equal(t, "Focus: failed: playlist timed out", tr.notes[1])

	assert.Nil(t, tr.apply(protocol.Event{Type: protocol.EventExportCompleted}))
	assert.True(t, tr.finished)
	assert.Equal(t, manifest.StatusCompleted, tr.status)
}

func TestTracker_NothingDelivered(t *testing.T) {
	m := manifest.New("job-2", testNow)
	m.AddPlaylist(manifest.PlaylistExport{ID: "p1", AudioFiles: []string{"a"}}, []manifest.FileRecord{{ID: "a", PlaylistID: "p1"}})
	tr := newTracker(m)

	tr.apply(protocol.Event{Type: protocol.EventDownloadFailed, PlaylistID: "p1", FileID: "a"})
	tr.apply(protocol.Event{Type: protocol.EventPlaylistFailed, PlaylistID: "p1", Reason: "no files available"})
	tr.apply(protocol.Event{Type: protocol.EventExportCompleted})

	assert.True(t, tr.finished)
	assert.Equal(t, manifest.StatusError, tr.status)
	assert.NotEmpty(t, tr.reason)
}

func TestTracker_CancelAndError(t *testing.T) {
	tr := newTracker(testManifest())
	tr.apply(protocol.Event{Type: protocol.EventExportCancelled})
	assert.True(t, tr.finished)
	assert.Equal(t, manifest.StatusCancelled, tr.status)

	tr = newTracker(testManifest())
	tr.apply(protocol.Event{Type: protocol.EventExportError, Error: "worker crashed"})
	assert.Equal(t, manifest.StatusError, tr.status)
	assert.Equal(t, "worker crashed", tr.reason)
}

func TestTracker_TerminalSnapshot(t *testing.T) {
	m := testManifest()
	m.Status = manifest.StatusCompleted
	assert.True(t, newTracker(m).finished)
}

func TestDescribeEvent(t *testing.T) {
	at := time.Date(2026, 5, 1, 9, 30, 0, 0, time.Local)

	line := describeEvent(protocol.Event{
		Type: protocol.EventDownloadCompleted, ManifestID: "0123456789abcdef", Time: at,
		Filename: "01 - Intro.mp3", BytesTotal: 1536, InMemoryOnly: true,
	})
	assert.Contains(t, line, "09:30:00 01234567 DOWNLOAD_COMPLETED")
	assert.Contains(t, line, "01 - Intro.mp3 (1.5 KiB) in memory")

	line = describeEvent(protocol.Event{Type: protocol.EventPlaylistFailed, ManifestID: "job", Time: at, PlaylistID: "p1", Reason: "no files available"})
	assert.Contains(t, line, "job PLAYLIST_EXPORT_FAILED p1: no files available")

	line = describeEvent(protocol.Event{Type: protocol.EventExportCancelled, ManifestID: "job", Time: at})
	assert.True(t, len(line) > 0)
	assert.NotContains(t, line, "  ")
}
