package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesainslie/plexport/pkg/plexport/archive"
	"github.com/jamesainslie/plexport/pkg/plexport/fetch"
	"github.com/jamesainslie/plexport/pkg/plexport/manifest"
	"github.com/jamesainslie/plexport/pkg/plexport/protocol"
	"github.com/jamesainslie/plexport/pkg/plexport/storage"
)

type fakeFetcher struct {
	mu       sync.Mutex
	calls    map[string]int
	active   int
	peak     int
	delay    time.Duration
	block    func(url string) bool
	fail     map[string]error
	progress [][2]int64
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{calls: make(map[string]int), fail: make(map[string]error)}
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string, onProgress fetch.ProgressFunc) (*fetch.Result, error) {
	f.mu.Lock()
	f.calls[url]++
	f.active++
	f.peak = max(f.peak, f.active)
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if f.block != nil && f.block(url) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := f.fail[url]; err != nil {
		return nil, err
	}
	for _, pr := range f.progress {
		onProgress(pr[0], pr[1])
	}
	return &fetch.Result{Data: []byte("data:" + url), Source: fetch.SourceDirect, Attempts: 1}, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeFetcher) maxActive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

type recorder struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (r *recorder) sink(ev protocol.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) all() []protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Event(nil), r.events...)
}

func (r *recorder) ofType(t protocol.EventType) []protocol.Event {
	var out []protocol.Event
	for _, ev := range r.all() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func url(id string) string { return "https://cdn.test/" + id }

func addPlaylist(m *manifest.Manifest, id, title string, audio int, cover bool) {
	pl := manifest.PlaylistExport{ID: id, Title: title}
	var recs []manifest.FileRecord
	for i := 1; i <= audio; i++ {
		fid := fmt.Sprintf("%s/audio/%03d", id, i)
		recs = append(recs, manifest.FileRecord{
			ID: fid, Type: manifest.AssetAudio, PlaylistID: id,
			Filename: fmt.Sprintf("%02d - Track.mp3", i), URL: url(fid),
		})
		pl.AudioFiles = append(pl.AudioFiles, fid)
	}
	if cover {
		fid := id + "/cover/001"
		recs = append(recs, manifest.FileRecord{
			ID: fid, Type: manifest.AssetCover, PlaylistID: id, Filename: "cover.jpg", URL: url(fid),
		})
		pl.CoverImage = fid
	}
	m.AddPlaylist(pl, recs)
}

func testManifest() *manifest.Manifest {
	return manifest.New("job-1", time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
}

func fastOptions() Options {
	return Options{MaxConcurrent: 6, MaxAttempts: 3, PlaylistTimeout: 5 * time.Second}
}

func persistentStore(t *testing.T, id string, quota int64) *storage.Tiered {
	t.Helper()
	p, err := storage.OpenPersistent(t.TempDir(), id, quota)
	require.NoError(t, err)
	return storage.NewTiered(p)
}

func TestRunHappyPath(t *testing.T) {
	m := testManifest()
	addPlaylist(m, "p1", "Morning", 2, true)
	addPlaylist(m, "p2", "Evening", 1, false)

	f := newFakeFetcher()
	rec := &recorder{}
	pool := New(m, f, persistentStore(t, m.ID, 0), rec.sink, fastOptions())

	stats := pool.Run(context.Background())

	assert.Equal(t, 2, stats.Completed)
	assert.Zero(t, stats.Failed)
	assert.Equal(t, 4, stats.FilesStored)
	assert.Equal(t, 4, f.callCount())

	events := rec.all()
	require.NotEmpty(t, events)
	assert.Equal(t, protocol.EventExportStarted, events[0].Type)
	assert.Equal(t, protocol.EventExportCompleted, events[len(events)-1].Type)
	for _, ev := range events {
		assert.Equal(t, "job-1", ev.ManifestID)
	}

	done := rec.ofType(protocol.EventPlaylistCompleted)
	require.Len(t, done, 2)
	assert.Equal(t, "p1", done[0].PlaylistID)
	assert.Equal(t, 1, done[0].Index)
	assert.Equal(t, 2, done[0].Total)
	assert.Equal(t, "Morning.zip", done[0].Archive.Filename)
	assert.Equal(t, 3, done[0].Archive.Files)
	assert.NotEmpty(t, done[0].Archive.Data)

	assert.Len(t, rec.ofType(protocol.EventDownloadCompleted), 4)
	assert.Len(t, rec.ofType(protocol.EventManifestUpdate), 4)

	snap := pool.Snapshot()
	assert.Equal(t, manifest.Progress{Total: 4, Completed: 4}, snap.Progress)
	for _, f := range snap.Files {
		assert.True(t, f.Stored)
		assert.False(t, f.InMemoryOnly)
		assert.NotEmpty(t, f.Path)
	}
	assert.Zero(t, m.Progress.Completed, "caller's manifest is not touched")
}

func TestUpdateEventsPatchManifest(t *testing.T) {
	m := testManifest()
	addPlaylist(m, "p1", "One", 3, false)

	rec := &recorder{}
	New(m, newFakeFetcher(), storage.NewTiered(nil), rec.sink, fastOptions()).Run(context.Background())

	for _, ev := range rec.ofType(protocol.EventManifestUpdate) {
		require.NotNil(t, ev.Update)
		m.Apply(*ev.Update)
	}
	assert.Equal(t, manifest.Progress{Total: 3, Completed: 3}, m.Progress)
	for _, f := range m.Files {
		assert.True(t, f.InMemoryOnly)
	}
}

func TestConcurrencyBound(t *testing.T) {
	m := testManifest()
	addPlaylist(m, "p1", "Big", 20, false)

	f := newFakeFetcher()
	f.delay = 20 * time.Millisecond
	pool := New(m, f, storage.NewTiered(nil), nil, fastOptions())

	pool.Run(context.Background())

	assert.LessOrEqual(t, f.maxActive(), 6)
	assert.LessOrEqual(t, pool.MaxInFlight(), 6)
	assert.Greater(t, pool.MaxInFlight(), 1)
	assert.Zero(t, pool.InFlight())
	assert.Equal(t, 20, f.callCount())
}

func TestPartialFailureStillPacks(t *testing.T) {
	m := testManifest()
	addPlaylist(m, "p1", "Mixed", 2, false)

	f := newFakeFetcher()
	f.fail[url("p1/audio/002")] = fmt.Errorf("%w after 3 attempts: 404 Not Found", fetch.ErrExhausted)
	rec := &recorder{}
	pool := New(m, f, storage.NewTiered(nil), rec.sink, fastOptions())

	stats := pool.Run(context.Background())
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.FilesFailed)

	failed := rec.ofType(protocol.EventDownloadFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "p1/audio/002", failed[0].FileID)
	assert.Equal(t, 3, failed[0].Attempts)

	done := rec.ofType(protocol.EventPlaylistCompleted)
	require.Len(t, done, 1)
	assert.Equal(t, 1, done[0].Archive.Files)

	r := pool.Snapshot().Files["p1/audio/002"]
	assert.True(t, r.Failed)
	assert.False(t, r.Stored)
	assert.Equal(t, 3, r.Attempts)
	assert.Contains(t, r.Error, "404")
}

func TestAllFilesFailed(t *testing.T) {
	m := testManifest()
	addPlaylist(m, "p1", "Broken", 2, false)

	f := newFakeFetcher()
	for _, id := range []string{"p1/audio/001", "p1/audio/002"} {
		f.fail[url(id)] = fmt.Errorf("%w after 3 attempts: 404 Not Found", fetch.ErrExhausted)
	}
	rec := &recorder{}
	stats := New(m, f, storage.NewTiered(nil), rec.sink, fastOptions()).Run(context.Background())

	assert.Equal(t, 1, stats.Failed)
	failed := rec.ofType(protocol.EventPlaylistFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, protocol.CodeAllFailed, failed[0].Code)
	assert.True(t, strings.HasPrefix(failed[0].Reason, "all 2 files failed"))
	assert.Empty(t, rec.ofType(protocol.EventPlaylistCompleted))
	assert.Len(t, rec.ofType(protocol.EventExportCompleted), 1)
}

func TestZeroAssetPlaylist(t *testing.T) {
	m := testManifest()
	addPlaylist(m, "empty", "Nothing", 0, false)

	f := newFakeFetcher()
	rec := &recorder{}
	stats := New(m, f, storage.NewTiered(nil), rec.sink, fastOptions()).Run(context.Background())

	assert.Zero(t, f.callCount())
	assert.Equal(t, 1, stats.Failed)
	failed := rec.ofType(protocol.EventPlaylistFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, protocol.ReasonNoFiles, failed[0].Reason)
	assert.Equal(t, protocol.CodeNoFiles, failed[0].Code)
}

func TestQuotaFallsBackToMemory(t *testing.T) {
	m := testManifest()
	addPlaylist(m, "p1", "Tight", 2, false)

	rec := &recorder{}
	pool := New(m, newFakeFetcher(), persistentStore(t, m.ID, 5), rec.sink, fastOptions())
	stats := pool.Run(context.Background())

	assert.Equal(t, 2, stats.InMemory)
	for _, f := range pool.Snapshot().Files {
		assert.True(t, f.Stored)
		assert.True(t, f.InMemoryOnly)
	}
	for _, ev := range rec.ofType(protocol.EventDownloadCompleted) {
		assert.True(t, ev.InMemoryOnly)
	}
	done := rec.ofType(protocol.EventPlaylistCompleted)
	require.Len(t, done, 1)
	assert.Equal(t, 2, done[0].Archive.Files)
}

func TestCancelLeavesTasksPending(t *testing.T) {
	m := testManifest()
	addPlaylist(m, "p1", "Slow", 3, false)
	addPlaylist(m, "p2", "Later", 2, false)

	f := newFakeFetcher()
	f.block = func(string) bool { return true }
	rec := &recorder{}
	pool := New(m, f, storage.NewTiered(nil), rec.sink, fastOptions())

	go pool.Run(context.Background())
	require.Eventually(t, func() bool { return pool.InFlight() == 3 }, 2*time.Second, 5*time.Millisecond)

	pool.Cancel()
	select {
	case <-pool.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after cancel")
	}

	assert.True(t, pool.Cancelled())
	assert.Empty(t, rec.ofType(protocol.EventExportCompleted))
	assert.Empty(t, rec.ofType(protocol.EventManifestUpdate))
	assert.Empty(t, rec.ofType(protocol.EventDownloadFailed))
	assert.Empty(t, rec.ofType(protocol.EventPlaylistFailed))
	assert.Len(t, rec.ofType(protocol.EventPlaylistStarted), 1, "later playlists are not started")

	snap := pool.Snapshot()
	assert.Equal(t, 5, snap.Pending())
	assert.Equal(t, manifest.Progress{Total: 5}, snap.Progress)
}

func TestCancelBeforeRun(t *testing.T) {
	m := testManifest()
	addPlaylist(m, "p1", "One", 1, false)

	f := newFakeFetcher()
	rec := &recorder{}
	pool := New(m, f, storage.NewTiered(nil), rec.sink, fastOptions())
	pool.Cancel()
	pool.Run(context.Background())

	assert.Zero(t, f.callCount())
	assert.Empty(t, rec.ofType(protocol.EventExportCompleted))
}

func TestRunOnce(t *testing.T) {
	m := testManifest()
	addPlaylist(m, "p1", "One", 2, false)

	f := newFakeFetcher()
	pool := New(m, f, storage.NewTiered(nil), nil, fastOptions())
	pool.Run(context.Background())
	stats := pool.Run(context.Background())

	assert.Equal(t, 2, f.callCount())
	assert.Equal(t, 2, stats.FilesStored)
}

func TestSkipsStoredFilesAndCompletedPlaylists(t *testing.T) {
	at := time.Date(2026, 5, 1, 13, 0, 0, 0, time.UTC)
	m := testManifest()
	addPlaylist(m, "done", "Done", 2, false)
	addPlaylist(m, "half", "Half", 2, false)
	m.Playlists[0].CompletedAt = &at
	for id, f := range m.Files {
		if f.PlaylistID == "done" || id == "half/audio/001" {
			f.MarkStored("x/"+id, 1, true, 1, at)
			m.Files[id] = f
		}
	}
	m.RecomputeProgress()

	f := newFakeFetcher()
	rec := &recorder{}
	mem := storage.NewTiered(nil)
	_, err := mem.Save([]byte("kept"), m.Files["half/audio/001"])
	require.NoError(t, err)

	stats := New(m, f, mem, rec.sink, fastOptions()).Run(context.Background())

	assert.Equal(t, map[string]int{url("half/audio/002"): 1}, f.calls)
	assert.Equal(t, 2, stats.Completed)
	started := rec.ofType(protocol.EventPlaylistStarted)
	require.Len(t, started, 1)
	assert.Equal(t, "half", started[0].PlaylistID)

	done := rec.ofType(protocol.EventPlaylistCompleted)
	require.Len(t, done, 1)
	assert.Equal(t, 2, done[0].Archive.Files)
}

func TestPlaylistTimeout(t *testing.T) {
	m := testManifest()
	addPlaylist(m, "slow", "Slow", 2, false)
	addPlaylist(m, "fast", "Fast", 1, false)

	f := newFakeFetcher()
	f.block = func(u string) bool { return strings.Contains(u, "/slow/") }
	rec := &recorder{}
	opts := fastOptions()
	opts.PlaylistTimeout = 50 * time.Millisecond
	pool := New(m, f, storage.NewTiered(nil), rec.sink, opts)

	stats := pool.Run(context.Background())

	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Failed)

	failed := rec.ofType(protocol.EventPlaylistFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "slow", failed[0].PlaylistID)
	assert.Equal(t, protocol.CodeTimeout, failed[0].Code)

	r := pool.Snapshot().Files["slow/audio/001"]
	assert.True(t, r.Failed)
	assert.Equal(t, protocol.ReasonTimedOut, r.Error)
	assert.Len(t, rec.ofType(protocol.EventExportCompleted), 1)
}

func TestProgressIsThrottled(t *testing.T) {
	m := testManifest()
	addPlaylist(m, "p1", "One", 1, false)

	f := newFakeFetcher()
	f.progress = [][2]int64{{1, 10}, {5, 10}, {7, 10}, {10, 10}}
	rec := &recorder{}
	opts := fastOptions()
	opts.ProgressInterval = time.Hour
	New(m, f, storage.NewTiered(nil), rec.sink, opts).Run(context.Background())

	progress := rec.ofType(protocol.EventDownloadProgress)
	require.Len(t, progress, 2)
	assert.Equal(t, int64(1), progress[0].BytesReceived)
	assert.Equal(t, int64(10), progress[1].BytesReceived)
}

func TestPackSubset(t *testing.T) {
	m := testManifest()
	addPlaylist(m, "p1", "One", 1, false)
	addPlaylist(m, "p2", "Two", 1, false)

	rec := &recorder{}
	pool := New(m, newFakeFetcher(), storage.NewTiered(nil), nil, fastOptions())
	pool.Run(context.Background())

	pool.emit = rec.sink
	pool.Pack([]string{"p2"})

	done := rec.ofType(protocol.EventPlaylistCompleted)
	require.Len(t, done, 1)
	assert.Equal(t, "p2", done[0].PlaylistID)
	assert.Equal(t, 2, done[0].Index)
}

func TestPackFailureIsReported(t *testing.T) {
	m := testManifest()
	addPlaylist(m, "p1", "One", 1, false)

	rec := &recorder{}
	boom := errors.New("disk on fire")
	pool := New(m, newFakeFetcher(), storage.NewTiered(nil), rec.sink, fastOptions(),
		WithPacker(func(manifest.PlaylistExport, []manifest.FileRecord, archive.Reader, archive.Reader) (*archive.Archive, error) {
			return nil, boom
		}))
	stats := pool.Run(context.Background())

	assert.Equal(t, 1, stats.Failed)
	failed := rec.ofType(protocol.EventPlaylistFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, protocol.CodePackaging, failed[0].Code)
	assert.Contains(t, failed[0].Reason, "disk on fire")
}
