package coordinator_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesainslie/plexport/pkg/daemon/coordinator"
	"github.com/jamesainslie/plexport/pkg/daemon/delivery"
	"github.com/jamesainslie/plexport/pkg/daemon/executor"
	"github.com/jamesainslie/plexport/pkg/daemon/store"
	"github.com/jamesainslie/plexport/pkg/plexport/archive"
	"github.com/jamesainslie/plexport/pkg/plexport/content"
	"github.com/jamesainslie/plexport/pkg/plexport/fetch"
	"github.com/jamesainslie/plexport/pkg/plexport/manifest"
	"github.com/jamesainslie/plexport/pkg/plexport/protocol"
	"github.com/jamesainslie/plexport/pkg/plexport/worker"
)

type resolver map[string]*content.Playlist

func (r resolver) ResolvePlaylist(_ context.Context, id string) (*content.Playlist, error) {
	if pl, ok := r[id]; ok {
		return pl, nil
	}
	return nil, content.ErrNotFound
}

func playlist(id, title string, tracks ...string) *content.Playlist {
	ch := content.Chapter{Key: "c1", Title: "Main"}
	for _, tr := range tracks {
		ch.Tracks = append(ch.Tracks, content.Track{Key: tr, Title: tr, URL: "https://cdn.test/" + id + "/" + tr + ".mp3"})
	}
	return &content.Playlist{ID: id, Title: title, Chapters: []content.Chapter{ch}}
}

type fakeFetcher struct {
	mu    sync.Mutex
	fail  map[string]bool
	stall map[string]bool
	gate  chan struct{}
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string, _ fetch.ProgressFunc) (*fetch.Result, error) {
	f.mu.Lock()
	gate := f.gate
	failing := f.fail[url]
	stalled := f.stall[url]
	f.mu.Unlock()

	if stalled {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failing {
		return nil, errors.Join(fetch.ErrExhausted, errors.New("404 Not Found"))
	}
	return &fetch.Result{Data: []byte("audio:" + url), Source: fetch.SourceDirect, Attempts: 1}, nil
}

func (f *fakeFetcher) setFail(url string, failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail == nil {
		f.fail = make(map[string]bool)
	}
	f.fail[url] = failing
}

func (f *fakeFetcher) setStall(url string, stalled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stall == nil {
		f.stall = make(map[string]bool)
	}
	f.stall[url] = stalled
}

func (f *fakeFetcher) open() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gate != nil {
		close(f.gate)
		f.gate = nil
	}
}

type recorder struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (r *recorder) Notify(ev protocol.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) ofType(t protocol.EventType) []protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type spaceFunc func(int64) (bool, error)

func (f spaceFunc) HasSpace(n int64) (bool, error) { return f(n) }

type harness struct {
	coord       *coordinator.Coordinator
	store       *store.Store
	fetcher     *fakeFetcher
	events      *recorder
	storageRoot string
	deliveryDir string
}

type harnessOption func(*coordinator.Deps, *executor.Deps)

func newHarness(t *testing.T, r resolver, opts ...harnessOption) *harness {
	t.Helper()
	s, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	h := &harness{
		store:       s,
		fetcher:     &fakeFetcher{},
		events:      &recorder{},
		storageRoot: filepath.Join(t.TempDir(), "storage"),
		deliveryDir: filepath.Join(t.TempDir(), "downloads"),
	}

	exec := executor.Deps{
		Fetcher:     h.fetcher,
		StorageRoot: h.storageRoot,
		Pool:        worker.Options{MaxConcurrent: 6, PlaylistTimeout: 5 * time.Second},
	}
	deps := coordinator.Deps{
		Builder:   manifest.NewBuilder(r),
		Store:     s,
		Deliverer: delivery.New(h.deliveryDir),
		Publisher: h.events,
	}
	for _, opt := range opts {
		opt(&deps, &exec)
	}
	if deps.NewWorker == nil {
		deps.NewWorker = func(ctx context.Context) (coordinator.Worker, error) {
			host := executor.New(exec)
			host.Start(ctx)
			return host, nil
		}
	}

	h.coord = coordinator.New(deps)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.coord.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) waitStatus(t *testing.T, id string, want manifest.Status) *manifest.Manifest {
	t.Helper()
	var last *manifest.Manifest
	require.Eventually(t, func() bool {
		snap, err := h.coord.Status(id)
		if err != nil {
			return false
		}
		last = snap.Manifest
		return last.Status == want
	}, 3*time.Second, 10*time.Millisecond, "status never became %s", want)
	return last
}

func (h *harness) waitReleased(t *testing.T, id string) *manifest.Manifest {
	t.Helper()
	var last *manifest.Manifest
	require.Eventually(t, func() bool {
		snap, err := h.coord.Status(id)
		if err != nil {
			return false
		}
		last = snap.Manifest
		return last.ReleasedAt != nil
	}, 3*time.Second, 10*time.Millisecond)
	return last
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.coord.ActiveJobs()) == 0 }, 3*time.Second, 10*time.Millisecond)
}

func refs(ids ...string) []manifest.PlaylistRef {
	out := make([]manifest.PlaylistRef, len(ids))
	for i, id := range ids {
		out[i] = manifest.PlaylistRef{ID: id}
	}
	return out
}

func TestHappyPath(t *testing.T) {
	h := newHarness(t, resolver{
		"p1": playlist("p1", "Morning", "a", "b"),
		"p2": playlist("p2", "Evening", "c"),
	})

	res, err := h.coord.Start(context.Background(), refs("p1", "p2"))
	require.NoError(t, err)
	assert.Equal(t, 3, res.TotalFiles)
	assert.Equal(t, 3*coordinator.AvgAudioBytes, res.Estimated)

	m := h.waitStatus(t, res.ManifestID, manifest.StatusCompleted)
	assert.Equal(t, manifest.Progress{Total: 3, Completed: 3}, m.Progress)
	assert.Equal(t, 100.0, m.Percent())
	assert.NotNil(t, m.StartedAt)
	assert.NotNil(t, m.CompletedAt)
	for _, pl := range m.Playlists {
		require.NotNil(t, pl.Archive, pl.ID)
		assert.FileExists(t, pl.Archive.Path)
	}
	assert.FileExists(t, filepath.Join(h.deliveryDir, "Morning.zip"))
	assert.FileExists(t, filepath.Join(h.deliveryDir, "Evening.zip"))

	m = h.waitReleased(t, res.ManifestID)
	assert.NotNil(t, m.ReleasedAt)
	assert.NoDirExists(t, filepath.Join(h.storageRoot, res.ManifestID))

	relayed := h.events.ofType(protocol.EventPlaylistCompleted)
	require.Len(t, relayed, 2)
	for _, ev := range relayed {
		assert.Nil(t, ev.Archive.Data, "archive bytes are never relayed")
		assert.NotEmpty(t, ev.Archive.Path)
	}
	assert.Len(t, h.events.ofType(protocol.EventExportCompleted), 1)
}

func TestFailedTrackStillCompletes(t *testing.T) {
	h := newHarness(t, resolver{"p1": playlist("p1", "Mixed", "good", "gone")})
	h.fetcher.setFail("https://cdn.test/p1/gone.mp3", true)

	res, err := h.coord.Start(context.Background(), refs("p1"))
	require.NoError(t, err)

	m := h.waitStatus(t, res.ManifestID, manifest.StatusCompleted)
	assert.Equal(t, manifest.Progress{Total: 2, Completed: 1, Failed: 1}, m.Progress)
	failed := m.Files["p1/audio/002"]
	assert.True(t, failed.Failed)
	assert.False(t, failed.Stored)
	assert.Contains(t, failed.Error, "404")
	require.NotNil(t, m.Playlists[0].Archive)
}

func TestAllFailedPlaylistThenResume(t *testing.T) {
	h := newHarness(t, resolver{
		"ok":     playlist("ok", "Fine", "a"),
		"broken": playlist("broken", "Broken", "x", "y"),
	})
	h.fetcher.setFail("https://cdn.test/broken/x.mp3", true)
	h.fetcher.setFail("https://cdn.test/broken/y.mp3", true)

	res, err := h.coord.Start(context.Background(), refs("ok", "broken"))
	require.NoError(t, err)

	m := h.waitStatus(t, res.ManifestID, manifest.StatusCompleted)
	pl, ok := m.Playlist("broken")
	require.True(t, ok)
	assert.False(t, pl.Done())
	assert.Equal(t, protocol.CodeAllFailed, pl.ErrorCode)
	assert.Nil(t, m.ReleasedAt, "storage is kept while a playlist is unfinished")
	h.waitIdle(t)

	h.fetcher.setFail("https://cdn.test/broken/x.mp3", false)
	h.fetcher.setFail("https://cdn.test/broken/y.mp3", false)

	rr, err := h.coord.Resume(context.Background(), res.ManifestID)
	require.NoError(t, err)
	assert.True(t, rr.Resumed)
	assert.Equal(t, 2, rr.Pending)

	m = h.waitReleased(t, res.ManifestID)
	assert.Equal(t, manifest.StatusCompleted, m.Status)
	assert.Equal(t, manifest.Progress{Total: 3, Completed: 3}, m.Progress)
	pl, _ = m.Playlist("broken")
	assert.True(t, pl.Done())
	assert.Empty(t, pl.ErrorCode)
}

func TestQuotaFallbackStillDelivers(t *testing.T) {
	h := newHarness(t, resolver{"p1": playlist("p1", "Tight", "a", "b")}, func(_ *coordinator.Deps, e *executor.Deps) {
		e.Quota = 1
	})

	res, err := h.coord.Start(context.Background(), refs("p1"))
	require.NoError(t, err)

	m := h.waitStatus(t, res.ManifestID, manifest.StatusCompleted)
	for _, f := range m.Files {
		assert.True(t, f.Stored)
		assert.True(t, f.InMemoryOnly, f.ID)
	}
	assert.FileExists(t, filepath.Join(h.deliveryDir, "Tight.zip"))

	done := h.events.ofType(protocol.EventDownloadCompleted)
	require.Len(t, done, 2)
	assert.True(t, done[0].InMemoryOnly)
}

func TestCancelThenResume(t *testing.T) {
	h := newHarness(t, resolver{"p1": playlist("p1", "Slow", "a", "b", "c")})
	h.fetcher.gate = make(chan struct{})

	res, err := h.coord.Start(context.Background(), refs("p1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.coord.ActiveJobs()) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.coord.Cancel(context.Background(), res.ManifestID))
	snap, err := h.coord.Status(res.ManifestID)
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusCancelled, snap.Manifest.Status)
	assert.NotNil(t, snap.Manifest.CancelledAt)
	assert.Len(t, h.events.ofType(protocol.EventExportCancelled), 1)

	h.waitIdle(t)
	snap, err = h.coord.Status(res.ManifestID)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Manifest.Pending(), "aborted downloads stay pending")
	assert.Equal(t, manifest.StatusCancelled, snap.Manifest.Status)
	assert.Empty(t, h.events.ofType(protocol.EventExportCompleted))

	// Cancelling again is a no-op.
	require.NoError(t, h.coord.Cancel(context.Background(), res.ManifestID))
	assert.Len(t, h.events.ofType(protocol.EventExportCancelled), 1)

	h.fetcher.open()
	rr, err := h.coord.Resume(context.Background(), res.ManifestID)
	require.NoError(t, err)
	assert.True(t, rr.Resumed)
	assert.Equal(t, 3, rr.Pending)

	m := h.waitStatus(t, res.ManifestID, manifest.StatusCompleted)
	assert.Nil(t, m.CancelledAt)
	assert.Equal(t, manifest.Progress{Total: 3, Completed: 3}, m.Progress)
}

func TestResumeIsIdempotent(t *testing.T) {
	h := newHarness(t, resolver{"p1": playlist("p1", "Once", "a")})

	res, err := h.coord.Start(context.Background(), refs("p1"))
	require.NoError(t, err)
	h.waitReleased(t, res.ManifestID)
	h.waitIdle(t)

	before := len(h.events.ofType(protocol.EventExportStarted))
	for range 2 {
		rr, err := h.coord.Resume(context.Background(), res.ManifestID)
		require.NoError(t, err)
		assert.False(t, rr.Resumed)
		assert.Zero(t, rr.Pending)
	}
	assert.Len(t, h.events.ofType(protocol.EventExportStarted), before, "no-op resume dispatches nothing")
}

func TestResumeUnknown(t *testing.T) {
	h := newHarness(t, resolver{})
	_, err := h.coord.Resume(context.Background(), "missing")
	assert.ErrorIs(t, err, coordinator.ErrManifestNotFound)

	_, err = h.coord.Status("missing")
	assert.ErrorIs(t, err, coordinator.ErrManifestNotFound)
	assert.ErrorIs(t, h.coord.Cancel(context.Background(), "missing"), coordinator.ErrManifestNotFound)
}

func TestInsufficientSpace(t *testing.T) {
	var asked int64
	h := newHarness(t, resolver{"p1": playlist("p1", "Huge", "a", "b")}, func(d *coordinator.Deps, _ *executor.Deps) {
		d.Space = spaceFunc(func(n int64) (bool, error) {
			asked = n
			return false, nil
		})
	})

	_, err := h.coord.Start(context.Background(), refs("p1"))
	assert.ErrorIs(t, err, coordinator.ErrInsufficientSpace)
	assert.Equal(t, 2*coordinator.AvgAudioBytes, asked)

	list, err := h.coord.List()
	require.NoError(t, err)
	assert.Empty(t, list, "manifest is never persisted")
}

func TestNoPlaylists(t *testing.T) {
	h := newHarness(t, resolver{})
	_, err := h.coord.Start(context.Background(), refs("missing"))
	assert.ErrorIs(t, err, manifest.ErrNoPlaylists)
}

func TestWorkerUnavailable(t *testing.T) {
	h := newHarness(t, resolver{"p1": playlist("p1", "One", "a")}, func(d *coordinator.Deps, _ *executor.Deps) {
		d.NewWorker = func(context.Context) (coordinator.Worker, error) {
			return nil, errors.New("spawn failed")
		}
	})

	res, err := h.coord.Start(context.Background(), refs("p1"))
	assert.ErrorIs(t, err, coordinator.ErrWorkerUnavailable)
	require.NotEmpty(t, res.ManifestID)

	snap, err := h.coord.Status(res.ManifestID)
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusPending, snap.Manifest.Status)
}

func TestZeroAssetPlaylistEndsInError(t *testing.T) {
	empty := &content.Playlist{ID: "e", Title: "Empty"}
	h := newHarness(t, resolver{"e": empty})

	res, err := h.coord.Start(context.Background(), refs("e"))
	require.NoError(t, err)
	assert.Zero(t, res.TotalFiles)

	m := h.waitStatus(t, res.ManifestID, manifest.StatusError)
	assert.Equal(t, protocol.ReasonNoFiles, m.Playlists[0].Error)
	assert.Equal(t, protocol.CodeNoFiles, m.Playlists[0].ErrorCode)
}

func TestCrashedWorkerJobEndsInError(t *testing.T) {
	h := newHarness(t, resolver{"p1": playlist("p1", "Doomed", "a")}, func(_ *coordinator.Deps, e *executor.Deps) {
		e.PoolOptions = []worker.Option{worker.WithPacker(func(manifest.PlaylistExport, []manifest.FileRecord, archive.Reader, archive.Reader) (*archive.Archive, error) {
			panic("out of zip")
		})}
	})

	res, err := h.coord.Start(context.Background(), refs("p1"))
	require.NoError(t, err)

	m := h.waitStatus(t, res.ManifestID, manifest.StatusError)
	assert.Contains(t, m.Error, "out of zip")
	assert.NotNil(t, m.CompletedAt)
	assert.Len(t, h.events.ofType(protocol.EventExportError), 1)
}

func TestCreateZip(t *testing.T) {
	h := newHarness(t, resolver{"p1": playlist("p1", "Again", "a", "gone")})
	h.fetcher.setFail("https://cdn.test/p1/gone.mp3", true)
	h.fetcher.setFail("https://cdn.test/p1/a.mp3", true)

	res, err := h.coord.Start(context.Background(), refs("p1"))
	require.NoError(t, err)
	h.waitStatus(t, res.ManifestID, manifest.StatusError)
	h.waitIdle(t)

	err = h.coord.CreateZip(context.Background(), res.ManifestID, []string{"nope"})
	assert.ErrorIs(t, err, coordinator.ErrUnknownPlaylist)

	require.NoError(t, h.coord.CreateZip(context.Background(), res.ManifestID, nil))
	require.Eventually(t, func() bool {
		return len(h.events.ofType(protocol.EventPlaylistFailed)) == 2
	}, 2*time.Second, 10*time.Millisecond, "repacking a playlist without stored files fails again")
}

func TestList(t *testing.T) {
	h := newHarness(t, resolver{"p1": playlist("p1", "One", "a")})
	var ids []string
	for range 2 {
		res, err := h.coord.Start(context.Background(), refs("p1"))
		require.NoError(t, err)
		ids = append(ids, res.ManifestID)
		h.waitStatus(t, res.ManifestID, manifest.StatusCompleted)
		time.Sleep(2 * time.Millisecond)
	}

	list, err := h.coord.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, ids[1], list[0].ID, "newest first")

	entries, err := os.ReadDir(h.deliveryDir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"One.zip", "One (2).zip"}, names)
}

func TestRecover(t *testing.T) {
	h := newHarness(t, resolver{})
	m := manifest.New("stale", time.Now())
	m.Status = manifest.StatusDownloading
	require.NoError(t, h.store.PutManifest(m))

	n, err := h.coord.Recover()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	snap, err := h.coord.Status("stale")
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusPending, snap.Manifest.Status)
}

func TestRecoverRedownloadsMemoryOnlyFiles(t *testing.T) {
	r := resolver{"p1": playlist("p1", "Survivor", "a", "b")}
	h := newHarness(t, r)

	// A job from an earlier daemon: a was only kept in memory, b failed.
	m, err := manifest.NewBuilder(r).Build(context.Background(), refs("p1"))
	require.NoError(t, err)
	for id, rec := range m.Files {
		switch rec.URL {
		case "https://cdn.test/p1/a.mp3":
			rec.MarkStored(rec.ID, 7, true, 1, time.Now())
		case "https://cdn.test/p1/b.mp3":
			rec.MarkFailed("timed out", 1, time.Now())
		}
		m.Files[id] = rec
	}
	m.RecomputeProgress()
	m.Status = manifest.StatusError
	require.NoError(t, h.store.PutManifest(m))

	n, err := h.coord.Recover()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	snap, err := h.coord.Status(m.ID)
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusError, snap.Manifest.Status)
	assert.Equal(t, manifest.Progress{Total: 2, Failed: 1}, snap.Manifest.Progress)

	rr, err := h.coord.Resume(context.Background(), m.ID)
	require.NoError(t, err)
	assert.True(t, rr.Resumed)
	assert.Equal(t, 2, rr.Pending)

	done := h.waitReleased(t, m.ID)
	assert.Equal(t, manifest.StatusCompleted, done.Status)
	assert.Equal(t, manifest.Progress{Total: 2, Completed: 2}, done.Progress)
	assert.True(t, done.Playlists[0].Done())
	assert.FileExists(t, filepath.Join(h.deliveryDir, "Survivor.zip"))
}

func TestResumeAfterStorageReleased(t *testing.T) {
	h := newHarness(t, resolver{"p1": playlist("p1", "Stalled", "a", "b")}, func(_ *coordinator.Deps, e *executor.Deps) {
		e.Pool.PlaylistTimeout = 200 * time.Millisecond
	})
	h.fetcher.setStall("https://cdn.test/p1/b.mp3", true)

	res, err := h.coord.Start(context.Background(), refs("p1"))
	require.NoError(t, err)
	m := h.waitStatus(t, res.ManifestID, manifest.StatusError)
	assert.Equal(t, protocol.CodeTimeout, m.Playlists[0].ErrorCode)
	h.waitIdle(t)

	n, err := h.coord.Reap(context.Background(), time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	m = h.waitReleased(t, res.ManifestID)
	require.NotNil(t, m.ReleasedAt, "unfinished job keeps its manifest")

	h.fetcher.setStall("https://cdn.test/p1/b.mp3", false)
	rr, err := h.coord.Resume(context.Background(), res.ManifestID)
	require.NoError(t, err)
	assert.True(t, rr.Resumed)
	assert.Equal(t, 2, rr.Pending, "released files are downloaded again")

	m = h.waitStatus(t, res.ManifestID, manifest.StatusCompleted)
	assert.Equal(t, manifest.Progress{Total: 2, Completed: 2}, m.Progress)
	pl := m.Playlists[0]
	assert.True(t, pl.Done())
	assert.Empty(t, pl.ErrorCode)
	assert.FileExists(t, filepath.Join(h.deliveryDir, "Stalled.zip"))
}

// finishingWorker reports the job finished while a cancel is delivered.
type finishingWorker struct {
	store  coordinator.Store
	events chan protocol.Event
}

func (w *finishingWorker) Send(_ context.Context, cmd protocol.Command) (protocol.Ack, error) {
	if cmd.Type == protocol.CommandCancel {
		m, err := w.store.GetManifest(cmd.ManifestID)
		if err != nil {
			return protocol.Ack{}, err
		}
		m.Status = manifest.StatusCompleted
		if err := w.store.PutManifest(m); err != nil {
			return protocol.Ack{}, err
		}
	}
	return protocol.Accepted("ok"), nil
}

func (w *finishingWorker) Events() <-chan protocol.Event { return w.events }
func (w *finishingWorker) Alive() bool { return true }
func (w *finishingWorker) Active() []string { return nil }

func TestCancelKeepsJobFinishedMeanwhile(t *testing.T) {
	h := newHarness(t, resolver{"p1": playlist("p1", "Quick", "a")}, func(d *coordinator.Deps, _ *executor.Deps) {
		w := &finishingWorker{store: d.Store, events: make(chan protocol.Event)}
		d.NewWorker = func(context.Context) (coordinator.Worker, error) { return w, nil }
	})

	res, err := h.coord.Start(context.Background(), refs("p1"))
	require.NoError(t, err)

	require.NoError(t, h.coord.Cancel(context.Background(), res.ManifestID))
	snap, err := h.coord.Status(res.ManifestID)
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusCompleted, snap.Manifest.Status)
	assert.Nil(t, snap.Manifest.CancelledAt)
	assert.Empty(t, h.events.ofType(protocol.EventExportCancelled))
}

func TestReap(t *testing.T) {
	h := newHarness(t, resolver{})
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	at := func(ago time.Duration) *time.Time {
		ts := now.Add(-ago)
		return &ts
	}

	delivered := manifest.New("delivered", now.Add(-3*time.Hour))
	delivered.AddPlaylist(manifest.PlaylistExport{ID: "p", CompletedAt: at(2 * time.Hour)}, nil)
	delivered.Status = manifest.StatusCompleted
	delivered.CompletedAt = at(2 * time.Hour)
	delivered.ReleasedAt = at(2 * time.Hour)

	partial := manifest.New("partial", now.Add(-3*time.Hour))
	partial.AddPlaylist(manifest.PlaylistExport{ID: "p", CompletedAt: at(2 * time.Hour)}, nil)
	partial.AddPlaylist(manifest.PlaylistExport{ID: "q", FailedAt: at(2 * time.Hour)}, nil)
	partial.Status = manifest.StatusCompleted
	partial.CompletedAt = at(2 * time.Hour)

	recent := manifest.New("recent", now.Add(-time.Hour))
	recent.AddPlaylist(manifest.PlaylistExport{ID: "p", CompletedAt: at(time.Minute)}, nil)
	recent.Status = manifest.StatusCompleted
	recent.CompletedAt = at(time.Minute)

	abandoned := manifest.New("abandoned", now.Add(-8*24*time.Hour))
	abandoned.Status = manifest.StatusCancelled

	for _, m := range []*manifest.Manifest{delivered, partial, recent, abandoned} {
		require.NoError(t, h.store.PutManifest(m))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(h.storageRoot, "abandoned", "p"), 0o755))

	n, err := h.coord.Reap(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = h.coord.Status("delivered")
	assert.ErrorIs(t, err, coordinator.ErrManifestNotFound, "delivered jobs are removed")

	snap, err := h.coord.Status("partial")
	require.NoError(t, err, "unfinished jobs stay resumable")
	assert.NotNil(t, snap.Manifest.ReleasedAt)

	snap, err = h.coord.Status("recent")
	require.NoError(t, err)
	assert.Nil(t, snap.Manifest.ReleasedAt)

	_, err = h.coord.Status("abandoned")
	assert.ErrorIs(t, err, coordinator.ErrManifestNotFound)
	assert.NoDirExists(t, filepath.Join(h.storageRoot, "abandoned"))

	// Released jobs are not released twice.
	n, err = h.coord.Reap(context.Background(), now)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEstimate(t *testing.T) {
	m := manifest.New("e", time.Now())
	m.AddPlaylist(manifest.PlaylistExport{ID: "p"}, []manifest.FileRecord{
		{ID: "a", Type: manifest.AssetAudio, Size: 1000},
		{ID: "b", Type: manifest.AssetAudio},
		{ID: "c", Type: manifest.AssetCover},
		{ID: "d", Type: manifest.AssetIcon},
	})
	stored := manifest.FileRecord{ID: "s", Type: manifest.AssetAudio}
	stored.MarkStored("x", 5, false, 1, time.Now())
	m.Files["s"] = stored

	want := 1000 + coordinator.AvgAudioBytes + coordinator.AvgCoverBytes + coordinator.AvgIconBytes
	assert.Equal(t, want, coordinator.Estimate(m))
}
