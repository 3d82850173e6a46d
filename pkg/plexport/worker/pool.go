// Package worker runs the downloads of one export job. A Pool walks the
// manifest's playlists in order, downloads each playlist's pending files
// with bounded concurrency, packs what was stored and reports everything
// as protocol events.
package worker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/jamesainslie/plexport/pkg/plexport/archive"
	"github.com/jamesainslie/plexport/pkg/plexport/fetch"
	"github.com/jamesainslie/plexport/pkg/plexport/logging"
	"github.com/jamesainslie/plexport/pkg/plexport/manifest"
	"github.com/jamesainslie/plexport/pkg/plexport/protocol"
	"github.com/jamesainslie/plexport/pkg/plexport/storage"
)

// Fetcher downloads one URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string, onProgress fetch.ProgressFunc) (*fetch.Result, error)
}

// Store keeps downloaded bytes and hands out readers for packing.
type Store interface {
	Save(data []byte, rec manifest.FileRecord) (storage.SaveResult, error)
	Readers() (persistent, memory storage.Reader)
}

// PackFunc builds the archive of one playlist.
type PackFunc func(pl manifest.PlaylistExport, records []manifest.FileRecord, persistent, memory archive.Reader) (*archive.Archive, error)

// Sink receives events. It is called from several goroutines.
type Sink func(protocol.Event)

// Options tunes a Pool.
type Options struct {
	MaxConcurrent    int
	MaxAttempts      int
	PlaylistTimeout  time.Duration
	ProgressInterval time.Duration
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		MaxConcurrent:    6,
		MaxAttempts:      3,
		PlaylistTimeout:  5 * time.Minute,
		ProgressInterval: 250 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxConcurrent < 1 {
		o.MaxConcurrent = d.MaxConcurrent
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.PlaylistTimeout <= 0 {
		o.PlaylistTimeout = d.PlaylistTimeout
	}
	if o.ProgressInterval < 0 {
		o.ProgressInterval = 0
	}
	return o
}

// Option customizes a Pool.
type Option func(*Pool)

// WithPacker replaces archive.Pack.
func WithPacker(fn PackFunc) Option {
	return func(p *Pool) { p.pack = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

type taskState string

const (
	taskQueued  taskState = "queued"
	taskRunning taskState = "running"
	taskSettled taskState = "settled"
)

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeCompleted
	outcomeFailed
	outcomeAborted
)

// Pool executes a single job. It owns a private copy of the manifest, its
// task table and its cancel func.
type Pool struct {
	opts    Options
	fetcher Fetcher
	store   Store
	pack    PackFunc
	emit    Sink
	now     func() time.Time
	log     *logging.Logger

	mu        sync.Mutex
	m         *manifest.Manifest
	tasks     map[string]taskState
	inFlight  int
	peak      int
	started   bool
	cancelled bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a Pool over a copy of m.
func New(m *manifest.Manifest, fetcher Fetcher, store Store, emit Sink, opts Options, options ...Option) *Pool {
	p := &Pool{
		opts:    opts.withDefaults(),
		fetcher: fetcher,
		store:   store,
		pack:    archive.Pack,
		emit:    emit,
		now:     time.Now,
		log:     logging.Get("worker").With("manifest", m.ID),
		m:       m.Clone(),
		tasks:   make(map[string]taskState),
		done:    make(chan struct{}),
	}
	for _, opt := range options {
		opt(p)
	}
	if p.emit == nil {
		p.emit = func(protocol.Event) {}
	}
	return p
}

// ID is the manifest id the pool works on.
func (p *Pool) ID() string { return p.m.ID }

// Run downloads every pending file and returns when the job finished or
// was cancelled. Run executes at most once; later calls return immediately.
func (p *Pool) Run(ctx context.Context) protocol.Stats {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return p.stats()
	}
	p.started = true
	p.cancel = cancel
	if p.cancelled {
		cancel()
	}
	p.mu.Unlock()
	defer close(p.done)

	start := p.now()
	total := len(p.m.Playlists)
	p.log.Info("export started", "playlists", total, "files", len(p.m.Files))
	p.send(protocol.Event{Type: protocol.EventExportStarted, Total: total})

	var completed, failed int
	for i, pl := range p.m.Playlists {
		if ctx.Err() != nil {
			break
		}
		switch p.runPlaylist(ctx, pl, i+1, total) {
		case outcomeCompleted, outcomeSkipped:
			completed++
		case outcomeFailed:
			failed++
		}
	}

	stats := p.stats()
	stats.Completed = completed
	stats.Failed = failed
	stats.Duration = p.now().Sub(start)

	if ctx.Err() != nil {
		p.log.Info("export cancelled", "completed", completed, "failed", failed)
		return stats
	}

	p.log.Info("export finished", "completed", completed, "failed", failed, "duration", stats.Duration)
	p.send(protocol.Event{Type: protocol.EventExportCompleted, Total: total, Stats: &stats})
	return stats
}

// Cancel aborts the run. Tasks already in flight observe the cancelled
// context; files they did not finish stay pending.
func (p *Pool) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = true
	if p.cancel != nil {
		p.cancel()
	}
}

// Cancelled reports whether Cancel was called.
func (p *Pool) Cancelled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled
}

// Done is closed when Run returns.
func (p *Pool) Done() <-chan struct{} { return p.done }

// Snapshot returns a copy of the pool's view of the manifest.
func (p *Pool) Snapshot() *manifest.Manifest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.m.Clone()
}

// InFlight is the number of downloads currently running.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

// MaxInFlight is the highest number of concurrent downloads observed.
func (p *Pool) MaxInFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peak
}

// Pack archives the stored files of the given playlists (all when ids is
// empty) and emits one completed or failed event per playlist.
func (p *Pool) Pack(ids []string) {
	total := len(p.m.Playlists)
	for i, pl := range p.m.Playlists {
		if len(ids) > 0 && !lo.Contains(ids, pl.ID) {
			continue
		}
		p.finish(pl, i+1, total)
	}
}

// playlistRun tracks one playlist's download set.
type playlistRun struct {
	pl       manifest.PlaylistExport
	index    int
	total    int
	timedOut atomic.Bool
}

func (p *Pool) runPlaylist(jobCtx context.Context, pl manifest.PlaylistExport, index, total int) outcome {
	if pl.Done() {
		p.log.Debug("playlist already exported", "playlist", pl.ID)
		return outcomeSkipped
	}

	run := &playlistRun{pl: pl, index: index, total: total}
	work := p.worklist(pl)
	p.log.Info("playlist started", "playlist", pl.ID, "index", index, "files", len(work))
	p.send(run.event(protocol.EventPlaylistStarted))

	ctx, cancel := context.WithTimeout(jobCtx, p.opts.PlaylistTimeout)
	defer cancel()

	sem := semaphore.NewWeighted(int64(p.opts.MaxConcurrent))
	var g errgroup.Group
	for _, rec := range work {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		if ctx.Err() != nil {
			sem.Release(1)
			break
		}
		p.setTask(rec.ID, taskRunning)
		g.Go(func() error {
			defer sem.Release(1)
			p.download(ctx, jobCtx, run, rec)
			return nil
		})
	}
	_ = g.Wait()

	if jobCtx.Err() != nil {
		return outcomeAborted
	}
	if run.timedOut.Load() || (errors.Is(ctx.Err(), context.DeadlineExceeded) && p.pendingIn(pl) > 0) {
		p.log.Warn("playlist timed out", "playlist", pl.ID, "timeout", p.opts.PlaylistTimeout)
		ev := run.event(protocol.EventPlaylistFailed)
		ev.Reason = protocol.ReasonTimedOut
		ev.Code = protocol.CodeTimeout
		p.send(ev)
		return outcomeFailed
	}
	return p.finish(pl, index, total)
}

// worklist returns the playlist's pending records in audio, cover, icon
// order and queues them in the task table.
func (p *Pool) worklist(pl manifest.PlaylistExport) []manifest.FileRecord {
	p.mu.Lock()
	defer p.mu.Unlock()

	records := lo.Filter(p.m.PlaylistFiles(pl), func(r manifest.FileRecord, _ int) bool {
		return r.State() == manifest.FilePending
	})
	for _, r := range records {
		p.tasks[r.ID] = taskQueued
	}
	return records
}

func (p *Pool) pendingIn(pl manifest.PlaylistExport) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return lo.CountBy(p.m.PlaylistFiles(pl), func(r manifest.FileRecord) bool {
		return r.State() == manifest.FilePending
	})
}

func (p *Pool) download(ctx, jobCtx context.Context, run *playlistRun, rec manifest.FileRecord) {
	p.begin()
	defer p.end(rec.ID)

	ev := run.fileEvent(protocol.EventDownloadStarted, rec)
	p.send(ev)

	res, err := p.fetcher.Fetch(ctx, rec.URL, p.progress(run, rec))
	if err != nil {
		if jobCtx.Err() != nil {
			p.log.Debug("download aborted", "file", rec.ID)
			return
		}
		reason := err.Error()
		attempts := 1
		if errors.Is(err, fetch.ErrExhausted) {
			attempts = p.opts.MaxAttempts
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			run.timedOut.Store(true)
			reason = protocol.ReasonTimedOut
		}
		p.fail(run, rec, reason, attempts)
		return
	}

	saved, err := p.store.Save(res.Data, rec)
	if err != nil {
		p.fail(run, rec, fmt.Sprintf("storing %s: %v", rec.Filename, err), res.Attempts)
		return
	}

	p.mu.Lock()
	r := p.m.Files[rec.ID]
	r.MarkStored(saved.Ref, int64(len(res.Data)), saved.InMemoryOnly, res.Attempts, p.now())
	p.m.Files[rec.ID] = r
	p.m.RecomputeProgress()
	p.mu.Unlock()

	if saved.InMemoryOnly {
		p.log.Warn("file kept in memory only", "file", rec.ID)
	}
	p.sendUpdate(r)

	ev = run.fileEvent(protocol.EventDownloadCompleted, r)
	ev.BytesReceived = r.Size
	ev.BytesTotal = r.Size
	ev.InMemoryOnly = saved.InMemoryOnly
	ev.Source = string(res.Source)
	ev.Attempts = res.Attempts
	p.send(ev)
}

func (p *Pool) fail(run *playlistRun, rec manifest.FileRecord, reason string, attempts int) {
	p.mu.Lock()
	r := p.m.Files[rec.ID]
	r.MarkFailed(reason, attempts, p.now())
	p.m.Files[rec.ID] = r
	p.m.RecomputeProgress()
	p.mu.Unlock()

	p.log.Warn("download failed", "file", rec.ID, "attempts", attempts, "error", reason)
	p.sendUpdate(r)

	ev := run.fileEvent(protocol.EventDownloadFailed, r)
	ev.Error = reason
	ev.Attempts = attempts
	p.send(ev)
}

// progress returns a callback that emits at most one progress event per
// interval, plus the final one.
func (p *Pool) progress(run *playlistRun, rec manifest.FileRecord) fetch.ProgressFunc {
	var last time.Time
	return func(received, total int64) {
		now := p.now()
		if received != total && now.Sub(last) < p.opts.ProgressInterval {
			return
		}
		last = now
		ev := run.fileEvent(protocol.EventDownloadProgress, rec)
		ev.BytesReceived = received
		ev.BytesTotal = total
		p.send(ev)
	}
}

// finish packs a settled playlist.
func (p *Pool) finish(pl manifest.PlaylistExport, index, total int) outcome {
	run := &playlistRun{pl: pl, index: index, total: total}

	p.mu.Lock()
	records := p.m.PlaylistFiles(pl)
	p.mu.Unlock()

	stored := lo.CountBy(records, func(r manifest.FileRecord) bool { return r.Stored })
	if stored == 0 {
		ev := run.event(protocol.EventPlaylistFailed)
		ev.Reason, ev.Code = protocol.ReasonNoFiles, protocol.CodeNoFiles
		if failures := failureReasons(records); len(failures) > 0 {
			ev.Reason = fmt.Sprintf("all %d files failed: %s", len(records), strings.Join(failures, "; "))
			ev.Code = protocol.CodeAllFailed
		}
		p.log.Warn("playlist failed", "playlist", pl.ID, "reason", ev.Reason)
		p.send(ev)
		return outcomeFailed
	}

	persistent, memory := p.store.Readers()
	a, err := p.pack(pl, records, persistent, memory)
	if err != nil {
		ev := run.event(protocol.EventPlaylistFailed)
		ev.Reason = fmt.Sprintf("packing archive: %v", err)
		ev.Code = protocol.CodePackaging
		p.log.Error("packing failed", "playlist", pl.ID, "error", err)
		p.send(ev)
		return outcomeFailed
	}

	p.log.Info("playlist exported", "playlist", pl.ID, "archive", a.Filename, "files", len(a.Files), "size", a.Size)
	ev := run.event(protocol.EventPlaylistCompleted)
	ev.Archive = &protocol.Archive{
		Filename: a.Filename,
		Size:     a.Size,
		Files:    len(a.Files),
		Data:     a.Data,
	}
	p.send(ev)
	return outcomeCompleted
}

// failureReasons returns the distinct error strings of failed records.
func failureReasons(records []manifest.FileRecord) []string {
	reasons := lo.FilterMap(records, func(r manifest.FileRecord, _ int) (string, bool) {
		return r.Error, r.Failed && r.Error != ""
	})
	reasons = lo.Uniq(reasons)
	slices.Sort(reasons)
	return reasons
}

func (p *Pool) stats() protocol.Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := protocol.Stats{Playlists: len(p.m.Playlists)}
	for _, f := range p.m.Files {
		switch {
		case f.Stored:
			s.FilesStored++
			if f.InMemoryOnly {
				s.InMemory++
			}
		case f.Failed:
			s.FilesFailed++
		}
	}
	return s
}

func (p *Pool) setTask(id string, s taskState) {
	p.mu.Lock()
	p.tasks[id] = s
	p.mu.Unlock()
}

func (p *Pool) begin() {
	p.mu.Lock()
	p.inFlight++
	p.peak = max(p.peak, p.inFlight)
	p.mu.Unlock()
}

func (p *Pool) end(id string) {
	p.mu.Lock()
	p.inFlight--
	p.tasks[id] = taskSettled
	p.mu.Unlock()
}

func (p *Pool) sendUpdate(r manifest.FileRecord) {
	u := manifest.NewUpdate(r)
	p.send(protocol.Event{Type: protocol.EventManifestUpdate, PlaylistID: r.PlaylistID, FileID: r.ID, Update: &u})
}

func (p *Pool) send(ev protocol.Event) {
	ev.ManifestID = p.m.ID
	if ev.Time.IsZero() {
		ev.Time = p.now()
	}
	p.emit(ev)
}

func (r *playlistRun) event(t protocol.EventType) protocol.Event {
	return protocol.Event{
		Type:          t,
		PlaylistID:    r.pl.ID,
		PlaylistTitle: r.pl.Title,
		Index:         r.index,
		Total:         r.total,
	}
}

func (r *playlistRun) fileEvent(t protocol.EventType, rec manifest.FileRecord) protocol.Event {
	return protocol.Event{
		Type:       t,
		PlaylistID: r.pl.ID,
		FileID:     rec.ID,
		Filename:   rec.Filename,
		FileType:   rec.Type,
	}
}
