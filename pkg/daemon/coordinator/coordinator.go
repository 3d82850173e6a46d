// Package coordinator owns export jobs on the issuing side. It builds and
// persists manifests, dispatches commands to the worker host, folds worker
// events back into the stored manifests and relays them to watchers.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/samber/lo"

	"github.com/jamesainslie/plexport/pkg/daemon/store"
	"github.com/jamesainslie/plexport/pkg/plexport/logging"
	"github.com/jamesainslie/plexport/pkg/plexport/manifest"
	"github.com/jamesainslie/plexport/pkg/plexport/protocol"
)

var (
	// ErrManifestNotFound is returned for unknown job ids.
	ErrManifestNotFound = errors.New("manifest not found")

	// ErrWorkerUnavailable is returned when a command could not be
	// dispatched to the worker host.
	ErrWorkerUnavailable = errors.New("worker unavailable")

	// ErrInsufficientSpace is returned when the estimated job size does
	// not fit the storage quota or the disk.
	ErrInsufficientSpace = errors.New("insufficient storage space")

	// ErrRejected is returned when the worker host declines a command.
	ErrRejected = errors.New("command rejected by worker")

	// ErrUnknownPlaylist is returned by CreateZip for ids outside the job.
	ErrUnknownPlaylist = errors.New("playlist not part of this export")
)

// Builder turns playlist references into a manifest.
type Builder interface {
	Build(ctx context.Context, refs []manifest.PlaylistRef) (*manifest.Manifest, error)
}

// Store persists manifests.
type Store interface {
	PutManifest(m *manifest.Manifest) error
	GetManifest(id string) (*manifest.Manifest, error)
	DeleteManifest(id string) error
	ListManifests() ([]*manifest.Manifest, error)
}

// Worker is the worker execution context.
type Worker interface {
	Send(ctx context.Context, cmd protocol.Command) (protocol.Ack, error)
	Events() <-chan protocol.Event
	Alive() bool
	Active() []string
}

// WorkerFactory starts a worker host.
type WorkerFactory func(ctx context.Context) (Worker, error)

// Deliverer saves an archive for the user and returns where it went.
type Deliverer interface {
	Deliver(manifestID string, a *protocol.Archive) (string, error)
}

// SpaceChecker reports whether estimated bytes fit the storage budget.
type SpaceChecker interface {
	HasSpace(estimated int64) (bool, error)
}

// Publisher relays events to watchers.
type Publisher interface {
	Notify(ev protocol.Event)
}

// Options tunes a Coordinator.
type Options struct {
	DispatchTimeout     time.Duration
	CleanupInterval     time.Duration
	CompletedRetention  time.Duration
	IncompleteRetention time.Duration
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		DispatchTimeout:     10 * time.Second,
		CleanupInterval:     10 * time.Minute,
		CompletedRetention:  time.Hour,
		IncompleteRetention: 7 * 24 * time.Hour,
	}
}

// Deps are the coordinator's collaborators. Space and Publisher may be nil.
type Deps struct {
	Builder   Builder
	Store     Store
	NewWorker WorkerFactory
	Deliverer Deliverer
	Space     SpaceChecker
	Publisher Publisher
	Options   Options
	Now       func() time.Time
}

// StartResult describes a newly created export.
type StartResult struct {
	ManifestID string
	TotalFiles int
	Estimated  int64
}

// ResumeResult describes a resume request. Resumed is false when nothing
// was left to download.
type ResumeResult struct {
	ManifestID string
	Resumed    bool
	Pending    int
}

// Snapshot is a point-in-time view of a job.
type Snapshot struct {
	Manifest *manifest.Manifest
	Percent  float64
}

// Coordinator runs export jobs.
type Coordinator struct {
	builder   Builder
	store     Store
	newWorker WorkerFactory
	deliverer Deliverer
	space     SpaceChecker
	publisher Publisher
	opts      Options
	now       func() time.Time
	log       *logging.Logger

	// mu serializes read-modify-write cycles on stored manifests.
	mu sync.Mutex

	workerMu sync.Mutex
	base     context.Context
	worker   Worker
	attached chan struct{}
}

// New creates a Coordinator.
func New(deps Deps) *Coordinator {
	opts := deps.Options
	def := DefaultOptions()
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = def.DispatchTimeout
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = def.CleanupInterval
	}
	if opts.CompletedRetention <= 0 {
		opts.CompletedRetention = def.CompletedRetention
	}
	if opts.IncompleteRetention <= 0 {
		opts.IncompleteRetention = def.IncompleteRetention
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		builder:   deps.Builder,
		store:     deps.Store,
		newWorker: deps.NewWorker,
		deliverer: deps.Deliverer,
		space:     deps.Space,
		publisher: deps.Publisher,
		opts:      opts,
		now:       now,
		log:       logging.Get("coordinator"),
		base:      context.Background(),
		attached:  make(chan struct{}, 1),
	}
}

// Start builds, persists and dispatches a new export.
func (c *Coordinator) Start(ctx context.Context, refs []manifest.PlaylistRef) (StartResult, error) {
	m, err := c.builder.Build(ctx, refs)
	if err != nil {
		return StartResult{}, err
	}

	estimate := Estimate(m)
	if c.space != nil {
		ok, err := c.space.HasSpace(estimate)
		if err != nil {
			return StartResult{}, fmt.Errorf("checking free space: %w", err)
		}
		if !ok {
			c.log.Warn("not enough space for export", "estimated", humanize.IBytes(uint64(estimate)))
			return StartResult{}, fmt.Errorf("%w: export needs about %s", ErrInsufficientSpace, humanize.IBytes(uint64(estimate)))
		}
	}

	if err := c.store.PutManifest(m); err != nil {
		return StartResult{}, fmt.Errorf("saving manifest: %w", err)
	}
	res := StartResult{ManifestID: m.ID, TotalFiles: m.Progress.Total, Estimated: estimate}
	c.log.Info("export created", "manifest", m.ID, "playlists", len(m.Playlists), "files", res.TotalFiles)

	if err := c.dispatchRun(ctx, protocol.CommandStart, m.ID, manifest.StatusPending); err != nil {
		return res, err
	}
	return res, nil
}

// Resume retries failed and pending files of an existing export.
func (c *Coordinator) Resume(ctx context.Context, id string) (ResumeResult, error) {
	res := ResumeResult{ManifestID: id}
	if slices.Contains(c.ActiveJobs(), id) {
		return res, fmt.Errorf("%w: export %s is still running", ErrRejected, id)
	}

	c.mu.Lock()
	m, err := c.get(id)
	if err != nil {
		c.mu.Unlock()
		return res, err
	}
	prev := m.Status
	var lost func(manifest.FileRecord) bool
	if m.ReleasedAt != nil {
		// Released storage holds none of the stored files any more.
		lost = func(manifest.FileRecord) bool { return true }
	}
	reset := resetResumable(m, lost)
	res.Pending = pendingResumable(m)
	if res.Pending == 0 {
		c.mu.Unlock()
		c.log.Info("nothing to resume", "manifest", id)
		return res, nil
	}
	m.CancelledAt = nil
	m.CompletedAt = nil
	m.ReleasedAt = nil
	m.Error = ""
	if err := c.store.PutManifest(m); err != nil {
		c.mu.Unlock()
		return res, fmt.Errorf("saving manifest: %w", err)
	}
	c.mu.Unlock()

	c.log.Info("resuming export", "manifest", id, "reset", reset, "pending", res.Pending)
	if err := c.dispatchRun(ctx, protocol.CommandResume, id, prev); err != nil {
		return res, err
	}
	res.Resumed = true
	return res, nil
}

// dispatchRun marks the job downloading, then sends a START or RESUME
// command carrying the manifest. On failure the status is reverted.
func (c *Coordinator) dispatchRun(ctx context.Context, t protocol.CommandType, id string, revert manifest.Status) error {
	w, err := c.ensureWorker(ctx)
	if err != nil {
		return err
	}

	now := c.now()
	snapshot, err := c.mutate(id, func(m *manifest.Manifest) {
		m.Status = manifest.StatusDownloading
		if m.StartedAt == nil {
			m.StartedAt = &now
		}
	})
	if err != nil {
		return err
	}

	if err := c.send(ctx, w, protocol.Command{Type: t, ManifestID: id, Manifest: snapshot}); err != nil {
		if _, rerr := c.mutate(id, func(m *manifest.Manifest) { m.Status = revert }); rerr != nil {
			c.log.Error("reverting status failed", "manifest", id, "error", rerr)
		}
		return err
	}
	return nil
}

// Cancel stops a running export. The manifest and its stored files are
// kept so the job can be resumed.
func (c *Coordinator) Cancel(ctx context.Context, id string) error {
	m, err := c.read(id)
	if err != nil {
		return err
	}
	if !cancellable(m.Status) {
		return nil
	}

	if w := c.currentWorker(); w != nil {
		if err := c.send(ctx, w, protocol.Command{Type: protocol.CommandCancel, ManifestID: id}); err != nil {
			c.log.Warn("cancel not delivered to worker", "manifest", id, "error", err)
		}
	}

	now := c.now()
	cancelled := false
	if _, err := c.mutate(id, func(m *manifest.Manifest) {
		// The job may have finished while the cancel was in flight.
		if cancellable(m.Status) {
			m.Status = manifest.StatusCancelled
			m.CancelledAt = &now
			cancelled = true
		}
	}); err != nil {
		return err
	}
	if !cancelled {
		return nil
	}

	c.log.Info("export cancelled", "manifest", id)
	c.publish(protocol.Event{Type: protocol.EventExportCancelled, ManifestID: id, Time: now})
	return nil
}

func cancellable(s manifest.Status) bool {
	return s != manifest.StatusCompleted && s != manifest.StatusCancelled
}

// Status returns a snapshot of one export.
func (c *Coordinator) Status(id string) (Snapshot, error) {
	m, err := c.read(id)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Manifest: m, Percent: m.Percent()}, nil
}

// List returns every export, newest first.
func (c *Coordinator) List() ([]*manifest.Manifest, error) {
	return c.store.ListManifests()
}

// CreateZip asks the worker to pack the given playlists (all when ids is
// empty) again.
func (c *Coordinator) CreateZip(ctx context.Context, id string, playlistIDs []string) error {
	m, err := c.read(id)
	if err != nil {
		return err
	}
	if m.ReleasedAt != nil {
		return fmt.Errorf("%w: stored files were already released", ErrRejected)
	}
	known := lo.Map(m.Playlists, func(pl manifest.PlaylistExport, _ int) string { return pl.ID })
	if missing, _ := lo.Difference(playlistIDs, known); len(missing) > 0 {
		return fmt.Errorf("%w: %v", ErrUnknownPlaylist, missing)
	}

	w, err := c.ensureWorker(ctx)
	if err != nil {
		return err
	}
	return c.send(ctx, w, protocol.Command{Type: protocol.CommandCreateZip, ManifestID: id, Manifest: m, PlaylistIDs: playlistIDs})
}

// Recover prepares jobs left by a previous daemon. Jobs left downloading
// are marked pending, and files that were only kept in the previous worker
// host's memory are marked pending again so resume downloads them.
func (c *Coordinator) Recover() (int, error) {
	list, err := c.store.ListManifests()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range list {
		interrupted := m.Status == manifest.StatusDownloading
		if !interrupted && lostInMemory(m) == 0 {
			continue
		}
		if _, err := c.mutate(m.ID, func(m *manifest.Manifest) {
			if m.Status == manifest.StatusDownloading {
				m.Status = manifest.StatusPending
			}
			if dropped := resetLost(m, inMemoryOnly); dropped > 0 {
				c.log.Info("in-memory files marked for download", "manifest", m.ID, "files", dropped)
			}
		}); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		c.log.Info("interrupted exports reset", "count", n)
	}
	return n, nil
}

// Run consumes worker events and reaps old jobs until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	c.workerMu.Lock()
	c.base = ctx
	c.workerMu.Unlock()

	ticker := time.NewTicker(c.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		w := c.currentWorker()
		var events <-chan protocol.Event
		if w != nil {
			events = w.Events()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.attached:
		case ev, ok := <-events:
			if !ok {
				c.detach(w)
				continue
			}
			c.Handle(ctx, ev)
		case now := <-ticker.C:
			if _, err := c.Reap(ctx, now); err != nil {
				c.log.Warn("reaping exports failed", "error", err)
			}
		}
	}
}

func (c *Coordinator) ensureWorker(ctx context.Context) (Worker, error) {
	c.workerMu.Lock()
	defer c.workerMu.Unlock()

	if c.worker != nil && c.worker.Alive() {
		return c.worker, nil
	}
	if c.newWorker == nil {
		return nil, ErrWorkerUnavailable
	}
	w, err := c.newWorker(c.base)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWorkerUnavailable, err)
	}
	c.worker = w
	select {
	case c.attached <- struct{}{}:
	default:
	}
	c.log.Info("worker host attached")
	return w, nil
}

func (c *Coordinator) currentWorker() Worker {
	c.workerMu.Lock()
	defer c.workerMu.Unlock()
	return c.worker
}

func (c *Coordinator) detach(w Worker) {
	c.workerMu.Lock()
	defer c.workerMu.Unlock()
	if c.worker == w {
		c.worker = nil
		c.log.Warn("worker host detached")
	}
}

func (c *Coordinator) send(ctx context.Context, w Worker, cmd protocol.Command) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.DispatchTimeout)
	defer cancel()

	ack, err := w.Send(ctx, cmd)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrWorkerUnavailable, cmd.Type, err)
	}
	if !ack.Success {
		return fmt.Errorf("%w: %s: %s", ErrRejected, cmd.Type, ack.Message)
	}
	return nil
}

// ActiveJobs returns ids of jobs the worker is downloading.
func (c *Coordinator) ActiveJobs() []string {
	if w := c.currentWorker(); w != nil && w.Alive() {
		return w.Active()
	}
	return nil
}

func (c *Coordinator) publish(ev protocol.Event) {
	if c.publisher != nil {
		c.publisher.Notify(ev)
	}
}

// read loads a manifest.
func (c *Coordinator) read(id string) (*manifest.Manifest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.get(id)
}

// get loads a manifest; the caller holds mu.
func (c *Coordinator) get(id string) (*manifest.Manifest, error) {
	m, err := c.store.GetManifest(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading manifest %s: %w", id, err)
	}
	return m, nil
}

// mutate applies fn to the stored manifest and saves it. It returns a
// copy of the result.
func (c *Coordinator) mutate(id string, fn func(*manifest.Manifest)) (*manifest.Manifest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, err := c.get(id)
	if err != nil {
		return nil, err
	}
	fn(m)
	if err := c.store.PutManifest(m); err != nil {
		return nil, fmt.Errorf("saving manifest %s: %w", id, err)
	}
	return m.Clone(), nil
}

// resetResumable moves failed files of unfinished playlists back to
// pending and clears those playlists' failure markers. Stored files for
// which lost reports true are moved back to pending too.
func resetResumable(m *manifest.Manifest, lost func(manifest.FileRecord) bool) int {
	n := 0
	if lost != nil {
		n = resetLost(m, lost)
	}
	for i := range m.Playlists {
		pl := &m.Playlists[i]
		if pl.Done() {
			continue
		}
		for _, id := range pl.FileIDs() {
			rec, ok := m.Files[id]
			if ok && rec.ResetFailed() {
				m.Files[id] = rec
				n++
			}
		}
		pl.FailedAt = nil
		pl.Error = ""
		pl.ErrorCode = ""
	}
	m.RecomputeProgress()
	return n
}

// resetLost moves stored files of unfinished playlists for which lost
// reports true back to pending.
func resetLost(m *manifest.Manifest, lost func(manifest.FileRecord) bool) int {
	n := 0
	for _, pl := range m.Playlists {
		if pl.Done() {
			continue
		}
		for _, id := range pl.FileIDs() {
			rec, ok := m.Files[id]
			if ok && rec.Stored && lost(rec) && rec.ResetStored() {
				m.Files[id] = rec
				n++
			}
		}
	}
	if n > 0 {
		m.RecomputeProgress()
	}
	return n
}

func inMemoryOnly(r manifest.FileRecord) bool { return r.InMemoryOnly }

// lostInMemory counts in-memory files of unfinished playlists.
func lostInMemory(m *manifest.Manifest) int {
	n := 0
	for _, pl := range m.Playlists {
		if pl.Done() {
			continue
		}
		n += lo.CountBy(m.PlaylistFiles(pl), func(r manifest.FileRecord) bool {
			return r.Stored && r.InMemoryOnly
		})
	}
	return n
}

// pendingResumable counts pending files of unfinished playlists.
func pendingResumable(m *manifest.Manifest) int {
	n := 0
	for _, pl := range m.Playlists {
		if pl.Done() {
			continue
		}
		n += lo.CountBy(m.PlaylistFiles(pl), func(r manifest.FileRecord) bool {
			return r.State() == manifest.FilePending
		})
	}
	return n
}
