// Package executor is the worker execution context. A Host receives
// commands over its inbox, runs one worker.Pool per job and sends every
// worker event back on a single channel. Commands and events are passed by
// value; the host never shares a manifest with its caller.
package executor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jamesainslie/plexport/pkg/plexport/logging"
	"github.com/jamesainslie/plexport/pkg/plexport/protocol"
	"github.com/jamesainslie/plexport/pkg/plexport/storage"
	"github.com/jamesainslie/plexport/pkg/plexport/worker"
)

// ErrStopped is returned by Send once the host has shut down.
var ErrStopped = errors.New("worker host stopped")

// EventBuffer is the capacity of the event channel.
const EventBuffer = 256

// Deps configures a Host.
type Deps struct {
	Fetcher     worker.Fetcher
	StorageRoot string
	Quota       int64
	Pool        worker.Options
	PoolOptions []worker.Option
}

type envelope struct {
	cmd   protocol.Command
	reply chan protocol.Ack
}

type job struct {
	pool    *worker.Pool
	store   *storage.Tiered
	running atomic.Bool
}

// Host executes jobs.
type Host struct {
	deps   Deps
	inbox  chan envelope
	events chan protocol.Event
	stop   chan struct{}
	done   chan struct{}
	alive  atomic.Bool
	wg     sync.WaitGroup
	log    *logging.Logger

	mu   sync.Mutex
	jobs map[string]*job
}

// New creates a stopped Host.
func New(deps Deps) *Host {
	return &Host{
		deps:   deps,
		inbox:  make(chan envelope),
		events: make(chan protocol.Event, EventBuffer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		jobs:   make(map[string]*job),
		log:    logging.Get("executor"),
	}
}

// Start runs the command loop until ctx is cancelled. Running jobs are
// cancelled on shutdown and the event channel is closed once they exit.
func (h *Host) Start(ctx context.Context) {
	h.alive.Store(true)
	go h.loop(ctx)
}

func (h *Host) loop(ctx context.Context) {
	defer close(h.done)
	h.log.Info("worker host started")

	for {
		select {
		case env := <-h.inbox:
			env.reply <- h.handle(ctx, env.cmd)
		case <-ctx.Done():
			h.shutdown()
			return
		}
	}
}

func (h *Host) shutdown() {
	h.alive.Store(false)
	close(h.stop)

	h.mu.Lock()
	for _, j := range h.jobs {
		j.pool.Cancel()
	}
	h.mu.Unlock()

	h.wg.Wait()
	close(h.events)
	h.log.Info("worker host stopped")
}

// Send delivers cmd and waits for the acknowledgement.
func (h *Host) Send(ctx context.Context, cmd protocol.Command) (protocol.Ack, error) {
	if !h.alive.Load() {
		return protocol.Ack{}, ErrStopped
	}
	env := envelope{cmd: cmd, reply: make(chan protocol.Ack, 1)}
	select {
	case h.inbox <- env:
	case <-h.done:
		return protocol.Ack{}, ErrStopped
	case <-ctx.Done():
		return protocol.Ack{}, ctx.Err()
	}
	select {
	case ack := <-env.reply:
		return ack, nil
	case <-h.done:
		return protocol.Ack{}, ErrStopped
	case <-ctx.Done():
		return protocol.Ack{}, ctx.Err()
	}
}

// Events returns the channel of worker events.
func (h *Host) Events() <-chan protocol.Event { return h.events }

// Done is closed when the host has stopped.
func (h *Host) Done() <-chan struct{} { return h.done }

// Alive reports whether the host accepts commands.
func (h *Host) Alive() bool { return h.alive.Load() }

// Active returns the ids of jobs with downloads in progress.
func (h *Host) Active() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var ids []string
	for id, j := range h.jobs {
		if j.running.Load() {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

func (h *Host) handle(ctx context.Context, cmd protocol.Command) protocol.Ack {
	log := h.log.With("command", cmd.Type, "manifest", cmd.ManifestID)
	log.Debug("command received")

	switch cmd.Type {
	case protocol.CommandStart, protocol.CommandResume:
		return h.run(ctx, cmd)
	case protocol.CommandCancel:
		return h.cancel(cmd)
	case protocol.CommandCreateZip:
		return h.createZip(cmd)
	case protocol.CommandDispose:
		return h.dispose(cmd)
	default:
		log.Warn("unknown command")
		return protocol.Rejected(fmt.Sprintf("unknown command %q", cmd.Type))
	}
}

func (h *Host) run(ctx context.Context, cmd protocol.Command) protocol.Ack {
	if cmd.Manifest == nil {
		return protocol.Rejected("command carries no manifest")
	}
	id := cmd.Manifest.ID

	h.mu.Lock()
	prev := h.jobs[id]
	h.mu.Unlock()
	if prev != nil && prev.running.Load() {
		return protocol.Rejected("downloads already running for " + id)
	}

	// Files kept in memory by an earlier run only survive in its store.
	store := h.storeOf(prev, id)
	j := &job{store: store}
	j.pool = worker.New(cmd.Manifest, h.deps.Fetcher, store, h.emit, h.deps.Pool, h.deps.PoolOptions...)
	j.running.Store(true)

	h.mu.Lock()
	h.jobs[id] = j
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer j.running.Store(false)
		defer h.recoverJob(id)
		stats := j.pool.Run(ctx)
		h.log.Debug("job finished", "manifest", id, "stored", stats.FilesStored, "failed", stats.FilesFailed)
	}()

	h.log.Info("downloads dispatched", "manifest", id, "command", cmd.Type, "pending", cmd.Manifest.Pending())
	return protocol.Accepted("downloads started")
}

func (h *Host) cancel(cmd protocol.Command) protocol.Ack {
	h.mu.Lock()
	j := h.jobs[cmd.ManifestID]
	h.mu.Unlock()

	if j == nil || !j.running.Load() {
		return protocol.Accepted("nothing running")
	}
	j.pool.Cancel()
	h.log.Info("cancel requested", "manifest", cmd.ManifestID)
	return protocol.Accepted("cancelling")
}

func (h *Host) createZip(cmd protocol.Command) protocol.Ack {
	h.mu.Lock()
	j := h.jobs[cmd.ManifestID]
	h.mu.Unlock()

	switch {
	case j != nil && j.running.Load():
		return protocol.Rejected("downloads still running")
	case j == nil || cmd.Manifest != nil:
		if cmd.Manifest == nil {
			return protocol.Rejected("unknown job " + cmd.ManifestID)
		}
		store := h.storeOf(j, cmd.ManifestID)
		j = &job{store: store, pool: worker.New(cmd.Manifest, h.deps.Fetcher, store, h.emit, h.deps.Pool, h.deps.PoolOptions...)}
		h.mu.Lock()
		h.jobs[cmd.ManifestID] = j
		h.mu.Unlock()
	}

	pool := j.pool
	ids := slices.Clone(cmd.PlaylistIDs)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer h.recoverJob(cmd.ManifestID)
		pool.Pack(ids)
	}()
	return protocol.Accepted("packing")
}

func (h *Host) dispose(cmd protocol.Command) protocol.Ack {
	h.mu.Lock()
	j := h.jobs[cmd.ManifestID]
	if j != nil && j.running.Load() {
		h.mu.Unlock()
		return protocol.Rejected("downloads still running")
	}
	delete(h.jobs, cmd.ManifestID)
	h.mu.Unlock()

	if err := h.storeOf(j, cmd.ManifestID).Dispose(); err != nil {
		h.log.Warn("disposing storage failed", "manifest", cmd.ManifestID, "error", err)
		return protocol.Rejected(err.Error())
	}
	h.log.Info("storage disposed", "manifest", cmd.ManifestID)
	return protocol.Accepted("disposed")
}

func (h *Host) storeOf(j *job, id string) *storage.Tiered {
	if j != nil {
		return j.store
	}
	return h.openStore(id)
}

// openStore opens the persistent tier for id, degrading to memory only
// when it cannot be opened.
func (h *Host) openStore(id string) *storage.Tiered {
	if h.deps.StorageRoot == "" {
		return storage.NewTiered(nil)
	}
	p, err := storage.OpenPersistent(h.deps.StorageRoot, id, h.deps.Quota)
	if err != nil {
		h.log.Warn("persistent storage unavailable, using memory", "manifest", id, "error", err)
		return storage.NewTiered(nil)
	}
	return storage.NewTiered(p)
}

// recoverJob turns a crashed job into an EXPORT_ERROR event.
func (h *Host) recoverJob(id string) {
	r := recover()
	if r == nil {
		return
	}
	h.log.Error("job crashed", "manifest", id, "panic", r)
	h.emit(protocol.Event{
		Type:       protocol.EventExportError,
		ManifestID: id,
		Time:       time.Now(),
		Error:      fmt.Sprintf("worker crashed: %v", r),
	})
}

func (h *Host) emit(ev protocol.Event) {
	select {
	case h.events <- ev:
	case <-h.stop:
	}
}
