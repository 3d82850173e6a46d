package coordinator

import (
	"context"
	"fmt"

	"github.com/jamesainslie/plexport/pkg/plexport/manifest"
	"github.com/jamesainslie/plexport/pkg/plexport/protocol"
)

// Handle folds one worker event into the stored manifest and relays it.
// Archive bytes are delivered here and never relayed.
func (c *Coordinator) Handle(ctx context.Context, ev protocol.Event) {
	log := c.log.With("manifest", ev.ManifestID, "event", ev.Type)

	var err error
	switch ev.Type {
	case protocol.EventManifestUpdate:
		if ev.Update != nil {
			_, err = c.mutate(ev.ManifestID, func(m *manifest.Manifest) { m.Apply(*ev.Update) })
		}

	case protocol.EventPlaylistCompleted:
		ev, err = c.playlistCompleted(ev)

	case protocol.EventPlaylistFailed:
		at := ev.Time
		_, err = c.mutate(ev.ManifestID, func(m *manifest.Manifest) {
			if pl, ok := m.Playlist(ev.PlaylistID); ok && !pl.Done() {
				pl.FailedAt = &at
				pl.Error = ev.Reason
				pl.ErrorCode = ev.Code
			}
		})

	case protocol.EventExportCompleted:
		err = c.exportCompleted(ctx, ev)

	case protocol.EventExportError:
		at := ev.Time
		_, err = c.mutate(ev.ManifestID, func(m *manifest.Manifest) {
			m.Status = manifest.StatusError
			m.Error = ev.Error
			m.CompletedAt = &at
		})
	}
	if err != nil {
		log.Error("handling worker event failed", "error", err)
	}

	c.publish(ev)
}

// playlistCompleted delivers the archive and records it on the playlist.
// A delivery failure turns the event into a playlist failure.
func (c *Coordinator) playlistCompleted(ev protocol.Event) (protocol.Event, error) {
	if ev.Archive == nil {
		return ev, fmt.Errorf("playlist %s completed without an archive", ev.PlaylistID)
	}
	path, derr := c.deliverer.Deliver(ev.ManifestID, ev.Archive)

	archive := *ev.Archive
	archive.Data = nil
	ev.Archive = &archive
	at := ev.Time
	if derr != nil {
		c.log.Error("archive delivery failed", "manifest", ev.ManifestID, "playlist", ev.PlaylistID, "error", derr)
		failed := ev
		failed.Type = protocol.EventPlaylistFailed
		failed.Archive = nil
		failed.Reason = fmt.Sprintf("delivering archive: %v", derr)
		failed.Code = protocol.CodeDelivery
		_, err := c.mutate(ev.ManifestID, func(m *manifest.Manifest) {
			if pl, ok := m.Playlist(ev.PlaylistID); ok && !pl.Done() {
				pl.FailedAt = &at
				pl.Error = failed.Reason
				pl.ErrorCode = failed.Code
			}
		})
		return failed, err
	}

	archive.Path = path
	_, err := c.mutate(ev.ManifestID, func(m *manifest.Manifest) {
		pl, ok := m.Playlist(ev.PlaylistID)
		if !ok {
			return
		}
		pl.CompletedAt = &at
		pl.FailedAt = nil
		pl.Error = ""
		pl.ErrorCode = ""
		pl.Archive = &manifest.ArchiveInfo{Filename: archive.Filename, Size: archive.Size, Path: path, DeliveredAt: at}
	})
	return ev, err
}

// exportCompleted settles the job status and reclaims worker storage when
// every playlist has a delivered archive.
func (c *Coordinator) exportCompleted(ctx context.Context, ev protocol.Event) error {
	at := ev.Time
	m, err := c.mutate(ev.ManifestID, func(m *manifest.Manifest) {
		if m.Status == manifest.StatusCancelled {
			return
		}
		m.CompletedAt = &at
		succeeded := 0
		for _, pl := range m.Playlists {
			if pl.Done() {
				succeeded++
			}
		}
		if succeeded == 0 {
			m.Status = manifest.StatusError
			m.Error = "no playlist could be exported"
			return
		}
		m.Status = manifest.StatusCompleted
		m.Error = ""
	})
	if err != nil {
		return err
	}

	c.log.Info("export finished", "manifest", m.ID, "status", m.Status,
		"stored", m.Progress.Completed, "failed", m.Progress.Failed)

	if allDone(m) {
		return c.release(ctx, m.ID)
	}
	return nil
}

func allDone(m *manifest.Manifest) bool {
	for _, pl := range m.Playlists {
		if !pl.Done() {
			return false
		}
	}
	return len(m.Playlists) > 0
}

// release disposes the job's worker storage and records when it happened.
func (c *Coordinator) release(ctx context.Context, id string) error {
	w, err := c.ensureWorker(ctx)
	if err != nil {
		return err
	}
	if err := c.send(ctx, w, protocol.Command{Type: protocol.CommandDispose, ManifestID: id}); err != nil {
		return err
	}
	now := c.now()
	_, err = c.mutate(id, func(m *manifest.Manifest) { m.ReleasedAt = &now })
	return err
}
