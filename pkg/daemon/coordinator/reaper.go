package coordinator

import (
	"context"
	"slices"
	"time"

	"github.com/jamesainslie/plexport/pkg/plexport/manifest"
)

// Reap removes delivered jobs once the completed retention has passed and
// releases the worker storage of other finished jobs at the same point,
// keeping their manifests for resume. Jobs older than the incomplete
// retention are removed whatever their state. Jobs the worker is still
// running are left alone. It returns how many jobs it touched.
func (c *Coordinator) Reap(ctx context.Context, now time.Time) (int, error) {
	list, err := c.store.ListManifests()
	if err != nil {
		return 0, err
	}
	active := c.ActiveJobs()
	cutoff := now.Add(-c.opts.CompletedRetention)

	n := 0
	for _, m := range list {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if slices.Contains(active, m.ID) {
			continue
		}

		switch {
		case allDone(m) && finishedBefore(m, cutoff):
			if c.remove(ctx, m) {
				c.log.Info("delivered export removed", "manifest", m.ID)
				n++
			}

		case now.Sub(m.CreatedAt) > c.opts.IncompleteRetention:
			if c.remove(ctx, m) {
				c.log.Info("expired export removed", "manifest", m.ID, "status", m.Status)
				n++
			}

		case m.ReleasedAt == nil && finishedBefore(m, cutoff):
			if err := c.release(ctx, m.ID); err != nil {
				c.log.Warn("releasing finished export failed", "manifest", m.ID, "error", err)
				continue
			}
			c.log.Info("finished export storage released", "manifest", m.ID)
			n++
		}
	}
	return n, nil
}

// remove releases the job's storage if needed and deletes its manifest.
func (c *Coordinator) remove(ctx context.Context, m *manifest.Manifest) bool {
	if m.ReleasedAt == nil {
		if err := c.release(ctx, m.ID); err != nil {
			c.log.Warn("releasing export failed", "manifest", m.ID, "error", err)
			return false
		}
	}
	if err := c.store.DeleteManifest(m.ID); err != nil {
		c.log.Warn("deleting export failed", "manifest", m.ID, "error", err)
		return false
	}
	return true
}

// finishedBefore reports whether m reached a terminal status before cutoff.
func finishedBefore(m *manifest.Manifest, cutoff time.Time) bool {
	return m.Status.Terminal() && m.CompletedAt != nil && m.CompletedAt.Before(cutoff)
}
