package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/jamesainslie/plexport/pkg/client"
	"github.com/jamesainslie/plexport/pkg/plexport/manifest"
	"github.com/jamesainslie/plexport/pkg/plexport/output"
	"github.com/jamesainslie/plexport/pkg/plexport/protocol"
	"github.com/jamesainslie/plexport/pkg/plexport/types"
)

var watchCmd = &cobra.Command{
	Use:   "watch [export-id]",
	Short: "Follow export progress",
	Long: `Follow an export with one progress bar per playlist until it finishes.

Without an export id every event from the daemon is printed as it arrives.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	c, _, err := connect(dialCtx)
	if err != nil {
		return err
	}
	defer c.Close()

	if len(args) == 1 {
		return watchExport(ctx, c, args[0])
	}

	events, err := c.WatchEvents(ctx, "")
	if err != nil {
		return err
	}
	for ev := range events {
		if ev.Type == protocol.EventDownloadProgress || ev.Type == protocol.EventManifestUpdate {
			continue
		}
		fmt.Println(describeEvent(ev))
	}
	return nil
}

// watchExport draws progress bars for one export until its terminal event.
func watchExport(ctx context.Context, c *client.Client, id string) error {
	// Subscribe before the snapshot so no event falls between the two.
	events, err := c.WatchEvents(ctx, id)
	if err != nil {
		return err
	}

	snapCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	st, err := c.GetExportStatus(snapCtx, id)
	cancel()
	if err != nil {
		return err
	}

	tr := newTracker(st.Manifest)
	if tr.finished {
		printInfo("Export %s is %s", id, st.Manifest.Status)
		return nil
	}

	var out io.Writer = os.Stderr
	if getQuiet() {
		out = io.Discard
	}
	view := newBarView(ctx, out, tr)
	for ev := range events {
		if pl := tr.apply(ev); pl != nil {
			view.update(pl)
		}
		if tr.finished {
			break
		}
	}
	view.wait()

	for _, note := range tr.notes {
		printInfo("%s", note)
	}
	switch {
	case !tr.finished:
		printInfo("Stopped watching %s; the export keeps running in the daemon", id)
	case tr.status == manifest.StatusError:
		return fmt.Errorf("%w: %s", errExportFailed, tr.reason)
	default:
		printInfo("Export %s %s", id, tr.status)
	}
	return nil
}

// playlistProgress is the watch view of one playlist.
type playlistProgress struct {
	id      string
	title   string
	total   int
	settled int
	state   string
}

// tracker folds export events into per-playlist progress.
type tracker struct {
	order    []*playlistProgress
	byID     map[string]*playlistProgress
	seen     map[string]bool
	finished bool
	status   manifest.Status
	reason   string
	notes    []string
}

func newTracker(m *manifest.Manifest) *tracker {
	t := &tracker{
		byID:     make(map[string]*playlistProgress),
		seen:     make(map[string]bool),
		status:   m.Status,
		finished: m.Status.Terminal(),
	}
	for _, pl := range m.Playlists {
		row := playlistRow(m, pl)
		p := &playlistProgress{
			id:      pl.ID,
			title:   pl.Title,
			total:   row.Files,
			settled: row.Stored + row.Failed,
			state:   row.State,
		}
		for _, rec := range m.PlaylistFiles(pl) {
			if rec.Stored || rec.Failed {
				t.seen[rec.ID] = true
			}
		}
		if p.title == "" {
			p.title = pl.ID
		}
		t.order = append(t.order, p)
		t.byID[pl.ID] = p
	}
	return t
}

// apply records ev and returns the playlist it changed, if any.
func (t *tracker) apply(ev protocol.Event) *playlistProgress {
	switch ev.Type {
	case protocol.EventDownloadCompleted, protocol.EventDownloadFailed:
		p := t.byID[ev.PlaylistID]
		if p == nil || t.seen[ev.FileID] {
			return nil
		}
		t.seen[ev.FileID] = true
		// A resumed failure settles again as stored.
		if p.settled < p.total {
			p.settled++
		}
		return p
	case protocol.EventPlaylistCompleted:
		p := t.byID[ev.PlaylistID]
		if p == nil {
			return nil
		}
		p.state = output.StateDelivered
		p.settled = p.total
		if ev.Archive != nil {
			where := ev.Archive.Filename
			if ev.Archive.Path != "" {
				where = ev.Archive.Path
			}
			t.notes = append(t.notes, fmt.Sprintf("%s: %s (%s)", p.title, where, types.FormatSize(ev.Archive.Size)))
		}
		return p
	case protocol.EventPlaylistFailed:
		p := t.byID[ev.PlaylistID]
		if p == nil {
			return nil
		}
		p.state = output.StateFailed
		t.notes = append(t.notes, fmt.Sprintf("%s: failed: %s", p.title, ev.Reason))
		return p
	case protocol.EventExportCompleted:
		t.finished = true
		t.status = manifest.StatusCompleted
		if len(t.order) > 0 && !t.anyDelivered() {
			t.status = manifest.StatusError
			t.reason = "no playlist could be exported"
		}
	case protocol.EventExportCancelled:
		t.finished = true
		t.status = manifest.StatusCancelled
	case protocol.EventExportError:
		t.finished = true
		t.status = manifest.StatusError
		t.reason = ev.Error
	}
	return nil
}

func (t *tracker) anyDelivered() bool {
	for _, p := range t.order {
		if p.state == output.StateDelivered {
			return true
		}
	}
	return false
}

// barView owns one mpb bar per playlist with files.
type barView struct {
	progress *mpb.Progress
	bars     map[string]*mpb.Bar
}

func newBarView(ctx context.Context, w io.Writer, t *tracker) *barView {
	v := &barView{
		progress: mpb.NewWithContext(ctx, mpb.WithOutput(w), mpb.WithWidth(40)),
		bars:     make(map[string]*mpb.Bar),
	}
	for _, p := range t.order {
		if p.total == 0 {
			continue
		}
		bar := v.progress.AddBar(int64(p.total),
			mpb.PrependDecorators(decor.Name(p.title, decor.WCSyncSpaceR)),
			mpb.AppendDecorators(
				decor.CountersNoUnit("%d / %d", decor.WCSyncSpace),
				decor.OnComplete(decor.Percentage(decor.WCSyncSpace), "  done"),
			),
		)
		v.bars[p.id] = bar
		v.update(p)
	}
	return v
}

func (v *barView) update(p *playlistProgress) {
	bar := v.bars[p.id]
	if bar == nil || bar.Completed() || bar.Aborted() {
		return
	}
	switch p.state {
	case output.StateFailed:
		bar.Abort(false)
	case output.StateDelivered:
		bar.SetCurrent(int64(p.total))
	default:
		bar.SetCurrent(int64(p.settled))
	}
}

// wait settles every open bar and flushes the last frame.
func (v *barView) wait() {
	for _, bar := range v.bars {
		if !bar.Completed() && !bar.Aborted() {
			bar.Abort(false)
		}
	}
	v.progress.Wait()
}

// describeEvent renders one event as a log line for watch without an id.
func describeEvent(ev protocol.Event) string {
	ts := ev.Time.Local().Format("15:04:05")
	style := output.MutedStyle
	var detail string
	switch ev.Type {
	case protocol.EventDownloadStarted:
		detail = ev.Filename
	case protocol.EventDownloadCompleted:
		style = output.SuccessStyle
		detail = fmt.Sprintf("%s (%s)", ev.Filename, types.FormatSize(ev.BytesTotal))
		if ev.InMemoryOnly {
			detail += " in memory"
		}
	case protocol.EventDownloadFailed:
		style = output.ErrorStyle
		detail = fmt.Sprintf("%s: %s", ev.Filename, ev.Reason)
	case protocol.EventPlaylistStarted:
		detail = fmt.Sprintf("%s (%d/%d)", ev.PlaylistTitle, ev.Index, ev.Total)
	case protocol.EventPlaylistCompleted:
		style = output.SuccessStyle
		detail = ev.PlaylistID
		if ev.Archive != nil {
			detail = fmt.Sprintf("%s -> %s", ev.PlaylistID, ev.Archive.Filename)
		}
	case protocol.EventPlaylistFailed:
		style = output.ErrorStyle
		detail = fmt.Sprintf("%s: %s", ev.PlaylistID, ev.Reason)
	case protocol.EventExportError:
		style = output.ErrorStyle
		detail = ev.Error
	case protocol.EventExportCancelled:
		style = output.WarningStyle
	}
	line := fmt.Sprintf("%s %s %s", ts, shortID(ev.ManifestID), style.Render(string(ev.Type)))
	if detail != "" {
		line += " " + detail
	}
	return line
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
