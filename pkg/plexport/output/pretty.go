package output

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/jamesainslie/plexport/pkg/plexport/types"
)

// PrettyFormatter renders rounded tables framed by lipgloss boxes.
type PrettyFormatter struct {
	// now is overridable for tests.
	now func() time.Time
}

// Format writes the formatted output to the buffer.
func (f *PrettyFormatter) Format(w *bytes.Buffer, r *Result) error {
	if len(r.Exports) == 0 {
		w.WriteString(MutedStyle.Render("No exports found"))
		w.WriteString("\n")
		return nil
	}

	if r.Detail() {
		w.WriteString(f.formatHeader(r.Exports[0]))
		w.WriteString("\n")
		w.WriteString(f.playlistTable(r.Playlists))
	} else {
		w.WriteString(f.exportTable(r.Exports))
	}
	w.WriteString("\n")
	w.WriteString(f.formatFooter(r))
	w.WriteString("\n")

	if len(r.Warnings) > 0 {
		w.WriteString(WarningStyle.Bold(true).Render("Warnings:"))
		w.WriteString("\n")
		for _, warning := range r.Warnings {
			w.WriteString(WarningStyle.Render("  " + warning))
			w.WriteString("\n")
		}
	}
	return nil
}

func (f *PrettyFormatter) clock() time.Time {
	if f.now != nil {
		return f.now()
	}
	return time.Now()
}

// formatHeader builds the box describing a single export.
func (f *PrettyFormatter) formatHeader(e Export) string {
	lines := []string{
		fmt.Sprintf("%s %s  %s", LabelStyle.Render("Export:"), ValueStyle.Render(e.ID), StatusStyle(e.Status).Render(e.Status)),
		fmt.Sprintf("%s %s  %s %s",
			LabelStyle.Render("Created:"), ValueStyle.Render(humanize.RelTime(e.CreatedAt, f.clock(), "ago", "from now")),
			LabelStyle.Render("Progress:"), ValueStyle.Render(progressText(e))),
	}
	if e.Active {
		lines = append(lines, SuccessStyle.Render("running in worker"))
	}
	if e.Error != "" {
		lines = append(lines, ErrorStyle.Render(e.Error))
	}
	return HeaderBox.Render(strings.Join(lines, "\n"))
}

func (f *PrettyFormatter) exportTable(exports []Export) string {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "STATUS", "PLAYLISTS", "FILES", "PROGRESS", "CREATED"})
	for _, e := range exports {
		status := e.Status
		if e.Active {
			status += " *"
		}
		tw.AppendRow(table.Row{
			e.ID,
			StatusStyle(e.Status).Render(status),
			fmt.Sprintf("%d/%d", e.Delivered, e.Playlists),
			fileCounts(e.Completed, e.Failed, e.Total),
			fmt.Sprintf("%.0f%%", e.Percent),
			humanize.RelTime(e.CreatedAt, f.clock(), "ago", "from now"),
		})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight, AlignHeader: text.AlignLeft},
		{Number: 4, Align: text.AlignRight, AlignHeader: text.AlignLeft},
		{Number: 5, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})
	return tw.Render()
}

func (f *PrettyFormatter) playlistTable(playlists []Playlist) string {
	tw := newTable()
	tw.AppendHeader(table.Row{"PLAYLIST", "STATE", "FILES", "ARCHIVE", "SIZE"})
	for _, p := range playlists {
		title := p.Title
		if title == "" {
			title = p.ID
		}
		archive := p.Archive
		if archive == "" && p.Error != "" {
			archive = ErrorStyle.Render(p.Error)
		}
		size := ""
		if p.ArchiveSize > 0 {
			size = types.FormatSize(p.ArchiveSize)
		}
		tw.AppendRow(table.Row{
			title,
			StatusStyle(p.State).Render(p.State),
			fileCounts(p.Stored, p.Failed, p.Files),
			archive,
			size,
		})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight, AlignHeader: text.AlignLeft},
		{Number: 5, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})
	return tw.Render()
}

func (f *PrettyFormatter) formatFooter(r *Result) string {
	var delivered, playlists int
	for _, e := range r.Exports {
		delivered += e.Delivered
		playlists += e.Playlists
	}
	parts := []string{
		fmt.Sprintf("%s %s", LabelStyle.Render("Exports:"), ValueStyle.Render(fmt.Sprintf("%d", len(r.Exports)))),
		fmt.Sprintf("%s %s", LabelStyle.Render("Delivered:"), ValueStyle.Render(fmt.Sprintf("%d/%d playlists", delivered, playlists))),
	}
	if !r.DaemonUp {
		parts = append(parts, MutedStyle.Render("daemon: off"))
	}
	parts = append(parts, MutedStyle.Render("Use -o plain for unformatted output"))
	return FooterBox.Render(strings.Join(parts, "  "))
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	return tw
}

func progressText(e Export) string {
	return fmt.Sprintf("%.0f%% (%s)", e.Percent, fileCounts(e.Completed, e.Failed, e.Total))
}

func fileCounts(done, failed, total int) string {
	if failed > 0 {
		return fmt.Sprintf("%d/%d, %d failed", done, total, failed)
	}
	return fmt.Sprintf("%d/%d", done, total)
}

func init() {
	Register("pretty", func() Formatter {
		return &PrettyFormatter{}
	})
}

var _ Formatter = (*PrettyFormatter)(nil)
