package main

import (
	"bytes"
	"fmt"

	"github.com/samber/lo"

	exportv1 "github.com/jamesainslie/plexport/pkg/api/export/v1"
	"github.com/jamesainslie/plexport/pkg/plexport/manifest"
	"github.com/jamesainslie/plexport/pkg/plexport/output"
)

// summaryRow converts a ListExports entry into an output row.
func summaryRow(s exportv1.ExportSummary) output.Export {
	return output.Export{
		ID:          s.ID,
		Status:      string(s.Status),
		CreatedAt:   s.CreatedAt,
		CompletedAt: s.CompletedAt,
		Playlists:   s.Playlists,
		Delivered:   s.Delivered,
		Total:       s.Progress.Total,
		Completed:   s.Progress.Completed,
		Failed:      s.Progress.Failed,
		Percent:     s.Percent,
		Active:      s.Active,
	}
}

// statusResult converts a GetExportStatus reply into a detailed result.
func statusResult(st *exportv1.ExportStatus) *output.Result {
	m := st.Manifest
	row := output.Export{
		ID:          m.ID,
		Status:      string(m.Status),
		CreatedAt:   m.CreatedAt,
		CompletedAt: m.CompletedAt,
		Playlists:   len(m.Playlists),
		Delivered:   lo.CountBy(m.Playlists, func(pl manifest.PlaylistExport) bool { return pl.Done() }),
		Total:       m.Progress.Total,
		Completed:   m.Progress.Completed,
		Failed:      m.Progress.Failed,
		Percent:     st.Percent,
		Active:      st.Active,
		Error:       m.Error,
	}
	return &output.Result{
		Exports: []output.Export{row},
		Playlists: lo.Map(m.Playlists, func(pl manifest.PlaylistExport, _ int) output.Playlist {
			return playlistRow(m, pl)
		}),
		DaemonUp: true,
	}
}

func playlistRow(m *manifest.Manifest, pl manifest.PlaylistExport) output.Playlist {
	files := m.PlaylistFiles(pl)
	row := output.Playlist{
		ID:     pl.ID,
		Title:  pl.Title,
		State:  output.StatePending,
		Files:  len(files),
		Stored: lo.CountBy(files, func(r manifest.FileRecord) bool { return r.Stored }),
		Failed: lo.CountBy(files, func(r manifest.FileRecord) bool { return r.Failed }),
		Error:  pl.Error,
	}
	switch {
	case pl.Done():
		row.State = output.StateDelivered
	case pl.FailedAt != nil:
		row.State = output.StateFailed
	}
	if pl.Archive != nil {
		row.Archive = pl.Archive.Filename
		if pl.Archive.Path != "" {
			row.Archive = pl.Archive.Path
		}
		row.ArchiveSize = pl.Archive.Size
	}
	return row
}

// render formats r with the named formatter and prints it.
func render(format string, r *output.Result) error {
	formatter, err := output.Get(format)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := formatter.Format(&buf, r); err != nil {
		return fmt.Errorf("formatting output: %w", err)
	}
	fmt.Print(buf.String())
	return nil
}
