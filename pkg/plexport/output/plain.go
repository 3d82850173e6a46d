package output

import (
	"bytes"
	"fmt"
	"text/tabwriter"
)

// PlainFormatter formats output as an aligned table without styling.
type PlainFormatter struct{}

// Format writes the formatted output to the buffer.
func (f *PlainFormatter) Format(w *bytes.Buffer, r *Result) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	if r.Detail() {
		e := r.Exports[0]
		fmt.Fprintf(tw, "EXPORT\t%s\nSTATUS\t%s\nPROGRESS\t%s\n\n", e.ID, e.Status, progressText(e))
		fmt.Fprintln(tw, "PLAYLIST\tSTATE\tFILES\tARCHIVE")
		for _, p := range r.Playlists {
			archive := p.Archive
			if archive == "" {
				archive = p.Error
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.ID, p.State, fileCounts(p.Stored, p.Failed, p.Files), archive)
		}
		return tw.Flush()
	}

	fmt.Fprintln(tw, "ID\tSTATUS\tPLAYLISTS\tFILES\tPROGRESS")
	for _, e := range r.Exports {
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%.0f%%\n",
			e.ID, e.Status, e.Delivered, e.Playlists, fileCounts(e.Completed, e.Failed, e.Total), e.Percent)
	}
	return tw.Flush()
}

func init() {
	Register("plain", func() Formatter {
		return &PlainFormatter{}
	})
}

var _ Formatter = (*PlainFormatter)(nil)
