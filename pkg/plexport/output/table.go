package output

import (
	"bytes"
	"fmt"
	"strings"
)

// TSVFormatter formats output as tab-separated values, one header row
// followed by data rows. A detailed result lists its playlists.
type TSVFormatter struct{}

// Format writes the formatted output to the buffer.
func (f *TSVFormatter) Format(w *bytes.Buffer, r *Result) error {
	if r.Detail() {
		w.WriteString("EXPORT\tPLAYLIST\tTITLE\tSTATE\tFILES\tSTORED\tFAILED\tARCHIVE\tSIZE\n")
		id := r.Exports[0].ID
		for _, p := range r.Playlists {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\t%d\n",
				id, p.ID, tsvField(p.Title), p.State, p.Files, p.Stored, p.Failed, tsvField(p.Archive), p.ArchiveSize)
		}
		return nil
	}

	w.WriteString("ID\tSTATUS\tPLAYLISTS\tDELIVERED\tTOTAL\tCOMPLETED\tFAILED\tPERCENT\tCREATED\n")
	for _, e := range r.Exports {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%.1f\t%s\n",
			e.ID, e.Status, e.Playlists, e.Delivered, e.Total, e.Completed, e.Failed, e.Percent,
			e.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"))
	}
	return nil
}

// tsvField keeps titles on one cell.
func tsvField(s string) string {
	return strings.NewReplacer("\t", " ", "\n", " ").Replace(s)
}

func init() {
	Register("tsv", func() Formatter {
		return &TSVFormatter{}
	})
}

var _ Formatter = (*TSVFormatter)(nil)
