// Package content is a thin client for the remote content API. It only
// covers the playlist shape the exporter needs.
package content

// Playlist is the resolved playlist document.
type Playlist struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	CoverImageURL string    `json:"coverImageUrl,omitempty"`
	Chapters      []Chapter `json:"chapters"`
}

// Chapter groups tracks and may carry a display icon.
type Chapter struct {
	Key     string  `json:"key"`
	Title   string  `json:"title"`
	IconURL string  `json:"iconUrl,omitempty"`
	Tracks  []Track `json:"tracks"`
}

// Track is one playable item. URL may be an http(s) media URL or an
// internal reference that cannot be downloaded.
type Track struct {
	Key     string `json:"key"`
	Title   string `json:"title"`
	URL     string `json:"url"`
	Format  string `json:"format,omitempty"`
	Size    int64  `json:"size,omitempty"`
	IconURL string `json:"iconUrl,omitempty"`
}

// Tracks flattens the chapters into playback order.
func (p *Playlist) Tracks() []Track {
	var out []Track
	for _, ch := range p.Chapters {
		out = append(out, ch.Tracks...)
	}
	return out
}
