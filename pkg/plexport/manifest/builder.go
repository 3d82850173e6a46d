package manifest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jamesainslie/plexport/pkg/plexport/content"
	"github.com/jamesainslie/plexport/pkg/plexport/logging"
)

// ErrNoPlaylists is returned when none of the requested playlists resolve.
var ErrNoPlaylists = errors.New("no playlists could be resolved")

// PlaylistRef names a playlist to export. Title is used when the content
// API returns an untitled playlist.
type PlaylistRef struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// Resolver fetches playlist documents.
type Resolver interface {
	ResolvePlaylist(ctx context.Context, id string) (*content.Playlist, error)
}

// Builder turns playlist references into a fresh manifest.
type Builder struct {
	resolver Resolver
	now      func() time.Time
	newID    func() string
	log      *logging.Logger
}

// NewBuilder creates a Builder backed by the given resolver.
func NewBuilder(r Resolver) *Builder {
	return &Builder{
		resolver: r,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
		log:      logging.Get("manifest"),
	}
}

// Build resolves every reference and returns a pending manifest. Playlists
// that fail to resolve are logged and skipped.
func (b *Builder) Build(ctx context.Context, refs []PlaylistRef) (*Manifest, error) {
	m := New(b.newID(), b.now())
	seen := make(map[string]struct{}, len(refs))

	for _, ref := range refs {
		if ref.ID == "" {
			continue
		}
		if _, dup := seen[ref.ID]; dup {
			b.log.Debug("skipping duplicate playlist", "playlist", ref.ID)
			continue
		}
		seen[ref.ID] = struct{}{}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		pl, err := b.resolver.ResolvePlaylist(ctx, ref.ID)
		if err != nil {
			b.log.Warn("playlist resolution failed", "playlist", ref.ID, "error", err)
			continue
		}
		if pl.ID == "" {
			pl.ID = ref.ID
		}
		title := pl.Title
		if strings.TrimSpace(title) == "" {
			title = ref.Title
		}

		export, files := buildPlaylist(pl, title)
		m.AddPlaylist(export, files)
		b.log.Debug("playlist added", "playlist", pl.ID, "files", len(files))
	}

	if len(m.Playlists) == 0 {
		return nil, ErrNoPlaylists
	}
	return m, nil
}

type icon struct {
	url   string
	label string
}

func buildPlaylist(pl *content.Playlist, title string) (PlaylistExport, []FileRecord) {
	export := PlaylistExport{ID: pl.ID, Title: title}
	var files []FileRecord

	audioNames := nameSet{}
	n := 0
	for _, tr := range pl.Tracks() {
		if !downloadable(tr.URL) {
			continue
		}
		n++
		label := tr.Title
		if strings.TrimSpace(label) == "" {
			label = "Track"
		}
		rec := FileRecord{
			ID:         fileID(pl.ID, AssetAudio, n),
			Type:       AssetAudio,
			PlaylistID: pl.ID,
			Filename:   audioNames.claim(fmt.Sprintf("%02d - %s%s", n, SanitizeName(label), audioExt(tr))),
			URL:        tr.URL,
			Size:       tr.Size,
		}
		files = append(files, rec)
		export.AudioFiles = append(export.AudioFiles, rec.ID)
	}

	if downloadable(pl.CoverImageURL) {
		rec := FileRecord{
			ID:         fileID(pl.ID, AssetCover, 1),
			Type:       AssetCover,
			PlaylistID: pl.ID,
			Filename:   "cover" + urlExt(pl.CoverImageURL, ".jpg"),
			URL:        pl.CoverImageURL,
		}
		files = append(files, rec)
		export.CoverImage = rec.ID
	}

	icons := distinctIcons(pl)
	iconNames := nameSet{}
	for i, ic := range icons {
		name := SanitizeName(ic.label) + urlExt(ic.url, ".png")
		if len(icons) > 1 {
			name = fmt.Sprintf("%02d - %s", i+1, name)
		}
		rec := FileRecord{
			ID:         fileID(pl.ID, AssetIcon, i+1),
			Type:       AssetIcon,
			PlaylistID: pl.ID,
			Filename:   iconNames.claim(name),
			URL:        ic.url,
		}
		files = append(files, rec)
		export.IconImages = append(export.IconImages, rec.ID)
	}

	return export, files
}

// distinctIcons collects chapter and track display icons in document order.
func distinctIcons(pl *content.Playlist) []icon {
	var out []icon
	seen := make(map[string]struct{})
	add := func(u, label string) {
		if !downloadable(u) {
			return
		}
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		if strings.TrimSpace(label) == "" {
			label = "icon"
		}
		out = append(out, icon{url: u, label: label})
	}

	for _, ch := range pl.Chapters {
		add(ch.IconURL, ch.Title)
		for _, tr := range ch.Tracks {
			add(tr.IconURL, tr.Title)
		}
	}
	return out
}

func fileID(playlistID string, t AssetType, n int) string {
	return fmt.Sprintf("%s/%s/%03d", playlistID, t, n)
}

func downloadable(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

var audioFormats = map[string]string{
	"mp3":  ".mp3",
	"aac":  ".aac",
	"m4a":  ".m4a",
	"ogg":  ".ogg",
	"opus": ".opus",
	"flac": ".flac",
	"wav":  ".wav",
}

func audioExt(tr content.Track) string {
	if ext, ok := audioFormats[strings.ToLower(tr.Format)]; ok {
		return ext
	}
	return urlExt(tr.URL, ".mp3")
}

func urlExt(raw, fallback string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return fallback
	}
	ext := path.Ext(u.Path)
	if !validExt(ext) {
		return fallback
	}
	return strings.ToLower(ext)
}
