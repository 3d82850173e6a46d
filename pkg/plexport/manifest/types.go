// Package manifest holds the persistent description of a bulk export job:
// which playlists are being exported, every asset that has to be downloaded
// for them, and the per-file state the worker pool reports back.
package manifest

import (
	"time"
)

// Status is the lifecycle state of a whole export job.
type Status string

const (
	// StatusPending means the manifest was persisted but no worker accepted it yet.
	StatusPending Status = "pending"
	// StatusDownloading means a worker accepted the job.
	StatusDownloading Status = "downloading"
	// StatusCompleted means at least one playlist was exported.
	StatusCompleted Status = "completed"
	// StatusCancelled means the user cancelled the job.
	StatusCancelled Status = "cancelled"
	// StatusError means the job finished without exporting any playlist.
	StatusError Status = "error"
)

// Terminal reports whether no further work is expected for the status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// AssetType identifies what kind of asset a file record downloads.
type AssetType string

const (
	AssetAudio AssetType = "audio"
	AssetIcon  AssetType = "icon"
	AssetCover AssetType = "cover"
)

// FileState is the derived state of a FileRecord.
type FileState string

const (
	FilePending FileState = "pending"
	FileStored  FileState = "stored"
	FileFailed  FileState = "failed"
)

// Progress summarizes file states across the manifest.
type Progress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Percent returns (completed+failed)/total as a percentage.
// An empty manifest is reported as fully done.
func (p Progress) Percent() float64 {
	if p.Total == 0 {
		return 100
	}
	return float64(p.Completed+p.Failed) / float64(p.Total) * 100
}

// ArchiveInfo records where a delivered playlist archive ended up.
type ArchiveInfo struct {
	Filename    string    `json:"filename"`
	Size        int64     `json:"size"`
	Path        string    `json:"path,omitempty"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// PlaylistExport is one playlist inside a manifest. The file lists hold
// FileRecord ids in download order.
type PlaylistExport struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	AudioFiles []string `json:"audio_files"`
	CoverImage string   `json:"cover_image,omitempty"`
	IconImages []string `json:"icon_images"`

	// Set by the coordinator when the worker reports the playlist outcome.
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	FailedAt    *time.Time   `json:"failed_at,omitempty"`
	Error       string       `json:"error,omitempty"`
	ErrorCode   string       `json:"error_code,omitempty"`
	Archive     *ArchiveInfo `json:"archive,omitempty"`
}

// FileIDs returns the playlist's file ids in worklist order: audio, cover, icons.
func (p PlaylistExport) FileIDs() []string {
	ids := make([]string, 0, len(p.AudioFiles)+len(p.IconImages)+1)
	ids = append(ids, p.AudioFiles...)
	if p.CoverImage != "" {
		ids = append(ids, p.CoverImage)
	}
	return append(ids, p.IconImages...)
}

// Done reports whether the playlist already has a delivered archive.
func (p PlaylistExport) Done() bool {
	return p.CompletedAt != nil
}

// FileRecord is a single downloadable asset.
type FileRecord struct {
	ID           string     `json:"id"`
	Type         AssetType  `json:"type"`
	PlaylistID   string     `json:"playlist_id"`
	Filename     string     `json:"filename"`
	URL          string     `json:"url"`
	Size         int64      `json:"size,omitempty"`
	Path         string     `json:"path,omitempty"`
	Stored       bool       `json:"stored"`
	Failed       bool       `json:"failed"`
	InMemoryOnly bool       `json:"in_memory_only,omitempty"`
	Error        string     `json:"error,omitempty"`
	Attempts     int        `json:"attempts,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	FailedAt     *time.Time `json:"failed_at,omitempty"`
}

// State derives the record state from the stored/failed flags.
func (r FileRecord) State() FileState {
	switch {
	case r.Stored:
		return FileStored
	case r.Failed:
		return FileFailed
	default:
		return FilePending
	}
}

// MarkStored records a successful download. Stored and Failed are never both set.
func (r *FileRecord) MarkStored(path string, size int64, inMemoryOnly bool, attempts int, at time.Time) {
	r.Stored = true
	r.Failed = false
	r.Path = path
	r.Size = size
	r.InMemoryOnly = inMemoryOnly
	r.Error = ""
	r.Attempts = attempts
	r.CompletedAt = &at
	r.FailedAt = nil
}

// MarkFailed records a terminal download failure.
func (r *FileRecord) MarkFailed(reason string, attempts int, at time.Time) {
	r.Stored = false
	r.Failed = true
	r.InMemoryOnly = false
	r.Error = reason
	r.Attempts = attempts
	r.FailedAt = &at
	r.CompletedAt = nil
}

// ResetFailed moves a failed record back to pending. It reports whether
// the record changed.
func (r *FileRecord) ResetFailed() bool {
	if !r.Failed {
		return false
	}
	r.Failed = false
	r.Error = ""
	r.FailedAt = nil
	return true
}

// ResetStored moves a stored record back to pending when its bytes are no
// longer available. It reports whether the record changed.
func (r *FileRecord) ResetStored() bool {
	if !r.Stored {
		return false
	}
	r.Stored = false
	r.InMemoryOnly = false
	r.Path = ""
	r.CompletedAt = nil
	return true
}

// Manifest is the persistent record of one export job.
type Manifest struct {
	ID          string                `json:"id"`
	Status      Status                `json:"status"`
	CreatedAt   time.Time             `json:"created_at"`
	StartedAt   *time.Time            `json:"started_at,omitempty"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
	CancelledAt *time.Time            `json:"cancelled_at,omitempty"`
	ReleasedAt  *time.Time            `json:"released_at,omitempty"` // worker storage disposed
	Playlists   []PlaylistExport      `json:"playlists"`
	Files       map[string]FileRecord `json:"files"`
	Progress    Progress              `json:"progress"`
	Error       string                `json:"error,omitempty"`
}

// New returns an empty pending manifest.
func New(id string, now time.Time) *Manifest {
	return &Manifest{
		ID:        id,
		Status:    StatusPending,
		CreatedAt: now,
		Files:     make(map[string]FileRecord),
	}
}

// AddPlaylist appends a playlist and its file records.
func (m *Manifest) AddPlaylist(pl PlaylistExport, files []FileRecord) {
	if m.Files == nil {
		m.Files = make(map[string]FileRecord, len(files))
	}
	for _, f := range files {
		m.Files[f.ID] = f
	}
	m.Playlists = append(m.Playlists, pl)
	m.RecomputeProgress()
}

// RecomputeProgress rebuilds Progress from the file records.
func (m *Manifest) RecomputeProgress() {
	p := Progress{Total: len(m.Files)}
	for _, f := range m.Files {
		switch f.State() {
		case FileStored:
			p.Completed++
		case FileFailed:
			p.Failed++
		}
	}
	m.Progress = p
}

// Percent is the job completion percentage.
func (m *Manifest) Percent() float64 {
	return m.Progress.Percent()
}

// Pending counts records that are neither stored nor failed.
func (m *Manifest) Pending() int {
	n := 0
	for _, f := range m.Files {
		if f.State() == FilePending {
			n++
		}
	}
	return n
}

// ResetFailed moves every failed record back to pending and returns how
// many changed.
func (m *Manifest) ResetFailed() int {
	n := 0
	for id, f := range m.Files {
		if f.ResetFailed() {
			m.Files[id] = f
			n++
		}
	}
	if n > 0 {
		m.RecomputeProgress()
	}
	return n
}

// Playlist returns a pointer to the playlist with the given id.
func (m *Manifest) Playlist(id string) (*PlaylistExport, bool) {
	for i := range m.Playlists {
		if m.Playlists[i].ID == id {
			return &m.Playlists[i], true
		}
	}
	return nil, false
}

// PlaylistFiles returns the playlist's records in worklist order.
// Ids without a record are skipped.
func (m *Manifest) PlaylistFiles(pl PlaylistExport) []FileRecord {
	ids := pl.FileIDs()
	out := make([]FileRecord, 0, len(ids))
	for _, id := range ids {
		if rec, ok := m.Files[id]; ok {
			out = append(out, rec)
		}
	}
	return out
}

// Clone returns a deep copy so the manifest can cross a context boundary
// by value.
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}
	c := *m
	c.StartedAt = cloneTime(m.StartedAt)
	c.CompletedAt = cloneTime(m.CompletedAt)
	c.CancelledAt = cloneTime(m.CancelledAt)
	c.ReleasedAt = cloneTime(m.ReleasedAt)

	c.Playlists = make([]PlaylistExport, len(m.Playlists))
	for i, pl := range m.Playlists {
		pl.AudioFiles = append([]string(nil), pl.AudioFiles...)
		pl.IconImages = append([]string(nil), pl.IconImages...)
		pl.CompletedAt = cloneTime(pl.CompletedAt)
		pl.FailedAt = cloneTime(pl.FailedAt)
		if pl.Archive != nil {
			a := *pl.Archive
			pl.Archive = &a
		}
		c.Playlists[i] = pl
	}

	c.Files = make(map[string]FileRecord, len(m.Files))
	for id, f := range m.Files {
		f.CompletedAt = cloneTime(f.CompletedAt)
		f.FailedAt = cloneTime(f.FailedAt)
		c.Files[id] = f
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
