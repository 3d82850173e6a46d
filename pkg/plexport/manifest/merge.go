package manifest

import "time"

// FilePatch is a partial FileRecord. Nil fields are left untouched.
type FilePatch struct {
	Type         *AssetType `json:"type,omitempty"`
	PlaylistID   *string    `json:"playlist_id,omitempty"`
	Filename     *string    `json:"filename,omitempty"`
	URL          *string    `json:"url,omitempty"`
	Size         *int64     `json:"size,omitempty"`
	Path         *string    `json:"path,omitempty"`
	Stored       *bool      `json:"stored,omitempty"`
	Failed       *bool      `json:"failed,omitempty"`
	InMemoryOnly *bool      `json:"in_memory_only,omitempty"`
	Error        *string    `json:"error,omitempty"`
	Attempts     *int       `json:"attempts,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	FailedAt     *time.Time `json:"failed_at,omitempty"`
}

// Update is a batch of file patches keyed by file id.
type Update struct {
	Files map[string]FilePatch `json:"files"`
}

// StatusPatch captures the status fields of a record, which are the only
// fields the worker pool changes.
func StatusPatch(r FileRecord) FilePatch {
	return FilePatch{
		Size:         ptr(r.Size),
		Path:         ptr(r.Path),
		Stored:       ptr(r.Stored),
		Failed:       ptr(r.Failed),
		InMemoryOnly: ptr(r.InMemoryOnly),
		Error:        ptr(r.Error),
		Attempts:     ptr(r.Attempts),
		CompletedAt:  r.CompletedAt,
		FailedAt:     r.FailedAt,
	}
}

// NewUpdate wraps the status patch of a single record.
func NewUpdate(r FileRecord) Update {
	return Update{Files: map[string]FilePatch{r.ID: StatusPatch(r)}}
}

// MergeFiles applies patches to files and returns a new map. Records not
// present in files are inserted from the patch. The input map is not modified.
func MergeFiles(files map[string]FileRecord, patches map[string]FilePatch) map[string]FileRecord {
	out := make(map[string]FileRecord, len(files)+len(patches))
	for id, f := range files {
		out[id] = f
	}
	for id, p := range patches {
		rec, ok := out[id]
		if !ok {
			rec = FileRecord{ID: id}
		}
		out[id] = p.apply(rec)
	}
	return out
}

// Apply merges an update into the manifest and recomputes progress.
func (m *Manifest) Apply(u Update) {
	if len(u.Files) == 0 {
		return
	}
	m.Files = MergeFiles(m.Files, u.Files)
	m.RecomputeProgress()
}

func (p FilePatch) apply(r FileRecord) FileRecord {
	if p.Type != nil {
		r.Type = *p.Type
	}
	if p.PlaylistID != nil {
		r.PlaylistID = *p.PlaylistID
	}
	if p.Filename != nil {
		r.Filename = *p.Filename
	}
	if p.URL != nil {
		r.URL = *p.URL
	}
	if p.Size != nil {
		r.Size = *p.Size
	}
	if p.Path != nil {
		r.Path = *p.Path
	}
	if p.Stored != nil {
		r.Stored = *p.Stored
	}
	if p.Failed != nil {
		r.Failed = *p.Failed
	}
	if p.InMemoryOnly != nil {
		r.InMemoryOnly = *p.InMemoryOnly
	}
	if p.Error != nil {
		r.Error = *p.Error
	}
	if p.Attempts != nil {
		r.Attempts = *p.Attempts
	}
	if p.CompletedAt != nil {
		r.CompletedAt = p.CompletedAt
	}
	if p.FailedAt != nil {
		r.FailedAt = p.FailedAt
	}

	// A patch that sets one terminal flag clears the other.
	switch {
	case p.Stored != nil && *p.Stored:
		r.Failed = false
		r.FailedAt = nil
	case p.Failed != nil && *p.Failed:
		r.Stored = false
		r.InMemoryOnly = false
		r.CompletedAt = nil
	}
	return r
}

func ptr[T any](v T) *T {
	return &v
}
