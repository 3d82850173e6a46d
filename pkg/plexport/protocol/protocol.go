// Package protocol defines the messages exchanged between the job
// coordinator and the worker host. Commands travel coordinator to worker,
// events travel back. Everything is passed by value; neither side shares
// mutable state with the other.
package protocol

import (
	"time"

	"github.com/jamesainslie/plexport/pkg/plexport/manifest"
)

// CommandType names a coordinator request.
type CommandType string

const (
	CommandStart     CommandType = "START_DOWNLOADS"
	CommandResume    CommandType = "RESUME_DOWNLOADS"
	CommandCancel    CommandType = "CANCEL_DOWNLOADS"
	CommandCreateZip CommandType = "CREATE_ZIP"

	// CommandDispose drops the worker-side storage of a job.
	CommandDispose CommandType = "DISPOSE_STORAGE"
)

// Command is a request to the worker host. Manifest is a snapshot owned by
// the receiver.
type Command struct {
	Type        CommandType        `json:"type"`
	ManifestID  string             `json:"manifest_id"`
	Manifest    *manifest.Manifest `json:"manifest,omitempty"`
	PlaylistIDs []string           `json:"playlist_ids,omitempty"`
}

// Ack is the synchronous answer to a Command. Success means accepted,
// not finished.
type Ack struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Accepted returns a successful Ack.
func Accepted(msg string) Ack { return Ack{Success: true, Message: msg} }

// Rejected returns a failed Ack.
func Rejected(msg string) Ack { return Ack{Success: false, Message: msg} }

// EventType names a worker notification.
type EventType string

const (
	EventExportStarted     EventType = "PROGRESSIVE_EXPORT_STARTED"
	EventExportCompleted   EventType = "PROGRESSIVE_EXPORT_COMPLETED"
	EventPlaylistStarted   EventType = "PLAYLIST_EXPORT_STARTED"
	EventPlaylistCompleted EventType = "PLAYLIST_EXPORT_COMPLETED"
	EventPlaylistFailed    EventType = "PLAYLIST_EXPORT_FAILED"
	EventDownloadStarted   EventType = "DOWNLOAD_STARTED"
	EventDownloadProgress  EventType = "DOWNLOAD_PROGRESS"
	EventDownloadCompleted EventType = "DOWNLOAD_COMPLETED"
	EventDownloadFailed    EventType = "DOWNLOAD_FAILED"
	EventManifestUpdate    EventType = "MANIFEST_UPDATE"
	EventExportError       EventType = "EXPORT_ERROR"

	// EventExportCancelled is published by the coordinator once a cancel
	// was accepted. Workers never send it.
	EventExportCancelled EventType = "EXPORT_CANCELLED"
)

// Playlist failure codes.
const (
	CodeNoFiles    = "no_files"
	CodeAllFailed  = "files_failed"
	CodeTimeout    = "timeout"
	CodePackaging  = "packaging"
	CodeDelivery   = "delivery"
	ReasonNoFiles  = "no files available"
	ReasonTimedOut = "playlist timed out"
)

// Archive is a packed playlist. Data only travels worker to coordinator;
// the coordinator clears it and sets Path after delivery.
type Archive struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Files    int    `json:"files"`
	Data     []byte `json:"data,omitempty"`
	Path     string `json:"path,omitempty"`
}

// Stats summarizes a finished run.
type Stats struct {
	Playlists   int           `json:"playlists"`
	Completed   int           `json:"completed"`
	Failed      int           `json:"failed"`
	FilesStored int           `json:"files_stored"`
	FilesFailed int           `json:"files_failed"`
	InMemory    int           `json:"in_memory"`
	Duration    time.Duration `json:"duration"`
}

// Event is a worker notification. Only the fields relevant to Type are set.
type Event struct {
	Type       EventType `json:"type"`
	ManifestID string    `json:"manifest_id"`
	Time       time.Time `json:"time"`

	// Playlist events. Index is 1-based out of Total.
	PlaylistID    string `json:"playlist_id,omitempty"`
	PlaylistTitle string `json:"playlist_title,omitempty"`
	Index         int    `json:"index,omitempty"`
	Total         int    `json:"total,omitempty"`

	// File events.
	FileID        string             `json:"file_id,omitempty"`
	Filename      string             `json:"filename,omitempty"`
	FileType      manifest.AssetType `json:"file_type,omitempty"`
	BytesReceived int64              `json:"bytes_received,omitempty"`
	BytesTotal    int64              `json:"bytes_total,omitempty"`
	InMemoryOnly  bool               `json:"in_memory_only,omitempty"`
	Source        string             `json:"source,omitempty"`
	Attempts      int                `json:"attempts,omitempty"`

	Reason  string           `json:"reason,omitempty"`
	Code    string           `json:"code,omitempty"`
	Archive *Archive         `json:"archive,omitempty"`
	Stats   *Stats           `json:"stats,omitempty"`
	Update  *manifest.Update `json:"update,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// Terminal reports whether no further events follow for the job.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventExportCompleted, EventExportError, EventExportCancelled:
		return true
	default:
		return false
	}
}
