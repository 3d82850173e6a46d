// Package exportv1 is the plexportd gRPC API. Messages are plain Go structs
// carried by the JSON codec registered in this package.
package exportv1

import (
	"time"

	"github.com/jamesainslie/plexport/pkg/plexport/manifest"
	"github.com/jamesainslie/plexport/pkg/plexport/protocol"
)

type StartExportRequest struct {
	Playlists []manifest.PlaylistRef `json:"playlists"`
}

type StartExportResponse struct {
	ManifestID     string `json:"manifest_id"`
	TotalFiles     int    `json:"total_files"`
	EstimatedBytes int64  `json:"estimated_bytes"`
}

type ResumeExportRequest struct {
	ManifestID string `json:"manifest_id"`
}

type ResumeExportResponse struct {
	ManifestID string `json:"manifest_id"`
	Resumed    bool   `json:"resumed"`
	Pending    int    `json:"pending"`
}

type CancelExportRequest struct {
	ManifestID string `json:"manifest_id"`
}

type CancelExportResponse struct {
	Success bool `json:"success"`
}

type GetExportStatusRequest struct {
	ManifestID string `json:"manifest_id"`
}

// ExportStatus is a full job snapshot.
type ExportStatus struct {
	Manifest *manifest.Manifest `json:"manifest"`
	Percent  float64            `json:"percent"`
	Active   bool               `json:"active"`
}

type ListExportsRequest struct {
	// Limit caps the number of jobs returned, newest first. Zero means all.
	Limit int `json:"limit,omitempty"`
}

// ExportSummary is the list view of a job.
type ExportSummary struct {
	ID          string            `json:"id"`
	Status      manifest.Status   `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Playlists   int               `json:"playlists"`
	Delivered   int               `json:"delivered"`
	Progress    manifest.Progress `json:"progress"`
	Percent     float64           `json:"percent"`
	Active      bool              `json:"active"`
}

type ListExportsResponse struct {
	Exports []ExportSummary `json:"exports"`
}

type CreateZipRequest struct {
	ManifestID string `json:"manifest_id"`
	// PlaylistIDs selects playlists to pack again. Empty means all.
	PlaylistIDs []string `json:"playlist_ids,omitempty"`
}

type CreateZipResponse struct {
	Accepted bool `json:"accepted"`
}

type WatchEventsRequest struct {
	// ManifestID limits the stream to one job. The stream then ends after
	// the job's terminal event.
	ManifestID string               `json:"manifest_id,omitempty"`
	Types      []protocol.EventType `json:"types,omitempty"`
}

type GetDaemonStatusRequest struct{}

type DaemonStatus struct {
	Running       bool     `json:"running"`
	Version       string   `json:"version,omitempty"`
	PID           int      `json:"pid"`
	UptimeSeconds int64    `json:"uptime_seconds"`
	MemoryBytes   int64    `json:"memory_bytes"`
	ActiveJobs    []string `json:"active_jobs"`
	Exports       int      `json:"exports"`
	Watchers      int      `json:"watchers"`
	StorageRoot   string   `json:"storage_root"`
	StorageUsed   int64    `json:"storage_used"`
	StorageQuota  int64    `json:"storage_quota"`
	DeliveryDir   string   `json:"delivery_dir"`
}

type ShutdownRequest struct{}

type ShutdownResponse struct {
	Success bool `json:"success"`
}
