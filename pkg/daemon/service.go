package daemon

import (
	"context"
	"errors"
	"os"
	"runtime"
	"slices"
	"time"

	"github.com/samber/lo"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	exportv1 "github.com/jamesainslie/plexport/pkg/api/export/v1"
	"github.com/jamesainslie/plexport/pkg/daemon/broadcaster"
	"github.com/jamesainslie/plexport/pkg/daemon/coordinator"
	"github.com/jamesainslie/plexport/pkg/plexport/logging"
	"github.com/jamesainslie/plexport/pkg/plexport/manifest"
	"github.com/jamesainslie/plexport/pkg/plexport/protocol"
	"github.com/jamesainslie/plexport/pkg/plexport/storage"
)

// Exporter is the job API the service exposes. *coordinator.Coordinator
// implements it.
type Exporter interface {
	Start(ctx context.Context, refs []manifest.PlaylistRef) (coordinator.StartResult, error)
	Resume(ctx context.Context, id string) (coordinator.ResumeResult, error)
	Cancel(ctx context.Context, id string) error
	Status(id string) (coordinator.Snapshot, error)
	List() ([]*manifest.Manifest, error)
	CreateZip(ctx context.Context, id string, playlistIDs []string) error
	ActiveJobs() []string
}

// StorageInfo describes the worker storage reported by GetDaemonStatus.
type StorageInfo struct {
	Root        string
	Quota       int64
	DeliveryDir string
}

// Service implements the ExportDaemon gRPC service.
type Service struct {
	exportv1.UnimplementedExportDaemonServer

	jobs        Exporter
	broadcaster *broadcaster.Broadcaster
	storage     StorageInfo
	version     string
	shutdown    func()
	startTime   time.Time
	log         *logging.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithBroadcaster enables WatchEvents.
func WithBroadcaster(b *broadcaster.Broadcaster) ServiceOption {
	return func(s *Service) { s.broadcaster = b }
}

// WithStorage sets the storage reported by GetDaemonStatus.
func WithStorage(info StorageInfo) ServiceOption {
	return func(s *Service) { s.storage = info }
}

// WithVersion sets the version reported by GetDaemonStatus.
func WithVersion(v string) ServiceOption {
	return func(s *Service) { s.version = v }
}

// WithShutdown sets the function Shutdown calls after replying.
func WithShutdown(fn func()) ServiceOption {
	return func(s *Service) { s.shutdown = fn }
}

// NewService creates a new gRPC service.
func NewService(jobs Exporter, opts ...ServiceOption) *Service {
	s := &Service{
		jobs:      jobs,
		startTime: time.Now(),
		log:       logging.Get("daemon"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartExport builds and dispatches a new export.
func (s *Service) StartExport(ctx context.Context, req *exportv1.StartExportRequest) (*exportv1.StartExportResponse, error) {
	if len(req.Playlists) == 0 {
		return nil, status.Error(codes.InvalidArgument, "no playlists given")
	}

	res, err := s.jobs.Start(ctx, req.Playlists)
	if err != nil {
		if res.ManifestID != "" {
			// Persisted but not dispatched: the job can be resumed later.
			return nil, status.Errorf(grpcCode(err), "export %s saved but not started: %v", res.ManifestID, err)
		}
		return nil, toStatus(err)
	}
	return &exportv1.StartExportResponse{
		ManifestID:     res.ManifestID,
		TotalFiles:     res.TotalFiles,
		EstimatedBytes: res.Estimated,
	}, nil
}

// ResumeExport retries unfinished files of an export.
func (s *Service) ResumeExport(ctx context.Context, req *exportv1.ResumeExportRequest) (*exportv1.ResumeExportResponse, error) {
	if req.ManifestID == "" {
		return nil, status.Error(codes.InvalidArgument, "manifest id is required")
	}
	res, err := s.jobs.Resume(ctx, req.ManifestID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &exportv1.ResumeExportResponse{ManifestID: res.ManifestID, Resumed: res.Resumed, Pending: res.Pending}, nil
}

// CancelExport stops a running export.
func (s *Service) CancelExport(ctx context.Context, req *exportv1.CancelExportRequest) (*exportv1.CancelExportResponse, error) {
	if req.ManifestID == "" {
		return nil, status.Error(codes.InvalidArgument, "manifest id is required")
	}
	if err := s.jobs.Cancel(ctx, req.ManifestID); err != nil {
		return nil, toStatus(err)
	}
	return &exportv1.CancelExportResponse{Success: true}, nil
}

// GetExportStatus returns one export.
func (s *Service) GetExportStatus(_ context.Context, req *exportv1.GetExportStatusRequest) (*exportv1.ExportStatus, error) {
	if req.ManifestID == "" {
		return nil, status.Error(codes.InvalidArgument, "manifest id is required")
	}
	snap, err := s.jobs.Status(req.ManifestID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &exportv1.ExportStatus{
		Manifest: snap.Manifest,
		Percent:  snap.Percent,
		Active:   slices.Contains(s.jobs.ActiveJobs(), req.ManifestID),
	}, nil
}

// ListExports returns export summaries, newest first.
func (s *Service) ListExports(_ context.Context, req *exportv1.ListExportsRequest) (*exportv1.ListExportsResponse, error) {
	list, err := s.jobs.List()
	if err != nil {
		return nil, toStatus(err)
	}
	if req.Limit > 0 && len(list) > req.Limit {
		list = list[:req.Limit]
	}

	active := s.jobs.ActiveJobs()
	return &exportv1.ListExportsResponse{
		Exports: lo.Map(list, func(m *manifest.Manifest, _ int) exportv1.ExportSummary {
			return summarize(m, slices.Contains(active, m.ID))
		}),
	}, nil
}

func summarize(m *manifest.Manifest, active bool) exportv1.ExportSummary {
	return exportv1.ExportSummary{
		ID:          m.ID,
		Status:      m.Status,
		CreatedAt:   m.CreatedAt,
		CompletedAt: m.CompletedAt,
		Playlists:   len(m.Playlists),
		Delivered:   lo.CountBy(m.Playlists, func(pl manifest.PlaylistExport) bool { return pl.Done() }),
		Progress:    m.Progress,
		Percent:     m.Percent(),
		Active:      active,
	}
}

// CreateZip packs playlists of an export again.
func (s *Service) CreateZip(ctx context.Context, req *exportv1.CreateZipRequest) (*exportv1.CreateZipResponse, error) {
	if req.ManifestID == "" {
		return nil, status.Error(codes.InvalidArgument, "manifest id is required")
	}
	if err := s.jobs.CreateZip(ctx, req.ManifestID, req.PlaylistIDs); err != nil {
		return nil, toStatus(err)
	}
	return &exportv1.CreateZipResponse{Accepted: true}, nil
}

// WatchEvents streams export events. With a manifest id the stream ends
// after that job's terminal event.
func (s *Service) WatchEvents(req *exportv1.WatchEventsRequest, stream grpc.ServerStreamingServer[protocol.Event]) error {
	if s.broadcaster == nil {
		return status.Error(codes.Unavailable, "event streaming not available")
	}

	sub := s.broadcaster.Subscribe(req.ManifestID, req.Types...)
	if sub == nil {
		return status.Error(codes.Unavailable, "failed to subscribe")
	}
	defer s.broadcaster.Unsubscribe(sub.ID)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events:
			if !ok {
				return nil
			}
			if err := stream.Send(&ev); err != nil {
				return err
			}
			if req.ManifestID != "" && ev.Terminal() {
				return nil
			}
		}
	}
}

// GetDaemonStatus returns daemon health information.
func (s *Service) GetDaemonStatus(_ context.Context, _ *exportv1.GetDaemonStatusRequest) (*exportv1.DaemonStatus, error) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	st := &exportv1.DaemonStatus{
		Running:       true,
		Version:       s.version,
		PID:           os.Getpid(),
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		MemoryBytes:   int64(mem.Alloc),
		ActiveJobs:    s.jobs.ActiveJobs(),
		StorageRoot:   s.storage.Root,
		StorageQuota:  s.storage.Quota,
		DeliveryDir:   s.storage.DeliveryDir,
	}
	if list, err := s.jobs.List(); err == nil {
		st.Exports = len(list)
	}
	if s.broadcaster != nil {
		st.Watchers = s.broadcaster.SubscriberCount()
	}
	if s.storage.Root != "" {
		used, err := storage.Usage(s.storage.Root)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("reading storage usage failed", "error", err)
		}
		st.StorageUsed = used
	}
	return st, nil
}

// Shutdown gracefully shuts down the daemon.
func (s *Service) Shutdown(_ context.Context, _ *exportv1.ShutdownRequest) (*exportv1.ShutdownResponse, error) {
	s.log.Info("shutdown requested")
	if s.shutdown != nil {
		// Reply before the server stops.
		go s.shutdown()
	}
	return &exportv1.ShutdownResponse{Success: true}, nil
}

// toStatus maps domain errors onto gRPC status codes.
func toStatus(err error) error {
	return status.Error(grpcCode(err), err.Error())
}

func grpcCode(err error) codes.Code {
	switch {
	case errors.Is(err, coordinator.ErrManifestNotFound):
		return codes.NotFound
	case errors.Is(err, coordinator.ErrInsufficientSpace), errors.Is(err, storage.ErrInsufficientSpace):
		return codes.ResourceExhausted
	case errors.Is(err, coordinator.ErrWorkerUnavailable):
		return codes.Unavailable
	case errors.Is(err, manifest.ErrNoPlaylists), errors.Is(err, coordinator.ErrUnknownPlaylist):
		return codes.InvalidArgument
	case errors.Is(err, coordinator.ErrRejected):
		return codes.FailedPrecondition
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}
