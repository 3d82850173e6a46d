// Package client provides a client for connecting to the plexportd daemon.
// It wraps the gRPC client with convenience methods and daemon management.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	exportv1 "github.com/jamesainslie/plexport/pkg/api/export/v1"
	"github.com/jamesainslie/plexport/pkg/plexport/config"
	"github.com/jamesainslie/plexport/pkg/plexport/manifest"
	"github.com/jamesainslie/plexport/pkg/plexport/protocol"
)

// Client connects to the plexportd daemon via gRPC.
type Client struct {
	conn   *grpc.ClientConn
	client exportv1.ExportDaemonClient
}

// DefaultSocketPath returns the default Unix socket path for plexportd.
func DefaultSocketPath() string {
	return config.DefaultSocketPath()
}

// DefaultPIDPath returns the default PID file path for plexportd.
func DefaultPIDPath() string {
	return config.DefaultPIDPath()
}

// DaemonPaths configures paths for daemon operations.
// Empty fields use defaults.
type DaemonPaths struct {
	Binary string // Path to plexportd binary (auto-discovered if empty)
	Socket string // Unix socket path
	PID    string // PID file path
}

// withDefaults returns a copy with empty fields filled with defaults.
func (p DaemonPaths) withDefaults() DaemonPaths {
	if p.Socket == "" {
		p.Socket = DefaultSocketPath()
	}
	if p.PID == "" {
		p.PID = DefaultPIDPath()
	}
	return p
}

// Connect establishes a connection to the plexportd daemon.
// Uses a default timeout of 5 seconds.
func Connect(socketPath string) (*Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return ConnectWithContext(ctx, socketPath)
}

// ConnectWithContext establishes a connection to the plexportd daemon with a custom context.
func ConnectWithContext(ctx context.Context, socketPath string) (*Client, error) {
	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("daemon socket not found at %s", socketPath)
	}

	target := "unix://" + socketPath

	//nolint:staticcheck // grpc.DialContext is deprecated but NewClient doesn't support blocking
	conn, err := grpc.DialContext(
		ctx,
		target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon: %w", err)
	}

	return &Client{
		conn:   conn,
		client: exportv1.NewExportDaemonClient(conn),
	}, nil
}

// Close closes the connection to the daemon.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// StartExport asks the daemon to export the given playlists.
func (c *Client) StartExport(ctx context.Context, refs []manifest.PlaylistRef) (*exportv1.StartExportResponse, error) {
	resp, err := c.client.StartExport(ctx, &exportv1.StartExportRequest{Playlists: refs})
	if err != nil {
		return nil, fmt.Errorf("StartExport RPC failed: %w", err)
	}
	return resp, nil
}

// ResumeExport retries unfinished files of an export.
func (c *Client) ResumeExport(ctx context.Context, id string) (*exportv1.ResumeExportResponse, error) {
	resp, err := c.client.ResumeExport(ctx, &exportv1.ResumeExportRequest{ManifestID: id})
	if err != nil {
		return nil, fmt.Errorf("ResumeExport RPC failed: %w", err)
	}
	return resp, nil
}

// CancelExport stops a running export.
func (c *Client) CancelExport(ctx context.Context, id string) error {
	resp, err := c.client.CancelExport(ctx, &exportv1.CancelExportRequest{ManifestID: id})
	if err != nil {
		return fmt.Errorf("CancelExport RPC failed: %w", err)
	}
	if !resp.Success {
		return errors.New("cancel request was not successful")
	}
	return nil
}

// GetExportStatus returns one export.
func (c *Client) GetExportStatus(ctx context.Context, id string) (*exportv1.ExportStatus, error) {
	resp, err := c.client.GetExportStatus(ctx, &exportv1.GetExportStatusRequest{ManifestID: id})
	if err != nil {
		return nil, fmt.Errorf("GetExportStatus RPC failed: %w", err)
	}
	return resp, nil
}

// ListExports returns up to limit exports, newest first. Zero means all.
func (c *Client) ListExports(ctx context.Context, limit int) ([]exportv1.ExportSummary, error) {
	resp, err := c.client.ListExports(ctx, &exportv1.ListExportsRequest{Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("ListExports RPC failed: %w", err)
	}
	return resp.Exports, nil
}

// CreateZip asks the daemon to pack playlists of an export again.
func (c *Client) CreateZip(ctx context.Context, id string, playlistIDs []string) error {
	resp, err := c.client.CreateZip(ctx, &exportv1.CreateZipRequest{ManifestID: id, PlaylistIDs: playlistIDs})
	if err != nil {
		return fmt.Errorf("CreateZip RPC failed: %w", err)
	}
	if !resp.Accepted {
		return errors.New("zip request was not accepted")
	}
	return nil
}

// GetDaemonStatus returns the current status of the daemon.
func (c *Client) GetDaemonStatus(ctx context.Context) (*exportv1.DaemonStatus, error) {
	status, err := c.client.GetDaemonStatus(ctx, &exportv1.GetDaemonStatusRequest{})
	if err != nil {
		return nil, fmt.Errorf("GetDaemonStatus RPC failed: %w", err)
	}
	return status, nil
}

// Shutdown requests the daemon to shut down gracefully.
func (c *Client) Shutdown(ctx context.Context) error {
	resp, err := c.client.Shutdown(ctx, &exportv1.ShutdownRequest{})
	if err != nil {
		return fmt.Errorf("Shutdown RPC failed: %w", err)
	}

	if !resp.Success {
		return errors.New("shutdown request was not successful")
	}

	return nil
}

// WatchEvents subscribes to export events. An empty manifestID watches
// every job. The channel is closed when the stream ends or ctx is done.
func (c *Client) WatchEvents(ctx context.Context, manifestID string, types ...protocol.EventType) (<-chan protocol.Event, error) {
	stream, err := c.client.WatchEvents(ctx, &exportv1.WatchEventsRequest{ManifestID: manifestID, Types: types})
	if err != nil {
		return nil, fmt.Errorf("WatchEvents RPC failed: %w", err)
	}

	events := make(chan protocol.Event, 100)
	go func() {
		defer close(events)
		for {
			ev, err := stream.Recv()
			if err != nil {
				return // Stream closed or error
			}
			select {
			case events <- *ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, nil
}

// EnsureDaemon ensures the daemon is running, starting it if necessary.
// Idempotent: returns nil if daemon is already running.
func EnsureDaemon(paths DaemonPaths) error {
	return StartDaemon(paths)
}

// StartDaemon starts the plexportd daemon in the background.
// Idempotent: returns nil if daemon is already running.
func StartDaemon(paths DaemonPaths) error {
	paths = paths.withDefaults()

	if IsDaemonRunning(paths.PID) {
		return nil // Already running, nothing to do
	}

	binary, err := resolveBinary(paths.Binary)
	if err != nil {
		return fmt.Errorf("find plexportd: %w", err)
	}

	statusPath := statusPathFor(paths.PID)

	// Clean up stale status file before starting
	_ = os.Remove(statusPath)

	// Use exec.Command (not CommandContext) intentionally: daemon must outlive caller
	cmd := exec.Command(binary) //nolint:gosec // binary path is validated
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	// Detach so daemon outlives caller
	if cmd.Process != nil {
		_ = cmd.Process.Release()
	}

	// Poll for status file OR socket
	for range 50 {
		time.Sleep(100 * time.Millisecond)

		if status, err := readStatusFile(statusPath); err == nil {
			switch status.Status {
			case "ready":
				return nil
			case "error":
				return fmt.Errorf("daemon failed to start: %s", status.Error)
			}
		}

		if _, err := os.Stat(paths.Socket); err == nil {
			return nil
		}
	}

	return errors.New("daemon did not become ready within timeout")
}

// StopDaemon stops the daemon gracefully via RPC.
// Idempotent: returns nil if daemon is not running.
func StopDaemon(paths DaemonPaths) error {
	paths = paths.withDefaults()

	if !IsDaemonRunning(paths.PID) {
		return nil // Not running, nothing to do
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := ConnectWithContext(ctx, paths.Socket)
	if err != nil {
		return fmt.Errorf("connect to daemon: %w", err)
	}
	defer client.Close()

	if err := client.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown daemon: %w", err)
	}

	// Wait for daemon to stop
	for range 40 {
		time.Sleep(250 * time.Millisecond)
		if !IsDaemonRunning(paths.PID) {
			return nil
		}
	}

	return errors.New("daemon did not stop within timeout")
}

// RestartDaemon stops and starts the daemon.
func RestartDaemon(paths DaemonPaths) error {
	if err := StopDaemon(paths); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	if err := StartDaemon(paths); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	return nil
}

// resolveBinary finds the plexportd binary path.
// Priority: configured path > same directory as executable > GOBIN/GOPATH > PATH.
func resolveBinary(configured string) (string, error) {
	if configured != "" {
		if _, err := os.Stat(configured); err != nil {
			return "", fmt.Errorf("configured binary not found: %s", configured)
		}
		return configured, nil
	}

	if execPath, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(execPath), "plexportd")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	if goBinPath := config.DefaultBinaryPath(); goBinPath != "" {
		return goBinPath, nil
	}

	if path, err := exec.LookPath("plexportd"); err == nil {
		return path, nil
	}

	return "", errors.New("plexportd not found")
}

// IsDaemonRunning checks if the daemon is running based on the PID file.
func IsDaemonRunning(pidPath string) bool {
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// Send signal 0 to check if process exists
	return process.Signal(syscall.Signal(0)) == nil
}

// readPIDFile reads a PID from a file.
func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, err
	}

	return pid, nil
}

// statusPathFor mirrors daemon.StatusPath without importing the daemon.
func statusPathFor(pidPath string) string {
	return strings.TrimSuffix(pidPath, ".pid") + ".status"
}

// statusFile represents the daemon startup status file.
type statusFile struct {
	Status string `json:"status"`
	PID    int    `json:"pid,omitempty"`
	Error  string `json:"error,omitempty"`
}

// readStatusFile reads and parses the daemon status file.
func readStatusFile(path string) (*statusFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var status statusFile
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, err
	}
	return &status, nil
}
