package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// StartupState is the value of StatusFile.Status.
type StartupState string

const (
	StateReady StartupState = "ready"
	StateError StartupState = "error"
)

// StatusFile is what plexportd reports to the CLI that started it. The CLI
// polls for it after spawning the daemon.
type StatusFile struct {
	Status    StartupState `json:"status"`
	PID       int          `json:"pid,omitempty"`
	Version   string       `json:"version,omitempty"`
	Socket    string       `json:"socket,omitempty"`
	StartedAt *time.Time   `json:"started_at,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// WriteStatusReady records that the daemon is serving on socket.
func WriteStatusReady(path, version, socket string) error {
	now := time.Now().UTC()
	return writeStatus(path, &StatusFile{
		Status:    StateReady,
		PID:       os.Getpid(),
		Version:   version,
		Socket:    socket,
		StartedAt: &now,
	})
}

// WriteStatusError records why startup failed.
func WriteStatusError(path string, err error) error {
	return writeStatus(path, &StatusFile{Status: StateError, Error: err.Error()})
}

// writeStatus replaces the file through a rename so a poller never reads
// a partial document.
func writeStatus(path string, status *StatusFile) error {
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".status-*")
	if err != nil {
		return fmt.Errorf("creating status file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing status file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadStatus reads a status file.
func ReadStatus(path string) (*StatusFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var status StatusFile
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &status, nil
}

// RemoveStatus deletes the status file. A missing file is not an error.
func RemoveStatus(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// StatusPath returns the status file path that sits next to a PID file.
func StatusPath(pidPath string) string {
	return strings.TrimSuffix(pidPath, ".pid") + ".status"
}
