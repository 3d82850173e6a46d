package daemon

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/jamesainslie/plexport/pkg/plexport/logging"
)

// RecoverFromStaleDaemon removes the PID, socket, status and badger lock
// files left by a daemon that died without cleaning up. It returns
// ErrDaemonAlreadyRunning when another process holds the instance lock or
// the PID file names a live process.
func RecoverFromStaleDaemon(pidPath, socketPath, dbPath string) error {
	held, err := lockHeld(LockPath(pidPath))
	if err != nil {
		return err
	}
	if held {
		return ErrDaemonAlreadyRunning
	}

	pid, err := ReadPIDFile(pidPath)
	if err != nil {
		return nil //nolint:nilerr // missing/invalid PID file is not an error condition
	}
	if IsProcessRunning(pid) {
		return ErrDaemonAlreadyRunning
	}

	logging.Get("daemon").Warn("cleaning up stale daemon files", "stale_pid", pid)

	for _, path := range []string{
		pidPath,
		socketPath,
		StatusPath(pidPath),
		filepath.Join(dbPath, "LOCK"),
	} {
		_ = os.Remove(path)
	}
	return nil
}

// lockHeld probes the instance lock without keeping it.
func lockHeld(path string) (bool, error) {
	l := flock.New(path)
	ok, err := l.TryLock()
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return false, l.Unlock()
}
