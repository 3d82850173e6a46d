package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteDefault writes a commented config.yaml if none exists and returns
// its path. An existing file is left untouched.
func WriteDefault() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return path, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to check config file: %w", err)
	}

	if err := os.WriteFile(path, []byte(defaultTemplate()), 0o600); err != nil {
		return "", fmt.Errorf("failed to write default config: %w", err)
	}
	return path, nil
}

func defaultTemplate() string {
	return fmt.Sprintf(`# plexport configuration

# Content API used to resolve playlists
content:
  base_url: ""
  # Bearer token sent with every content API request
  token: ""
  timeout: %s

# Relay used when a direct download fails (empty disables the relay)
relay:
  url: ""
  timeout: %s

# Download pool
workers:
  max_concurrent: %d
  max_attempts: %d
  base_delay: %s
  max_delay: %s
  playlist_timeout: %s
  progress_interval: %s

# Persistent download storage
storage:
  root: %s
  quota: %s
  # Extra free space required before a job is accepted
  safety_buffer: %s

# Where finished playlist archives are written
delivery:
  dir: %s

# Manifest reaper
cleanup:
  interval: %s
  completed_retention: %s
  incomplete_retention: %s

logging:
  # debug, info, warn, error
  level: info
  # empty means $XDG_STATE_HOME/plexport/plexport.log
  path: ""
  rotation:
    max_size: 10MiB
    max_age: 30       # days
    max_backups: 5
    daily: true
  components:
    coordinator: info
    worker: info
    fetch: warn

daemon:
  # Start plexportd automatically when a command needs it
  auto_start: true
  binary_path: ""
  # empty means $XDG_DATA_HOME/plexport/plexport.sock
  socket_path: ""
  pid_path: ""
  db_path: ""

output:
  # pretty, plain, json, yaml, tsv
  format: %s
`,
		DefaultContentTimeout, DefaultRelayTimeout,
		DefaultMaxConcurrent, DefaultMaxAttempts, DefaultBaseDelay, DefaultMaxDelay,
		DefaultPlaylistTimeout, DefaultProgressInterval,
		DefaultStorageRoot(), DefaultQuota, DefaultSafetyBuffer,
		DefaultDeliveryDir(),
		DefaultCleanupInterval, DefaultCompletedRetention, DefaultIncompleteRetention,
		DefaultOutputFormat,
	)
}
