// Package config loads plexport settings from the config file and
// PLEXPORT_* environment variables.
package config

import "time"

const (
	DefaultContentTimeout = 30 * time.Second
	DefaultRelayTimeout   = 60 * time.Second

	// DefaultMaxConcurrent bounds in-flight downloads per job.
	DefaultMaxConcurrent = 6
	DefaultMaxAttempts   = 3
	DefaultBaseDelay     = time.Second
	DefaultMaxDelay      = 10 * time.Second

	DefaultPlaylistTimeout  = 5 * time.Minute
	DefaultProgressInterval = 250 * time.Millisecond

	DefaultQuota        = "4GiB"
	DefaultSafetyBuffer = "100MB"

	DefaultCleanupInterval     = 10 * time.Minute
	DefaultCompletedRetention  = time.Hour
	DefaultIncompleteRetention = 7 * 24 * time.Hour

	DefaultDispatchTimeout = 10 * time.Second

	DefaultOutputFormat = "pretty"
)
