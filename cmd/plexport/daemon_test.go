package main

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	exportv1 "github.com/jamesainslie/plexport/pkg/api/export/v1"
	"github.com/jamesainslie/plexport/pkg/plexport/config"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{42 * time.Second, "42s"},
		{3*time.Minute + 5*time.Second, "3m 5s"},
		{2*time.Hour + 10*time.Minute, "2h 10m"},
		{50 * time.Hour, "2d 2h"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatDuration(tt.in))
	}
}

func TestFormatDaemonStatus(t *testing.T) {
	out := formatDaemonStatus(&exportv1.DaemonStatus{
		Running:       true,
		Version:       "1.0.0",
		PID:           4242,
		UptimeSeconds: 3660,
		MemoryBytes:   20 << 20,
		ActiveJobs:    []string{"job-1"},
		Exports:       3,
		StorageUsed:   1 << 30,
		StorageQuota:  4 << 30,
		StorageRoot:   "/data/storage",
		DeliveryDir:   "/home/u/Downloads/plexport",
	})

	assert.Contains(t, out, "running")
	assert.Contains(t, out, "4242")
	assert.Contains(t, out, "1h 1m")
	assert.Contains(t, out, "3 stored, 1 running")
	assert.Contains(t, out, "1.0 GiB of 4.0 GiB")
	assert.Contains(t, out, "- job-1")
	assert.True(t, strings.HasPrefix(out, "Daemon status:"))
}

func TestMask(t *testing.T) {
	assert.Equal(t, "", mask(""))
	assert.Equal(t, "****", mask("abc"))
	assert.Equal(t, "******cret", mask("ppersecret"))
}

func TestConfigLinesMasksToken(t *testing.T) {
	cfg := &config.Config{
		Content: config.ContentConfig{BaseURL: "https://media.example.com", Token: "tok-12345678"},
		Output:  config.OutputConfig{Format: "json"},
	}
	lines := configLines(cfg)

	values := make(map[string]string, len(lines))
	for _, kv := range lines {
		values[kv[0]] = kv[1]
	}
	assert.Equal(t, "https://media.example.com", values["content.base_url"])
	assert.Equal(t, "********5678", values["content.token"])
	assert.Equal(t, "json", values["output.format"])
}
