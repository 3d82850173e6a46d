package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/jamesainslie/plexport/pkg/plexport/logging"
	"github.com/jamesainslie/plexport/pkg/plexport/types"
)

// ErrNoConfigFile is returned by Watch when there is no file to watch.
var ErrNoConfigFile = errors.New("no config file found")

// ContentConfig points at the content API.
type ContentConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RelayConfig points at the fetch relay. An empty URL disables the relay.
type RelayConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// WorkersConfig tunes the download pool.
type WorkersConfig struct {
	MaxConcurrent    int           `mapstructure:"max_concurrent"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	BaseDelay        time.Duration `mapstructure:"base_delay"`
	MaxDelay         time.Duration `mapstructure:"max_delay"`
	PlaylistTimeout  time.Duration `mapstructure:"playlist_timeout"`
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
}

// StorageConfig configures the persistent download tier.
type StorageConfig struct {
	Root         string `mapstructure:"root"`
	Quota        string `mapstructure:"quota"`
	SafetyBuffer string `mapstructure:"safety_buffer"`
}

// QuotaBytes parses Quota.
func (s StorageConfig) QuotaBytes() (int64, error) {
	n, err := types.ParseSize(s.Quota)
	if err != nil {
		return 0, fmt.Errorf("storage.quota: %w", err)
	}
	return n, nil
}

// SafetyBufferBytes parses SafetyBuffer.
func (s StorageConfig) SafetyBufferBytes() (int64, error) {
	n, err := types.ParseSize(s.SafetyBuffer)
	if err != nil {
		return 0, fmt.Errorf("storage.safety_buffer: %w", err)
	}
	return n, nil
}

// DeliveryConfig says where finished archives are written.
type DeliveryConfig struct {
	Dir string `mapstructure:"dir"`
}

// CleanupConfig drives the manifest reaper.
type CleanupConfig struct {
	Interval            time.Duration `mapstructure:"interval"`
	CompletedRetention  time.Duration `mapstructure:"completed_retention"`
	IncompleteRetention time.Duration `mapstructure:"incomplete_retention"`
}

// RotationConfig configures log rotation.
type RotationConfig struct {
	MaxSize    string `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Daily      bool   `mapstructure:"daily"`
}

// LoggingConfig configures the shared logger.
type LoggingConfig struct {
	Level      string            `mapstructure:"level"`
	Path       string            `mapstructure:"path"`
	Rotation   RotationConfig    `mapstructure:"rotation"`
	Components map[string]string `mapstructure:"components"`
}

// Logging converts the file settings into a logging.Config.
func (l LoggingConfig) Logging() (logging.Config, error) {
	cfg := logging.Config{
		Level:      l.Level,
		Path:       l.Path,
		Components: l.Components,
		Rotation: logging.RotationConfig{
			MaxAge:     l.Rotation.MaxAge,
			MaxBackups: l.Rotation.MaxBackups,
			Daily:      l.Rotation.Daily,
		},
	}
	if l.Rotation.MaxSize != "" {
		size, err := types.ParseSize(l.Rotation.MaxSize)
		if err != nil {
			return logging.Config{}, fmt.Errorf("logging.rotation.max_size: %w", err)
		}
		cfg.Rotation.MaxSize = size
	}
	return cfg, nil
}

// DaemonConfig configures plexportd and how the CLI reaches it.
type DaemonConfig struct {
	AutoStart  bool   `mapstructure:"auto_start"`
	BinaryPath string `mapstructure:"binary_path"`
	SocketPath string `mapstructure:"socket_path"`
	PIDPath    string `mapstructure:"pid_path"`
	DBPath     string `mapstructure:"db_path"`
}

// OutputConfig holds CLI rendering defaults.
type OutputConfig struct {
	Format string `mapstructure:"format"`
}

// Config is the full plexport configuration.
type Config struct {
	Content  ContentConfig  `mapstructure:"content"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Workers  WorkersConfig  `mapstructure:"workers"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Delivery DeliveryConfig `mapstructure:"delivery"`
	Cleanup  CleanupConfig  `mapstructure:"cleanup"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Daemon   DaemonConfig   `mapstructure:"daemon"`
	Output   OutputConfig   `mapstructure:"output"`
}

// Load reads the configuration. Search order:
//   - $XDG_CONFIG_HOME/plexport/config.yaml
//   - $HOME/.config/plexport/config.yaml
//
// Every key can be overridden by PLEXPORT_<SECTION>_<KEY>, for example
// PLEXPORT_STORAGE_QUOTA=8GiB.
func Load() (*Config, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}
	if err := read(v); err != nil {
		return nil, err
	}
	return decode(v)
}

// LoadFile reads the configuration from an explicit path. Environment
// overrides still apply.
func LoadFile(path string) (*Config, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return decode(v)
}

// Watch loads the configuration and calls onChange with the new values each
// time the config file is written. Decode errors are passed through so the
// caller can log them and keep its previous settings.
func Watch(onChange func(*Config, error)) (*Config, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}
	if err := read(v); err != nil {
		return nil, err
	}
	if v.ConfigFileUsed() == "" {
		return nil, ErrNoConfigFile
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		onChange(decode(v))
	})
	v.WatchConfig()
	return cfg, nil
}

func newViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if xdgConfigHome := os.Getenv("XDG_CONFIG_HOME"); xdgConfigHome != "" {
		v.AddConfigPath(filepath.Join(xdgConfigHome, "plexport"))
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get user home directory: %w", err)
	}
	v.AddConfigPath(filepath.Join(home, ".config", "plexport"))

	v.SetEnvPrefix("PLEXPORT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("content.base_url", "")
	v.SetDefault("content.token", "")
	v.SetDefault("content.timeout", DefaultContentTimeout)

	v.SetDefault("relay.url", "")
	v.SetDefault("relay.timeout", DefaultRelayTimeout)

	v.SetDefault("workers.max_concurrent", DefaultMaxConcurrent)
	v.SetDefault("workers.max_attempts", DefaultMaxAttempts)
	v.SetDefault("workers.base_delay", DefaultBaseDelay)
	v.SetDefault("workers.max_delay", DefaultMaxDelay)
	v.SetDefault("workers.playlist_timeout", DefaultPlaylistTimeout)
	v.SetDefault("workers.progress_interval", DefaultProgressInterval)

	v.SetDefault("storage.root", DefaultStorageRoot())
	v.SetDefault("storage.quota", DefaultQuota)
	v.SetDefault("storage.safety_buffer", DefaultSafetyBuffer)

	v.SetDefault("delivery.dir", DefaultDeliveryDir())

	v.SetDefault("cleanup.interval", DefaultCleanupInterval)
	v.SetDefault("cleanup.completed_retention", DefaultCompletedRetention)
	v.SetDefault("cleanup.incomplete_retention", DefaultIncompleteRetention)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.path", "")
	v.SetDefault("logging.rotation.max_size", "10MiB")
	v.SetDefault("logging.rotation.max_age", 30)
	v.SetDefault("logging.rotation.max_backups", 5)
	v.SetDefault("logging.rotation.daily", true)
	v.SetDefault("logging.components", map[string]string{
		"coordinator": "info",
		"worker":      "info",
		"fetch":       "warn",
	})

	v.SetDefault("daemon.auto_start", true)
	v.SetDefault("daemon.binary_path", "")
	v.SetDefault("daemon.socket_path", "")
	v.SetDefault("daemon.pid_path", "")
	v.SetDefault("daemon.db_path", "")

	v.SetDefault("output.format", DefaultOutputFormat)
}

func read(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	var err error
	if cfg.Storage.Root, err = ExpandPath(cfg.Storage.Root); err != nil {
		return nil, err
	}
	if cfg.Delivery.Dir, err = ExpandPath(cfg.Delivery.Dir); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail deep inside the daemon.
func (c *Config) Validate() error {
	if c.Workers.MaxConcurrent < 1 {
		return fmt.Errorf("workers.max_concurrent must be at least 1, got %d", c.Workers.MaxConcurrent)
	}
	if c.Workers.MaxAttempts < 1 {
		return fmt.Errorf("workers.max_attempts must be at least 1, got %d", c.Workers.MaxAttempts)
	}
	if _, err := c.Storage.QuotaBytes(); err != nil {
		return err
	}
	if _, err := c.Storage.SafetyBufferBytes(); err != nil {
		return err
	}
	return nil
}

// ConfigDir returns the directory holding config.yaml.
func ConfigDir() (string, error) {
	if xdgConfigHome := os.Getenv("XDG_CONFIG_HOME"); xdgConfigHome != "" {
		return filepath.Join(xdgConfigHome, "plexport"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".config", "plexport"), nil
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, path[1:]), nil
}

// DataDir is $XDG_DATA_HOME/plexport, home of the database, socket and pid file.
func DataDir() string {
	return filepath.Join(xdg.DataHome, "plexport")
}

// StateDir is $XDG_STATE_HOME/plexport.
func StateDir() string {
	return filepath.Join(xdg.StateHome, "plexport")
}

func DefaultSocketPath() string  { return filepath.Join(DataDir(), "plexport.sock") }
func DefaultPIDPath() string     { return filepath.Join(DataDir(), "plexport.pid") }
func DefaultDBPath() string      { return filepath.Join(DataDir(), "manifests.db") }
func DefaultStorageRoot() string { return filepath.Join(DataDir(), "storage") }

// DefaultDeliveryDir is the user's download directory plus plexport.
func DefaultDeliveryDir() string {
	dir := xdg.UserDirs.Download
	if dir == "" {
		dir = filepath.Join(xdg.Home, "Downloads")
	}
	return filepath.Join(dir, "plexport")
}

// DefaultBinaryPath looks for plexportd in GOBIN, GOPATH/bin and ~/go/bin.
func DefaultBinaryPath() string {
	var candidates []string
	if gobin := os.Getenv("GOBIN"); gobin != "" {
		candidates = append(candidates, filepath.Join(gobin, "plexportd"))
	}
	if gopath := os.Getenv("GOPATH"); gopath != "" {
		candidates = append(candidates, filepath.Join(gopath, "bin", "plexportd"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, "go", "bin", "plexportd"))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// EnsureDataDir creates DataDir.
func EnsureDataDir() error {
	if err := os.MkdirAll(DataDir(), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	return nil
}
