package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jamesainslie/plexport/pkg/client"
	"github.com/jamesainslie/plexport/pkg/plexport/config"
	"github.com/jamesainslie/plexport/pkg/plexport/logging"
)

const rpcTimeout = 10 * time.Second

// loadConfig reads --config when given, otherwise the standard search path.
func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		return config.LoadFile(cfgFile)
	}
	return config.Load()
}

// initializeLogging is the root PersistentPreRunE hook. It makes sure the
// XDG directories exist and points the shared logger at the log file.
func initializeLogging(_ *cobra.Command, _ []string) error {
	configDir, err := config.ConfigDir()
	if err != nil {
		return err
	}
	for _, dir := range []string{configDir, config.DataDir(), config.StateDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	logCfg := logging.DefaultConfig()
	if cfg, err := loadConfig(); err == nil {
		if converted, err := cfg.Logging.Logging(); err == nil {
			logCfg = converted
		}
	}
	if getVerbose() {
		logCfg.Level = "debug"
	}
	return logging.Init(logCfg)
}

// daemonPaths builds the client paths from the daemon section.
func daemonPaths(cfg *config.Config) client.DaemonPaths {
	return client.DaemonPaths{
		Binary: cfg.Daemon.BinaryPath,
		Socket: cfg.Daemon.SocketPath,
		PID:    cfg.Daemon.PIDPath,
	}
}

// maybeStartDaemon starts plexportd when auto start is enabled and it is
// not already running.
func maybeStartDaemon(cfg *config.Config) error {
	if !cfg.Daemon.AutoStart {
		return nil
	}
	pidPath := cfg.Daemon.PIDPath
	if pidPath == "" {
		pidPath = client.DefaultPIDPath()
	}
	if client.IsDaemonRunning(pidPath) {
		return nil
	}
	printVerbose("starting plexportd")
	return client.EnsureDaemon(daemonPaths(cfg))
}

// connect loads the config, starts the daemon if needed and dials it.
func connect(ctx context.Context) (*client.Client, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if !viper.GetBool("no_auto_start") {
		if err := maybeStartDaemon(cfg); err != nil {
			logging.Get("cli").Warn("auto start failed", "error", err)
			printVerbose("auto start failed: %v", err)
		}
	}

	socket := cfg.Daemon.SocketPath
	if socket == "" {
		socket = client.DefaultSocketPath()
	}
	c, err := client.ConnectWithContext(ctx, socket)
	if err != nil {
		return nil, nil, errors.Join(err, errors.New("is plexportd running? try: plexport daemon start"))
	}
	return c, cfg, nil
}

// outputFormat prefers --output over output.format.
func outputFormat(cfg *config.Config) string {
	if f := viper.GetString("output"); f != "" {
		return f
	}
	if cfg != nil && cfg.Output.Format != "" {
		return cfg.Output.Format
	}
	return config.DefaultOutputFormat
}
