package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jamesainslie/plexport/pkg/plexport/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long: `Manage plexport configuration settings.

Configuration is loaded from:
  1. $XDG_CONFIG_HOME/plexport/config.yaml (if set)
  2. ~/.config/plexport/config.yaml

Environment variables override config file settings using the PLEXPORT_ prefix:
  PLEXPORT_CONTENT_BASE_URL=https://api.example.com
  PLEXPORT_STORAGE_QUOTA=8GiB
  PLEXPORT_WORKERS_MAX_CONCURRENT=4`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Display the effective configuration after defaults, the config file and environment overrides.`,
	RunE:  runConfigShow,
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Edit configuration file",
	Long: `Open the configuration file in your default editor.

The editor is determined by:
  1. $VISUAL environment variable
  2. $EDITOR environment variable
  3. Falls back to 'vi'

If the config file doesn't exist, a default one will be created first.`,
	RunE: runConfigEdit,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create default configuration file",
	Long:  `Create a default configuration file if one doesn't exist.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show configuration file path",
	RunE:  runConfigPath,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	path, _ := configPath()
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Config file: %s\n\n", path)
	} else {
		fmt.Print("Config file: (using defaults, no file found)\n\n")
	}

	fmt.Println("Current Configuration:")
	fmt.Println("----------------------")
	for _, kv := range configLines(cfg) {
		fmt.Printf("%-30s %s\n", kv[0]+":", kv[1])
	}

	fmt.Println("\nEnvironment Overrides:")
	fmt.Println("----------------------")
	anyOverrides := false
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "PLEXPORT_") {
			name, value, _ := strings.Cut(kv, "=")
			if strings.Contains(name, "TOKEN") {
				value = mask(value)
			}
			fmt.Printf("%s=%s\n", name, value)
			anyOverrides = true
		}
	}
	if !anyOverrides {
		fmt.Println("(none)")
	}
	return nil
}

// configLines lists the effective settings in display order.
func configLines(cfg *config.Config) [][2]string {
	return [][2]string{
		{"content.base_url", cfg.Content.BaseURL},
		{"content.token", mask(cfg.Content.Token)},
		{"content.timeout", cfg.Content.Timeout.String()},
		{"relay.url", cfg.Relay.URL},
		{"relay.timeout", cfg.Relay.Timeout.String()},
		{"workers.max_concurrent", fmt.Sprintf("%d", cfg.Workers.MaxConcurrent)},
		{"workers.max_attempts", fmt.Sprintf("%d", cfg.Workers.MaxAttempts)},
		{"workers.base_delay", cfg.Workers.BaseDelay.String()},
		{"workers.max_delay", cfg.Workers.MaxDelay.String()},
		{"workers.playlist_timeout", cfg.Workers.PlaylistTimeout.String()},
		{"storage.root", cfg.Storage.Root},
		{"storage.quota", cfg.Storage.Quota},
		{"storage.safety_buffer", cfg.Storage.SafetyBuffer},
		{"delivery.dir", cfg.Delivery.Dir},
		{"cleanup.interval", cfg.Cleanup.Interval.String()},
		{"cleanup.completed_retention", cfg.Cleanup.CompletedRetention.String()},
		{"cleanup.incomplete_retention", cfg.Cleanup.IncompleteRetention.String()},
		{"logging.level", cfg.Logging.Level},
		{"logging.path", cfg.Logging.Path},
		{"daemon.auto_start", fmt.Sprintf("%t", cfg.Daemon.AutoStart)},
		{"daemon.socket_path", cfg.Daemon.SocketPath},
		{"output.format", cfg.Output.Format},
	}
}

// mask hides all but the last four characters of a secret.
func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(s)-4) + s[len(s)-4:]
}

func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	dir, err := config.ConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config directory: %w", err)
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func runConfigEdit(_ *cobra.Command, _ []string) error {
	path, err := config.WriteDefault()
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	if cfgFile != "" {
		path = cfgFile
	}

	editor := os.Getenv("VISUAL")
	if editor == "" {
		editor = os.Getenv("EDITOR")
	}
	if editor == "" {
		editor = "vi"
	}

	printVerbose("Opening %s with %s", path, editor)

	editorCmd := exec.Command(editor, path) //nolint:gosec // editor comes from the user's environment
	editorCmd.Stdin = os.Stdin
	editorCmd.Stdout = os.Stdout
	editorCmd.Stderr = os.Stderr

	if err := editorCmd.Run(); err != nil {
		return fmt.Errorf("editor command failed: %w", err)
	}
	return nil
}

func runConfigInit(_ *cobra.Command, _ []string) error {
	dir, err := config.ConfigDir()
	if err != nil {
		return fmt.Errorf("failed to get config directory: %w", err)
	}
	path := filepath.Join(dir, "config.yaml")

	if _, err := os.Stat(path); err == nil {
		printInfo("Config file already exists: %s", path)
		printInfo("Use 'plexport config edit' to modify it.")
		return nil
	}

	if _, err := config.WriteDefault(); err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	printInfo("Created default config file: %s", path)
	return nil
}

func runConfigPath(_ *cobra.Command, _ []string) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	fmt.Println(path)

	if _, err := os.Stat(path); err == nil {
		printVerbose("File exists")
	} else if os.IsNotExist(err) {
		printVerbose("File does not exist (will use defaults)")
	}
	return nil
}
