package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	exportv1 "github.com/jamesainslie/plexport/pkg/api/export/v1"
	"github.com/jamesainslie/plexport/pkg/client"
	"github.com/jamesainslie/plexport/pkg/plexport/config"
	"github.com/jamesainslie/plexport/pkg/plexport/output"
	"github.com/jamesainslie/plexport/pkg/plexport/types"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the plexportd daemon",
	Long: `Manage the plexportd daemon, which runs downloads in the background and
keeps export records between CLI invocations.`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the plexportd daemon",
	Long:  `Start the plexportd daemon in the background.`,
	RunE:  runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the plexportd daemon",
	Long:  `Stop the plexportd daemon gracefully. Running exports can be resumed after the next start.`,
	RunE:  runDaemonStop,
}

var daemonRestartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the plexportd daemon",
	Long:  `Stop and start the plexportd daemon.`,
	RunE:  runDaemonRestart,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Show the current status of the plexportd daemon.`,
	RunE:  runDaemonStatus,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonRestartCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
}

// configuredPaths loads the daemon paths, falling back to defaults when the
// config cannot be read.
func configuredPaths() (client.DaemonPaths, *config.Config) {
	cfg, err := loadConfig()
	if err != nil {
		printVerbose("using default daemon paths: %v", err)
		return client.DaemonPaths{}, nil
	}
	return daemonPaths(cfg), cfg
}

func runDaemonStart(_ *cobra.Command, _ []string) error {
	paths, _ := configuredPaths()
	printVerbose("starting daemon...")
	if err := client.StartDaemon(paths); err != nil {
		printVerbose("start failed: %v", err)
		return err
	}
	printInfo("Daemon started")
	return nil
}

func runDaemonStop(_ *cobra.Command, _ []string) error {
	paths, _ := configuredPaths()
	pidPath := paths.PID
	if pidPath == "" {
		pidPath = client.DefaultPIDPath()
	}
	if !client.IsDaemonRunning(pidPath) {
		printInfo("Daemon is not running")
		return nil
	}

	printVerbose("sending shutdown request...")
	if err := client.StopDaemon(paths); err != nil {
		return fmt.Errorf("failed to stop daemon: %w", err)
	}
	printInfo("Daemon stopped")
	return nil
}

func runDaemonRestart(_ *cobra.Command, _ []string) error {
	paths, _ := configuredPaths()
	if err := client.RestartDaemon(paths); err != nil {
		return err
	}
	printInfo("Daemon restarted")
	return nil
}

func runDaemonStatus(cmd *cobra.Command, _ []string) error {
	paths, cfg := configuredPaths()
	pidPath, socketPath := paths.PID, paths.Socket
	if pidPath == "" {
		pidPath = client.DefaultPIDPath()
	}
	if socketPath == "" {
		socketPath = client.DefaultSocketPath()
	}

	if !client.IsDaemonRunning(pidPath) {
		printInfo("Daemon status: %s", output.MutedStyle.Render("not running"))
		return nil
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	daemonClient, err := client.ConnectWithContext(ctx, socketPath)
	if err != nil {
		printInfo("Daemon status: %s", output.WarningStyle.Render("running (but not responding)"))
		return nil
	}
	defer daemonClient.Close()

	status, err := daemonClient.GetDaemonStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to get daemon status: %w", err)
	}

	switch outputFormat(cfg) {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	case "yaml":
		return yaml.NewEncoder(os.Stdout).Encode(status)
	}
	fmt.Print(formatDaemonStatus(status))
	return nil
}

// formatDaemonStatus renders the status block printed by daemon status.
func formatDaemonStatus(st *exportv1.DaemonStatus) string {
	var sb strings.Builder
	line := func(label, value string) {
		fmt.Fprintf(&sb, "  %s %s\n", output.LabelStyle.Render(fmt.Sprintf("%-13s", label+":")), value)
	}

	fmt.Fprintf(&sb, "Daemon status: %s\n", output.SuccessStyle.Render("running"))
	if st.Version != "" {
		line("Version", st.Version)
	}
	line("PID", fmt.Sprintf("%d", st.PID))
	line("Uptime", formatDuration(time.Duration(st.UptimeSeconds)*time.Second))
	line("Memory", types.FormatSize(st.MemoryBytes))
	line("Exports", fmt.Sprintf("%d stored, %d running", st.Exports, len(st.ActiveJobs)))
	line("Watchers", fmt.Sprintf("%d", st.Watchers))
	storage := types.FormatSize(st.StorageUsed)
	if st.StorageQuota > 0 {
		storage += " of " + types.FormatSize(st.StorageQuota)
	}
	line("Storage", storage)
	if st.StorageRoot != "" {
		line("Storage root", st.StorageRoot)
	}
	if st.DeliveryDir != "" {
		line("Delivery dir", st.DeliveryDir)
	}
	for _, id := range st.ActiveJobs {
		fmt.Fprintf(&sb, "    - %s\n", id)
	}
	return sb.String()
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}
