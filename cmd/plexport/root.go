package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jamesainslie/plexport/pkg/plexport/output"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "plexport",
		Short: "Export playlists as zip archives",
		Long: `plexport downloads the audio, cover and icon files of playlists and
delivers one zip archive per playlist. Downloads run inside the plexportd
daemon, so an export survives the terminal that started it.

Examples:
  plexport start 8f2c 91ab           # Export two playlists
  plexport start 8f2c --watch        # Export and follow progress
  plexport list                      # Show recent exports
  plexport status <export-id>        # Show one export in detail
  plexport resume <export-id>        # Retry unfinished files
  plexport zip <export-id>           # Deliver archives again
  plexport daemon status             # Check the daemon`,
		SilenceUsage:      true,
		PersistentPreRunE: initializeLogging,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.config/plexport/config.yaml)")
	rootCmd.PersistentFlags().StringP("output", "o", "", fmt.Sprintf("output format (%s)", strings.Join(output.Available(), ", ")))
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "minimal output")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug output")
	rootCmd.PersistentFlags().Bool("no-auto-start", false, "do not start plexportd when it is not running")

	_ = viper.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))
	_ = viper.BindPFlag("quiet", rootCmd.PersistentFlags().Lookup("quiet"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("no_auto_start", rootCmd.PersistentFlags().Lookup("no-auto-start"))
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// getVerbose returns true if verbose mode is enabled.
func getVerbose() bool {
	return viper.GetBool("verbose")
}

// getQuiet returns true if quiet mode is enabled.
func getQuiet() bool {
	return viper.GetBool("quiet")
}

// printVerbose prints a message if verbose mode is enabled.
func printVerbose(format string, args ...any) {
	if getVerbose() && !getQuiet() {
		fmt.Fprintf(os.Stderr, "[DEBUG] "+format+"\n", args...)
	}
}

// printInfo prints a message if quiet mode is not enabled.
func printInfo(format string, args ...any) {
	if !getQuiet() {
		fmt.Printf(format+"\n", args...)
	}
}
