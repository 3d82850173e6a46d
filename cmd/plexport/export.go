package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/jamesainslie/plexport/pkg/plexport/manifest"
	"github.com/jamesainslie/plexport/pkg/plexport/types"
)

var startCmd = &cobra.Command{
	Use:   "start <playlist-id>[=title]...",
	Short: "Export one or more playlists",
	Long: `Resolve the given playlists, save an export and hand it to the daemon.

A title after '=' overrides the title used for the archive name.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runStart,
}

var resumeCmd = &cobra.Command{
	Use:   "resume <export-id>",
	Short: "Retry unfinished files of an export",
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <export-id>",
	Short: "Stop a running export",
	Long:  `Stop a running export. Files already downloaded are kept so the export can be resumed.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var zipCmd = &cobra.Command{
	Use:   "zip <export-id> [playlist-id...]",
	Short: "Pack and deliver playlist archives again",
	Long:  `Pack stored files into archives again. Without playlist ids every playlist of the export is packed.`,
	Args:  cobra.MinimumNArgs(1),
	RunE:  runZip,
}

func init() {
	startCmd.Flags().BoolP("watch", "w", false, "follow progress until the export finishes")
	resumeCmd.Flags().BoolP("watch", "w", false, "follow progress until the export finishes")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(zipCmd)
}

// parseRefs turns "id" or "id=title" arguments into playlist refs. Repeated
// ids keep their first occurrence.
func parseRefs(args []string) ([]manifest.PlaylistRef, error) {
	refs := make([]manifest.PlaylistRef, 0, len(args))
	for _, arg := range args {
		id, title, _ := strings.Cut(arg, "=")
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("invalid playlist %q: empty id", arg)
		}
		refs = append(refs, manifest.PlaylistRef{ID: id, Title: strings.TrimSpace(title)})
	}
	return lo.UniqBy(refs, func(r manifest.PlaylistRef) string { return r.ID }), nil
}

func runStart(cmd *cobra.Command, args []string) error {
	refs, err := parseRefs(args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
	defer cancel()

	c, _, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	resp, err := c.StartExport(ctx, refs)
	if err != nil {
		return err
	}

	printInfo("Export %s started: %d files, about %s", resp.ManifestID, resp.TotalFiles, types.FormatSize(resp.EstimatedBytes))
	if watch, _ := cmd.Flags().GetBool("watch"); watch {
		return watchExport(cmd.Context(), c, resp.ManifestID)
	}
	return nil
}

func runResume(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
	defer cancel()

	c, _, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	resp, err := c.ResumeExport(ctx, args[0])
	if err != nil {
		return err
	}
	if !resp.Resumed {
		printInfo("Export %s has nothing left to download", resp.ManifestID)
		return nil
	}

	printInfo("Export %s resumed: %d files pending", resp.ManifestID, resp.Pending)
	if watch, _ := cmd.Flags().GetBool("watch"); watch {
		return watchExport(cmd.Context(), c, resp.ManifestID)
	}
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
	defer cancel()

	c, _, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.CancelExport(ctx, args[0]); err != nil {
		return err
	}
	printInfo("Export %s cancelled", args[0])
	return nil
}

func runZip(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
	defer cancel()

	c, _, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	id, playlists := args[0], args[1:]
	if err := c.CreateZip(ctx, id, playlists); err != nil {
		return err
	}
	if len(playlists) == 0 {
		printInfo("Packing all playlists of %s", id)
	} else {
		printInfo("Packing %d playlists of %s", len(playlists), id)
	}
	return nil
}

// errExportFailed is returned by watch when the export ends in error.
var errExportFailed = errors.New("export failed")
