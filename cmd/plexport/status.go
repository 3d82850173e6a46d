package main

import (
	"context"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	exportv1 "github.com/jamesainslie/plexport/pkg/api/export/v1"
	"github.com/jamesainslie/plexport/pkg/plexport/output"
)

var statusCmd = &cobra.Command{
	Use:   "status <export-id>",
	Short: "Show one export in detail",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List exports, newest first",
	Args:    cobra.NoArgs,
	RunE:    runList,
}

func init() {
	listCmd.Flags().IntP("limit", "l", 20, "maximum number of exports (0 = all)")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
	defer cancel()

	c, cfg, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	st, err := c.GetExportStatus(ctx, args[0])
	if err != nil {
		return err
	}
	return render(outputFormat(cfg), statusResult(st))
}

func runList(cmd *cobra.Command, _ []string) error {
	limit, _ := cmd.Flags().GetInt("limit")

	ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
	defer cancel()

	c, cfg, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	exports, err := c.ListExports(ctx, limit)
	if err != nil {
		return err
	}
	return render(outputFormat(cfg), &output.Result{
		Exports:  lo.Map(exports, func(s exportv1.ExportSummary, _ int) output.Export { return summaryRow(s) }),
		DaemonUp: true,
	})
}
