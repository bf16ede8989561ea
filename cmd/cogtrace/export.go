package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lamim/cogtrace/internal/config"
)

func newExportCmd() *cobra.Command {
	var (
		outPath string
		format  string
	)

	cmd := &cobra.Command{
		Use:   "export <job-id>",
		Short: "Export a job's annotations with human overrides applied",
		Long: `Merge a job's checkpointed annotations with the latest human
resolutions and write the result as CSV or JSON.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "csv" && format != "json" {
				return fmt.Errorf("invalid format %q: must be csv or json", format)
			}
			loadEnv()
			logger := newLogger()

			cfg, secrets, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			manager, cleanup, err := buildManager(cfg, secrets, logger)
			if err != nil {
				return err
			}
			defer cleanup()
			defer manager.Shutdown()

			return writeExport(cmd.Context(), manager, args[0], outPath, format)
		},
	}

	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Output file (default: <job-id>.<format>)")
	cmd.Flags().StringVar(&format, "format", "csv", "Export format: csv or json")
	return cmd
}
