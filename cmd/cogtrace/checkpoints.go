package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lamim/cogtrace/internal/checkpoint"
	"github.com/lamim/cogtrace/internal/config"
)

func newCheckpointsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Inspect and manage job checkpoints",
	}
	cmd.AddCommand(newCheckpointsListCmd())
	cmd.AddCommand(newCheckpointsInspectCmd())
	cmd.AddCommand(newCheckpointsDeleteCmd())
	return cmd
}

func newCheckpointsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved job checkpoints, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openCheckpointStore()
			if err != nil {
				return err
			}
			checkpoints, err := store.List()
			if err != nil {
				return fmt.Errorf("failed to list checkpoints: %w", err)
			}
			if len(checkpoints) == 0 {
				fmt.Println("No checkpoints found.")
				return nil
			}

			fmt.Printf("%-36s  %-10s  %-9s  %-7s  %s\n", "JOB ID", "STATUS", "SESSIONS", "FLAGGED", "SAVED AT")
			for _, cp := range checkpoints {
				fmt.Printf("%-36s  %-10s  %4d/%-4d  %7d  %s\n",
					cp.JobID, cp.Status, cp.CompletedCount(), len(cp.SessionIDs),
					len(cp.FlaggedSessions), cp.SavedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
}

func newCheckpointsInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <job-id>",
		Short: "Print a checkpoint as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openCheckpointStore()
			if err != nil {
				return err
			}
			cp, err := store.Load(args[0])
			if err != nil {
				return fmt.Errorf("failed to load checkpoint: %w", err)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(cp)
		},
	}
}

func newCheckpointsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Delete a job checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openCheckpointStore()
			if err != nil {
				return err
			}
			if err := store.Delete(args[0]); err != nil {
				return fmt.Errorf("failed to delete checkpoint: %w", err)
			}
			fmt.Printf("Deleted checkpoint for job %s\n", args[0])
			return nil
		},
	}
}

func openCheckpointStore() (*checkpoint.Store, error) {
	cfg, _, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return checkpoint.NewStore(filepath.Join(cfg.Server.DataDir, "checkpoints"), newLogger())
}
