package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/lamim/cogtrace/internal/config"
	"github.com/lamim/cogtrace/internal/job"
	"github.com/lamim/cogtrace/pkg/models"
)

func newRunCmd() *cobra.Command {
	var (
		sessions    string
		analystOnly bool
		resumeJobID string
		outPath     string
		format      string
	)

	cmd := &cobra.Command{
		Use:   "run <dataset-id>",
		Short: "Annotate a dataset locally and export the results",
		Long: `Run a one-shot annotation job without the HTTP server: start a job on
the named dataset, wait for it to finish, and write the merged export.
Interrupting with Ctrl+C checkpoints at the current session boundary;
rerun with --resume <job-id> to continue.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if resumeJobID != "" {
				return cobra.MaximumNArgs(0)(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "csv" && format != "json" {
				return fmt.Errorf("invalid format %q: must be csv or json", format)
			}
			return runJob(cmd, args, runOptions{
				sessions:    splitList(sessions),
				analystOnly: analystOnly,
				resumeJobID: resumeJobID,
				outPath:     outPath,
				format:      format,
			})
		},
	}

	cmd.Flags().StringVar(&sessions, "sessions", "", "Comma-separated session IDs to annotate (default: all)")
	cmd.Flags().BoolVar(&analystOnly, "analyst-only", false, "Skip the critic and judge stages; analyst labels are final")
	cmd.Flags().StringVar(&resumeJobID, "resume", "", "Resume a stopped job instead of starting a new one")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Output file (default: <job-id>.<format>)")
	cmd.Flags().StringVar(&format, "format", "csv", "Export format: csv or json")
	return cmd
}

type runOptions struct {
	sessions    []string
	analystOnly bool
	resumeJobID string
	outPath     string
	format      string
}

func runJob(cmd *cobra.Command, args []string, opts runOptions) error {
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

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var progress models.Progress
	if opts.resumeJobID != "" {
		progress, err = manager.Resume(ctx, opts.resumeJobID, job.ResumeRequest{})
		if err != nil {
			return fmt.Errorf("failed to resume job %s: %w", opts.resumeJobID, err)
		}
	} else {
		agentCfg := cfg.DefaultAgentConfig()
		if opts.analystOnly {
			agentCfg.UseFullPipeline = false
		}
		progress, err = manager.Start(ctx, job.StartRequest{
			DatasetID:   args[0],
			SessionIDs:  opts.sessions,
			AgentConfig: &agentCfg,
		})
		if err != nil {
			return fmt.Errorf("failed to start job: %w", err)
		}
	}

	fmt.Fprintf(os.Stderr, "Job %s: %d sessions\n", progress.JobID, progress.TotalSessions)
	final, interrupted := waitForJob(ctx, manager, progress)

	// Shutdown interrupts the in-flight session and waits for the job to
	// checkpoint as stopped; the session reruns on resume
	manager.Shutdown()
	if interrupted {
		fmt.Fprintf(os.Stderr, "Interrupted; resume with: cogtrace run --resume %s\n", progress.JobID)
		return nil
	}

	switch final.Status {
	case models.JobFailed:
		return fmt.Errorf("job %s failed: %v", final.JobID, final.Errors)
	case models.JobStopped:
		fmt.Fprintf(os.Stderr, "Job stopped; resume with: cogtrace run --resume %s\n", final.JobID)
		return nil
	}

	if len(final.FlaggedSessions) > 0 {
		fmt.Fprintf(os.Stderr, "Flagged %d sessions for review: %v\n",
			len(final.FlaggedSessions), final.FlaggedSessions)
	}
	return writeExport(context.Background(), manager, final.JobID, opts.outPath, opts.format)
}

// waitForJob polls job status and drives the progress bar until the job
// reaches a terminal state or ctx is cancelled.
func waitForJob(ctx context.Context, manager *job.Manager, progress models.Progress) (models.Progress, bool) {
	bar := progressbar.Default(int64(progress.TotalSessions), "Annotating")
	_ = bar.Add(progress.CompletedSessions)
	reported := progress.CompletedSessions

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return progress, true
		case <-ticker.C:
		}
		current, err := manager.Status(progress.JobID)
		if err != nil {
			continue
		}
		if current.CompletedSessions > reported {
			_ = bar.Add(current.CompletedSessions - reported)
			reported = current.CompletedSessions
		}
		switch current.Status {
		case models.JobCompleted, models.JobStopped, models.JobFailed:
			_ = bar.Finish()
			return current, false
		}
		progress = current
	}
}

func writeExport(ctx context.Context, manager *job.Manager, jobID, outPath, format string) error {
	events, err := manager.Export(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to export job %s: %w", jobID, err)
	}
	if outPath == "" {
		outPath = jobID + "." + format
	}

	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer f.Close()

	switch format {
	case "json":
		err = manager.Exporter().WriteJSON(f, events)
	default:
		err = manager.Exporter().WriteCSV(f, events)
	}
	if err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Wrote %d annotated events to %s\n", len(events), outPath)
	return nil
}
