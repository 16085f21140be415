package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"tradecouncil/internal/domain"
	"tradecouncil/internal/jobs"
	"tradecouncil/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one weekly cycle synchronously",
	Long: `Runs the full pipeline for one week in the foreground, streaming
stage progress to stdout. Ctrl-C cancels the run; no new provider calls
or orders are issued after cancellation.`,
	RunE: runOnce,
}

func runOnce(cmd *cobra.Command, args []string) error {
	mode := cfg.Mode
	if modeFlag != "" {
		mode = modeFlag
	}
	parsed, err := pipeline.ParseMode(mode)
	if err != nil {
		return err
	}

	week, err := weekOrNow()
	if err != nil {
		return err
	}
	weekID := domain.WeekID(week)
	if err := weekID.Validate(); err != nil {
		return err
	}

	r, store, err := buildRunner(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if cfg.Timeouts.Job > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeouts.Job)
		defer cancel()
	}

	jobID := uuid.NewString()
	fmt.Printf("week %s, mode %s, job %s\n", weekID, parsed, jobID)

	in := jobs.Inputs{WeekID: weekID, UserQuery: queryFlag}
	if err := r.Run(ctx, parsed, jobID, in, consoleSink{}); err != nil {
		return err
	}

	if parsed == pipeline.ModeFull {
		decision, err := store.Latest(ctx, weekID, domain.EventChairmanDecision)
		if err == nil && decision != nil {
			fmt.Println("\nchairman decision:")
			fmt.Println(string(decision.Payload))
		}
	}
	fmt.Println("week complete")
	return nil
}

// consoleSink prints progress lines for foreground runs.
type consoleSink struct{}

func (consoleSink) StageProgress(jobID, stage, status string, percent int, message string) {
	fmt.Fprintf(os.Stdout, "[%-16s] %-9s %3d%% %s\n", stage, status, percent, message)
}

func (consoleSink) ProviderProgress(jobID, stage, providerID, status string, percent int, message string) {
	fmt.Fprintf(os.Stdout, "[%-16s]   %-20s %-11s %s\n", stage, providerID, status, message)
}
