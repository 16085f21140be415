package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tradecouncil/internal/jobs"
	"tradecouncil/internal/logging"
	"tradecouncil/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job-control HTTP server",
	Long: `Starts the HTTP surface for creating, polling, and cancelling
weekly runs, plus read access to the per-week event history.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	r, store, err := buildRunner(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	manager := jobs.NewManager(r, cfg.JobTTL, cfg.Timeouts.Job)
	defer manager.Close()

	srv := server.New(cfg.ListenAddr, manager, store)

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	log := logging.Named("main")
	select {
	case err := <-errc:
		return err
	case sig := <-sigc:
		log.Infow("shutting down", "signal", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
