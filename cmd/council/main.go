// Command council runs the weekly trading council: a roster of PM models
// that research, pitch, review each other, and hand a chairman the final
// allocation. Run `council serve` for the job-control API or
// `council run` for a one-shot synchronous week.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"tradecouncil/internal/config"
	"tradecouncil/internal/domain"
	"tradecouncil/internal/logging"
)

var (
	configPath string
	serverURL  string
	modeFlag   string
	weekFlag   string
	queryFlag  string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "council",
	Short: "Weekly multi-LLM trading council",
	Long: `council orchestrates a weekly cycle of market sentiment, deep
research, PM pitches, anonymized peer review, and a chairman decision,
then routes bracket orders to per-model brokerage sub-accounts.

Modes:
  chat_only  sentiment, research, pitches, execution
  ranking    adds anonymized peer review
  full       adds the chairman and the council account`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Client-side commands talk to a running server and need no
		// local configuration.
		if isRemote(cmd) {
			return nil
		}
		// Missing .env is fine; keys may come from the environment.
		_ = godotenv.Load()

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		return logging.Init(cfg.LogLevel, cfg.LogDev)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func isRemote(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "status", "cancel", "jobs", "weeks", "events":
			return true
		}
	}
	return false
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to council.yaml (default: ./council.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "council server URL for remote commands")

	runCmd.Flags().StringVar(&modeFlag, "mode", "", "pipeline mode (default: config)")
	runCmd.Flags().StringVar(&weekFlag, "week", "", "week id, a Wednesday date (default: current week)")
	runCmd.Flags().StringVar(&queryFlag, "query", "", "optional user steer carried into every prompt")

	jobsCreateCmd.Flags().StringVar(&modeFlag, "mode", "", "pipeline mode")
	jobsCreateCmd.Flags().StringVar(&weekFlag, "week", "", "week id, a Wednesday date")
	jobsCreateCmd.Flags().StringVar(&queryFlag, "query", "", "optional user steer")

	jobsCmd.AddCommand(jobsCreateCmd)
	rootCmd.AddCommand(serveCmd, runCmd, statusCmd, cancelCmd, jobsCmd, weeksCmd, eventsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// weekOrNow resolves the --week flag, defaulting to the week containing
// now in the configured market timezone.
func weekOrNow() (string, error) {
	if weekFlag != "" {
		return weekFlag, nil
	}
	loc, err := time.LoadLocation(cfg.MarketTimezone)
	if err != nil {
		return "", err
	}
	return string(domain.WeekIDFor(time.Now(), loc)), nil
}
