// Package main is the entry point for the Conductor CLI
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cloud-shuttle/conductor/internal/config"
	"github.com/cloud-shuttle/conductor/internal/logging"
)

var (
	cfg    *config.Config
	logger *zap.Logger

	configPath string
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "conductor",
		Short: "Run dependency-ordered task workflows",
		Long: `Conductor runs workflows of named tasks with dependencies, conditions,
retries and lifecycle callbacks. Independent tasks run concurrently.

Run a definition once with 'conductor run', or start the HTTP server with
'conductor serve' to submit workflows, stream their events and run
definitions on cron schedules.`,
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if configPath != "" {
				cfg, err = config.LoadFile(configPath, true)
			} else {
				cfg, err = config.Load()
			}
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}

			logger, err = logging.New(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a conductor.toml file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		serveCmd(),
		runCmd(),
		validateCmd(),
		historyCmd(),
		functionsCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: ")+err.Error())
		os.Exit(1)
	}
}
