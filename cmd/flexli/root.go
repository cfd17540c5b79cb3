package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/flexli/flexli/internal/logging"
)

var (
	configPath string
	cfg        *Config
	logger     = logging.New(os.Stderr, "info", false)
)

var rootCmd = &cobra.Command{
	Use:   "flexli",
	Short: "Flexli - multi-tenant workflow engine",
	Long: `Flexli runs tenant workflows: ordered lists of built-in and connector
actions triggered by events, schedules or API calls.

Run "flexli serve --worker" for a single-process deployment.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		c, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = c
		logger = logging.New(os.Stderr, cfg.LogLevel, cfg.LogJSON)
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a config file (default: ./flexli.yaml)")

	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(migrateCmd)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
