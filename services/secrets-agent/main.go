package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"secrets-hub/pkg/env"
	"secrets-hub/pkg/logger"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(NewApp()).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(app *App) *cobra.Command {
	var logLevel string

	rootCmd := &cobra.Command{
		Use:           "secrets-agent",
		Short:         "Serve OpenBao KV secrets from a refreshed in-memory snapshot",
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			env.Load()
			logger.SetupLevel(os.Stdout, "secrets-agent", logger.ParseLevel(env.Get("LOG_LEVEL", logLevel)))
		},
	}

	rootCmd.PersistentFlags().StringVar(&app.ConfigPath, "config", os.Getenv("SECRETS_AGENT_CONFIG"), "Agent config file (optional; env-only when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn or error")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Load the secret, keep it refreshed and serve health, status and metrics",
			RunE: func(cmd *cobra.Command, args []string) error {
				return app.Run(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "check",
			Short: "Load the secret once and print its key names",
			RunE: func(cmd *cobra.Command, args []string) error {
				return app.Check(cmd.Context(), cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "secrets-agent %s (commit: %s, built: %s)\n", version, commit, date)
			},
		},
	)

	return rootCmd
}
