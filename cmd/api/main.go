package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"webhookd/internal/buildinfo"
)

// rootCmd runs the server when called without a subcommand.
var rootCmd = &cobra.Command{
	Use:           "webhookd",
	Short:         "Outbound webhook delivery for HR domain events",
	Version:       buildinfo.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          func(cmd *cobra.Command, _ []string) error { return runServe(cmd.Context()) },
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, _ []string) {
		info := buildinfo.Info()
		fmt.Fprintf(cmd.OutOrStdout(), "webhookd %s (commit %s, built %s)\n", info["version"], info["commit"], info["builtAt"])
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, migrateCmd, versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
