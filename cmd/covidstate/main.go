// Command covidstate runs the state COVID data service: it refreshes the
// reference database from upstream sources, serves the JSON API, and answers
// one-off queries from the command line.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/couchcryptid/covid-state-etl/internal/config"
	"github.com/couchcryptid/covid-state-etl/internal/observability"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "covidstate",
	Short:         "State COVID-19 data service",
	Long:          "covidstate loads per-state reference tables, caches upstream API responses, and serves state summaries.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(lookupCmd)
	rootCmd.AddCommand(summaryCmd)
	rootCmd.AddCommand(seriesCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(exportRiskCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// runWithApp loads configuration, wires the application, and closes it after
// fn returns.
func runWithApp(fn func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			slog.Error("failed to load config", "error", err)
			return err
		}
		logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)

		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		return fn(cmd.Context(), a, cmd, args)
	}
}
