package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/couchcryptid/covid-state-etl/internal/domain"
	"github.com/couchcryptid/covid-state-etl/internal/report"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Rebuild every table from its source once",
	RunE:  runWithApp(runRefresh),
}

func runRefresh(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
	rep, err := a.refresher.Run(ctx)
	out := cmd.OutOrStdout()

	tables := make([]string, 0, len(rep.Tables))
	for name := range rep.Tables {
		tables = append(tables, name)
	}
	sort.Strings(tables)
	for _, name := range tables {
		printer.Fprintf(out, "%-20s %d rows\n", name, rep.Tables[name])
	}
	if rep.Published > 0 {
		printer.Fprintf(out, "published %d records\n", rep.Published)
	}
	printer.Fprintf(out, "run %s finished in %s\n", rep.ID, rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond))
	return err
}

var lookupCmd = &cobra.Command{
	Use:   "lookup <metric> <state>",
	Short: "Print one stat for a state",
	Long:  "Print one derived stat for a state abbreviation. Metrics: pct_at_risk, obese_population, obese_pct_male, obese_pct_female, icu_beds, icu_beds_per_10k, total_beds, beds_per_1k.",
	Args:  cobra.ExactArgs(2),
	RunE:  runWithApp(runLookup),
}

func runLookup(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
	metric, value, err := a.reporter.Metric(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	if metric.Name == domain.MetricObesePopulation.Name {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\n", domain.FormatFraction(value))
		return nil
	}
	printer.Fprintf(cmd.OutOrStdout(), "%.2f\n", value)
	return nil
}

var (
	flagNoPosts  bool
	flagNoSeries bool
	flagNoPages  bool
)

var summaryCmd = &cobra.Command{
	Use:   "summary <state>",
	Short: "Print the assembled summary for a state as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runWithApp(runSummary),
}

func init() {
	summaryCmd.Flags().BoolVar(&flagNoPosts, "no-posts", false, "skip social posts")
	summaryCmd.Flags().BoolVar(&flagNoSeries, "no-series", false, "skip the daily series")
	summaryCmd.Flags().BoolVar(&flagNoPages, "no-pages", false, "skip reference page links")
}

func runSummary(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
	opts := report.Options{
		AgencyPosts: !flagNoPosts,
		StatePosts:  !flagNoPosts,
		Series:      !flagNoSeries,
		Pages:       !flagNoPages,
	}
	summary, err := a.reporter.Summary(ctx, args[0], opts)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

var seriesCmd = &cobra.Command{
	Use:   "series <state>",
	Short: "Print a state's daily series",
	Args:  cobra.ExactArgs(1),
	RunE:  runWithApp(runSeries),
}

func runSeries(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
	points, err := a.reporter.Series(ctx, args[0])
	if err != nil {
		return err
	}
	writeSeries(cmd.OutOrStdout(), points)
	return nil
}

func writeSeries(w io.Writer, points []domain.SeriesPoint) {
	printer.Fprintf(w, "%-10s %12s %12s %12s %10s\n", "DATE", "POSITIVE", "HOSPITALIZED", "RECOVERED", "DEATHS")
	for _, p := range points {
		positive := "-"
		if p.Positive != nil {
			positive = printer.Sprintf("%d", *p.Positive)
		}
		printer.Fprintf(w, "%-10s %12s %12d %12d %10d\n",
			p.Date.Format(time.DateOnly), positive, p.Hospitalized, p.Recovered, p.Deaths)
	}
}

var flagOlderThan time.Duration

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove old dated entries from the response caches",
	Long: `Drop dated cache entries older than the retention period. Undated
reference entries are kept.

Uses CACHE_RETENTION unless overridden with --older-than.`,
	RunE: runWithApp(runPrune),
}

func init() {
	pruneCmd.Flags().DurationVar(&flagOlderThan, "older-than", 0, "override the retention period (e.g. 72h)")
}

func runPrune(_ context.Context, a *app, cmd *cobra.Command, _ []string) error {
	retention := a.cfg.CacheRetention
	if flagOlderThan > 0 {
		retention = flagOlderThan
	}
	if retention <= 0 {
		return errors.New("no retention period: set CACHE_RETENTION or --older-than")
	}

	removed := a.prune(retention)
	total := 0
	for _, n := range removed {
		total += n
	}
	if total == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Nothing to prune.")
		return nil
	}
	printer.Fprintf(cmd.OutOrStdout(), "Pruned %d cache entries older than %s.\n", total, retention)
	return nil
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Report stat rows whose state has no reference row",
	RunE:  runWithApp(runValidate),
}

func runValidate(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	var failed []string
	for _, table := range domain.StatTables {
		orphans, err := a.db.Orphans(ctx, table)
		if err != nil {
			return fmt.Errorf("check %s: %w", table.Name, err)
		}
		if len(orphans) == 0 {
			fmt.Fprintf(out, "%-20s ok\n", table.Name)
			continue
		}
		fmt.Fprintf(out, "%-20s %d unmatched: %v\n", table.Name, len(orphans), orphans)
		failed = append(failed, table.Name)
	}
	if len(failed) > 0 {
		return fmt.Errorf("unmatched states in %v", failed)
	}
	return nil
}

var flagExportOut string

var exportRiskCmd = &cobra.Command{
	Use:   "export-risk",
	Short: "Scrape the at-risk population table and write it as CSV",
	RunE:  runWithApp(runExportRisk),
}

func init() {
	exportRiskCmd.Flags().StringVarP(&flagExportOut, "out", "o", "", "output file (default stdout)")
}

func runExportRisk(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
	rows, err := a.scraper.AtRisk(ctx)
	if err != nil {
		return err
	}

	if flagExportOut == "" {
		return writeAtRiskCSV(cmd.OutOrStdout(), rows)
	}

	f, err := os.Create(flagExportOut)
	if err != nil {
		return fmt.Errorf("create %s: %w", flagExportOut, err)
	}
	if err := writeAtRiskCSV(f, rows); err != nil {
		f.Close() //nolint:errcheck // write error takes precedence
		return err
	}
	return f.Close()
}

func writeAtRiskCSV(w io.Writer, rows []domain.StatRow) error {
	cw := csv.NewWriter(w)
	header := append([]string{"STATE"}, domain.AtRiskPopulation.Columns...)
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, row := range rows {
		record := []string{row.State}
		for _, v := range row.Values {
			record = append(record, strconv.FormatFloat(v, 'f', -1, 64))
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
