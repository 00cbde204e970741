package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/covid-state-etl/internal/domain"
	"github.com/couchcryptid/covid-state-etl/internal/observability"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// ReferenceSource provides the state reference listing.
type ReferenceSource interface {
	StateInfo(ctx context.Context) ([]domain.StateReference, error)
}

// AtRiskSource provides the scraped at-risk population table.
type AtRiskSource interface {
	AtRisk(ctx context.Context) ([]domain.StatRow, error)
}

// SeriesSource provides one state's normalized daily series.
type SeriesSource interface {
	DailySeries(ctx context.Context, state string) (domain.StateSeries, error)
}

// TableLoader replaces relational tables wholesale.
type TableLoader interface {
	ReloadStates(ctx context.Context, refs []domain.StateReference) error
	ReloadStats(ctx context.Context, table domain.StatTable, rows []domain.StatRow) error
}

// SeriesPublisher forwards normalized daily records downstream.
type SeriesPublisher interface {
	PublishSeries(ctx context.Context, runID string, records []domain.DailyRecord) error
}

// StatFile binds a derived stat table to the CSV file it is loaded from.
type StatFile struct {
	Table domain.StatTable
	Path  string
}

// Sources groups the upstream readers a refresh pulls from.
type Sources struct {
	Reference ReferenceSource
	AtRisk    AtRiskSource
	Series    SeriesSource
}

// Options configures what a refresh loads and exports.
type Options struct {
	StatFiles    []StatFile
	ExportStates []string
	// Publisher is optional; without one the series export step is skipped.
	Publisher SeriesPublisher
	Clock     clockwork.Clock
}

// RunReport summarizes one refresh.
type RunReport struct {
	ID         string         `json:"id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Tables     map[string]int `json:"tables"`
	Published  int            `json:"published"`
	Errors     []string       `json:"errors,omitempty"`
}

// Refresher runs full refresh cycles: every table is rebuilt from its source,
// then configured states' series are exported.
type Refresher struct {
	sources   Sources
	loader    TableLoader
	publisher SeriesPublisher
	statFiles []StatFile
	states    []string
	clock     clockwork.Clock
	logger    *slog.Logger
	metrics   *observability.Metrics
	ready     atomic.Bool
	last      atomic.Pointer[RunReport]
}

// New creates a Refresher.
func New(sources Sources, loader TableLoader, opts Options, logger *slog.Logger, metrics *observability.Metrics) *Refresher {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Refresher{
		sources:   sources,
		loader:    loader,
		publisher: opts.Publisher,
		statFiles: opts.StatFiles,
		states:    opts.ExportStates,
		clock:     clock,
		logger:    logger,
		metrics:   metrics,
	}
}

// CheckReadiness returns nil once a refresh has completed without errors,
// or an error describing why the service is not yet ready.
func (r *Refresher) CheckReadiness(_ context.Context) error {
	if !r.ready.Load() {
		return errors.New("no refresh has completed yet")
	}
	return nil
}

// LastRun returns the most recent run report, or nil before the first run.
func (r *Refresher) LastRun() *RunReport {
	return r.last.Load()
}

// Run performs one full refresh. A failing table does not stop the others;
// every failure is reported in the joined error and the run report.
func (r *Refresher) Run(ctx context.Context) (RunReport, error) {
	report := RunReport{
		ID:        uuid.NewString(),
		StartedAt: r.clock.Now(),
		Tables:    make(map[string]int),
	}
	logger := r.logger.With("run_id", report.ID)
	logger.Info("refresh started")

	r.metrics.RefreshRunning.Set(1)
	defer r.metrics.RefreshRunning.Set(0)
	start := time.Now()

	var errs []error
	fail := func(err error) {
		logger.Error("refresh step failed", "error", err)
		errs = append(errs, err)
		report.Errors = append(report.Errors, err.Error())
	}

	if n, err := r.loadReference(ctx); err != nil {
		fail(err)
	} else {
		report.Tables["StateInfo"] = n
	}

	if n, err := r.loadAtRisk(ctx); err != nil {
		fail(err)
	} else {
		report.Tables[domain.AtRiskPopulation.Name] = n
	}

	for _, f := range r.statFiles {
		n, err := r.loadStatFile(ctx, f)
		if err != nil {
			fail(err)
			continue
		}
		report.Tables[f.Table.Name] = n
	}

	published, err := r.exportSeries(ctx, report.ID, logger)
	report.Published = published
	if err != nil {
		fail(err)
	}

	report.FinishedAt = r.clock.Now()
	r.metrics.RefreshDuration.Observe(time.Since(start).Seconds())
	r.last.Store(&report)

	if len(errs) > 0 {
		r.metrics.RefreshErrors.Inc()
		return report, errors.Join(errs...)
	}
	r.ready.Store(true)
	logger.Info("refresh finished", "tables", len(report.Tables), "published", report.Published)
	return report, nil
}

func (r *Refresher) loadReference(ctx context.Context) (int, error) {
	refs, err := r.sources.Reference.StateInfo(ctx)
	if err != nil {
		return 0, fmt.Errorf("state info: %w", err)
	}
	if err := r.loader.ReloadStates(ctx, refs); err != nil {
		return 0, err
	}
	return len(refs), nil
}

func (r *Refresher) loadAtRisk(ctx context.Context) (int, error) {
	rows, err := r.sources.AtRisk.AtRisk(ctx)
	if err != nil {
		return 0, fmt.Errorf("at-risk population: %w", err)
	}
	if err := r.loader.ReloadStats(ctx, domain.AtRiskPopulation, rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (r *Refresher) loadStatFile(ctx context.Context, f StatFile) (int, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", f.Table.Name, err)
	}
	defer file.Close()

	rows, err := domain.ParseStatCSV(file, f.Table)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", f.Table.Name, err)
	}
	if err := r.loader.ReloadStats(ctx, f.Table, rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (r *Refresher) exportSeries(ctx context.Context, runID string, logger *slog.Logger) (int, error) {
	if r.publisher == nil || len(r.states) == 0 {
		return 0, nil
	}

	var (
		published int
		errs      []error
	)
	for _, state := range r.states {
		series, err := r.sources.Series.DailySeries(ctx, state)
		if err != nil {
			errs = append(errs, fmt.Errorf("series %s: %w", state, err))
			continue
		}
		if err := r.publisher.PublishSeries(ctx, runID, series.Days); err != nil {
			errs = append(errs, fmt.Errorf("series %s: %w", state, err))
			continue
		}
		published += len(series.Days)
		r.metrics.RecordsPublished.Add(float64(len(series.Days)))
		logger.Debug("series exported", "state", series.State, "records", len(series.Days))
	}
	return published, errors.Join(errs...)
}

// Loop runs a refresh every interval until ctx is cancelled. After a failed
// run the next attempt is scheduled with exponential backoff (starting at
// 5s, capped at interval) instead of waiting the full interval.
func (r *Refresher) Loop(ctx context.Context, interval time.Duration) error {
	const initialBackoff = 5 * time.Second
	backoff := initialBackoff

	for {
		_, err := r.Run(ctx)
		if ctx.Err() != nil {
			r.logger.Info("refresh loop stopping", "reason", ctx.Err())
			return nil
		}

		wait := interval
		if err != nil {
			wait = min(backoff, interval)
			backoff = nextBackoff(backoff, interval)
		} else {
			backoff = initialBackoff
		}

		if !sleepWithContext(ctx, r.clock, wait) {
			r.logger.Info("refresh loop stopping", "reason", ctx.Err())
			return nil
		}
	}
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleepWithContext(ctx context.Context, clock clockwork.Clock, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}
