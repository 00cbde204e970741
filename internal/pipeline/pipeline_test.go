package pipeline_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/couchcryptid/covid-state-etl/internal/domain"
	"github.com/couchcryptid/covid-state-etl/internal/observability"
	"github.com/couchcryptid/covid-state-etl/internal/pipeline"
	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

type mockReference struct {
	failures atomic.Int32 // number of leading calls that fail
	calls    atomic.Int32
}

func (m *mockReference) StateInfo(context.Context) ([]domain.StateReference, error) {
	if m.calls.Add(1) <= m.failures.Load() {
		return nil, domain.ErrNetwork
	}
	return []domain.StateReference{
		{FIPS: "26", Name: "Michigan", Abbrev: "MI"},
		{FIPS: "39", Name: "Ohio", Abbrev: "OH"},
	}, nil
}

type mockAtRisk struct {
	err error
}

func (m *mockAtRisk) AtRisk(context.Context) ([]domain.StatRow, error) {
	if m.err != nil {
		return nil, m.err
	}
	return []domain.StatRow{{State: "Michigan", Values: []float64{41}}}, nil
}

type mockSeries struct{}

func (mockSeries) DailySeries(_ context.Context, state string) (domain.StateSeries, error) {
	if state == "ZZ" {
		return domain.StateSeries{}, domain.ErrNotFound
	}
	return domain.StateSeries{State: state, Days: []domain.DailyRecord{
		{State: state, Date: 20200402},
		{State: state, Date: 20200401},
	}}, nil
}

type mockLoader struct {
	mu     sync.Mutex
	states []domain.StateReference
	stats  map[string][]domain.StatRow
}

func (m *mockLoader) ReloadStates(_ context.Context, refs []domain.StateReference) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = refs
	return nil
}

func (m *mockLoader) ReloadStats(_ context.Context, table domain.StatTable, rows []domain.StatRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stats == nil {
		m.stats = make(map[string][]domain.StatRow)
	}
	m.stats[table.Name] = rows
	return nil
}

type mockPublisher struct {
	mu      sync.Mutex
	records []domain.DailyRecord
	runIDs  map[string]bool
}

func (m *mockPublisher) PublishSeries(_ context.Context, runID string, records []domain.DailyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runIDs == nil {
		m.runIDs = make(map[string]bool)
	}
	m.runIDs[runID] = true
	m.records = append(m.records, records...)
	return nil
}

func newTestMetrics() *observability.Metrics {
	return observability.NewMetricsForTesting()
}

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stats.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// --- tests ---

func TestRefresher_Run_HappyPath(t *testing.T) {
	ldr := &mockLoader{}
	pub := &mockPublisher{}
	metrics := newTestMetrics()
	icu := writeCSV(t, "State,ICU Beds,Per 10k\nMichigan,1200,1.2\nOhio,1400,1.2\n")

	r := pipeline.New(
		pipeline.Sources{Reference: &mockReference{}, AtRisk: &mockAtRisk{}, Series: mockSeries{}},
		ldr,
		pipeline.Options{
			StatFiles:    []pipeline.StatFile{{Table: domain.ICUBeds, Path: icu}},
			ExportStates: []string{"MI", "OH"},
			Publisher:    pub,
		},
		slog.Default(), metrics,
	)
	require.Error(t, r.CheckReadiness(context.Background()))

	report, err := r.Run(context.Background())
	require.NoError(t, err)

	want := map[string]int{"StateInfo": 2, "AtRiskPopulation": 1, "ICUBeds": 2}
	if diff := cmp.Diff(want, report.Tables); diff != "" {
		t.Fatalf("tables mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 4, report.Published)
	assert.NotEmpty(t, report.ID)
	assert.True(t, pub.runIDs[report.ID])
	assert.Len(t, pub.records, 4)
	assert.Equal(t, []domain.StatRow{
		{State: "Michigan", Values: []float64{1200, 1.2}},
		{State: "Ohio", Values: []float64{1400, 1.2}},
	}, ldr.stats["ICUBeds"])

	require.NoError(t, r.CheckReadiness(context.Background()))
	assert.Equal(t, report.ID, r.LastRun().ID)
	assert.InDelta(t, 4, testutil.ToFloat64(metrics.RecordsPublished), 0)
}

func TestRefresher_Run_StepFailureDoesNotStopOthers(t *testing.T) {
	ldr := &mockLoader{}
	metrics := newTestMetrics()

	r := pipeline.New(
		pipeline.Sources{Reference: &mockReference{}, AtRisk: &mockAtRisk{err: domain.ErrDisallowed}, Series: mockSeries{}},
		ldr,
		pipeline.Options{StatFiles: []pipeline.StatFile{{Table: domain.HospBeds, Path: "/does/not/exist.csv"}}},
		slog.Default(), metrics,
	)

	report, err := r.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDisallowed)
	assert.ErrorIs(t, err, os.ErrNotExist)

	assert.Len(t, ldr.states, 2, "reference table still reloaded")
	assert.Len(t, report.Errors, 2)
	require.Error(t, r.CheckReadiness(context.Background()))
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.RefreshErrors), 0)
}

func TestRefresher_Run_MalformedCSV(t *testing.T) {
	bad := writeCSV(t, "State,Obese,Male,Female\nMichigan,0.31,n/a,0.3\n")
	r := pipeline.New(
		pipeline.Sources{Reference: &mockReference{}, AtRisk: &mockAtRisk{}, Series: mockSeries{}},
		&mockLoader{},
		pipeline.Options{StatFiles: []pipeline.StatFile{{Table: domain.ObesePopulation, Path: bad}}},
		slog.Default(), newTestMetrics(),
	)

	_, err := r.Run(context.Background())
	require.ErrorIs(t, err, domain.ErrMalformedValue)
}

func TestRefresher_Run_ExportFailureReported(t *testing.T) {
	pub := &mockPublisher{}
	r := pipeline.New(
		pipeline.Sources{Reference: &mockReference{}, AtRisk: &mockAtRisk{}, Series: mockSeries{}},
		&mockLoader{},
		pipeline.Options{ExportStates: []string{"ZZ", "MI"}, Publisher: pub},
		slog.Default(), newTestMetrics(),
	)

	report, err := r.Run(context.Background())
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 2, report.Published)
}

func TestRefresher_Run_NoPublisherSkipsExport(t *testing.T) {
	r := pipeline.New(
		pipeline.Sources{Reference: &mockReference{}, AtRisk: &mockAtRisk{}, Series: mockSeries{}},
		&mockLoader{},
		pipeline.Options{ExportStates: []string{"MI"}},
		slog.Default(), newTestMetrics(),
	)

	report, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Published)
}

func TestRefresher_Loop_RetriesWithBackoff(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ref := &mockReference{}
	ref.failures.Store(1)

	r := pipeline.New(
		pipeline.Sources{Reference: ref, AtRisk: &mockAtRisk{}, Series: mockSeries{}},
		&mockLoader{},
		pipeline.Options{Clock: clock},
		slog.Default(), newTestMetrics(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Loop(ctx, time.Hour) }()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()

	// First run fails; the retry is scheduled after the initial backoff.
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	require.Error(t, r.CheckReadiness(ctx))
	clock.Advance(5 * time.Second)

	// Second run succeeds; the loop now waits the full interval.
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	require.NoError(t, r.CheckReadiness(ctx))
	assert.Equal(t, int32(2), ref.calls.Load())

	cancel()
	require.NoError(t, <-done)
}

func TestRefresher_Loop_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := pipeline.New(
		pipeline.Sources{Reference: &mockReference{}, AtRisk: &mockAtRisk{}, Series: mockSeries{}},
		&mockLoader{},
		pipeline.Options{},
		slog.Default(), newTestMetrics(),
	)
	require.NoError(t, r.Loop(ctx, time.Hour))
	assert.True(t, errors.Is(ctx.Err(), context.Canceled))
}
