// Package sqlite holds the reference and derived stat tables and answers
// state-scoped metric lookups by joining them. Every reload is a full refresh
// inside one transaction.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/couchcryptid/covid-state-etl/internal/domain"
	"github.com/couchcryptid/covid-state-etl/internal/observability"
	_ "modernc.org/sqlite"
)

const stateInfoTable = "StateInfo"

const stateInfoDDL = `CREATE TABLE StateInfo (
	Id            INTEGER PRIMARY KEY AUTOINCREMENT,
	FIPS          TEXT NOT NULL,
	STATE_NAME    TEXT NOT NULL CHECK (STATE_NAME <> ''),
	STATE_ABBRV   TEXT NOT NULL CHECK (STATE_ABBRV <> ''),
	NUM_INFO_SITE TEXT NOT NULL DEFAULT '',
	INFO_SITE     TEXT NOT NULL DEFAULT '',
	TWITTER       TEXT NOT NULL DEFAULT ''
)`

const stateInfoInsert = `INSERT INTO StateInfo (FIPS, STATE_NAME, STATE_ABBRV, NUM_INFO_SITE, INFO_SITE, TWITTER)
	VALUES (?, ?, ?, ?, ?, ?)`

// Store is the relational store. Reloads take the write lock; queries take
// the read lock so they never observe a half-built table.
type Store struct {
	db      *sql.DB
	mu      sync.RWMutex
	metrics *observability.Metrics
	logger  *slog.Logger
}

// Open opens (creating if needed) the database at path and ensures every
// table exists.
func Open(path string, metrics *observability.Metrics, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, metrics: metrics, logger: logger}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	stmts := []string{ifNotExists(stateInfoDDL)}
	for _, t := range domain.StatTables {
		stmts = append(stmts, ifNotExists(statDDL(t)))
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("initialize schema: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ReloadStates replaces the reference table with refs.
func (s *Store) ReloadStates(ctx context.Context, refs []domain.StateReference) error {
	rows := make([][]any, 0, len(refs))
	for _, r := range refs {
		rows = append(rows, []any{r.FIPS, r.Name, r.Abbrev, r.NumericSite, r.InfoSite, r.Twitter})
	}
	return s.reload(ctx, stateInfoTable, stateInfoDDL, stateInfoInsert, rows)
}

// ReloadStats replaces a derived stat table with rows. Each row must carry
// one value per table column.
func (s *Store) ReloadStats(ctx context.Context, table domain.StatTable, rows []domain.StatRow) error {
	if !registered(table) {
		return fmt.Errorf("%w: table %q", domain.ErrUnknownMetric, table.Name)
	}

	args := make([][]any, 0, len(rows))
	for _, r := range rows {
		if len(r.Values) != len(table.Columns) {
			return fmt.Errorf("%s row %q: %d values for %d columns: %w",
				table.Name, r.State, len(r.Values), len(table.Columns), domain.ErrAlignmentMismatch)
		}
		row := make([]any, 0, 1+len(r.Values))
		row = append(row, r.State)
		for _, v := range r.Values {
			row = append(row, v)
		}
		args = append(args, row)
	}
	return s.reload(ctx, table.Name, statDDL(table), statInsert(table), args)
}

// reload drops, recreates, and fills one table in a single transaction. Any
// failure rolls back to the previous contents.
func (s *Store) reload(ctx context.Context, table, ddl, insert string, rows [][]any) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		s.metrics.TableReloads.WithLabelValues(table, outcome).Inc()
	}()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("reload %s: begin: %w", table, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
		return fmt.Errorf("reload %s: drop: %w", table, err)
	}
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("reload %s: create: %w", table, err)
	}

	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return fmt.Errorf("reload %s: prepare: %w", table, err)
	}
	defer stmt.Close()

	for i, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return fmt.Errorf("reload %s: row %d: %w", table, i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("reload %s: commit: %w", table, err)
	}

	s.metrics.TableRows.WithLabelValues(table).Set(float64(len(rows)))
	s.logger.Info("table reloaded", "table", table, "rows", len(rows))
	return nil
}

// Lookup returns metric's value for the state with the given abbreviation,
// joining the stat table to the reference table on state name. Only
// registered metrics are accepted, so SQL identifiers never come from input.
func (s *Store) Lookup(ctx context.Context, metric domain.Metric, abbrev string) (float64, error) {
	if !metric.Registered() {
		return 0, fmt.Errorf("%w: %q", domain.ErrUnknownMetric, metric.Name)
	}

	q := fmt.Sprintf(`SELECT %[1]s.%[2]s
		FROM %[1]s
		JOIN StateInfo ON %[1]s.STATE = StateInfo.STATE_NAME
		WHERE StateInfo.STATE_ABBRV = ?
		ORDER BY %[1]s.Id
		LIMIT 1`, metric.Table.Name, metric.Column)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var v float64
	err := s.db.QueryRowContext(ctx, q, normalizeAbbrev(abbrev)).Scan(&v)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		s.metrics.Lookups.WithLabelValues(metric.Name, "not_found").Inc()
		return 0, fmt.Errorf("%s for %q: %w", metric.Name, abbrev, domain.ErrNotFound)
	case err != nil:
		s.metrics.Lookups.WithLabelValues(metric.Name, "error").Inc()
		return 0, fmt.Errorf("lookup %s for %q: %w", metric.Name, abbrev, err)
	}
	s.metrics.Lookups.WithLabelValues(metric.Name, "found").Inc()
	return v, nil
}

// StateByAbbrev returns the reference row for a state abbreviation.
func (s *Store) StateByAbbrev(ctx context.Context, abbrev string) (domain.StateReference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT FIPS, STATE_NAME, STATE_ABBRV, NUM_INFO_SITE, INFO_SITE, TWITTER
		FROM StateInfo WHERE STATE_ABBRV = ? ORDER BY Id LIMIT 1`, normalizeAbbrev(abbrev))

	var r domain.StateReference
	err := row.Scan(&r.FIPS, &r.Name, &r.Abbrev, &r.NumericSite, &r.InfoSite, &r.Twitter)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StateReference{}, fmt.Errorf("state %q: %w", abbrev, domain.ErrNotFound)
	}
	if err != nil {
		return domain.StateReference{}, fmt.Errorf("query state %q: %w", abbrev, err)
	}
	return r, nil
}

// States returns every reference row in load order.
func (s *Store) States(ctx context.Context) ([]domain.StateReference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT FIPS, STATE_NAME, STATE_ABBRV, NUM_INFO_SITE, INFO_SITE, TWITTER
		FROM StateInfo ORDER BY Id`)
	if err != nil {
		return nil, fmt.Errorf("query states: %w", err)
	}
	defer rows.Close()

	var out []domain.StateReference
	for rows.Next() {
		var r domain.StateReference
		if err := rows.Scan(&r.FIPS, &r.Name, &r.Abbrev, &r.NumericSite, &r.InfoSite, &r.Twitter); err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Orphans lists the STATE values in table that match no reference row. The
// join drops these rows silently, so they usually point at a naming mismatch
// between sources.
func (s *Store) Orphans(ctx context.Context, table domain.StatTable) ([]string, error) {
	if !registered(table) {
		return nil, fmt.Errorf("%w: table %q", domain.ErrUnknownMetric, table.Name)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	q := fmt.Sprintf(`SELECT STATE FROM %[1]s
		WHERE STATE NOT IN (SELECT STATE_NAME FROM StateInfo)
		ORDER BY Id`, table.Name)
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query %s orphans: %w", table.Name, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var state string
		if err := rows.Scan(&state); err != nil {
			return nil, fmt.Errorf("scan %s orphan: %w", table.Name, err)
		}
		out = append(out, state)
	}
	return out, rows.Err()
}

func statDDL(t domain.StatTable) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s (\n\tId INTEGER PRIMARY KEY AUTOINCREMENT,\n\tSTATE TEXT NOT NULL CHECK (STATE <> '')", t.Name)
	for _, c := range t.Columns {
		fmt.Fprintf(&b, ",\n\t%s REAL NOT NULL", c)
	}
	b.WriteString("\n)")
	return b.String()
}

func statInsert(t domain.StatTable) string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(t.Columns)+1), ", ")
	return fmt.Sprintf("INSERT INTO %s (STATE, %s) VALUES (%s)", t.Name, strings.Join(t.Columns, ", "), placeholders)
}

func ifNotExists(ddl string) string {
	return strings.Replace(ddl, "CREATE TABLE ", "CREATE TABLE IF NOT EXISTS ", 1)
}

func registered(t domain.StatTable) bool {
	known, ok := domain.TableByName(t.Name)
	return ok && known.Name == t.Name && slices.Equal(known.Columns, t.Columns)
}

func normalizeAbbrev(abbrev string) string {
	return strings.ToUpper(strings.TrimSpace(abbrev))
}
