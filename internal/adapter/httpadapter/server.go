package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/couchcryptid/covid-state-etl/internal/domain"
	"github.com/couchcryptid/covid-state-etl/internal/pipeline"
	"github.com/couchcryptid/covid-state-etl/internal/report"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReadinessChecker reports whether the service is ready to serve traffic.
type ReadinessChecker interface {
	CheckReadiness(ctx context.Context) error
}

// Reporter builds state views.
type Reporter interface {
	Summary(ctx context.Context, abbrev string, opts report.Options) (report.Summary, error)
	Series(ctx context.Context, abbrev string) ([]domain.SeriesPoint, error)
	Headlines(ctx context.Context) ([]domain.Headline, error)
	Metric(ctx context.Context, name, abbrev string) (domain.Metric, float64, error)
}

// StateLister lists the loaded reference rows.
type StateLister interface {
	States(ctx context.Context) ([]domain.StateReference, error)
}

// RunReporter exposes the most recent refresh.
type RunReporter interface {
	LastRun() *pipeline.RunReport
}

// API groups the handlers' dependencies. When Reporter is nil only the
// operational routes are mounted.
type API struct {
	Reporter Reporter
	States   StateLister
	Runs     RunReporter
}

// Server exposes the JSON API plus health, readiness, and metrics endpoints.
type Server struct {
	httpServer *http.Server
	api        API
	logger     *slog.Logger
}

// NewServer creates an HTTP server with /healthz, /readyz, /metrics, and the
// /api/v1 routes.
func NewServer(addr string, ready ReadinessChecker, api API, logger *slog.Logger) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      r,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		api:    api,
		logger: logger,
	}

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", handleReady(ready))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	if api.Reporter != nil {
		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/headlines", s.handleHeadlines)
			if api.States != nil {
				r.Get("/states", s.handleStates)
			}
			if api.Runs != nil {
				r.Get("/refresh/last", s.handleLastRun)
			}
			r.Route("/states/{abbrev}", func(r chi.Router) {
				r.Get("/", s.handleSummary)
				r.Get("/series", s.handleSeries)
				r.Get("/metrics/{metric}", s.handleMetric)
			})
		})
	}

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func handleReady(checker ReadinessChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := checker.CheckReadiness(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func (s *Server) handleStates(w http.ResponseWriter, r *http.Request) {
	states, err := s.api.States.States(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if states == nil {
		states = []domain.StateReference{}
	}
	writeJSON(w, http.StatusOK, states)
}

// handleSummary serves the state view. The optional sections query parameter
// is a comma-separated subset of agency_posts, state_posts, series, pages.
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	opts := report.AllSections
	if raw, ok := r.URL.Query()["sections"]; ok {
		opts = parseSections(strings.Join(raw, ","))
	}

	summary, err := s.api.Reporter.Summary(r.Context(), chi.URLParam(r, "abbrev"), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	points, err := s.api.Reporter.Series(r.Context(), chi.URLParam(r, "abbrev"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

func (s *Server) handleMetric(w http.ResponseWriter, r *http.Request) {
	abbrev := chi.URLParam(r, "abbrev")
	m, v, err := s.api.Reporter.Metric(r.Context(), chi.URLParam(r, "metric"), abbrev)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":  strings.ToUpper(abbrev),
		"metric": m.Name,
		"table":  m.Table.Name,
		"column": m.Column,
		"value":  v,
	})
}

func (s *Server) handleHeadlines(w http.ResponseWriter, r *http.Request) {
	headlines, err := s.api.Reporter.Headlines(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	type item struct {
		domain.Headline
		Display string `json:"display"`
	}
	out := make([]item, 0, len(headlines))
	for _, h := range headlines {
		out = append(out, item{Headline: h, Display: h.String()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleLastRun(w http.ResponseWriter, _ *http.Request) {
	run := s.api.Runs.LastRun()
	if run == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no refresh has run yet"})
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnknownMetric), errors.Is(err, domain.ErrMalformedDate):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrAuth), errors.Is(err, domain.ErrNetwork),
		errors.Is(err, domain.ErrUpstream), errors.Is(err, domain.ErrDisallowed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func parseSections(raw string) report.Options {
	var opts report.Options
	for _, part := range strings.Split(raw, ",") {
		switch strings.TrimSpace(part) {
		case "agency_posts":
			opts.AgencyPosts = true
		case "state_posts":
			opts.StatePosts = true
		case "series":
			opts.Series = true
		case "pages":
			opts.Pages = true
		}
	}
	return opts
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort response
}
