// Package report assembles the per-state summary views served by the API and
// CLI from the relational store and the cached live sources.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/couchcryptid/covid-state-etl/internal/domain"
)

// PostCount is how many statuses each summary section shows.
const PostCount = 5

// AgencyQuery selects statuses from the national public-health agency.
const AgencyQuery = "from:@CDCgov"

// StateStore answers reference and metric lookups.
type StateStore interface {
	StateByAbbrev(ctx context.Context, abbrev string) (domain.StateReference, error)
	Lookup(ctx context.Context, metric domain.Metric, abbrev string) (float64, error)
}

// SeriesSource returns a state's daily series.
type SeriesSource interface {
	DailySeries(ctx context.Context, state string) (domain.StateSeries, error)
}

// PostSearcher searches social posts.
type PostSearcher interface {
	Search(ctx context.Context, query string, count int) ([]domain.Post, error)
}

// HeadlineSource returns top headlines.
type HeadlineSource interface {
	TopHeadlines(ctx context.Context) ([]domain.Headline, error)
}

// PageDirectory resolves a state's reference page links.
type PageDirectory interface {
	StatePagesFor(ctx context.Context, abbrev string) (domain.StatePages, error)
}

// Sources groups the optional live sources. A nil field disables the
// matching summary section.
type Sources struct {
	Series    SeriesSource
	Posts     PostSearcher
	Headlines HeadlineSource
	Pages     PageDirectory
}

// Options selects the optional summary sections.
type Options struct {
	AgencyPosts bool
	StatePosts  bool
	Series      bool
	Pages       bool
}

// AllSections enables every optional section.
var AllSections = Options{AgencyPosts: true, StatePosts: true, Series: true, Pages: true}

// Summary is the assembled view for one state.
type Summary struct {
	State           domain.StateReference `json:"state"`
	PctAtRisk       *float64              `json:"pct_at_risk,omitempty"`
	ObesePopulation string                `json:"obese_population,omitempty"`
	ICUBeds         *float64              `json:"icu_beds,omitempty"`
	TotalBeds       *float64              `json:"total_beds,omitempty"`
	Series          []domain.SeriesPoint  `json:"series,omitempty"`
	AgencyPosts     []domain.Post         `json:"agency_posts,omitempty"`
	StatePosts      []domain.Post         `json:"state_posts,omitempty"`
	Pages           *domain.StatePages    `json:"pages,omitempty"`
	Warnings        []string              `json:"warnings,omitempty"`
}

// Service builds summaries.
type Service struct {
	store   StateStore
	sources Sources
	logger  *slog.Logger
}

// NewService creates a report service.
func NewService(store StateStore, sources Sources, logger *slog.Logger) *Service {
	return &Service{store: store, sources: sources, logger: logger}
}

// Summary assembles the view for a state abbreviation. An unknown state is an
// error. Missing metric rows and failed optional sections are reported as
// warnings so one broken source does not blank the whole page.
func (s *Service) Summary(ctx context.Context, abbrev string, opts Options) (Summary, error) {
	ref, err := s.store.StateByAbbrev(ctx, abbrev)
	if err != nil {
		return Summary{}, err
	}
	out := Summary{State: ref}
	warn := func(section string, err error) {
		s.logger.Warn("summary section unavailable", "state", ref.Abbrev, "section", section, "error", err)
		out.Warnings = append(out.Warnings, fmt.Sprintf("%s: %v", section, err))
	}

	metric := func(m domain.Metric) *float64 {
		v, err := s.store.Lookup(ctx, m, ref.Abbrev)
		if err != nil {
			warn(m.Name, err)
			return nil
		}
		return &v
	}
	out.PctAtRisk = metric(domain.MetricPctAtRisk)
	if v := metric(domain.MetricObesePopulation); v != nil {
		out.ObesePopulation = domain.FormatFraction(*v)
	}
	out.ICUBeds = metric(domain.MetricICUBeds)
	out.TotalBeds = metric(domain.MetricTotalBeds)

	if opts.Series && s.sources.Series != nil {
		points, err := s.Series(ctx, ref.Abbrev)
		if err != nil {
			warn("series", err)
		}
		out.Series = points
	}

	if s.sources.Posts != nil {
		if opts.AgencyPosts {
			posts, err := s.sources.Posts.Search(ctx, AgencyQuery, PostCount)
			if err != nil {
				warn("agency_posts", err)
			}
			out.AgencyPosts = posts
		}
		if opts.StatePosts && ref.Twitter != "" {
			posts, err := s.sources.Posts.Search(ctx, "from:"+ref.Twitter, PostCount)
			if err != nil {
				warn("state_posts", err)
			}
			out.StatePosts = posts
		}
	}

	if opts.Pages && s.sources.Pages != nil {
		pages, err := s.sources.Pages.StatePagesFor(ctx, ref.Abbrev)
		if err != nil {
			warn("pages", err)
		} else {
			out.Pages = &pages
		}
	}

	return out, nil
}

// Series returns the state's daily series as plot-ready points.
func (s *Service) Series(ctx context.Context, abbrev string) ([]domain.SeriesPoint, error) {
	if s.sources.Series == nil {
		return nil, errors.New("series source not configured")
	}
	series, err := s.sources.Series.DailySeries(ctx, abbrev)
	if err != nil {
		return nil, err
	}
	return series.Points()
}

// Headlines returns today's headlines, or an error when no headline source is
// configured.
func (s *Service) Headlines(ctx context.Context) ([]domain.Headline, error) {
	if s.sources.Headlines == nil {
		return nil, errors.New("headline source not configured")
	}
	return s.sources.Headlines.TopHeadlines(ctx)
}

// Metric resolves an externally supplied metric name through the registry and
// looks it up for a state. Unknown names never reach the store.
func (s *Service) Metric(ctx context.Context, name, abbrev string) (domain.Metric, float64, error) {
	m, ok := domain.MetricByName(name)
	if !ok {
		return domain.Metric{}, 0, fmt.Errorf("%w: %q", domain.ErrUnknownMetric, name)
	}
	v, err := s.store.Lookup(ctx, m, abbrev)
	if err != nil {
		return m, 0, err
	}
	return m, v, nil
}
