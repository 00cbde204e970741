package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/covid-state-etl/internal/adapter/covidtracking"
	kafkaadapter "github.com/couchcryptid/covid-state-etl/internal/adapter/kafka"
	"github.com/couchcryptid/covid-state-etl/internal/adapter/kff"
	"github.com/couchcryptid/covid-state-etl/internal/adapter/newsapi"
	"github.com/couchcryptid/covid-state-etl/internal/adapter/twitter"
	"github.com/couchcryptid/covid-state-etl/internal/adapter/upstream"
	"github.com/couchcryptid/covid-state-etl/internal/cache"
	"github.com/couchcryptid/covid-state-etl/internal/config"
	"github.com/couchcryptid/covid-state-etl/internal/domain"
	"github.com/couchcryptid/covid-state-etl/internal/fetch"
	"github.com/couchcryptid/covid-state-etl/internal/observability"
	"github.com/couchcryptid/covid-state-etl/internal/pipeline"
	"github.com/couchcryptid/covid-state-etl/internal/report"
	"github.com/couchcryptid/covid-state-etl/internal/storage/sqlite"
)

// Cache store names. Dated stores key entries by day and are pruned; the
// others hold slow-changing reference data.
const (
	sourceDaily   = "daily"
	sourceInfo    = "info"
	sourceTwitter = "twitter"
	sourceNews    = "news"
	sourcePages   = "pages"
)

var datedSources = map[string]bool{
	sourceDaily:   true,
	sourceTwitter: true,
	sourceNews:    true,
}

type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	metrics   *observability.Metrics
	db        *sqlite.Store
	fetchers  []*fetch.Fetcher
	covid     *covidtracking.Client
	scraper   *kff.Client
	reporter  *report.Service
	refresher *pipeline.Refresher
	writer    *kafkaadapter.Writer
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	metrics := observability.NewMetrics()

	db, err := sqlite.Open(cfg.DatabasePath, metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, metrics: metrics, db: db}
	base := upstream.NewClient(cfg.ScraperUserAgent, cfg.ScraperFrom)

	a.covid = covidtracking.NewClient(cfg.CovidBaseURL, base, a.fetcher(sourceDaily), a.fetcher(sourceInfo))
	a.scraper = kff.NewClient(kff.Config{
		AtRiskURL:       cfg.KFFAtRiskURL,
		StateDataURL:    cfg.KFFStateDataURL,
		HealthStatusURL: cfg.KFFHealthStatusURL,
		CovidRiskURL:    cfg.KFFCovidRiskURL,
		UserAgent:       cfg.ScraperUserAgent,
	}, base, a.fetcher(sourcePages), logger)

	sources := report.Sources{Series: a.covid, Pages: a.scraper}
	if cfg.TwitterEnabled() {
		signed := base.WithOAuth1(upstream.OAuth1Credentials{
			ConsumerKey:    cfg.TwitterAPIKey,
			ConsumerSecret: cfg.TwitterAPISecret,
			AccessToken:    cfg.TwitterAccessToken,
			AccessSecret:   cfg.TwitterAccessTokenSecret,
		})
		sources.Posts = twitter.NewClient(cfg.TwitterSearchURL, signed, a.fetcher(sourceTwitter))
	} else {
		logger.Info("social search disabled, credentials incomplete")
	}
	if cfg.NewsEnabled() {
		sources.Headlines = newsapi.NewClient(cfg.NewsAPIURL, cfg.NewsAPIKey, cfg.NewsTopic, base, a.fetcher(sourceNews))
	} else {
		logger.Info("headlines disabled, no api key")
	}
	a.reporter = report.NewService(db, sources, logger)

	opts := pipeline.Options{StatFiles: statFiles(cfg), ExportStates: cfg.ExportStates}
	if cfg.KafkaEnabled() {
		a.writer = kafkaadapter.NewWriter(cfg, logger)
		opts.Publisher = a.writer
		logger.Info("series export enabled", "topic", cfg.KafkaSeriesTopic, "states", cfg.ExportStates)
	}
	a.refresher = pipeline.New(pipeline.Sources{
		Reference: a.covid,
		AtRisk:    a.scraper,
		Series:    a.covid,
	}, db, opts, logger, metrics)

	if cfg.CacheRetention > 0 {
		a.prune(cfg.CacheRetention)
	}
	return a, nil
}

func (a *app) fetcher(source string) *fetch.Fetcher {
	store := cache.Open(a.cfg.CachePath(source), a.logger)
	f := fetch.New(source, store, fetch.Options{
		Throttle:   a.cfg.FetchThrottle,
		Timeout:    a.cfg.UpstreamTimeout,
		MaxRetries: uint64(a.cfg.UpstreamMaxRetries),
	}, a.metrics, a.logger)
	a.fetchers = append(a.fetchers, f)
	return f
}

// prune drops dated cache entries older than retention and returns the
// number removed per store. Failures are logged and leave the store as is.
func (a *app) prune(retention time.Duration) map[string]int {
	cutoff := cache.EpochOf(domain.Now().Add(-retention).Local())
	removed := make(map[string]int)
	for _, f := range a.fetchers {
		if !datedSources[f.Source()] {
			continue
		}
		n, err := f.Store().Prune(cutoff)
		if err != nil {
			a.logger.Warn("cache prune failed", "source", f.Source(), "error", err)
			continue
		}
		removed[f.Source()] = n
		a.metrics.CacheEntries.WithLabelValues(f.Source()).Set(float64(f.Store().Len()))
		if n > 0 {
			a.logger.Info("cache pruned", "source", f.Source(), "removed", n, "before", string(cutoff))
		}
	}
	return removed
}

// Close releases the database and the Kafka writer.
func (a *app) Close() {
	if a.writer != nil {
		if err := a.writer.Close(); err != nil {
			a.logger.Error("kafka writer close error", "error", err)
		}
	}
	if err := a.db.Close(); err != nil {
		a.logger.Error("database close error", "error", err)
	}
}

func statFiles(cfg *config.Config) []pipeline.StatFile {
	var files []pipeline.StatFile
	for _, f := range []pipeline.StatFile{
		{Table: domain.ObesePopulation, Path: cfg.ObesityCSV},
		{Table: domain.ICUBeds, Path: cfg.ICUBedsCSV},
		{Table: domain.HospBeds, Path: cfg.HospBedsCSV},
	} {
		if f.Path != "" {
			files = append(files, f)
		}
	}
	return files
}
