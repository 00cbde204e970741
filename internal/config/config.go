package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/caarlos0/env/v11"
)

// AppName names the default data directory.
const AppName = "covid-state-etl"

// MinFetchThrottle is the smallest accepted delay before an upstream request.
const MinFetchThrottle = time.Second

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string        `env:"HTTP_ADDR"        envDefault:":8080"`
	LogLevel        string        `env:"LOG_LEVEL"        envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT"       envDefault:"json"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// DataDir holds the cache files and, by default, the database.
	DataDir      string `env:"DATA_DIR"`
	DatabasePath string `env:"DATABASE_PATH"`

	// Upstream sources.
	CovidBaseURL             string `env:"COVID_BASE_URL"              envDefault:"https://covidtracking.com/api/states"`
	TwitterSearchURL         string `env:"TWITTER_SEARCH_URL"          envDefault:"https://api.twitter.com/1.1/search/tweets.json"`
	TwitterAPIKey            string `env:"TWITTER_API_KEY"`
	TwitterAPISecret         string `env:"TWITTER_API_SECRET"`
	TwitterAccessToken       string `env:"TWITTER_ACCESS_TOKEN"`
	TwitterAccessTokenSecret string `env:"TWITTER_ACCESS_TOKEN_SECRET"`
	NewsAPIURL               string `env:"NEWSAPI_URL"                 envDefault:"https://newsapi.org/v2/top-headlines"`
	NewsAPIKey               string `env:"NEWSAPI_KEY"`
	NewsTopic                string `env:"NEWS_TOPIC"                  envDefault:"COVID-19"`

	// Scraped reference pages.
	KFFAtRiskURL       string `env:"KFF_AT_RISK_URL"       envDefault:"https://www.kff.org/global-health-policy/issue-brief/how-many-adults-are-at-risk-of-serious-illness-if-infected-with-coronavirus/"`
	KFFStateDataURL    string `env:"KFF_STATE_DATA_URL"    envDefault:"https://www.kff.org/statedata/"`
	KFFHealthStatusURL string `env:"KFF_HEALTH_STATUS_URL" envDefault:"https://www.kff.org/state-category/health-status/"`
	KFFCovidRiskURL    string `env:"KFF_COVID_RISK_URL"    envDefault:"https://www.kff.org/other/state-indicator/adults-at-higher-risk-of-serious-illness-if-infected-with-coronavirus/"`
	ScraperUserAgent   string `env:"SCRAPER_USER_AGENT"    envDefault:"covid-state-etl/1.0"`
	ScraperFrom        string `env:"SCRAPER_FROM"`

	// Fetch behavior shared by every cached source.
	FetchThrottle      time.Duration `env:"FETCH_THROTTLE"       envDefault:"1s"`
	UpstreamTimeout    time.Duration `env:"UPSTREAM_TIMEOUT"     envDefault:"10s"`
	UpstreamMaxRetries int           `env:"UPSTREAM_MAX_RETRIES" envDefault:"3"`
	CacheRetention     time.Duration `env:"CACHE_RETENTION"      envDefault:"168h"`

	// Derived stat CSV files. An empty path skips that table.
	ObesityCSV  string `env:"OBESITY_CSV"`
	ICUBedsCSV  string `env:"ICU_BEDS_CSV"`
	HospBedsCSV string `env:"HOSP_BEDS_CSV"`

	RefreshInterval time.Duration `env:"REFRESH_INTERVAL" envDefault:"24h"`

	// Series export. Empty KafkaBrokers disables it.
	KafkaBrokers     []string `env:"KAFKA_BROKERS"      envSeparator:","`
	KafkaSeriesTopic string   `env:"KAFKA_SERIES_TOPIC" envDefault:"state-daily-series"`
	ExportStates     []string `env:"EXPORT_STATES"      envSeparator:","`
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(xdg.DataHome, AppName)
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.DataDir, "covid_state_info.sqlite")
	}
	cfg.KafkaBrokers = cleanList(cfg.KafkaBrokers, false)
	cfg.ExportStates = cleanList(cfg.ExportStates, true)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.ShutdownTimeout <= 0 {
		return errors.New("SHUTDOWN_TIMEOUT must be positive")
	}
	if c.FetchThrottle < MinFetchThrottle {
		return fmt.Errorf("FETCH_THROTTLE must be at least %s", MinFetchThrottle)
	}
	if c.UpstreamTimeout <= 0 {
		return errors.New("UPSTREAM_TIMEOUT must be positive")
	}
	if c.UpstreamMaxRetries < 0 {
		return errors.New("UPSTREAM_MAX_RETRIES must not be negative")
	}
	if c.CacheRetention < 0 {
		return errors.New("CACHE_RETENTION must not be negative")
	}
	if c.RefreshInterval <= 0 {
		return errors.New("REFRESH_INTERVAL must be positive")
	}
	if c.CovidBaseURL == "" {
		return errors.New("COVID_BASE_URL is required")
	}
	if c.KafkaEnabled() && c.KafkaSeriesTopic == "" {
		return errors.New("KAFKA_SERIES_TOPIC is required when KAFKA_BROKERS is set")
	}
	return nil
}

// CachePath returns the cache file for a source.
func (c *Config) CachePath(source string) string {
	return filepath.Join(c.DataDir, "cache", source+".json")
}

// TwitterEnabled reports whether every search credential is set.
func (c *Config) TwitterEnabled() bool {
	return c.TwitterAPIKey != "" && c.TwitterAPISecret != "" &&
		c.TwitterAccessToken != "" && c.TwitterAccessTokenSecret != ""
}

// NewsEnabled reports whether a headline API key is set.
func (c *Config) NewsEnabled() bool {
	return c.NewsAPIKey != ""
}

// KafkaEnabled reports whether series export is configured.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

func cleanList(items []string, upper bool) []string {
	var out []string
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if upper {
			item = strings.ToUpper(item)
		}
		out = append(out, item)
	}
	return out
}
