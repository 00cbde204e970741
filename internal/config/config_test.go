package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testNewsKey = "news-test-key"

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, AppName, filepath.Base(cfg.DataDir))
	assert.Equal(t, filepath.Join(cfg.DataDir, "covid_state_info.sqlite"), cfg.DatabasePath)
	assert.Equal(t, "https://covidtracking.com/api/states", cfg.CovidBaseURL)
	assert.Equal(t, "COVID-19", cfg.NewsTopic)
	assert.Equal(t, time.Second, cfg.FetchThrottle)
	assert.Equal(t, 10*time.Second, cfg.UpstreamTimeout)
	assert.Equal(t, 3, cfg.UpstreamMaxRetries)
	assert.Equal(t, 7*24*time.Hour, cfg.CacheRetention)
	assert.Equal(t, 24*time.Hour, cfg.RefreshInterval)
	assert.Equal(t, "state-daily-series", cfg.KafkaSeriesTopic)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.False(t, cfg.KafkaEnabled())
	assert.False(t, cfg.TwitterEnabled())
	assert.False(t, cfg.NewsEnabled())
}

func TestLoad_CustomEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "text")
	t.Setenv("SHUTDOWN_TIMEOUT", "30s")
	t.Setenv("DATA_DIR", dir)
	t.Setenv("TWITTER_API_KEY", "k")
	t.Setenv("TWITTER_API_SECRET", "s")
	t.Setenv("TWITTER_ACCESS_TOKEN", "t")
	t.Setenv("TWITTER_ACCESS_TOKEN_SECRET", "ts")
	t.Setenv("NEWSAPI_KEY", testNewsKey)
	t.Setenv("FETCH_THROTTLE", "2s")
	t.Setenv("CACHE_RETENTION", "0")
	t.Setenv("KAFKA_BROKERS", "broker1:9092, broker2:9092,")
	t.Setenv("EXPORT_STATES", "mi, oh")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dir, "covid_state_info.sqlite"), cfg.DatabasePath)
	assert.Equal(t, filepath.Join(dir, "cache", "daily.json"), cfg.CachePath("daily"))
	assert.True(t, cfg.TwitterEnabled())
	assert.True(t, cfg.NewsEnabled())
	assert.Equal(t, 2*time.Second, cfg.FetchThrottle)
	assert.Zero(t, cfg.CacheRetention)
	assert.Equal(t, []string{"broker1:9092", "broker2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.KafkaEnabled())
	assert.Equal(t, []string{"MI", "OH"}, cfg.ExportStates)
}

func TestLoad_InvalidShutdownTimeout(t *testing.T) {
	t.Setenv("SHUTDOWN_TIMEOUT", "not-a-duration")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env")
}

func TestLoad_NegativeShutdownTimeout(t *testing.T) {
	t.Setenv("SHUTDOWN_TIMEOUT", "-1s")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SHUTDOWN_TIMEOUT")
}

func TestLoad_ThrottleBelowMinimum(t *testing.T) {
	t.Setenv("FETCH_THROTTLE", "500ms")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FETCH_THROTTLE")
}

func TestLoad_NegativeRetention(t *testing.T) {
	t.Setenv("CACHE_RETENTION", "-1h")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CACHE_RETENTION")
}

func TestValidate_KafkaWithoutTopic(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "localhost:9092")
	cfg, err := Load()
	require.NoError(t, err)

	cfg.KafkaSeriesTopic = ""
	err = cfg.validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KAFKA_SERIES_TOPIC")
}

func TestLoad_PartialTwitterCredentials(t *testing.T) {
	t.Setenv("TWITTER_API_KEY", "k")
	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.TwitterEnabled())
}
