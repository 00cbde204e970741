//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/couchcryptid/covid-state-etl/internal/adapter/covidtracking"
	"github.com/couchcryptid/covid-state-etl/internal/adapter/kafka"
	"github.com/couchcryptid/covid-state-etl/internal/adapter/kff"
	"github.com/couchcryptid/covid-state-etl/internal/adapter/upstream"
	"github.com/couchcryptid/covid-state-etl/internal/config"
	"github.com/couchcryptid/covid-state-etl/internal/domain"
	"github.com/couchcryptid/covid-state-etl/internal/fetch"
	"github.com/couchcryptid/covid-state-etl/internal/observability"
	"github.com/couchcryptid/covid-state-etl/internal/pipeline"
	"github.com/couchcryptid/covid-state-etl/internal/storage/sqlite"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"
)

const testSeriesTopic = "test-state-daily-series"

const infoPayload = `[
 {"state":"MI","fips":"26","name":"Michigan","covid19Site":"https://www.michigan.gov/coronavirus","covid19SiteSecondary":null,"twitter":"@MichiganHHS"},
 {"state":"OH","fips":39,"name":"Ohio","covid19Site":"https://coronavirus.ohio.gov","covid19SiteSecondary":null,"twitter":"@OHdeptofhealth"}
]`

const dailyPayload = `[
 {"date":20200402,"state":"MI","positive":10791,"hospitalizedCurrently":null,"recovered":null,"death":417},
 {"date":20200401,"state":"MI","positive":9334,"hospitalizedCurrently":null,"recovered":null,"death":337}
]`

const atRiskPage = `<html><body><table>
<tr><td style="width: 87px">Location</td><td style="width: 62px;text-align: center">Share</td></tr>
<tr><td style="width: 87px">Total</td></tr>
<tr><td style="width: 87px">Michigan</td><td style="width: 62px;text-align: center">41%</td></tr>
<tr><td style="width: 87px">Ohio</td><td style="width: 62px;text-align: center">42%</td></tr>
</table></body></html>`

func startKafka(ctx context.Context, t *testing.T) string {
	t.Helper()
	container, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0",
		tckafka.WithClusterID("covid-state-etl-test"),
	)
	require.NoError(t, err, "start kafka container")
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("terminate kafka container: %v", err)
		}
	})

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err, "kafka brokers")
	require.NotEmpty(t, brokers)
	return brokers[0]
}

func createTopic(t *testing.T, broker, topic string) {
	t.Helper()
	conn, err := kafkago.Dial("tcp", broker)
	require.NoError(t, err, "dial broker")
	defer conn.Close() //nolint:errcheck // test cleanup

	controller, err := conn.Controller()
	require.NoError(t, err, "find controller")

	ctrl, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err, "dial controller")
	defer ctrl.Close() //nolint:errcheck // test cleanup

	require.NoError(t, ctrl.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}), "create topic")
}

func upstreamServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/robots.txt":
			http.NotFound(w, r)
		case "/api/states/info":
			_, _ = io.WriteString(w, infoPayload)
		case "/api/states/daily":
			_, _ = io.WriteString(w, dailyPayload)
		case "/at-risk":
			_, _ = io.WriteString(w, atRiskPage)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// TestRefreshPublishesSeries runs a full refresh against fake upstreams, a
// temporary SQLite file, and a real broker, then reads the exported series
// back from the topic.
func TestRefreshPublishesSeries(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	broker := startKafka(ctx, t)
	createTopic(t, broker, testSeriesTopic)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := observability.NewMetricsForTesting()
	dir := t.TempDir()

	db, err := sqlite.Open(filepath.Join(dir, "covid_state_info.sqlite"), metrics, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	srv := upstreamServer(t)
	hc := upstream.NewClient("covid-state-etl-test", "")
	covid := covidtracking.NewClient(srv.URL+"/api/states", hc,
		fetch.NewForTesting("daily", dir), fetch.NewForTesting("info", dir))
	scraper := kff.NewClient(kff.Config{AtRiskURL: srv.URL + "/at-risk", UserAgent: "covid-state-etl-test"},
		hc, fetch.NewForTesting("pages", dir), logger)

	writer := kafka.NewWriter(&config.Config{
		KafkaBrokers:     []string{broker},
		KafkaSeriesTopic: testSeriesTopic,
	}, logger)
	t.Cleanup(func() { _ = writer.Close() })

	refresher := pipeline.New(
		pipeline.Sources{Reference: covid, AtRisk: scraper, Series: covid},
		db,
		pipeline.Options{ExportStates: []string{"MI"}, Publisher: writer},
		logger, metrics,
	)

	rep, err := refresher.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Tables["StateInfo"])
	assert.Equal(t, 2, rep.Tables[domain.AtRiskPopulation.Name])
	assert.Equal(t, 2, rep.Published)
	require.NoError(t, refresher.CheckReadiness(ctx))

	pct, err := db.Lookup(ctx, domain.MetricPctAtRisk, "mi")
	require.NoError(t, err)
	assert.InDelta(t, 41.0, pct, 0.001)

	consumer := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     []string{broker},
		Topic:       testSeriesTopic,
		StartOffset: kafkago.FirstOffset,
	})
	t.Cleanup(func() { _ = consumer.Close() })

	readCtx, readCancel := context.WithTimeout(ctx, 30*time.Second)
	defer readCancel()

	got := make(map[string]domain.DailyRecord)
	for range 2 {
		msg, err := consumer.ReadMessage(readCtx)
		require.NoError(t, err, "read from series topic")

		headers := make(map[string]string, len(msg.Headers))
		for _, h := range msg.Headers {
			headers[h.Key] = string(h.Value)
		}
		assert.Equal(t, "MI", headers["state"])
		assert.Equal(t, rep.ID, headers["run_id"])

		var rec domain.DailyRecord
		require.NoError(t, json.Unmarshal(msg.Value, &rec))
		got[string(msg.Key)] = rec
	}

	require.Contains(t, got, "MI-20200401")
	require.Contains(t, got, "MI-20200402")
	assert.Equal(t, int64(417), got["MI-20200402"].Deaths)
	assert.Zero(t, got["MI-20200401"].Hospitalized)
	require.NotNil(t, got["MI-20200401"].Positive)
	assert.Equal(t, int64(9334), *got["MI-20200401"].Positive)
}
