// Package fetch wraps upstream calls with check-cache-else-fetch semantics.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/couchcryptid/covid-state-etl/internal/cache"
	"github.com/couchcryptid/covid-state-etl/internal/domain"
	"github.com/couchcryptid/covid-state-etl/internal/observability"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

// Defaults applied when Options leaves a field zero.
const (
	DefaultThrottle     = time.Second
	DefaultTimeout      = 10 * time.Second
	DefaultRetryInitial = 500 * time.Millisecond
)

// Producer performs one upstream request and returns the raw response body.
type Producer interface {
	Produce(ctx context.Context) ([]byte, error)
}

// ProducerFunc adapts a function to Producer.
type ProducerFunc func(ctx context.Context) ([]byte, error)

func (f ProducerFunc) Produce(ctx context.Context) ([]byte, error) {
	return f(ctx)
}

// Options tunes a Fetcher.
type Options struct {
	// Throttle is the courtesy delay before every cache miss.
	Throttle time.Duration
	// Timeout bounds each upstream attempt.
	Timeout time.Duration
	// MaxRetries bounds retries of transient failures after the first attempt.
	MaxRetries uint64
	// RetryInitial is the first backoff interval between retries.
	RetryInitial time.Duration
	// Clock drives the throttle and the cache epoch.
	Clock clockwork.Clock
}

// Fetcher serves one upstream source from its cache store, populating the
// store on misses. Concurrent misses for the same fingerprint share one
// upstream call.
type Fetcher struct {
	source       string
	store        *cache.Store
	clock        clockwork.Clock
	throttle     time.Duration
	timeout      time.Duration
	maxRetries   uint64
	retryInitial time.Duration
	group        singleflight.Group
	metrics      *observability.Metrics
	logger       *slog.Logger
}

// New creates a Fetcher for the named source backed by store.
func New(source string, store *cache.Store, opts Options, metrics *observability.Metrics, logger *slog.Logger) *Fetcher {
	f := &Fetcher{
		source:       source,
		store:        store,
		clock:        opts.Clock,
		throttle:     opts.Throttle,
		timeout:      opts.Timeout,
		maxRetries:   opts.MaxRetries,
		retryInitial: opts.RetryInitial,
		metrics:      metrics,
		logger:       logger.With("source", source),
	}
	if f.clock == nil {
		f.clock = clockwork.NewRealClock()
	}
	if f.throttle <= 0 {
		f.throttle = DefaultThrottle
	}
	if f.timeout <= 0 {
		f.timeout = DefaultTimeout
	}
	if f.retryInitial <= 0 {
		f.retryInitial = DefaultRetryInitial
	}
	metrics.CacheEntries.WithLabelValues(source).Set(float64(store.Len()))
	return f
}

// NewForTesting creates a Fetcher with no throttle delay and a single attempt,
// backed by a store under dir.
func NewForTesting(source, dir string) *Fetcher {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := cache.Open(filepath.Join(dir, source+".json"), logger)
	f := New(source, store, Options{}, observability.NewMetricsForTesting(), logger)
	f.throttle = 0
	return f
}

// Store returns the backing cache store.
func (f *Fetcher) Store() *cache.Store {
	return f.store
}

// Source returns the source name used in logs and metrics.
func (f *Fetcher) Source() string {
	return f.source
}

// Epoch returns today's cache epoch for dated fingerprints.
func (f *Fetcher) Epoch() cache.Epoch {
	return cache.Today(f.clock)
}

// Fetch returns the body cached under key, or invokes p, caches its raw body,
// and returns it. Hits never touch the network or wait. Producer errors are
// returned to the caller and nothing is cached for them.
func (f *Fetcher) Fetch(ctx context.Context, key string, p Producer) ([]byte, error) {
	if body, ok := f.store.Get(key); ok {
		f.metrics.CacheLookups.WithLabelValues(f.source, "hit").Inc()
		f.logger.Debug("using cache", "key", key)
		return []byte(body), nil
	}
	f.metrics.CacheLookups.WithLabelValues(f.source, "miss").Inc()

	v, err, shared := f.group.Do(key, func() (any, error) {
		return f.populate(ctx, key, p)
	})
	if err != nil {
		return nil, err
	}
	body := v.([]byte)
	if shared {
		body = bytes.Clone(body)
	}
	return body, nil
}

func (f *Fetcher) populate(ctx context.Context, key string, p Producer) ([]byte, error) {
	// A caller that missed just before the previous flight finished lands here.
	if body, ok := f.store.Get(key); ok {
		return []byte(body), nil
	}

	f.logger.Info("fetching", "key", key)
	if err := f.sleep(ctx, f.throttle); err != nil {
		return nil, err
	}

	body, err := f.produceWithRetry(ctx, p)
	if err != nil {
		return nil, err
	}

	if err := f.store.Put(key, string(body)); err != nil {
		f.logger.Warn("cache save failed, entry kept in memory", "path", f.store.Path(), "error", err)
	}
	f.metrics.CacheEntries.WithLabelValues(f.source).Set(float64(f.store.Len()))
	return body, nil
}

func (f *Fetcher) produceWithRetry(ctx context.Context, p Producer) ([]byte, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.retryInitial
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0

	var body []byte
	op := func() error {
		out, err := f.attempt(ctx, p)
		if err != nil {
			if ctx.Err() == nil && domain.IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		body = out
		return nil
	}
	notify := func(err error, next time.Duration) {
		f.metrics.UpstreamRetries.WithLabelValues(f.source).Inc()
		f.logger.Warn("upstream request failed, retrying", "error", err, "backoff", next)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, f.maxRetries), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return body, nil
}

// attempt runs one producer call under the per-call timeout.
func (f *Fetcher) attempt(ctx context.Context, p Producer) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	start := time.Now()
	body, err := p.Produce(callCtx)
	f.metrics.UpstreamDuration.WithLabelValues(f.source).Observe(time.Since(start).Seconds())

	if err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, domain.ErrTimeout) {
			err = fmt.Errorf("%w: %s after %s: %w", domain.ErrTimeout, f.source, f.timeout, err)
		}
		f.metrics.UpstreamRequests.WithLabelValues(f.source, outcome(err)).Inc()
		return nil, err
	}
	f.metrics.UpstreamRequests.WithLabelValues(f.source, "success").Inc()
	return body, nil
}

func (f *Fetcher) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.clock.After(d):
		return nil
	}
}

func outcome(err error) string {
	switch {
	case errors.Is(err, domain.ErrTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrAuth):
		return "auth"
	default:
		return "error"
	}
}
