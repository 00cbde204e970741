// Package covidtracking reads the per-state daily time series and the state
// reference listing.
package covidtracking

import (
	"context"
	"fmt"
	"strings"

	"github.com/couchcryptid/covid-state-etl/internal/adapter/upstream"
	"github.com/couchcryptid/covid-state-etl/internal/cache"
	"github.com/couchcryptid/covid-state-etl/internal/domain"
	"github.com/couchcryptid/covid-state-etl/internal/fetch"
)

// Client serves daily series from a dated cache and the reference listing
// from an undated one.
type Client struct {
	baseURL string
	http    *upstream.Client
	daily   *fetch.Fetcher
	info    *fetch.Fetcher
}

// NewClient creates a client rooted at baseURL (e.g. https://covidtracking.com/api/states).
func NewClient(baseURL string, http *upstream.Client, daily, info *fetch.Fetcher) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    http,
		daily:   daily,
		info:    info,
	}
}

// DailySeries returns the normalized daily series for a two-letter state code.
// Responses are cached per calendar day.
func (c *Client) DailySeries(ctx context.Context, state string) (domain.StateSeries, error) {
	endpoint := c.baseURL + "/daily"
	params := map[string]string{"state": strings.ToUpper(strings.TrimSpace(state))}
	key := cache.Fingerprint(endpoint, params, c.daily.Epoch())

	check := func(body []byte) error {
		_, err := domain.NormalizeDailySeries(state, body)
		return err
	}
	body, err := c.daily.Fetch(ctx, key, upstream.Validated(c.http.Producer(endpoint, params), check))
	if err != nil {
		return domain.StateSeries{}, fmt.Errorf("daily series request: %w", err)
	}
	return domain.NormalizeDailySeries(state, body)
}

// StateInfo returns the reference row for every state. The listing is cached
// without an epoch.
func (c *Client) StateInfo(ctx context.Context) ([]domain.StateReference, error) {
	endpoint := c.baseURL + "/info"
	key := cache.Fingerprint(endpoint, nil, cache.NoEpoch)

	check := func(body []byte) error {
		_, err := domain.NormalizeStateInfo(body)
		return err
	}
	body, err := c.info.Fetch(ctx, key, upstream.Validated(c.http.Producer(endpoint, nil), check))
	if err != nil {
		return nil, fmt.Errorf("state info request: %w", err)
	}
	return domain.NormalizeStateInfo(body)
}
