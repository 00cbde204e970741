// Package newsapi reads top headlines for a topic.
package newsapi

import (
	"context"
	"fmt"

	"github.com/couchcryptid/covid-state-etl/internal/adapter/upstream"
	"github.com/couchcryptid/covid-state-etl/internal/cache"
	"github.com/couchcryptid/covid-state-etl/internal/domain"
	"github.com/couchcryptid/covid-state-etl/internal/fetch"
)

// KeyHeader carries the API key. Keeping the key out of the query string keeps
// it out of cache keys and logs.
const KeyHeader = "X-Api-Key"

// Client fetches cached top headlines for one topic and country.
type Client struct {
	endpoint string
	country  string
	topic    string
	http     *upstream.Client
	fetcher  *fetch.Fetcher
}

// NewClient creates a headline client. The key is attached as a request header.
func NewClient(endpoint, apiKey, topic string, http *upstream.Client, fetcher *fetch.Fetcher) *Client {
	return &Client{
		endpoint: endpoint,
		country:  "us",
		topic:    topic,
		http:     http.WithHeader(KeyHeader, apiKey),
		fetcher:  fetcher,
	}
}

// TopHeadlines returns today's headlines for the configured topic.
func (c *Client) TopHeadlines(ctx context.Context) ([]domain.Headline, error) {
	params := map[string]string{
		"country": c.country,
		"q":       c.topic,
	}
	key := cache.Fingerprint(c.endpoint, params, c.fetcher.Epoch())

	check := func(body []byte) error {
		_, err := domain.NormalizeHeadlines(body)
		return err
	}
	body, err := c.fetcher.Fetch(ctx, key, upstream.Validated(c.http.Producer(c.endpoint, params), check))
	if err != nil {
		return nil, fmt.Errorf("top headlines request: %w", err)
	}
	return domain.NormalizeHeadlines(body)
}
