// Package twitter searches recent statuses through the OAuth1-signed search API.
package twitter

import (
	"context"
	"fmt"
	"strconv"

	"github.com/couchcryptid/covid-state-etl/internal/adapter/upstream"
	"github.com/couchcryptid/covid-state-etl/internal/cache"
	"github.com/couchcryptid/covid-state-etl/internal/domain"
	"github.com/couchcryptid/covid-state-etl/internal/fetch"
)

// Client runs cached status searches. Search results are cached per day.
type Client struct {
	searchURL string
	http      *upstream.Client
	fetcher   *fetch.Fetcher
}

// NewClient creates a search client. http must already carry OAuth1 signing.
func NewClient(searchURL string, http *upstream.Client, fetcher *fetch.Fetcher) *Client {
	return &Client{searchURL: searchURL, http: http, fetcher: fetcher}
}

// Search returns up to count statuses matching query.
func (c *Client) Search(ctx context.Context, query string, count int) ([]domain.Post, error) {
	params := map[string]string{
		"q":     query,
		"count": strconv.Itoa(count),
	}
	key := cache.Fingerprint(c.searchURL, params, c.fetcher.Epoch())

	check := func(body []byte) error {
		_, err := domain.NormalizePosts(body)
		return err
	}
	body, err := c.fetcher.Fetch(ctx, key, upstream.Validated(c.http.Producer(c.searchURL, params), check))
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}
	return domain.NormalizePosts(body)
}
