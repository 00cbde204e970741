// Package upstream performs the HTTP requests behind every cached source and
// maps transport and status failures onto the domain error kinds.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"strings"

	"github.com/couchcryptid/covid-state-etl/internal/domain"
	"github.com/couchcryptid/covid-state-etl/internal/fetch"
	"github.com/dghubble/oauth1"
)

// maxBodyBytes caps how much of a response is read into memory.
const maxBodyBytes = 32 << 20

// OAuth1Credentials are the consumer and access token pairs for request signing.
type OAuth1Credentials struct {
	ConsumerKey    string
	ConsumerSecret string
	AccessToken    string
	AccessSecret   string
}

// Complete reports whether every credential is set.
func (c OAuth1Credentials) Complete() bool {
	return c.ConsumerKey != "" && c.ConsumerSecret != "" && c.AccessToken != "" && c.AccessSecret != ""
}

// Client issues GET requests with a fixed set of headers. Per-call deadlines
// come from the request context, so the underlying http.Client has no timeout.
type Client struct {
	httpClient *http.Client
	header     http.Header
}

// NewClient creates a client that identifies itself with userAgent and, when
// set, a From contact address.
func NewClient(userAgent, from string) *Client {
	header := http.Header{}
	if userAgent != "" {
		header.Set("User-Agent", userAgent)
	}
	if from != "" {
		header.Set("From", from)
	}
	return &Client{httpClient: &http.Client{}, header: header}
}

// WithHTTPClient returns a copy that sends requests through hc.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	out := c.clone()
	out.httpClient = hc
	return out
}

// WithHeader returns a copy that adds a static header to every request. Used
// for credentials that must stay out of the query string and cache key.
func (c *Client) WithHeader(key, value string) *Client {
	out := c.clone()
	out.header.Set(key, value)
	return out
}

// WithOAuth1 returns a copy whose requests carry an OAuth1 HMAC-SHA1
// Authorization header.
func (c *Client) WithOAuth1(creds OAuth1Credentials) *Client {
	out := c.clone()
	config := oauth1.NewConfig(creds.ConsumerKey, creds.ConsumerSecret)
	token := oauth1.NewToken(creds.AccessToken, creds.AccessSecret)
	base := context.WithValue(context.Background(), oauth1.HTTPClient, c.httpClient)
	out.httpClient = config.Client(base, token)
	return out
}

func (c *Client) clone() *Client {
	return &Client{httpClient: c.httpClient, header: maps.Clone(c.header)}
}

// Producer returns a fetch.Producer that GETs endpoint with params.
func (c *Client) Producer(endpoint string, params map[string]string) fetch.ProducerFunc {
	return func(ctx context.Context) ([]byte, error) {
		return c.Get(ctx, endpoint, params)
	}
}

// Validated wraps p so a body rejected by check is returned as an error and
// never reaches the cache.
func Validated(p fetch.Producer, check func([]byte) error) fetch.ProducerFunc {
	return func(ctx context.Context) ([]byte, error) {
		body, err := p.Produce(ctx)
		if err != nil {
			return nil, err
		}
		if err := check(body); err != nil {
			return nil, err
		}
		return body, nil
	}
}

// Get requests endpoint with params merged into its query string and returns
// the body of a 2xx response.
func (c *Client) Get(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	if len(params) > 0 {
		q := u.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(u.Host, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, transportError(u.Host, fmt.Errorf("read body: %w", err))
	}
	if err := statusError(u.Host, resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

func transportError(host string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s: %w", domain.ErrTimeout, host, err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%w: %s: %w", domain.ErrNetwork, host, err)
	}
}

// statusError maps a non-2xx status onto an error kind. Rate limiting and
// server errors are transient; credential rejections are not.
func statusError(host string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	var kind error
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = domain.ErrAuth
	case status == http.StatusTooManyRequests || status >= 500:
		kind = domain.ErrNetwork
	default:
		kind = domain.ErrUpstream
	}
	return fmt.Errorf("%w: %s: status %d: %s", kind, host, status, snippet(body))
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
