// Package kff scrapes state reference pages: the at-risk adult population
// table and the state data directory. Pages are cached by URL without an
// epoch, and robots.txt is consulted before any page is requested.
package kff

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/couchcryptid/covid-state-etl/internal/adapter/upstream"
	"github.com/couchcryptid/covid-state-etl/internal/cache"
	"github.com/couchcryptid/covid-state-etl/internal/domain"
	"github.com/couchcryptid/covid-state-etl/internal/fetch"
	"github.com/temoto/robotstxt"
)

// Cell selectors for the at-risk table. The first two name cells and the
// first stat cell are column headers.
const (
	nameCellSelector = `td[style="width: 87px"]`
	statCellSelector = `td[style="width: 62px;text-align: center"]`
	nameHeaderCells  = 2
	statHeaderCells  = 1
)

// Config holds the page URLs and the agent name matched against robots.txt.
type Config struct {
	AtRiskURL       string
	StateDataURL    string
	HealthStatusURL string
	CovidRiskURL    string
	UserAgent       string
}

// Client scrapes pages through the shared page cache.
type Client struct {
	cfg    Config
	http   *upstream.Client
	pages  *fetch.Fetcher
	logger *slog.Logger

	robotsMu sync.RWMutex
	robots   map[string]*robotstxt.RobotsData
}

// NewClient creates a scraper. The pages fetcher should be backed by an
// undated store.
func NewClient(cfg Config, http *upstream.Client, pages *fetch.Fetcher, logger *slog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		http:   http,
		pages:  pages,
		logger: logger,
		robots: make(map[string]*robotstxt.RobotsData),
	}
}

// AtRisk extracts the percentage of adults at higher risk per state. Name and
// stat cells are paired by position.
func (c *Client) AtRisk(ctx context.Context) ([]domain.StatRow, error) {
	doc, err := c.document(ctx, c.cfg.AtRiskURL)
	if err != nil {
		return nil, err
	}
	names := cellTexts(doc.Find(nameCellSelector), nameHeaderCells)
	stats := cellTexts(doc.Find(statCellSelector), statHeaderCells)

	rows, err := domain.PairAtRisk(names, stats)
	if err != nil {
		return nil, fmt.Errorf("at-risk table: %w", err)
	}
	return rows, nil
}

// StatePages lists each state in the directory picker with its data, health
// status, and risk page links.
func (c *Client) StatePages(ctx context.Context) ([]domain.StatePages, error) {
	doc, err := c.document(ctx, c.cfg.StateDataURL)
	if err != nil {
		return nil, err
	}

	options := doc.Find("select.geo-picker").First().Find("option")
	if options.Length() == 0 {
		return nil, fmt.Errorf("state directory: geo picker: %w", domain.ErrNotFound)
	}

	var pages []domain.StatePages
	options.Each(func(i int, s *goquery.Selection) {
		// The first option is the "select a state" prompt.
		if i == 0 {
			return
		}
		abbrev := strings.TrimSpace(s.AttrOr("value", ""))
		name := strings.TrimSpace(s.Text())
		if abbrev == "" || name == "" {
			return
		}
		pages = append(pages, domain.StatePages{
			State:           name,
			Abbrev:          strings.ToUpper(abbrev),
			DataURL:         withState(c.cfg.StateDataURL, abbrev),
			HealthStatusURL: withState(c.cfg.HealthStatusURL, abbrev),
			CovidRiskURL:    withState(c.cfg.CovidRiskURL, abbrev),
		})
	})
	return pages, nil
}

// StatePagesFor returns the page links for one state.
func (c *Client) StatePagesFor(ctx context.Context, abbrev string) (domain.StatePages, error) {
	pages, err := c.StatePages(ctx)
	if err != nil {
		return domain.StatePages{}, err
	}
	for _, p := range pages {
		if strings.EqualFold(p.Abbrev, abbrev) {
			return p, nil
		}
	}
	return domain.StatePages{}, fmt.Errorf("state pages for %q: %w", abbrev, domain.ErrNotFound)
}

func (c *Client) document(ctx context.Context, pageURL string) (*goquery.Document, error) {
	if err := c.checkRobots(ctx, pageURL); err != nil {
		return nil, err
	}

	key := cache.Fingerprint(pageURL, nil, cache.NoEpoch)
	body, err := c.pages.Fetch(ctx, key, c.http.Producer(pageURL, nil))
	if err != nil {
		return nil, fmt.Errorf("page request %s: %w", pageURL, err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse page %s: %w", pageURL, err)
	}
	return doc, nil
}

// checkRobots returns ErrDisallowed when robots.txt on the page's host
// excludes the configured agent. An unreachable robots.txt allows everything.
func (c *Client) checkRobots(ctx context.Context, pageURL string) error {
	u, err := url.Parse(pageURL)
	if err != nil {
		return fmt.Errorf("parse page url %q: %w", pageURL, err)
	}
	robotsURL := fmt.Sprintf("%s://%s/robots.txt", u.Scheme, u.Host)

	c.robotsMu.RLock()
	robots, ok := c.robots[robotsURL]
	c.robotsMu.RUnlock()

	if !ok {
		robots, err = c.fetchRobots(ctx, robotsURL)
		if err != nil {
			return err
		}
		c.robotsMu.Lock()
		c.robots[robotsURL] = robots
		c.robotsMu.Unlock()
	}

	if robots == nil {
		return nil
	}
	if !robots.FindGroup(c.cfg.UserAgent).Test(u.Path) {
		return fmt.Errorf("%w: %s", domain.ErrDisallowed, pageURL)
	}
	return nil
}

func (c *Client) fetchRobots(ctx context.Context, robotsURL string) (*robotstxt.RobotsData, error) {
	key := cache.Fingerprint(robotsURL, nil, cache.NoEpoch)
	body, err := c.pages.Fetch(ctx, key, c.http.Producer(robotsURL, nil))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Debug("robots.txt unavailable, allowing all", "url", robotsURL, "error", err)
		return nil, nil
	}

	robots, err := robotstxt.FromBytes(body)
	if err != nil {
		c.logger.Warn("robots.txt unparseable, allowing all", "url", robotsURL, "error", err)
		return nil, nil
	}
	return robots, nil
}

func cellTexts(sel *goquery.Selection, skip int) []string {
	var out []string
	sel.Each(func(i int, s *goquery.Selection) {
		if i < skip {
			return
		}
		out = append(out, strings.TrimSpace(s.Text()))
	})
	return out
}

func withState(base, abbrev string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base + "?state=" + url.QueryEscape(abbrev)
	}
	q := u.Query()
	q.Set("state", abbrev)
	u.RawQuery = q.Encode()
	return u.String()
}
