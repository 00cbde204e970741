package domain

import (
	"fmt"
	"time"
)

// DailyRecord is one day of a state's COVID-19 counts after normalization.
// Hospitalized, Recovered, and Deaths are always populated (absent or null
// upstream values resolve to 0). Positive passes null through as nil.
type DailyRecord struct {
	State        string `json:"state"`
	Date         int    `json:"date"` // YYYYMMDD as delivered by the source
	Positive     *int64 `json:"positive"`
	Hospitalized int64  `json:"hospitalized_currently"`
	Recovered    int64  `json:"recovered"`
	Deaths       int64  `json:"deaths"`
}

// Day parses the record's date key into a calendar date.
func (r DailyRecord) Day() (time.Time, error) {
	return ParseDateKey(fmt.Sprintf("%d", r.Date))
}

// StateSeries is the canonical time series for one state, in source order
// with exactly one record per date.
type StateSeries struct {
	State string        `json:"state"`
	Days  []DailyRecord `json:"days"`
}

// SeriesPoint is a daily record with its date resolved, ready for plotting.
type SeriesPoint struct {
	Date         time.Time `json:"date"`
	Positive     *int64    `json:"positive"`
	Hospitalized int64     `json:"hospitalized_currently"`
	Recovered    int64     `json:"recovered"`
	Deaths       int64     `json:"deaths"`
}

// Points resolves every record's date key. A single malformed key fails the
// whole conversion rather than producing a gap.
func (s StateSeries) Points() ([]SeriesPoint, error) {
	points := make([]SeriesPoint, 0, len(s.Days))
	for _, d := range s.Days {
		day, err := d.Day()
		if err != nil {
			return nil, fmt.Errorf("series %s: %w", s.State, err)
		}
		points = append(points, SeriesPoint{
			Date:         day,
			Positive:     d.Positive,
			Hospitalized: d.Hospitalized,
			Recovered:    d.Recovered,
			Deaths:       d.Deaths,
		})
	}
	return points, nil
}

// StateReference is one row of state metadata from the reference source.
type StateReference struct {
	FIPS        string `json:"fips"`
	Name        string `json:"name"`
	Abbrev      string `json:"state"`
	NumericSite string `json:"numeric_site,omitempty"`
	InfoSite    string `json:"info_site,omitempty"`
	Twitter     string `json:"twitter,omitempty"`
}

// StatRow is one state's values for a derived stat table, in the table's
// column order.
type StatRow struct {
	State  string    `json:"state"`
	Values []float64 `json:"values"`
}

// Post is a social-media status returned by the search source.
type Post struct {
	ID        string `json:"id,omitempty"`
	Text      string `json:"text"`
	Author    string `json:"author,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// Headline is one article from the headline source.
type Headline struct {
	Title  string `json:"title"`
	Author string `json:"author"`
	URL    string `json:"url"`
}

// String renders the headline the way the summary pages list it.
func (h Headline) String() string {
	return fmt.Sprintf("%s by %s. Read here: %s", h.Title, h.Author, h.URL)
}

// StatePages holds the per-state reference page links published in the KFF
// state directory.
type StatePages struct {
	State           string `json:"state"`
	Abbrev          string `json:"abbrev"`
	DataURL         string `json:"data_url"`
	HealthStatusURL string `json:"health_status_url"`
	CovidRiskURL    string `json:"covid_risk_url"`
}
