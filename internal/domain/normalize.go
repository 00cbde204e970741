package domain

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

// rawDailyRecord mirrors one element of the time-series payload. Counts keep
// their raw bytes so absence, null, and malformed values can be told apart.
type rawDailyRecord struct {
	Date                  json.Number     `json:"date"`
	State                 string          `json:"state"`
	Positive              json.RawMessage `json:"positive"`
	HospitalizedCurrently json.RawMessage `json:"hospitalizedCurrently"`
	Recovered             json.RawMessage `json:"recovered"`
	Death                 json.RawMessage `json:"death"`
}

// NormalizeDailySeries converts a raw daily payload into a StateSeries.
// Hospitalized, recovered, and death counts default to 0 when absent or null.
// A missing positive field is an error; a null one is passed through.
func NormalizeDailySeries(state string, body []byte) (StateSeries, error) {
	var raw []rawDailyRecord
	if err := json.Unmarshal(body, &raw); err != nil {
		return StateSeries{}, fmt.Errorf("decode daily series: %w", err)
	}
	if len(raw) == 0 {
		return StateSeries{}, fmt.Errorf("daily series for %q: %w", state, ErrNotFound)
	}

	series := StateSeries{State: strings.ToUpper(strings.TrimSpace(state))}
	if raw[0].State != "" {
		series.State = raw[0].State
	}

	index := make(map[int]int, len(raw))
	for i, r := range raw {
		day, err := ParseDateKey(r.Date.String())
		if err != nil {
			return StateSeries{}, fmt.Errorf("daily record %d: %w", i, err)
		}
		if len(r.Positive) == 0 {
			return StateSeries{}, fmt.Errorf("daily record %s: positive: %w", r.Date, ErrMissingField)
		}
		positive, err := decodeCount("positive", r.Positive)
		if err != nil {
			return StateSeries{}, fmt.Errorf("daily record %s: %w", r.Date, err)
		}
		hospitalized, err := decodeCount("hospitalizedCurrently", r.HospitalizedCurrently)
		if err != nil {
			return StateSeries{}, fmt.Errorf("daily record %s: %w", r.Date, err)
		}
		recovered, err := decodeCount("recovered", r.Recovered)
		if err != nil {
			return StateSeries{}, fmt.Errorf("daily record %s: %w", r.Date, err)
		}
		deaths, err := decodeCount("death", r.Death)
		if err != nil {
			return StateSeries{}, fmt.Errorf("daily record %s: %w", r.Date, err)
		}

		rec := DailyRecord{
			State:        series.State,
			Date:         dateKey(day),
			Positive:     positive,
			Hospitalized: valueOrZero(hospitalized),
			Recovered:    valueOrZero(recovered),
			Deaths:       valueOrZero(deaths),
		}
		if at, ok := index[rec.Date]; ok {
			series.Days[at] = rec
			continue
		}
		index[rec.Date] = len(series.Days)
		series.Days = append(series.Days, rec)
	}
	return series, nil
}

// decodeCount reads an integer count. Absent and null both yield nil; any
// other non-integer value is ErrMalformedValue.
func decodeCount(field string, raw json.RawMessage) (*int64, error) {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("%s %s: %w", field, raw, ErrMalformedValue)
	}
	return &n, nil
}

func valueOrZero(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

func dateKey(t time.Time) int {
	return t.Year()*10000 + int(t.Month())*100 + t.Day()
}

// ParseDateKey parses an 8-digit YYYYMMDD key into a UTC calendar date.
// Anything else, including impossible dates like 20201340, is ErrMalformedDate.
func ParseDateKey(s string) (time.Time, error) {
	if len(s) != 8 {
		return time.Time{}, fmt.Errorf("%w: %q is not 8 digits", ErrMalformedDate, s)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return time.Time{}, fmt.Errorf("%w: %q is not 8 digits", ErrMalformedDate, s)
		}
	}

	year, _ := strconv.Atoi(s[0:4])
	month, _ := strconv.Atoi(s[4:6])
	day, _ := strconv.Atoi(s[6:8])
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Year() != year || int(t.Month()) != month || t.Day() != day {
		return time.Time{}, fmt.Errorf("%w: %q is not a calendar date", ErrMalformedDate, s)
	}
	return t, nil
}

type rawStateInfo struct {
	FIPS                 json.RawMessage `json:"fips"`
	Name                 string          `json:"name"`
	State                string          `json:"state"`
	Covid19Site          string          `json:"covid19Site"`
	Covid19SiteSecondary string          `json:"covid19SiteSecondary"`
	Twitter              string          `json:"twitter"`
}

// NormalizeStateInfo converts the reference payload into StateReference rows.
// FIPS may arrive as a string or a number; null site fields become "".
func NormalizeStateInfo(body []byte) ([]StateReference, error) {
	var raw []rawStateInfo
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode state info: %w", err)
	}

	refs := make([]StateReference, 0, len(raw))
	for i, r := range raw {
		fips, err := decodeFIPS(r.FIPS)
		if err != nil {
			return nil, fmt.Errorf("state info %d: %w", i, err)
		}
		name := strings.TrimSpace(r.Name)
		abbrev := strings.ToUpper(strings.TrimSpace(r.State))
		if name == "" || abbrev == "" {
			return nil, fmt.Errorf("state info %d: name/state: %w", i, ErrMissingField)
		}
		refs = append(refs, StateReference{
			FIPS:        fips,
			Name:        name,
			Abbrev:      abbrev,
			NumericSite: r.Covid19Site,
			InfoSite:    r.Covid19SiteSecondary,
			Twitter:     r.Twitter,
		})
	}
	return refs, nil
}

func decodeFIPS(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", fmt.Errorf("fips: %w", ErrMissingField)
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("fips %s: %w", raw, ErrMalformedValue)
		}
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("fips %s: %w", raw, ErrMalformedValue)
	}
	return n.String(), nil
}

type rawSearchResponse struct {
	Statuses []struct {
		IDStr     string `json:"id_str"`
		Text      string `json:"text"`
		FullText  string `json:"full_text"`
		CreatedAt string `json:"created_at"`
		User      struct {
			ScreenName string `json:"screen_name"`
		} `json:"user"`
	} `json:"statuses"`
	Errors []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// authErrorCodes are the search API error codes for bad or missing credentials.
var authErrorCodes = map[int]bool{32: true, 89: true, 215: true}

// NormalizePosts extracts statuses from a search payload.
func NormalizePosts(body []byte) ([]Post, error) {
	var raw rawSearchResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	if len(raw.Errors) > 0 {
		e := raw.Errors[0]
		kind := ErrUpstream
		if authErrorCodes[e.Code] {
			kind = ErrAuth
		}
		return nil, fmt.Errorf("%w: search error %d: %s", kind, e.Code, e.Message)
	}

	posts := make([]Post, 0, len(raw.Statuses))
	for _, s := range raw.Statuses {
		text := s.Text
		if text == "" {
			text = s.FullText
		}
		posts = append(posts, Post{
			ID:        s.IDStr,
			Text:      text,
			Author:    s.User.ScreenName,
			CreatedAt: s.CreatedAt,
		})
	}
	return posts, nil
}

type rawHeadlines struct {
	Status   string `json:"status"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Articles []struct {
		Title  string `json:"title"`
		Author string `json:"author"`
		URL    string `json:"url"`
	} `json:"articles"`
}

// NormalizeHeadlines extracts articles from a headline payload.
func NormalizeHeadlines(body []byte) ([]Headline, error) {
	var raw rawHeadlines
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode headlines: %w", err)
	}
	if raw.Status == "error" {
		kind := ErrUpstream
		if strings.HasPrefix(raw.Code, "apiKey") {
			kind = ErrAuth
		}
		return nil, fmt.Errorf("%w: headlines %s: %s", kind, raw.Code, raw.Message)
	}

	headlines := make([]Headline, 0, len(raw.Articles))
	for _, a := range raw.Articles {
		headlines = append(headlines, Headline{Title: a.Title, Author: a.Author, URL: a.URL})
	}
	return headlines, nil
}

// PairAtRisk pairs extracted state-name cells with percentage cells by
// position: the Nth name takes the Nth stat. The lists must have equal length.
func PairAtRisk(names, stats []string) ([]StatRow, error) {
	if len(names) != len(stats) {
		return nil, fmt.Errorf("%w: %d state names, %d stat cells", ErrAlignmentMismatch, len(names), len(stats))
	}

	rows := make([]StatRow, 0, len(names))
	remaining := stats
	for _, name := range names {
		stat := remaining[0]
		remaining = remaining[1:]

		pct, err := ParseNumber(stat)
		if err != nil {
			return nil, fmt.Errorf("at-risk stat for %q: %w", name, err)
		}
		rows = append(rows, StatRow{State: strings.TrimSpace(name), Values: []float64{pct}})
	}
	return rows, nil
}

// ParseNumber parses a numeric cell, tolerating surrounding whitespace,
// thousands separators, and a trailing percent sign.
func ParseNumber(s string) (float64, error) {
	clean := strings.TrimSpace(s)
	clean = strings.TrimSuffix(clean, "%")
	clean = strings.ReplaceAll(clean, ",", "")
	clean = strings.TrimSpace(clean)
	v, err := strconv.ParseFloat(clean, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %q", ErrMalformedValue, s)
	}
	return v, nil
}

// ParseStatCSV reads a derived stat CSV: a header row, then one row per state
// with the state name followed by the table's columns in order.
func ParseStatCSV(r io.Reader, table StatTable) ([]StatRow, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = 1 + len(table.Columns)
	reader.TrimLeadingSpace = true

	if _, err := reader.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s header: %w", table.Name, err)
	}

	var rows []StatRow
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s row: %w", table.Name, err)
		}

		row := StatRow{State: strings.TrimSpace(record[0]), Values: make([]float64, len(table.Columns))}
		for i := range table.Columns {
			v, err := ParseNumber(record[i+1])
			if err != nil {
				return nil, fmt.Errorf("%s %s for %q: %w", table.Name, table.Columns[i], row.State, err)
			}
			row.Values[i] = v
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// FormatFraction renders a 0..1 fraction as a percentage with one decimal,
// e.g. 0.314 -> "31.4%".
func FormatFraction(f float64) string {
	return fmt.Sprintf("%.1f%%", math.Round(f*1000)/10)
}
