// Package domain models U.S. state COVID-19 data and the normalizers that
// turn each upstream payload into canonical records.
//
// # Data Sources
//
// Daily counts and state metadata come from the COVID Tracking Project API
// (https://covidtracking.com/api/states/). Derived stats (adults at higher
// risk, obesity, ICU and hospital beds) come from KFF state indicator pages
// and CSV exports. Social posts and headlines come from the Twitter v1.1
// search API and NewsAPI top headlines.
//
// # Daily Series Conventions
//
// Date keys arrive as 8-digit integers in YYYYMMDD form, e.g. 20200615.
// [ParseDateKey] validates the width and digits before slicing the year,
// month, and day, and rejects impossible dates with [ErrMalformedDate].
//
// Field substitution for each daily record:
//
//	hospitalizedCurrently  absent -> 0   null -> 0
//	recovered              absent -> 0   null -> 0
//	death                  absent -> 0   null -> 0
//	positive               absent -> ErrMissingField   null -> nil (passed through)
//
// A date that appears more than once keeps its first position and takes the
// values of its last occurrence.
//
// # At-Risk Population Table
//
// The KFF issue brief publishes state names and percentages in separate
// columns with no row identifiers, so the scraper extracts two flat lists and
// [PairAtRisk] aligns them by position. Unequal lengths mean the page layout
// changed and fail with [ErrAlignmentMismatch].
//
// # Stat Tables and Metrics
//
// Derived tables and their columns are a fixed registry ([StatTables],
// [Metrics]). Storage builds SQL identifiers only from this registry, so
// externally supplied metric names must be resolved with [MetricByName].
package domain
