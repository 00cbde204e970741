package domain

import "strings"

// StatTable describes a derived stat table: its SQL name and the metric
// columns that follow the STATE column. The set is fixed at compile time so
// that SQL identifiers never come from input.
type StatTable struct {
	Name    string
	Columns []string
}

var (
	AtRiskPopulation = StatTable{Name: "AtRiskPopulation", Columns: []string{"PCT_AT_RISK_POPULATION"}}
	ObesePopulation  = StatTable{Name: "ObesePopulation", Columns: []string{"OBESE_POPULATION", "PCT_MALE", "PCT_FEMALE"}}
	ICUBeds          = StatTable{Name: "ICUBeds", Columns: []string{"ICU_BEDS", "ICU_BEDS_PER_10K"}}
	HospBeds         = StatTable{Name: "HospBeds", Columns: []string{"TOTAL_BEDS", "BEDS_PER_1K"}}
)

// StatTables lists every derived stat table in load order.
var StatTables = []StatTable{AtRiskPopulation, ObesePopulation, ICUBeds, HospBeds}

// TableByName returns the registered table with the given SQL name.
func TableByName(name string) (StatTable, bool) {
	for _, t := range StatTables {
		if strings.EqualFold(t.Name, name) {
			return t, true
		}
	}
	return StatTable{}, false
}

// Metric names one column of one derived stat table.
type Metric struct {
	Name   string // external name, e.g. "icu_beds"
	Table  StatTable
	Column string
}

var (
	MetricPctAtRisk       = Metric{Name: "pct_at_risk", Table: AtRiskPopulation, Column: "PCT_AT_RISK_POPULATION"}
	MetricObesePopulation = Metric{Name: "obese_population", Table: ObesePopulation, Column: "OBESE_POPULATION"}
	MetricObesePctMale    = Metric{Name: "obese_pct_male", Table: ObesePopulation, Column: "PCT_MALE"}
	MetricObesePctFemale  = Metric{Name: "obese_pct_female", Table: ObesePopulation, Column: "PCT_FEMALE"}
	MetricICUBeds         = Metric{Name: "icu_beds", Table: ICUBeds, Column: "ICU_BEDS"}
	MetricICUBedsPer10K   = Metric{Name: "icu_beds_per_10k", Table: ICUBeds, Column: "ICU_BEDS_PER_10K"}
	MetricTotalBeds       = Metric{Name: "total_beds", Table: HospBeds, Column: "TOTAL_BEDS"}
	MetricBedsPer1K       = Metric{Name: "beds_per_1k", Table: HospBeds, Column: "BEDS_PER_1K"}
)

// Metrics is the enumerated set of queryable metrics.
var Metrics = []Metric{
	MetricPctAtRisk,
	MetricObesePopulation,
	MetricObesePctMale,
	MetricObesePctFemale,
	MetricICUBeds,
	MetricICUBedsPer10K,
	MetricTotalBeds,
	MetricBedsPer1K,
}

// MetricByName resolves an external metric name or its column name.
func MetricByName(name string) (Metric, bool) {
	for _, m := range Metrics {
		if strings.EqualFold(m.Name, name) || strings.EqualFold(m.Column, name) {
			return m, true
		}
	}
	return Metric{}, false
}

// Registered reports whether m is exactly one of the enumerated metrics.
func (m Metric) Registered() bool {
	for _, known := range Metrics {
		if known.Name == m.Name && known.Column == m.Column && known.Table.Name == m.Table.Name {
			return true
		}
	}
	return false
}
