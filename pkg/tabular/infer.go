package tabular

import (
	"strconv"
	"strings"
	"time"
)

// ColumnType classifies a column by its values.
type ColumnType int

const (
	ColumnUnknown ColumnType = iota
	ColumnNumeric
	ColumnTemporal
	ColumnCategorical
)

func (t ColumnType) String() string {
	switch t {
	case ColumnNumeric:
		return "numeric"
	case ColumnTemporal:
		return "temporal"
	case ColumnCategorical:
		return "categorical"
	default:
		return "unknown"
	}
}

// parseRatio is the fraction of values that must parse for a column to be
// classified numeric or temporal.
const parseRatio = 0.8

// temporalNames are column names treated as temporal when their values parse.
var temporalNames = map[string]bool{
	"ds": true, "date": true, "datetime": true, "timestamp": true, "time": true,
}

// timeLayouts are tried in order when parsing temporal values.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"Jan 2, 2006",
	"2 Jan 2006",
}

// Number parses a numeric value, tolerating thousand separators, currency
// prefixes, and a percent suffix.
func Number(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	s = strings.TrimPrefix(s, "$")
	s = strings.TrimPrefix(s, "€")
	s = strings.TrimPrefix(s, "£")
	s = strings.TrimSuffix(s, "%")
	s = strings.ReplaceAll(s, ",", "")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Timestamp parses a temporal value against the known layouts.
func Timestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	// Bare unix seconds, common in exported event data.
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 1e9 && n < 1e11 {
		return time.Unix(n, 0).UTC(), true
	}
	return time.Time{}, false
}

// InferColumn classifies one column from its name and values. Temporal wins
// over numeric for preferred names (a "date" column of unix seconds is
// temporal, not numeric).
func InferColumn(name string, values []string) ColumnType {
	if len(values) == 0 {
		return ColumnUnknown
	}
	var numeric, temporal, nonEmpty int
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			continue
		}
		nonEmpty++
		if _, ok := Timestamp(v); ok {
			temporal++
		}
		if _, ok := Number(v); ok {
			numeric++
		}
	}
	if nonEmpty == 0 {
		return ColumnUnknown
	}
	tRatio := float64(temporal) / float64(nonEmpty)
	nRatio := float64(numeric) / float64(nonEmpty)

	if temporalNames[strings.ToLower(name)] && tRatio >= parseRatio {
		return ColumnTemporal
	}
	if tRatio >= parseRatio && nRatio < parseRatio {
		return ColumnTemporal
	}
	if nRatio >= parseRatio {
		return ColumnNumeric
	}
	return ColumnCategorical
}

// InferColumns classifies every column in the given order over the rows.
func InferColumns(columns []string, rows []Row) map[string]ColumnType {
	out := make(map[string]ColumnType, len(columns))
	for _, col := range columns {
		values := make([]string, 0, len(rows))
		for _, r := range rows {
			values = append(values, r.Get(col))
		}
		out[col] = InferColumn(col, values)
	}
	return out
}

// TemporalColumn picks the temporal column for series detection: preferred
// names first, then any column classified temporal.
func TemporalColumn(columns []string, types map[string]ColumnType) (string, bool) {
	for _, col := range columns {
		if temporalNames[strings.ToLower(col)] && types[col] == ColumnTemporal {
			return col, true
		}
	}
	for _, col := range columns {
		if types[col] == ColumnTemporal {
			return col, true
		}
	}
	return "", false
}

// NumericColumn picks the first numeric column, skipping the given column.
func NumericColumn(columns []string, types map[string]ColumnType, skip string) (string, bool) {
	for _, col := range columns {
		if col != skip && types[col] == ColumnNumeric {
			return col, true
		}
	}
	return "", false
}

// latNames and lngNames identify geographic coordinate columns by name.
var (
	latNames = map[string]bool{"lat": true, "latitude": true}
	lngNames = map[string]bool{"lng": true, "lon": true, "long": true, "longitude": true}
)

// GeoColumns detects a latitude/longitude pair among numeric columns.
func GeoColumns(columns []string, types map[string]ColumnType) (lat, lng string, ok bool) {
	for _, col := range columns {
		if types[col] != ColumnNumeric {
			continue
		}
		switch {
		case latNames[strings.ToLower(col)]:
			lat = col
		case lngNames[strings.ToLower(col)]:
			lng = col
		}
	}
	return lat, lng, lat != "" && lng != ""
}
