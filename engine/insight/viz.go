package insight

import (
	"github.com/datasage-io/datasage/pkg/tabular"
)

const (
	schemaURL = "https://vega.github.io/schema/vega-lite/v5.json"

	// maxDataRows caps the inline data payload so a chart never bloats
	// an API response.
	maxDataRows = 200
)

// ChartSpec is a minimal Vega-Lite document: one mark, inline data, and
// the encoding channels the mark needs. Clients render it as-is.
type ChartSpec struct {
	Schema   string                `json:"$schema"`
	Mark     string                `json:"mark"`
	Data     ChartData             `json:"data"`
	Encoding map[string]ChartField `json:"encoding"`
}

// ChartData inlines the charted records. Values stay as strings;
// Vega-Lite coerces them per the declared channel type.
type ChartData struct {
	Values []map[string]string `json:"values"`
}

// ChartField is one encoding channel.
type ChartField struct {
	Field     string `json:"field,omitempty"`
	Type      string `json:"type,omitempty"`
	Aggregate string `json:"aggregate,omitempty"`
}

// BuildChart picks a chart for the dominant row shape: a temporal and a
// numeric column draw a line, a latitude/longitude pair a point map, two
// numeric columns a scatter, two categories against a number a heatmap,
// one category against a number bars. Bar is the fallback. Returns nil
// when no rows are usable.
func BuildChart(rows []tabular.Row) *ChartSpec {
	columns, rows, types := normalize(rows)
	if len(columns) == 0 {
		return nil
	}

	mark, encoding := chooseShape(columns, types)
	return &ChartSpec{
		Schema:   schemaURL,
		Mark:     mark,
		Data:     ChartData{Values: dataValues(columns, rows)},
		Encoding: encoding,
	}
}

// chooseShape orders the checks so the more specific shapes win: a
// lat/lng pair is also two numeric columns but must map, not scatter.
func chooseShape(columns []string, types map[string]tabular.ColumnType) (string, map[string]ChartField) {
	if dateCol, ok := tabular.TemporalColumn(columns, types); ok {
		if numCol, ok := tabular.NumericColumn(columns, types, dateCol); ok {
			return "line", map[string]ChartField{
				"x": {Field: dateCol, Type: "temporal"},
				"y": {Field: numCol, Type: "quantitative"},
			}
		}
	}
	if lat, lng, ok := tabular.GeoColumns(columns, types); ok {
		return "point", map[string]ChartField{
			"latitude":  {Field: lat, Type: "quantitative"},
			"longitude": {Field: lng, Type: "quantitative"},
		}
	}
	if x, y, ok := numericPair(columns, types); ok {
		return "point", map[string]ChartField{
			"x": {Field: x, Type: "quantitative"},
			"y": {Field: y, Type: "quantitative"},
		}
	}
	if row, col, val, ok := heatmapTriple(columns, types); ok {
		return "rect", map[string]ChartField{
			"x":     {Field: col, Type: "nominal"},
			"y":     {Field: row, Type: "nominal"},
			"color": {Field: val, Type: "quantitative"},
		}
	}
	if cat, num, ok := categoryPair(columns, types); ok {
		return "bar", map[string]ChartField{
			"x": {Field: cat, Type: "nominal"},
			"y": {Field: num, Type: "quantitative"},
		}
	}
	// Nothing recognizable: count occurrences of the first column.
	return "bar", map[string]ChartField{
		"x": {Field: columns[0], Type: "nominal"},
		"y": {Aggregate: "count", Type: "quantitative"},
	}
}

func numericPair(columns []string, types map[string]tabular.ColumnType) (x, y string, ok bool) {
	var nums []string
	for _, col := range columns {
		if types[col] == tabular.ColumnNumeric {
			nums = append(nums, col)
		}
	}
	if len(nums) < 2 {
		return "", "", false
	}
	return nums[0], nums[1], true
}

func heatmapTriple(columns []string, types map[string]tabular.ColumnType) (row, col, val string, ok bool) {
	var cats []string
	for _, c := range columns {
		if types[c] == tabular.ColumnCategorical {
			cats = append(cats, c)
		}
	}
	if len(cats) < 2 {
		return "", "", "", false
	}
	num, ok := tabular.NumericColumn(columns, types, "")
	if !ok {
		return "", "", "", false
	}
	return cats[0], cats[1], num, true
}

func categoryPair(columns []string, types map[string]tabular.ColumnType) (cat, num string, ok bool) {
	for _, c := range columns {
		if types[c] != tabular.ColumnCategorical {
			continue
		}
		if n, ok := tabular.NumericColumn(columns, types, ""); ok {
			return c, n, true
		}
		return "", "", false
	}
	return "", "", false
}

func dataValues(columns []string, rows []tabular.Row) []map[string]string {
	if len(rows) > maxDataRows {
		rows = rows[:maxDataRows]
	}
	values := make([]map[string]string, len(rows))
	for i, r := range rows {
		rec := make(map[string]string, len(columns))
		for _, col := range columns {
			rec[col] = r.Get(col)
		}
		values[i] = rec
	}
	return values
}
