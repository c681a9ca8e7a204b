// Package insight derives chart specifications and trend forecasts from
// rows recovered out of retrieved chunk text. Both entry points are pure
// functions over parsed rows; nothing here calls the network.
package insight

import (
	"github.com/datasage-io/datasage/pkg/tabular"
)

// normalize settles a mixed retrieval on its dominant row shape and
// classifies the surviving columns.
func normalize(rows []tabular.Row) ([]string, []tabular.Row, map[string]tabular.ColumnType) {
	columns := tabular.CommonColumns(rows)
	if len(columns) == 0 {
		return nil, nil, nil
	}
	rows = tabular.FilterByColumns(rows, columns)
	return columns, rows, tabular.InferColumns(columns, rows)
}
