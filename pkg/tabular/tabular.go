// Package tabular implements the row text codec shared by ingestion and
// answer synthesis: spreadsheet rows are rendered as "col: val | col: val"
// lines for embedding, and parsed back out of retrieved chunk text when a
// chart or forecast needs the underlying values. No external dependencies.
package tabular

import (
	"strings"
)

// fieldSep joins column/value pairs within a rendered row.
const fieldSep = " | "

// Row is one record: an ordered column list plus the raw string values.
type Row struct {
	Columns []string
	Values  map[string]string
}

// Get returns the value for a column, or "".
func (r Row) Get(col string) string {
	return r.Values[col]
}

// Render formats one record as a single line: "id: 1 | value: 10".
// Newlines inside values are flattened so one row is always one line.
func Render(columns []string, values []string) string {
	var b strings.Builder
	n := len(values)
	for i, col := range columns {
		if i > 0 {
			b.WriteString(fieldSep)
		}
		b.WriteString(col)
		b.WriteString(": ")
		if i < n {
			b.WriteString(flatten(values[i]))
		}
	}
	return b.String()
}

// ParseLine parses one rendered line back into a Row. The second return is
// false when the line is not in row form (prose, headings, partial text).
func ParseLine(line string) (Row, bool) {
	line = strings.TrimSpace(line)
	if line == "" || !strings.Contains(line, ": ") {
		return Row{}, false
	}
	parts := strings.Split(line, fieldSep)
	row := Row{Values: make(map[string]string, len(parts))}
	for _, p := range parts {
		col, val, found := strings.Cut(p, ": ")
		if !found {
			// Tolerate a trailing empty value ("col:").
			col, val, found = strings.Cut(p, ":")
			if !found || strings.TrimSpace(val) != "" {
				return Row{}, false
			}
		}
		col = strings.TrimSpace(col)
		if col == "" {
			return Row{}, false
		}
		row.Columns = append(row.Columns, col)
		row.Values[col] = strings.TrimSpace(val)
	}
	if len(row.Columns) == 0 {
		return Row{}, false
	}
	return row, true
}

// ParseRows extracts every row-form line from a block of chunk text.
func ParseRows(text string) []Row {
	var rows []Row
	for _, line := range strings.Split(text, "\n") {
		if row, ok := ParseLine(line); ok {
			rows = append(rows, row)
		}
	}
	return rows
}

// CommonColumns returns the column order of the most frequent column set
// among rows, so mixed-document retrievals settle on one shape.
func CommonColumns(rows []Row) []string {
	if len(rows) == 0 {
		return nil
	}
	counts := make(map[string]int)
	byKey := make(map[string][]string)
	for _, r := range rows {
		key := strings.Join(r.Columns, "\x00")
		counts[key]++
		byKey[key] = r.Columns
	}
	best, bestN := "", 0
	for k, n := range counts {
		if n > bestN {
			best, bestN = k, n
		}
	}
	return byKey[best]
}

// FilterByColumns keeps rows whose column set matches exactly.
func FilterByColumns(rows []Row, columns []string) []Row {
	key := strings.Join(columns, "\x00")
	var out []Row
	for _, r := range rows {
		if strings.Join(r.Columns, "\x00") == key {
			out = append(out, r)
		}
	}
	return out
}

func flatten(s string) string {
	if !strings.ContainsAny(s, "\n\r") {
		return s
	}
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "\r", " ")
}
