package ingest

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/datasage-io/datasage/engine/domain"
	"github.com/datasage-io/datasage/pkg/tabular"
	"github.com/xuri/excelize/v2"
)

// table is the normalized form every upload parses into: a header plus
// ordered row values. Rows render to text units via pkg/tabular.
type table struct {
	columns []string
	records [][]string
}

// units renders each record as one "col: val | col: val" line. The unit's
// Row index refers back to the record position in the source file.
func (t table) units() []unit {
	if len(t.columns) == 0 {
		return nil
	}
	out := make([]unit, len(t.records))
	for i, rec := range t.records {
		out[i] = unit{Row: i, Text: tabular.Render(t.columns, rec)}
	}
	return out
}

// parseTable converts raw upload bytes into a table according to format.
// Errors wrap domain.ErrUnsupportedFormat: a file that cannot be read as
// its declared format is rejected the same way an unknown format is.
func parseTable(format domain.Format, data []byte) (table, error) {
	switch format {
	case domain.FormatCSV:
		return parseCSV(data)
	case domain.FormatXLSX:
		return parseXLSX(data)
	case domain.FormatJSON:
		return parseJSON(data)
	default:
		return table{}, domain.NewValidationError("format", string(format), domain.ErrUnsupportedFormat)
	}
}

func parseCSV(data []byte) (table, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(data) {
		data = latin1ToUTF8(data)
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1 // tolerate ragged rows
	records, err := r.ReadAll()
	if err != nil {
		return table{}, fmt.Errorf("%w: csv: %v", domain.ErrUnsupportedFormat, err)
	}
	if len(records) == 0 {
		return table{}, nil
	}
	return tableFromRecords(records), nil
}

func parseXLSX(data []byte) (table, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return table{}, fmt.Errorf("%w: xlsx: %v", domain.ErrUnsupportedFormat, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return table{}, nil
	}
	// Only the first sheet is ingested.
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return table{}, fmt.Errorf("%w: xlsx: %v", domain.ErrUnsupportedFormat, err)
	}
	if len(rows) == 0 {
		return table{}, nil
	}
	return tableFromRecords(rows), nil
}

// parseJSON accepts a single object, an array of objects (one record per
// object, columns the sorted union of keys so rendering stays stable
// across uploads of the same shape), or an array of scalars (one record
// per element under a single "value" column).
func parseJSON(data []byte) (table, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return table{}, fmt.Errorf("%w: json: %v", domain.ErrUnsupportedFormat, err)
	}

	var objs []map[string]any
	switch x := v.(type) {
	case map[string]any:
		objs = []map[string]any{x}
	case []any:
		for _, el := range x {
			obj, ok := el.(map[string]any)
			if !ok {
				return scalarArrayTable(x), nil
			}
			objs = append(objs, obj)
		}
	case nil:
		return table{}, nil
	default:
		return table{}, fmt.Errorf("%w: json: top level must be an object or an array", domain.ErrUnsupportedFormat)
	}
	if len(objs) == 0 {
		return table{}, nil
	}

	seen := make(map[string]bool)
	var columns []string
	for _, obj := range objs {
		for k := range obj {
			if !seen[k] {
				seen[k] = true
				columns = append(columns, k)
			}
		}
	}
	sort.Strings(columns)

	records := make([][]string, len(objs))
	for i, obj := range objs {
		rec := make([]string, len(columns))
		for j, col := range columns {
			if val, ok := obj[col]; ok {
				rec[j] = jsonScalar(val)
			}
		}
		records[i] = rec
	}
	return table{columns: columns, records: records}, nil
}

// scalarArrayTable renders a JSON array whose elements are not all
// objects, one record per element. Non-scalar elements stay as compact
// JSON cells.
func scalarArrayTable(elems []any) table {
	records := make([][]string, len(elems))
	for i, el := range elems {
		records[i] = []string{jsonScalar(el)}
	}
	return table{columns: []string{"value"}, records: records}
}

// tableFromRecords treats the first record as the header, which is how
// spreadsheet exports arrive. Unnamed header cells get positional names.
func tableFromRecords(records [][]string) table {
	header := records[0]
	columns := make([]string, len(header))
	for i, h := range header {
		h = strings.TrimSpace(h)
		if h == "" {
			h = "col_" + strconv.Itoa(i)
		}
		columns[i] = h
	}
	return table{columns: columns, records: records[1:]}
}

// jsonScalar renders a decoded JSON value as a cell string. Nested values
// stay as compact JSON so nothing is dropped.
func jsonScalar(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

// latin1ToUTF8 re-encodes bytes that are not valid UTF-8, mapping each
// byte to the code point of the same value. Spreadsheet tools still emit
// Latin-1 CSVs often enough to make rejecting them annoying.
func latin1ToUTF8(data []byte) []byte {
	runes := make([]rune, len(data))
	for i, b := range data {
		runes[i] = rune(b)
	}
	return []byte(string(runes))
}
