package insight

import (
	"fmt"
	"strings"
	"testing"

	"github.com/datasage-io/datasage/pkg/tabular"
)

func rowsFromLines(t *testing.T, lines ...string) []tabular.Row {
	t.Helper()
	rows := tabular.ParseRows(strings.Join(lines, "\n"))
	if len(rows) != len(lines) {
		t.Fatalf("parsed %d rows from %d lines", len(rows), len(lines))
	}
	return rows
}

func TestBuildChart_TemporalNumericLine(t *testing.T) {
	rows := rowsFromLines(t,
		"date: 2025-01-01 | sales: 100",
		"date: 2025-01-02 | sales: 140",
		"date: 2025-01-03 | sales: 120",
	)

	spec := BuildChart(rows)
	if spec == nil {
		t.Fatal("expected a chart")
	}
	if spec.Mark != "line" {
		t.Fatalf("expected line, got %q", spec.Mark)
	}
	if x := spec.Encoding["x"]; x.Field != "date" || x.Type != "temporal" {
		t.Errorf("x channel: %+v", x)
	}
	if y := spec.Encoding["y"]; y.Field != "sales" || y.Type != "quantitative" {
		t.Errorf("y channel: %+v", y)
	}
	if len(spec.Data.Values) != 3 {
		t.Fatalf("expected 3 data rows, got %d", len(spec.Data.Values))
	}
	if spec.Data.Values[1]["sales"] != "140" {
		t.Errorf("data values wrong: %+v", spec.Data.Values[1])
	}
	if spec.Schema != schemaURL {
		t.Errorf("schema = %q", spec.Schema)
	}
}

func TestBuildChart_CategoricalNumericBar(t *testing.T) {
	rows := rowsFromLines(t,
		"region: EMEA | sales: 100",
		"region: APAC | sales: 90",
	)

	spec := BuildChart(rows)
	if spec == nil || spec.Mark != "bar" {
		t.Fatalf("expected bar, got %+v", spec)
	}
	if x := spec.Encoding["x"]; x.Field != "region" || x.Type != "nominal" {
		t.Errorf("x channel: %+v", x)
	}
	if y := spec.Encoding["y"]; y.Field != "sales" || y.Type != "quantitative" {
		t.Errorf("y channel: %+v", y)
	}
}

func TestBuildChart_TwoNumericScatter(t *testing.T) {
	rows := rowsFromLines(t,
		"price: 9.99 | units: 3",
		"price: 19.99 | units: 7",
		"price: 4.50 | units: 12",
	)

	spec := BuildChart(rows)
	if spec == nil || spec.Mark != "point" {
		t.Fatalf("expected point, got %+v", spec)
	}
	if x := spec.Encoding["x"]; x.Field != "price" || x.Type != "quantitative" {
		t.Errorf("x channel: %+v", x)
	}
	if y := spec.Encoding["y"]; y.Field != "units" || y.Type != "quantitative" {
		t.Errorf("y channel: %+v", y)
	}
}

func TestBuildChart_GeoMap(t *testing.T) {
	rows := rowsFromLines(t,
		"city: amsterdam | lat: 52.37 | lng: 4.90",
		"city: rotterdam | lat: 51.92 | lng: 4.48",
	)

	spec := BuildChart(rows)
	if spec == nil || spec.Mark != "point" {
		t.Fatalf("expected point map, got %+v", spec)
	}
	if f := spec.Encoding["latitude"]; f.Field != "lat" {
		t.Errorf("latitude channel: %+v", f)
	}
	if f := spec.Encoding["longitude"]; f.Field != "lng" {
		t.Errorf("longitude channel: %+v", f)
	}
	if _, ok := spec.Encoding["x"]; ok {
		t.Error("a geo chart must not carry an x channel")
	}
}

func TestBuildChart_HeatmapTriple(t *testing.T) {
	rows := rowsFromLines(t,
		"row: a | col: x | value: 1",
		"row: a | col: y | value: 2",
		"row: b | col: x | value: 3",
	)

	spec := BuildChart(rows)
	if spec == nil || spec.Mark != "rect" {
		t.Fatalf("expected rect, got %+v", spec)
	}
	if x := spec.Encoding["x"]; x.Field != "col" || x.Type != "nominal" {
		t.Errorf("x channel: %+v", x)
	}
	if y := spec.Encoding["y"]; y.Field != "row" || y.Type != "nominal" {
		t.Errorf("y channel: %+v", y)
	}
	if c := spec.Encoding["color"]; c.Field != "value" || c.Type != "quantitative" {
		t.Errorf("color channel: %+v", c)
	}
}

func TestBuildChart_FallbackCountBar(t *testing.T) {
	rows := rowsFromLines(t,
		"name: alice",
		"name: bob",
		"name: alice",
	)

	spec := BuildChart(rows)
	if spec == nil || spec.Mark != "bar" {
		t.Fatalf("expected fallback bar, got %+v", spec)
	}
	if x := spec.Encoding["x"]; x.Field != "name" {
		t.Errorf("x channel: %+v", x)
	}
	if y := spec.Encoding["y"]; y.Aggregate != "count" {
		t.Errorf("y channel should count, got %+v", y)
	}
}

func TestBuildChart_NoRows(t *testing.T) {
	if spec := BuildChart(nil); spec != nil {
		t.Fatalf("expected nil for no rows, got %+v", spec)
	}
}

func TestBuildChart_CapsInlineData(t *testing.T) {
	lines := make([]string, 250)
	for i := range lines {
		lines[i] = fmt.Sprintf("region: r%d | sales: %d", i, i)
	}
	rows := rowsFromLines(t, lines...)

	spec := BuildChart(rows)
	if spec == nil {
		t.Fatal("expected a chart")
	}
	if len(spec.Data.Values) != maxDataRows {
		t.Fatalf("expected %d data rows, got %d", maxDataRows, len(spec.Data.Values))
	}
}

func TestBuildChart_SettlesOnDominantShape(t *testing.T) {
	rows := rowsFromLines(t,
		"region: EMEA | sales: 100",
		"region: APAC | sales: 90",
		"note: unrelated prose row",
	)

	spec := BuildChart(rows)
	if spec == nil || spec.Mark != "bar" {
		t.Fatalf("expected bar over the dominant shape, got %+v", spec)
	}
	if len(spec.Data.Values) != 2 {
		t.Fatalf("odd-shaped row leaked into the data: %+v", spec.Data.Values)
	}
}
