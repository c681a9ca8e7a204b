package insight

import (
	"fmt"
	"math"
	"testing"
)

func TestForecastSeries_LinearTrend(t *testing.T) {
	lines := make([]string, 10)
	for i := range lines {
		lines[i] = fmt.Sprintf("date: 2025-01-%02d | sales: %d", i+1, 100+10*i)
	}
	rows := rowsFromLines(t, lines...)

	fc := ForecastSeries(rows, 0)
	if fc == nil {
		t.Fatal("expected a forecast")
	}
	if fc.DateColumn != "date" || fc.TargetColumn != "sales" {
		t.Fatalf("series detection: %+v", fc)
	}
	if fc.Periods != DefaultHorizon || len(fc.Points) != DefaultHorizon {
		t.Fatalf("expected %d points, got %d", DefaultHorizon, len(fc.Points))
	}
	if fc.TrainRows != 10 {
		t.Fatalf("train rows = %d", fc.TrainRows)
	}

	// The data is a perfect line, so the projection continues it exactly
	// and the bounds collapse onto it.
	first := fc.Points[0]
	if first.DS != "2025-01-11T00:00:00" {
		t.Errorf("first projected day = %q", first.DS)
	}
	if math.Abs(first.Yhat-200) > 1e-6 {
		t.Errorf("yhat = %v, want 200", first.Yhat)
	}
	if math.Abs(first.YhatUpper-first.Yhat) > 1e-6 || math.Abs(first.Yhat-first.YhatLower) > 1e-6 {
		t.Errorf("bounds should collapse on a perfect fit: %+v", first)
	}
	last := fc.Points[len(fc.Points)-1]
	if math.Abs(last.Yhat-490) > 1e-6 {
		t.Errorf("last yhat = %v, want 490", last.Yhat)
	}

	if fc.Metrics.RMSE > 1e-6 || fc.Metrics.MAE > 1e-6 || fc.Metrics.MAPE > 1e-6 {
		t.Errorf("perfect fit should have zero error: %+v", fc.Metrics)
	}
}

func TestForecastSeries_RespectsHorizon(t *testing.T) {
	rows := rowsFromLines(t,
		"date: 2025-01-01 | sales: 10",
		"date: 2025-01-02 | sales: 20",
		"date: 2025-01-03 | sales: 30",
	)

	fc := ForecastSeries(rows, 7)
	if fc == nil || fc.Periods != 7 || len(fc.Points) != 7 {
		t.Fatalf("expected 7 points, got %+v", fc)
	}
}

func TestForecastSeries_NoTemporalColumn(t *testing.T) {
	rows := rowsFromLines(t,
		"region: EMEA | sales: 100",
		"region: APAC | sales: 90",
		"region: LATAM | sales: 80",
	)
	if fc := ForecastSeries(rows, 0); fc != nil {
		t.Fatalf("expected nil without a temporal column, got %+v", fc)
	}
}

func TestForecastSeries_TooFewPoints(t *testing.T) {
	rows := rowsFromLines(t,
		"date: 2025-01-01 | sales: 10",
		"date: 2025-01-02 | sales: 20",
	)
	if fc := ForecastSeries(rows, 0); fc != nil {
		t.Fatalf("expected nil for a 2-point series, got %+v", fc)
	}
}

func TestForecastSeries_SkipsUnparseableRows(t *testing.T) {
	rows := rowsFromLines(t,
		"date: 2025-01-01 | sales: 10",
		"date: 2025-01-02 | sales: 20",
		"date: 2025-01-03 | sales: 30",
		"date: 2025-01-04 | sales: 40",
		"date: 2025-01-05 | sales: 50",
		"date: n/a | sales: 60",
	)

	fc := ForecastSeries(rows, 5)
	if fc == nil {
		t.Fatal("expected a forecast")
	}
	if fc.TrainRows != 5 {
		t.Fatalf("unparseable row was not dropped: train rows = %d", fc.TrainRows)
	}
}

func TestForecastSeries_SingleTimestampDegenerate(t *testing.T) {
	rows := rowsFromLines(t,
		"date: 2025-01-01 | sales: 10",
		"date: 2025-01-01 | sales: 20",
		"date: 2025-01-01 | sales: 30",
	)
	if fc := ForecastSeries(rows, 0); fc != nil {
		t.Fatalf("expected nil when every observation shares one timestamp, got %+v", fc)
	}
}

func TestForecastSeries_UnsortedRows(t *testing.T) {
	rows := rowsFromLines(t,
		"date: 2025-01-03 | sales: 30",
		"date: 2025-01-01 | sales: 10",
		"date: 2025-01-02 | sales: 20",
	)

	fc := ForecastSeries(rows, 1)
	if fc == nil {
		t.Fatal("expected a forecast")
	}
	if fc.Points[0].DS != "2025-01-04T00:00:00" {
		t.Errorf("projection must continue from the latest observation, got %q", fc.Points[0].DS)
	}
}

func TestForecastSeries_NoisyBoundsAreSymmetric(t *testing.T) {
	rows := rowsFromLines(t,
		"date: 2025-01-01 | sales: 100",
		"date: 2025-01-02 | sales: 130",
		"date: 2025-01-03 | sales: 95",
		"date: 2025-01-04 | sales: 140",
		"date: 2025-01-05 | sales: 110",
	)

	fc := ForecastSeries(rows, 3)
	if fc == nil {
		t.Fatal("expected a forecast")
	}
	for _, p := range fc.Points {
		if !(p.YhatLower < p.Yhat && p.Yhat < p.YhatUpper) {
			t.Fatalf("noisy fit needs spread bounds: %+v", p)
		}
		if math.Abs((p.YhatUpper-p.Yhat)-(p.Yhat-p.YhatLower)) > 1e-9 {
			t.Fatalf("bounds must be symmetric: %+v", p)
		}
	}
	if fc.Metrics.RMSE <= 0 || fc.Metrics.MAE <= 0 {
		t.Errorf("noisy fit should report error: %+v", fc.Metrics)
	}
}

func TestForecastSeries_ZeroValuesSafeMAPE(t *testing.T) {
	rows := rowsFromLines(t,
		"date: 2025-01-01 | sales: 0",
		"date: 2025-01-02 | sales: 0",
		"date: 2025-01-03 | sales: 0",
	)

	fc := ForecastSeries(rows, 1)
	if fc == nil {
		t.Fatal("expected a forecast")
	}
	if math.IsNaN(fc.Metrics.MAPE) || fc.Metrics.MAPE != 0 {
		t.Errorf("MAPE must skip zero denominators: %+v", fc.Metrics)
	}
}
