package insight

import (
	"math"
	"sort"
	"time"

	"github.com/datasage-io/datasage/pkg/tabular"
)

const (
	// DefaultHorizon is the number of projected daily points when the
	// caller does not ask for a specific horizon.
	DefaultHorizon = 30

	// minSeriesPoints is the shortest series a trend can be fit on.
	minSeriesPoints = 3

	// z95 scales the residual standard error to a 95% interval.
	z95 = 1.96

	dsLayout = "2006-01-02T15:04:05"
)

// Forecast is a linear trend projection over a detected time series.
type Forecast struct {
	DateColumn   string          `json:"date_column"`
	TargetColumn string          `json:"target_column"`
	Periods      int             `json:"periods"`
	TrainRows    int             `json:"train_rows"`
	Points       []ForecastPoint `json:"points"`
	Metrics      ForecastMetrics `json:"metrics"`
}

// ForecastPoint is one projected observation with its 95% bounds.
type ForecastPoint struct {
	DS        string  `json:"ds"`
	Yhat      float64 `json:"yhat"`
	YhatLower float64 `json:"yhat_lower"`
	YhatUpper float64 `json:"yhat_upper"`
}

// ForecastMetrics reports the in-sample fit. MAPE is a percentage and
// skips observations too close to zero.
type ForecastMetrics struct {
	RMSE float64 `json:"rmse"`
	MAE  float64 `json:"mae"`
	MAPE float64 `json:"mape"`
}

type observation struct {
	ts time.Time
	y  float64
}

// ForecastSeries fits a least-squares line over the (temporal, numeric)
// series in rows and projects horizon daily points past the last
// observation. Returns nil, not an error, when no usable series exists
// or it has fewer than three points.
func ForecastSeries(rows []tabular.Row, horizon int) *Forecast {
	if horizon <= 0 {
		horizon = DefaultHorizon
	}

	columns, rows, types := normalize(rows)
	if len(columns) == 0 {
		return nil
	}
	dateCol, ok := tabular.TemporalColumn(columns, types)
	if !ok {
		return nil
	}
	targetCol, ok := tabular.NumericColumn(columns, types, dateCol)
	if !ok {
		return nil
	}

	obs := series(rows, dateCol, targetCol)
	if len(obs) < minSeriesPoints {
		return nil
	}
	intercept, slope, ok := fitLine(obs)
	if !ok {
		return nil
	}

	start := obs[0].ts
	n := float64(len(obs))
	var sse, sae, sape float64
	var mapeN int
	for _, o := range obs {
		err := intercept + slope*days(start, o.ts) - o.y
		sse += err * err
		sae += math.Abs(err)
		if math.Abs(o.y) > 1e-12 {
			sape += math.Abs(err) / math.Abs(o.y)
			mapeN++
		}
	}
	metrics := ForecastMetrics{
		RMSE: math.Sqrt(sse / n),
		MAE:  sae / n,
	}
	if mapeN > 0 {
		metrics.MAPE = sape / float64(mapeN) * 100
	}

	// Residual standard error with the two fitted parameters removed.
	bound := z95 * math.Sqrt(sse/(n-2))

	last := obs[len(obs)-1].ts
	points := make([]ForecastPoint, horizon)
	for i := range horizon {
		t := last.AddDate(0, 0, i+1)
		yhat := intercept + slope*days(start, t)
		points[i] = ForecastPoint{
			DS:        t.Format(dsLayout),
			Yhat:      yhat,
			YhatLower: yhat - bound,
			YhatUpper: yhat + bound,
		}
	}

	return &Forecast{
		DateColumn:   dateCol,
		TargetColumn: targetCol,
		Periods:      horizon,
		TrainRows:    len(obs),
		Points:       points,
		Metrics:      metrics,
	}
}

// series extracts the parseable (timestamp, value) pairs in time order.
// Rows where either side fails to parse are dropped.
func series(rows []tabular.Row, dateCol, targetCol string) []observation {
	obs := make([]observation, 0, len(rows))
	for _, r := range rows {
		ts, ok := tabular.Timestamp(r.Get(dateCol))
		if !ok {
			continue
		}
		y, ok := tabular.Number(r.Get(targetCol))
		if !ok {
			continue
		}
		obs = append(obs, observation{ts: ts, y: y})
	}
	sort.Slice(obs, func(i, j int) bool { return obs[i].ts.Before(obs[j].ts) })
	return obs
}

// fitLine solves ordinary least squares with days-since-start as the
// regressor. ok is false when every observation shares one timestamp.
func fitLine(obs []observation) (intercept, slope float64, ok bool) {
	n := float64(len(obs))
	start := obs[0].ts
	var sumX, sumY, sumXX, sumXY float64
	for _, o := range obs {
		x := days(start, o.ts)
		sumX += x
		sumY += o.y
		sumXX += x * x
		sumXY += x * o.y
	}
	sxx := sumXX - sumX*sumX/n
	if sxx == 0 {
		return 0, 0, false
	}
	slope = (sumXY - sumX*sumY/n) / sxx
	intercept = (sumY - slope*sumX) / n
	return intercept, slope, true
}

func days(start, t time.Time) float64 {
	return t.Sub(start).Hours() / 24
}
