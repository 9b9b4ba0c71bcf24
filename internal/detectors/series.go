package detectors

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/miradorstack/mirador-detect/internal/models"
)

// Component spec keys shared by the built-in detectors and triggers.
const (
	keyTimestamp   = "timestamp"
	keyMetric      = "metric"
	keyDimensions  = "dimensions"
	keyGranularity = "granularity"
	keyThreshold   = "threshold"
	keyPattern     = "pattern"
	keyMin         = "min"
	keyMax         = "max"
)

// Pattern selects which direction of deviation is anomalous.
type Pattern string

const (
	PatternUp       Pattern = "UP"
	PatternDown     Pattern = "DOWN"
	PatternUpOrDown Pattern = "UP_OR_DOWN"
)

type seriesSpec struct {
	timestampCol string
	metricCol    string
	dimensions   []string
	granularity  time.Duration
}

type point struct {
	ts    int64
	value float64
}

type series struct {
	dims   map[string]string
	points []point
}

func parseSeriesSpec(props map[string]any) (seriesSpec, error) {
	spec := seriesSpec{
		timestampCol: cast.ToString(props[keyTimestamp]),
		metricCol:    cast.ToString(props[keyMetric]),
		dimensions:   cast.ToStringSlice(props[keyDimensions]),
		granularity:  time.Minute,
	}
	if spec.timestampCol == "" {
		spec.timestampCol = "timestamp"
	}
	if spec.metricCol == "" {
		spec.metricCol = "value"
	}
	if raw, ok := props[keyGranularity]; ok {
		d, err := cast.ToDurationE(raw)
		if err != nil {
			return spec, fmt.Errorf("parse granularity: %w", err)
		}
		if d > 0 {
			spec.granularity = d
		}
	}
	return spec, nil
}

func parsePattern(props map[string]any) (Pattern, error) {
	p := Pattern(strings.ToUpper(cast.ToString(props[keyPattern])))
	switch p {
	case "":
		return PatternUp, nil
	case PatternUp, PatternDown, PatternUpOrDown:
		return p, nil
	default:
		return "", fmt.Errorf("unsupported pattern %q", p)
	}
}

// split groups rows into one time-ordered series per dimension combination.
func (s seriesSpec) split(table *models.DataTable) ([]series, error) {
	if table == nil {
		return nil, nil
	}
	groups := make(map[string]*series)
	order := make([]string, 0)
	for i, row := range table.Rows {
		ts, err := row.Int64(s.timestampCol)
		if err != nil {
			return nil, fmt.Errorf("row %d timestamp: %w", i, err)
		}
		v, err := row.Float(s.metricCol)
		if err != nil {
			return nil, fmt.Errorf("row %d metric: %w", i, err)
		}
		dims := make(map[string]string, len(s.dimensions))
		key := ""
		for _, d := range s.dimensions {
			dims[d] = row.String(d)
			key += d + "=" + dims[d] + ";"
		}
		g, ok := groups[key]
		if !ok {
			g = &series{dims: dims}
			groups[key] = g
			order = append(order, key)
		}
		g.points = append(g.points, point{ts: ts, value: v})
	}

	out := make([]series, 0, len(order))
	for _, key := range order {
		g := groups[key]
		sort.SliceStable(g.points, func(i, j int) bool { return g.points[i].ts < g.points[j].ts })
		out = append(out, *g)
	}
	return out, nil
}

// newPointAnomaly builds an anomaly spanning one granularity bucket with a single raw finding.
func (s seriesSpec) newPointAnomaly(ser series, p point, baseline, score float64) *models.Anomaly {
	end := p.ts + s.granularity.Milliseconds()
	weight := relativeChange(p.value, baseline)
	dims := make(map[string]string, len(ser.dims))
	for k, v := range ser.dims {
		dims[k] = v
	}
	return &models.Anomaly{
		StartTime:      p.ts,
		EndTime:        end,
		Metric:         s.metricCol,
		Dimensions:     dims,
		Weight:         weight,
		Score:          score,
		AvgCurrentVal:  p.value,
		AvgBaselineVal: baseline,
		RawAnomalies: []models.RawAnomaly{{
			StartTime: p.ts,
			EndTime:   end,
			Weight:    weight,
			Score:     score,
			Current:   p.value,
			Baseline:  baseline,
		}},
	}
}

func inWindow(interval models.Interval, ts int64) bool {
	if !interval.Valid() {
		return true
	}
	return ts >= interval.StartMillis() && ts < interval.EndMillis()
}

func relativeChange(current, baseline float64) float64 {
	if baseline == 0 {
		return 0
	}
	return (current - baseline) / math.Abs(baseline)
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total / float64(len(values))
}

func stdDev(values []float64, mean float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		diff := v - mean
		sum += diff * diff
	}
	return math.Sqrt(sum / float64(len(values)))
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(math.Round(0.5 * float64(len(sorted)-1)))
	return sorted[idx]
}

func meanAbsoluteDeviation(values []float64, center float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += math.Abs(v - center)
	}
	return sum / float64(len(values))
}

func values(points []point) []float64 {
	out := make([]float64, len(points))
	for i, p := range points {
		out[i] = p.value
	}
	return out
}

func exceeds(pattern Pattern, score, threshold float64) bool {
	switch pattern {
	case PatternDown:
		return score <= -threshold
	case PatternUpOrDown:
		return math.Abs(score) >= threshold
	default:
		return score >= threshold
	}
}
