package engine

import (
	"fmt"
	"maps"
	"sort"
	"time"

	"github.com/miradorstack/mirador-detect/internal/models"
)

// MergeModel derives a merged anomaly's statistics from its raw findings.
type MergeModel interface {
	Merge(a *models.Anomaly)
}

// AverageMergeModel sets weight and score to the mean over raw findings, and
// 0 when there are none.
type AverageMergeModel struct{}

func (AverageMergeModel) Merge(a *models.Anomaly) {
	if a == nil {
		return
	}
	var weight, score, current, baseline float64
	if n := len(a.RawAnomalies); n > 0 {
		for _, raw := range a.RawAnomalies {
			weight += raw.Weight
			score += raw.Score
			current += raw.Current
			baseline += raw.Baseline
		}
		weight /= float64(n)
		score /= float64(n)
		current /= float64(n)
		baseline /= float64(n)
	}
	a.Weight = weight
	a.Score = score
	a.AvgCurrentVal = current
	a.AvgBaselineVal = baseline
	a.Message = fmt.Sprintf("weight: %.2f, score: %.2f", weight, score)
}

// MergeRaw folds anomalies of the same metric and dimensions whose gap is at
// most maxGap into merged anomalies, then applies model. Input is not modified.
func MergeRaw(anomalies []*models.Anomaly, maxGap time.Duration, model MergeModel) []*models.Anomaly {
	if model == nil {
		model = AverageMergeModel{}
	}
	groups := make(map[string][]*models.Anomaly)
	var keys []string
	for _, a := range anomalies {
		k := a.DimensionKey()
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], a)
	}

	gap := maxGap.Milliseconds()
	var merged []*models.Anomaly
	for _, k := range keys {
		group := groups[k]
		sort.SliceStable(group, func(i, j int) bool { return group[i].StartTime < group[j].StartTime })

		var current *models.Anomaly
		for _, a := range group {
			if current != nil && a.StartTime-current.EndTime <= gap {
				if a.EndTime > current.EndTime {
					current.EndTime = a.EndTime
				}
				current.RawAnomalies = append(current.RawAnomalies, rawOf(a)...)
				continue
			}
			if current != nil {
				model.Merge(current)
				merged = append(merged, current)
			}
			current = copyAnomaly(a)
			current.RawAnomalies = rawOf(a)
		}
		if current != nil {
			model.Merge(current)
			merged = append(merged, current)
		}
	}
	return merged
}

// DurationFilter drops anomalies shorter than Min or longer than Max. Zero disables a bound.
type DurationFilter struct {
	Min time.Duration
	Max time.Duration
}

// Apply returns the anomalies that pass the filter.
func (f DurationFilter) Apply(anomalies []*models.Anomaly) []*models.Anomaly {
	if f.Min <= 0 && f.Max <= 0 {
		return anomalies
	}
	out := anomalies[:0:0]
	for _, a := range anomalies {
		d := time.Duration(a.DurationMillis()) * time.Millisecond
		if f.Min > 0 && d < f.Min {
			continue
		}
		if f.Max > 0 && d > f.Max {
			continue
		}
		out = append(out, a)
	}
	return out
}

func rawOf(a *models.Anomaly) []models.RawAnomaly {
	if len(a.RawAnomalies) > 0 {
		return append([]models.RawAnomaly(nil), a.RawAnomalies...)
	}
	return []models.RawAnomaly{{
		StartTime: a.StartTime,
		EndTime:   a.EndTime,
		Weight:    a.Weight,
		Score:     a.Score,
		Current:   a.AvgCurrentVal,
		Baseline:  a.AvgBaselineVal,
	}}
}

func copyAnomaly(a *models.Anomaly) *models.Anomaly {
	c := *a
	c.Dimensions = maps.Clone(a.Dimensions)
	c.Properties = maps.Clone(a.Properties)
	c.RawAnomalies = nil
	return &c
}
