package detectors

import (
	"context"
	"fmt"

	"github.com/spf13/cast"

	"github.com/miradorstack/mirador-detect/internal/models"
	"github.com/miradorstack/mirador-detect/internal/registry"
)

// MADDetector flags points far from the series median, measured in mean absolute deviations.
// It tolerates spiky series better than the z-score detector.
type MADDetector struct {
	spec      seriesSpec
	threshold float64
	pattern   Pattern
}

// NewMADDetector builds a detector from a component spec. The threshold defaults to 3.
func NewMADDetector(props map[string]any) (*MADDetector, error) {
	spec, err := parseSeriesSpec(props)
	if err != nil {
		return nil, err
	}
	pattern, err := parsePattern(props)
	if err != nil {
		return nil, err
	}
	threshold, err := cast.ToFloat64E(props[keyThreshold])
	if err != nil {
		return nil, fmt.Errorf("parse threshold: %w", err)
	}
	if threshold <= 0 {
		threshold = 3
	}
	return &MADDetector{spec: spec, threshold: threshold, pattern: pattern}, nil
}

func (d *MADDetector) Detect(_ context.Context, input registry.DetectionInput) ([]*models.Anomaly, error) {
	groups, err := d.spec.split(input.Current)
	if err != nil {
		return nil, err
	}

	var anomalies []*models.Anomaly
	for _, ser := range groups {
		vals := values(ser.points)
		med := median(vals)
		mad := meanAbsoluteDeviation(vals, med)
		if mad == 0 {
			mad = 1
		}
		for _, p := range ser.points {
			if !inWindow(input.Interval, p.ts) {
				continue
			}
			score := (p.value - med) / mad
			if exceeds(d.pattern, score, d.threshold) {
				anomalies = append(anomalies, d.spec.newPointAnomaly(ser, p, med, score))
			}
		}
	}
	return anomalies, nil
}
