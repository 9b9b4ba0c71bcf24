package detectors

import (
	"context"
	"fmt"

	"github.com/spf13/cast"

	"github.com/miradorstack/mirador-detect/internal/models"
	"github.com/miradorstack/mirador-detect/internal/registry"
)

// ZScoreDetector flags points whose z-score against their own series exceeds a threshold.
type ZScoreDetector struct {
	spec      seriesSpec
	threshold float64
	pattern   Pattern
}

// NewZScoreDetector builds a detector from a component spec. The threshold defaults to 2.5.
func NewZScoreDetector(props map[string]any) (*ZScoreDetector, error) {
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
		threshold = 2.5
	}
	return &ZScoreDetector{spec: spec, threshold: threshold, pattern: pattern}, nil
}

// Detect scores every in-window point; statistics use the whole series as baseline.
func (d *ZScoreDetector) Detect(_ context.Context, input registry.DetectionInput) ([]*models.Anomaly, error) {
	groups, err := d.spec.split(input.Current)
	if err != nil {
		return nil, err
	}

	var anomalies []*models.Anomaly
	for _, ser := range groups {
		vals := values(ser.points)
		m := mean(vals)
		sd := stdDev(vals, m)
		if sd == 0 {
			sd = 0.01
		}
		for _, p := range ser.points {
			if !inWindow(input.Interval, p.ts) {
				continue
			}
			score := (p.value - m) / sd
			if exceeds(d.pattern, score, d.threshold) {
				anomalies = append(anomalies, d.spec.newPointAnomaly(ser, p, m, score))
			}
		}
	}
	return anomalies, nil
}
