package detectors

import (
	"context"
	"fmt"
	"math"

	"github.com/spf13/cast"

	"github.com/miradorstack/mirador-detect/internal/models"
	"github.com/miradorstack/mirador-detect/internal/registry"
)

type bounds struct {
	min, max       float64
	hasMin, hasMax bool
}

func parseBounds(props map[string]any) (bounds, error) {
	var b bounds
	if raw, ok := props[keyMin]; ok {
		v, err := cast.ToFloat64E(raw)
		if err != nil {
			return b, fmt.Errorf("parse min: %w", err)
		}
		b.min, b.hasMin = v, true
	}
	if raw, ok := props[keyMax]; ok {
		v, err := cast.ToFloat64E(raw)
		if err != nil {
			return b, fmt.Errorf("parse max: %w", err)
		}
		b.max, b.hasMax = v, true
	}
	if !b.hasMin && !b.hasMax {
		return b, fmt.Errorf("at least one of min or max is required")
	}
	if b.hasMin && b.hasMax && b.min > b.max {
		return b, fmt.Errorf("min %v greater than max %v", b.min, b.max)
	}
	return b, nil
}

// violation returns the breached bound and whether v lies outside the bounds.
func (b bounds) violation(v float64) (float64, bool) {
	if b.hasMax && v > b.max {
		return b.max, true
	}
	if b.hasMin && v < b.min {
		return b.min, true
	}
	return 0, false
}

// ThresholdDetector flags points outside static min/max bounds.
type ThresholdDetector struct {
	spec   seriesSpec
	bounds bounds
}

// NewThresholdDetector builds a detector from a component spec.
func NewThresholdDetector(props map[string]any) (*ThresholdDetector, error) {
	spec, err := parseSeriesSpec(props)
	if err != nil {
		return nil, err
	}
	b, err := parseBounds(props)
	if err != nil {
		return nil, err
	}
	return &ThresholdDetector{spec: spec, bounds: b}, nil
}

func (d *ThresholdDetector) Detect(_ context.Context, input registry.DetectionInput) ([]*models.Anomaly, error) {
	groups, err := d.spec.split(input.Current)
	if err != nil {
		return nil, err
	}
	var anomalies []*models.Anomaly
	for _, ser := range groups {
		for _, p := range ser.points {
			if !inWindow(input.Interval, p.ts) {
				continue
			}
			bound, bad := d.bounds.violation(p.value)
			if !bad {
				continue
			}
			anomalies = append(anomalies, d.spec.newPointAnomaly(ser, p, bound, math.Abs(p.value-bound)))
		}
	}
	return anomalies, nil
}

// ThresholdTrigger emits an event for every row outside static bounds.
type ThresholdTrigger struct {
	spec   seriesSpec
	bounds bounds
}

// NewThresholdTrigger builds a trigger from a component spec.
func NewThresholdTrigger(props map[string]any) (*ThresholdTrigger, error) {
	spec, err := parseSeriesSpec(props)
	if err != nil {
		return nil, err
	}
	b, err := parseBounds(props)
	if err != nil {
		return nil, err
	}
	return &ThresholdTrigger{spec: spec, bounds: b}, nil
}

func (t *ThresholdTrigger) Trigger(_ context.Context, table *models.DataTable) ([]registry.TriggerEvent, error) {
	groups, err := t.spec.split(table)
	if err != nil {
		return nil, err
	}
	var events []registry.TriggerEvent
	for _, ser := range groups {
		for _, p := range ser.points {
			bound, bad := t.bounds.violation(p.value)
			if !bad {
				continue
			}
			events = append(events, registry.TriggerEvent{
				Timestamp:  p.ts,
				Value:      p.value,
				Dimensions: ser.dims,
				Message:    fmt.Sprintf("%s=%.2f breached bound %.2f", t.spec.metricCol, p.value, bound),
			})
		}
	}
	return events, nil
}
