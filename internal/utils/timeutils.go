package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseRFC3339 returns a time from the provided string or an error.
func ParseRFC3339(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time: %w", err)
	}
	return t, nil
}

// TimeConverter translates between a backend time representation and epoch milliseconds,
// the representation used throughout the pipeline.
type TimeConverter interface {
	Convert(value string) (int64, error)
	ConvertMillis(millis int64) string
}

// EpochTimeConverter handles numeric epoch values in a fixed unit.
type EpochTimeConverter struct {
	Unit time.Duration
}

// Convert parses an epoch value expressed in the converter unit.
func (c EpochTimeConverter) Convert(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("empty time value")
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		return n * c.unitMillis(), nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("parse epoch %q: %w", value, err)
	}
	return int64(f * float64(c.unitMillis())), nil
}

// ConvertMillis renders epoch milliseconds in the converter unit, truncating.
func (c EpochTimeConverter) ConvertMillis(millis int64) string {
	return strconv.FormatInt(millis/c.unitMillis(), 10)
}

func (c EpochTimeConverter) unitMillis() int64 {
	ms := c.Unit.Milliseconds()
	if ms <= 0 {
		return 1
	}
	return ms
}

// LayoutTimeConverter handles formatted timestamps such as "2006-01-02 15:04:05".
type LayoutTimeConverter struct {
	Layout   string
	Location *time.Location
}

// Convert parses value with the configured layout.
func (c LayoutTimeConverter) Convert(value string) (int64, error) {
	t, err := time.ParseInLocation(c.Layout, strings.TrimSpace(value), c.location())
	if err != nil {
		return 0, fmt.Errorf("parse time %q: %w", value, err)
	}
	return t.UnixMilli(), nil
}

// ConvertMillis formats epoch milliseconds with the configured layout.
func (c LayoutTimeConverter) ConvertMillis(millis int64) string {
	return time.UnixMilli(millis).In(c.location()).Format(c.Layout)
}

func (c LayoutTimeConverter) location() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}

var epochUnits = map[string]time.Duration{
	"MILLISECONDS": time.Millisecond,
	"SECONDS":      time.Second,
	"MINUTES":      time.Minute,
	"HOURS":        time.Hour,
	"DAYS":         24 * time.Hour,
}

// NewTimeConverter builds a converter from a format string. "EPOCH" or "EPOCH|<UNIT>" yields an
// epoch converter (milliseconds by default); anything else is treated as a Go time layout.
func NewTimeConverter(format string) (TimeConverter, error) {
	format = strings.TrimSpace(format)
	if format == "" {
		return EpochTimeConverter{Unit: time.Millisecond}, nil
	}
	kind, unit, hasUnit := strings.Cut(format, "|")
	if !strings.EqualFold(kind, "EPOCH") {
		return LayoutTimeConverter{Layout: format}, nil
	}
	if !hasUnit {
		return EpochTimeConverter{Unit: time.Millisecond}, nil
	}
	d, ok := epochUnits[strings.ToUpper(strings.TrimSpace(unit))]
	if !ok {
		return nil, InvalidArgument("time converter", "unsupported epoch unit %q", unit)
	}
	return EpochTimeConverter{Unit: d}, nil
}
