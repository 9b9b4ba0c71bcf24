package models

import (
	"slices"
	"time"
)

// MetricSlice describes which metric data points a data source should return.
// Values are immutable; the With methods return modified copies.
type MetricSlice struct {
	metric      string
	dataset     string
	start       int64
	end         int64
	filters     map[string][]string
	granularity time.Duration
}

// NewMetricSlice builds a slice for metric in dataset over [start, end) epoch millis.
func NewMetricSlice(metric, dataset string, start, end int64) MetricSlice {
	return MetricSlice{metric: metric, dataset: dataset, start: start, end: end}
}

func (s MetricSlice) Metric() string             { return s.metric }
func (s MetricSlice) Dataset() string            { return s.dataset }
func (s MetricSlice) Start() int64               { return s.start }
func (s MetricSlice) End() int64                 { return s.end }
func (s MetricSlice) Granularity() time.Duration { return s.granularity }

// Filters returns a copy of the dimension filters.
func (s MetricSlice) Filters() map[string][]string {
	out := make(map[string][]string, len(s.filters))
	for k, v := range s.filters {
		out[k] = slices.Clone(v)
	}
	return out
}

// Interval returns the slice window.
func (s MetricSlice) Interval() Interval {
	return NewInterval(s.start, s.end)
}

func (s MetricSlice) WithMetric(metric string) MetricSlice {
	c := s.copy()
	c.metric = metric
	return c
}

func (s MetricSlice) WithDataset(dataset string) MetricSlice {
	c := s.copy()
	c.dataset = dataset
	return c
}

func (s MetricSlice) WithStart(start int64) MetricSlice {
	c := s.copy()
	c.start = start
	return c
}

func (s MetricSlice) WithEnd(end int64) MetricSlice {
	c := s.copy()
	c.end = end
	return c
}

func (s MetricSlice) WithFilters(filters map[string][]string) MetricSlice {
	c := s.copy()
	c.filters = make(map[string][]string, len(filters))
	for k, v := range filters {
		c.filters[k] = slices.Clone(v)
	}
	return c
}

func (s MetricSlice) WithGranularity(granularity time.Duration) MetricSlice {
	c := s.copy()
	c.granularity = granularity
	return c
}

// MatchRow reports whether a row satisfies the slice filters. Rows lacking a
// filtered column do not match.
func (s MetricSlice) MatchRow(r Row) bool {
	for col, allowed := range s.filters {
		if _, ok := r[col]; !ok || !slices.Contains(allowed, r.String(col)) {
			return false
		}
	}
	return true
}

func (s MetricSlice) copy() MetricSlice {
	c := s
	c.filters = make(map[string][]string, len(s.filters))
	for k, v := range s.filters {
		c.filters[k] = slices.Clone(v)
	}
	return c
}
