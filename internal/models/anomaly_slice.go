package models

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
)

// AnomalySlice is an immutable query-by-example selector over anomalies. The zero
// value is not unbounded; use NewAnomalySlice.
type AnomalySlice struct {
	detectionID             int64
	start                   int64
	end                     int64
	filters                 map[string][]string
	detectionComponentNames []string
	isTaggedAsChild         bool
}

// NewAnomalySlice returns a slice matching any detection over an unbounded window.
func NewAnomalySlice() AnomalySlice {
	return AnomalySlice{detectionID: -1, start: -1, end: -1}
}

func (s AnomalySlice) DetectionID() int64                { return s.detectionID }
func (s AnomalySlice) Start() int64                      { return s.start }
func (s AnomalySlice) End() int64                        { return s.end }
func (s AnomalySlice) IsTaggedAsChild() bool             { return s.isTaggedAsChild }
func (s AnomalySlice) DetectionComponentNames() []string { return slices.Clone(s.detectionComponentNames) }

// Filters returns a copy of the dimension filters.
func (s AnomalySlice) Filters() map[string][]string {
	out := make(map[string][]string, len(s.filters))
	for k, v := range s.filters {
		out[k] = slices.Clone(v)
	}
	return out
}

func (s AnomalySlice) WithDetectionID(id int64) AnomalySlice {
	c := s.copy()
	c.detectionID = id
	return c
}

func (s AnomalySlice) WithStart(start int64) AnomalySlice {
	c := s.copy()
	c.start = start
	return c
}

func (s AnomalySlice) WithEnd(end int64) AnomalySlice {
	c := s.copy()
	c.end = end
	return c
}

// WithFilters replaces the dimension filters.
func (s AnomalySlice) WithFilters(filters map[string][]string) AnomalySlice {
	c := s.copy()
	c.filters = make(map[string][]string, len(filters))
	for k, v := range filters {
		c.filters[k] = slices.Clone(v)
	}
	return c
}

// WithFilter adds allowed values for one dimension.
func (s AnomalySlice) WithFilter(dimension string, values ...string) AnomalySlice {
	c := s.copy()
	c.filters[dimension] = append(c.filters[dimension], values...)
	return c
}

func (s AnomalySlice) WithDetectionComponentNames(names []string) AnomalySlice {
	c := s.copy()
	c.detectionComponentNames = slices.Clone(names)
	return c
}

func (s AnomalySlice) WithIsTaggedAsChild(child bool) AnomalySlice {
	c := s.copy()
	c.isTaggedAsChild = child
	return c
}

// Match reports whether the anomaly falls in the slice.
//
// Time uses half-open overlap with -1 meaning unbounded. A dimension filter only
// applies when the anomaly carries that dimension. When component names are set
// they decide the match and the child tag is ignored, since entity anomalies can
// be both root and child.
func (s AnomalySlice) Match(a *Anomaly) bool {
	if a == nil {
		return false
	}
	if s.start >= 0 && a.EndTime <= s.start {
		return false
	}
	if s.end >= 0 && a.StartTime >= s.end {
		return false
	}

	for dim, allowed := range s.filters {
		value, ok := a.Dimensions[dim]
		if !ok {
			continue
		}
		if !slices.Contains(allowed, value) {
			return false
		}
	}

	if len(s.detectionComponentNames) > 0 {
		name, ok := a.Properties[PropDetectorComponentName]
		return ok && slices.Contains(s.detectionComponentNames, name)
	}
	return s.isTaggedAsChild == a.Child
}

// Equal compares every field. Filter value order is significant.
func (s AnomalySlice) Equal(o AnomalySlice) bool {
	return s.detectionID == o.detectionID &&
		s.start == o.start &&
		s.end == o.end &&
		s.isTaggedAsChild == o.isTaggedAsChild &&
		slices.Equal(s.detectionComponentNames, o.detectionComponentNames) &&
		maps.EqualFunc(s.filters, o.filters, slices.Equal[[]string])
}

func (s AnomalySlice) String() string {
	keys := make([]string, 0, len(s.filters))
	for k := range s.filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+strings.Join(s.filters[k], ","))
	}
	return fmt.Sprintf("AnomalySlice{detectionId=%d, start=%d, end=%d, filters=[%s], components=%v, child=%t}",
		s.detectionID, s.start, s.end, strings.Join(parts, "; "), s.detectionComponentNames, s.isTaggedAsChild)
}

func (s AnomalySlice) copy() AnomalySlice {
	c := s
	c.filters = make(map[string][]string, len(s.filters))
	for k, v := range s.filters {
		c.filters[k] = slices.Clone(v)
	}
	c.detectionComponentNames = slices.Clone(s.detectionComponentNames)
	return c
}
