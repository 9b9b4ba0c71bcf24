package models

import "sort"

// PropDetectorComponentName is the anomaly property holding the producing node's component name.
const PropDetectorComponentName = "detectorComponentName"

// RawAnomaly is one detector finding before merging.
type RawAnomaly struct {
	StartTime int64   `json:"startTime"`
	EndTime   int64   `json:"endTime"`
	Weight    float64 `json:"weight"`
	Score     float64 `json:"score"`
	Current   float64 `json:"current"`
	Baseline  float64 `json:"baseline"`
}

// Anomaly is a merged anomaly aggregated from one or more raw findings.
type Anomaly struct {
	Entity
	AlertID           int64             `gorm:"index" json:"alertId"`
	EnumerationItemID *int64            `gorm:"index" json:"enumerationItemId,omitempty"`
	StartTime         int64             `gorm:"index" json:"startTime"`
	EndTime           int64             `gorm:"index" json:"endTime"`
	Metric            string            `json:"metric,omitempty"`
	Dimensions        map[string]string `gorm:"serializer:json" json:"dimensions,omitempty"`
	Properties        map[string]string `gorm:"serializer:json" json:"properties,omitempty"`
	Child             bool              `json:"child"`
	Weight            float64           `json:"weight"`
	Score             float64           `json:"score"`
	AvgCurrentVal     float64           `json:"avgCurrentVal"`
	AvgBaselineVal    float64           `json:"avgBaselineVal"`
	Message           string            `json:"message,omitempty"`
	RawAnomalies      []RawAnomaly      `gorm:"serializer:json" json:"rawAnomalies,omitempty"`
}

// AnomalyFilter selects anomalies by alert and enumeration item.
type AnomalyFilter struct {
	AlertID           *int64
	EnumerationItemID *int64
}

// ComponentName returns the detector component that produced the anomaly.
func (a *Anomaly) ComponentName() string {
	if a.Properties == nil {
		return ""
	}
	return a.Properties[PropDetectorComponentName]
}

// SetProperty sets a property, allocating the map when needed.
func (a *Anomaly) SetProperty(key, value string) {
	if a.Properties == nil {
		a.Properties = make(map[string]string)
	}
	a.Properties[key] = value
}

// DimensionKey renders the dimensions in a stable form for grouping.
func (a *Anomaly) DimensionKey() string {
	keys := make([]string, 0, len(a.Dimensions))
	for k := range a.Dimensions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := a.Metric
	for _, k := range keys {
		out += "|" + k + "=" + a.Dimensions[k]
	}
	return out
}

// DurationMillis returns the anomaly length.
func (a *Anomaly) DurationMillis() int64 {
	return a.EndTime - a.StartTime
}
