package models

// RunRequest asks for one detection run. AlertName is used when AlertID is zero.
type RunRequest struct {
	AlertID   int64
	AlertName string
	Interval  Interval
}

// RunSummary is what a detection run produced.
type RunSummary struct {
	RunID            string             `json:"runId"`
	AlertID          int64              `json:"alertId"`
	Interval         Interval           `json:"interval"`
	Anomalies        []*Anomaly         `json:"anomalies"`
	EnumerationItems []*EnumerationItem `json:"enumerationItems,omitempty"`
	Created          int                `json:"created"`
	Merged           int                `json:"merged"`
}
