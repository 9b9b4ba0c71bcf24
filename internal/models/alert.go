package models

// PlanNode is one configured step of a detection pipeline.
type PlanNode struct {
	Name    string         `json:"name" yaml:"name" validate:"required"`
	Type    string         `json:"type" yaml:"type" validate:"required"`
	Params  map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	Inputs  []InputRef     `json:"inputs,omitempty" yaml:"inputs,omitempty" validate:"dive"`
	Outputs []OutputRef    `json:"outputs,omitempty" yaml:"outputs,omitempty" validate:"dive"`
}

// InputRef binds TargetProperty of the consuming node to SourceProperty published by SourcePlanNode.
type InputRef struct {
	TargetProperty string `json:"targetProperty" yaml:"targetProperty" validate:"required"`
	SourcePlanNode string `json:"sourcePlanNode" yaml:"sourcePlanNode" validate:"required"`
	SourceProperty string `json:"sourceProperty" yaml:"sourceProperty" validate:"required"`
}

// OutputRef publishes the operator's internal OutputKey under OutputName.
type OutputRef struct {
	OutputKey  string `json:"outputKey" yaml:"outputKey" validate:"required"`
	OutputName string `json:"outputName" yaml:"outputName" validate:"required"`
}

// Alert owns a detection plan and its schedule.
type Alert struct {
	Entity         `yaml:",inline"`
	Name           string     `gorm:"uniqueIndex;not null" json:"name" yaml:"name" validate:"required"`
	Description    string     `json:"description,omitempty" yaml:"description,omitempty"`
	Cron           string     `json:"cron,omitempty" yaml:"cron,omitempty"`
	Active         bool       `json:"active" yaml:"active"`
	LookbackMillis int64      `json:"lookbackMillis,omitempty" yaml:"lookbackMillis,omitempty" validate:"gte=0"`
	LastTimestamp  int64      `json:"lastTimestamp,omitempty" yaml:"-"`
	Nodes          []PlanNode `gorm:"serializer:json" json:"nodes" yaml:"nodes" validate:"required,min=1,dive"`
}
