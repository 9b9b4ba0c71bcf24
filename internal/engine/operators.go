package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cast"

	"github.com/miradorstack/mirador-detect/internal/datasource"
	"github.com/miradorstack/mirador-detect/internal/models"
	"github.com/miradorstack/mirador-detect/internal/registry"
	"github.com/miradorstack/mirador-detect/internal/utils"
)

// Built-in node types.
const (
	TypeDataFetcher     = "DataFetcher"
	TypeAnomalyDetector = "AnomalyDetector"
	TypeEventTrigger    = "EventTrigger"
	TypeEnumerator      = "Enumerator"
	TypeForkJoin        = "ForkJoin"
)

// Input, output and param names used by the built-in operators.
const (
	InputCurrent     = "current"
	InputEnumeration = "enumeration"

	OutputCurrentData = "currentData"
	OutputAnomalies   = "anomalies"
	OutputEvents      = "events"
	OutputEnumeration = "enumeration"
	OutputResults     = "results"

	ParamRoot          = "root"
	ParamMergeMaxGap   = "mergeMaxGap"
	ParamMinDuration   = "minDuration"
	ParamMaxDuration   = "maxDuration"
	ParamEventDuration = "eventDuration"
	ParamItems         = "items"
	ParamIDKeys        = "idKeys"
	ParamDimensions    = "dimensions"
	ParamParallelism   = "parallelism"
)

// DataFetcher resolves a named data source and fetches a table from it.
type DataFetcher interface {
	Fetch(ctx context.Context, source string, req datasource.Request) (*models.DataTable, error)
}

// EnumerationSyncer resolves proposed enumeration items to persisted identities.
type EnumerationSyncer interface {
	Sync(ctx context.Context, items []*models.EnumerationItem, idKeys []string, alertID int64) ([]*models.EnumerationItem, error)
}

// Dependencies are the collaborators the built-in operators need.
type Dependencies struct {
	Registry            *registry.Registry
	Fetcher             DataFetcher
	Syncer              EnumerationSyncer
	MergeMaxGap         time.Duration
	ForkJoinParallelism int
}

// RegisterBuiltins registers the built-in node types on f.
func RegisterBuiltins(f *OperatorFactory, deps Dependencies) {
	f.Register(TypeDataFetcher, func() Operator { return &DataFetcherOperator{deps: deps} })
	f.Register(TypeAnomalyDetector, func() Operator { return &AnomalyDetectorOperator{deps: deps} })
	f.Register(TypeEventTrigger, func() Operator { return &EventTriggerOperator{deps: deps} })
	f.Register(TypeEnumerator, func() Operator { return &EnumeratorOperator{} })
	f.Register(TypeForkJoin, func() Operator { return &ForkJoinOperator{deps: deps} })
}

// DataFetcherOperator loads the current table for the detection window.
//
// Component spec: dataSource, table, query, metric, properties, filters,
// granularity, and lookback (extra history before the window start).
type DataFetcherOperator struct {
	BaseOperator
	deps Dependencies
}

func (o *DataFetcherOperator) Execute(ctx context.Context) error {
	if o.deps.Fetcher == nil {
		return fmt.Errorf("no data fetcher configured")
	}
	spec := o.ComponentSpec()
	source := cast.ToString(spec["dataSource"])
	if source == "" {
		return utils.InvalidArgument("data fetcher", "node %q: component.dataSource is required", o.PlanNode().Name)
	}
	lookback, err := optionalDuration(spec, "lookback")
	if err != nil {
		return err
	}
	granularity, err := optionalDuration(spec, "granularity")
	if err != nil {
		return err
	}

	interval := o.Interval()
	table := cast.ToString(spec["table"])
	slice := models.NewMetricSlice(cast.ToString(spec["metric"]), table,
		interval.StartMillis()-lookback.Milliseconds(), interval.EndMillis()).
		WithFilters(cast.ToStringMapStringSlice(spec["filters"])).
		WithGranularity(granularity)

	data, err := o.deps.Fetcher.Fetch(ctx, source, datasource.Request{
		Table:      table,
		Query:      cast.ToString(spec["query"]),
		Properties: cast.ToStringMapString(spec["properties"]),
		Slice:      slice,
	})
	if err != nil {
		return fmt.Errorf("fetch %s: %w", source, err)
	}
	o.SetOutput(OutputCurrentData, &TabularResult{Table: data})
	return nil
}

// AnomalyDetectorOperator runs a registered detector over its current input and
// merges adjacent findings.
type AnomalyDetectorOperator struct {
	BaseOperator
	deps Dependencies
}

func (o *AnomalyDetectorOperator) Execute(ctx context.Context) error {
	node := o.PlanNode()
	typ, err := o.componentType()
	if err != nil {
		return err
	}
	table, err := o.currentTable()
	if err != nil {
		return err
	}
	if o.deps.Registry == nil {
		return fmt.Errorf("no registry configured")
	}

	detector, err := o.deps.Registry.BuildDetector(typ, registry.DetectorContext{Properties: o.ComponentSpec()})
	if err != nil {
		return err
	}
	raw, err := detector.Detect(ctx, registry.DetectionInput{Interval: o.Interval(), Current: table})
	if err != nil {
		return fmt.Errorf("detector %s: %w", typ, err)
	}

	gap := o.deps.MergeMaxGap
	if v, ok := o.Param(ParamMergeMaxGap); ok {
		if gap, err = cast.ToDurationE(v); err != nil {
			return fmt.Errorf("parse %s: %w", ParamMergeMaxGap, err)
		}
	}
	filter, err := o.durationFilter()
	if err != nil {
		return err
	}

	anomalies := filter.Apply(MergeRaw(raw, gap, AverageMergeModel{}))
	o.stamp(anomalies, node.Name)
	o.SetOutput(OutputAnomalies, &AnomalyListResult{Anomalies: anomalies})
	return nil
}

func (o *AnomalyDetectorOperator) durationFilter() (DurationFilter, error) {
	var f DurationFilter
	var err error
	if v, ok := o.Param(ParamMinDuration); ok {
		if f.Min, err = cast.ToDurationE(v); err != nil {
			return f, fmt.Errorf("parse %s: %w", ParamMinDuration, err)
		}
	}
	if v, ok := o.Param(ParamMaxDuration); ok {
		if f.Max, err = cast.ToDurationE(v); err != nil {
			return f, fmt.Errorf("parse %s: %w", ParamMaxDuration, err)
		}
	}
	return f, nil
}

// EventTriggerOperator runs a registered trigger and reports each event as a point anomaly.
type EventTriggerOperator struct {
	BaseOperator
	deps Dependencies
}

func (o *EventTriggerOperator) Execute(ctx context.Context) error {
	node := o.PlanNode()
	typ, err := o.componentType()
	if err != nil {
		return err
	}
	table, err := o.currentTable()
	if err != nil {
		return err
	}
	if o.deps.Registry == nil {
		return fmt.Errorf("no registry configured")
	}
	trigger, err := o.deps.Registry.BuildTrigger(typ, registry.TriggerContext{Properties: o.ComponentSpec()})
	if err != nil {
		return err
	}
	events, err := trigger.Trigger(ctx, table)
	if err != nil {
		return fmt.Errorf("trigger %s: %w", typ, err)
	}

	width := time.Minute
	if v, ok := o.Param(ParamEventDuration); ok {
		if width, err = cast.ToDurationE(v); err != nil {
			return fmt.Errorf("parse %s: %w", ParamEventDuration, err)
		}
	}
	anomalies := make([]*models.Anomaly, 0, len(events))
	for _, ev := range events {
		anomalies = append(anomalies, &models.Anomaly{
			StartTime:     ev.Timestamp,
			EndTime:       ev.Timestamp + width.Milliseconds(),
			Dimensions:    ev.Dimensions,
			AvgCurrentVal: ev.Value,
			Message:       ev.Message,
		})
	}
	o.stamp(anomalies, node.Name)
	o.SetOutput(OutputEvents, &AnomalyListResult{Anomalies: anomalies})
	return nil
}

func (b *BaseOperator) componentType() (string, error) {
	v, _ := b.Param(PropType)
	typ := cast.ToString(v)
	if typ == "" {
		return "", utils.InvalidArgument("operator", "node %q: param %q is required", b.PlanNode().Name, PropType)
	}
	return typ, nil
}

func (b *BaseOperator) currentTable() (*models.DataTable, error) {
	in, ok := b.Input(InputCurrent)
	if !ok {
		return nil, fmt.Errorf("node %q: input %q missing", b.PlanNode().Name, InputCurrent)
	}
	tab, ok := in.(*TabularResult)
	if !ok {
		return nil, fmt.Errorf("node %q: input %q is %T, want tabular", b.PlanNode().Name, InputCurrent, in)
	}
	return tab.Table, nil
}

// stamp tags anomalies with the producing component and, when known, the alert.
func (b *BaseOperator) stamp(anomalies []*models.Anomaly, component string) {
	var alertID int64
	if v, ok := b.Property(PropAlertID); ok {
		alertID = cast.ToInt64(v)
	}
	for _, a := range anomalies {
		a.SetProperty(models.PropDetectorComponentName, component)
		if alertID > 0 {
			a.AlertID = alertID
		}
	}
}

func optionalDuration(spec map[string]any, key string) (time.Duration, error) {
	v, ok := spec[key]
	if !ok {
		return 0, nil
	}
	d, err := cast.ToDurationE(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}
