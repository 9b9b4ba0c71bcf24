package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-detect/internal/datasource"
	"github.com/miradorstack/mirador-detect/internal/models"
	"github.com/miradorstack/mirador-detect/internal/registry"
	"github.com/miradorstack/mirador-detect/internal/utils"
)

type funcOperator struct {
	BaseOperator
	run func(ctx context.Context, o *funcOperator) error
}

func (o *funcOperator) Execute(ctx context.Context) error { return o.run(ctx, o) }

type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) add(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, name)
}

// emitFactory registers type "emit": every input must be present, then it
// publishes a one-row table under "out".
func emitFactory(rec *recorder) *OperatorFactory {
	f := NewOperatorFactory()
	f.Register("emit", func() Operator {
		return &funcOperator{run: func(_ context.Context, o *funcOperator) error {
			node := o.PlanNode()
			for _, in := range node.Inputs {
				if _, ok := o.Input(in.TargetProperty); !ok {
					return errors.New("input not ready: " + in.TargetProperty)
				}
			}
			rec.add(node.Name)
			o.SetOutput("out", &TabularResult{Table: models.NewDataTable(nil, []models.Row{{"node": node.Name}})})
			return nil
		}}
	})
	f.Register("fail", func() Operator {
		return &funcOperator{run: func(context.Context, *funcOperator) error {
			return errors.New("detector exploded")
		}}
	})
	return f
}

func edge(target, source string) models.InputRef {
	return models.InputRef{TargetProperty: target, SourcePlanNode: source, SourceProperty: "out"}
}

func testInterval() models.Interval {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return models.Interval{Start: start, End: start.Add(time.Hour)}
}

func TestComponentSpecStripsPrefix(t *testing.T) {
	spec := ComponentSpec(map[string]any{"component.x": 1, "y": 2})
	assert.Equal(t, map[string]any{"x": 1}, spec)
}

func TestBaseOperatorOutputKeyRemapping(t *testing.T) {
	op := &funcOperator{}
	require.NoError(t, op.Init(OperatorContext{PlanNode: models.PlanNode{
		Name:    "detector",
		Outputs: []models.OutputRef{{OutputKey: "anomalies", OutputName: "renamed"}},
	}}))

	first := &AnomalyListResult{}
	second := &AnomalyListResult{Anomalies: []*models.Anomaly{{}}}
	op.SetOutput("anomalies", first)
	op.SetOutput("anomalies", second)
	op.SetOutput("other", &TabularResult{})

	_, internal := op.Output("anomalies")
	assert.False(t, internal, "internal key must not be visible once remapped")
	got, ok := op.Output("renamed")
	require.True(t, ok)
	assert.Same(t, second, got, "last write wins")
	assert.Len(t, op.Outputs(), 2)
}

func TestBaseOperatorSetPropertyDoesNotTouchPlanNode(t *testing.T) {
	node := models.PlanNode{Name: "n", Params: map[string]any{"component.threshold": 2}}
	op := &funcOperator{}
	require.NoError(t, op.Init(OperatorContext{PlanNode: node}))

	op.SetProperty("component.threshold", 5)
	assert.Equal(t, 5, op.ComponentSpec()["threshold"])
	assert.Equal(t, 2, node.Params["component.threshold"])
}

func TestExecutorRunsChainInOrder(t *testing.T) {
	rec := &recorder{}
	plan, err := BuildPlan([]models.PlanNode{
		{Name: "c", Type: "emit", Inputs: []models.InputRef{edge("in", "b")}},
		{Name: "a", Type: "emit"},
		{Name: "b", Type: "emit", Inputs: []models.InputRef{edge("in", "a")}},
	})
	require.NoError(t, err)

	res, err := NewExecutor(emitFactory(rec), nil).Run(context.Background(), plan, testInterval(), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, rec.order)
	assert.Equal(t, []string{"c"}, plan.Terminal())
	require.Contains(t, res.Outputs, "c")
	assert.NotContains(t, res.Outputs, "a")
	assert.NotEmpty(t, res.RunID)
}

func TestExecutorRunsIndependentNodes(t *testing.T) {
	rec := &recorder{}
	plan, err := BuildPlan([]models.PlanNode{
		{Name: "left", Type: "emit"},
		{Name: "right", Type: "emit"},
		{Name: "sink", Type: "emit", Inputs: []models.InputRef{edge("l", "left"), edge("r", "right")}},
	})
	require.NoError(t, err)
	require.Len(t, plan.Levels(), 2)
	assert.ElementsMatch(t, []string{"left", "right"}, plan.Levels()[0])

	_, err = NewExecutor(emitFactory(rec), nil).Run(context.Background(), plan, testInterval(), nil)
	require.NoError(t, err)
	assert.Equal(t, "sink", rec.order[2])
}

func TestBuildPlanRejectsCycle(t *testing.T) {
	_, err := BuildPlan([]models.PlanNode{
		{Name: "a", Type: "emit", Inputs: []models.InputRef{edge("in", "c")}},
		{Name: "b", Type: "emit", Inputs: []models.InputRef{edge("in", "a")}},
		{Name: "c", Type: "emit", Inputs: []models.InputRef{edge("in", "b")}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrInvalidArgument)
	assert.Contains(t, err.Error(), "cycle")
}

func TestBuildPlanRejectsSelfLoopAndUnknownInput(t *testing.T) {
	_, err := BuildPlan([]models.PlanNode{{Name: "a", Type: "emit", Inputs: []models.InputRef{edge("in", "a")}}})
	assert.ErrorIs(t, err, utils.ErrInvalidArgument)

	_, err = BuildPlan([]models.PlanNode{{Name: "a", Type: "emit", Inputs: []models.InputRef{edge("in", "ghost")}}})
	assert.ErrorIs(t, err, utils.ErrNotFound)

	_, err = BuildPlan([]models.PlanNode{{Name: "a", Type: "emit"}, {Name: "a", Type: "emit"}})
	assert.ErrorIs(t, err, utils.ErrInvalidArgument)
}

func TestExecutorFailurePropagatesAndStopsDownstream(t *testing.T) {
	rec := &recorder{}
	plan, err := BuildPlan([]models.PlanNode{
		{Name: "a", Type: "fail"},
		{Name: "b", Type: "emit", Inputs: []models.InputRef{edge("in", "a")}},
	})
	require.NoError(t, err)

	_, err = NewExecutor(emitFactory(rec), nil).Run(context.Background(), plan, testInterval(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrExecution)
	assert.Contains(t, err.Error(), "detector exploded")
	assert.Empty(t, rec.order)
}

func TestExecutorUnknownOperatorType(t *testing.T) {
	plan, err := BuildPlan([]models.PlanNode{{Name: "a", Type: "nope"}})
	require.NoError(t, err)
	_, err = NewExecutor(NewOperatorFactory(), nil).Run(context.Background(), plan, testInterval(), nil)
	assert.ErrorIs(t, err, utils.ErrNotFound)
}

func TestExecutorSinkNodeWithoutOutputs(t *testing.T) {
	f := NewOperatorFactory()
	f.Register("sink", func() Operator {
		return &funcOperator{run: func(context.Context, *funcOperator) error { return nil }}
	})
	plan, err := BuildPlan([]models.PlanNode{{Name: "s", Type: "sink"}})
	require.NoError(t, err)

	res, err := NewExecutor(f, nil).Run(context.Background(), plan, testInterval(), nil)
	require.NoError(t, err)
	assert.Empty(t, res.Outputs["s"])
}

func TestAverageMergeModel(t *testing.T) {
	empty := &models.Anomaly{Weight: 9, Score: 9}
	AverageMergeModel{}.Merge(empty)
	assert.Equal(t, 0.0, empty.Weight)
	assert.Equal(t, 0.0, empty.Score)

	a := &models.Anomaly{RawAnomalies: []models.RawAnomaly{{Weight: 1, Score: 4}, {Weight: 3, Score: 6}}}
	AverageMergeModel{}.Merge(a)
	assert.Equal(t, 2.0, a.Weight)
	assert.Equal(t, 5.0, a.Score)
	assert.Equal(t, "weight: 2.00, score: 5.00", a.Message)
}

func TestMergeRawFoldsAdjacentFindings(t *testing.T) {
	minute := time.Minute.Milliseconds()
	point := func(start int64, host string, w float64) *models.Anomaly {
		return &models.Anomaly{StartTime: start, EndTime: start + minute, Weight: w, Dimensions: map[string]string{"host": host}}
	}
	merged := MergeRaw([]*models.Anomaly{
		point(0, "a", 1), point(minute, "a", 3), point(10*minute, "a", 5), point(0, "b", 7),
	}, 0, nil)

	require.Len(t, merged, 3)
	assert.Equal(t, int64(0), merged[0].StartTime)
	assert.Equal(t, 2*minute, merged[0].EndTime)
	assert.Equal(t, 2.0, merged[0].Weight)
	assert.Len(t, merged[0].RawAnomalies, 2)
	assert.Equal(t, "b", merged[2].Dimensions["host"])
}

func TestDurationFilter(t *testing.T) {
	minute := time.Minute.Milliseconds()
	in := []*models.Anomaly{{EndTime: minute}, {EndTime: 5 * minute}, {EndTime: 30 * minute}}
	out := DurationFilter{Min: 2 * time.Minute, Max: 10 * time.Minute}.Apply(in)
	require.Len(t, out, 1)
	assert.Equal(t, 5*minute, out[0].EndTime)
}

type stubFetcher struct {
	mu    sync.Mutex
	table *models.DataTable
	reqs  []datasource.Request
}

func (s *stubFetcher) Fetch(_ context.Context, source string, req datasource.Request) (*models.DataTable, error) {
	if source != "metrics" {
		return nil, utils.NotFound("fetch", "unknown source %s", source)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	return s.table, nil
}

type stubSyncer struct {
	mu     sync.Mutex
	nextID int64
	calls  int
}

func (s *stubSyncer) Sync(_ context.Context, items []*models.EnumerationItem, _ []string, alertID int64) ([]*models.EnumerationItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	out := make([]*models.EnumerationItem, 0, len(items))
	for _, it := range items {
		s.nextID++
		c := it.Clone()
		c.ID = s.nextID
		c.AlertID = models.Int64Ptr(alertID)
		out = append(out, c)
	}
	return out, nil
}

// hostDetector flags every row whose host matches component.host.
type hostDetector struct{ host string }

func (d hostDetector) Detect(_ context.Context, in registry.DetectionInput) ([]*models.Anomaly, error) {
	var out []*models.Anomaly
	for _, row := range in.Current.Rows {
		if row.String("host") != d.host {
			continue
		}
		ts, _ := row.Int64("timestamp")
		out = append(out, &models.Anomaly{
			StartTime:  ts,
			EndTime:    ts + time.Minute.Milliseconds(),
			Dimensions: map[string]string{"host": d.host},
			RawAnomalies: []models.RawAnomaly{{
				StartTime: ts, EndTime: ts + time.Minute.Milliseconds(), Weight: 1, Score: 2,
			}},
		})
	}
	return out, nil
}

func builtinFactory(fetcher DataFetcher, syncer EnumerationSyncer) *OperatorFactory {
	reg := registry.New()
	reg.RegisterDetector(registry.DetectorFactoryFunc("HOST", func(ctx registry.DetectorContext) (registry.AnomalyDetector, error) {
		return hostDetector{host: ctx.Properties["host"].(string)}, nil
	}))
	f := NewOperatorFactory()
	RegisterBuiltins(f, Dependencies{Registry: reg, Fetcher: fetcher, Syncer: syncer, ForkJoinParallelism: 2})
	return f
}

func hostTable() *models.DataTable {
	base := testInterval().StartMillis()
	return models.NewDataTable(nil, []models.Row{
		{"timestamp": base, "host": "a", "value": 1.0},
		{"timestamp": base, "host": "b", "value": 2.0},
		{"timestamp": base + time.Minute.Milliseconds(), "host": "a", "value": 3.0},
	})
}

func TestBuiltinFetchAndDetect(t *testing.T) {
	fetcher := &stubFetcher{table: hostTable()}
	plan, err := BuildPlan([]models.PlanNode{
		{Name: "fetch", Type: TypeDataFetcher, Params: map[string]any{
			"component.dataSource": "metrics",
			"component.table":      "cpu",
			"component.lookback":   "1h",
		}},
		{Name: "detect", Type: TypeAnomalyDetector,
			Params:  map[string]any{"type": "HOST", "component.host": "a"},
			Inputs:  []models.InputRef{{TargetProperty: InputCurrent, SourcePlanNode: "fetch", SourceProperty: OutputCurrentData}},
			Outputs: []models.OutputRef{{OutputKey: OutputAnomalies, OutputName: "final"}},
		},
	})
	require.NoError(t, err)

	res, err := NewExecutor(builtinFactory(fetcher, nil), nil).Run(context.Background(), plan, testInterval(),
		map[string]any{PropAlertID: int64(42)})
	require.NoError(t, err)

	require.Len(t, fetcher.reqs, 1)
	assert.Equal(t, testInterval().StartMillis()-time.Hour.Milliseconds(), fetcher.reqs[0].Slice.Start())

	list, ok := res.Outputs["detect"]["final"].(*AnomalyListResult)
	require.True(t, ok)
	require.Len(t, list.Anomalies, 1, "adjacent findings merge into one anomaly")
	a := list.Anomalies[0]
	assert.Equal(t, int64(42), a.AlertID)
	assert.Equal(t, "detect", a.ComponentName())
	assert.Equal(t, 1.0, a.Weight)
	assert.Len(t, a.RawAnomalies, 2)
}

func TestBuiltinDetectorUnknownTypeFailsRun(t *testing.T) {
	fetcher := &stubFetcher{table: hostTable()}
	plan, err := BuildPlan([]models.PlanNode{
		{Name: "fetch", Type: TypeDataFetcher, Params: map[string]any{"component.dataSource": "metrics"}},
		{Name: "detect", Type: TypeAnomalyDetector, Params: map[string]any{"type": "NOPE"},
			Inputs: []models.InputRef{{TargetProperty: InputCurrent, SourcePlanNode: "fetch", SourceProperty: OutputCurrentData}}},
	})
	require.NoError(t, err)

	_, err = NewExecutor(builtinFactory(fetcher, nil), nil).Run(context.Background(), plan, testInterval(), nil)
	assert.ErrorIs(t, err, utils.ErrExecution)
	assert.ErrorIs(t, err, utils.ErrNotFound)
}

func TestForkJoinRunsSubPlanPerItem(t *testing.T) {
	fetcher := &stubFetcher{table: hostTable()}
	syncer := &stubSyncer{}
	plan, err := BuildPlan([]models.PlanNode{
		{Name: "enumerate", Type: TypeEnumerator, Params: map[string]any{
			"items": []any{
				map[string]any{"name": "host-a", "params": map[string]any{"host": "a"}},
				map[string]any{"name": "host-b", "params": map[string]any{"host": "b"}},
			},
			"idKeys": []any{"host"},
		}},
		{Name: "fetch", Type: TypeDataFetcher, Params: map[string]any{"component.dataSource": "metrics"}},
		{Name: "detect", Type: TypeAnomalyDetector,
			Params: map[string]any{"type": "HOST", "component.host": "${host}"},
			Inputs: []models.InputRef{{TargetProperty: InputCurrent, SourcePlanNode: "fetch", SourceProperty: OutputCurrentData}}},
		{Name: "fork", Type: TypeForkJoin, Params: map[string]any{"root": "detect"},
			Inputs: []models.InputRef{{TargetProperty: InputEnumeration, SourcePlanNode: "enumerate", SourceProperty: OutputEnumeration}}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"fork"}, plan.Terminal())

	res, err := NewExecutor(builtinFactory(fetcher, syncer), nil).Run(context.Background(), plan, testInterval(),
		map[string]any{PropAlertID: int64(7)})
	require.NoError(t, err)
	assert.Equal(t, 1, syncer.calls)
	assert.Len(t, fetcher.reqs, 2, "sub-plan runs once per item")

	fj, ok := res.Outputs["fork"][OutputResults].(*ForkJoinResult)
	require.True(t, ok)
	require.Len(t, fj.Results, 2)
	assert.Equal(t, "host-a", fj.Results[0].Item.Name)
	assert.NotZero(t, fj.Results[0].Item.ID)

	groups := CollectAnomalies(fj)
	require.Len(t, groups, 2)
	assert.Equal(t, "host-a", groups[0].Item.Name)
	assert.Equal(t, "a", groups[0].Anomalies[0].Dimensions["host"])
	assert.Equal(t, "b", groups[1].Anomalies[0].Dimensions["host"])
}

func TestEnumeratorDistinctDimensions(t *testing.T) {
	op := &EnumeratorOperator{}
	require.NoError(t, op.Init(OperatorContext{
		PlanNode: models.PlanNode{Name: "enum", Params: map[string]any{"dimensions": []string{"host"}}},
		Inputs:   map[string]DetectionPipelineResult{InputCurrent: &TabularResult{Table: hostTable()}},
	}))
	require.NoError(t, op.Execute(context.Background()))

	out, ok := op.Output(OutputEnumeration)
	require.True(t, ok)
	enum := out.(*EnumerationResult)
	require.Len(t, enum.Items, 2)
	assert.Equal(t, "host=a", enum.Items[0].Name)
	assert.Equal(t, map[string]any{"host": "a"}, enum.Items[0].Params)
}
