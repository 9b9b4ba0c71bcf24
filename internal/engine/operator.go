package engine

import (
	"context"
	"maps"
	"strings"
	"sync"

	"github.com/miradorstack/mirador-detect/internal/models"
)

const (
	// PropType names the detector or trigger type a node builds.
	PropType = "type"
	// componentPrefix marks node params that configure the nested detector or trigger.
	componentPrefix = "component."
)

// Run property keys the executor passes to every operator.
const (
	PropAlertID = "alertId"
	PropRunID   = "runId"
)

// SubPlanRunner executes the part of the current plan rooted at a node, binding
// ${param} templates in node params to values. It returns the root's outputs.
type SubPlanRunner interface {
	RunSubPlan(ctx context.Context, root string, values map[string]any) (map[string]DetectionPipelineResult, error)
}

// OperatorContext is handed to an operator once per node execution.
type OperatorContext struct {
	PlanNode   models.PlanNode
	Interval   models.Interval
	Inputs     map[string]DetectionPipelineResult
	Properties map[string]any
	SubPlans   SubPlanRunner
}

// Operator is the unit of pipeline execution.
type Operator interface {
	Init(ctx OperatorContext) error
	Execute(ctx context.Context) error
	Output(key string) (DetectionPipelineResult, bool)
	Outputs() map[string]DetectionPipelineResult
	SetInput(key string, result DetectionPipelineResult)
	SetProperty(key string, value any)
}

// BaseOperator implements the bookkeeping shared by every operator. Concrete
// operators embed it and provide Execute.
type BaseOperator struct {
	mu           sync.RWMutex
	planNode     models.PlanNode
	params       map[string]any
	interval     models.Interval
	inputs       map[string]DetectionPipelineResult
	properties   map[string]any
	subPlans     SubPlanRunner
	outputKeyMap map[string]string
	results      map[string]DetectionPipelineResult
}

// Init stores the node, window and inputs and resets the result map.
func (b *BaseOperator) Init(ctx OperatorContext) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.planNode = ctx.PlanNode
	b.params = maps.Clone(ctx.PlanNode.Params)
	if b.params == nil {
		b.params = make(map[string]any)
	}
	b.interval = ctx.Interval
	b.inputs = maps.Clone(ctx.Inputs)
	if b.inputs == nil {
		b.inputs = make(map[string]DetectionPipelineResult)
	}
	b.properties = maps.Clone(ctx.Properties)
	b.subPlans = ctx.SubPlans
	b.results = make(map[string]DetectionPipelineResult)
	b.outputKeyMap = make(map[string]string, len(ctx.PlanNode.Outputs))
	for _, out := range ctx.PlanNode.Outputs {
		b.outputKeyMap[out.OutputKey] = out.OutputName
	}
	return nil
}

// SetOutput publishes result under key, renamed if the node declared a mapping
// for it. A second write to the same key replaces the first.
func (b *BaseOperator) SetOutput(key string, result DetectionPipelineResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if mapped, ok := b.outputKeyMap[key]; ok {
		key = mapped
	}
	b.results[key] = result
}

// Output returns the published result for key.
func (b *BaseOperator) Output(key string) (DetectionPipelineResult, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.results[key]
	return r, ok
}

// Outputs returns a snapshot of everything published so far.
func (b *BaseOperator) Outputs() map[string]DetectionPipelineResult {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return maps.Clone(b.results)
}

// SetInput replaces the input bound to key.
func (b *BaseOperator) SetInput(key string, result DetectionPipelineResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inputs == nil {
		b.inputs = make(map[string]DetectionPipelineResult)
	}
	b.inputs[key] = result
}

// SetProperty overrides a node param for this execution only.
func (b *BaseOperator) SetProperty(key string, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.params == nil {
		b.params = make(map[string]any)
	}
	b.params[key] = value
}

// Input returns the input bound to key.
func (b *BaseOperator) Input(key string) (DetectionPipelineResult, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.inputs[key]
	return r, ok
}

// Param returns a node param.
func (b *BaseOperator) Param(key string) (any, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.params[key]
	return v, ok
}

// Property returns a run property such as PropAlertID.
func (b *BaseOperator) Property(key string) (any, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.properties[key]
	return v, ok
}

// PlanNode returns the node being executed.
func (b *BaseOperator) PlanNode() models.PlanNode {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.planNode
}

// Interval returns the detection window.
func (b *BaseOperator) Interval() models.Interval {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.interval
}

// SubPlans returns the runner for nested plans, nil outside an executor.
func (b *BaseOperator) SubPlans() SubPlanRunner {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.subPlans
}

// ComponentSpec returns the component.* params with the prefix stripped.
func (b *BaseOperator) ComponentSpec() map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return ComponentSpec(b.params)
}

// ComponentSpec extracts the params prefixed with "component." and strips the prefix.
func ComponentSpec(params map[string]any) map[string]any {
	spec := make(map[string]any)
	for k, v := range params {
		if name, ok := strings.CutPrefix(k, componentPrefix); ok {
			spec[name] = v
		}
	}
	return spec
}
