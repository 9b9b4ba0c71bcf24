package engine

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-detect/internal/metrics"
	"github.com/miradorstack/mirador-detect/internal/models"
	"github.com/miradorstack/mirador-detect/internal/utils"
)

// RunResult holds the outputs of a plan's terminal nodes, keyed by node then output name.
type RunResult struct {
	RunID   string
	Outputs map[string]map[string]DetectionPipelineResult
}

// Executor walks a Plan, running each node once its inputs are available.
// Nodes within the same dependency level run concurrently.
type Executor struct {
	factory *OperatorFactory
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewExecutor constructs an executor over the given operator factory.
func NewExecutor(factory *OperatorFactory, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		factory: factory,
		logger:  logger,
		tracer:  otel.Tracer("mirador-detect/engine"),
	}
}

// Run executes plan for interval. properties are visible to every operator;
// PropRunID is filled in when absent. The first node failure aborts the run.
func (e *Executor) Run(ctx context.Context, plan *Plan, interval models.Interval, properties map[string]any) (*RunResult, error) {
	if plan == nil {
		return nil, utils.InvalidArgument("run plan", "plan is nil")
	}
	props := maps.Clone(properties)
	if props == nil {
		props = make(map[string]any)
	}
	runID, _ := props[PropRunID].(string)
	if runID == "" {
		runID = uuid.NewString()
		props[PropRunID] = runID
	}

	ctx, span := e.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("interval", interval.String()),
	))
	defer span.End()

	logger := e.logger.With(slog.String("run_id", runID))
	logger.Debug("pipeline run started", slog.String("interval", interval.String()), slog.Int("levels", len(plan.levels)))

	r := &run{executor: e, root: plan, interval: interval, properties: props, logger: logger}
	outputs, err := r.walk(ctx, plan, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return &RunResult{RunID: runID, Outputs: outputs}, nil
}

type run struct {
	executor   *Executor
	root       *Plan
	interval   models.Interval
	properties map[string]any
	logger     *slog.Logger
}

// RunSubPlan implements SubPlanRunner for operators of this run.
func (r *run) RunSubPlan(ctx context.Context, root string, values map[string]any) (map[string]DetectionPipelineResult, error) {
	sub, ok := r.root.SubPlan(root)
	if !ok {
		return nil, utils.NotFound("run sub-plan", "no sub-plan rooted at %q", root)
	}
	outputs, err := r.walk(ctx, sub, values)
	if err != nil {
		return nil, err
	}
	return outputs[root], nil
}

func (r *run) walk(ctx context.Context, plan *Plan, values map[string]any) (map[string]map[string]DetectionPipelineResult, error) {
	results := &resultMap{byNode: make(map[string]map[string]DetectionPipelineResult)}
	for _, level := range plan.levels {
		g, gctx := errgroup.WithContext(ctx)
		for _, name := range level {
			node := plan.nodes[name]
			g.Go(func() error {
				return r.executeNode(gctx, node, values, results)
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	terminal := make(map[string]map[string]DetectionPipelineResult, len(plan.terminal))
	for _, name := range plan.terminal {
		terminal[name] = results.node(name)
	}
	return terminal, nil
}

func (r *run) executeNode(ctx context.Context, node models.PlanNode, values map[string]any, results *resultMap) (err error) {
	op := "execute node " + node.Name
	start := time.Now()
	ctx, span := r.executor.tracer.Start(ctx, "pipeline.node", trace.WithAttributes(
		attribute.String("node.name", node.Name),
		attribute.String("node.type", node.Type),
	))
	defer func() {
		if rec := recover(); rec != nil {
			err = utils.ExecutionError(op, fmt.Errorf("panic: %v", rec))
		}
		outcome := metrics.OutcomeSuccess
		if err != nil {
			outcome = metrics.OutcomeError
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			r.logger.Warn("plan node failed", slog.String("node", node.Name), slog.String("type", node.Type), slog.Any("error", err))
		}
		metrics.ObserveNode(node.Type, outcome, time.Since(start))
		span.End()
	}()

	operator, err := r.executor.factory.Create(node.Type)
	if err != nil {
		return err
	}

	inputs := make(map[string]DetectionPipelineResult, len(node.Inputs))
	for _, in := range node.Inputs {
		res, ok := results.get(in.SourcePlanNode, in.SourceProperty)
		if !ok {
			return utils.ExecutionError(op, fmt.Errorf("input %q: node %q published no output %q",
				in.TargetProperty, in.SourcePlanNode, in.SourceProperty))
		}
		inputs[in.TargetProperty] = res
	}

	if err := operator.Init(OperatorContext{
		PlanNode:   node,
		Interval:   r.interval,
		Inputs:     inputs,
		Properties: r.properties,
		SubPlans:   r,
	}); err != nil {
		return utils.ExecutionError(op, fmt.Errorf("init: %w", err))
	}
	bindTemplates(operator, node.Params, values)

	if err := operator.Execute(ctx); err != nil {
		return utils.ExecutionError(op, err)
	}
	results.put(node.Name, operator.Outputs())
	r.logger.Debug("plan node executed", slog.String("node", node.Name), slog.Duration("took", time.Since(start)))
	return nil
}

// bindTemplates replaces ${name} references in string params with values[name].
// A param that is exactly one reference takes the value with its original type.
func bindTemplates(op Operator, params map[string]any, values map[string]any) {
	if len(values) == 0 {
		return
	}
	for key, raw := range params {
		s, ok := raw.(string)
		if !ok || !strings.Contains(s, "${") {
			continue
		}
		if name, whole := wholeReference(s); whole {
			if v, ok := values[name]; ok {
				op.SetProperty(key, v)
			}
			continue
		}
		expanded := s
		for name, v := range values {
			expanded = strings.ReplaceAll(expanded, "${"+name+"}", fmt.Sprint(v))
		}
		if expanded != s {
			op.SetProperty(key, expanded)
		}
	}
}

func wholeReference(s string) (string, bool) {
	if !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
		return "", false
	}
	name := s[2 : len(s)-1]
	if strings.ContainsAny(name, "${}") {
		return "", false
	}
	return name, true
}

// resultMap is the append-only store of node outputs for one walk.
type resultMap struct {
	mu     sync.RWMutex
	byNode map[string]map[string]DetectionPipelineResult
}

func (m *resultMap) put(node string, outputs map[string]DetectionPipelineResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byNode[node] = outputs
}

func (m *resultMap) get(node, key string) (DetectionPipelineResult, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.byNode[node][key]
	return r, ok
}

func (m *resultMap) node(name string) map[string]DetectionPipelineResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.byNode[name])
}
