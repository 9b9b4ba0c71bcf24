package registry

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/miradorstack/mirador-detect/internal/models"
	"github.com/miradorstack/mirador-detect/internal/utils"
)

// DetectionInput is what a detector sees for one node execution.
type DetectionInput struct {
	Interval models.Interval
	Current  *models.DataTable
}

// AnomalyDetector turns a data table into raw anomalies.
type AnomalyDetector interface {
	Detect(ctx context.Context, input DetectionInput) ([]*models.Anomaly, error)
}

// TriggerEvent is a single row that fired an event trigger.
type TriggerEvent struct {
	Timestamp  int64
	Value      float64
	Dimensions map[string]string
	Message    string
}

// EventTrigger inspects rows as they arrive and emits events.
type EventTrigger interface {
	Trigger(ctx context.Context, table *models.DataTable) ([]TriggerEvent, error)
}

// DetectorContext carries the component spec of the node building a detector.
type DetectorContext struct {
	Properties map[string]any
}

// TriggerContext carries the component spec of the node building a trigger.
type TriggerContext struct {
	Properties map[string]any
}

// AnomalyDetectorFactory builds detectors of one named type.
type AnomalyDetectorFactory interface {
	Name() string
	Build(ctx DetectorContext) (AnomalyDetector, error)
}

// EventTriggerFactory builds triggers of one named type.
type EventTriggerFactory interface {
	Name() string
	Build(ctx TriggerContext) (EventTrigger, error)
}

// DetectorFactoryFunc adapts a function into an AnomalyDetectorFactory.
func DetectorFactoryFunc(name string, build func(DetectorContext) (AnomalyDetector, error)) AnomalyDetectorFactory {
	return detectorFunc{name: name, build: build}
}

// TriggerFactoryFunc adapts a function into an EventTriggerFactory.
func TriggerFactoryFunc(name string, build func(TriggerContext) (EventTrigger, error)) EventTriggerFactory {
	return triggerFunc{name: name, build: build}
}

type detectorFunc struct {
	name  string
	build func(DetectorContext) (AnomalyDetector, error)
}

func (f detectorFunc) Name() string { return f.name }
func (f detectorFunc) Build(ctx DetectorContext) (AnomalyDetector, error) {
	return f.build(ctx)
}

type triggerFunc struct {
	name  string
	build func(TriggerContext) (EventTrigger, error)
}

func (f triggerFunc) Name() string { return f.name }
func (f triggerFunc) Build(ctx TriggerContext) (EventTrigger, error) {
	return f.build(ctx)
}

// Registry resolves detector and trigger types by name. It is owned by the
// process and passed explicitly to the components that need it.
type Registry struct {
	mu        sync.RWMutex
	detectors map[string]AnomalyDetectorFactory
	triggers  map[string]EventTriggerFactory
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		detectors: make(map[string]AnomalyDetectorFactory),
		triggers:  make(map[string]EventTriggerFactory),
	}
}

// RegisterDetector adds f under f.Name(). A later registration for the same name wins.
func (r *Registry) RegisterDetector(f AnomalyDetectorFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detectors[f.Name()] = f
}

// RegisterTrigger adds f under f.Name(). A later registration for the same name wins.
func (r *Registry) RegisterTrigger(f EventTriggerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggers[f.Name()] = f
}

// BuildDetector builds a detector from the factory registered under name.
func (r *Registry) BuildDetector(name string, ctx DetectorContext) (AnomalyDetector, error) {
	r.mu.RLock()
	f, ok := r.detectors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, utils.NotFound("build detector", "detector type not registered: %s. available detectors: %s",
			name, strings.Join(r.DetectorNames(), ", "))
	}
	return f.Build(ctx)
}

// BuildTrigger builds a trigger from the factory registered under name.
func (r *Registry) BuildTrigger(name string, ctx TriggerContext) (EventTrigger, error) {
	r.mu.RLock()
	f, ok := r.triggers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, utils.NotFound("build trigger", "trigger type not registered: %s. available triggers: %s",
			name, strings.Join(r.TriggerNames(), ", "))
	}
	return f.Build(ctx)
}

// DetectorNames lists registered detector types in sorted order.
func (r *Registry) DetectorNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.detectors)
}

// TriggerNames lists registered trigger types in sorted order.
func (r *Registry) TriggerNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.triggers)
}

func sortedKeys[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
