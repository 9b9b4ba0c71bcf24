package detectors

import "github.com/miradorstack/mirador-detect/internal/registry"

// Names of the built-in detector and trigger types.
const (
	TypeThreshold = "THRESHOLD"
	TypeZScore    = "ZSCORE"
	TypeMAD       = "MAD"
)

// RegisterDefaults adds the built-in detectors and triggers to reg.
func RegisterDefaults(reg *registry.Registry) {
	reg.RegisterDetector(registry.DetectorFactoryFunc(TypeThreshold, func(ctx registry.DetectorContext) (registry.AnomalyDetector, error) {
		return NewThresholdDetector(ctx.Properties)
	}))
	reg.RegisterDetector(registry.DetectorFactoryFunc(TypeZScore, func(ctx registry.DetectorContext) (registry.AnomalyDetector, error) {
		return NewZScoreDetector(ctx.Properties)
	}))
	reg.RegisterDetector(registry.DetectorFactoryFunc(TypeMAD, func(ctx registry.DetectorContext) (registry.AnomalyDetector, error) {
		return NewMADDetector(ctx.Properties)
	}))
	reg.RegisterTrigger(registry.TriggerFactoryFunc(TypeThreshold, func(ctx registry.TriggerContext) (registry.EventTrigger, error) {
		return NewThresholdTrigger(ctx.Properties)
	}))
}
