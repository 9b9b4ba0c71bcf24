package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"strconv"
	"time"

	"github.com/miradorstack/mirador-detect/internal/engine"
	"github.com/miradorstack/mirador-detect/internal/lock"
	"github.com/miradorstack/mirador-detect/internal/metrics"
	"github.com/miradorstack/mirador-detect/internal/models"
	"github.com/miradorstack/mirador-detect/internal/notify"
	"github.com/miradorstack/mirador-detect/internal/utils"
)

// AlertRepo is the alert storage the service needs.
type AlertRepo interface {
	Save(ctx context.Context, alert *models.Alert) error
	Get(ctx context.Context, id int64) (*models.Alert, error)
	FindByName(ctx context.Context, name string) (*models.Alert, error)
	FindActive(ctx context.Context) ([]*models.Alert, error)
	UpdateLastTimestamp(ctx context.Context, id, lastTimestamp int64) error
}

// AnomalyRepo is the anomaly storage the service needs.
type AnomalyRepo interface {
	Save(ctx context.Context, anomaly *models.Anomaly) error
	Update(ctx context.Context, anomaly *models.Anomaly) error
	FilterBySlice(ctx context.Context, slice models.AnomalySlice) ([]*models.Anomaly, error)
}

// EnumerationItemRepo lists the items of an alert.
type EnumerationItemRepo interface {
	Filter(ctx context.Context, filter models.EnumerationItemFilter) ([]*models.EnumerationItem, error)
}

// SubscriptionGroupRepo lists notification targets.
type SubscriptionGroupRepo interface {
	FindAll(ctx context.Context) ([]*models.SubscriptionGroup, error)
}

// PipelineRunner executes a built plan.
type PipelineRunner interface {
	Run(ctx context.Context, plan *engine.Plan, interval models.Interval, properties map[string]any) (*engine.RunResult, error)
}

// Dependencies wires the detection service.
type Dependencies struct {
	Alerts          AlertRepo
	Anomalies       AnomalyRepo
	Items           EnumerationItemRepo
	Groups          SubscriptionGroupRepo
	Runner          PipelineRunner
	Notifier        notify.Notifier
	Locker          lock.Locker
	LockTTL         time.Duration
	LockRetry       time.Duration
	MergeMaxGap     time.Duration
	DefaultLookback time.Duration
	Now             func() time.Time
}

// DetectionService runs alerts end to end: plan execution, history merge,
// persistence and notification.
type DetectionService struct {
	logger    *slog.Logger
	deps      Dependencies
	latencies *utils.LatencyTracker
}

// NewDetectionService constructs the service facade.
func NewDetectionService(logger *slog.Logger, deps Dependencies) *DetectionService {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NoopNotifier{}
	}
	if deps.DefaultLookback <= 0 {
		deps.DefaultLookback = time.Hour
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewLocalLock()
	}
	if deps.LockTTL <= 0 {
		deps.LockTTL = 30 * time.Second
	}
	return &DetectionService{
		logger:    logger,
		deps:      deps,
		latencies: utils.NewLatencyTracker(1024),
	}
}

// ImportAlerts checks that every alert builds into a plan and upserts it by name.
// The scheduling watermark of an existing alert is preserved.
func (s *DetectionService) ImportAlerts(ctx context.Context, alerts []models.Alert) ([]*models.Alert, error) {
	for i := range alerts {
		if _, err := engine.BuildPlan(alerts[i].Nodes); err != nil {
			return nil, fmt.Errorf("alert %q: %w", alerts[i].Name, err)
		}
	}
	saved := make([]*models.Alert, 0, len(alerts))
	for i := range alerts {
		alert := alerts[i]
		existing, err := s.deps.Alerts.FindByName(ctx, alert.Name)
		switch {
		case err == nil:
			alert.Entity = existing.Entity
			alert.LastTimestamp = existing.LastTimestamp
		case errors.Is(err, utils.ErrNotFound):
		default:
			return nil, err
		}
		if err := s.deps.Alerts.Save(ctx, &alert); err != nil {
			return nil, err
		}
		s.logger.Info("alert imported", slog.String("alert", alert.Name), slog.Int64("alert_id", alert.ID))
		saved = append(saved, &alert)
	}
	return saved, nil
}

// Resolve turns a RunRequest into its alert, by id first and then by name.
func (s *DetectionService) Resolve(ctx context.Context, req models.RunRequest) (*models.Alert, error) {
	if req.AlertID > 0 {
		return s.deps.Alerts.Get(ctx, req.AlertID)
	}
	if req.AlertName == "" {
		return nil, utils.InvalidArgument("resolve alert", "alert id or name is required")
	}
	return s.deps.Alerts.FindByName(ctx, req.AlertName)
}

// Run executes the alert's pipeline over interval and persists what it finds.
func (s *DetectionService) Run(ctx context.Context, alertID int64, interval models.Interval) (*models.RunSummary, error) {
	if !interval.Valid() {
		return nil, utils.InvalidArgument("run alert", "interval %s is empty", interval)
	}
	alert, err := s.deps.Alerts.Get(ctx, alertID)
	if err != nil {
		return nil, err
	}
	return s.runAlert(ctx, alert, interval)
}

// RunScheduled runs the alert from its watermark, or its lookback when it has
// never run, up to now, then advances the watermark.
func (s *DetectionService) RunScheduled(ctx context.Context, alertID int64) error {
	alert, err := s.deps.Alerts.Get(ctx, alertID)
	if err != nil {
		return err
	}
	end := s.deps.Now().UTC().Truncate(time.Millisecond)
	lookback := s.deps.DefaultLookback
	if alert.LookbackMillis > 0 {
		lookback = time.Duration(alert.LookbackMillis) * time.Millisecond
	}
	start := end.Add(-lookback)
	if alert.LastTimestamp > 0 {
		start = time.UnixMilli(alert.LastTimestamp).UTC()
	}
	interval := models.Interval{Start: start, End: end}
	if !interval.Valid() {
		s.logger.Debug("scheduled run has an empty window", slog.Int64("alert_id", alertID))
		return nil
	}

	if _, err := s.runAlert(ctx, alert, interval); err != nil {
		return err
	}
	return s.deps.Alerts.UpdateLastTimestamp(ctx, alert.ID, end.UnixMilli())
}

// ListAnomalies returns stored anomalies matching slice.
func (s *DetectionService) ListAnomalies(ctx context.Context, slice models.AnomalySlice) ([]*models.Anomaly, error) {
	return s.deps.Anomalies.FilterBySlice(ctx, slice)
}

// ListEnumerationItems returns the items scoped to alertID.
func (s *DetectionService) ListEnumerationItems(ctx context.Context, alertID int64) ([]*models.EnumerationItem, error) {
	if s.deps.Items == nil {
		return nil, utils.InvalidArgument("list enumeration items", "no enumeration item store configured")
	}
	return s.deps.Items.Filter(ctx, models.EnumerationItemFilter{AlertID: models.Int64Ptr(alertID)})
}

// LatencyP95 returns the current p95 run latency.
func (s *DetectionService) LatencyP95() time.Duration {
	if s.latencies == nil {
		return 0
	}
	return s.latencies.Percentile(95)
}

func (s *DetectionService) runAlert(ctx context.Context, alert *models.Alert, interval models.Interval) (*models.RunSummary, error) {
	logger := s.logger.With(slog.Int64("alert_id", alert.ID), slog.String("alert", alert.Name))
	start := time.Now()
	summary, err := s.execute(ctx, alert, interval, logger)
	duration := time.Since(start)
	if err != nil {
		metrics.ObserveRun(duration, metrics.OutcomeError)
		logger.Error("detection run failed", slog.String("interval", interval.String()), slog.Any("error", err))
		return nil, err
	}

	s.latencies.Observe(duration)
	metrics.ObserveRun(duration, metrics.OutcomeSuccess)
	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		logger.Info("run latency", slog.Duration("p95", s.latencies.Percentile(95)), slog.Int("samples", count))
	}
	logger.Info("detection run finished",
		slog.String("run_id", summary.RunID),
		slog.String("interval", interval.String()),
		slog.Int("created", summary.Created),
		slog.Int("merged", summary.Merged),
		slog.Duration("duration", duration))
	return summary, nil
}

func (s *DetectionService) execute(ctx context.Context, alert *models.Alert, interval models.Interval, logger *slog.Logger) (*models.RunSummary, error) {
	if s.deps.Runner == nil {
		return nil, utils.InvalidArgument("run alert", "no pipeline runner configured")
	}
	plan, err := engine.BuildPlan(alert.Nodes)
	if err != nil {
		return nil, err
	}
	result, err := s.deps.Runner.Run(ctx, plan, interval, map[string]any{engine.PropAlertID: alert.ID})
	if err != nil {
		return nil, err
	}

	summary := &models.RunSummary{RunID: result.RunID, AlertID: alert.ID, Interval: interval}
	terminal := terminalResults(plan, result)
	summary.EnumerationItems = collectItems(terminal)

	// anomaly merges for one alert must not interleave
	lease, err := lock.Acquire(ctx, s.deps.Locker, "merge:"+strconv.FormatInt(alert.ID, 10), s.deps.LockTTL, s.deps.LockRetry)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	for _, group := range collectGroups(terminal) {
		var itemID *int64
		if group.Item != nil && group.Item.Persisted() {
			itemID = models.Int64Ptr(group.Item.ID)
		}
		persisted := make([]*models.Anomaly, 0, len(group.Anomalies))
		for _, a := range group.Anomalies {
			a.AlertID = alert.ID
			a.EnumerationItemID = itemID
			a.SetProperty(engine.PropRunID, result.RunID)
			stored, merged, err := s.mergeWithHistory(ctx, a)
			if err != nil {
				return nil, err
			}
			if merged {
				summary.Merged++
			} else {
				summary.Created++
			}
			persisted = append(persisted, stored)
		}
		summary.Anomalies = append(summary.Anomalies, persisted...)
		s.dispatch(ctx, alert, itemID, result.RunID, persisted, logger)
	}

	metrics.AddAnomaliesCreated(summary.Created)
	metrics.AddAnomaliesMerged(summary.Merged)
	return summary, nil
}

// mergeWithHistory extends a stored anomaly of the same series that overlaps a
// or lies within the merge gap of it. Otherwise a is saved as new.
func (s *DetectionService) mergeWithHistory(ctx context.Context, a *models.Anomaly) (*models.Anomaly, bool, error) {
	gap := s.deps.MergeMaxGap.Milliseconds()
	// slice bounds are exclusive; widen by one so touching anomalies still match
	start := a.StartTime - gap - 1
	if start < 0 {
		start = 0
	}
	slice := models.NewAnomalySlice().
		WithDetectionID(a.AlertID).
		WithStart(start).
		WithEnd(a.EndTime + gap + 1).
		WithFilters(dimensionFilters(a.Dimensions))
	if name := a.ComponentName(); name != "" {
		slice = slice.WithDetectionComponentNames([]string{name})
	} else {
		slice = slice.WithIsTaggedAsChild(a.Child)
	}

	existing, err := s.deps.Anomalies.FilterBySlice(ctx, slice)
	if err != nil {
		return nil, false, err
	}
	for _, e := range existing {
		if !sameSeries(e, a) {
			continue
		}
		if e.StartTime-a.EndTime > gap || a.StartTime-e.EndTime > gap {
			continue
		}
		extend(e, a)
		if err := s.deps.Anomalies.Update(ctx, e); err != nil {
			return nil, false, err
		}
		return e, true, nil
	}

	if err := s.deps.Anomalies.Save(ctx, a); err != nil {
		return nil, false, err
	}
	return a, false, nil
}

func (s *DetectionService) dispatch(ctx context.Context, alert *models.Alert, itemID *int64, runID string, anomalies []*models.Anomaly, logger *slog.Logger) {
	if len(anomalies) == 0 || s.deps.Groups == nil {
		return
	}
	groups, err := s.deps.Groups.FindAll(ctx)
	if err != nil {
		logger.Error("load subscription groups", slog.Any("error", err))
		return
	}
	for _, g := range groups {
		if !g.Subscribes(alert.ID, itemID) {
			continue
		}
		err := s.deps.Notifier.Notify(ctx, notify.Notification{
			Group:             g.Name,
			Topic:             g.Topic,
			AlertID:           alert.ID,
			AlertName:         alert.Name,
			EnumerationItemID: itemID,
			RunID:             runID,
			Anomalies:         anomalies,
		})
		if err != nil {
			logger.Warn("notify subscription group", slog.String("group", g.Name), slog.Any("error", err))
		}
	}
}

func terminalResults(plan *engine.Plan, result *engine.RunResult) []engine.DetectionPipelineResult {
	var out []engine.DetectionPipelineResult
	for _, node := range plan.Terminal() {
		outputs := result.Outputs[node]
		keys := make([]string, 0, len(outputs))
		for k := range outputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = append(out, outputs[k])
		}
	}
	return out
}

func collectGroups(results []engine.DetectionPipelineResult) []engine.ItemAnomalies {
	var out []engine.ItemAnomalies
	for _, r := range results {
		out = append(out, engine.CollectAnomalies(r)...)
	}
	return out
}

func collectItems(results []engine.DetectionPipelineResult) []*models.EnumerationItem {
	seen := make(map[*models.EnumerationItem]bool)
	var items []*models.EnumerationItem
	var walk func(engine.DetectionPipelineResult)
	walk = func(r engine.DetectionPipelineResult) {
		switch v := r.(type) {
		case *engine.ForkJoinResult:
			for _, w := range v.Results {
				walk(w)
			}
		case *engine.EnumerationWrappedResult:
			if v.Item != nil && !seen[v.Item] {
				seen[v.Item] = true
				items = append(items, v.Item)
			}
		}
	}
	for _, r := range results {
		walk(r)
	}
	return items
}

func dimensionFilters(dims map[string]string) map[string][]string {
	if len(dims) == 0 {
		return nil
	}
	out := make(map[string][]string, len(dims))
	for k, v := range dims {
		out[k] = []string{v}
	}
	return out
}

func sameSeries(a, b *models.Anomaly) bool {
	if a.DimensionKey() != b.DimensionKey() {
		return false
	}
	switch {
	case a.EnumerationItemID == nil && b.EnumerationItemID == nil:
		return true
	case a.EnumerationItemID == nil || b.EnumerationItemID == nil:
		return false
	default:
		return *a.EnumerationItemID == *b.EnumerationItemID
	}
}

// extend folds next into existing. Raw findings are re-averaged when both sides
// carry them, otherwise only the bounds move.
func extend(existing, next *models.Anomaly) {
	if next.StartTime < existing.StartTime {
		existing.StartTime = next.StartTime
	}
	if next.EndTime > existing.EndTime {
		existing.EndTime = next.EndTime
	}
	if len(existing.RawAnomalies) > 0 && len(next.RawAnomalies) > 0 {
		existing.RawAnomalies = appendRaw(existing.RawAnomalies, next.RawAnomalies)
		engine.AverageMergeModel{}.Merge(existing)
	}
	props := make(map[string]string, len(existing.Properties)+len(next.Properties))
	maps.Copy(props, next.Properties)
	maps.Copy(props, existing.Properties)
	if runID, ok := next.Properties[engine.PropRunID]; ok {
		props[engine.PropRunID] = runID
	}
	existing.Properties = props
}

// appendRaw skips findings already present, so re-running a window is idempotent.
func appendRaw(have, next []models.RawAnomaly) []models.RawAnomaly {
	type span struct{ start, end int64 }
	seen := make(map[span]bool, len(have))
	for _, r := range have {
		seen[span{r.StartTime, r.EndTime}] = true
	}
	for _, r := range next {
		if !seen[span{r.StartTime, r.EndTime}] {
			seen[span{r.StartTime, r.EndTime}] = true
			have = append(have, r)
		}
	}
	return have
}
