package services

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-detect/internal/datasource"
	"github.com/miradorstack/mirador-detect/internal/detectors"
	"github.com/miradorstack/mirador-detect/internal/engine"
	"github.com/miradorstack/mirador-detect/internal/enumeration"
	"github.com/miradorstack/mirador-detect/internal/lock"
	"github.com/miradorstack/mirador-detect/internal/models"
	"github.com/miradorstack/mirador-detect/internal/notify"
	"github.com/miradorstack/mirador-detect/internal/registry"
	"github.com/miradorstack/mirador-detect/internal/store"
	"github.com/miradorstack/mirador-detect/internal/utils"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func at(d time.Duration) int64 { return base.Add(d).UnixMilli() }

func window(from, to time.Duration) models.Interval {
	return models.Interval{Start: base.Add(from), End: base.Add(to)}
}

// tableFetcher serves rows inside the requested slice. A table named
// "cpu_<host>" narrows the rows to that host.
type tableFetcher struct {
	mu   sync.Mutex
	rows []models.Row
	reqs []datasource.Request
}

func (f *tableFetcher) Fetch(_ context.Context, _ string, req datasource.Request) (*models.DataTable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	host := strings.TrimPrefix(req.Table, "cpu_")
	var out []models.Row
	for _, row := range f.rows {
		ts, _ := row.Int64("timestamp")
		if ts < req.Slice.Start() || ts >= req.Slice.End() {
			continue
		}
		if host != req.Table && row.String("host") != host {
			continue
		}
		out = append(out, row)
	}
	return models.NewDataTable(nil, out), nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, msg notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return nil
}

func (n *recordingNotifier) Close() error { return nil }

type fixture struct {
	stores   *store.Stores
	fetcher  *tableFetcher
	notifier *recordingNotifier
	locker   *lock.LocalLock
	svc      *DetectionService
	now      time.Time
}

func newFixture(t *testing.T, rows ...models.Row) *fixture {
	t.Helper()
	db, err := store.Open(store.Config{Driver: "sqlite", DSN: ":memory:", MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	stores := store.New(db)

	fx := &fixture{
		stores:   stores,
		fetcher:  &tableFetcher{rows: rows},
		notifier: &recordingNotifier{},
		locker:   lock.NewLocalLock(),
		now:      base.Add(time.Hour),
	}

	reg := registry.New()
	detectors.RegisterDefaults(reg)
	reconciler := enumeration.NewReconciler(stores.EnumerationItems, stores.Anomalies, stores.SubscriptionGroups, enumeration.Options{}, nil)
	factory := engine.NewOperatorFactory()
	engine.RegisterBuiltins(factory, engine.Dependencies{
		Registry:            reg,
		Fetcher:             fx.fetcher,
		Syncer:              reconciler,
		ForkJoinParallelism: 2,
	})

	fx.svc = NewDetectionService(nil, Dependencies{
		Alerts:    stores.Alerts,
		Anomalies: stores.Anomalies,
		Items:     stores.EnumerationItems,
		Groups:    stores.SubscriptionGroups,
		Runner:    engine.NewExecutor(factory, nil),
		Notifier:  fx.notifier,
		Locker:    fx.locker,
		LockRetry: time.Millisecond,
		Now:       func() time.Time { return fx.now },
	})
	return fx
}

func thresholdNodes() []models.PlanNode {
	return []models.PlanNode{
		{Name: "fetch", Type: engine.TypeDataFetcher, Params: map[string]any{
			"component.dataSource": "metrics",
			"component.table":      "cpu",
		}},
		{Name: "detect", Type: engine.TypeAnomalyDetector,
			Params: map[string]any{
				"type":                 detectors.TypeThreshold,
				"component.max":        10,
				"component.dimensions": []any{"host"},
			},
			Inputs: []models.InputRef{{TargetProperty: engine.InputCurrent, SourcePlanNode: "fetch", SourceProperty: engine.OutputCurrentData}},
		},
	}
}

func (fx *fixture) saveAlert(t *testing.T, nodes []models.PlanNode) *models.Alert {
	t.Helper()
	alert := &models.Alert{Name: "cpu", Active: true, Cron: "0 * * * * *", LookbackMillis: time.Hour.Milliseconds(), Nodes: nodes}
	require.NoError(t, fx.stores.Alerts.Save(context.Background(), alert))
	return alert
}

func row(d time.Duration, host string, v float64) models.Row {
	return models.Row{"timestamp": at(d), "host": host, "value": v}
}

func TestRunPersistsAnomalies(t *testing.T) {
	fx := newFixture(t,
		row(10*time.Minute, "a", 50),
		row(11*time.Minute, "a", 60),
		row(11*time.Minute, "b", 5),
	)
	alert := fx.saveAlert(t, thresholdNodes())

	summary, err := fx.svc.Run(context.Background(), alert.ID, window(0, time.Hour))
	require.NoError(t, err)
	assert.NotEmpty(t, summary.RunID)
	assert.Equal(t, 1, summary.Created)
	require.Len(t, summary.Anomalies, 1)

	a := summary.Anomalies[0]
	assert.NotZero(t, a.ID)
	assert.Equal(t, alert.ID, a.AlertID)
	assert.Equal(t, at(10*time.Minute), a.StartTime)
	assert.Equal(t, at(12*time.Minute), a.EndTime)
	assert.Equal(t, "detect", a.ComponentName())
	assert.Equal(t, summary.RunID, a.Properties[engine.PropRunID])

	stored, err := fx.svc.ListAnomalies(context.Background(), models.NewAnomalySlice().WithDetectionID(alert.ID))
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestRunMergesWithHistory(t *testing.T) {
	fx := newFixture(t,
		row(10*time.Minute, "a", 50),
		row(11*time.Minute, "a", 60),
		row(12*time.Minute, "a", 70),
		row(40*time.Minute, "a", 70),
	)
	alert := fx.saveAlert(t, thresholdNodes())
	ctx := context.Background()

	_, err := fx.svc.Run(ctx, alert.ID, window(0, 12*time.Minute))
	require.NoError(t, err)

	second, err := fx.svc.Run(ctx, alert.ID, window(12*time.Minute, time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, second.Merged, "touching anomaly extends the stored one")
	assert.Equal(t, 1, second.Created, "distant anomaly is new")

	stored, err := fx.stores.Anomalies.FindAll(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, at(10*time.Minute), stored[0].StartTime)
	assert.Equal(t, at(13*time.Minute), stored[0].EndTime)
	assert.Len(t, stored[0].RawAnomalies, 3)
	assert.Equal(t, 2, stored[0].Version, "update bumps the version")
}

func TestRunIsIdempotentForSameWindow(t *testing.T) {
	fx := newFixture(t, row(10*time.Minute, "a", 50))
	alert := fx.saveAlert(t, thresholdNodes())
	ctx := context.Background()

	_, err := fx.svc.Run(ctx, alert.ID, window(0, time.Hour))
	require.NoError(t, err)
	again, err := fx.svc.Run(ctx, alert.ID, window(0, time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, again.Merged)

	stored, err := fx.stores.Anomalies.FindAll(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Len(t, stored[0].RawAnomalies, 1)
}

func TestRunWaitsForAlertMergeLock(t *testing.T) {
	fx := newFixture(t, row(10*time.Minute, "a", 50))
	alert := fx.saveAlert(t, thresholdNodes())
	key := "merge:" + strconv.FormatInt(alert.ID, 10)

	token, ok, err := fx.locker.TryLock(context.Background(), key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = fx.svc.Run(ctx, alert.ID, window(0, time.Hour))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	stored, err := fx.stores.Anomalies.FindAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, stored, "nothing is merged while another instance holds the alert")

	require.NoError(t, fx.locker.Unlock(context.Background(), key, token))
	summary, err := fx.svc.Run(context.Background(), alert.ID, window(0, time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Created)

	_, ok, _ = fx.locker.TryLock(context.Background(), key, time.Minute)
	assert.True(t, ok, "run releases the merge lock")
}

func TestRunMergeGapBridgesAnomalies(t *testing.T) {
	fx := newFixture(t,
		row(10*time.Minute, "a", 50),
		row(15*time.Minute, "a", 50),
	)
	fx.svc.deps.MergeMaxGap = 5 * time.Minute
	alert := fx.saveAlert(t, thresholdNodes())
	ctx := context.Background()

	_, err := fx.svc.Run(ctx, alert.ID, window(0, 12*time.Minute))
	require.NoError(t, err)
	second, err := fx.svc.Run(ctx, alert.ID, window(12*time.Minute, time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, second.Merged)

	stored, err := fx.stores.Anomalies.FindAll(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, at(16*time.Minute), stored[0].EndTime)
}

func TestRunNotifiesSubscribedGroups(t *testing.T) {
	fx := newFixture(t, row(10*time.Minute, "a", 50))
	alert := fx.saveAlert(t, thresholdNodes())
	ctx := context.Background()
	require.NoError(t, fx.stores.SubscriptionGroups.Save(ctx, &models.SubscriptionGroup{
		Name: "oncall", Topic: "pager", AlertAssociations: []models.AlertAssociation{{AlertID: alert.ID}},
	}))
	require.NoError(t, fx.stores.SubscriptionGroups.Save(ctx, &models.SubscriptionGroup{
		Name: "other", AlertAssociations: []models.AlertAssociation{{AlertID: alert.ID + 100}},
	}))

	summary, err := fx.svc.Run(ctx, alert.ID, window(0, time.Hour))
	require.NoError(t, err)

	require.Len(t, fx.notifier.sent, 1)
	n := fx.notifier.sent[0]
	assert.Equal(t, "oncall", n.Group)
	assert.Equal(t, "pager", n.Topic)
	assert.Equal(t, "cpu", n.AlertName)
	assert.Equal(t, summary.RunID, n.RunID)
	assert.Len(t, n.Anomalies, 1)
}

func TestRunForkJoinStampsEnumerationItems(t *testing.T) {
	fx := newFixture(t,
		row(10*time.Minute, "a", 50),
		row(10*time.Minute, "b", 70),
	)
	nodes := []models.PlanNode{
		{Name: "enumerate", Type: engine.TypeEnumerator, Params: map[string]any{
			"items": []any{
				map[string]any{"name": "host-a", "params": map[string]any{"host": "a"}},
				map[string]any{"name": "host-b", "params": map[string]any{"host": "b"}},
			},
			"idKeys": []any{"host"},
		}},
		{Name: "fetch", Type: engine.TypeDataFetcher, Params: map[string]any{
			"component.dataSource": "metrics",
			"component.table":      "cpu_${host}",
		}},
		{Name: "detect", Type: engine.TypeAnomalyDetector,
			Params: map[string]any{"type": detectors.TypeThreshold, "component.max": 10, "component.dimensions": []any{"host"}},
			Inputs: []models.InputRef{{TargetProperty: engine.InputCurrent, SourcePlanNode: "fetch", SourceProperty: engine.OutputCurrentData}},
		},
		{Name: "fork", Type: engine.TypeForkJoin, Params: map[string]any{"root": "detect"},
			Inputs: []models.InputRef{{TargetProperty: engine.InputEnumeration, SourcePlanNode: "enumerate", SourceProperty: engine.OutputEnumeration}},
		},
	}
	alert := fx.saveAlert(t, nodes)
	ctx := context.Background()

	summary, err := fx.svc.Run(ctx, alert.ID, window(0, time.Hour))
	require.NoError(t, err)
	require.Len(t, summary.EnumerationItems, 2)
	require.Len(t, summary.Anomalies, 2)

	byHost := map[string]*models.Anomaly{}
	for _, a := range summary.Anomalies {
		byHost[a.Dimensions["host"]] = a
	}
	for _, item := range summary.EnumerationItems {
		host := item.Params["host"].(string)
		require.NotNil(t, byHost[host].EnumerationItemID, host)
		assert.Equal(t, item.ID, *byHost[host].EnumerationItemID)
	}

	items, err := fx.svc.ListEnumerationItems(ctx, alert.ID)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	again, err := fx.svc.Run(ctx, alert.ID, window(0, time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, again.Merged, "items keep their identity across runs")
}

func TestRunRejectsEmptyIntervalAndUnknownAlert(t *testing.T) {
	fx := newFixture(t)
	alert := fx.saveAlert(t, thresholdNodes())

	_, err := fx.svc.Run(context.Background(), alert.ID, window(time.Hour, time.Hour))
	assert.ErrorIs(t, err, utils.ErrInvalidArgument)

	_, err = fx.svc.Run(context.Background(), alert.ID+1, window(0, time.Hour))
	assert.ErrorIs(t, err, utils.ErrNotFound)
}

func TestRunScheduledAdvancesWatermark(t *testing.T) {
	fx := newFixture(t, row(50*time.Minute, "a", 50))
	alert := fx.saveAlert(t, thresholdNodes())
	ctx := context.Background()

	require.NoError(t, fx.svc.RunScheduled(ctx, alert.ID))
	require.Len(t, fx.fetcher.reqs, 1)
	assert.Equal(t, at(0), fx.fetcher.reqs[0].Slice.Start(), "first run uses the lookback")
	assert.Equal(t, at(time.Hour), fx.fetcher.reqs[0].Slice.End())

	got, err := fx.stores.Alerts.Get(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, at(time.Hour), got.LastTimestamp)

	fx.now = base.Add(time.Hour + 5*time.Minute)
	require.NoError(t, fx.svc.RunScheduled(ctx, alert.ID))
	require.Len(t, fx.fetcher.reqs, 2)
	assert.Equal(t, at(time.Hour), fx.fetcher.reqs[1].Slice.Start(), "later runs start at the watermark")

	require.NoError(t, fx.svc.RunScheduled(ctx, alert.ID))
	assert.Len(t, fx.fetcher.reqs, 2, "empty window does not run")
}

func TestImportAlertsUpsertsByName(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	first, err := fx.svc.ImportAlerts(ctx, []models.Alert{{Name: "cpu", Active: true, Nodes: thresholdNodes()}})
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.NoError(t, fx.stores.Alerts.UpdateLastTimestamp(ctx, first[0].ID, 1234))

	second, err := fx.svc.ImportAlerts(ctx, []models.Alert{{Name: "cpu", Description: "updated", Nodes: thresholdNodes()}})
	require.NoError(t, err)
	assert.Equal(t, first[0].ID, second[0].ID)

	got, err := fx.stores.Alerts.Get(ctx, first[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "updated", got.Description)
	assert.Equal(t, int64(1234), got.LastTimestamp)
}

func TestImportAlertsRejectsCycles(t *testing.T) {
	fx := newFixture(t)
	cyclic := []models.PlanNode{
		{Name: "a", Type: engine.TypeDataFetcher, Inputs: []models.InputRef{{TargetProperty: "x", SourcePlanNode: "b", SourceProperty: "out"}}},
		{Name: "b", Type: engine.TypeDataFetcher, Inputs: []models.InputRef{{TargetProperty: "x", SourcePlanNode: "a", SourceProperty: "out"}}},
	}
	_, err := fx.svc.ImportAlerts(context.Background(), []models.Alert{{Name: "loop", Nodes: cyclic}})
	require.Error(t, err)

	all, err := fx.stores.Alerts.FindAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestGRPCHandlerRunAlert(t *testing.T) {
	fx := newFixture(t, row(10*time.Minute, "a", 50))
	fx.saveAlert(t, thresholdNodes())
	h := NewGRPCHandler(fx.svc)

	req, err := structpb.NewStruct(map[string]any{
		"alertName": "cpu",
		"start":     base.Format(time.RFC3339),
		"end":       base.Add(time.Hour).Format(time.RFC3339),
	})
	require.NoError(t, err)
	out, err := h.RunAlert(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, float64(1), out.GetFields()["created"].GetNumberValue())
	assert.Len(t, out.GetFields()["anomalies"].GetListValue().GetValues(), 1)

	missing, err := structpb.NewStruct(map[string]any{
		"alertName": "nope",
		"start":     base.Format(time.RFC3339),
		"end":       base.Add(time.Hour).Format(time.RFC3339),
	})
	require.NoError(t, err)
	_, err = h.RunAlert(context.Background(), missing)
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = h.RunAlert(context.Background(), &structpb.Struct{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGRPCHandlerListing(t *testing.T) {
	fx := newFixture(t, row(10*time.Minute, "a", 50))
	alert := fx.saveAlert(t, thresholdNodes())
	_, err := fx.svc.Run(context.Background(), alert.ID, window(0, time.Hour))
	require.NoError(t, err)
	h := NewGRPCHandler(fx.svc)

	req, err := structpb.NewStruct(map[string]any{"alertId": alert.ID, "filters": map[string]any{"host": "a"}})
	require.NoError(t, err)
	out, err := h.ListAnomalies(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, float64(1), out.GetFields()["count"].GetNumberValue())

	_, err = h.ListEnumerationItems(context.Background(), &structpb.Struct{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	health, err := h.HealthCheck(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "SERVING", health.GetFields()["status"].GetStringValue())
}
