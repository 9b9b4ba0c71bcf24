package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-detect/internal/enumeration"
	"github.com/miradorstack/mirador-detect/internal/models"
	"github.com/miradorstack/mirador-detect/internal/utils"
)

func newTestStores(t *testing.T) *Stores {
	t.Helper()
	db, err := Open(Config{Driver: "sqlite", DSN: ":memory:", MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return New(db)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "oracle"})
	assert.ErrorIs(t, err, utils.ErrInvalidArgument)
}

func TestAlertStoreRoundTrip(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	alert := &models.Alert{
		Name:   "cpu",
		Cron:   "0 */5 * * * *",
		Active: true,
		Nodes: []models.PlanNode{{
			Name:   "fetch",
			Type:   "DataFetcher",
			Params: map[string]any{"component.dataSource": "metrics"},
		}},
	}
	require.NoError(t, s.Alerts.Save(ctx, alert))
	require.NotZero(t, alert.ID)
	require.NoError(t, s.Alerts.Save(ctx, &models.Alert{Name: "idle", Nodes: alert.Nodes}))

	got, err := s.Alerts.FindByName(ctx, "cpu")
	require.NoError(t, err)
	assert.Equal(t, alert.ID, got.ID)
	require.Len(t, got.Nodes, 1)
	assert.Equal(t, "metrics", got.Nodes[0].Params["component.dataSource"])

	active, err := s.Alerts.FindActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "cpu", active[0].Name)

	require.NoError(t, s.Alerts.UpdateLastTimestamp(ctx, alert.ID, 1234))
	got, err = s.Alerts.Get(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1234), got.LastTimestamp)

	_, err = s.Alerts.Get(ctx, 999)
	assert.ErrorIs(t, err, utils.ErrNotFound)
}

func TestAnomalyStoreFilterBySlice(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	mk := func(alert, start, end int64, host, component string) *models.Anomaly {
		a := &models.Anomaly{AlertID: alert, StartTime: start, EndTime: end, Dimensions: map[string]string{"host": host}}
		a.SetProperty(models.PropDetectorComponentName, component)
		require.NoError(t, s.Anomalies.Save(ctx, a))
		return a
	}
	hit := mk(1, 100, 200, "a", "detect")
	mk(1, 100, 200, "b", "detect")
	mk(1, 300, 400, "a", "detect")
	mk(2, 100, 200, "a", "detect")
	mk(1, 100, 200, "a", "other")

	slice := models.NewAnomalySlice().
		WithDetectionID(1).
		WithStart(150).
		WithEnd(250).
		WithFilter("host", "a").
		WithDetectionComponentNames([]string{"detect"})
	got, err := s.Anomalies.FilterBySlice(ctx, slice)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, hit.ID, got[0].ID)
	assert.Equal(t, "a", got[0].Dimensions["host"])
}

func TestAnomalyStoreFilterAndUpdate(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	a := &models.Anomaly{AlertID: 1, EnumerationItemID: models.Int64Ptr(10), StartTime: 0, EndTime: 60_000,
		RawAnomalies: []models.RawAnomaly{{StartTime: 0, EndTime: 60_000, Weight: 1}}}
	require.NoError(t, s.Anomalies.Save(ctx, a))

	a.EnumerationItemID = models.Int64Ptr(11)
	require.NoError(t, s.Anomalies.Update(ctx, a))

	old, err := s.Anomalies.Filter(ctx, models.AnomalyFilter{EnumerationItemID: models.Int64Ptr(10)})
	require.NoError(t, err)
	assert.Empty(t, old)

	moved, err := s.Anomalies.Filter(ctx, models.AnomalyFilter{AlertID: models.Int64Ptr(1), EnumerationItemID: models.Int64Ptr(11)})
	require.NoError(t, err)
	require.Len(t, moved, 1)
	assert.Len(t, moved[0].RawAnomalies, 1)
}

func TestReconcilerOverGormIsIdempotent(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()
	r := enumeration.NewReconciler(s.EnumerationItems, s.Anomalies, s.SubscriptionGroups, enumeration.Options{}, nil)

	items := func() []*models.EnumerationItem {
		return []*models.EnumerationItem{
			models.NewEnumerationItem("host-a", map[string]any{"host": "a", "threshold": 3}),
		}
	}
	first, err := r.Sync(ctx, items(), nil, 1)
	require.NoError(t, err)
	second, err := r.Sync(ctx, items(), nil, 1)
	require.NoError(t, err)
	assert.Equal(t, first[0].ID, second[0].ID, "numeric params survive the json column round trip")

	all, err := s.EnumerationItems.Filter(ctx, models.EnumerationItemFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestReconcilerOverGormMigratesSubscriptions(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	legacy := models.NewEnumerationItem("host-a", map[string]any{"host": "a"})
	require.NoError(t, s.EnumerationItems.Save(ctx, legacy))
	group := &models.SubscriptionGroup{Name: "oncall", AlertAssociations: []models.AlertAssociation{
		{AlertID: 1, EnumerationItemID: models.Int64Ptr(legacy.ID)},
	}}
	require.NoError(t, s.SubscriptionGroups.Save(ctx, group))

	r := enumeration.NewReconciler(s.EnumerationItems, s.Anomalies, s.SubscriptionGroups, enumeration.Options{}, nil)
	got, err := r.Sync(ctx, []*models.EnumerationItem{models.NewEnumerationItem("host-a", map[string]any{"host": "a"})}, nil, 1)
	require.NoError(t, err)
	require.NotEqual(t, legacy.ID, got[0].ID)

	groups, err := s.SubscriptionGroups.FindAll(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, got[0].ID, *groups[0].AlertAssociations[0].EnumerationItemID)
}
