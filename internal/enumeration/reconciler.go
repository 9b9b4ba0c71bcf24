// Package enumeration keeps dynamically generated enumeration items stable
// across detection runs: it deduplicates them, migrates legacy items onto
// alert-scoped ones and repairs conflicting duplicates.
package enumeration

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/miradorstack/mirador-detect/internal/lock"
	"github.com/miradorstack/mirador-detect/internal/metrics"
	"github.com/miradorstack/mirador-detect/internal/models"
	"github.com/miradorstack/mirador-detect/internal/utils"
)

// ItemStore persists enumeration items. Save assigns an id to new items and
// updates existing ones.
type ItemStore interface {
	Save(ctx context.Context, item *models.EnumerationItem) error
	FindByName(ctx context.Context, name string) ([]*models.EnumerationItem, error)
	Filter(ctx context.Context, filter models.EnumerationItemFilter) ([]*models.EnumerationItem, error)
	Delete(ctx context.Context, item *models.EnumerationItem) error
}

// AnomalyStore is the part of the anomaly store migrations need.
type AnomalyStore interface {
	Filter(ctx context.Context, filter models.AnomalyFilter) ([]*models.Anomaly, error)
	Update(ctx context.Context, anomaly *models.Anomaly) error
}

// SubscriptionGroupStore is the part of the subscription group store migrations need.
type SubscriptionGroupStore interface {
	FindAll(ctx context.Context) ([]*models.SubscriptionGroup, error)
	Update(ctx context.Context, group *models.SubscriptionGroup) error
}

// Options tune the per-alert lock. A nil Locker disables locking.
type Options struct {
	Locker        lock.Locker
	LockTTL       time.Duration
	RetryInterval time.Duration
}

// Reconciler resolves proposed enumeration items to persisted identities.
type Reconciler struct {
	items  ItemStore
	anoms  AnomalyStore
	groups SubscriptionGroupStore
	opts   Options
	logger *slog.Logger
}

// NewReconciler wires the stores together.
func NewReconciler(items ItemStore, anoms AnomalyStore, groups SubscriptionGroupStore, opts Options, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}
	return &Reconciler{items: items, anoms: anoms, groups: groups, opts: opts, logger: logger}
}

// Sync scopes every item to alertID and resolves it with FindExistingOrCreate.
// The result is in input order. Conflicts are repaired, not returned.
func (r *Reconciler) Sync(ctx context.Context, items []*models.EnumerationItem, idKeys []string, alertID int64) ([]*models.EnumerationItem, error) {
	if r.opts.Locker != nil {
		lease, err := lock.Acquire(ctx, r.opts.Locker, "enumeration:"+strconv.FormatInt(alertID, 10), r.opts.LockTTL, r.opts.RetryInterval)
		if err != nil {
			return nil, err
		}
		defer lease.Release()
	}

	out := make([]*models.EnumerationItem, 0, len(items))
	for _, source := range items {
		source.AlertID = models.Int64Ptr(alertID)
		resolved, err := r.FindExistingOrCreate(ctx, source, idKeys)
		if err != nil {
			return nil, err
		}
		out = append(out, resolved)
	}
	return out, nil
}

// FindExistingOrCreate returns the persisted item source stands for, creating
// it when none exists.
//
// With id keys the key restricted params decide identity and the stored item
// is overwritten with source's name and params. Without id keys identity is
// (name, params) within the alert, and legacy items that have no alert are
// migrated onto the newly created one.
func (r *Reconciler) FindExistingOrCreate(ctx context.Context, source *models.EnumerationItem, idKeys []string) (*models.EnumerationItem, error) {
	const op = "find or create enumeration item"
	if source == nil || source.Name == "" {
		return nil, utils.InvalidArgument(op, "enumeration item name does not exist")
	}
	if source.AlertID == nil {
		return nil, utils.InvalidArgument(op, "enumeration item %q needs a source alert", source.Name)
	}
	alertID := *source.AlertID

	if len(idKeys) > 0 {
		existing, err := r.FindUsingIDKeys(ctx, source, idKeys)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if existing.Name != source.Name || !models.ParamsEqual(existing.Params, source.Params) {
				existing.Name = source.Name
				existing.Params = source.Params
				if err := r.items.Save(ctx, existing); err != nil {
					return nil, fmt.Errorf("update enumeration item %d: %w", existing.ID, err)
				}
			}
			return existing, nil
		}
		if err := r.create(ctx, source); err != nil {
			return nil, err
		}
		return source, nil
	}

	byName, err := r.items.FindByName(ctx, source.Name)
	if err != nil {
		return nil, fmt.Errorf("find enumeration items by name %q: %w", source.Name, err)
	}
	var matching, withAlert []*models.EnumerationItem
	for _, e := range byName {
		if !source.Matches(e) {
			continue
		}
		matching = append(matching, e)
		if e.HasAlert(alertID) {
			withAlert = append(withAlert, e)
		}
	}

	if len(withAlert) > 0 {
		if len(withAlert) > 1 {
			r.logger.Error("found more than one enumeration item with alert",
				slog.String("name", source.Name),
				slog.Any("ids", ids(withAlert)),
				slog.Any("error", utils.ErrConflictDetected))
		}
		return withAlert[0], nil
	}

	if err := r.create(ctx, source); err != nil {
		return nil, err
	}
	for _, legacy := range matching {
		if legacy.AlertID != nil {
			continue
		}
		if err := r.Migrate(ctx, legacy, source); err != nil {
			return nil, err
		}
	}
	return source, nil
}

// FindUsingIDKeys returns the alert's item whose id-key restricted params equal
// source's, or nil. Several hits are repaired through HandleConflicts.
func (r *Reconciler) FindUsingIDKeys(ctx context.Context, source *models.EnumerationItem, idKeys []string) (*models.EnumerationItem, error) {
	candidates, err := r.items.Filter(ctx, models.EnumerationItemFilter{AlertID: source.AlertID})
	if err != nil {
		return nil, fmt.Errorf("filter enumeration items: %w", err)
	}
	sourceKey := source.Key(idKeys)
	var filtered []*models.EnumerationItem
	for _, e := range candidates {
		if models.ParamsEqual(sourceKey, e.Key(idKeys)) {
			filtered = append(filtered, e)
		}
	}

	switch len(filtered) {
	case 0:
		return nil, nil
	case 1:
		return filtered[0], nil
	}
	r.logger.Warn("found more than one enumeration item for key, attempting to fix",
		slog.String("name", source.Name),
		slog.Any("key", sourceKey),
		slog.Any("ids", ids(filtered)),
		slog.Any("error", utils.ErrConflictDetected))
	metrics.IncEnumerationConflict()
	return r.HandleConflicts(ctx, source, filtered)
}

// HandleConflicts keeps the best candidate among items sharing source's id
// keys. The others have their anomalies and subscriptions migrated onto it
// and are deleted.
func (r *Reconciler) HandleConflicts(ctx context.Context, source *models.EnumerationItem, items []*models.EnumerationItem) (*models.EnumerationItem, error) {
	if len(items) == 0 {
		return nil, nil
	}
	keep := findCandidate(source, items)
	if keep.AlertID == nil {
		keep.AlertID = source.AlertID
	}

	for _, e := range items {
		if e.ID == keep.ID {
			continue
		}
		if err := r.MigrateAndRemove(ctx, e, keep); err != nil {
			return nil, err
		}
	}
	return keep, nil
}

// Migrate repoints from's anomalies and subscriptions under to's alert onto to.
func (r *Reconciler) Migrate(ctx context.Context, from, to *models.EnumerationItem) error {
	const op = "migrate enumeration item"
	if from == nil || !from.Persisted() {
		return utils.InvalidArgument(op, "source item needs a generated id")
	}
	if to == nil || !to.Persisted() {
		return utils.InvalidArgument(op, "target item needs a generated id")
	}
	if to.AlertID == nil {
		return utils.InvalidArgument(op, "target item %d needs a valid alert", to.ID)
	}
	alertID := *to.AlertID

	r.logger.Info("migrating enumeration item",
		slog.Int64("from", from.ID),
		slog.Int64("to", to.ID),
		slog.Int64("alert_id", alertID))

	anomalies, err := r.anoms.Filter(ctx, models.AnomalyFilter{
		EnumerationItemID: models.Int64Ptr(from.ID),
		AlertID:           models.Int64Ptr(alertID),
	})
	if err != nil {
		return fmt.Errorf("filter anomalies of item %d: %w", from.ID, err)
	}
	for _, a := range anomalies {
		if a == nil {
			continue
		}
		a.EnumerationItemID = models.Int64Ptr(to.ID)
		if err := r.anoms.Update(ctx, a); err != nil {
			return fmt.Errorf("update anomaly %d: %w", a.ID, err)
		}
	}

	if err := r.migrateSubscriptionGroups(ctx, from.ID, to.ID, alertID); err != nil {
		return err
	}
	metrics.IncEnumerationMigration()
	return nil
}

// MigrateAndRemove migrates from onto to and deletes from.
func (r *Reconciler) MigrateAndRemove(ctx context.Context, from, to *models.EnumerationItem) error {
	if err := r.Migrate(ctx, from, to); err != nil {
		return err
	}
	r.logDelete(from)
	if err := r.items.Delete(ctx, from); err != nil {
		return fmt.Errorf("delete enumeration item %d: %w", from.ID, err)
	}
	return nil
}

func (r *Reconciler) create(ctx context.Context, source *models.EnumerationItem) error {
	if err := r.items.Save(ctx, source); err != nil {
		return fmt.Errorf("save enumeration item %q: %w", source.Name, err)
	}
	if !source.Persisted() {
		return utils.InvalidArgument("create enumeration item", "expecting a generated id for %q", source.Name)
	}
	return nil
}

func (r *Reconciler) migrateSubscriptionGroups(ctx context.Context, fromID, toID, alertID int64) error {
	groups, err := r.groups.FindAll(ctx)
	if err != nil {
		return fmt.Errorf("list subscription groups: %w", err)
	}
	for _, g := range groups {
		if g == nil || !g.RepointAssociations(alertID, fromID, toID) {
			continue
		}
		if err := r.groups.Update(ctx, g); err != nil {
			return fmt.Errorf("update subscription group %d: %w", g.ID, err)
		}
	}
	return nil
}

func (r *Reconciler) logDelete(e *models.EnumerationItem) {
	dump, err := json.Marshal(e)
	if err != nil {
		dump = []byte(fmt.Sprintf("%+v", *e))
	}
	r.logger.Warn("deleting enumeration item", slog.Int64("id", e.ID), slog.String("json", string(dump)))
}

// findCandidate prefers an exact match, then equal params, then the first item.
func findCandidate(source *models.EnumerationItem, items []*models.EnumerationItem) *models.EnumerationItem {
	for _, e := range items {
		if source.Matches(e) {
			return e
		}
	}
	for _, e := range items {
		if models.ParamsEqual(e.Params, source.Params) {
			return e
		}
	}
	return items[0]
}

func ids(items []*models.EnumerationItem) []int64 {
	out := make([]int64, 0, len(items))
	for _, e := range items {
		out = append(out, e.ID)
	}
	return out
}
