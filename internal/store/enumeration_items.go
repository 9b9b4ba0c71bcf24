package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/miradorstack/mirador-detect/internal/models"
)

// EnumerationItemStore persists enumeration items.
type EnumerationItemStore struct {
	db *gorm.DB
}

// Save inserts a new item, assigning its id, or updates an existing one.
func (s *EnumerationItemStore) Save(ctx context.Context, item *models.EnumerationItem) error {
	if err := s.db.WithContext(ctx).Save(item).Error; err != nil {
		return fmt.Errorf("save enumeration item %q: %w", item.Name, err)
	}
	return nil
}

// Get loads an item by id.
func (s *EnumerationItemStore) Get(ctx context.Context, id int64) (*models.EnumerationItem, error) {
	var item models.EnumerationItem
	if err := s.db.WithContext(ctx).First(&item, id).Error; err != nil {
		return nil, notFound("get enumeration item", "enumeration item", id, err)
	}
	return &item, nil
}

// FindByName lists items with the given name across alerts.
func (s *EnumerationItemStore) FindByName(ctx context.Context, name string) ([]*models.EnumerationItem, error) {
	var items []*models.EnumerationItem
	if err := s.db.WithContext(ctx).Where("name = ?", name).Order("id").Find(&items).Error; err != nil {
		return nil, fmt.Errorf("find enumeration items %q: %w", name, err)
	}
	return items, nil
}

// Filter lists items of an alert, or every item when the filter is empty.
func (s *EnumerationItemStore) Filter(ctx context.Context, filter models.EnumerationItemFilter) ([]*models.EnumerationItem, error) {
	q := s.db.WithContext(ctx).Model(&models.EnumerationItem{})
	if filter.AlertID != nil {
		q = q.Where("alert_id = ?", *filter.AlertID)
	}
	var items []*models.EnumerationItem
	if err := q.Order("id").Find(&items).Error; err != nil {
		return nil, fmt.Errorf("filter enumeration items: %w", err)
	}
	return items, nil
}

// Delete removes an item.
func (s *EnumerationItemStore) Delete(ctx context.Context, item *models.EnumerationItem) error {
	if err := s.db.WithContext(ctx).Delete(&models.EnumerationItem{}, item.ID).Error; err != nil {
		return fmt.Errorf("delete enumeration item %d: %w", item.ID, err)
	}
	return nil
}
