package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/miradorstack/mirador-detect/internal/models"
)

// AlertStore persists alert definitions.
type AlertStore struct {
	db *gorm.DB
}

// Save inserts a new alert or updates an existing one.
func (s *AlertStore) Save(ctx context.Context, alert *models.Alert) error {
	if err := s.db.WithContext(ctx).Save(alert).Error; err != nil {
		return fmt.Errorf("save alert %q: %w", alert.Name, err)
	}
	return nil
}

// Get loads an alert by id.
func (s *AlertStore) Get(ctx context.Context, id int64) (*models.Alert, error) {
	var alert models.Alert
	if err := s.db.WithContext(ctx).First(&alert, id).Error; err != nil {
		return nil, notFound("get alert", "alert", id, err)
	}
	return &alert, nil
}

// FindByName loads an alert by its unique name.
func (s *AlertStore) FindByName(ctx context.Context, name string) (*models.Alert, error) {
	var alert models.Alert
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&alert).Error; err != nil {
		return nil, notFound("find alert", "alert", name, err)
	}
	return &alert, nil
}

// FindAll lists every alert by id.
func (s *AlertStore) FindAll(ctx context.Context) ([]*models.Alert, error) {
	var alerts []*models.Alert
	if err := s.db.WithContext(ctx).Order("id").Find(&alerts).Error; err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return alerts, nil
}

// FindActive lists alerts that should be scheduled.
func (s *AlertStore) FindActive(ctx context.Context) ([]*models.Alert, error) {
	var alerts []*models.Alert
	if err := s.db.WithContext(ctx).Where("active = ?", true).Order("id").Find(&alerts).Error; err != nil {
		return nil, fmt.Errorf("list active alerts: %w", err)
	}
	return alerts, nil
}

// UpdateLastTimestamp advances the scheduled-run watermark.
func (s *AlertStore) UpdateLastTimestamp(ctx context.Context, id, lastTimestamp int64) error {
	err := s.db.WithContext(ctx).Model(&models.Alert{}).Where("id = ?", id).
		Update("last_timestamp", lastTimestamp).Error
	if err != nil {
		return fmt.Errorf("update alert %d watermark: %w", id, err)
	}
	return nil
}

// Delete removes an alert.
func (s *AlertStore) Delete(ctx context.Context, id int64) error {
	if err := s.db.WithContext(ctx).Delete(&models.Alert{}, id).Error; err != nil {
		return fmt.Errorf("delete alert %d: %w", id, err)
	}
	return nil
}
