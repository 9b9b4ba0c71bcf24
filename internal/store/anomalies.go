package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/miradorstack/mirador-detect/internal/models"
)

// AnomalyStore persists merged anomalies.
type AnomalyStore struct {
	db *gorm.DB
}

// Save inserts a new anomaly.
func (s *AnomalyStore) Save(ctx context.Context, anomaly *models.Anomaly) error {
	if err := s.db.WithContext(ctx).Create(anomaly).Error; err != nil {
		return fmt.Errorf("save anomaly: %w", err)
	}
	return nil
}

// Update writes every field of an existing anomaly.
func (s *AnomalyStore) Update(ctx context.Context, anomaly *models.Anomaly) error {
	if !anomaly.Persisted() {
		return fmt.Errorf("update anomaly: missing id")
	}
	if err := s.db.WithContext(ctx).Save(anomaly).Error; err != nil {
		return fmt.Errorf("update anomaly %d: %w", anomaly.ID, err)
	}
	return nil
}

// Filter selects anomalies by alert and enumeration item. Nil fields match anything.
func (s *AnomalyStore) Filter(ctx context.Context, filter models.AnomalyFilter) ([]*models.Anomaly, error) {
	q := s.db.WithContext(ctx).Model(&models.Anomaly{})
	if filter.AlertID != nil {
		q = q.Where("alert_id = ?", *filter.AlertID)
	}
	if filter.EnumerationItemID != nil {
		q = q.Where("enumeration_item_id = ?", *filter.EnumerationItemID)
	}
	var out []*models.Anomaly
	if err := q.Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("filter anomalies: %w", err)
	}
	return out, nil
}

// FilterBySlice narrows by alert and time overlap in SQL, then applies the
// slice's dimension and component rules in memory.
func (s *AnomalyStore) FilterBySlice(ctx context.Context, slice models.AnomalySlice) ([]*models.Anomaly, error) {
	q := s.db.WithContext(ctx).Model(&models.Anomaly{})
	if id := slice.DetectionID(); id >= 0 {
		q = q.Where("alert_id = ?", id)
	}
	if start := slice.Start(); start >= 0 {
		q = q.Where("end_time > ?", start)
	}
	if end := slice.End(); end >= 0 {
		q = q.Where("start_time < ?", end)
	}
	var candidates []*models.Anomaly
	if err := q.Order("start_time").Order("id").Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("filter anomalies by slice: %w", err)
	}
	out := candidates[:0]
	for _, a := range candidates {
		if slice.Match(a) {
			out = append(out, a)
		}
	}
	return out, nil
}

// FindAll lists every anomaly by id.
func (s *AnomalyStore) FindAll(ctx context.Context) ([]*models.Anomaly, error) {
	return s.Filter(ctx, models.AnomalyFilter{})
}
