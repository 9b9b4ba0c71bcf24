package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/miradorstack/mirador-detect/internal/models"
)

// SubscriptionGroupStore persists notification targets.
type SubscriptionGroupStore struct {
	db *gorm.DB
}

// Save inserts or updates a group.
func (s *SubscriptionGroupStore) Save(ctx context.Context, group *models.SubscriptionGroup) error {
	if err := s.db.WithContext(ctx).Save(group).Error; err != nil {
		return fmt.Errorf("save subscription group %q: %w", group.Name, err)
	}
	return nil
}

// FindAll lists every group by id.
func (s *SubscriptionGroupStore) FindAll(ctx context.Context) ([]*models.SubscriptionGroup, error) {
	var groups []*models.SubscriptionGroup
	if err := s.db.WithContext(ctx).Order("id").Find(&groups).Error; err != nil {
		return nil, fmt.Errorf("list subscription groups: %w", err)
	}
	return groups, nil
}

// Update writes an existing group.
func (s *SubscriptionGroupStore) Update(ctx context.Context, group *models.SubscriptionGroup) error {
	if !group.Persisted() {
		return fmt.Errorf("update subscription group: missing id")
	}
	return s.Save(ctx, group)
}
