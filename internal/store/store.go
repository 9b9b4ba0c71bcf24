// Package store persists alerts, anomalies, enumeration items and subscription
// groups through gorm.
package store

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/miradorstack/mirador-detect/internal/models"
	"github.com/miradorstack/mirador-detect/internal/utils"
)

// Config selects the database.
type Config struct {
	Driver       string
	DSN          string
	MaxOpenConns int
}

// Open connects to the configured database and migrates the schema.
func Open(cfg Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite", "sqlite3":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "file::memory:?cache=shared"
		}
		dialector = sqlite.Open(dsn)
	case "postgres", "postgresql":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, utils.InvalidArgument("open store", "unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// AutoMigrate creates or updates every table.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Alert{},
		&models.Anomaly{},
		&models.EnumerationItem{},
		&models.SubscriptionGroup{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// Stores bundles the per-entity stores over one connection.
type Stores struct {
	Alerts             *AlertStore
	Anomalies          *AnomalyStore
	EnumerationItems   *EnumerationItemStore
	SubscriptionGroups *SubscriptionGroupStore
}

// New builds every store over db.
func New(db *gorm.DB) *Stores {
	return &Stores{
		Alerts:             &AlertStore{db: db},
		Anomalies:          &AnomalyStore{db: db},
		EnumerationItems:   &EnumerationItemStore{db: db},
		SubscriptionGroups: &SubscriptionGroupStore{db: db},
	}
}

func notFound(op, entity string, key any, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.NotFound(op, "%s not found: %v", entity, key)
	}
	return fmt.Errorf("%s: %w", op, err)
}
