package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/memberreview/internal/applications"
	"github.com/MarcoPoloResearchLab/memberreview/internal/membership"
	"github.com/MarcoPoloResearchLab/memberreview/internal/overlays"
	"github.com/MarcoPoloResearchLab/memberreview/internal/profiles"
	"github.com/MarcoPoloResearchLab/memberreview/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// Migrate creates or updates every table and applies pending named migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}

// Models lists every persisted model of the service.
func Models() []any {
	var models []any
	models = append(models, applications.Models()...)
	models = append(models, overlays.Models()...)
	models = append(models, profiles.Models()...)
	models = append(models, membership.Models()...)
	models = append(models, users.Models()...)
	models = append(models, &migrationRecord{})
	return models
}
