package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/earlbridge/earl/internal/models"
)

// AllModels returns every GORM model migrated into the telemetry database.
func AllModels() []interface{} {
	return []interface{}{
		&models.AgentTurnLog{},
		&models.HeartbeatRunLog{},
	}
}

// AutoMigrate creates or updates all telemetry tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
