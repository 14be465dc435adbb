// Package db owns the GORM connection backing the supplementary telemetry
// tables in internal/models (AgentTurnLog, HeartbeatRunLog). Adapted from
// the teacher's internal/db package: same Connect/AutoMigrate shape, but a
// local SQLite file instead of a networked Dolt/MySQL server, since EARL
// has no multi-host deployment to share a database across (SPEC_FULL.md
// §3 calls this store "additive", not a system of record).
package db

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect opens a GORM connection to the SQLite telemetry database at path,
// creating the file if it doesn't exist.
func Connect(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect to %s: %w", path, err)
	}
	return db, nil
}
