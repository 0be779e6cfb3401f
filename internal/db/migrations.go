// internal/db/migrations.go
package db

import (
	"fmt"

	"tmon/internal/models"

	"gorm.io/gorm"
)

// Migrate brings the schema up to date for both roles. Hub and spoke share
// one schema; each role simply leaves the other's tables empty.
func Migrate(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	if err := db.AutoMigrate(
		&models.Device{},
		&models.Suspension{},
		&models.Command{},
		&models.ProvisionEntry{},
		&models.StagedSettings{},
		&models.Credential{},
		&models.Pairing{},
		&models.AuditEntry{},
		&models.FieldData{},
	); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}
	return MigrateActiveCommandIndex(db)
}

// MigrateActiveCommandIndex adds a partial index over non-terminal
// commands where the dialect supports it; poll and sentinel only ever
// scan queued/claimed rows.
func MigrateActiveCommandIndex(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	switch db.Dialector.Name() {
	case "postgres":
		return db.Exec(`CREATE INDEX IF NOT EXISTS idx_cmd_active ON "commands" ("device_id", "id") WHERE "status" IN ('queued','claimed')`).Error
	case "sqlite":
		return db.Exec(`CREATE INDEX IF NOT EXISTS idx_cmd_active ON commands (device_id, id) WHERE status IN ('queued','claimed')`).Error
	case "mysql":
		// no partial indexes; idx_cmd_dev_status covers it
		return nil
	default:
		return fmt.Errorf("unsupported dialect: %s", db.Dialector.Name())
	}
}
