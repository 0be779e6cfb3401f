package models

import (
	"time"

	"gorm.io/datatypes"
)

// AuditEntry is append-only.
type AuditEntry struct {
	ID        string         `gorm:"primaryKey;size:36" json:"id"`
	Action    string         `gorm:"size:64;index" json:"action"`
	UnitID    string         `gorm:"column:unit_id;size:64;index" json:"unit_id,omitempty"`
	MachineID string         `gorm:"column:machine_id;size:64" json:"machine_id,omitempty"`
	SiteURL   string         `gorm:"column:site_url;size:255" json:"site_url,omitempty"`
	Actor     string         `gorm:"size:128" json:"actor,omitempty"`
	Details   datatypes.JSON `json:"details,omitempty"`
	CreatedAt time.Time      `gorm:"index" json:"created_at"`
}
