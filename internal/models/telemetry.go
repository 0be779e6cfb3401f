package models

import (
	"time"

	"gorm.io/datatypes"
)

// FieldData is an accepted telemetry record.
type FieldData struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	UnitID     string         `gorm:"column:unit_id;size:64;index" json:"unit_id"`
	MachineID  string         `gorm:"column:machine_id;size:64" json:"machine_id,omitempty"`
	SiteURL    string         `gorm:"column:site_url;size:255;index" json:"site_url"`
	Payload    datatypes.JSON `json:"payload"`
	RecordedAt time.Time      `gorm:"index" json:"recorded_at"`
}

func (FieldData) TableName() string { return "field_data" }
