package models

import (
	"time"

	"gorm.io/gorm"
)

type DeviceStatus string

const (
	DeviceStatusPending   DeviceStatus = "pending"
	DeviceStatusActive    DeviceStatus = "active"
	DeviceStatusSuspended DeviceStatus = "suspended"
	DeviceStatusExpired   DeviceStatus = "expired"
)

// Blocked reports whether telemetry from a device in this status is refused.
func (s DeviceStatus) Blocked() bool {
	return s == DeviceStatusSuspended || s == DeviceStatusExpired
}

// Device is the provisioning record of a unit. UnitID and MachineID are
// stored normalized; either one may be empty but not both.
type Device struct {
	gorm.Model
	UnitID          string       `gorm:"column:unit_id;size:64;index" json:"unit_id"`
	MachineID       string       `gorm:"column:machine_id;size:64;index" json:"machine_id"`
	SiteURL         string       `gorm:"column:site_url;size:255;index" json:"site_url"`
	Role            string       `gorm:"size:32" json:"role,omitempty"`
	UnitName        string       `gorm:"size:255" json:"unit_name,omitempty"`
	Plan            string       `gorm:"size:64" json:"plan,omitempty"`
	Status          DeviceStatus `gorm:"size:16;default:'pending'" json:"status"`
	FirmwareVersion string       `gorm:"size:32" json:"firmware_version,omitempty"`
	SettingsStaged  bool         `gorm:"column:settings_staged" json:"settings_staged"`
	Notes           string       `gorm:"type:text" json:"notes,omitempty"`
}

// Suspension is the separate registry consulted by the field-data gate.
type Suspension struct {
	UnitID      string `gorm:"column:unit_id;primaryKey;size:64"`
	Reason      string `gorm:"size:255"`
	SuspendedAt time.Time
}
