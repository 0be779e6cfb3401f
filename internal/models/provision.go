package models

import (
	"time"

	"gorm.io/datatypes"
)

// ProvisionEntry is the single pending configuration payload for a device
// key. The column is device_key, not key: key is reserved in MySQL.
type ProvisionEntry struct {
	DeviceKey   string         `gorm:"column:device_key;primaryKey;size:64" json:"key"`
	SiteURL     string         `gorm:"column:site_url;size:255;index:idx_pq_site_requested,priority:1" json:"site_url"`
	Payload     datatypes.JSON `gorm:"column:payload" json:"payload"`
	RequestedAt time.Time      `gorm:"index:idx_pq_site_requested,priority:2;index" json:"requested_at"`
	RequestedBy string         `gorm:"size:128" json:"requested_by"`
}

func (ProvisionEntry) TableName() string { return "provision_queue" }

// StagedSettings holds settings waiting for a device to confirm them.
// SourceKey is the hub queue key they arrived under, when that differs.
type StagedSettings struct {
	DeviceKey string         `gorm:"column:device_key;primaryKey;size:64" json:"key"`
	SourceKey string         `gorm:"column:source_key;size:64" json:"source_key,omitempty"`
	Settings  datatypes.JSON `gorm:"column:settings" json:"settings"`
	StagedAt  time.Time      `json:"staged_at"`
	StagedBy  string         `gorm:"size:128" json:"staged_by"`
}
