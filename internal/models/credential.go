package models

import "time"

// Credential is a named secret in the local key-value credential store.
type Credential struct {
	Name      string `gorm:"column:name;primaryKey;size:64"`
	Value     string `gorm:"size:255"`
	UpdatedAt time.Time
}

// Pairing is the hub-side record of a paired spoke.
type Pairing struct {
	SiteURL   string `gorm:"column:site_url;primaryKey;size:255"`
	UCKey     string `gorm:"column:uc_key;size:128"`
	ReadToken string `gorm:"column:read_token;size:128;index"`
	PairedAt  time.Time
}
