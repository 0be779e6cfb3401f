// Package dbtest opens migrated in-memory databases for package tests.
package dbtest

import (
	"testing"

	"tmon/internal/db"

	"gorm.io/gorm"
)

// Open returns a fresh, fully migrated in-memory SQLite database.
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	d, err := db.Open("sqlite", "file::memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Migrate(d); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := d.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return d
}
