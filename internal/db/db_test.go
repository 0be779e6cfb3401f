package db

import (
	"bytes"
	"testing"

	"tmon/internal/logs"
	"tmon/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestOpenSQLiteAndMigrate(t *testing.T) {
	d, err := Open("sqlite", "file::memory:")
	require.NoError(t, err)
	require.NoError(t, Migrate(d))

	assert.True(t, d.Migrator().HasTable(&models.Command{}))
	assert.True(t, d.Migrator().HasTable("provision_queue"))
	assert.True(t, d.Migrator().HasColumn(&models.ProvisionEntry{}, "device_key"))
	assert.False(t, SupportsRowLocks(d))

	// idempotent
	require.NoError(t, Migrate(d))
}

func TestLookupMissIsNotLogged(t *testing.T) {
	var buf bytes.Buffer
	prev := logs.Logger.Out
	logs.Logger.SetOutput(&buf)
	t.Cleanup(func() { logs.Logger.SetOutput(prev) })

	d, err := Open("sqlite", "file::memory:")
	require.NoError(t, err)
	require.NoError(t, Migrate(d))

	var dev models.Device
	err = d.Where("unit_id = ?", "nobody").First(&dev).Error
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
	assert.NotContains(t, buf.String(), "record not found")

	// real errors still reach the log
	_ = d.Exec("SELECT * FROM no_such_table").Error
	assert.Contains(t, buf.String(), "component=db")
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open("oracle", "x")
	assert.Error(t, err)
}
