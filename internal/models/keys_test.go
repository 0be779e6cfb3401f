package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeKeyRoundTrip(t *testing.T) {
	assert.Equal(t, NormalizeKey("abc-123"), NormalizeKey(" AbC-123 "))
	assert.Equal(t, "", NormalizeKey("   "))
}

func TestNormalizeSiteURL(t *testing.T) {
	assert.Equal(t, "https://uc.example.com", NormalizeSiteURL(" HTTPS://UC.example.com/ "))
	assert.Equal(t, "https://uc.example.com/path", NormalizeSiteURL("https://uc.example.com/path//"))
}

func TestStatusPredicates(t *testing.T) {
	assert.True(t, DeviceStatusSuspended.Blocked())
	assert.True(t, DeviceStatusExpired.Blocked())
	assert.False(t, DeviceStatusPending.Blocked())
	assert.True(t, CommandExpired.Terminal())
	assert.False(t, CommandClaimed.Terminal())
}
