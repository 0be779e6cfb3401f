package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TMON_SITE_URL", "https://hub.example.com")
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, RoleHub, cfg.Role)
	assert.Equal(t, time.Hour, cfg.Queue.TTL)
	assert.Equal(t, 10, cfg.Queue.MaxPerSite)
	assert.Equal(t, 5*time.Minute, cfg.Commands.ClaimTimeout)
	assert.Equal(t, time.Hour, cfg.Sentinel.Interval)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "https://hub.example.com", cfg.SiteURL)
}

func TestValidateHubNeedsSiteURL(t *testing.T) {
	_, err := Load("", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "site_url")

	cfg := &Config{Role: RoleHub}
	cfg.Queue.MaxPerSite = 1
	cfg.Queue.TTL = time.Minute
	assert.Error(t, cfg.Validate())
	cfg.SiteURL = "https://hub.example.com"
	assert.NoError(t, cfg.Validate())
}

func TestLoadFileAndFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tmon.yaml")
	body := `
role: hub
site_url: https://hub.example.com
queue:
  ttl: 30m
  max_per_site: 2
auth:
  session_tokens: ["op-1", "op-2"]
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("role", "", "")
	fs.String("port", "", "")
	require.NoError(t, fs.Parse([]string{"--port", "9090"}))

	cfg, err := Load(path, fs)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, cfg.Queue.TTL)
	assert.Equal(t, 2, cfg.Queue.MaxPerSite)
	assert.Equal(t, []string{"op-1", "op-2"}, cfg.Auth.SessionTokens)
	assert.Equal(t, "9090", cfg.Server.HTTPPort)
}

func TestValidateSpokeNeedsHub(t *testing.T) {
	cfg := &Config{Role: RoleSpoke, SiteURL: "https://uc.example.com"}
	cfg.Queue.MaxPerSite = 1
	cfg.Queue.TTL = time.Minute
	assert.Error(t, cfg.Validate())

	cfg.Hub.URL = "https://hub.example.com"
	assert.NoError(t, cfg.Validate())

	cfg.Role = "relay"
	assert.Error(t, cfg.Validate())
}
