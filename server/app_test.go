package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"tmon/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, role string) *config.Config {
	t.Helper()
	cfg, err := config.Load("", nil)
	require.NoError(t, err)
	cfg.Role = role
	cfg.SiteURL = "http://127.0.0.1:1"
	cfg.Hub.URL = "http://127.0.0.1:1"
	cfg.Database.DSN = filepath.Join(t.TempDir(), "tmon.db")
	cfg.Install.StagingDir = t.TempDir()
	cfg.Auth.SessionTokens = []string{"op"}
	cfg.Server.Address = "127.0.0.1"
	cfg.Server.HTTPPort = "0"
	return cfg
}

func do(a *App, method, path, token string) int {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.Router.ServeHTTP(rec, req)
	return rec.Code
}

func TestInitializeHub(t *testing.T) {
	var a App
	require.NoError(t, a.Initialize(testConfig(t, config.RoleHub)))
	assert.NotNil(t, a.hub)
	assert.Nil(t, a.sentinel)

	assert.Equal(t, http.StatusOK, do(&a, http.MethodGet, "/healthz", ""))
	assert.Equal(t, http.StatusOK, do(&a, http.MethodGet, "/readyz", ""))
	assert.Equal(t, http.StatusForbidden, do(&a, http.MethodGet, "/api/v1/admin/devices", ""))
	assert.Equal(t, http.StatusOK, do(&a, http.MethodGet, "/api/v1/admin/devices", "op"))
	assert.Equal(t, http.StatusForbidden, do(&a, http.MethodGet, "/api/v1/hub/provision/pending?site_url=x", ""))
}

func TestInitializeSpoke(t *testing.T) {
	var a App
	require.NoError(t, a.Initialize(testConfig(t, config.RoleSpoke)))
	assert.NotNil(t, a.spoke)
	assert.NotNil(t, a.sentinel)

	// device endpoints are open, admin ones are not
	assert.Equal(t, http.StatusOK, do(&a, http.MethodGet, "/api/v1/device/commands?unit_id=u1", ""))
	assert.Equal(t, http.StatusBadRequest, do(&a, http.MethodGet, "/api/v1/device/commands", ""))
	assert.Equal(t, http.StatusForbidden, do(&a, http.MethodGet, "/api/v1/admin/commands", ""))
	assert.Equal(t, http.StatusOK, do(&a, http.MethodGet, "/api/v1/admin/commands", "op"))
}

func TestRunBeforeInitialize(t *testing.T) {
	var a App
	assert.ErrorIs(t, a.Run(), ErrNotInitialized)
}

func TestServeStopsOnCancel(t *testing.T) {
	var a App
	require.NoError(t, a.Initialize(testConfig(t, config.RoleSpoke)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.serve(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
