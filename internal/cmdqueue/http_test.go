package cmdqueue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"tmon/internal/models"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver map[string]models.Device

func (f fakeResolver) FindByKey(_ context.Context, key string) (models.Device, error) {
	d, ok := f[models.NormalizeKey(key)]
	if !ok {
		return d, ErrNotFound
	}
	return d, nil
}

func newRouter(t *testing.T) (*mux.Router, *Dispatcher) {
	q, _ := newQueue(t, Options{})
	d := NewDispatcher(q, nil)
	dev := models.Device{UnitID: "000007", MachineID: "aa:bb:cc"}
	h := NewHTTP(d, fakeResolver{"000007": dev, "aa:bb:cc": dev}, func(*http.Request) string { return "tester" })
	r := mux.NewRouter()
	h.RegisterDeviceRoutes(r)
	h.RegisterAdminRoutes(r.PathPrefix("/api/v1/admin").Subrouter())
	return r, d
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHTTPEnqueuePollComplete(t *testing.T) {
	r, d := newRouter(t)

	rec := do(r, http.MethodPost, "/api/v1/admin/commands", `{"unit_id":"000007","command":"relay_ctrl","params":{"relay":1,"state":"on"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct{ ID uint }
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = do(r, http.MethodPost, "/api/v1/admin/commands", `{"unit_id":"000007","command":"self_destruct"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// device polls with its machine id only
	rec = do(r, http.MethodGet, "/api/v1/device/commands?machine_id=AA:BB:CC", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var polled []wireCommand
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &polled))
	require.Len(t, polled, 1)
	assert.Equal(t, created.ID, polled[0].ID)
	assert.Equal(t, "relay_ctrl", polled[0].Command)

	// already claimed by the poll
	rec = do(r, http.MethodPost, "/api/v1/device/commands/"+itoa(created.ID)+"/claim", `{"unit_id":"000007"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.JSONEq(t, `{"result":"stale"}`, rec.Body.String())

	rec = do(r, http.MethodPost, "/api/v1/device/commands/"+itoa(created.ID)+"/complete", `{"status":"done","result":{"relay":"on"}}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	c, err := d.Queue().Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommandDone, c.Status)
	assert.Equal(t, "tester", c.RequestedBy)

	rec = do(r, http.MethodPost, "/api/v1/admin/commands/purge", `{"unit_id":"000007"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"purged":1}`, rec.Body.String())
}

func TestHTTPPollRequiresKey(t *testing.T) {
	r, _ := newRouter(t)
	rec := do(r, http.MethodGet, "/api/v1/device/commands", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTPDeleteQueued(t *testing.T) {
	r, d := newRouter(t)
	c, err := d.Queue().Enqueue(context.Background(), "000007", "run_func", nil, "")
	require.NoError(t, err)

	rec := do(r, http.MethodDelete, "/api/v1/admin/commands/"+itoa(c.ID), "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(r, http.MethodDelete, "/api/v1/admin/commands/"+itoa(c.ID), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func itoa(id uint) string {
	b, _ := json.Marshal(id)
	return string(b)
}
