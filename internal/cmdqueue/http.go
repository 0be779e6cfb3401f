package cmdqueue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"tmon/internal/models"

	"github.com/gorilla/mux"
)

// Resolver maps a single key to the device record so a poll by unit_id
// also sees commands queued under the machine_id and vice versa.
type Resolver interface {
	FindByKey(ctx context.Context, key string) (models.Device, error)
}

// Actor names the authenticated caller for attribution.
type Actor func(r *http.Request) string

type HTTP struct {
	d       *Dispatcher
	devices Resolver
	actor   Actor
}

func NewHTTP(d *Dispatcher, devices Resolver, actor Actor) *HTTP {
	if actor == nil {
		actor = func(*http.Request) string { return "" }
	}
	return &HTTP{d: d, devices: devices, actor: actor}
}

// RegisterDeviceRoutes mounts the open device-facing endpoints.
func (h *HTTP) RegisterDeviceRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1/device").Subrouter()

	// GET /api/v1/device/commands?unit_id=...&machine_id=...
	api.HandleFunc("/commands", h.poll).Methods(http.MethodGet)
	// POST /api/v1/device/commands/{id}/claim  { unit_id }
	api.HandleFunc("/commands/{id}/claim", h.claim).Methods(http.MethodPost)
	// POST /api/v1/device/commands/{id}/complete  { status, result }
	api.HandleFunc("/commands/{id}/complete", h.complete).Methods(http.MethodPost)
}

// RegisterAdminRoutes mounts the admin endpoints on r; the caller wraps r
// with authentication.
func (h *HTTP) RegisterAdminRoutes(r *mux.Router) {
	r.HandleFunc("/commands", h.enqueue).Methods(http.MethodPost)
	r.HandleFunc("/commands", h.list).Methods(http.MethodGet)
	r.HandleFunc("/commands/purge", h.purge).Methods(http.MethodPost)
	r.HandleFunc("/commands/{id}", h.delete).Methods(http.MethodDelete)
}

func (h *HTTP) keys(ctx context.Context, unitID, machineID string) []string {
	keys := []string{unitID, machineID}
	if h.devices == nil {
		return keys
	}
	for _, k := range []string{unitID, machineID} {
		if k == "" {
			continue
		}
		if d, err := h.devices.FindByKey(ctx, k); err == nil {
			keys = append(keys, d.UnitID, d.MachineID)
			break
		}
	}
	return keys
}

func pathID(r *http.Request) (uint, bool) {
	u, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil || u == 0 {
		return 0, false
	}
	return uint(u), true
}

type wireCommand struct {
	ID      uint            `json:"id"`
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params"`
}

func (h *HTTP) poll(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	keys := h.keys(r.Context(), q.Get("unit_id"), q.Get("machine_id"))
	cmds, err := h.d.Queue().Poll(r.Context(), keys...)
	if errors.Is(err, ErrInvalid) {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "unit_id or machine_id required", nil)
		return
	}
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", err.Error(), nil)
		return
	}
	out := make([]wireCommand, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, wireCommand{ID: c.ID, Command: c.Command, Params: json.RawMessage(c.Params)})
	}
	models.WriteJSON(w, http.StatusOK, out)
}

func (h *HTTP) claim(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid command id", nil)
		return
	}
	var in struct {
		UnitID    string `json:"unit_id"`
		MachineID string `json:"machine_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid body (need {unit_id})", nil)
		return
	}
	err := h.d.Queue().Claim(r.Context(), id, h.keys(r.Context(), in.UnitID, in.MachineID)...)
	h.writeResult(w, err)
}

func (h *HTTP) complete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid command id", nil)
		return
	}
	var in struct {
		Status string          `json:"status"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid body (need {status, result})", nil)
		return
	}
	_, err := h.d.Complete(r.Context(), id, models.CommandStatus(in.Status), in.Result)
	h.writeResult(w, err)
}

func (h *HTTP) writeResult(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		models.WriteJSON(w, http.StatusOK, map[string]string{"result": "ok"})
	case errors.Is(err, ErrStale):
		models.WriteJSON(w, http.StatusConflict, map[string]string{"result": "stale"})
	case errors.Is(err, ErrNotFound):
		models.WriteProblem(w, http.StatusNotFound, "Not Found", err.Error(), nil)
	case errors.Is(err, ErrInvalid):
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", err.Error(), nil)
	default:
		models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", err.Error(), nil)
	}
}

func (h *HTTP) enqueue(w http.ResponseWriter, r *http.Request) {
	var in struct {
		UnitID  string          `json:"unit_id"`
		Command string          `json:"command"`
		Params  json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.UnitID == "" || in.Command == "" {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid body (need {unit_id, command, params})", nil)
		return
	}
	c, err := h.d.Dispatch(r.Context(), in.UnitID, Verb(in.Command), in.Params, h.actor(r))
	if err != nil {
		if errors.Is(err, ErrUnknownVerb) || errors.Is(err, ErrInvalid) {
			models.WriteProblem(w, http.StatusBadRequest, "Bad Request", err.Error(), nil)
			return
		}
		models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", err.Error(), nil)
		return
	}
	models.WriteJSON(w, http.StatusCreated, map[string]uint{"id": c.ID})
}

func (h *HTTP) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cmds, err := h.d.Queue().List(r.Context(), q.Get("unit_id"), models.CommandStatus(q.Get("status")))
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", err.Error(), nil)
		return
	}
	models.WriteJSON(w, http.StatusOK, cmds)
}

func (h *HTTP) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid command id", nil)
		return
	}
	if err := h.d.Queue().Delete(r.Context(), id); err != nil {
		h.writeResult(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) purge(w http.ResponseWriter, r *http.Request) {
	var in struct {
		UnitID    string `json:"unit_id"`
		MachineID string `json:"machine_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid body (need {unit_id})", nil)
		return
	}
	n, err := h.d.Queue().Purge(r.Context(), h.keys(r.Context(), in.UnitID, in.MachineID)...)
	if err != nil {
		h.writeResult(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]int64{"purged": n})
}
