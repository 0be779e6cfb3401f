package provision

import (
	"encoding/json"
	"errors"
	"net/http"

	"tmon/internal/models"
	"tmon/internal/settings"

	"github.com/gorilla/mux"
)

type Actor func(r *http.Request) string

type HTTP struct {
	svc   *Service
	actor Actor
}

func NewHTTP(svc *Service, actor Actor) *HTTP {
	if actor == nil {
		actor = func(*http.Request) string { return "" }
	}
	return &HTTP{svc: svc, actor: actor}
}

// RegisterAdminRoutes mounts the operator endpoints on r; the caller
// wraps r with authentication.
func (h *HTTP) RegisterAdminRoutes(r *mux.Router) {
	// POST /devices  { unit_id?, machine_id?, site_url, unit_name, plan, role, firmware, settings }
	r.HandleFunc("/devices", h.provision).Methods(http.MethodPost)

	// POST /provision  { key, payload } or { key, manage_action: reenqueue|delete }
	r.HandleFunc("/provision", h.manage).Methods(http.MethodPost)
	r.HandleFunc("/provision", h.list).Methods(http.MethodGet)
	r.HandleFunc("/provision/{key}", h.get).Methods(http.MethodGet)
	r.HandleFunc("/provision/{key}", h.delete).Methods(http.MethodDelete)
}

type deliveryOut struct {
	Status   string `json:"status"`
	Stored   bool   `json:"stored"`
	Notified bool   `json:"notified"`
	Key      string `json:"key,omitempty"`
	UnitID   string `json:"unit_id,omitempty"`
}

func (h *HTTP) provision(w http.ResponseWriter, r *http.Request) {
	var in Request
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body", nil)
		return
	}
	dev, entry, del, err := h.svc.Provision(r.Context(), in, h.actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusCreated, deliveryOut{
		Status: del.String(), Stored: del.Stored, Notified: del.Notified,
		Key: entry.DeviceKey, UnitID: dev.UnitID,
	})
}

func (h *HTTP) manage(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Key          string          `json:"key"`
		Payload      json.RawMessage `json:"payload"`
		ManageAction string          `json:"manage_action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid body (need {key, payload})", nil)
		return
	}
	switch in.ManageAction {
	case "delete":
		if err := h.svc.Queue().Delete(r.Context(), in.Key); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	case "", "enqueue", "reenqueue":
	default:
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "unknown manage_action", nil)
		return
	}
	if in.ManageAction == "enqueue" && isEmptyPayload(in.Payload) {
		writeError(w, ErrInvalidPayload)
		return
	}
	entry, del, err := h.svc.Reenqueue(r.Context(), in.Key, in.Payload, h.actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, deliveryOut{
		Status: del.String(), Stored: del.Stored, Notified: del.Notified, Key: entry.DeviceKey,
	})
}

func (h *HTTP) list(w http.ResponseWriter, r *http.Request) {
	es, err := h.svc.Queue().List(r.Context(), r.URL.Query().Get("site_url"))
	if err != nil {
		writeError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, es)
}

func (h *HTTP) get(w http.ResponseWriter, r *http.Request) {
	e, err := h.svc.Queue().Get(r.Context(), mux.Vars(r)["key"])
	if err != nil {
		writeError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, e)
}

func (h *HTTP) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Queue().Delete(r.Context(), mux.Vars(r)["key"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidKey), errors.Is(err, ErrInvalidPayload),
		errors.Is(err, ErrNoPayload), errors.Is(err, settings.ErrInvalid):
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", err.Error(), nil)
	case errors.Is(err, ErrNotFound):
		models.WriteProblem(w, http.StatusNotFound, "Not Found", err.Error(), nil)
	default:
		models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", err.Error(), nil)
	}
}
