package gate

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"tmon/internal/devices"
	"tmon/internal/models"

	"github.com/gorilla/mux"
)

type HTTP struct {
	gate      *Gate
	telemetry *Telemetry
	ingestor  *Ingestor
}

func NewHTTP(g *Gate, t *Telemetry, ing *Ingestor) *HTTP {
	return &HTTP{gate: g, telemetry: t, ingestor: ing}
}

type recordIn struct {
	UnitID     string          `json:"unit_id"`
	MachineID  string          `json:"machine_id"`
	SiteURL    string          `json:"site_url"`
	RecordedAt time.Time       `json:"recorded_at"`
	Payload    json.RawMessage `json:"payload"`
}

// RegisterSubmit mounts POST /field-data on r.
func (h *HTTP) RegisterSubmit(r *mux.Router) {
	r.HandleFunc("/field-data", h.submit).Methods(http.MethodPost)
}

// RegisterList mounts GET /field-data on r.
func (h *HTTP) RegisterList(r *mux.Router) {
	r.HandleFunc("/field-data", h.list).Methods(http.MethodGet)
}

// RegisterIngest mounts POST /ingest-unknown on r (hub only).
func (h *HTTP) RegisterIngest(r *mux.Router) {
	r.HandleFunc("/ingest-unknown", h.ingest).Methods(http.MethodPost)
}

// submit accepts one record or an array of records.
func (h *HTTP) submit(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil || len(raw) == 0 {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body", nil)
		return
	}
	var batch []recordIn
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &batch); err != nil {
			models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid record array", nil)
			return
		}
	} else {
		var one recordIn
		if err := json.Unmarshal(raw, &one); err != nil {
			models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid record", nil)
			return
		}
		batch = []recordIn{one}
	}

	accepted, rejected := 0, 0
	for _, in := range batch {
		if in.UnitID == "" && in.MachineID == "" {
			rejected++
			continue
		}
		payload := in.Payload
		if len(payload) == 0 {
			payload = json.RawMessage("{}")
		}
		dec, err := h.gate.Submit(r.Context(), models.FieldData{
			UnitID:     in.UnitID,
			MachineID:  in.MachineID,
			SiteURL:    in.SiteURL,
			RecordedAt: in.RecordedAt,
			Payload:    []byte(payload),
		})
		if err != nil {
			models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", err.Error(), nil)
			return
		}
		if dec.Accepted {
			accepted++
		} else {
			rejected++
		}
	}
	models.WriteJSON(w, http.StatusOK, map[string]int{"accepted": accepted, "rejected": rejected})
}

func (h *HTTP) list(w http.ResponseWriter, r *http.Request) {
	f, err := ParseFilter(r)
	if err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", err.Error(), nil)
		return
	}
	recs, err := h.telemetry.List(r.Context(), f)
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", err.Error(), nil)
		return
	}
	models.WriteJSON(w, http.StatusOK, recs)
}

// ParseFilter reads unit_id, site_url, since (RFC 3339) and limit.
func ParseFilter(r *http.Request) (Filter, error) {
	q := r.URL.Query()
	f := Filter{UnitID: q.Get("unit_id"), SiteURL: q.Get("site_url")}
	if s := q.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return f, errors.New("since must be RFC 3339")
		}
		f.Since = t
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return f, errors.New("limit must be a positive integer")
		}
		f.Limit = n
	}
	return f, nil
}

func (h *HTTP) ingest(w http.ResponseWriter, r *http.Request) {
	var in Unknown
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid body (need {unit_id, machine_id, site_url})", nil)
		return
	}
	created, err := h.ingestor.Ingest(r.Context(), in)
	if errors.Is(err, devices.ErrInvalidKey) {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", err.Error(), nil)
		return
	}
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", err.Error(), nil)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true, "created": created})
}
