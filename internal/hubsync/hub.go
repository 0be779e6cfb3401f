package hubsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"tmon/internal/cmdqueue"
	"tmon/internal/credentials"
	"tmon/internal/devices"
	"tmon/internal/gate"
	"tmon/internal/logs"
	"tmon/internal/models"
	"tmon/internal/provision"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotPaired        = errors.New("site is not paired")
	ErrAwaitingApproval = errors.New("device awaits operator provisioning")
)

type HubDeps struct {
	SiteURL   string // the hub's own public base URL, used for callbacks
	Creds     *credentials.Store
	Devices   *devices.Store
	Audit     *devices.AuditLog
	Provision *provision.Service
	Gate      *gate.HTTP
	Telemetry *gate.Telemetry
	Verbs     *cmdqueue.Registry
	Client    *Client
	Auth      *Auth
}

// Hub serves the hub side of the channel and implements
// provision.Notifier by pushing staged settings to the owning spoke.
type Hub struct {
	HubDeps
	now func() time.Time
	log logrus.FieldLogger
}

func NewHub(d HubDeps) *Hub {
	if d.Verbs == nil {
		d.Verbs = cmdqueue.DefaultRegistry()
	}
	return &Hub{HubDeps: d, now: time.Now, log: logs.Component("hub")}
}

func (h *Hub) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1/hub").Subrouter()

	// bootstrap and callbacks: no credential exists yet
	api.HandleFunc("/pair", h.pair).Methods(http.MethodPost)
	api.HandleFunc("/install/confirm", h.installConfirm).Methods(http.MethodPost)
	h.Gate.RegisterIngest(api)

	spoke := api.NewRoute().Subrouter()
	spoke.Use(h.Auth.Require(CredHub))
	spoke.HandleFunc("/commands/forward", h.forward).Methods(http.MethodPost)
	spoke.HandleFunc("/provision/pending", h.pending).Methods(http.MethodGet)
	spoke.HandleFunc("/provision/confirm", h.confirm).Methods(http.MethodPost)
	h.Gate.RegisterSubmit(spoke)

	read := api.NewRoute().Subrouter()
	read.Use(h.Auth.Require(CredRead | CredSession))
	read.HandleFunc("/field-data", h.aggregate).Methods(http.MethodGet)

	// operators use a session token, automation the configured admin key
	admin := r.PathPrefix("/api/v1/admin").Subrouter()
	admin.Use(h.Auth.Require(CredAdmin | CredSession))
	provision.NewHTTP(h.Provision, Actor).RegisterAdminRoutes(admin)
	admin.HandleFunc("/devices", h.listDevices).Methods(http.MethodGet)
	admin.HandleFunc("/sites/install", h.siteInstall).Methods(http.MethodPost)
	admin.HandleFunc("/units/{unit}/commands", h.unitCommand).Methods(http.MethodPost)
	admin.HandleFunc("/suspensions", h.suspend).Methods(http.MethodPost)
	admin.HandleFunc("/suspensions/{unit}", h.unsuspend).Methods(http.MethodDelete)
}

// ---------- pairing ----------

type pairRequest struct {
	SiteURL string `json:"site_url"`
	UCKey   string `json:"uc_key"`
}

type pairResponse struct {
	HubKey    string `json:"hub_key"`
	ReadToken string `json:"read_token"`
}

func (h *Hub) pair(w http.ResponseWriter, r *http.Request) {
	var in pairRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid body (need {site_url, uc_key})", nil)
		return
	}
	p, hubKey, err := h.Creds.Pair(r.Context(), in.SiteURL, in.UCKey)
	if errors.Is(err, credentials.ErrInvalidInput) {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", err.Error(), nil)
		return
	}
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", err.Error(), nil)
		return
	}
	_ = h.Audit.Record(r.Context(), models.AuditEntry{Action: devices.AuditPaired, SiteURL: p.SiteURL, Actor: "spoke"}, nil)
	h.log.WithField("site_url", p.SiteURL).Info("spoke paired")
	models.WriteJSON(w, http.StatusOK, pairResponse{HubKey: hubKey, ReadToken: p.ReadToken})
}

// ---------- commands ----------

type forwardRequest struct {
	UCURL  string          `json:"uc_url"`
	UnitID string          `json:"unit_id"`
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data"`
}

type forwardResult struct {
	Notified bool   `json:"notified"`
	ID       uint   `json:"id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// sendCommand validates a command locally and enqueues it on the spoke
// at siteURL. Transport failures come back in the result, not as err.
func (h *Hub) sendCommand(ctx context.Context, siteURL, unitID, verb string, data json.RawMessage, actor string) (forwardResult, error) {
	if _, err := h.Verbs.Decode(cmdqueue.Verb(verb), data); err != nil {
		return forwardResult{}, err
	}
	if _, err := h.Creds.PairingFor(ctx, siteURL); err != nil {
		if errors.Is(err, credentials.ErrNotFound) {
			return forwardResult{}, ErrNotPaired
		}
		return forwardResult{}, err
	}
	hubKey, err := h.Creds.EnsureHubKey(ctx)
	if err != nil {
		return forwardResult{}, err
	}
	body := map[string]any{"unit_id": unitID, "command": verb, "params": data}
	var out struct {
		ID uint `json:"id"`
	}
	site := models.NormalizeSiteURL(siteURL)
	err = h.Client.Do(ctx, http.MethodPost, join(site, "/api/v1/admin/commands"),
		map[string]string{HeaderHub: hubKey}, body, &out)
	_ = h.Audit.Record(ctx, models.AuditEntry{
		Action: devices.AuditCommandForward, UnitID: models.NormalizeKey(unitID), SiteURL: site, Actor: actor,
	}, map[string]any{"command": verb, "delivered": err == nil})
	if err != nil {
		h.log.WithFields(logrus.Fields{"site_url": site, "unit_id": unitID}).WithError(err).Warn("command forward failed")
		return forwardResult{Notified: false, Error: "spoke unreachable"}, nil
	}
	return forwardResult{Notified: true, ID: out.ID}, nil
}

func (h *Hub) writeForward(w http.ResponseWriter, res forwardResult, err error) {
	switch {
	case err == nil && res.Notified:
		models.WriteJSON(w, http.StatusOK, res)
	case err == nil:
		models.WriteJSON(w, http.StatusAccepted, res)
	case errors.Is(err, cmdqueue.ErrUnknownVerb), errors.Is(err, cmdqueue.ErrInvalid):
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", err.Error(), nil)
	case errors.Is(err, ErrNotPaired), errors.Is(err, devices.ErrNotFound):
		models.WriteProblem(w, http.StatusNotFound, "Not Found", err.Error(), nil)
	default:
		models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", err.Error(), nil)
	}
}

func (h *Hub) forward(w http.ResponseWriter, r *http.Request) {
	var in forwardRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.UCURL == "" || in.UnitID == "" || in.Type == "" {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid body (need {uc_url, unit_id, type, data})", nil)
		return
	}
	res, err := h.sendCommand(r.Context(), in.UCURL, in.UnitID, in.Type, in.Data, "spoke")
	h.writeForward(w, res, err)
}

func (h *Hub) unitCommand(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Command string          `json:"command"`
		Params  json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Command == "" {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid body (need {command, params})", nil)
		return
	}
	d, err := h.Devices.FindByKey(r.Context(), mux.Vars(r)["unit"])
	if err != nil {
		h.writeForward(w, forwardResult{}, err)
		return
	}
	if d.SiteURL == "" {
		h.writeForward(w, forwardResult{}, ErrNotPaired)
		return
	}
	key := d.UnitID
	if key == "" {
		key = d.MachineID
	}
	res, err := h.sendCommand(r.Context(), d.SiteURL, key, in.Command, in.Params, Actor(r))
	h.writeForward(w, res, err)
}

// ---------- provisioning ----------

type stageRequest struct {
	Key       string                     `json:"key,omitempty"` // hub queue key, echoed back on confirm
	UnitID    string                     `json:"unit_id"`
	MachineID string                     `json:"machine_id,omitempty"`
	Settings  map[string]json.RawMessage `json:"settings,omitempty"`
	Payload   provision.Payload          `json:"payload"`
}

// NotifyProvision pushes the entry to its spoke with the admin key, which
// for a paired spoke is its uc_key.
func (h *Hub) NotifyProvision(ctx context.Context, e models.ProvisionEntry, p provision.Payload) error {
	pr, err := h.Creds.PairingFor(ctx, e.SiteURL)
	if err != nil {
		if errors.Is(err, credentials.ErrNotFound) {
			return ErrNotPaired
		}
		return err
	}
	body := stageRequest{Key: e.DeviceKey, UnitID: p.UnitID, MachineID: p.MachineID, Settings: p.Settings, Payload: p}
	if body.UnitID == "" {
		body.UnitID = e.DeviceKey
	}
	return h.Client.Do(ctx, http.MethodPost, join(pr.SiteURL, "/api/v1/settings/stage"),
		map[string]string{HeaderAdmin: pr.UCKey}, body, nil)
}

func (h *Hub) pending(w http.ResponseWriter, r *http.Request) {
	site := r.URL.Query().Get("site_url")
	if models.NormalizeSiteURL(site) == "" {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "site_url required", nil)
		return
	}
	es, err := h.Provision.Queue().List(r.Context(), site)
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", err.Error(), nil)
		return
	}
	models.WriteJSON(w, http.StatusOK, es)
}

func (h *Hub) confirm(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Key     string `json:"key"`
		SiteURL string `json:"site_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid body (need {key, site_url})", nil)
		return
	}
	if err := h.Provision.Confirm(r.Context(), in.Key, in.SiteURL); err != nil {
		if errors.Is(err, provision.ErrInvalidKey) {
			models.WriteProblem(w, http.StatusBadRequest, "Bad Request", err.Error(), nil)
			return
		}
		models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", err.Error(), nil)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Hub) listDevices(w http.ResponseWriter, r *http.Request) {
	ds, err := h.Devices.ListBySite(r.Context(), r.URL.Query().Get("site_url"))
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", err.Error(), nil)
		return
	}
	models.WriteJSON(w, http.StatusOK, ds)
}

func (h *Hub) suspend(w http.ResponseWriter, r *http.Request) {
	var in struct {
		UnitID string `json:"unit_id"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid body (need {unit_id, reason})", nil)
		return
	}
	if err := h.Devices.Suspend(r.Context(), in.UnitID, in.Reason); err != nil {
		if errors.Is(err, devices.ErrInvalidKey) {
			models.WriteProblem(w, http.StatusBadRequest, "Bad Request", err.Error(), nil)
			return
		}
		models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", err.Error(), nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Hub) unsuspend(w http.ResponseWriter, r *http.Request) {
	if err := h.Devices.Unsuspend(r.Context(), mux.Vars(r)["unit"]); err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", err.Error(), nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------- remote install ----------

type installResult struct {
	RequestID string `json:"request_id"`
	Notified  bool   `json:"notified"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SendInstall signs an install for siteURL with that spoke's uc_key and
// posts it. The spoke's final outcome arrives later on install/confirm.
func (h *Hub) SendInstall(ctx context.Context, siteURL, action, packageURL, sha string) (installResult, error) {
	pr, err := h.Creds.PairingFor(ctx, siteURL)
	if err != nil {
		if errors.Is(err, credentials.ErrNotFound) {
			return installResult{}, ErrNotPaired
		}
		return installResult{}, err
	}
	if !strings.HasPrefix(strings.ToLower(packageURL), "https://") {
		return installResult{}, ErrInsecureURL
	}
	if action == "" {
		action = "install"
	}
	p := InstallPayload{
		TS:         h.now().Unix(),
		Action:     action,
		PackageURL: packageURL,
		Callback:   join(h.SiteURL, "/api/v1/hub/install/confirm"),
		SHA256:     strings.ToLower(strings.TrimSpace(sha)),
		RequestID:  uuid.NewString(),
	}
	env, err := Sign(p, pr.UCKey)
	if err != nil {
		return installResult{}, err
	}
	res := installResult{RequestID: p.RequestID}
	var out struct {
		Status string `json:"status"`
	}
	if err := h.Client.Do(ctx, http.MethodPost, join(pr.SiteURL, "/api/v1/install"), nil, env, &out); err != nil {
		h.log.WithFields(logrus.Fields{"site_url": pr.SiteURL, "request_id": p.RequestID}).WithError(err).Warn("install delivery failed")
		res.Error = "spoke unreachable or rejected the install"
		return res, nil
	}
	res.Notified = true
	res.Status = out.Status
	return res, nil
}

func (h *Hub) siteInstall(w http.ResponseWriter, r *http.Request) {
	var in struct {
		SiteURL    string `json:"site_url"`
		Action     string `json:"action"`
		PackageURL string `json:"package_url"`
		SHA256     string `json:"sha256"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.SiteURL == "" || in.PackageURL == "" {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid body (need {site_url, package_url})", nil)
		return
	}
	res, err := h.SendInstall(r.Context(), in.SiteURL, in.Action, in.PackageURL, in.SHA256)
	switch {
	case errors.Is(err, ErrNotPaired):
		models.WriteProblem(w, http.StatusNotFound, "Not Found", err.Error(), nil)
	case errors.Is(err, ErrInsecureURL):
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", err.Error(), nil)
	case err != nil:
		models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", err.Error(), nil)
	case res.Notified:
		models.WriteJSON(w, http.StatusOK, res)
	default:
		models.WriteJSON(w, http.StatusAccepted, res)
	}
}

type installConfirmation struct {
	SiteURL string `json:"site_url"`
	Status  string `json:"status"`
	Details string `json:"details"`
}

func (h *Hub) installConfirm(w http.ResponseWriter, r *http.Request) {
	var in installConfirmation
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.SiteURL == "" {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid body (need {site_url, status, details})", nil)
		return
	}
	site := models.NormalizeSiteURL(in.SiteURL)
	_ = h.Audit.Record(r.Context(), models.AuditEntry{
		Action: devices.AuditInstallResult, SiteURL: site, Actor: "spoke",
	}, in)
	h.log.WithFields(logrus.Fields{"site_url": site, "status": in.Status}).Info("install result")
	models.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ---------- field-data aggregation ----------

type aggregateResult struct {
	Records []models.FieldData `json:"records"`
	Sites   map[string]string  `json:"sites"`
}

// Aggregate collects field data held by the hub and by every paired
// spoke. A spoke that cannot be read is reported per site.
func (h *Hub) Aggregate(ctx context.Context, f gate.Filter, rawQuery string) (aggregateResult, error) {
	local, err := h.Telemetry.List(ctx, f)
	if err != nil {
		return aggregateResult{}, err
	}
	pairings, err := h.Creds.Pairings(ctx)
	if err != nil {
		return aggregateResult{}, err
	}
	res := aggregateResult{Records: local, Sites: map[string]string{}}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range pairings {
		if site := models.NormalizeSiteURL(f.SiteURL); site != "" && site != p.SiteURL {
			continue
		}
		p := p
		g.Go(func() error {
			var recs []models.FieldData
			url := join(p.SiteURL, "/api/v1/field-data")
			if rawQuery != "" {
				url += "?" + rawQuery
			}
			err := h.Client.Do(gctx, http.MethodGet, url, map[string]string{HeaderRead: p.ReadToken}, nil, &recs)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				h.log.WithField("site_url", p.SiteURL).WithError(err).Warn("field-data fetch failed")
				res.Sites[p.SiteURL] = "error"
				return nil
			}
			res.Sites[p.SiteURL] = "ok"
			res.Records = append(res.Records, recs...)
			return nil
		})
	}
	_ = g.Wait()
	return res, nil
}

func (h *Hub) aggregate(w http.ResponseWriter, r *http.Request) {
	f, err := gate.ParseFilter(r)
	if err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", err.Error(), nil)
		return
	}
	res, err := h.Aggregate(r.Context(), f, r.URL.RawQuery)
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", err.Error(), nil)
		return
	}
	models.WriteJSON(w, http.StatusOK, res)
}
