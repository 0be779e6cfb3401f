package hubsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"tmon/internal/cmdqueue"
	"tmon/internal/credentials"
	"tmon/internal/devices"
	"tmon/internal/gate"
	"tmon/internal/logs"
	"tmon/internal/models"
	"tmon/internal/provision"
	"tmon/internal/settings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type SpokeDeps struct {
	SiteURL    string
	HubURL     string
	StagingDir string
	Creds      *credentials.Store
	Devices    *devices.Store
	Staged     *provision.Staged
	Dispatcher *cmdqueue.Dispatcher
	Commands   *cmdqueue.HTTP
	Gate       *gate.HTTP
	Client     *Client
	Download   *http.Client // artifact downloads; defaults to Client's
	Installer  Installer
	Auth       *Auth
}

// Spoke serves the spoke side of the channel and drives the calls a
// spoke makes to its hub.
type Spoke struct {
	SpokeDeps
	now func() time.Time
	log logrus.FieldLogger
}

func NewSpoke(d SpokeDeps) *Spoke {
	d.SiteURL = models.NormalizeSiteURL(d.SiteURL)
	if d.Download == nil {
		d.Download = d.Client.HTTP()
	}
	if d.Installer == nil {
		d.Installer = StagingInstaller{Dir: d.StagingDir}
	}
	s := &Spoke{SpokeDeps: d, now: time.Now, log: logs.Component("spoke")}
	d.Dispatcher.OnComplete("settings-applied", s.settingsApplied)
	return s
}

func (s *Spoke) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()

	// devices talk to the spoke without credentials
	s.Commands.RegisterDeviceRoutes(r)
	s.Gate.RegisterSubmit(api)
	// authenticated by the envelope signature
	api.HandleFunc("/install", s.install).Methods(http.MethodPost)

	read := api.NewRoute().Subrouter()
	read.Use(s.Auth.Require(CredRead | CredSession))
	s.Gate.RegisterList(read)

	stage := api.NewRoute().Subrouter()
	stage.Use(s.Auth.Require(CredAdmin))
	stage.HandleFunc("/settings/stage", s.stage).Methods(http.MethodPost)

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(s.Auth.Require(CredHub | CredSession))
	s.Commands.RegisterAdminRoutes(admin)
	admin.HandleFunc("/pair", s.pairNow).Methods(http.MethodPost)
	admin.HandleFunc("/forward", s.forwardNow).Methods(http.MethodPost)
}

func (s *Spoke) hubURL(c credentials.Spoke) string {
	if c.HubURL != "" {
		return c.HubURL
	}
	return s.HubURL
}

// ---------- pairing ----------

// Pair registers this spoke with the hub under a fresh uc_key and stores
// what the hub hands back.
func (s *Spoke) Pair(ctx context.Context) error {
	uc, err := credentials.GenerateToken()
	if err != nil {
		return err
	}
	var out pairResponse
	if err := s.Client.Do(ctx, http.MethodPost, join(s.HubURL, "/api/v1/hub/pair"), nil,
		pairRequest{SiteURL: s.SiteURL, UCKey: uc}, &out); err != nil {
		return err
	}
	if out.HubKey == "" || out.ReadToken == "" {
		return errors.New("hub returned incomplete pairing")
	}
	if err := s.Creds.SaveSpoke(ctx, credentials.Spoke{
		HubURL: s.HubURL, HubKey: out.HubKey, ReadToken: out.ReadToken, UCKey: uc,
	}); err != nil {
		return err
	}
	s.log.WithField("hub_url", s.HubURL).Info("paired with hub")
	return nil
}

// EnsurePaired pairs only when no pairing is stored yet.
func (s *Spoke) EnsurePaired(ctx context.Context) error {
	c, err := s.Creds.Spoke(ctx)
	if err != nil {
		return err
	}
	if c.Paired() {
		return nil
	}
	return s.Pair(ctx)
}

func (s *Spoke) pairNow(w http.ResponseWriter, r *http.Request) {
	if err := s.Pair(r.Context()); err != nil {
		models.WriteProblem(w, http.StatusBadGateway, "Bad Gateway", "pairing failed", nil)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]bool{"paired": true})
}

// ---------- calls to the hub ----------

// ForwardUnknown implements gate.Forwarder for spokes.
func (s *Spoke) ForwardUnknown(ctx context.Context, u gate.Unknown) error {
	c, err := s.Creds.Spoke(ctx)
	if err != nil {
		return err
	}
	if u.SiteURL == "" {
		u.SiteURL = s.SiteURL
	}
	return s.Client.Do(ctx, http.MethodPost, join(s.hubURL(c), "/api/v1/hub/ingest-unknown"), nil, u, nil)
}

// ForwardCommand asks the hub to enqueue a command on another spoke.
func (s *Spoke) ForwardCommand(ctx context.Context, ucURL, unitID, verb string, data json.RawMessage) (forwardResult, error) {
	c, err := s.Creds.Spoke(ctx)
	if err != nil {
		return forwardResult{}, err
	}
	if !c.Paired() {
		return forwardResult{}, ErrNotPaired
	}
	var out forwardResult
	err = s.Client.Do(ctx, http.MethodPost, join(s.hubURL(c), "/api/v1/hub/commands/forward"),
		map[string]string{HeaderHub: c.HubKey},
		forwardRequest{UCURL: ucURL, UnitID: unitID, Type: verb, Data: data}, &out)
	return out, err
}

func (s *Spoke) forwardNow(w http.ResponseWriter, r *http.Request) {
	var in forwardRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.UCURL == "" || in.UnitID == "" || in.Type == "" {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid body (need {uc_url, unit_id, type, data})", nil)
		return
	}
	res, err := s.ForwardCommand(r.Context(), in.UCURL, in.UnitID, in.Type, in.Data)
	if err != nil {
		s.log.WithError(err).Warn("forward via hub failed")
		models.WriteJSON(w, http.StatusAccepted, forwardResult{Notified: false, Error: "hub unreachable"})
		return
	}
	models.WriteJSON(w, http.StatusOK, res)
}

func (s *Spoke) confirmApplied(ctx context.Context, key string) error {
	c, err := s.Creds.Spoke(ctx)
	if err != nil {
		return err
	}
	if !c.Paired() {
		return ErrNotPaired
	}
	return s.Client.Do(ctx, http.MethodPost, join(s.hubURL(c), "/api/v1/hub/provision/confirm"),
		map[string]string{HeaderHub: c.HubKey},
		map[string]string{"key": key, "site_url": s.SiteURL}, nil)
}

// ---------- staging ----------

// apply mirrors the device from p, stages its settings and queues a
// settings_update for the device. Without settings there is nothing for
// the device to do and the change counts as applied at once.
func (s *Spoke) apply(ctx context.Context, key string, p provision.Payload, by string) (uint, error) {
	if awaitingApproval(p) {
		return 0, ErrAwaitingApproval
	}
	norm, err := settings.Normalize(p.Settings)
	if err != nil {
		return 0, err
	}
	fields := devices.Fields{
		UnitID:          p.UnitID,
		MachineID:       p.MachineID,
		SiteURL:         s.SiteURL,
		Role:            p.Role,
		UnitName:        p.UnitName,
		Plan:            p.Plan,
		Status:          models.DeviceStatus(p.Status),
		FirmwareVersion: p.Firmware,
	}
	if fields.UnitID == "" && fields.MachineID == "" {
		fields.UnitID = key
	}
	dev, _, err := s.Devices.Upsert(ctx, fields, false)
	if err != nil {
		return 0, err
	}
	target := dev.UnitID
	if target == "" {
		target = dev.MachineID
	}
	if len(norm) == 0 {
		if err := s.confirmApplied(ctx, key); err != nil {
			s.log.WithField("key", key).WithError(err).Warn("applied confirmation not delivered")
		}
		return 0, nil
	}
	if _, err := s.Staged.StageFor(ctx, target, key, norm, by); err != nil {
		return 0, err
	}
	if err := s.Devices.MarkStaged(ctx, target, true); err != nil {
		return 0, err
	}
	c, err := s.Dispatcher.Enqueue(ctx, target, cmdqueue.SettingsUpdateParams{Settings: norm}, by)
	if err != nil {
		return 0, err
	}
	return c.ID, nil
}

// awaitingApproval reports an entry ingest-unknown created for a device no
// operator has provisioned yet. It stays on the hub untouched.
func awaitingApproval(p provision.Payload) bool {
	return models.DeviceStatus(p.Status) == models.DeviceStatusPending
}

func (s *Spoke) stage(w http.ResponseWriter, r *http.Request) {
	var in stageRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid body (need {unit_id, settings})", nil)
		return
	}
	p := in.Payload
	if p.UnitID == "" {
		p.UnitID = in.UnitID
	}
	if p.MachineID == "" {
		p.MachineID = in.MachineID
	}
	if len(p.Settings) == 0 {
		p.Settings = in.Settings
	}
	key := models.NormalizeKey(in.Key)
	if key == "" {
		key = models.NormalizeKey(in.UnitID)
	}
	if key == "" {
		key = models.NormalizeKey(in.MachineID)
	}
	if key == "" {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "unit_id or machine_id required", nil)
		return
	}
	id, err := s.apply(r.Context(), key, p, "hub")
	if errors.Is(err, ErrAwaitingApproval) {
		models.WriteProblem(w, http.StatusConflict, "Conflict", err.Error(), nil)
		return
	}
	if errors.Is(err, settings.ErrInvalid) {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", err.Error(), nil)
		return
	}
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", err.Error(), nil)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "command_id": id})
}

// settingsApplied is the completion listener that closes the loop once
// a device reports a settings_update done.
func (s *Spoke) settingsApplied(ctx context.Context, c models.Command) error {
	if c.Command != string(cmdqueue.VerbSettingsUpdate) || c.Status != models.CommandDone {
		return nil
	}
	// the hub knows the change under the key it was queued with
	source := c.DeviceID
	if st, err := s.Staged.Get(ctx, c.DeviceID); err == nil && st.SourceKey != "" {
		source = st.SourceKey
	}
	if err := s.Staged.Clear(ctx, c.DeviceID); err != nil {
		return err
	}
	if err := s.Devices.MarkStaged(ctx, c.DeviceID, false); err != nil && !errors.Is(err, devices.ErrNotFound) {
		return err
	}
	return s.confirmApplied(ctx, source)
}

// ---------- pull loop ----------

// Pull fetches this site's pending entries from the hub and applies the
// ones not applied yet. It returns how many were applied.
func (s *Spoke) Pull(ctx context.Context) (int, error) {
	c, err := s.Creds.Spoke(ctx)
	if err != nil {
		return 0, err
	}
	if !c.Paired() {
		return 0, ErrNotPaired
	}
	var entries []models.ProvisionEntry
	u := join(s.hubURL(c), "/api/v1/hub/provision/pending?site_url="+url.QueryEscape(s.SiteURL))
	if err := s.Client.Do(ctx, http.MethodGet, u, map[string]string{HeaderHub: c.HubKey}, nil, &entries); err != nil {
		return 0, err
	}
	applied := 0
	for _, e := range entries {
		p, err := provision.DecodeEntry(e)
		if err != nil {
			s.log.WithField("key", e.DeviceKey).WithError(err).Warn("undecodable pending entry")
			continue
		}
		if awaitingApproval(p) || s.alreadyStaged(ctx, e, p) {
			continue
		}
		if _, err := s.apply(ctx, e.DeviceKey, p, e.RequestedBy); err != nil {
			s.log.WithField("key", e.DeviceKey).WithError(err).Warn("apply pending entry failed")
			continue
		}
		applied++
	}
	return applied, nil
}

// alreadyStaged reports whether this version of the entry was staged by
// an earlier pull or push.
func (s *Spoke) alreadyStaged(ctx context.Context, e models.ProvisionEntry, p provision.Payload) bool {
	if len(p.Settings) == 0 {
		return false
	}
	key := p.UnitID
	if key == "" {
		key = e.DeviceKey
	}
	st, err := s.Staged.Get(ctx, key)
	return err == nil && !st.StagedAt.Before(e.RequestedAt)
}

// RunPullLoop pulls every interval until ctx is done, pairing first if
// needed. Failures are logged and retried on the next tick.
func (s *Spoke) RunPullLoop(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if err := s.EnsurePaired(ctx); err != nil {
			s.log.WithError(err).Warn("pairing failed")
		} else if n, err := s.Pull(ctx); err != nil {
			s.log.WithError(err).Warn("pull failed")
		} else if n > 0 {
			s.log.WithField("applied", n).Info("pulled pending provisioning")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// ---------- signed install ----------

func (s *Spoke) install(w http.ResponseWriter, r *http.Request) {
	var env Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid envelope (need {payload, sig})", nil)
		return
	}
	c, err := s.Creds.Spoke(r.Context())
	if err != nil || c.UCKey == "" {
		Forbidden(w)
		return
	}
	p, err := Verify(env, c.UCKey)
	if err != nil {
		s.integrityFailure(r, err)
		Forbidden(w)
		return
	}
	if err := p.Check(s.now()); err != nil {
		if errors.Is(err, ErrStaleInstall) {
			s.integrityFailure(r, err)
			Forbidden(w)
			return
		}
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", err.Error(), nil)
		return
	}

	req := InstallRequest{Action: p.Action, PackageURL: p.PackageURL}
	if p.SHA256 != "" {
		path, err := download(r.Context(), s.Download, p.PackageURL, p.SHA256, s.StagingDir)
		if errors.Is(err, ErrHashMismatch) {
			s.integrityFailure(r, err)
			models.WriteProblem(w, http.StatusUnprocessableEntity, "Unprocessable Entity", err.Error(), nil)
			return
		}
		if err != nil {
			models.WriteProblem(w, http.StatusBadGateway, "Bad Gateway", "package download failed", nil)
			return
		}
		req.Artifact = path
	}

	status := "ok"
	details, err := s.Installer.Install(r.Context(), req)
	if err != nil {
		status, details = "error", err.Error()
	}
	s.log.WithFields(logrus.Fields{
		"request_id": p.RequestID,
		"action":     p.Action,
		"status":     status,
	}).Info("install handled")
	if p.Callback != "" {
		go s.reportInstall(p.Callback, installConfirmation{SiteURL: s.SiteURL, Status: status, Details: details})
	}
	models.WriteJSON(w, http.StatusOK, map[string]string{"status": status})
}

// reportInstall is fire-and-forget; it outlives the request.
func (s *Spoke) reportInstall(callback string, c installConfirmation) {
	ctx := context.Background()
	if err := s.Client.Do(ctx, http.MethodPost, callback, nil, c, nil); err != nil {
		s.log.WithField("callback", callback).WithError(err).Warn("install callback failed")
	}
}

func (s *Spoke) integrityFailure(r *http.Request, err error) {
	s.log.WithFields(logrus.Fields{
		"event":  "integrity_failure",
		"path":   r.URL.Path,
		"remote": r.RemoteAddr,
	}).WithError(err).Warn("signed install rejected")
}
