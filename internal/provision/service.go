package provision

import (
	"context"
	"encoding/json"
	"errors"

	"tmon/internal/devices"
	"tmon/internal/logs"
	"tmon/internal/models"
	"tmon/internal/settings"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Notifier tells the owning spoke about a new entry. Failures are soft.
type Notifier interface {
	NotifyProvision(ctx context.Context, entry models.ProvisionEntry, p Payload) error
}

// Delivery separates the durable write from the best-effort peer notify.
type Delivery struct {
	Stored   bool `json:"stored"`
	Notified bool `json:"notified"`
}

func (d Delivery) String() string {
	switch {
	case d.Stored && d.Notified:
		return "queued-notified"
	case d.Stored:
		return "queued"
	default:
		return "failed"
	}
}

type Request struct {
	UnitID    string                     `json:"unit_id"`
	MachineID string                     `json:"machine_id"`
	SiteURL   string                     `json:"site_url"`
	UnitName  string                     `json:"unit_name"`
	Plan      string                     `json:"plan"`
	Role      string                     `json:"role"`
	Firmware  string                     `json:"firmware"`
	Settings  map[string]json.RawMessage `json:"settings"`
}

type Service struct {
	queue    *Queue
	staged   *Staged
	devices  *devices.Store
	audit    *devices.AuditLog
	notifier Notifier
	log      logrus.FieldLogger
}

func NewService(q *Queue, staged *Staged, devs *devices.Store, audit *devices.AuditLog) *Service {
	s := &Service{queue: q, staged: staged, devices: devs, audit: audit, log: logs.Component("provision")}
	q.DeriveFrom(s)
	return s
}

// SetNotifier wires the peer notification step; nil disables it.
func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

func (s *Service) Queue() *Queue { return s.queue }

// Provision saves the device record, stages its settings and queues the
// change for the owning spoke in one transaction, then tries to notify
// that spoke.
func (s *Service) Provision(ctx context.Context, req Request, user string) (models.Device, models.ProvisionEntry, Delivery, error) {
	var (
		del   Delivery
		dev   models.Device
		entry models.ProvisionEntry
		p     Payload
	)
	if len(req.Settings) > 0 {
		norm, err := settings.Normalize(req.Settings)
		if err != nil {
			return dev, entry, del, err
		}
		req.Settings = norm
	}
	err := s.queue.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		devs := s.devices.WithTx(tx)
		var err error
		// an operator provisioning a device is what activates it
		dev, _, err = devs.Upsert(ctx, devices.Fields{
			UnitID:          req.UnitID,
			MachineID:       req.MachineID,
			SiteURL:         req.SiteURL,
			Role:            req.Role,
			UnitName:        req.UnitName,
			Plan:            req.Plan,
			FirmwareVersion: req.Firmware,
			Status:          activeUnlessBlocked(ctx, devs, req),
		}, true)
		if err != nil {
			return err
		}
		if len(req.Settings) > 0 {
			if _, err := s.staged.WithTx(tx).Stage(ctx, dev.UnitID, req.Settings, user); err != nil {
				return err
			}
		}
		if err := devs.MarkStaged(ctx, dev.UnitID, true); err != nil {
			return err
		}
		dev.SettingsStaged = true

		p = payloadFromDevice(dev)
		p.Settings = req.Settings
		entry, err = s.queue.WithTx(tx).Enqueue(ctx, dev.UnitID, p, user)
		return err
	})
	if err != nil {
		return models.Device{}, models.ProvisionEntry{}, del, err
	}
	del.Stored = true

	if s.audit != nil {
		_ = s.audit.Record(ctx, models.AuditEntry{
			Action: devices.AuditProvision, UnitID: dev.UnitID, MachineID: dev.MachineID,
			SiteURL: dev.SiteURL, Actor: user,
		}, p)
	}
	del.Notified = s.notify(ctx, entry, p)
	return dev, entry, del, nil
}

// Reenqueue refreshes an entry and re-notifies the spoke.
func (s *Service) Reenqueue(ctx context.Context, key string, raw []byte, user string) (models.ProvisionEntry, Delivery, error) {
	entry, err := s.queue.Reenqueue(ctx, key, raw, user)
	if err != nil {
		return entry, Delivery{}, err
	}
	del := Delivery{Stored: true}
	if p, err := DecodeEntry(entry); err == nil {
		del.Notified = s.notify(ctx, entry, p)
	}
	return entry, del, nil
}

func (s *Service) notify(ctx context.Context, entry models.ProvisionEntry, p Payload) bool {
	if s.notifier == nil || entry.SiteURL == "" {
		return false
	}
	if err := s.notifier.NotifyProvision(ctx, entry, p); err != nil {
		s.log.WithFields(logrus.Fields{
			"key":      entry.DeviceKey,
			"site_url": entry.SiteURL,
		}).WithError(err).Warn("spoke notify failed; entry stays queued")
		return false
	}
	return true
}

// Confirm handles a spoke's "applied" report: the entry is done and the
// staged flag drops. Entries under either of the device's keys go too.
func (s *Service) Confirm(ctx context.Context, key, siteURL string) error {
	if models.NormalizeKey(key) == "" {
		return ErrInvalidKey
	}
	dev, err := s.devices.FindByKey(ctx, key)
	if err != nil && !errors.Is(err, devices.ErrNotFound) {
		return err
	}
	found := err == nil
	for _, k := range []string{key, dev.UnitID, dev.MachineID} {
		if models.NormalizeKey(k) == "" {
			continue
		}
		if err := s.queue.Delete(ctx, k); err != nil {
			return err
		}
		if err := s.staged.Clear(ctx, k); err != nil {
			return err
		}
	}
	if found {
		if err := s.devices.MarkStaged(ctx, key, false); err != nil {
			return err
		}
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, models.AuditEntry{
			Action: devices.AuditApplied, UnitID: firstNonEmpty(dev.UnitID, models.NormalizeKey(key)),
			MachineID: dev.MachineID, SiteURL: models.NormalizeSiteURL(siteURL), Actor: "spoke",
		}, nil)
	}
	return nil
}

// DerivePayload builds a payload from a device with staged changes.
func (s *Service) DerivePayload(ctx context.Context, key string) (Payload, bool, error) {
	dev, err := s.devices.FindByKey(ctx, key)
	if errors.Is(err, devices.ErrNotFound) {
		return Payload{}, false, nil
	}
	if err != nil {
		return Payload{}, false, err
	}
	if !dev.SettingsStaged {
		return Payload{}, false, nil
	}
	p := payloadFromDevice(dev)
	staged, _, err := s.staged.Settings(ctx, dev.UnitID)
	if err != nil {
		return Payload{}, false, err
	}
	p.Settings = staged
	return p, true, nil
}

func payloadFromDevice(d models.Device) Payload {
	return Payload{
		UnitID:    d.UnitID,
		MachineID: d.MachineID,
		SiteURL:   d.SiteURL,
		UnitName:  d.UnitName,
		Plan:      d.Plan,
		Role:      d.Role,
		Firmware:  d.FirmwareVersion,
		Status:    string(d.Status),
	}
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}

// activeUnlessBlocked keeps a suspended or expired device in that state.
func activeUnlessBlocked(ctx context.Context, devs *devices.Store, req Request) models.DeviceStatus {
	d, err := devs.Find(ctx, req.UnitID, req.MachineID)
	if err == nil && d.Status.Blocked() {
		return ""
	}
	return models.DeviceStatusActive
}
