// Package gate decides whether a telemetry record is trusted. Only active
// devices are; records from anything else are never stored and are
// reported to the hub's ingest-unknown path instead.
package gate

import (
	"context"
	"errors"

	"tmon/internal/devices"
	"tmon/internal/logs"
	"tmon/internal/models"

	"github.com/sirupsen/logrus"
)

const (
	ReasonUnknown    = "unknown_device"
	ReasonUnapproved = "not_provisioned"
	ReasonBlocked    = "device_blocked"
	ReasonMismatch   = "machine_id_mismatch"
	ReasonSuspended  = "suspended"
)

// Unknown is what gets reported for a rejected record.
type Unknown struct {
	UnitID    string `json:"unit_id"`
	MachineID string `json:"machine_id"`
	SiteURL   string `json:"site_url"`
}

// Forwarder delivers an Unknown to ingest-unknown, in process on the hub
// or over HTTP from a spoke.
type Forwarder interface {
	ForwardUnknown(ctx context.Context, u Unknown) error
}

type Decision struct {
	Accepted bool
	Reason   string
	Device   models.Device
}

type Gate struct {
	devices   *devices.Store
	telemetry *Telemetry
	forwarder Forwarder
	log       logrus.FieldLogger
}

func New(devs *devices.Store, t *Telemetry, f Forwarder) *Gate {
	return &Gate{devices: devs, telemetry: t, forwarder: f, log: logs.Component("gate")}
}

// SetForwarder replaces where rejected records are reported.
func (g *Gate) SetForwarder(f Forwarder) { g.forwarder = f }

// Check evaluates a record's identity against the device registry and the
// suspension registry.
func (g *Gate) Check(ctx context.Context, unitID, machineID string) (Decision, error) {
	unitID = models.NormalizeKey(unitID)
	machineID = models.NormalizeKey(machineID)

	d, err := g.devices.Find(ctx, unitID, machineID)
	if errors.Is(err, devices.ErrNotFound) {
		return Decision{Reason: ReasonUnknown}, nil
	}
	if err != nil {
		return Decision{}, err
	}
	dec := Decision{Device: d}
	switch {
	case d.Status.Blocked():
		dec.Reason = ReasonBlocked
		return dec, nil
	// only an operator-provisioned device is trusted
	case d.Status != models.DeviceStatusActive:
		dec.Reason = ReasonUnapproved
		return dec, nil
	case machineID != "" && d.MachineID != "" && machineID != d.MachineID:
		dec.Reason = ReasonMismatch
		return dec, nil
	}
	suspended, err := g.devices.IsSuspended(ctx, d.UnitID)
	if err != nil {
		return Decision{}, err
	}
	if suspended {
		dec.Reason = ReasonSuspended
		return dec, nil
	}
	dec.Accepted = true
	return dec, nil
}

// Submit stores an accepted record or forwards a rejected one. A failed
// forward is logged; the record is dropped either way.
func (g *Gate) Submit(ctx context.Context, rec models.FieldData) (Decision, error) {
	rec.UnitID = models.NormalizeKey(rec.UnitID)
	rec.MachineID = models.NormalizeKey(rec.MachineID)
	rec.SiteURL = models.NormalizeSiteURL(rec.SiteURL)

	dec, err := g.Check(ctx, rec.UnitID, rec.MachineID)
	if err != nil {
		return dec, err
	}
	if dec.Accepted {
		if rec.SiteURL == "" {
			rec.SiteURL = dec.Device.SiteURL
		}
		return dec, g.telemetry.Save(ctx, &rec)
	}

	fields := logrus.Fields{
		"unit_id":    rec.UnitID,
		"machine_id": rec.MachineID,
		"site_url":   rec.SiteURL,
		"reason":     dec.Reason,
	}
	g.log.WithFields(fields).Info("telemetry rejected")
	if g.forwarder != nil {
		u := Unknown{UnitID: rec.UnitID, MachineID: rec.MachineID, SiteURL: rec.SiteURL}
		if err := g.forwarder.ForwardUnknown(ctx, u); err != nil {
			g.log.WithFields(fields).WithError(err).Warn("ingest-unknown forward failed")
		}
	}
	return dec, nil
}
