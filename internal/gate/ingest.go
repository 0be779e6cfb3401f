package gate

import (
	"context"
	"errors"

	"tmon/internal/devices"
	"tmon/internal/logs"
	"tmon/internal/models"
	"tmon/internal/provision"

	"github.com/sirupsen/logrus"
)

const AutoIngestNote = "auto-ingested"

// Ingestor is the hub's ingest-unknown path. It also serves as the
// in-process Forwarder on the hub.
type Ingestor struct {
	devices *devices.Store
	audit   *devices.AuditLog
	queue   *provision.Queue
	log     logrus.FieldLogger
}

func NewIngestor(devs *devices.Store, audit *devices.AuditLog, q *provision.Queue) *Ingestor {
	return &Ingestor{devices: devs, audit: audit, queue: q, log: logs.Component("ingest")}
}

// Ingest always writes an audit entry. The first time a unit_id is seen
// it also creates a pending device and a provisioning entry; created
// reports whether that happened.
func (i *Ingestor) Ingest(ctx context.Context, u Unknown) (bool, error) {
	u.UnitID = models.NormalizeKey(u.UnitID)
	u.MachineID = models.NormalizeKey(u.MachineID)
	u.SiteURL = models.NormalizeSiteURL(u.SiteURL)
	if u.UnitID == "" && u.MachineID == "" {
		return false, devices.ErrInvalidKey
	}

	created := false
	// a device mapped under either key already exists
	_, err := i.devices.Find(ctx, u.UnitID, u.MachineID)
	switch {
	case errors.Is(err, devices.ErrNotFound):
		d, _, err := i.devices.Upsert(ctx, devices.Fields{
			UnitID:    u.UnitID,
			MachineID: u.MachineID,
			SiteURL:   u.SiteURL,
			Status:    models.DeviceStatusPending,
			Notes:     AutoIngestNote,
		}, false)
		if err != nil {
			return false, err
		}
		key := coalesce(d.UnitID, d.MachineID)
		if _, err := i.queue.Enqueue(ctx, key, provision.Payload{
			UnitID:    d.UnitID,
			MachineID: d.MachineID,
			SiteURL:   d.SiteURL,
			Status:    string(models.DeviceStatusPending),
		}, "ingest-unknown"); err != nil {
			return false, err
		}
		created = true
	case err != nil:
		return false, err
	}

	if err := i.audit.Record(ctx, models.AuditEntry{
		Action:    devices.AuditIngestUnknown,
		UnitID:    u.UnitID,
		MachineID: u.MachineID,
		SiteURL:   u.SiteURL,
		Actor:     "gate",
	}, map[string]bool{"created": created}); err != nil {
		return created, err
	}
	i.log.WithFields(logrus.Fields{
		"unit_id":  u.UnitID,
		"site_url": u.SiteURL,
		"created":  created,
	}).Info("unknown device ingested")
	return created, nil
}

func (i *Ingestor) ForwardUnknown(ctx context.Context, u Unknown) error {
	_, err := i.Ingest(ctx, u)
	return err
}

func coalesce(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
