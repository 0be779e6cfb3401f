// Package provision is the hub-side provisioning mailbox: one pending
// payload per device key, pruned by age and bounded per site.
package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"tmon/internal/db"
	"tmon/internal/logs"
	"tmon/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Options struct {
	TTL        time.Duration
	MaxPerSite int
}

// PayloadSource derives a payload from the authoritative device record
// when Reenqueue is called without one.
type PayloadSource interface {
	DerivePayload(ctx context.Context, key string) (Payload, bool, error)
}

type Queue struct {
	db     *gorm.DB
	opts   Options
	now    func() time.Time
	source PayloadSource
	log    logrus.FieldLogger
}

func NewQueue(db *gorm.DB, opts Options) *Queue {
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.MaxPerSite < 1 {
		opts.MaxPerSite = 10
	}
	return &Queue{db: db, opts: opts, now: time.Now, log: logs.Component("provision")}
}

// WithTx returns a copy of the queue bound to tx.
func (q *Queue) WithTx(tx *gorm.DB) *Queue {
	c := *q
	c.db = tx
	return &c
}

// DeriveFrom sets the fallback used by Reenqueue.
func (q *Queue) DeriveFrom(src PayloadSource) { q.source = src }

func (q *Queue) expiredBefore(now time.Time) time.Time { return now.Add(-q.opts.TTL) }

// Enqueue writes the entry for key, replacing any previous one. Expired
// entries are pruned first; if the entry's site is full the oldest other
// entries of that site are evicted to make room.
func (q *Queue) Enqueue(ctx context.Context, key string, p Payload, requestedBy string) (models.ProvisionEntry, error) {
	k := models.NormalizeKey(key)
	if k == "" {
		return models.ProvisionEntry{}, ErrInvalidKey
	}
	p = p.normalized()
	b, err := json.Marshal(p)
	if err != nil {
		return models.ProvisionEntry{}, err
	}
	now := q.now()
	e := models.ProvisionEntry{
		DeviceKey:   k,
		SiteURL:     p.SiteURL,
		Payload:     datatypes.JSON(b),
		RequestedAt: now,
		RequestedBy: requestedBy,
	}
	var evicted []string
	err = q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("requested_at < ?", q.expiredBefore(now)).
			Delete(&models.ProvisionEntry{}).Error; err != nil {
			return err
		}
		if e.SiteURL != "" {
			sel := tx
			if db.SupportsRowLocks(tx) {
				sel = tx.Clauses(clause.Locking{Strength: "UPDATE"})
			}
			var others []models.ProvisionEntry
			if err := sel.Select("device_key", "requested_at").
				Where("site_url = ? AND device_key <> ?", e.SiteURL, k).
				Order("requested_at, device_key").
				Find(&others).Error; err != nil {
				return err
			}
			for i := 0; i < len(others)-(q.opts.MaxPerSite-1); i++ {
				if err := tx.Where("device_key = ?", others[i].DeviceKey).
					Delete(&models.ProvisionEntry{}).Error; err != nil {
					return err
				}
				evicted = append(evicted, others[i].DeviceKey)
			}
		}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&e).Error
	})
	if err != nil {
		return models.ProvisionEntry{}, err
	}
	if len(evicted) > 0 {
		q.log.WithFields(logrus.Fields{
			"site_url": e.SiteURL,
			"evicted":  evicted,
		}).Info("site at capacity, evicted oldest entries")
	}
	return e, nil
}

// Get returns the live entry for key; expired entries are invisible.
func (q *Queue) Get(ctx context.Context, key string) (models.ProvisionEntry, error) {
	var e models.ProvisionEntry
	k := models.NormalizeKey(key)
	if k == "" {
		return e, ErrInvalidKey
	}
	err := q.db.WithContext(ctx).
		Where("device_key = ? AND requested_at >= ?", k, q.expiredBefore(q.now())).
		First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return e, ErrNotFound
	}
	return e, err
}

func (q *Queue) Delete(ctx context.Context, key string) error {
	k := models.NormalizeKey(key)
	if k == "" {
		return ErrInvalidKey
	}
	return q.db.WithContext(ctx).Where("device_key = ?", k).Delete(&models.ProvisionEntry{}).Error
}

// List returns live entries, oldest first, optionally for one site.
func (q *Queue) List(ctx context.Context, siteURL string) ([]models.ProvisionEntry, error) {
	tx := q.db.WithContext(ctx).
		Where("requested_at >= ?", q.expiredBefore(q.now())).
		Order("requested_at, device_key")
	if site := models.NormalizeSiteURL(siteURL); site != "" {
		tx = tx.Where("site_url = ?", site)
	}
	var out []models.ProvisionEntry
	err := tx.Find(&out).Error
	return out, err
}

// Reenqueue refreshes key. A given payload must be a JSON object; without
// one the existing entry is reused, or a payload is derived from the
// device record when it has staged changes.
func (q *Queue) Reenqueue(ctx context.Context, key string, raw []byte, requestedBy string) (models.ProvisionEntry, error) {
	if models.NormalizeKey(key) == "" {
		return models.ProvisionEntry{}, ErrInvalidKey
	}
	if !isEmptyPayload(raw) {
		p, err := ParsePayload(raw)
		if err != nil {
			return models.ProvisionEntry{}, err
		}
		return q.Enqueue(ctx, key, p, requestedBy)
	}

	cur, err := q.Get(ctx, key)
	switch {
	case err == nil:
		p, err := DecodeEntry(cur)
		if err != nil {
			return models.ProvisionEntry{}, err
		}
		return q.Enqueue(ctx, key, p, requestedBy)
	case !errors.Is(err, ErrNotFound):
		return models.ProvisionEntry{}, err
	}

	if q.source != nil {
		p, ok, err := q.source.DerivePayload(ctx, key)
		if err != nil {
			return models.ProvisionEntry{}, err
		}
		if ok {
			return q.Enqueue(ctx, key, p, requestedBy)
		}
	}
	return models.ProvisionEntry{}, ErrNoPayload
}

func isEmptyPayload(raw []byte) bool {
	s := string(bytes.TrimSpace(raw))
	return s == "" || s == "null" || s == "{}"
}
