package devices

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tmon/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound   = errors.New("device not found")
	ErrInvalidKey = errors.New("unit_id or machine_id required")
)

const (
	unitIDSeq   = "seq.unit_id"
	unitIDWidth = 6
)

// Fields is the mutable part of a device record. Empty strings leave the
// stored value untouched on update.
type Fields struct {
	UnitID          string
	MachineID       string
	SiteURL         string
	Role            string
	UnitName        string
	Plan            string
	Status          models.DeviceStatus
	FirmwareVersion string
	Notes           string
}

func (f Fields) normalized() Fields {
	f.UnitID = models.NormalizeKey(f.UnitID)
	f.MachineID = models.NormalizeKey(f.MachineID)
	f.SiteURL = models.NormalizeSiteURL(f.SiteURL)
	return f
}

type Store struct {
	db  *gorm.DB
	now func() time.Time
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// WithTx returns a copy of the store bound to tx.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	c := *s
	c.db = tx
	return &c
}

// Find looks a device up by unit_id first, then machine_id.
func (s *Store) Find(ctx context.Context, unitID, machineID string) (models.Device, error) {
	return find(s.db.WithContext(ctx), models.NormalizeKey(unitID), models.NormalizeKey(machineID))
}

// FindByKey resolves a single key that may be either identifier.
func (s *Store) FindByKey(ctx context.Context, key string) (models.Device, error) {
	k := models.NormalizeKey(key)
	return find(s.db.WithContext(ctx), k, k)
}

func find(tx *gorm.DB, unitID, machineID string) (models.Device, error) {
	var d models.Device
	if unitID != "" {
		err := tx.Where("unit_id = ?", unitID).Order("id").First(&d).Error
		if err == nil {
			return d, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return d, err
		}
	}
	if machineID != "" {
		err := tx.Where("machine_id = ?", machineID).Order("id").First(&d).Error
		if err == nil {
			return d, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return d, err
		}
	}
	return d, ErrNotFound
}

// Upsert creates or updates a device without ever creating a second record
// when either key is already mapped. When allocate is set and no unit_id is
// known, the next sequential unit_id is assigned.
func (s *Store) Upsert(ctx context.Context, in Fields, allocate bool) (models.Device, bool, error) {
	in = in.normalized()
	if in.UnitID == "" && in.MachineID == "" && !allocate {
		return models.Device{}, false, ErrInvalidKey
	}
	var (
		out     models.Device
		created bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		d, err := find(tx, in.UnitID, in.MachineID)
		switch {
		case err == nil:
			applyFields(&d, in)
			if d.UnitID == "" && allocate {
				if d.UnitID, err = s.allocateUnitID(tx); err != nil {
					return err
				}
			}
			if err := tx.Save(&d).Error; err != nil {
				return err
			}
			out = d
			return nil
		case errors.Is(err, ErrNotFound):
			created = true
			d = models.Device{Status: models.DeviceStatusPending}
			applyFields(&d, in)
			if d.UnitID == "" && allocate {
				if d.UnitID, err = s.allocateUnitID(tx); err != nil {
					return err
				}
			}
			if err := tx.Create(&d).Error; err != nil {
				return err
			}
			out = d
			return nil
		default:
			return err
		}
	})
	return out, created, err
}

func applyFields(d *models.Device, f Fields) {
	if f.UnitID != "" {
		d.UnitID = f.UnitID
	}
	if f.MachineID != "" {
		d.MachineID = f.MachineID
	}
	if f.SiteURL != "" {
		d.SiteURL = f.SiteURL
	}
	if f.Role != "" {
		d.Role = f.Role
	}
	if f.UnitName != "" {
		d.UnitName = strings.TrimSpace(f.UnitName)
	}
	if f.Plan != "" {
		d.Plan = f.Plan
	}
	if f.Status != "" {
		d.Status = f.Status
	}
	if f.FirmwareVersion != "" {
		d.FirmwareVersion = f.FirmwareVersion
	}
	if f.Notes != "" {
		d.Notes = f.Notes
	}
}

// allocateUnitID bumps the persisted sequence and skips values already
// taken by manually assigned unit ids.
func (s *Store) allocateUnitID(tx *gorm.DB) (string, error) {
	var seq models.Credential
	q := tx
	if tx.Dialector.Name() != "sqlite" {
		q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := q.Where("name = ?", unitIDSeq).First(&seq).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}
	n, _ := strconv.Atoi(seq.Value)
	for {
		n++
		id := fmt.Sprintf("%0*d", unitIDWidth, n)
		var count int64
		if err := tx.Model(&models.Device{}).Where("unit_id = ?", id).Count(&count).Error; err != nil {
			return "", err
		}
		if count > 0 {
			continue
		}
		seq = models.Credential{Name: unitIDSeq, Value: strconv.Itoa(n), UpdatedAt: s.now()}
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&seq).Error; err != nil {
			return "", err
		}
		return id, nil
	}
}

func (s *Store) SetStatus(ctx context.Context, key string, st models.DeviceStatus) error {
	d, err := s.FindByKey(ctx, key)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&d).Update("status", st).Error
}

// MarkStaged flips the settings_staged flag for the device addressed by key.
func (s *Store) MarkStaged(ctx context.Context, key string, staged bool) error {
	d, err := s.FindByKey(ctx, key)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&d).Update("settings_staged", staged).Error
}

func (s *Store) ListBySite(ctx context.Context, siteURL string) ([]models.Device, error) {
	var out []models.Device
	q := s.db.WithContext(ctx).Order("id")
	if site := models.NormalizeSiteURL(siteURL); site != "" {
		q = q.Where("site_url = ?", site)
	}
	err := q.Find(&out).Error
	return out, err
}
