package gate

import (
	"context"
	"time"

	"tmon/internal/models"

	"gorm.io/gorm"
)

type Telemetry struct {
	db  *gorm.DB
	now func() time.Time
}

func NewTelemetry(db *gorm.DB) *Telemetry { return &Telemetry{db: db, now: time.Now} }

func (t *Telemetry) Save(ctx context.Context, rec *models.FieldData) error {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = t.now()
	}
	return t.db.WithContext(ctx).Create(rec).Error
}

type Filter struct {
	UnitID  string
	SiteURL string
	Since   time.Time
	Limit   int
}

// List returns newest records first.
func (t *Telemetry) List(ctx context.Context, f Filter) ([]models.FieldData, error) {
	tx := t.db.WithContext(ctx).Order("recorded_at DESC, id DESC")
	if u := models.NormalizeKey(f.UnitID); u != "" {
		tx = tx.Where("unit_id = ?", u)
	}
	if s := models.NormalizeSiteURL(f.SiteURL); s != "" {
		tx = tx.Where("site_url = ?", s)
	}
	if !f.Since.IsZero() {
		tx = tx.Where("recorded_at >= ?", f.Since)
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var out []models.FieldData
	err := tx.Limit(limit).Find(&out).Error
	return out, err
}
