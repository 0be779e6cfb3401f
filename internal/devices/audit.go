package devices

import (
	"context"
	"encoding/json"
	"time"

	"tmon/internal/models"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	AuditIngestUnknown  = "ingest_unknown"
	AuditProvision      = "provision"
	AuditApplied        = "provision_applied"
	AuditInstallResult  = "install_result"
	AuditCommandForward = "command_forward"
	AuditPaired         = "paired"
)

// AuditLog is the write side of the append-only audit trail.
type AuditLog struct {
	db  *gorm.DB
	now func() time.Time
}

func NewAuditLog(db *gorm.DB) *AuditLog { return &AuditLog{db: db, now: time.Now} }

func (a *AuditLog) Record(ctx context.Context, e models.AuditEntry, details any) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = a.now()
	}
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			return err
		}
		e.Details = datatypes.JSON(b)
	}
	return a.db.WithContext(ctx).Create(&e).Error
}

func (a *AuditLog) Count(ctx context.Context, action, unitID string) (int64, error) {
	var n int64
	err := a.db.WithContext(ctx).Model(&models.AuditEntry{}).
		Where("action = ? AND unit_id = ?", action, models.NormalizeKey(unitID)).
		Count(&n).Error
	return n, err
}
