package devices

import (
	"context"
	"errors"

	"tmon/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (s *Store) Suspend(ctx context.Context, unitID, reason string) error {
	id := models.NormalizeKey(unitID)
	if id == "" {
		return ErrInvalidKey
	}
	rec := models.Suspension{UnitID: id, Reason: reason, SuspendedAt: s.now()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error
}

func (s *Store) Unsuspend(ctx context.Context, unitID string) error {
	return s.db.WithContext(ctx).Delete(&models.Suspension{}, "unit_id = ?", models.NormalizeKey(unitID)).Error
}

func (s *Store) IsSuspended(ctx context.Context, unitID string) (bool, error) {
	id := models.NormalizeKey(unitID)
	if id == "" {
		return false, nil
	}
	var rec models.Suspension
	err := s.db.WithContext(ctx).Where("unit_id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return err == nil, err
}
