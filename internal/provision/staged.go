package provision

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"tmon/internal/models"
	"tmon/internal/settings"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Staged holds settings a device has been told to apply but has not yet
// confirmed. Both roles use it: the hub while a push is pending, the
// spoke until the device completes the settings_update command.
type Staged struct {
	db  *gorm.DB
	now func() time.Time
}

func NewStaged(db *gorm.DB) *Staged { return &Staged{db: db, now: time.Now} }

func (s *Staged) WithTx(tx *gorm.DB) *Staged {
	c := *s
	c.db = tx
	return &c
}

func (s *Staged) Stage(ctx context.Context, key string, m map[string]json.RawMessage, by string) (models.StagedSettings, error) {
	return s.StageFor(ctx, key, "", m, by)
}

// StageFor stages settings for key and remembers source, the queue key the
// change is confirmed under once the device applies it.
func (s *Staged) StageFor(ctx context.Context, key, source string, m map[string]json.RawMessage, by string) (models.StagedSettings, error) {
	k := models.NormalizeKey(key)
	if k == "" {
		return models.StagedSettings{}, ErrInvalidKey
	}
	if len(m) == 0 {
		return models.StagedSettings{}, ErrInvalidPayload
	}
	norm, err := settings.Normalize(m)
	if err != nil {
		return models.StagedSettings{}, err
	}
	b, err := json.Marshal(norm)
	if err != nil {
		return models.StagedSettings{}, err
	}
	rec := models.StagedSettings{
		DeviceKey: k,
		SourceKey: models.NormalizeKey(source),
		Settings:  datatypes.JSON(b),
		StagedAt:  s.now(),
		StagedBy:  by,
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error
	return rec, err
}

func (s *Staged) Get(ctx context.Context, key string) (models.StagedSettings, error) {
	var rec models.StagedSettings
	err := s.db.WithContext(ctx).Where("device_key = ?", models.NormalizeKey(key)).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return rec, ErrNotFound
	}
	return rec, err
}

// Settings decodes the staged map for key; ok is false when none is staged.
func (s *Staged) Settings(ctx context.Context, key string) (map[string]json.RawMessage, bool, error) {
	rec, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(rec.Settings, &m); err != nil {
		return nil, false, err
	}
	return m, true, nil
}

func (s *Staged) Clear(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Where("device_key = ?", models.NormalizeKey(key)).
		Delete(&models.StagedSettings{}).Error
}
