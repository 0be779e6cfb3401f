// Package cmdqueue is the spoke-local device command queue.
//
// States: queued -> claimed -> done | failed | expired, plus the
// claimed -> queued recovery performed by Sweep. Every transition is a
// single conditional UPDATE so concurrent callers never both win.
package cmdqueue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"tmon/internal/db"
	"tmon/internal/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound = errors.New("command not found")
	ErrStale    = errors.New("stale")
	ErrInvalid  = errors.New("invalid command")
)

type Options struct {
	PollLimit    int
	ClaimTimeout time.Duration
	MaxRequeues  int
	TTL          time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollLimit <= 0 {
		o.PollLimit = 20
	}
	if o.ClaimTimeout <= 0 {
		o.ClaimTimeout = 5 * time.Minute
	}
	// at least one retry before anything expires
	if o.MaxRequeues < 1 {
		o.MaxRequeues = 1
	}
	return o
}

type Queue struct {
	db   *gorm.DB
	opts Options
	now  func() time.Time
}

func NewQueue(db *gorm.DB, opts Options) *Queue {
	return &Queue{db: db, opts: opts.withDefaults(), now: time.Now}
}

var active = []models.CommandStatus{models.CommandQueued, models.CommandClaimed}

func normalizeKeys(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := map[string]bool{}
	for _, id := range ids {
		k := models.NormalizeKey(id)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

// Enqueue inserts a new queued command. params must be a JSON document;
// nothing else about it is interpreted here.
func (q *Queue) Enqueue(ctx context.Context, deviceID, command string, params []byte, requestedBy string) (models.Command, error) {
	dev := models.NormalizeKey(deviceID)
	command = strings.TrimSpace(command)
	if dev == "" || command == "" {
		return models.Command{}, ErrInvalid
	}
	if len(params) == 0 {
		params = []byte("{}")
	}
	if !json.Valid(params) {
		return models.Command{}, ErrInvalid
	}
	now := q.now()
	c := models.Command{
		DeviceID:    dev,
		Command:     command,
		Params:      datatypes.JSON(params),
		Status:      models.CommandQueued,
		RequestedBy: requestedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.db.WithContext(ctx).Create(&c).Error; err != nil {
		return models.Command{}, err
	}
	return c, nil
}

// Poll returns the device's queued and claimed commands, oldest first.
// Returned queued rows are claimed in the same transaction; claimed rows
// are delivered again until they are completed or swept.
func (q *Queue) Poll(ctx context.Context, deviceIDs ...string) ([]models.Command, error) {
	keys := normalizeKeys(deviceIDs)
	if len(keys) == 0 {
		return nil, ErrInvalid
	}
	var out []models.Command
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sel := tx
		if db.SupportsRowLocks(tx) {
			sel = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		if err := sel.Where("device_id IN ? AND status IN ?", keys, active).
			Order("id").Limit(q.opts.PollLimit).Find(&out).Error; err != nil {
			return err
		}
		var ids []uint
		for _, c := range out {
			if c.Status == models.CommandQueued {
				ids = append(ids, c.ID)
			}
		}
		if len(ids) == 0 {
			return nil
		}
		now := q.now()
		err := tx.Model(&models.Command{}).
			Where("id IN ? AND status = ?", ids, models.CommandQueued).
			Updates(map[string]any{
				"status":     models.CommandClaimed,
				"attempts":   gorm.Expr("attempts + 1"),
				"updated_at": now,
			}).Error
		if err != nil {
			return err
		}
		for i := range out {
			if out[i].Status == models.CommandQueued {
				out[i].Status = models.CommandClaimed
				out[i].Attempts++
				out[i].UpdatedAt = now
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Claim moves one queued command to claimed. Exactly one of any number of
// concurrent callers gets nil; the rest get ErrStale.
func (q *Queue) Claim(ctx context.Context, id uint, deviceIDs ...string) error {
	keys := normalizeKeys(deviceIDs)
	if id == 0 || len(keys) == 0 {
		return ErrInvalid
	}
	res := q.db.WithContext(ctx).Model(&models.Command{}).
		Where("id = ? AND device_id IN ? AND status = ?", id, keys, models.CommandQueued).
		Updates(map[string]any{
			"status":     models.CommandClaimed,
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": q.now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	return q.missOrStale(ctx, id, keys)
}

func (q *Queue) missOrStale(ctx context.Context, id uint, keys []string) error {
	var n int64
	tx := q.db.WithContext(ctx).Model(&models.Command{}).Where("id = ?", id)
	if len(keys) > 0 {
		tx = tx.Where("device_id IN ?", keys)
	}
	if err := tx.Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrStale
}

// Complete records the device's outcome. Any non-terminal row moves to
// status; reporting again on a terminal row returns ErrStale.
func (q *Queue) Complete(ctx context.Context, id uint, status models.CommandStatus, result []byte) (models.Command, error) {
	if id == 0 || (status != models.CommandDone && status != models.CommandFailed) {
		return models.Command{}, ErrInvalid
	}
	if len(result) > 0 && !json.Valid(result) {
		return models.Command{}, ErrInvalid
	}
	now := q.now()
	upd := map[string]any{
		"status":      status,
		"executed_at": now,
		"updated_at":  now,
	}
	if len(result) > 0 {
		upd["result"] = datatypes.JSON(result)
	}
	res := q.db.WithContext(ctx).Model(&models.Command{}).
		Where("id = ? AND status IN ?", id, active).
		Updates(upd)
	if res.Error != nil {
		return models.Command{}, res.Error
	}
	if res.RowsAffected == 0 {
		return models.Command{}, q.missOrStale(ctx, id, nil)
	}
	return q.Get(ctx, id)
}

func (q *Queue) Get(ctx context.Context, id uint) (models.Command, error) {
	var c models.Command
	err := q.db.WithContext(ctx).First(&c, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return c, ErrNotFound
	}
	return c, err
}

// Delete removes a command that no device has picked up yet.
func (q *Queue) Delete(ctx context.Context, id uint) error {
	res := q.db.WithContext(ctx).
		Where("id = ? AND status = ?", id, models.CommandQueued).
		Delete(&models.Command{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return q.missOrStale(ctx, id, nil)
	}
	return nil
}

// Purge drops finished rows for a device and reports how many went.
func (q *Queue) Purge(ctx context.Context, deviceIDs ...string) (int64, error) {
	keys := normalizeKeys(deviceIDs)
	if len(keys) == 0 {
		return 0, ErrInvalid
	}
	res := q.db.WithContext(ctx).
		Where("device_id IN ? AND status IN ?", keys,
			[]models.CommandStatus{models.CommandDone, models.CommandFailed, models.CommandExpired}).
		Delete(&models.Command{})
	return res.RowsAffected, res.Error
}

// List is the admin view; empty filters match everything.
func (q *Queue) List(ctx context.Context, deviceID string, status models.CommandStatus) ([]models.Command, error) {
	tx := q.db.WithContext(ctx).Order("id")
	if dev := models.NormalizeKey(deviceID); dev != "" {
		tx = tx.Where("device_id = ?", dev)
	}
	if status != "" {
		tx = tx.Where("status = ?", status)
	}
	var out []models.Command
	err := tx.Find(&out).Error
	return out, err
}

type SweepResult struct {
	Requeued int64 `json:"requeued"`
	Expired  int64 `json:"expired"`
}

// Sweep recovers commands whose claimant went quiet. Claimed rows idle
// past ClaimTimeout return to queued until they have been requeued
// MaxRequeues times, after which they expire. Queued rows that were
// delivered at least once, are older than TTL and have sat untouched for
// a full ClaimTimeout expire too, so a row requeued in this pass is
// always offered again first.
func (q *Queue) Sweep(ctx context.Context) (SweepResult, error) {
	var r SweepResult
	now := q.now()
	cutoff := now.Add(-q.opts.ClaimTimeout)
	tx := q.db.WithContext(ctx)

	res := tx.Model(&models.Command{}).
		Where("status = ? AND updated_at < ? AND requeues >= ?", models.CommandClaimed, cutoff, q.opts.MaxRequeues).
		Updates(map[string]any{"status": models.CommandExpired, "updated_at": now})
	if res.Error != nil {
		return r, res.Error
	}
	r.Expired += res.RowsAffected

	res = tx.Model(&models.Command{}).
		Where("status = ? AND updated_at < ?", models.CommandClaimed, cutoff).
		Updates(map[string]any{
			"status":     models.CommandQueued,
			"requeues":   gorm.Expr("requeues + 1"),
			"updated_at": now,
		})
	if res.Error != nil {
		return r, res.Error
	}
	r.Requeued = res.RowsAffected

	if q.opts.TTL > 0 {
		res = tx.Model(&models.Command{}).
			Where("status = ? AND attempts > 0 AND created_at < ? AND updated_at < ?",
				models.CommandQueued, now.Add(-q.opts.TTL), cutoff).
			Updates(map[string]any{"status": models.CommandExpired, "updated_at": now})
		if res.Error != nil {
			return r, res.Error
		}
		r.Expired += res.RowsAffected
	}
	return r, nil
}
