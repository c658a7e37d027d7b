package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/packfinderz-cartsync/pkg/db/models"
)

// SQL records processed actions in the processed_actions table so the markers
// live next to the durable queue when the sql storage driver is used.
type SQL struct {
	db  *gorm.DB
	ttl time.Duration
	now func() time.Time
}

func NewSQL(db *gorm.DB, ttl time.Duration) (*SQL, error) {
	if db == nil {
		return nil, errors.New("gorm db required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	return &SQL{db: db, ttl: ttl, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *SQL) CheckAndMarkProcessed(ctx context.Context, scope, actionID string) (bool, error) {
	id, err := parseActionID(scope, actionID)
	if err != nil {
		return false, err
	}
	now := s.now()
	row := models.ProcessedAction{
		Scope:       scope,
		ActionID:    id.String(),
		ProcessedAt: now,
	}
	if s.ttl > 0 {
		expires := now.Add(s.ttl)
		row.ExpiresAt = &expires
	}

	var inserted bool
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("scope = ? AND action_id = ? AND expires_at IS NOT NULL AND expires_at <= ?", scope, row.ActionID, now).
			Delete(&models.ProcessedAction{}).Error; err != nil {
			return err
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if res.Error != nil {
			return res.Error
		}
		inserted = res.RowsAffected == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("mark action processed: %w", err)
	}
	return !inserted, nil
}

func (s *SQL) IsProcessed(ctx context.Context, scope, actionID string) (bool, error) {
	id, err := parseActionID(scope, actionID)
	if err != nil {
		return false, err
	}
	var count int64
	err = s.db.WithContext(ctx).Model(&models.ProcessedAction{}).
		Where("scope = ? AND action_id = ? AND (expires_at IS NULL OR expires_at > ?)", scope, id.String(), s.now()).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("lookup processed action: %w", err)
	}
	return count > 0, nil
}

func (s *SQL) Delete(ctx context.Context, scope, actionID string) error {
	id, err := parseActionID(scope, actionID)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Where("scope = ? AND action_id = ?", scope, id.String()).
		Delete(&models.ProcessedAction{}).Error
}
