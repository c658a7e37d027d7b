package models

import "time"

// ProcessedAction records a mutation id already applied to the remote cart so a
// replay after restart is skipped.
type ProcessedAction struct {
	Scope       string     `gorm:"column:scope;primaryKey;size:128"`
	ActionID    string     `gorm:"column:action_id;primaryKey;size:64"`
	ProcessedAt time.Time  `gorm:"column:processed_at;autoCreateTime"`
	ExpiresAt   *time.Time `gorm:"column:expires_at"`
}

func (ProcessedAction) TableName() string {
	return "processed_actions"
}
