package models

import "time"

// StorageEntry is one key/value pair of the durable local medium. Values are
// opaque serialized documents (cart snapshot, offline queue).
type StorageEntry struct {
	Namespace string    `gorm:"column:namespace;primaryKey;size:128"`
	Key       string    `gorm:"column:entry_key;primaryKey;size:255"`
	Value     string    `gorm:"column:value;type:text;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (StorageEntry) TableName() string {
	return "storage_entries"
}
