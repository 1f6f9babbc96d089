package models

import (
	"time"

	"gorm.io/datatypes"
)

// KVEntry backs storage.GormKV: one row per key, the value kept as a
// JSON document. On postgres the column is jsonb, so the value must be
// valid JSON and comes back re-serialised; sqlite keeps the bytes as given.
type KVEntry struct {
	Key       string         `gorm:"size:255;primaryKey" json:"key"`
	Value     datatypes.JSON `gorm:"not null" json:"value"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (KVEntry) TableName() string {
	return "kv_entries"
}
