// Package models provides data model definitions for the receipt sync store.
package models

// Well-known setting keys.
const (
	SettingLastSyncAt           = "last_sync_at"
	SettingInitialSyncCompleted = "initial_sync_completed"
)

// Setting is a persisted scalar value.
type Setting struct {
	Key       string `db:"key" json:"key"`
	Value     string `db:"value" json:"value"`
	UpdatedAt int64  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Setting.
func (Setting) TableName() string {
	return "settings"
}
