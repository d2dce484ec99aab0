// Package models provides data model definitions for the receipt sync store.
package models

import "time"

// Category represents a user-defined receipt category.
type Category struct {
	ID            UUID       `db:"id" json:"id"`
	Name          string     `db:"name" json:"name"`
	Color         string     `db:"color" json:"color,omitempty"`
	Icon          string     `db:"icon" json:"icon,omitempty"`
	CreatedAt     int64      `db:"created_at" json:"created_at"`
	UpdatedAt     int64      `db:"updated_at" json:"updated_at"`
	IsSynced      bool       `db:"is_synced" json:"-"`
	PendingAction SyncAction `db:"pending_action" json:"-"`
}

// TableName returns the table name for Category.
func (Category) TableName() string {
	return TableCategories
}

// UpdatedAtTime returns the UpdatedAt as time.Time.
func (c *Category) UpdatedAtTime() time.Time {
	return time.UnixMilli(c.UpdatedAt)
}
