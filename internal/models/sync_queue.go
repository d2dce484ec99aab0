// Package models provides data model definitions for the receipt sync store.
package models

import (
	"encoding/json"
	"time"
)

// QueueStatus is the lifecycle state of a sync queue row.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusInProgress QueueStatus = "in-progress"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
)

// SyncQueue represents a pending mutation awaiting remote application.
// ID is monotonically increasing and defines FIFO order.
type SyncQueue struct {
	ID         int64           `db:"id" json:"id"`
	Table      string          `db:"table_name" json:"table_name"`
	RecordID   UUID            `db:"record_id" json:"record_id"`
	Action     SyncAction      `db:"action" json:"action"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	EnqueuedAt int64           `db:"enqueued_at" json:"enqueued_at"`
	RetryCount int             `db:"retry_count" json:"retry_count"`
	Status     QueueStatus     `db:"status" json:"status"`
	LastError  string          `db:"last_error" json:"last_error,omitempty"`
	UpdatedAt  int64           `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for SyncQueue.
func (SyncQueue) TableName() string {
	return "sync_queue"
}

// EnqueuedAtTime returns the EnqueuedAt as time.Time.
func (q *SyncQueue) EnqueuedAtTime() time.Time {
	return time.UnixMilli(q.EnqueuedAt)
}
