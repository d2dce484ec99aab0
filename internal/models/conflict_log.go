// Package models provides data model definitions for the receipt sync store.
package models

import "time"

// Conflict resolutions recorded in ConflictLog.Resolution.
const (
	ResolutionLocalWins  = "local_wins"
	ResolutionRemoteWins = "remote_wins"
	ResolutionMerged     = "merged"
)

// ConflictLog records resolved concurrent edits for user awareness.
type ConflictLog struct {
	ID              UUID   `db:"id" json:"id"`
	Table           string `db:"table_name" json:"table_name"`
	RecordID        UUID   `db:"record_id" json:"record_id"`
	LocalTimestamp  int64  `db:"local_timestamp" json:"local_timestamp"`
	RemoteTimestamp int64  `db:"remote_timestamp" json:"remote_timestamp"`
	Strategy        string `db:"strategy" json:"strategy"`
	Resolution      string `db:"resolution" json:"resolution"`
	DetectedAt      int64  `db:"detected_at" json:"detected_at"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}
