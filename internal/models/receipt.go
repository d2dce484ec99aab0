// Package models provides data model definitions for the receipt sync store.
package models

import "time"

// StatusDeleted marks a soft-deleted receipt.
const StatusDeleted = "deleted"

// StatusActive is the status given to new receipts that carry none.
const StatusActive = "active"

// Receipt is a locally persisted receipt plus its sync metadata.
// Timestamps are Unix milliseconds.
type Receipt struct {
	ID            UUID       `db:"id" json:"id"`
	Merchant      string     `db:"merchant" json:"merchant"`
	Date          string     `db:"date" json:"date"`
	Amount        float64    `db:"amount" json:"amount"`
	Category      string     `db:"category" json:"category,omitempty"`
	Status        string     `db:"status" json:"status,omitempty"`
	ImageURI      string     `db:"image_uri" json:"image_uri,omitempty"`
	CreatedAt     int64      `db:"created_at" json:"created_at"`
	UpdatedAt     int64      `db:"updated_at" json:"updated_at"`
	IsSynced      bool       `db:"is_synced" json:"-"`
	PendingAction SyncAction `db:"pending_action" json:"-"`
}

// TableName returns the table name for Receipt.
func (Receipt) TableName() string {
	return TableReceipts
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (r *Receipt) CreatedAtTime() time.Time {
	return time.UnixMilli(r.CreatedAt)
}

// UpdatedAtTime returns the UpdatedAt as time.Time.
func (r *Receipt) UpdatedAtTime() time.Time {
	return time.UnixMilli(r.UpdatedAt)
}

// EffectiveTimestamp is UpdatedAt, falling back to CreatedAt when unset.
func (r *Receipt) EffectiveTimestamp() int64 {
	if r.UpdatedAt != 0 {
		return r.UpdatedAt
	}
	return r.CreatedAt
}

// IsDeleted reports whether the receipt has been soft-deleted.
func (r *Receipt) IsDeleted() bool {
	return r.Status == StatusDeleted
}

// ReceiptPatch is a partial update. Nil fields are left untouched.
type ReceiptPatch struct {
	Merchant *string  `json:"merchant,omitempty"`
	Date     *string  `json:"date,omitempty"`
	Amount   *float64 `json:"amount,omitempty"`
	Category *string  `json:"category,omitempty"`
	Status   *string  `json:"status,omitempty"`
	ImageURI *string  `json:"image_uri,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p ReceiptPatch) Empty() bool {
	return p.Merchant == nil && p.Date == nil && p.Amount == nil &&
		p.Category == nil && p.Status == nil && p.ImageURI == nil
}

// Apply merges the set fields of p into r.
func (p ReceiptPatch) Apply(r *Receipt) {
	if p.Merchant != nil {
		r.Merchant = *p.Merchant
	}
	if p.Date != nil {
		r.Date = *p.Date
	}
	if p.Amount != nil {
		r.Amount = *p.Amount
	}
	if p.Category != nil {
		r.Category = *p.Category
	}
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.ImageURI != nil {
		r.ImageURI = *p.ImageURI
	}
}
