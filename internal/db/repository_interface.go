// Package db provides repository interfaces for the Local Store.
package db

import (
	"context"
	"time"

	"github.com/kimhsiao/receiptsync/internal/models"
	"github.com/kimhsiao/receiptsync/internal/sync/queue"
)

// ReceiptStore defines the caller-facing receipt operations.
// Every mutation commits together with its sync queue item.
type ReceiptStore interface {
	// SaveReceipt upserts a receipt by id.
	SaveReceipt(ctx context.Context, r *models.Receipt) (*models.Receipt, error)

	// UpdateReceipt merges a partial update into a live receipt.
	UpdateReceipt(ctx context.Context, id models.UUID, patch models.ReceiptPatch) (*models.Receipt, error)

	// SoftDeleteReceipt marks a receipt deleted.
	SoftDeleteReceipt(ctx context.Context, id models.UUID) error

	// GetReceipt retrieves a live receipt by id.
	GetReceipt(ctx context.Context, id models.UUID) (*models.Receipt, error)

	// ListReceipts returns receipts matching a filter.
	ListReceipts(ctx context.Context, filter ReceiptFilter) ([]*models.Receipt, error)
}

// ConflictLogRepository defines operations for conflict log persistence.
type ConflictLogRepository interface {
	// CreateConflictLog creates a new conflict log entry.
	CreateConflictLog(ctx context.Context, entry *models.ConflictLog) error
}

// SyncStore groups what the sync coordinator needs from the Local Store.
type SyncStore interface {
	ConflictLogRepository

	CompleteSync(ctx context.Context, item *queue.Item, winner *models.Receipt) error
	ImportRemote(ctx context.Context, receipts []*models.Receipt) (int, error)
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
	LastSyncAt(ctx context.Context) (time.Time, error)
	SetLastSyncAt(ctx context.Context, t time.Time) error
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ ReceiptStore          = (*Repository)(nil)
	_ ConflictLogRepository = (*Repository)(nil)
	_ SyncStore             = (*Repository)(nil)
)
