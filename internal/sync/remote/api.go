// Package remote defines the remote API consumed by the sync coordinator and
// an HTTP/JSON client for it.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/kimhsiao/receiptsync/internal/models"
)

// ErrNotFound is returned when the remote has no such record.
var ErrNotFound = errors.New("remote record not found")

// API is the remote source of truth. Failures carry no structure beyond
// StatusError for HTTP responses.
type API interface {
	CreateReceipt(ctx context.Context, r *models.Receipt) (*models.Receipt, error)
	UpdateReceipt(ctx context.Context, id models.UUID, r *models.Receipt) (*models.Receipt, error)
	// DeleteReceipt treats an already absent record as deleted.
	DeleteReceipt(ctx context.Context, id models.UUID) error
	// GetReceipt returns nil, nil when the record does not exist.
	GetReceipt(ctx context.Context, id models.UUID) (*models.Receipt, error)
	ListReceipts(ctx context.Context, page, pageSize int) ([]*models.Receipt, error)

	CreateCategory(ctx context.Context, c *models.Category) (*models.Category, error)
	UpdateCategory(ctx context.Context, id models.UUID, c *models.Category) (*models.Category, error)
}

// StatusError is a non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Unwrap maps a 404 to ErrNotFound.
func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}
