// Package export writes local receipts to an XLSX workbook.
package export

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/kimhsiao/receiptsync/internal/db"
	apperrors "github.com/kimhsiao/receiptsync/internal/errors"
	"github.com/kimhsiao/receiptsync/internal/logging"
	"github.com/kimhsiao/receiptsync/internal/models"
)

// SheetName is the worksheet receipts are written to.
const SheetName = "Receipts"

// Headers are the column titles, in order.
var Headers = []string{"Date", "Merchant", "Category", "Amount", "Status", "Synced", "Pending Action", "Updated At", "ID"}

// ReceiptLister is the part of the Local Store the export reads.
type ReceiptLister interface {
	ListReceipts(ctx context.Context, filter db.ReceiptFilter) ([]*models.Receipt, error)
}

// ExportService produces receipt workbooks.
type ExportService struct {
	store ReceiptLister
}

// NewExportService creates a new ExportService.
func NewExportService(store ReceiptLister) *ExportService {
	return &ExportService{store: store}
}

// ExportConfig holds export configuration.
type ExportConfig struct {
	OutputPath string
	Filter     db.ReceiptFilter
}

// ExportResult represents the result of an export operation.
type ExportResult struct {
	FilePath  string        `json:"file_path"`
	SizeBytes int64         `json:"size_bytes"`
	ItemCount int           `json:"item_count"`
	Checksum  string        `json:"checksum"`
	Duration  time.Duration `json:"duration"`
}

// Export writes the receipts matching config.Filter to config.OutputPath.
// Soft-deleted receipts are never exported.
func (s *ExportService) Export(ctx context.Context, config *ExportConfig) (*ExportResult, error) {
	if config == nil || config.OutputPath == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "output path is required")
	}
	start := time.Now()

	filter := config.Filter
	filter.IncludeDeleted = false
	recs, err := s.store.ListReceipts(ctx, filter)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list receipts", err)
	}

	if dir := filepath.Dir(config.OutputPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrExportFailed, "create output directory", err)
		}
	}
	f, err := os.Create(config.OutputPath)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrExportFailed, "create output file", err)
	}

	h := sha256.New()
	cw := &countingWriter{w: io.MultiWriter(f, h)}
	if err := Receipts(cw, recs); err != nil {
		f.Close()
		os.Remove(config.OutputPath)
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrExportFailed, "close output file", err)
	}

	result := &ExportResult{
		FilePath:  config.OutputPath,
		SizeBytes: cw.n,
		ItemCount: len(recs),
		Checksum:  fmt.Sprintf("%x", h.Sum(nil)),
		Duration:  time.Since(start),
	}
	logging.Info("Export completed", map[string]interface{}{
		"file":        result.FilePath,
		"item_count":  result.ItemCount,
		"size_bytes":  result.SizeBytes,
		"duration_ms": result.Duration.Milliseconds(),
	})
	return result, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Receipts writes a workbook with one row per non-deleted receipt to w.
func Receipts(w io.Writer, recs []*models.Receipt) error {
	f := excelize.NewFile()
	defer f.Close()

	// Rename the default sheet so the workbook has exactly one.
	if err := f.SetSheetName(f.GetSheetName(0), SheetName); err != nil {
		return apperrors.Wrap(apperrors.ErrExportFailed, "name sheet", err)
	}

	for i, h := range Headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(SheetName, cell, h); err != nil {
			return apperrors.Wrap(apperrors.ErrExportFailed, "write header", err)
		}
	}

	row := 2
	for _, r := range recs {
		if r == nil || r.IsDeleted() {
			continue
		}
		values := []any{
			r.Date,
			r.Merchant,
			r.Category,
			r.Amount,
			r.Status,
			r.IsSynced,
			string(r.PendingAction),
			r.UpdatedAtTime().UTC().Format(time.RFC3339),
			string(r.ID),
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			if err := f.SetCellValue(SheetName, cell, v); err != nil {
				return apperrors.Wrap(apperrors.ErrExportFailed, "write row", err)
			}
		}
		row++
	}

	_ = f.SetColWidth(SheetName, "A", "A", 12) // date
	_ = f.SetColWidth(SheetName, "B", "C", 24) // merchant, category
	_ = f.SetColWidth(SheetName, "D", "G", 14)
	_ = f.SetColWidth(SheetName, "H", "H", 22)
	_ = f.SetColWidth(SheetName, "I", "I", 38) // id

	if _, err := f.WriteTo(w); err != nil {
		return apperrors.Wrap(apperrors.ErrExportFailed, "write workbook", err)
	}
	return nil
}
