package export

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/kimhsiao/receiptsync/internal/db"
	apperrors "github.com/kimhsiao/receiptsync/internal/errors"
	"github.com/kimhsiao/receiptsync/internal/models"
)

func readRows(t *testing.T, data []byte) [][]string {
	t.Helper()
	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, []string{SheetName}, f.GetSheetList())
	rows, err := f.GetRows(SheetName)
	require.NoError(t, err)
	return rows
}

// TestReceipts verifies the header row and that deleted receipts are skipped.
func TestReceipts(t *testing.T) {
	recs := []*models.Receipt{
		{ID: "r1", Merchant: "Starbucks", Date: "2023-06-15", Amount: 42.5, Category: "Food",
			Status: models.StatusActive, IsSynced: true, CreatedAt: 1686787200000, UpdatedAt: 1686787200000},
		{ID: "r2", Merchant: "Gone", Date: "2023-06-16", Amount: 1, Status: models.StatusDeleted},
		nil,
		{ID: "r3", Merchant: "Deli", Date: "2023-06-17", Amount: 9, Status: models.StatusActive,
			PendingAction: models.ActionCreate, CreatedAt: 1686787200000, UpdatedAt: 1686787200000},
	}

	var buf bytes.Buffer
	require.NoError(t, Receipts(&buf, recs))

	rows := readRows(t, buf.Bytes())
	require.Len(t, rows, 3)
	assert.Equal(t, Headers, rows[0])
	assert.Equal(t, []string{"2023-06-15", "Starbucks", "Food", "42.5", "active", "TRUE", "", "2023-06-15T00:00:00Z", "r1"}, rows[1])
	assert.Equal(t, "Deli", rows[2][1])
	assert.Equal(t, "create", rows[2][6])
}

// TestReceipts_empty verifies an empty export still has headers.
func TestReceipts_empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Receipts(&buf, nil))
	rows := readRows(t, buf.Bytes())
	require.Len(t, rows, 1)
}

// TestExport writes a workbook from the Local Store.
func TestExport(t *testing.T) {
	d, err := db.OpenMemory()
	require.NoError(t, err)
	defer d.Close()
	repo := db.NewRepository(d.DB)
	ctx := context.Background()

	_, err = repo.SaveReceipt(ctx, &models.Receipt{Merchant: "Starbucks", Date: "2023-06-15", Amount: 42.5, Category: "Food"})
	require.NoError(t, err)
	_, err = repo.SaveReceipt(ctx, &models.Receipt{Merchant: "Hardware", Date: "2023-06-16", Amount: 12, Category: "Home"})
	require.NoError(t, err)
	gone, err := repo.SaveReceipt(ctx, &models.Receipt{Merchant: "Gone", Date: "2023-06-17", Amount: 1})
	require.NoError(t, err)
	require.NoError(t, repo.SoftDeleteReceipt(ctx, gone.ID))

	out := filepath.Join(t.TempDir(), "nested", "receipts.xlsx")
	svc := NewExportService(repo)

	result, err := svc.Export(ctx, &ExportConfig{OutputPath: out, Filter: db.ReceiptFilter{IncludeDeleted: true}})
	require.NoError(t, err)
	assert.Equal(t, 2, result.ItemCount)
	assert.Equal(t, out, result.FilePath)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), result.SizeBytes)
	assert.Equal(t, fmt.Sprintf("%x", sha256.Sum256(data)), result.Checksum)

	rows := readRows(t, data)
	assert.Len(t, rows, 3)

	result, err = svc.Export(ctx, &ExportConfig{OutputPath: out, Filter: db.ReceiptFilter{Category: "Food"}})
	require.NoError(t, err)
	assert.Equal(t, 1, result.ItemCount)
}

// TestExport_invalid verifies configuration errors.
func TestExport_invalid(t *testing.T) {
	svc := NewExportService(nil)

	_, err := svc.Export(context.Background(), nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	_, err = svc.Export(context.Background(), &ExportConfig{})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}
