package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/receiptsync/internal/models"
)

// TestPayload_identity verifies each payload reports its table, action and record.
func TestPayload_identity(t *testing.T) {
	r := models.Receipt{ID: "r1"}
	c := models.Category{ID: "c1", Name: "Food"}

	tests := []struct {
		payload Payload
		table   string
		action  models.SyncAction
		id      models.UUID
	}{
		{ReceiptCreate{Receipt: r}, models.TableReceipts, models.ActionCreate, "r1"},
		{ReceiptUpdate{Receipt: r}, models.TableReceipts, models.ActionUpdate, "r1"},
		{ReceiptDelete{ID: "r1"}, models.TableReceipts, models.ActionDelete, "r1"},
		{CategoryCreate{Category: c}, models.TableCategories, models.ActionCreate, "c1"},
		{CategoryUpdate{Category: c}, models.TableCategories, models.ActionUpdate, "c1"},
	}

	for _, tt := range tests {
		t.Run(tt.table+"/"+string(tt.action), func(t *testing.T) {
			assert.Equal(t, tt.table, tt.payload.Table())
			assert.Equal(t, tt.action, tt.payload.Action())
			assert.Equal(t, tt.id, tt.payload.RecordID())
		})
	}
}

// TestEncodePayload_snapshotOmitsSyncMetadata verifies stored snapshots carry
// only domain fields.
func TestEncodePayload_snapshotOmitsSyncMetadata(t *testing.T) {
	raw, err := encodePayload(ReceiptUpdate{Receipt: models.Receipt{
		ID:            "r1",
		Merchant:      "Starbucks",
		IsSynced:      true,
		PendingAction: models.ActionUpdate,
	}})
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "pending")
	assert.NotContains(t, string(raw), "synced")
	assert.Contains(t, string(raw), `"merchant":"Starbucks"`)
}

// TestDecodePayload_unsupported verifies unknown combinations are rejected.
func TestDecodePayload_unsupported(t *testing.T) {
	tests := []struct {
		name   string
		table  string
		action models.SyncAction
		raw    string
	}{
		{"unknown table", "users", models.ActionCreate, `{}`},
		{"category delete", models.TableCategories, models.ActionDelete, `{}`},
		{"no action", models.TableReceipts, models.ActionNone, `{}`},
		{"bad json", models.TableReceipts, models.ActionCreate, `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePayload(tt.table, tt.action, []byte(tt.raw))
			assert.Error(t, err)
		})
	}
}
