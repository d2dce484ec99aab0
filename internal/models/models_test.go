// Package models tests for data model definitions.
package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =====================================================
// UUID Type Tests
// =====================================================

// TestUUID_Scan verifies the accepted scan sources.
func TestUUID_Scan(t *testing.T) {
	tests := []struct {
		name    string
		input   interface{}
		want    UUID
		wantErr bool
	}{
		{name: "nil", input: nil, want: ""},
		{name: "bytes", input: []byte("123e4567-e89b-42d3-a456-426614174000"), want: "123e4567-e89b-42d3-a456-426614174000"},
		{name: "string", input: "123e4567-e89b-42d3-a456-426614174000", want: "123e4567-e89b-42d3-a456-426614174000"},
		{name: "int", input: 12345, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var u UUID
			err := u.Scan(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, u)
		})
	}
}

// =====================================================
// SyncAction Tests
// =====================================================

// TestSyncAction_ValueNullsNone verifies that ActionNone is stored as NULL.
func TestSyncAction_ValueNullsNone(t *testing.T) {
	v, err := ActionNone.Value()
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = ActionUpdate.Value()
	require.NoError(t, err)
	assert.Equal(t, "update", v)
}

// TestSyncAction_Valid verifies the accepted mutation kinds.
func TestSyncAction_Valid(t *testing.T) {
	assert.True(t, ActionCreate.Valid())
	assert.True(t, ActionUpdate.Valid())
	assert.True(t, ActionDelete.Valid())
	assert.False(t, ActionNone.Valid())
	assert.False(t, SyncAction("upsert").Valid())
}

// =====================================================
// Receipt Tests
// =====================================================

// TestReceipt_EffectiveTimestamp verifies the createdAt fallback.
func TestReceipt_EffectiveTimestamp(t *testing.T) {
	r := &Receipt{CreatedAt: 100}
	assert.Equal(t, int64(100), r.EffectiveTimestamp())

	r.UpdatedAt = 250
	assert.Equal(t, int64(250), r.EffectiveTimestamp())
}

// TestReceiptPatch_Apply verifies only set fields are merged.
func TestReceiptPatch_Apply(t *testing.T) {
	r := &Receipt{Merchant: "Starbucks", Date: "2023-06-15", Amount: 42.5, Category: "Meals"}
	amount := 50.0
	category := "Coffee"

	ReceiptPatch{Amount: &amount, Category: &category}.Apply(r)

	assert.Equal(t, "Starbucks", r.Merchant)
	assert.Equal(t, "2023-06-15", r.Date)
	assert.Equal(t, 50.0, r.Amount)
	assert.Equal(t, "Coffee", r.Category)
}

// TestReceiptPatch_Empty verifies empty detection.
func TestReceiptPatch_Empty(t *testing.T) {
	assert.True(t, ReceiptPatch{}.Empty())
	status := "approved"
	assert.False(t, ReceiptPatch{Status: &status}.Empty())
}

// TestReceipt_JSONOmitsSyncMetadata verifies sync metadata never leaves the device.
func TestReceipt_JSONOmitsSyncMetadata(t *testing.T) {
	r := Receipt{ID: "r1", Merchant: "Starbucks", IsSynced: true, PendingAction: ActionCreate}

	data, err := json.Marshal(r)
	require.NoError(t, err)

	assert.NotContains(t, string(data), "is_synced")
	assert.NotContains(t, string(data), "pending_action")
	assert.Contains(t, string(data), `"merchant":"Starbucks"`)
}

// TestTableNames verifies model table names.
func TestTableNames(t *testing.T) {
	assert.Equal(t, "receipts", Receipt{}.TableName())
	assert.Equal(t, "categories", Category{}.TableName())
	assert.Equal(t, "sync_queue", SyncQueue{}.TableName())
	assert.Equal(t, "conflict_log", ConflictLog{}.TableName())
	assert.Equal(t, "settings", Setting{}.TableName())
}
