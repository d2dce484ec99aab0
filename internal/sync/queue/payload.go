package queue

import (
	"encoding/json"
	"fmt"

	"github.com/kimhsiao/receiptsync/internal/models"
)

// Payload is the snapshot carried by a queue item. The set of
// implementations is closed: one type per known table and action.
type Payload interface {
	Table() string
	Action() models.SyncAction
	RecordID() models.UUID
	isPayload()
}

// ReceiptCreate carries a receipt to be created remotely.
type ReceiptCreate struct {
	Receipt models.Receipt
}

// ReceiptUpdate carries the full receipt as it stood after a local update.
type ReceiptUpdate struct {
	Receipt models.Receipt
}

// ReceiptDelete identifies a receipt to be deleted remotely.
type ReceiptDelete struct {
	ID models.UUID `json:"id"`
}

// CategoryCreate carries a category to be created remotely.
type CategoryCreate struct {
	Category models.Category
}

// CategoryUpdate carries the full category after a local update.
type CategoryUpdate struct {
	Category models.Category
}

func (ReceiptCreate) Table() string              { return models.TableReceipts }
func (ReceiptCreate) Action() models.SyncAction  { return models.ActionCreate }
func (p ReceiptCreate) RecordID() models.UUID    { return p.Receipt.ID }
func (ReceiptCreate) isPayload()                 {}
func (ReceiptUpdate) Table() string              { return models.TableReceipts }
func (ReceiptUpdate) Action() models.SyncAction  { return models.ActionUpdate }
func (p ReceiptUpdate) RecordID() models.UUID    { return p.Receipt.ID }
func (ReceiptUpdate) isPayload()                 {}
func (ReceiptDelete) Table() string              { return models.TableReceipts }
func (ReceiptDelete) Action() models.SyncAction  { return models.ActionDelete }
func (p ReceiptDelete) RecordID() models.UUID    { return p.ID }
func (ReceiptDelete) isPayload()                 {}
func (CategoryCreate) Table() string             { return models.TableCategories }
func (CategoryCreate) Action() models.SyncAction { return models.ActionCreate }
func (p CategoryCreate) RecordID() models.UUID   { return p.Category.ID }
func (CategoryCreate) isPayload()                {}
func (CategoryUpdate) Table() string             { return models.TableCategories }
func (CategoryUpdate) Action() models.SyncAction { return models.ActionUpdate }
func (p CategoryUpdate) RecordID() models.UUID   { return p.Category.ID }
func (CategoryUpdate) isPayload()                {}

// encodePayload serializes the snapshot stored in the payload column.
func encodePayload(p Payload) ([]byte, error) {
	switch v := p.(type) {
	case ReceiptCreate:
		return json.Marshal(v.Receipt)
	case ReceiptUpdate:
		return json.Marshal(v.Receipt)
	case ReceiptDelete:
		return json.Marshal(v)
	case CategoryCreate:
		return json.Marshal(v.Category)
	case CategoryUpdate:
		return json.Marshal(v.Category)
	default:
		return nil, fmt.Errorf("unsupported payload type %T", p)
	}
}

// DecodePayload rebuilds the typed payload for a stored table/action pair.
func DecodePayload(table string, action models.SyncAction, raw []byte) (Payload, error) {
	switch table {
	case models.TableReceipts:
		switch action {
		case models.ActionCreate:
			var p ReceiptCreate
			if err := json.Unmarshal(raw, &p.Receipt); err != nil {
				return nil, fmt.Errorf("decode receipt create: %w", err)
			}
			return p, nil
		case models.ActionUpdate:
			var p ReceiptUpdate
			if err := json.Unmarshal(raw, &p.Receipt); err != nil {
				return nil, fmt.Errorf("decode receipt update: %w", err)
			}
			return p, nil
		case models.ActionDelete:
			var p ReceiptDelete
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("decode receipt delete: %w", err)
			}
			return p, nil
		}
	case models.TableCategories:
		switch action {
		case models.ActionCreate:
			var p CategoryCreate
			if err := json.Unmarshal(raw, &p.Category); err != nil {
				return nil, fmt.Errorf("decode category create: %w", err)
			}
			return p, nil
		case models.ActionUpdate:
			var p CategoryUpdate
			if err := json.Unmarshal(raw, &p.Category); err != nil {
				return nil, fmt.Errorf("decode category update: %w", err)
			}
			return p, nil
		}
	}
	return nil, fmt.Errorf("unsupported payload %s/%s", table, action)
}
