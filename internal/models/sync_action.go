// Package models provides data model definitions for the receipt sync store.
package models

import (
	"database/sql/driver"
	"fmt"
)

// Table names shared by the local store and the sync queue.
const (
	TableReceipts   = "receipts"
	TableCategories = "categories"
)

// SyncAction is the mutation kind carried by a queue item and mirrored in a
// record's pending action.
type SyncAction string

const (
	ActionNone   SyncAction = ""
	ActionCreate SyncAction = "create"
	ActionUpdate SyncAction = "update"
	ActionDelete SyncAction = "delete"
)

// Valid reports whether a is one of create, update or delete.
func (a SyncAction) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// Value stores ActionNone as NULL.
func (a SyncAction) Value() (driver.Value, error) {
	if a == ActionNone {
		return nil, nil
	}
	return string(a), nil
}

// Scan implements sql.Scanner for SyncAction.
func (a *SyncAction) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*a = ActionNone
	case []byte:
		*a = SyncAction(v)
	case string:
		*a = SyncAction(v)
	default:
		return fmt.Errorf("cannot scan %T into SyncAction", value)
	}
	return nil
}
