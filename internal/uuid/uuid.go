// Package uuid generates and validates record identifiers.
// Receipts and categories are keyed by lowercase UUID v4 strings so that
// ids minted offline never collide with ids minted by the remote API.
package uuid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// Parse parses s as a UUID v4 and returns its canonical lowercase form.
func Parse(s string) (string, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("invalid UUID: %w", err)
	}
	if id.Version() != 4 {
		return "", fmt.Errorf("expected UUID v4, got v%d", id.Version())
	}
	return id.String(), nil
}
