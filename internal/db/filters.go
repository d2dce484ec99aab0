// Package db provides receipt list filter building.
package db

import (
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// DateLayout is the layout of Receipt.Date.
const DateLayout = "2006-01-02"

// Filter is a single list condition.
type Filter interface {
	sq.Sqlizer

	// Valid checks if the filter is usable
	Valid() bool
}

// CategoryFilter matches receipts in one category.
type CategoryFilter struct {
	Category string
}

// Valid checks that a category name is set.
func (f *CategoryFilter) Valid() bool {
	return strings.TrimSpace(f.Category) != ""
}

// ToSql implements sq.Sqlizer.
func (f *CategoryFilter) ToSql() (string, []interface{}, error) {
	return sq.Eq{"category": f.Category}.ToSql()
}

// MerchantFilter matches merchants containing Text, case-insensitively.
type MerchantFilter struct {
	Text string
}

// Valid checks that search text is set.
func (f *MerchantFilter) Valid() bool {
	return strings.TrimSpace(f.Text) != ""
}

// ToSql implements sq.Sqlizer.
func (f *MerchantFilter) ToSql() (string, []interface{}, error) {
	return "merchant LIKE ? COLLATE NOCASE", []interface{}{"%" + strings.TrimSpace(f.Text) + "%"}, nil
}

// DateRangeFilter filters by receipt date, inclusive. Empty bounds are open.
type DateRangeFilter struct {
	From string
	To   string
}

// Valid checks if the date range is valid.
func (f *DateRangeFilter) Valid() bool {
	if f.From == "" && f.To == "" {
		return false
	}
	for _, d := range []string{f.From, f.To} {
		if d == "" {
			continue
		}
		if _, err := time.Parse(DateLayout, d); err != nil {
			return false
		}
	}
	// ISO dates order lexically
	if f.From != "" && f.To != "" && f.From > f.To {
		return false
	}
	return true
}

// ToSql implements sq.Sqlizer.
func (f *DateRangeFilter) ToSql() (string, []interface{}, error) {
	and := sq.And{}
	if f.From != "" {
		and = append(and, sq.GtOrEq{"date": f.From})
	}
	if f.To != "" {
		and = append(and, sq.LtOrEq{"date": f.To})
	}
	return and.ToSql()
}

// AmountRangeFilter filters by amount, inclusive. Nil bounds are open.
type AmountRangeFilter struct {
	Min *float64
	Max *float64
}

// Valid checks that at least one bound is set and Min <= Max.
func (f *AmountRangeFilter) Valid() bool {
	if f.Min == nil && f.Max == nil {
		return false
	}
	if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
		return false
	}
	return true
}

// ToSql implements sq.Sqlizer.
func (f *AmountRangeFilter) ToSql() (string, []interface{}, error) {
	and := sq.And{}
	if f.Min != nil {
		and = append(and, sq.GtOrEq{"amount": *f.Min})
	}
	if f.Max != nil {
		and = append(and, sq.LtOrEq{"amount": *f.Max})
	}
	return and.ToSql()
}

// UnsyncedFilter matches rows still waiting on the remote.
type UnsyncedFilter struct{}

// Valid always returns true.
func (UnsyncedFilter) Valid() bool { return true }

// ToSql implements sq.Sqlizer.
func (UnsyncedFilter) ToSql() (string, []interface{}, error) {
	return "is_synced = 0", nil, nil
}

// FilterBuilder collects valid filters. Invalid filters are skipped.
type FilterBuilder struct {
	filters []Filter
}

// NewFilterBuilder creates a new FilterBuilder.
func NewFilterBuilder() *FilterBuilder {
	return &FilterBuilder{
		filters: make([]Filter, 0),
	}
}

func (fb *FilterBuilder) add(f Filter) *FilterBuilder {
	if f.Valid() {
		fb.filters = append(fb.filters, f)
	}
	return fb
}

// Category adds a category filter.
func (fb *FilterBuilder) Category(category string) *FilterBuilder {
	return fb.add(&CategoryFilter{Category: category})
}

// Merchant adds a merchant substring filter.
func (fb *FilterBuilder) Merchant(text string) *FilterBuilder {
	return fb.add(&MerchantFilter{Text: text})
}

// DateRange adds a date range filter.
func (fb *FilterBuilder) DateRange(from, to string) *FilterBuilder {
	return fb.add(&DateRangeFilter{From: from, To: to})
}

// AmountRange adds an amount range filter.
func (fb *FilterBuilder) AmountRange(min, max *float64) *FilterBuilder {
	return fb.add(&AmountRangeFilter{Min: min, Max: max})
}

// Unsynced restricts results to rows not yet synced.
func (fb *FilterBuilder) Unsynced() *FilterBuilder {
	return fb.add(UnsyncedFilter{})
}

// HasFilters returns true if any filters have been added.
func (fb *FilterBuilder) HasFilters() bool {
	return len(fb.filters) > 0
}

// Count returns the number of filters.
func (fb *FilterBuilder) Count() int {
	return len(fb.filters)
}

// Build joins the filters with AND. It returns nil when no filter is set.
func (fb *FilterBuilder) Build() sq.Sqlizer {
	if !fb.HasFilters() {
		return nil
	}
	and := make(sq.And, 0, len(fb.filters))
	for _, f := range fb.filters {
		and = append(and, f)
	}
	return and
}

// String returns a string representation of the filters (for debugging).
func (fb *FilterBuilder) String() string {
	if !fb.HasFilters() {
		return "(no filters)"
	}
	parts := make([]string, 0, len(fb.filters))
	for _, f := range fb.filters {
		parts = append(parts, fmt.Sprintf("%T", f))
	}
	return strings.Join(parts, ", ")
}

// ReceiptFilter is the caller-facing list query.
type ReceiptFilter struct {
	Category       string
	Merchant       string
	DateFrom       string
	DateTo         string
	MinAmount      *float64
	MaxAmount      *float64
	UnsyncedOnly   bool
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// Validate reports malformed bounds instead of silently dropping them.
func (f ReceiptFilter) Validate() error {
	if f.Limit < 0 || f.Offset < 0 {
		return fmt.Errorf("invalid pagination: limit=%d, offset=%d", f.Limit, f.Offset)
	}
	if f.DateFrom != "" || f.DateTo != "" {
		dr := &DateRangeFilter{From: f.DateFrom, To: f.DateTo}
		if !dr.Valid() {
			return fmt.Errorf("invalid date range: from=%q, to=%q", f.DateFrom, f.DateTo)
		}
	}
	if f.MinAmount != nil || f.MaxAmount != nil {
		ar := &AmountRangeFilter{Min: f.MinAmount, Max: f.MaxAmount}
		if !ar.Valid() {
			return fmt.Errorf("invalid amount range")
		}
	}
	return nil
}

// Builder converts the filter into a FilterBuilder.
func (f ReceiptFilter) Builder() *FilterBuilder {
	fb := NewFilterBuilder().
		Category(f.Category).
		Merchant(f.Merchant).
		DateRange(f.DateFrom, f.DateTo).
		AmountRange(f.MinAmount, f.MaxAmount)
	if f.UnsyncedOnly {
		fb.Unsynced()
	}
	return fb
}
