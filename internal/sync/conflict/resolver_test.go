// Package conflict provides unit tests for conflict resolution.
package conflict

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/receiptsync/internal/models"
)

func receipt(merchant string, createdAt, updatedAt int64) *models.Receipt {
	return &models.Receipt{
		ID:        "r1",
		Merchant:  merchant,
		Date:      "2023-06-15",
		Amount:    42.5,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}
}

// =====================================================
// Resolve (pure)
// =====================================================

// TestResolve_timestamp verifies remote wins iff it is strictly newer.
func TestResolve_timestamp(t *testing.T) {
	tests := []struct {
		name       string
		local      int64
		remote     int64
		wantRemote bool
	}{
		{"remote newer", 1000, 2000, true},
		{"local newer", 2000, 1000, false},
		{"tie keeps local", 1500, 1500, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := receipt("local", 1, tt.local)
			remote := receipt("remote", 1, tt.remote)
			got := Resolve(local, remote, StrategyTimestamp)
			if tt.wantRemote {
				assert.Same(t, remote, got)
			} else {
				assert.Same(t, local, got)
			}
		})
	}
}

// TestResolve_timestampProperty checks remote wins iff T2 > T1 over a grid.
func TestResolve_timestampProperty(t *testing.T) {
	for t1 := int64(1); t1 <= 5; t1++ {
		for t2 := int64(1); t2 <= 5; t2++ {
			local := receipt("local", 1, t1)
			remote := receipt("remote", 1, t2)
			got := Resolve(local, remote, StrategyTimestamp)
			assert.Equal(t, t2 > t1, got == remote, fmt.Sprintf("T1=%d T2=%d", t1, t2))
		}
	}
}

// TestResolve_createdAtFallback verifies createdAt is used when updatedAt is unset.
func TestResolve_createdAtFallback(t *testing.T) {
	local := receipt("local", 1000, 0)
	remote := receipt("remote", 3000, 0)
	assert.Same(t, remote, Resolve(local, remote, StrategyTimestamp))

	remote = receipt("remote", 500, 0)
	assert.Same(t, local, Resolve(local, remote, StrategyTimestamp))
}

// TestResolve_fixedPreference verifies local_wins and remote_wins ignore timestamps.
func TestResolve_fixedPreference(t *testing.T) {
	older := receipt("local", 1, 1)
	newer := receipt("remote", 1, 9)

	assert.Same(t, older, Resolve(older, newer, StrategyLocalWins))
	assert.Same(t, newer, Resolve(older, newer, StrategyRemoteWins))
}

// TestResolve_unknownStrategyDefaultsToTimestamp verifies the default branch.
func TestResolve_unknownStrategyDefaultsToTimestamp(t *testing.T) {
	local := receipt("local", 1, 1)
	remote := receipt("remote", 1, 2)
	assert.Same(t, remote, Resolve(local, remote, Strategy("bogus")))
}

// TestResolve_nilSides verifies a missing side yields the other.
func TestResolve_nilSides(t *testing.T) {
	r := receipt("x", 1, 1)
	assert.Same(t, r, Resolve(r, nil, StrategyRemoteWins))
	assert.Same(t, r, Resolve(nil, r, StrategyLocalWins))
}

// TestMerge verifies local fields take precedence over remote and only
// missing bookkeeping fields come from remote.
func TestMerge(t *testing.T) {
	local := &models.Receipt{Merchant: "Local Cafe", Date: "2023-06-15", Amount: 10, Category: "Food"}
	remote := &models.Receipt{
		ID:        "r1",
		Merchant:  "Remote Cafe",
		Date:      "2023-06-16",
		Amount:    12,
		Category:  "Travel",
		Status:    models.StatusActive,
		ImageURI:  "s3://img",
		CreatedAt: 50,
		UpdatedAt: 200,
	}

	merged := Resolve(local, remote, StrategyMerge)

	assert.NotSame(t, local, merged)
	assert.NotSame(t, remote, merged)
	assert.Equal(t, models.UUID("r1"), merged.ID)
	assert.Equal(t, "Local Cafe", merged.Merchant)
	assert.Equal(t, "2023-06-15", merged.Date)
	assert.Equal(t, 10.0, merged.Amount)
	assert.Equal(t, "Food", merged.Category)
	assert.Equal(t, "", merged.ImageURI)
	assert.Equal(t, models.StatusActive, merged.Status)
	assert.Equal(t, int64(50), merged.CreatedAt)
	assert.Equal(t, int64(200), merged.UpdatedAt)

	// Inputs are untouched
	assert.Equal(t, "Remote Cafe", remote.Merchant)
	assert.Equal(t, models.UUID(""), local.ID)
}

// TestMerge_clearedFields verifies fields cleared locally stay cleared.
func TestMerge_clearedFields(t *testing.T) {
	local := &models.Receipt{ID: "r1", Merchant: "Cafe", Date: "2023-06-15", Amount: 0, Category: "", UpdatedAt: 300}
	remote := &models.Receipt{ID: "r1", Merchant: "Cafe", Date: "2023-06-15", Amount: 5, Category: "Food", ImageURI: "s3://img", UpdatedAt: 200}

	merged := Resolve(local, remote, StrategyMerge)

	assert.Zero(t, merged.Amount)
	assert.Empty(t, merged.Category)
	assert.Empty(t, merged.ImageURI)
	assert.Equal(t, int64(300), merged.UpdatedAt)
}

// TestParseStrategy verifies accepted spellings.
func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in      string
		want    Strategy
		wantErr bool
	}{
		{"", StrategyTimestamp, false},
		{"timestamp", StrategyTimestamp, false},
		{"LOCAL_WINS", StrategyLocalWins, false},
		{"localWins", StrategyLocalWins, false},
		{"remoteWins", StrategyRemoteWins, false},
		{" merge ", StrategyMerge, false},
		{"newest", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStrategy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// =====================================================
// Resolver
// =====================================================

// TestDetectConflict verifies only a strictly newer remote is a conflict.
func TestDetectConflict(t *testing.T) {
	detectedAt := time.UnixMilli(5000)
	r := NewResolver("").WithClock(func() time.Time { return detectedAt })
	assert.Equal(t, StrategyTimestamp, r.Strategy())

	c, ok := r.DetectConflict(receipt("l", 1, 1000), receipt("r", 1, 2000))
	require.True(t, ok)
	assert.Equal(t, models.UUID("r1"), c.RecordID)
	assert.Equal(t, int64(1000), c.LocalTimestamp)
	assert.Equal(t, int64(2000), c.RemoteTimestamp)
	assert.Equal(t, int64(5000), c.DetectedAt)

	_, ok = r.DetectConflict(receipt("l", 1, 2000), receipt("r", 1, 2000))
	assert.False(t, ok)

	_, ok = r.DetectConflict(receipt("l", 1, 1000), nil)
	assert.False(t, ok)

	other := receipt("r", 1, 9000)
	other.ID = "r2"
	_, ok = r.DetectConflict(receipt("l", 1, 1000), other)
	assert.False(t, ok)
}

// TestResolver_Resolve verifies the result and its conflict log per strategy.
func TestResolver_Resolve(t *testing.T) {
	tests := []struct {
		strategy   Strategy
		resolution string
	}{
		{StrategyTimestamp, models.ResolutionRemoteWins},
		{StrategyLocalWins, models.ResolutionLocalWins},
		{StrategyRemoteWins, models.ResolutionRemoteWins},
		{StrategyMerge, models.ResolutionMerged},
	}

	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			r := NewResolver(tt.strategy)
			c, ok := r.DetectConflict(receipt("local", 1, 1000), receipt("remote", 1, 2000))
			require.True(t, ok)

			res, err := r.Resolve(c)
			require.NoError(t, err)
			assert.Equal(t, tt.resolution, res.Resolution)
			assert.Equal(t, tt.strategy, res.Strategy)
			assert.Equal(t, tt.resolution != models.ResolutionLocalWins, res.RemoteWon())

			require.NotNil(t, res.ConflictLog)
			assert.Equal(t, models.TableReceipts, res.ConflictLog.Table)
			assert.Equal(t, models.UUID("r1"), res.ConflictLog.RecordID)
			assert.Equal(t, int64(1000), res.ConflictLog.LocalTimestamp)
			assert.Equal(t, int64(2000), res.ConflictLog.RemoteTimestamp)
			assert.Equal(t, string(tt.strategy), res.ConflictLog.Strategy)
		})
	}
}

// TestResolver_Resolve_invalid verifies malformed conflicts are rejected.
func TestResolver_Resolve_invalid(t *testing.T) {
	r := NewResolver(StrategyTimestamp)

	_, err := r.Resolve(nil)
	assert.Equal(t, ErrInvalidConflict, err)
	var conflictErr *ConflictError
	assert.True(t, errors.As(err, &conflictErr))

	_, err = r.Resolve(&Conflict{Local: receipt("l", 1, 1)})
	assert.Equal(t, ErrInvalidConflict, err)

	other := receipt("r", 1, 2)
	other.ID = "r2"
	_, err = r.Resolve(&Conflict{Local: receipt("l", 1, 1), Remote: other})
	assert.Equal(t, ErrItemIDMismatch, err)
}
