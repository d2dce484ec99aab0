// Package conflict reconciles a local and a remote version of a receipt.
package conflict

import (
	"fmt"
	"strings"
	"time"

	"github.com/kimhsiao/receiptsync/internal/logging"
	"github.com/kimhsiao/receiptsync/internal/models"
)

// Strategy selects how a conflict is resolved.
type Strategy string

const (
	// StrategyTimestamp keeps the version with the later effective timestamp.
	// Equal timestamps keep local.
	StrategyTimestamp Strategy = "timestamp"
	// StrategyLocalWins always keeps local.
	StrategyLocalWins Strategy = "local_wins"
	// StrategyRemoteWins always keeps remote.
	StrategyRemoteWins Strategy = "remote_wins"
	// StrategyMerge starts from remote and overlays every field local sets.
	StrategyMerge Strategy = "merge"
)

// Strategies lists the accepted strategy names.
var Strategies = []Strategy{StrategyTimestamp, StrategyLocalWins, StrategyRemoteWins, StrategyMerge}

// ParseStrategy accepts a strategy name, case-insensitively. Empty means
// StrategyTimestamp.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyTimestamp:
		return StrategyTimestamp, nil
	case StrategyLocalWins, "localwins":
		return StrategyLocalWins, nil
	case StrategyRemoteWins, "remotewins":
		return StrategyRemoteWins, nil
	case StrategyMerge:
		return StrategyMerge, nil
	}
	return "", fmt.Errorf("unknown conflict strategy %q", s)
}

// Resolve returns the winning version of a record. It has no side effects;
// the returned pointer is local, remote, or a new merged value.
func Resolve(local, remote *models.Receipt, strategy Strategy) *models.Receipt {
	if remote == nil {
		return local
	}
	if local == nil {
		return remote
	}

	switch strategy {
	case StrategyLocalWins:
		return local
	case StrategyRemoteWins:
		return remote
	case StrategyMerge:
		return Merge(local, remote)
	default:
		if remote.EffectiveTimestamp() > local.EffectiveTimestamp() {
			return remote
		}
		return local
	}
}

// Merge keeps every field of the local snapshot, including cleared ones.
// Only bookkeeping fields the snapshot lacks are taken from remote.
func Merge(local, remote *models.Receipt) *models.Receipt {
	merged := *local
	if merged.ID == "" {
		merged.ID = remote.ID
	}
	if merged.Status == "" {
		merged.Status = remote.Status
	}
	if merged.CreatedAt == 0 {
		merged.CreatedAt = remote.CreatedAt
	}
	if merged.UpdatedAt == 0 {
		merged.UpdatedAt = remote.UpdatedAt
	}
	return &merged
}

// Conflict is a detected divergence between a local snapshot and the remote.
type Conflict struct {
	Table           string
	RecordID        models.UUID
	Local           *models.Receipt
	Remote          *models.Receipt
	LocalTimestamp  int64
	RemoteTimestamp int64
	DetectedAt      int64
}

// ResolveResult is the outcome of resolving a Conflict.
type ResolveResult struct {
	Winner      *models.Receipt
	Resolution  string
	Strategy    Strategy
	ConflictLog *models.ConflictLog
}

// RemoteWon reports whether the result differs from the local snapshot.
func (r *ResolveResult) RemoteWon() bool {
	return r.Resolution != models.ResolutionLocalWins
}

// Resolver detects and resolves conflicts under a fixed strategy.
type Resolver struct {
	strategy Strategy
	clock    func() time.Time
}

// NewResolver creates a Resolver. An empty strategy means StrategyTimestamp.
func NewResolver(strategy Strategy) *Resolver {
	if strategy == "" {
		strategy = StrategyTimestamp
	}
	return &Resolver{strategy: strategy, clock: time.Now}
}

// WithClock sets the time source used for DetectedAt.
func (r *Resolver) WithClock(clock func() time.Time) *Resolver {
	if clock != nil {
		r.clock = clock
	}
	return r
}

// Strategy returns the configured strategy.
func (r *Resolver) Strategy() Strategy {
	return r.strategy
}

// DetectConflict reports a conflict when remote is strictly newer than local.
func (r *Resolver) DetectConflict(local, remote *models.Receipt) (*Conflict, bool) {
	if local == nil || remote == nil || local.ID != remote.ID {
		return nil, false
	}
	localTS, remoteTS := local.EffectiveTimestamp(), remote.EffectiveTimestamp()
	if remoteTS <= localTS {
		return nil, false
	}

	logging.Warn("Concurrent edit conflict detected",
		map[string]interface{}{
			"record_id":        local.ID,
			"local_timestamp":  localTS,
			"remote_timestamp": remoteTS,
		})

	return &Conflict{
		Table:           models.TableReceipts,
		RecordID:        local.ID,
		Local:           local,
		Remote:          remote,
		LocalTimestamp:  localTS,
		RemoteTimestamp: remoteTS,
		DetectedAt:      r.clock().UnixMilli(),
	}, true
}

// Resolve resolves a conflict using the configured strategy and builds the
// conflict log entry for it.
func (r *Resolver) Resolve(c *Conflict) (*ResolveResult, error) {
	if c == nil || c.Local == nil || c.Remote == nil {
		return nil, ErrInvalidConflict
	}
	if c.Local.ID != c.Remote.ID {
		return nil, ErrItemIDMismatch
	}

	winner := Resolve(c.Local, c.Remote, r.strategy)
	resolution := models.ResolutionMerged
	switch winner {
	case c.Local:
		resolution = models.ResolutionLocalWins
	case c.Remote:
		resolution = models.ResolutionRemoteWins
	}

	table := c.Table
	if table == "" {
		table = models.TableReceipts
	}
	entry := &models.ConflictLog{
		Table:           table,
		RecordID:        c.Local.ID,
		LocalTimestamp:  c.LocalTimestamp,
		RemoteTimestamp: c.RemoteTimestamp,
		Strategy:        string(r.strategy),
		Resolution:      resolution,
		DetectedAt:      c.DetectedAt,
	}

	logging.Info("Conflict resolved",
		map[string]interface{}{
			"record_id":        c.Local.ID,
			"strategy":         r.strategy,
			"resolution":       resolution,
			"local_timestamp":  c.LocalTimestamp,
			"remote_timestamp": c.RemoteTimestamp,
		})

	return &ResolveResult{
		Winner:      winner,
		Resolution:  resolution,
		Strategy:    r.strategy,
		ConflictLog: entry,
	}, nil
}

// Errors
var (
	ErrInvalidConflict = &ConflictError{Message: "invalid conflict: both versions must be non-nil"}
	ErrItemIDMismatch  = &ConflictError{Message: "record ID mismatch"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}
