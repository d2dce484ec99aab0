// Package sync drains the sync queue against the remote API.
package sync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/receiptsync/internal/connectivity"
	"github.com/kimhsiao/receiptsync/internal/db"
	apperrors "github.com/kimhsiao/receiptsync/internal/errors"
	"github.com/kimhsiao/receiptsync/internal/logging"
	"github.com/kimhsiao/receiptsync/internal/metrics"
	"github.com/kimhsiao/receiptsync/internal/models"
	"github.com/kimhsiao/receiptsync/internal/notify"
	"github.com/kimhsiao/receiptsync/internal/sync/conflict"
	"github.com/kimhsiao/receiptsync/internal/sync/queue"
	"github.com/kimhsiao/receiptsync/internal/sync/remote"
	"github.com/kimhsiao/receiptsync/internal/uuid"
)

// Defaults used when no option overrides them.
const (
	DefaultRequestTimeout = 10 * time.Second
	DefaultPageSize       = 50
	DefaultLeaseTTL       = time.Minute
)

// ErrSyncInProgress is returned when a drain is requested while one is running.
var ErrSyncInProgress = apperrors.New(apperrors.ErrSyncInProgress, "sync already in progress")

// State is the coordinator state machine.
type State string

const (
	StateIdle     State = "idle"
	StateDraining State = "draining"
)

// Queue is the part of the sync queue the coordinator drives.
type Queue interface {
	ListPending(ctx context.Context) ([]*queue.Item, error)
	MarkInProgress(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, cause error) (dropped bool, retryCount int, err error)
	Drop(ctx context.Context, id int64) error
	Recover(ctx context.Context) (int64, error)
	AcquireLease(ctx context.Context, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, owner string) error
	Size(ctx context.Context) (int, error)
	Stats(ctx context.Context) (queue.Stats, error)
}

// SyncResult summarizes one drain.
type SyncResult struct {
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Attempted int           `json:"attempted"`
	Synced    int           `json:"synced"`
	Failed    int           `json:"failed"`
	Dropped   int           `json:"dropped"`
	Conflicts int           `json:"conflicts"`
	Remaining int           `json:"remaining"`
	Error     string        `json:"error,omitempty"`
}

// Status is a point-in-time view of the coordinator.
type Status struct {
	State      State       `json:"state"`
	Online     bool        `json:"online"`
	LastSyncAt *time.Time  `json:"last_sync_at,omitempty"`
	Pending    int         `json:"pending"`
	Queue      queue.Stats `json:"queue"`
	LastError  string      `json:"last_error,omitempty"`
}

// Coordinator drains the queue one item at a time, at most one drain at once.
// Within a process drains are serialized by an atomic flag; across processes
// sharing a data directory by the drain lease stored next to the queue.
type Coordinator struct {
	store    db.SyncStore
	queue    Queue
	api      remote.API
	resolver *conflict.Resolver

	notifier       notify.Notifier
	metrics        *metrics.Metrics
	conn           connectivity.Provider
	requestTimeout time.Duration
	pageSize       int
	leaseTTL       time.Duration
	owner          string
	clock          func() time.Time

	draining atomic.Bool

	mu      gosync.RWMutex
	lastErr error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithStrategy sets the conflict strategy.
func WithStrategy(s conflict.Strategy) Option {
	return func(c *Coordinator) { c.resolver = conflict.NewResolver(s) }
}

// WithRequestTimeout bounds each remote call.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// WithPageSize sets the initial pull page size.
func WithPageSize(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithLeaseTTL sets how long the drain lease outlives its last renewal.
// It is raised to three request timeouts when shorter.
func WithLeaseTTL(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.leaseTTL = d
		}
	}
}

// WithNotifier sets where dropped-item notifications go.
func WithNotifier(n notify.Notifier) Option {
	return func(c *Coordinator) {
		if n != nil {
			c.notifier = n
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithConnectivity reports online state in Status.
func WithConnectivity(p connectivity.Provider) Option {
	return func(c *Coordinator) { c.conn = p }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(store db.SyncStore, q Queue, api remote.API, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:          store,
		queue:          q,
		api:            api,
		resolver:       conflict.NewResolver(conflict.StrategyTimestamp),
		notifier:       notify.Log{},
		requestTimeout: DefaultRequestTimeout,
		pageSize:       DefaultPageSize,
		leaseTTL:       DefaultLeaseTTL,
		owner:          uuid.New(),
		clock:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if floor := 3 * c.requestTimeout; c.leaseTTL < floor {
		c.leaseTTL = floor
	}
	c.resolver.WithClock(c.clock)
	return c
}

// Recover returns items left in-progress by an interrupted process to pending
// and reports how many it moved. Call it once before the first drain. While
// a drain in this or another process holds the queue it returns
// ErrSyncInProgress and changes nothing.
func (c *Coordinator) Recover(ctx context.Context) (int64, error) {
	if !c.draining.CompareAndSwap(false, true) {
		return 0, ErrSyncInProgress
	}
	defer c.draining.Store(false)

	held, err := c.queue.AcquireLease(ctx, c.owner, c.leaseTTL)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "acquire drain lease", err)
	}
	if !held {
		logging.Info("Skipping queue recovery, another process is draining")
		return 0, ErrSyncInProgress
	}
	defer c.releaseLease(ctx)

	n, err := c.queue.Recover(ctx)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "recover sync queue", err)
	}
	if n > 0 {
		logging.Warn("Recovered interrupted sync items", map[string]interface{}{
			"count": n,
		})
	}
	return n, nil
}

func (c *Coordinator) releaseLease(ctx context.Context) {
	if err := c.queue.ReleaseLease(context.WithoutCancel(ctx), c.owner); err != nil {
		logging.Error("Failed to release drain lease", err)
	}
}

// State reports whether a drain is running.
func (c *Coordinator) State() State {
	if c.draining.Load() {
		return StateDraining
	}
	return StateIdle
}

// LastError returns the error of the last drain, if any.
func (c *Coordinator) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

func (c *Coordinator) setLastErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

// Sync drains every pending item in FIFO order. It returns ErrSyncInProgress
// without doing anything when a drain is already running in this or another
// process. Remote failures are absorbed by the retry policy; storage
// failures abort the drain.
func (c *Coordinator) Sync(ctx context.Context) (*SyncResult, error) {
	if !c.draining.CompareAndSwap(false, true) {
		logging.Debug("Sync request dropped, drain in progress")
		c.metrics.DrainFinished(metrics.OutcomeSkipped, 0)
		return nil, ErrSyncInProgress
	}
	defer c.draining.Store(false)

	held, err := c.queue.AcquireLease(ctx, c.owner, c.leaseTTL)
	if err == nil && !held {
		logging.Debug("Sync request dropped, another process is draining")
		c.metrics.DrainFinished(metrics.OutcomeSkipped, 0)
		return nil, ErrSyncInProgress
	}

	result := &SyncResult{StartTime: c.clock()}
	if err != nil {
		err = apperrors.Wrap(apperrors.ErrDatabase, "acquire drain lease", err)
	} else {
		defer c.releaseLease(ctx)
		err = c.drain(ctx, result)
	}

	result.EndTime = c.clock()
	result.Duration = result.EndTime.Sub(result.StartTime)
	sizeKnown := false
	if n, sizeErr := c.queue.Size(context.WithoutCancel(ctx)); sizeErr == nil {
		result.Remaining = n
		sizeKnown = true
		c.metrics.SetQueueDepth(n)
	}

	c.setLastErr(err)
	if err != nil {
		result.Error = err.Error()
		c.metrics.DrainFinished(metrics.OutcomeFailure, result.Duration)
		logging.ErrorWithCode("Sync drain aborted", string(apperrors.CodeOf(err)), err, map[string]interface{}{
			"attempted": result.Attempted,
			"synced":    result.Synced,
		})
		return result, err
	}

	// Only a run that emptied the queue counts as a completed sync.
	if ctx.Err() == nil && sizeKnown && result.Remaining == 0 && result.Failed == 0 && result.Dropped == 0 {
		if err := c.store.SetLastSyncAt(ctx, result.EndTime); err != nil {
			logging.Error("Failed to record last sync time", err)
		}
	}
	c.metrics.DrainFinished(metrics.OutcomeSuccess, result.Duration)
	logging.Info("Sync drain finished", map[string]interface{}{
		"attempted":   result.Attempted,
		"synced":      result.Synced,
		"failed":      result.Failed,
		"dropped":     result.Dropped,
		"conflicts":   result.Conflicts,
		"remaining":   result.Remaining,
		"duration_ms": result.Duration.Milliseconds(),
	})
	return result, nil
}

func (c *Coordinator) drain(ctx context.Context, result *SyncResult) error {
	items, err := c.queue.ListPending(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "list pending sync items", err)
	}
	if len(items) == 0 {
		return nil
	}
	logging.Info("Sync drain started", map[string]interface{}{
		"pending": len(items),
	})

	for _, item := range items {
		if ctx.Err() != nil {
			logging.Info("Sync drain cancelled", map[string]interface{}{
				"remaining": len(items) - result.Attempted,
			})
			return nil
		}
		held, err := c.queue.AcquireLease(ctx, c.owner, c.leaseTTL)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "renew drain lease", err)
		}
		if !held {
			return apperrors.New(apperrors.ErrSyncInProgress, "drain lease taken over by another process")
		}
		result.Attempted++
		if err := c.process(ctx, item, result); err != nil {
			return err
		}
	}
	return nil
}

// process runs conflict check, dispatch and bookkeeping for one item.
// Only storage errors are returned.
func (c *Coordinator) process(ctx context.Context, item *queue.Item, result *SyncResult) error {
	if item.DecodeErr != nil {
		return c.discard(ctx, item, result)
	}

	payload := item.Payload
	var winner *models.Receipt

	if upd, ok := payload.(queue.ReceiptUpdate); ok {
		resolved, remoteWon := c.checkConflict(ctx, item, upd.Receipt)
		if resolved != nil {
			result.Conflicts++
			payload = queue.ReceiptUpdate{Receipt: *resolved}
			if remoteWon {
				winner = resolved
			}
		}
	}

	if err := c.queue.MarkInProgress(ctx, item.ID); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "mark sync item in progress", err)
	}

	dispatchErr := c.dispatch(ctx, payload)

	// Bookkeeping must land even if the caller gave up meanwhile.
	bg := context.WithoutCancel(ctx)

	if dispatchErr == nil {
		if err := c.store.CompleteSync(bg, item, winner); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "complete sync item", err)
		}
		result.Synced++
		c.metrics.ItemDispatched(string(item.Action), metrics.OutcomeSuccess)
		return nil
	}

	if ctx.Err() != nil {
		// Cancelled mid-flight: the item goes back to pending untouched.
		if _, err := c.queue.Recover(bg); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "release sync item", err)
		}
		return nil
	}

	dropped, retries, err := c.queue.MarkFailed(bg, item.ID, dispatchErr)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "mark sync item failed", err)
	}

	fields := map[string]interface{}{
		"item_id":     item.ID,
		"table":       item.Table,
		"record_id":   item.RecordID,
		"action":      item.Action,
		"retry_count": retries,
	}
	if !dropped {
		result.Failed++
		c.metrics.ItemDispatched(string(item.Action), metrics.OutcomeFailure)
		logging.Warn("Sync item failed, will retry", mergeFields(fields, map[string]interface{}{
			"error": dispatchErr.Error(),
		}))
		return nil
	}

	if errors.Is(dispatchErr, context.DeadlineExceeded) {
		fields["timeout"] = true
	}
	logging.ErrorWithCode("Sync item dropped after retries", string(apperrors.ErrSyncItemDropped), dispatchErr, fields)
	c.dropped(item, result, dispatchErr,
		fmt.Sprintf("Could not sync %s %s after %d attempts", item.Action, item.Table, retries))
	return nil
}

// discard removes an item whose payload can no longer be read. It is never
// dispatched, so it is dropped on first sight.
func (c *Coordinator) discard(ctx context.Context, item *queue.Item, result *SyncResult) error {
	if err := c.queue.Drop(context.WithoutCancel(ctx), item.ID); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "drop unreadable sync item", err)
	}
	logging.ErrorWithCode("Unreadable sync item dropped", string(apperrors.ErrSyncItemDropped), item.DecodeErr, map[string]interface{}{
		"item_id":   item.ID,
		"table":     item.Table,
		"record_id": item.RecordID,
		"action":    item.Action,
	})
	c.dropped(item, result, item.DecodeErr,
		fmt.Sprintf("Could not read queued %s %s, change discarded", item.Action, item.Table))
	return nil
}

func (c *Coordinator) dropped(item *queue.Item, result *SyncResult, cause error, message string) {
	result.Dropped++
	c.metrics.ItemDispatched(string(item.Action), metrics.OutcomeDropped)
	notify.Send(c.notifier, notify.LevelFailure, notify.TitleItemDropped, message,
		map[string]string{
			"table":     item.Table,
			"record_id": string(item.RecordID),
			"action":    string(item.Action),
			"error":     cause.Error(),
		})
}

func mergeFields(a, b map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

// checkConflict compares the queued snapshot with the remote copy. It
// returns the version to send when they conflict, and whether that version
// differs from the snapshot. A failed remote read skips the check.
func (c *Coordinator) checkConflict(ctx context.Context, item *queue.Item, local models.Receipt) (*models.Receipt, bool) {
	rctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	remoteRec, err := c.api.GetReceipt(rctx, item.RecordID)
	if err != nil {
		c.metrics.ConflictCheckFailed()
		logging.WarnWithCode("Conflict check skipped, sending local version", string(apperrors.ErrSyncConflict), err, map[string]interface{}{
			"item_id":   item.ID,
			"record_id": item.RecordID,
		})
		return nil, false
	}

	detected, ok := c.resolver.DetectConflict(&local, remoteRec)
	if !ok {
		return nil, false
	}
	res, err := c.resolver.Resolve(detected)
	if err != nil {
		logging.Warn("Conflict could not be resolved, sending local version", map[string]interface{}{
			"record_id": item.RecordID,
			"error":     err.Error(),
		})
		return nil, false
	}

	c.metrics.ConflictResolved(res.Resolution)
	if err := c.store.CreateConflictLog(ctx, res.ConflictLog); err != nil {
		logging.Error("Failed to record conflict log", err, map[string]interface{}{
			"record_id": item.RecordID,
		})
	}

	resolved := *res.Winner
	resolved.ID = item.RecordID
	if resolved.Status == "" {
		resolved.Status = local.Status
	}
	return &resolved, res.RemoteWon()
}

// dispatch sends one payload. The switch covers every payload type.
func (c *Coordinator) dispatch(ctx context.Context, p queue.Payload) error {
	rctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var err error
	switch v := p.(type) {
	case queue.ReceiptCreate:
		_, err = c.api.CreateReceipt(rctx, &v.Receipt)
	case queue.ReceiptUpdate:
		_, err = c.api.UpdateReceipt(rctx, v.Receipt.ID, &v.Receipt)
	case queue.ReceiptDelete:
		err = c.api.DeleteReceipt(rctx, v.ID)
	case queue.CategoryCreate:
		_, err = c.api.CreateCategory(rctx, &v.Category)
	case queue.CategoryUpdate:
		_, err = c.api.UpdateCategory(rctx, v.Category.ID, &v.Category)
	default:
		return fmt.Errorf("unsupported payload %T", p)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Wrap(apperrors.ErrSyncTimeout, "remote request timed out", err)
	}
	if err != nil {
		return apperrors.Wrap(apperrors.ErrRemote, "remote request failed", err)
	}
	return nil
}

// InitialSync imports every remote receipt once per store. Rows with local
// pending changes are kept. It returns the number of rows written.
func (c *Coordinator) InitialSync(ctx context.Context) (int, error) {
	done, _, err := c.store.GetSetting(ctx, models.SettingInitialSyncCompleted)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "read initial sync flag", err)
	}
	if done == "true" {
		return 0, nil
	}

	if !c.draining.CompareAndSwap(false, true) {
		return 0, ErrSyncInProgress
	}
	defer c.draining.Store(false)

	held, err := c.queue.AcquireLease(ctx, c.owner, c.leaseTTL)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "acquire drain lease", err)
	}
	if !held {
		return 0, ErrSyncInProgress
	}
	defer c.releaseLease(ctx)

	imported := 0
	for page := 1; ; page++ {
		if page > 1 {
			if held, err := c.queue.AcquireLease(ctx, c.owner, c.leaseTTL); err != nil || !held {
				return imported, apperrors.Wrap(apperrors.ErrSyncInProgress, "drain lease lost during initial sync", err)
			}
		}
		rctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
		batch, err := c.api.ListReceipts(rctx, page, c.pageSize)
		cancel()
		if err != nil {
			return imported, apperrors.Wrap(apperrors.ErrRemote, "list remote receipts", err)
		}

		n, err := c.store.ImportRemote(ctx, batch)
		if err != nil {
			return imported, apperrors.Wrap(apperrors.ErrDatabase, "import remote receipts", err)
		}
		imported += n

		if len(batch) < c.pageSize {
			break
		}
	}

	if err := c.store.SetSetting(ctx, models.SettingInitialSyncCompleted, strconv.FormatBool(true)); err != nil {
		return imported, apperrors.Wrap(apperrors.ErrDatabase, "record initial sync", err)
	}
	logging.Info("Initial sync completed", map[string]interface{}{
		"imported": imported,
	})
	return imported, nil
}

// Status returns the current coordinator view.
func (c *Coordinator) Status(ctx context.Context) (*Status, error) {
	st := &Status{
		State:  c.State(),
		Online: true,
	}
	if c.conn != nil {
		st.Online = c.conn.Online()
	}
	if err := c.LastError(); err != nil {
		st.LastError = err.Error()
	}

	stats, err := c.queue.Stats(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "queue stats", err)
	}
	st.Queue = stats
	st.Pending = stats.Total

	last, err := c.store.LastSyncAt(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "last sync time", err)
	}
	if !last.IsZero() {
		st.LastSyncAt = &last
	}
	return st, nil
}
