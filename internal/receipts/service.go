// Package receipts serves receipt reads through the cache so lists stay
// available while the remote API is unreachable.
package receipts

import (
	"context"
	"strconv"

	"github.com/kimhsiao/receiptsync/internal/cache"
	"github.com/kimhsiao/receiptsync/internal/connectivity"
	"github.com/kimhsiao/receiptsync/internal/db"
	"github.com/kimhsiao/receiptsync/internal/errors"
	"github.com/kimhsiao/receiptsync/internal/logging"
	"github.com/kimhsiao/receiptsync/internal/models"
)

// SnapshotKey holds the cached list of live local receipts.
var SnapshotKey = cache.Key("receipts")

// RemotePageKey returns the cache key of one remote list page.
func RemotePageKey(page, pageSize int) string {
	return cache.Key("remote_receipts", strconv.Itoa(page), strconv.Itoa(pageSize))
}

// ErrOffline is returned when a remote page is neither reachable nor cached.
var ErrOffline = errors.New(errors.ErrSyncOffline, "remote unreachable and no cached copy")

// snapshotEntry keeps the sync metadata that the API encoding omits.
type snapshotEntry struct {
	models.Receipt
	IsSynced      bool              `json:"is_synced"`
	PendingAction models.SyncAction `json:"pending_action,omitempty"`
}

func toSnapshot(list []*models.Receipt) []snapshotEntry {
	out := make([]snapshotEntry, 0, len(list))
	for _, r := range list {
		out = append(out, snapshotEntry{Receipt: *r, IsSynced: r.IsSynced, PendingAction: r.PendingAction})
	}
	return out
}

func fromSnapshot(entries []snapshotEntry) []*models.Receipt {
	out := make([]*models.Receipt, 0, len(entries))
	for _, e := range entries {
		r := e.Receipt
		r.IsSynced = e.IsSynced
		r.PendingAction = e.PendingAction
		out = append(out, &r)
	}
	return out
}

func (s *Service) snapshot(ctx context.Context) ([]*models.Receipt, bool) {
	var entries []snapshotEntry
	if !s.cache.Get(ctx, SnapshotKey, &entries) {
		return nil, false
	}
	return fromSnapshot(entries), true
}

func (s *Service) storeSnapshot(ctx context.Context, list []*models.Receipt) {
	if err := s.cache.Set(ctx, SnapshotKey, toSnapshot(list)); err != nil {
		logging.WarnWithCode("Receipt snapshot write failed", string(errors.ErrCache), err, nil)
	}
}

// RemoteLister is the part of the remote API used for page reads.
type RemoteLister interface {
	ListReceipts(ctx context.Context, page, pageSize int) ([]*models.Receipt, error)
}

// Service coordinates the Local Store, the cache and the remote list.
type Service struct {
	store  db.ReceiptStore
	cache  *cache.Cache
	remote RemoteLister
	conn   connectivity.Provider
}

// Option configures a Service.
type Option func(*Service)

// WithRemote enables remote page reads.
func WithRemote(r RemoteLister) Option {
	return func(s *Service) { s.remote = r }
}

// WithConnectivity skips remote calls while offline.
func WithConnectivity(p connectivity.Provider) Option {
	return func(s *Service) { s.conn = p }
}

// NewService creates a Service. A nil cache disables caching.
func NewService(store db.ReceiptStore, c *cache.Cache, opts ...Option) *Service {
	s := &Service{store: store, cache: c}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) online() bool {
	return s.conn == nil || s.conn.Online()
}

// =====================================================
// Mutations
// =====================================================

// Save upserts a receipt and refreshes the snapshot.
func (s *Service) Save(ctx context.Context, r *models.Receipt) (*models.Receipt, error) {
	saved, err := s.store.SaveReceipt(ctx, r)
	if err != nil {
		return nil, err
	}
	s.Refresh(ctx)
	return saved, nil
}

// Update patches a receipt and refreshes the snapshot.
func (s *Service) Update(ctx context.Context, id models.UUID, patch models.ReceiptPatch) (*models.Receipt, error) {
	updated, err := s.store.UpdateReceipt(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	s.Refresh(ctx)
	return updated, nil
}

// Delete soft-deletes a receipt and refreshes the snapshot.
func (s *Service) Delete(ctx context.Context, id models.UUID) error {
	if err := s.store.SoftDeleteReceipt(ctx, id); err != nil {
		return err
	}
	s.Refresh(ctx)
	return nil
}

// Refresh rewrites the snapshot from the Local Store. Failures are logged
// and leave the previous snapshot in place.
func (s *Service) Refresh(ctx context.Context) {
	if s.cache == nil {
		return
	}
	list, err := s.store.ListReceipts(ctx, db.ReceiptFilter{})
	if err != nil {
		logging.WarnWithCode("Receipt snapshot refresh failed", string(errors.ErrCache), err, nil)
		return
	}
	s.storeSnapshot(ctx, list)
}

// =====================================================
// Reads
// =====================================================

// List returns live receipts. An unfiltered list is served from the
// snapshot when it is fresh; filtered lists always query the store.
func (s *Service) List(ctx context.Context, filter db.ReceiptFilter) ([]*models.Receipt, error) {
	unfiltered := filter == db.ReceiptFilter{}
	if unfiltered && s.cache != nil {
		if cached, ok := s.snapshot(ctx); ok {
			return cached, nil
		}
	}

	list, err := s.store.ListReceipts(ctx, filter)
	if err != nil {
		return nil, err
	}
	if unfiltered && s.cache != nil {
		s.storeSnapshot(ctx, list)
	}
	return list, nil
}

// Get returns one live receipt, from the snapshot when possible.
func (s *Service) Get(ctx context.Context, id models.UUID) (*models.Receipt, error) {
	if s.cache != nil {
		if cached, ok := s.snapshot(ctx); ok {
			for _, r := range cached {
				if r.ID == id {
					return r, nil
				}
			}
		}
	}
	return s.store.GetReceipt(ctx, id)
}

// RemotePage reads one page of remote receipts. A successful read is cached;
// when the remote is offline or fails, the cached page is served instead.
// The boolean reports whether the result came from the cache.
func (s *Service) RemotePage(ctx context.Context, page, pageSize int) ([]*models.Receipt, bool, error) {
	key := RemotePageKey(page, pageSize)

	var remoteErr error
	if s.remote != nil && s.online() {
		list, err := s.remote.ListReceipts(ctx, page, pageSize)
		if err == nil {
			if s.cache != nil {
				if err := s.cache.Set(ctx, key, list); err != nil {
					logging.WarnWithCode("Remote page cache write failed", string(errors.ErrCache), err, map[string]interface{}{
						"key": key,
					})
				}
			}
			return list, false, nil
		}
		remoteErr = err
		logging.Warn("Remote page read failed, trying cache", map[string]interface{}{
			"page":  page,
			"error": err.Error(),
		})
	}

	if s.cache != nil {
		var cached []*models.Receipt
		if s.cache.Get(ctx, key, &cached) {
			return cached, true, nil
		}
	}
	if remoteErr != nil {
		return nil, false, errors.Wrap(errors.ErrRemote, "list remote receipts", remoteErr)
	}
	return nil, false, ErrOffline
}
