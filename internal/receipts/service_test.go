package receipts

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/receiptsync/internal/cache"
	"github.com/kimhsiao/receiptsync/internal/connectivity"
	"github.com/kimhsiao/receiptsync/internal/db"
	"github.com/kimhsiao/receiptsync/internal/errors"
	"github.com/kimhsiao/receiptsync/internal/models"
)

type fakeLister struct {
	pages map[int][]*models.Receipt
	err   error
	calls int
}

func (f *fakeLister) ListReceipts(ctx context.Context, page, pageSize int) ([]*models.Receipt, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.pages[page], nil
}

func setupService(t *testing.T, opts ...Option) (*Service, *db.Repository, *cache.Cache) {
	t.Helper()
	d, err := db.OpenMemory()
	require.NoError(t, err)
	repo := db.NewRepository(d.DB)
	c, err := cache.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Close()
		repo.Close()
		d.Close()
	})
	return NewService(repo, c, opts...), repo, c
}

func starbucks() *models.Receipt {
	return &models.Receipt{Merchant: "Starbucks", Date: "2023-06-15", Amount: 42.50}
}

// =====================================================
// Local snapshot
// =====================================================

// TestService_snapshotFollowsMutations verifies each mutation refreshes the cached list.
func TestService_snapshotFollowsMutations(t *testing.T) {
	svc, _, c := setupService(t)
	ctx := context.Background()

	rec, err := svc.Save(ctx, starbucks())
	require.NoError(t, err)

	var entries []snapshotEntry
	require.True(t, c.Get(ctx, SnapshotKey, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, models.ActionCreate, entries[0].PendingAction)

	merchant := "Blue Bottle"
	_, err = svc.Update(ctx, rec.ID, models.ReceiptPatch{Merchant: &merchant})
	require.NoError(t, err)

	list, err := svc.List(ctx, db.ReceiptFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Blue Bottle", list[0].Merchant)
	assert.Equal(t, models.ActionUpdate, list[0].PendingAction)
	assert.False(t, list[0].IsSynced)

	require.NoError(t, svc.Delete(ctx, rec.ID))
	list, err = svc.List(ctx, db.ReceiptFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

// TestService_listServesSnapshot verifies unfiltered lists read the cache first.
func TestService_listServesSnapshot(t *testing.T) {
	svc, repo, _ := setupService(t)
	ctx := context.Background()

	_, err := svc.Save(ctx, starbucks())
	require.NoError(t, err)

	// Written behind the service's back, so only a store query sees it.
	_, err = repo.SaveReceipt(ctx, &models.Receipt{Merchant: "Deli", Date: "2023-06-16", Amount: 5})
	require.NoError(t, err)

	list, err := svc.List(ctx, db.ReceiptFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	list, err = svc.List(ctx, db.ReceiptFilter{Merchant: "deli"})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	svc.Refresh(ctx)
	list, err = svc.List(ctx, db.ReceiptFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

// TestService_listRebuildsSnapshot verifies a missing snapshot is rebuilt from the store.
func TestService_listRebuildsSnapshot(t *testing.T) {
	svc, repo, c := setupService(t)
	ctx := context.Background()

	_, err := repo.SaveReceipt(ctx, starbucks())
	require.NoError(t, err)

	list, err := svc.List(ctx, db.ReceiptFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	var entries []snapshotEntry
	assert.True(t, c.Get(ctx, SnapshotKey, &entries))
}

// TestService_Get verifies lookups by id from the snapshot and the store.
func TestService_Get(t *testing.T) {
	svc, repo, _ := setupService(t)
	ctx := context.Background()

	rec, err := svc.Save(ctx, starbucks())
	require.NoError(t, err)
	got, err := svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Starbucks", got.Merchant)

	other, err := repo.SaveReceipt(ctx, &models.Receipt{Merchant: "Deli", Date: "2023-06-16", Amount: 5})
	require.NoError(t, err)
	got, err = svc.Get(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, "Deli", got.Merchant)

	_, err = svc.Get(ctx, "missing")
	assert.True(t, stderrors.Is(err, db.ErrNotFound))
}

// TestService_withoutCache verifies the service works with caching disabled.
func TestService_withoutCache(t *testing.T) {
	d, err := db.OpenMemory()
	require.NoError(t, err)
	defer d.Close()
	svc := NewService(db.NewRepository(d.DB), nil)
	ctx := context.Background()

	rec, err := svc.Save(ctx, starbucks())
	require.NoError(t, err)
	list, err := svc.List(ctx, db.ReceiptFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
	got, err := svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
}

// =====================================================
// Remote pages
// =====================================================

// TestService_RemotePage verifies read-through caching and offline fallback.
func TestService_RemotePage(t *testing.T) {
	remote := &fakeLister{pages: map[int][]*models.Receipt{
		1: {{ID: "a", Merchant: "A", UpdatedAt: 1}},
	}}
	conn := connectivity.NewSwitch(true)
	svc, _, c := setupService(t, WithRemote(remote), WithConnectivity(conn))
	ctx := context.Background()

	list, cached, err := svc.RemotePage(ctx, 1, 50)
	require.NoError(t, err)
	assert.False(t, cached)
	require.Len(t, list, 1)

	var stored []*models.Receipt
	assert.True(t, c.Get(ctx, "cache_remote_receipts_1_50", &stored))

	conn.Set(false)
	list, cached, err = svc.RemotePage(ctx, 1, 50)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, "A", list[0].Merchant)
	assert.Equal(t, 1, remote.calls)

	_, _, err = svc.RemotePage(ctx, 2, 50)
	assert.True(t, errors.Is(err, errors.ErrSyncOffline))
}

// TestService_RemotePage_remoteError verifies a failing remote falls back to the cache.
func TestService_RemotePage_remoteError(t *testing.T) {
	remote := &fakeLister{pages: map[int][]*models.Receipt{1: {{ID: "a"}}}}
	svc, _, _ := setupService(t, WithRemote(remote))
	ctx := context.Background()

	_, _, err := svc.RemotePage(ctx, 1, 10)
	require.NoError(t, err)

	remote.err = stderrors.New("status 502")
	list, cached, err := svc.RemotePage(ctx, 1, 10)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Len(t, list, 1)

	_, _, err = svc.RemotePage(ctx, 3, 10)
	assert.True(t, errors.Is(err, errors.ErrRemote))
}

// TestService_RemotePage_expired verifies an expired page is not served.
func TestService_RemotePage_expired(t *testing.T) {
	now := time.UnixMilli(1686787200000)
	d, err := db.OpenMemory()
	require.NoError(t, err)
	defer d.Close()
	c, err := cache.OpenMemory(cache.WithTTL(time.Hour), cache.WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	defer c.Close()

	remote := &fakeLister{pages: map[int][]*models.Receipt{1: {{ID: "a"}}}}
	conn := connectivity.NewSwitch(true)
	svc := NewService(db.NewRepository(d.DB), c, WithRemote(remote), WithConnectivity(conn))
	ctx := context.Background()

	_, _, err = svc.RemotePage(ctx, 1, 10)
	require.NoError(t, err)

	conn.Set(false)
	now = now.Add(2 * time.Hour)
	_, _, err = svc.RemotePage(ctx, 1, 10)
	assert.True(t, errors.Is(err, errors.ErrSyncOffline))
}

// TestRemotePageKey verifies the page key layout.
func TestRemotePageKey(t *testing.T) {
	assert.Equal(t, "cache_remote_receipts_3_25", RemotePageKey(3, 25))
	assert.Equal(t, "cache_receipts", SnapshotKey)
}
