// Offline round trips against a file-backed store: local writes keep working
// with no remote, survive restarts, and drain in order once a remote exists.
package sync_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/receiptsync/internal/db"
	"github.com/kimhsiao/receiptsync/internal/models"
	syncpkg "github.com/kimhsiao/receiptsync/internal/sync"
	"github.com/kimhsiao/receiptsync/internal/sync/queue"
)

// recordingAPI accepts every call and records it as "VERB id".
type recordingAPI struct {
	mu    sync.Mutex
	calls []string
}

func (a *recordingAPI) record(verb string, id models.UUID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, verb+" "+string(id))
}

func (a *recordingAPI) CreateReceipt(ctx context.Context, r *models.Receipt) (*models.Receipt, error) {
	a.record("POST", r.ID)
	return r, nil
}

func (a *recordingAPI) UpdateReceipt(ctx context.Context, id models.UUID, r *models.Receipt) (*models.Receipt, error) {
	a.record("PUT", id)
	return r, nil
}

func (a *recordingAPI) DeleteReceipt(ctx context.Context, id models.UUID) error {
	a.record("DELETE", id)
	return nil
}

func (a *recordingAPI) GetReceipt(ctx context.Context, id models.UUID) (*models.Receipt, error) {
	return nil, nil
}

func (a *recordingAPI) ListReceipts(ctx context.Context, page, pageSize int) ([]*models.Receipt, error) {
	return nil, nil
}

func (a *recordingAPI) CreateCategory(ctx context.Context, c *models.Category) (*models.Category, error) {
	a.record("POST", c.ID)
	return c, nil
}

func (a *recordingAPI) UpdateCategory(ctx context.Context, id models.UUID, c *models.Category) (*models.Category, error) {
	a.record("PUT", id)
	return c, nil
}

type offlineStore struct {
	db    *db.DB
	repo  *db.Repository
	queue *queue.Queue
}

func openOfflineStore(t *testing.T, dir string) *offlineStore {
	t.Helper()
	d, err := db.Open(dir)
	require.NoError(t, err)
	return &offlineStore{db: d, repo: db.NewRepository(d.DB), queue: queue.New(d.DB)}
}

func (s *offlineStore) close() {
	s.repo.Close()
	s.db.Close()
}

// TestOffline_survivesRestart verifies queued work outlives the process,
// including an item that was in flight when it stopped.
func TestOffline_survivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := openOfflineStore(t, dir)
	a, err := s.repo.SaveReceipt(ctx, &models.Receipt{Merchant: "Starbucks", Date: "2023-06-15", Amount: 42.5})
	require.NoError(t, err)
	b, err := s.repo.SaveReceipt(ctx, &models.Receipt{Merchant: "Deli", Date: "2023-06-16", Amount: 8})
	require.NoError(t, err)
	merchant := "Blue Bottle"
	_, err = s.repo.UpdateReceipt(ctx, a.ID, models.ReceiptPatch{Merchant: &merchant})
	require.NoError(t, err)

	pending, err := s.queue.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	require.NoError(t, s.queue.MarkInProgress(ctx, pending[0].ID))
	s.close()

	s = openOfflineStore(t, dir)
	defer s.close()

	got, err := s.repo.GetReceipt(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "Blue Bottle", got.Merchant)
	assert.Equal(t, models.ActionUpdate, got.PendingAction)

	api := &recordingAPI{}
	coord := syncpkg.NewCoordinator(s.repo, s.queue, api)
	n, err := coord.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	result, err := coord.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Synced)
	assert.Zero(t, result.Remaining)
	assert.Equal(t, []string{
		"POST " + string(a.ID),
		"POST " + string(b.ID),
		"PUT " + string(a.ID),
	}, api.calls)

	unsynced, err := s.repo.ListReceipts(ctx, db.ReceiptFilter{UnsyncedOnly: true})
	require.NoError(t, err)
	assert.Empty(t, unsynced)
}

// TestOffline_concurrentWriters verifies parallel local writes each get
// exactly one queue item.
func TestOffline_concurrentWriters(t *testing.T) {
	s := openOfflineStore(t, t.TempDir())
	defer s.close()
	ctx := context.Background()

	const writers = 10
	const perWriter = 5

	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := s.repo.SaveReceipt(ctx, &models.Receipt{
					Merchant: fmt.Sprintf("Merchant %d-%d", w, i),
					Date:     "2023-06-15",
					Amount:   float64(i + 1),
				})
				if err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	list, err := s.repo.ListReceipts(ctx, db.ReceiptFilter{})
	require.NoError(t, err)
	assert.Len(t, list, writers*perWriter)

	size, err := s.queue.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, writers*perWriter, size)

	api := &recordingAPI{}
	result, err := syncpkg.NewCoordinator(s.repo, s.queue, api).Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, writers*perWriter, result.Synced)
	assert.Len(t, api.calls, writers*perWriter)
}

// TestOffline_hundredReceipts records a batch of receipts with no remote.
func TestOffline_hundredReceipts(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping bulk test in short mode")
	}
	s := openOfflineStore(t, t.TempDir())
	defer s.close()
	ctx := context.Background()

	batch := make([]*models.Receipt, 100)
	for i := range batch {
		batch[i] = &models.Receipt{Merchant: fmt.Sprintf("Merchant %d", i), Date: "2023-06-15", Amount: 1}
	}
	saved, err := s.repo.SaveMany(ctx, batch)
	require.NoError(t, err)
	assert.Len(t, saved, 100)

	stats, err := s.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100, stats.Pending)
}
