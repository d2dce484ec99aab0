package sync

import "context"

// Engine is what the scheduler and CLI drive. It allows mocking in tests.
type Engine interface {
	// Sync drains the queue once. It returns ErrSyncInProgress when a drain
	// is already running.
	Sync(ctx context.Context) (*SyncResult, error)

	// InitialSync imports the remote receipts once per store.
	InitialSync(ctx context.Context) (int, error)

	// Status returns the current coordinator view.
	Status(ctx context.Context) (*Status, error)

	// LastError returns the error of the last drain.
	LastError() error
}

var _ Engine = (*Coordinator)(nil)
