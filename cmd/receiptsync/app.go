package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/receiptsync/internal/cache"
	"github.com/kimhsiao/receiptsync/internal/config"
	"github.com/kimhsiao/receiptsync/internal/connectivity"
	"github.com/kimhsiao/receiptsync/internal/db"
	apperrors "github.com/kimhsiao/receiptsync/internal/errors"
	"github.com/kimhsiao/receiptsync/internal/logging"
	"github.com/kimhsiao/receiptsync/internal/metrics"
	"github.com/kimhsiao/receiptsync/internal/notify"
	"github.com/kimhsiao/receiptsync/internal/receipts"
	syncpkg "github.com/kimhsiao/receiptsync/internal/sync"
	"github.com/kimhsiao/receiptsync/internal/sync/queue"
	"github.com/kimhsiao/receiptsync/internal/sync/remote"
)

// app holds flag values and the resources a command opens on demand.
type app struct {
	configPath string
	dataDir    string
	logLevel   string

	manager *config.Manager
	cfg     *config.Config

	store     *db.DB
	repo      *db.Repository
	queue     *queue.Queue
	cache     *cache.Cache
	logCloser io.Closer
}

// setup loads configuration, applies flag overrides and configures logging.
func (a *app) setup(cmd *cobra.Command) error {
	m, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	cfg := *m.Config()
	if a.dataDir != "" {
		cfg.DataDir = a.dataDir
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.manager = m
	a.cfg = &cfg

	if cfg.Log.File != "" {
		a.logCloser = logging.InitFile(logging.FileConfig{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		}, cfg.LogLevel())
	} else {
		logging.SetGlobal(logging.New(cmd.ErrOrStderr(), cfg.LogLevel()))
	}
	return nil
}

// openStore opens the Local Store and its queue.
func (a *app) openStore() (*db.Repository, error) {
	if a.repo != nil {
		return a.repo, nil
	}
	store, err := db.Open(a.cfg.DataDir)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "open store", err)
	}
	a.store = store
	a.repo = db.NewRepository(store.DB)
	a.queue = queue.New(store.DB, queue.WithMaxRetries(a.cfg.Sync.MaxRetries))
	return a.repo, nil
}

// openCache opens the cache next to the store.
func (a *app) openCache(m *metrics.Metrics) (*cache.Cache, error) {
	if a.cache != nil {
		return a.cache, nil
	}
	c, err := cache.Open(a.cfg.DataDir,
		cache.WithTTL(a.cfg.Cache.TTL),
		cache.WithMaxBytes(a.cfg.Cache.MaxBytes),
		cache.WithMetrics(m),
	)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCache, "open cache", err)
	}
	a.cache = c
	return c, nil
}

// remote builds the API client. It fails when no base URL is configured.
func (a *app) remote() (*remote.Client, error) {
	if a.cfg.Remote.BaseURL == "" {
		return nil, apperrors.New(apperrors.ErrConfigInvalid, "remote.base_url is not set")
	}
	c, err := remote.NewClient(a.cfg.Remote.BaseURL, remote.WithTimeout(a.cfg.Remote.Timeout))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, "remote.base_url", err)
	}
	return c, nil
}

// receiptService wires the store and cache for receipt commands.
func (a *app) receiptService(opts ...receipts.Option) (*receipts.Service, error) {
	repo, err := a.openStore()
	if err != nil {
		return nil, err
	}
	c, err := a.openCache(nil)
	if err != nil {
		return nil, err
	}
	return receipts.NewService(repo, c, opts...), nil
}

// coordinator builds a Coordinator over the Local Store and the remote API.
func (a *app) coordinator(conn connectivity.Provider, n notify.Notifier, m *metrics.Metrics) (*syncpkg.Coordinator, error) {
	repo, err := a.openStore()
	if err != nil {
		return nil, err
	}
	api, err := a.remote()
	if err != nil {
		return nil, err
	}
	opts := []syncpkg.Option{
		syncpkg.WithStrategy(a.cfg.Strategy()),
		syncpkg.WithRequestTimeout(a.cfg.Remote.Timeout),
		syncpkg.WithPageSize(a.cfg.Sync.PageSize),
		syncpkg.WithNotifier(n),
		syncpkg.WithMetrics(m),
	}
	if conn != nil {
		opts = append(opts, syncpkg.WithConnectivity(conn))
	}
	return syncpkg.NewCoordinator(repo, a.queue, api, opts...), nil
}

func (a *app) close() {
	if a.cache != nil {
		a.cache.Close()
	}
	if a.repo != nil {
		a.repo.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
	if a.logCloser != nil {
		a.logCloser.Close()
	}
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printNotifier prints notifications for interactive commands.
func printNotifier(w io.Writer) notify.Notifier {
	return notify.Func(func(n notify.Notification) {
		if n.Message == "" {
			fmt.Fprintf(w, "[%s] %s\n", n.Level, n.Title)
			return
		}
		fmt.Fprintf(w, "[%s] %s: %s\n", n.Level, n.Title, n.Message)
	})
}

// refreshingSyncer rebuilds the receipt snapshot after a drain or import
// changes local sync state.
type refreshingSyncer struct {
	*syncpkg.Coordinator
	receipts *receipts.Service
}

// Sync implements scheduler.Syncer.
func (r refreshingSyncer) Sync(ctx context.Context) (*syncpkg.SyncResult, error) {
	res, err := r.Coordinator.Sync(ctx)
	if res != nil && res.Synced > 0 {
		r.receipts.Refresh(context.WithoutCancel(ctx))
	}
	return res, err
}

// InitialSync imports remote receipts and refreshes the snapshot.
func (r refreshingSyncer) InitialSync(ctx context.Context) (int, error) {
	n, err := r.Coordinator.InitialSync(ctx)
	if n > 0 {
		r.receipts.Refresh(context.WithoutCancel(ctx))
	}
	return n, err
}

// syncer builds a coordinator whose runs keep the receipt snapshot current.
func (a *app) syncer(conn connectivity.Provider, n notify.Notifier, m *metrics.Metrics) (refreshingSyncer, error) {
	coord, err := a.coordinator(conn, n, m)
	if err != nil {
		return refreshingSyncer{}, err
	}
	svc, err := a.receiptService()
	if err != nil {
		return refreshingSyncer{}, err
	}
	return refreshingSyncer{Coordinator: coord, receipts: svc}, nil
}
