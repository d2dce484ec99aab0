package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/receiptsync/internal/cache"
	"github.com/kimhsiao/receiptsync/internal/config"
	"github.com/kimhsiao/receiptsync/internal/connectivity"
	"github.com/kimhsiao/receiptsync/internal/logging"
	"github.com/kimhsiao/receiptsync/internal/metrics"
	"github.com/kimhsiao/receiptsync/internal/notify"
	syncpkg "github.com/kimhsiao/receiptsync/internal/sync"
	"github.com/kimhsiao/receiptsync/internal/sync/scheduler"
)

// cacheMaintenanceInterval is how often serve optimizes the cache.
const cacheMaintenanceInterval = time.Hour

func serveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run background sync until interrupted",
		Long: `Watch connectivity and drain the sync queue every sync.interval while
the remote is reachable, and immediately whenever it comes back.

When metrics.addr is set, Prometheus metrics are served on /metrics.
Edits to sync.interval in the config file apply without a restart.
Sending SIGUSR1 to the process requests a sync immediately.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	notifier := notify.Log{}

	c, err := a.openCache(m)
	if err != nil {
		return err
	}
	probe := connectivity.NewProbe(a.cfg.HealthURL(), a.cfg.Connectivity.ProbeInterval, nil)
	coord, err := a.syncer(probe, notifier, m)
	if err != nil {
		return err
	}
	if _, err := coord.Recover(ctx); err != nil && !errors.Is(err, syncpkg.ErrSyncInProgress) {
		return err
	}

	sched := scheduler.NewScheduler(coord, probe, &scheduler.Config{Interval: a.cfg.Sync.Interval},
		scheduler.WithNotifier(notifier),
		scheduler.WithMetrics(m),
	)
	sched.Start(ctx)
	defer sched.Stop()

	a.manager.Watch(func(cfg *config.Config) {
		if cfg.Sync.Interval != sched.Interval() {
			sched.SetInterval(cfg.Sync.Interval)
		}
	})

	if len(triggerSignals) > 0 {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, triggerSignals...)
		defer signal.Stop(sigs)
		go triggerOnSignal(ctx, sigs, sched)
	}

	go probe.Run(ctx)
	go initialSyncWhenOnline(ctx, coord, probe, a.cfg.Sync.Interval)
	go maintainCache(ctx, c)

	if addr := a.cfg.Metrics.Addr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           metricsMux(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Error("Metrics server stopped", err, map[string]interface{}{"addr": addr})
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logging.Info("Metrics listening", map[string]interface{}{"addr": addr})
	}

	logging.Info("Background sync started", map[string]interface{}{
		"remote":   a.cfg.Remote.BaseURL,
		"interval": a.cfg.Sync.Interval.String(),
		"strategy": string(a.cfg.Strategy()),
	})
	<-ctx.Done()
	logging.Info("Background sync stopping", nil)
	return nil
}

func metricsMux(g prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(g))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

type initialSyncer interface {
	InitialSync(ctx context.Context) (int, error)
}

// initialSyncWhenOnline runs the one-time import once the remote is reachable,
// retrying every retryAfter while it stays reachable and the import fails.
func initialSyncWhenOnline(ctx context.Context, coord initialSyncer, conn connectivity.Provider, retryAfter time.Duration) {
	events, unsubscribe := conn.Subscribe()
	defer unsubscribe()

	for online := conn.Online(); ; {
		var retry <-chan time.Time
		if online {
			n, err := coord.InitialSync(ctx)
			switch {
			case err == nil:
				if n > 0 {
					logging.Info("Imported remote receipts", map[string]interface{}{"count": n})
				}
				return
			case errors.Is(err, syncpkg.ErrSyncInProgress):
				logging.Debug("Initial sync deferred, drain in progress", nil)
			default:
				logging.Warn("Initial sync failed", map[string]interface{}{"error": err.Error()})
			}
			retry = time.After(retryAfter)
		}
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			online = ev.Online
		case <-retry:
		}
	}
}

func maintainCache(ctx context.Context, c *cache.Cache) {
	ticker := time.NewTicker(cacheMaintenanceInterval)
	defer ticker.Stop()
	for {
		if _, err := c.Optimize(ctx); err != nil && ctx.Err() == nil {
			logging.Warn("Cache maintenance failed", map[string]interface{}{"error": err.Error()})
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
