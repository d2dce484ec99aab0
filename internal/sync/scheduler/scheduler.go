// Package scheduler turns trigger sources into coordinator runs: a periodic
// timer while online, the offline to online edge, and manual requests.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/receiptsync/internal/connectivity"
	"github.com/kimhsiao/receiptsync/internal/errors"
	"github.com/kimhsiao/receiptsync/internal/logging"
	"github.com/kimhsiao/receiptsync/internal/metrics"
	"github.com/kimhsiao/receiptsync/internal/notify"
	syncpkg "github.com/kimhsiao/receiptsync/internal/sync"
)

// runTimeout bounds a single coordinator run.
const runTimeout = 5 * time.Minute

// ErrOffline is returned by SyncNow while connectivity is absent.
var ErrOffline = errors.New(errors.ErrSyncOffline, "cannot sync while offline")

// Syncer runs one drain.
type Syncer interface {
	Sync(ctx context.Context) (*syncpkg.SyncResult, error)
}

// Source identifies what requested a run.
type Source string

const (
	SourceTimer        Source = "timer"
	SourceConnectivity Source = "connectivity"
	SourceManual       Source = "manual"
)

// Config holds scheduler configuration.
type Config struct {
	Interval time.Duration // How often to sync while online (default: 30 seconds)
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{Interval: 30 * time.Second}
}

// Outcome is the result of one run.
type Outcome struct {
	Result *syncpkg.SyncResult
	Err    error
}

type request struct {
	source Source
	done   chan Outcome
}

// Scheduler routes every trigger through one request channel served by a
// single worker. A request that arrives while the worker is busy is dropped.
type Scheduler struct {
	engine   Syncer
	conn     connectivity.Provider
	notifier notify.Notifier
	metrics  *metrics.Metrics

	requests chan request
	resetCh  chan time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
	online   atomic.Bool

	mu       sync.RWMutex
	interval time.Duration
	running  bool
	lastRun  time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithNotifier sets where manual-run and connectivity notifications go.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Scheduler) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// NewScheduler creates a Scheduler. A nil config uses DefaultConfig.
func NewScheduler(engine Syncer, conn connectivity.Provider, config *Config, opts ...Option) *Scheduler {
	if config == nil || config.Interval <= 0 {
		config = DefaultConfig()
	}
	s := &Scheduler{
		engine:   engine,
		conn:     conn,
		notifier: notify.Log{},
		requests: make(chan request),
		resetCh:  make(chan time.Duration, 1),
		interval: config.Interval,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.online.Store(conn.Online())
	return s
}

// Start launches the trigger loop and the worker. Calling it twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	interval := s.interval
	s.mu.Unlock()

	events, unsubscribe := s.conn.Subscribe()
	online := s.conn.Online()
	s.online.Store(online)
	s.metrics.SetOnline(online)

	s.wg.Add(2)
	go s.worker(ctx, s.stopCh)
	go s.loop(ctx, s.stopCh, events, unsubscribe, interval)

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"interval_seconds": interval.Seconds(),
		"online":           online,
	})
}

// Stop stops the scheduler and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	logging.Info("Background sync scheduler stopped", nil)
}

// SetInterval changes the timer period, live when running.
func (s *Scheduler) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.interval = d
	s.mu.Unlock()

	select {
	case <-s.resetCh:
	default:
	}
	select {
	case s.resetCh <- d:
	default:
	}
}

// Interval returns the timer period.
func (s *Scheduler) Interval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.interval
}

func (s *Scheduler) loop(ctx context.Context, stop <-chan struct{}, events <-chan connectivity.Event, unsubscribe func(), interval time.Duration) {
	defer s.wg.Done()
	defer unsubscribe()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case d := <-s.resetCh:
			ticker.Reset(d)
			logging.Info("Sync interval changed", map[string]interface{}{
				"interval_seconds": d.Seconds(),
			})
		case <-ticker.C:
			if s.online.Load() {
				s.request(SourceTimer, nil)
			}
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.connectivityChanged(ev.Online)
		}
	}
}

// connectivityChanged applies an edge and requests a run when coming online.
func (s *Scheduler) connectivityChanged(online bool) {
	if s.online.Swap(online) == online {
		return
	}
	s.metrics.SetOnline(online)
	logging.Info("Connectivity changed", map[string]interface{}{
		"online": online,
	})

	if !online {
		notify.Send(s.notifier, notify.LevelInfo, notify.TitleOfflineMode,
			"Changes are saved locally and will sync when back online", nil)
		return
	}
	notify.Send(s.notifier, notify.LevelSuccess, notify.TitleBackOnline,
		"Syncing pending changes", nil)
	s.request(SourceConnectivity, nil)
}

// request hands a run to the worker without blocking. It reports whether
// the worker accepted it.
func (s *Scheduler) request(src Source, done chan Outcome) bool {
	select {
	case s.requests <- request{source: src, done: done}:
		return true
	default:
		logging.Debug("Sync request dropped, run in progress", map[string]interface{}{
			"source": src,
		})
		return false
	}
}

func (s *Scheduler) worker(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case req := <-s.requests:
			out := s.run(ctx, req.source)
			if req.done != nil {
				req.done <- out
			}
		}
	}
}

// run executes one coordinator drain and reports manual runs to the user.
func (s *Scheduler) run(ctx context.Context, src Source) Outcome {
	manual := src == SourceManual
	if manual {
		notify.Send(s.notifier, notify.LevelInfo, notify.TitleSyncStarted, "Syncing pending changes", nil)
	}

	runCtx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	result, err := s.engine.Sync(runCtx)
	if errors.Is(err, errors.ErrSyncInProgress) {
		logging.Debug("Sync request dropped, drain in progress", map[string]interface{}{
			"source": src,
		})
		return Outcome{Err: err}
	}

	s.mu.Lock()
	s.lastRun = time.Now()
	s.mu.Unlock()

	if err != nil {
		logging.ErrorWithCode("Sync run failed", string(errors.ErrSyncFailed), err, map[string]interface{}{
			"source": src,
		})
		if manual {
			notify.Send(s.notifier, notify.LevelFailure, notify.TitleSyncFailed, err.Error(), nil)
		}
		return Outcome{Result: result, Err: err}
	}

	if manual {
		notify.Send(s.notifier, notify.LevelSuccess, notify.TitleSyncComplete, summary(result),
			map[string]string{
				"synced":  fmt.Sprint(result.Synced),
				"failed":  fmt.Sprint(result.Failed),
				"dropped": fmt.Sprint(result.Dropped),
			})
	}
	return Outcome{Result: result}
}

func summary(r *syncpkg.SyncResult) string {
	if r == nil || r.Attempted == 0 {
		return "Everything is up to date"
	}
	msg := fmt.Sprintf("Synced %d of %d changes", r.Synced, r.Attempted)
	if r.Remaining > 0 {
		msg += fmt.Sprintf(", %d waiting to retry", r.Remaining)
	}
	return msg
}

// TriggerSync requests a manual run without waiting for it. It returns false
// when a run is already in progress or the scheduler is not running.
func (s *Scheduler) TriggerSync() bool {
	if !s.IsRunning() {
		return false
	}
	return s.request(SourceManual, nil)
}

// SyncNow runs a manual sync and waits for its outcome. When the scheduler
// is not running the drain runs on the calling goroutine.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	if !s.online.Load() {
		notify.Send(s.notifier, notify.LevelFailure, notify.TitleSyncFailed, "You are offline", nil)
		return nil, ErrOffline
	}
	if !s.IsRunning() {
		out := s.run(ctx, SourceManual)
		return out.Result, out.Err
	}

	done := make(chan Outcome, 1)
	if !s.request(SourceManual, done) {
		return nil, syncpkg.ErrSyncInProgress
	}
	select {
	case out := <-done:
		return out.Result, out.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Running  bool          `json:"running"`
	Online   bool          `json:"online"`
	Interval time.Duration `json:"interval"`
	LastRun  *time.Time    `json:"last_run,omitempty"`
}

// Status returns the current scheduler view.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		Running:  s.running,
		Online:   s.online.Load(),
		Interval: s.interval,
	}
	if !s.lastRun.IsZero() {
		last := s.lastRun
		st.LastRun = &last
	}
	return st
}

// IsOnline returns the last observed connectivity state.
func (s *Scheduler) IsOnline() bool {
	return s.online.Load()
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
