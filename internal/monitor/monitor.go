// Package monitor keeps tracked job records in sync with backend-native
// status. One monitor runs per enabled backend: watch-capable backends get
// an event loop with reconcile fallback, the rest are polled.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/khurtado/reana-job-controller/internal/backend"
	"github.com/khurtado/reana-job-controller/internal/job"
	"github.com/khurtado/reana-job-controller/internal/jobstore"
	"github.com/khurtado/reana-job-controller/internal/notify"
)

// Dispatcher is the notification sink. Satisfied by dispatcher.Dispatcher.
type Dispatcher interface {
	Dispatch(sc *notify.StatusChange) error
}

// Monitor reconciles one backend's jobs against the store.
type Monitor struct {
	adapter    backend.Adapter
	store      *jobstore.Store
	dispatcher Dispatcher
	cfg        Config
	logger     *slog.Logger

	mu       sync.Mutex
	failures map[string]int // consecutive status-call failures per job id

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a monitor for one adapter. When the adapter suggests its own
// poll cadence it wins over the config default.
func New(adapter backend.Adapter, store *jobstore.Store, disp Dispatcher, cfg Config) *Monitor {
	cfg = cfg.withDefaults()
	if p, ok := adapter.(interface{ PollInterval() time.Duration }); ok {
		cfg.PollInterval = p.PollInterval()
	}
	return &Monitor{
		adapter:    adapter,
		store:      store,
		dispatcher: disp,
		cfg:        cfg,
		logger:     slog.With("component", "monitor", "backend", adapter.Type()),
		failures:   make(map[string]int),
	}
}

// Start reconciles once synchronously, then runs the status and cleanup
// loops until Stop.
func (m *Monitor) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.reconcile(ctx)

	m.wg.Add(2)
	if m.adapter.SupportsWatch() {
		go m.watchLoop(loopCtx)
	} else {
		go m.pollLoop(loopCtx)
	}
	go m.cleanupLoop(loopCtx)

	m.logger.Info("Monitor started",
		"watch", m.adapter.SupportsWatch(), "pollInterval", m.cfg.PollInterval)
}

// Stop terminates the loops and waits for them to finish.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("Monitor stopped")
}

// reconcile polls every active record once. Used at startup, where watch
// events emitted while the controller was down are gone for good, and
// after a watch stream breaks.
func (m *Monitor) reconcile(ctx context.Context) {
	for _, rec := range m.store.Active(m.adapter.Type()) {
		if rec.Handle == "" {
			// Reserved or mid-submission; the manager owns it.
			continue
		}
		m.checkOne(ctx, rec.ID, rec.Handle)
	}
}

func (m *Monitor) pollLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reconcile(ctx)
		}
	}
}

func (m *Monitor) watchLoop(ctx context.Context) {
	defer m.wg.Done()

	// An event can outrun submission: it arrives before the handle is
	// recorded, FindByHandle misses, and the event is gone. The ticker
	// backstops such drops with a full poll at the usual cadence.
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		events, err := m.adapter.Watch(ctx)
		if err != nil {
			m.logger.Warn("Watch subscription failed, retrying", "error", err)
			if !sleepCtx(ctx, m.cfg.WatchBackoff) {
				return
			}
			continue
		}

	stream:
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.reconcile(ctx)
			case ev, open := <-events:
				if !open {
					break stream
				}
				rec, ok := m.store.FindByHandle(m.adapter.Type(), ev.Handle)
				if !ok {
					m.logger.Debug("Event for untracked handle", "handle", ev.Handle)
					continue
				}
				m.observe(rec.ID, ev.Status, ev.Reason)
			}
		}

		// Stream ended. Events may have been lost in the gap, so poll
		// everything before resubscribing.
		m.logger.Warn("Watch stream ended, reconciling before resubscribe")
		m.reconcile(ctx)
		if !sleepCtx(ctx, m.cfg.WatchBackoff) {
			return
		}
	}
}

// checkOne fetches native status for one record and applies it. Transport
// errors only flip the record to Unknown after a run of consecutive
// failures; a single flaky poll proves nothing about the job.
func (m *Monitor) checkOne(ctx context.Context, id, handle string) {
	status, reason, err := m.adapter.Status(ctx, handle)
	if err != nil {
		m.mu.Lock()
		m.failures[id]++
		n := m.failures[id]
		m.mu.Unlock()

		m.logger.Warn("Status check failed", "jobId", id, "consecutive", n, "error", err)
		if n >= m.cfg.UnknownThreshold {
			m.observe(id, job.StatusUnknown, "backend unreachable")
		}
		return
	}

	m.mu.Lock()
	delete(m.failures, id)
	m.mu.Unlock()

	m.observe(id, status, reason)
}

// observe applies one status observation and notifies on change.
func (m *Monitor) observe(id string, status job.Status, reason string) {
	prev, changed, err := m.store.Transition(id, status, reason)
	if err != nil || !changed {
		return
	}

	m.logger.Info("Job status changed", "jobId", id, "from", prev, "to", status)
	if m.dispatcher != nil {
		if err := m.dispatcher.Dispatch(notify.NewStatusChange(id, prev, status, reason)); err != nil {
			m.logger.Warn("Notification not queued", "jobId", id, "error", err)
		}
	}

	if status.Terminal() {
		m.mu.Lock()
		delete(m.failures, id)
		m.mu.Unlock()
	}
}

// cleanupLoop retries owed native deletions and evicts old terminal
// records from the store.
func (m *Monitor) cleanupLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.retryCleanup(ctx)
			if evicted := m.store.Sweep(m.cfg.Retention); len(evicted) > 0 {
				m.logger.Info("Evicted terminal records", "count", len(evicted))
			}
		}
	}
}

func (m *Monitor) retryCleanup(ctx context.Context) {
	for _, rec := range m.store.CleanupPending(m.adapter.Type()) {
		if rec.Handle == "" {
			m.store.SetCleanupPending(rec.ID, false)
			continue
		}
		if err := m.adapter.Delete(ctx, rec.Handle); err != nil {
			m.logger.Warn("Native cleanup still failing", "jobId", rec.ID, "error", err)
			continue
		}
		m.store.SetCleanupPending(rec.ID, false)
		m.logger.Info("Native cleanup completed", "jobId", rec.ID)
	}
}

// sleepCtx waits d or until ctx is cancelled, reporting whether to continue.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
