// Package dispatcher provides async delivery of status-change notifications
// to the workflow engine with buffering, retry and a circuit breaker.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/khurtado/reana-job-controller/internal/notify"
	"github.com/khurtado/reana-job-controller/pkg/backoff"
	"github.com/khurtado/reana-job-controller/pkg/circuitbreaker"
)

// ErrBufferFull is returned when the buffer is full and the notification is dropped.
var ErrBufferFull = errors.New("dispatcher buffer full, notification dropped")

// MetricsRecorder is an optional interface for recording dispatcher metrics.
type MetricsRecorder interface {
	RecordNotificationDelivered(ctx context.Context, durationSeconds float64)
	RecordNotificationFailed(ctx context.Context)
	RecordNotificationDropped(ctx context.Context)
	RecordNotificationQueueSize(ctx context.Context, size int64)
}

// Stats holds dispatcher statistics.
type Stats struct {
	QueueDepth   int   // current queue size
	Queued       int64 // total notifications queued
	Delivered    int64 // successful deliveries
	Failed       int64 // failed after retries
	Dropped      int64 // dropped due to full buffer or open circuit
	RetriesTotal int64 // total retry attempts
	BreakerOpen  bool  // circuit currently open
}

// Dispatcher delivers notifications to the single configured callback URL.
// A nil callback URL turns the dispatcher into a sink that counts drops,
// so the rest of the controller never needs to care whether a workflow
// engine is listening.
type Dispatcher struct {
	queue   chan *notify.StatusChange
	sender  *notify.Sender
	breaker *circuitbreaker.Breaker
	config  Config
	logger  *slog.Logger
	metrics MetricsRecorder

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// New creates a dispatcher and starts its worker pool.
func New(cfg Config, metrics MetricsRecorder) *Dispatcher {
	cfg = cfg.withDefaults()

	d := &Dispatcher{
		queue:  make(chan *notify.StatusChange, cfg.BufferSize),
		sender: notify.NewSender(cfg.HTTPTimeout),
		breaker: circuitbreaker.New(circuitbreaker.Config{
			Threshold: defaultBreakerThreshold,
			Cooldown:  defaultBreakerCooldown,
		}),
		config:   cfg,
		logger:   slog.With("component", "dispatcher"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	d.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go d.worker()
	}

	if metrics != nil {
		go d.reportQueueSize()
	}

	if cfg.CallbackURL == "" {
		d.logger.Warn("No callback URL configured, notifications will be discarded")
	} else {
		d.logger.Info("Dispatcher started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	}
	return d
}

// Dispatch queues a notification for async delivery. Non-blocking.
func (d *Dispatcher) Dispatch(sc *notify.StatusChange) error {
	if d.closed.Load() {
		return fmt.Errorf("dispatcher is closed")
	}
	if d.config.CallbackURL == "" {
		return nil
	}

	select {
	case d.queue <- sc:
		d.queued.Add(1)
		return nil
	default:
		d.dropped.Add(1)
		if d.metrics != nil {
			d.metrics.RecordNotificationDropped(context.Background())
		}
		d.logger.Warn("Notification dropped, buffer full",
			"jobId", sc.JobID, "newStatus", sc.NewStatus)
		return ErrBufferFull
	}
}

// Stats returns current dispatcher statistics.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		QueueDepth:   len(d.queue),
		Queued:       d.queued.Load(),
		Delivered:    d.delivered.Load(),
		Failed:       d.failed.Load(),
		Dropped:      d.dropped.Load(),
		RetriesTotal: d.retriesTotal.Load(),
		BreakerOpen:  d.breaker.State() == circuitbreaker.Open,
	}
}

// Close gracefully shuts down, attempting to deliver queued notifications.
// The context deadline controls how long to wait for the drain.
func (d *Dispatcher) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil // already closed
	}

	d.logger.Info("Dispatcher shutting down", "queued", len(d.queue))
	close(d.shutdown)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Dispatcher shutdown complete",
			"delivered", d.delivered.Load(),
			"failed", d.failed.Load(),
			"dropped", d.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		d.logger.Warn("Dispatcher shutdown timed out", "remaining", len(d.queue))
		return ctx.Err()
	}
}

func (d *Dispatcher) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.metrics.RecordNotificationQueueSize(context.Background(), int64(len(d.queue)))
		}
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.shutdown:
			d.drainQueue()
			return
		case sc := <-d.queue:
			d.deliver(sc)
		}
	}
}

func (d *Dispatcher) drainQueue() {
	for {
		select {
		case sc := <-d.queue:
			d.deliver(sc)
		default:
			return // queue empty
		}
	}
}

func (d *Dispatcher) deliver(sc *notify.StatusChange) {
	if !d.breaker.Allow() {
		// The engine is down; transitions are re-derivable from the store
		// so dropping is preferable to unbounded buffering.
		d.dropped.Add(1)
		if d.metrics != nil {
			d.metrics.RecordNotificationDropped(context.Background())
		}
		d.logger.Warn("Notification dropped, circuit open", "jobId", sc.JobID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	if err := d.sendWithRetry(ctx, sc); err != nil {
		d.breaker.RecordFailure()
		d.failed.Add(1)
		if d.metrics != nil {
			d.metrics.RecordNotificationFailed(ctx)
		}
		d.logger.Warn("Delivery failed", "jobId", sc.JobID, "newStatus", sc.NewStatus, "error", err)
		return
	}

	d.breaker.RecordSuccess()
	d.delivered.Add(1)
	if d.metrics != nil {
		d.metrics.RecordNotificationDelivered(ctx, time.Since(start).Seconds())
	}
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, sc *notify.StatusChange) error {
	var lastErr error
	for attempt := range defaultMaxRetries + 1 {
		if attempt > 0 {
			d.retriesTotal.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff.Exponential(attempt, nil)):
			}
		}

		lastErr = d.sender.Send(ctx, d.config.CallbackURL, sc, d.config.SigningKey)
		if lastErr == nil {
			return nil
		}
		if notify.IsClientError(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
