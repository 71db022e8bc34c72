package gatekeeper

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	xrate "golang.org/x/time/rate"
)

// notificationQueue hands security notifications to a SecurityNotifier on a
// single background worker. Enqueue never blocks: a full queue drops.
type notificationQueue struct {
	notifier SecurityNotifier
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *Metrics
	sample   *xrate.Limiter

	ch        chan SecurityNotification
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

func newNotificationQueue(cfg NotifierConfig, n SecurityNotifier, logger *slog.Logger, m *Metrics) *notificationQueue {
	if n == nil {
		return nil
	}
	q := &notificationQueue{
		notifier: n,
		timeout:  cfg.Timeout,
		logger:   logger,
		metrics:  m,
		sample:   xrate.NewLimiter(xrate.Every(time.Second), 3),
		ch:       make(chan SecurityNotification, cfg.BufferSize),
		done:     make(chan struct{}),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

func (q *notificationQueue) run() {
	defer q.wg.Done()

	for {
		select {
		case n := <-q.ch:
			q.deliver(n)
		case <-q.done:
			for {
				select {
				case n := <-q.ch:
					q.deliver(n)
				default:
					return
				}
			}
		}
	}
}

func (q *notificationQueue) deliver(n SecurityNotification) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()

	if err := q.notifier.NotifySecurityEvent(ctx, n); err != nil {
		q.metrics.Inc(MetricNotificationFailed)
		if q.sample.Allow() {
			q.logger.Warn("security notification failed",
				slog.String("type", n.Type),
				slog.String("notification_id", n.ID),
				slog.String("user_id", n.UserID),
				slog.Any("err", err),
			)
		}
	}
}

// Enqueue reports whether n was accepted.
func (q *notificationQueue) Enqueue(n SecurityNotification) bool {
	if q == nil || q.closed.Load() {
		return false
	}
	select {
	case q.ch <- n:
		q.metrics.Inc(MetricNotificationQueued)
		return true
	default:
		q.dropped.Add(1)
		q.metrics.Inc(MetricNotificationDropped)
		if q.sample.Allow() {
			q.logger.Warn("security notification queue full, dropping",
				slog.String("type", n.Type),
				slog.String("user_id", n.UserID),
			)
		}
		return false
	}
}

func (q *notificationQueue) Close() {
	if q == nil {
		return
	}
	q.closeOnce.Do(func() {
		q.closed.Store(true)
		close(q.done)
		q.wg.Wait()
	})
}

func (q *notificationQueue) Dropped() uint64 {
	if q == nil {
		return 0
	}
	return q.dropped.Load()
}
