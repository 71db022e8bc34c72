package gatekeeper

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrEthical07/gatekeeper/internal/logx"
)

type blockingNotifier struct {
	release   chan struct{}
	delivered atomic.Int64
}

func (b *blockingNotifier) NotifySecurityEvent(ctx context.Context, _ SecurityNotification) error {
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.delivered.Add(1)
	return nil
}

type failingNotifier struct{}

func (failingNotifier) NotifySecurityEvent(context.Context, SecurityNotification) error {
	return errors.New("webhook down")
}

func TestNotificationQueueDropsWhenFull(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	n := &blockingNotifier{release: make(chan struct{})}
	q := newNotificationQueue(NotifierConfig{BufferSize: 2, Timeout: time.Second}, n, logx.Discard(), m)

	accepted := 0
	for i := 0; i < 10; i++ {
		if q.Enqueue(SecurityNotification{Type: NotificationRefreshReuse, UserID: "u1"}) {
			accepted++
		}
	}
	// the worker holds at most one, the buffer two
	if accepted > 3 || accepted < 2 {
		t.Fatalf("unexpected accepted count %d", accepted)
	}
	if q.Dropped() != uint64(10-accepted) {
		t.Fatalf("expected %d drops, got %d", 10-accepted, q.Dropped())
	}
	if m.Value(MetricNotificationDropped) != q.Dropped() {
		t.Fatal("drop metric out of sync")
	}

	close(n.release)
	q.Close()
	if got := n.delivered.Load(); got != int64(accepted) {
		t.Fatalf("expected %d delivered after drain, got %d", accepted, got)
	}
	if q.Enqueue(SecurityNotification{}) {
		t.Fatal("closed queue must refuse")
	}
}

func TestNotificationQueueCountsFailures(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	q := newNotificationQueue(NotifierConfig{BufferSize: 4, Timeout: time.Second}, failingNotifier{}, logx.Discard(), m)
	q.Enqueue(SecurityNotification{Type: NotificationRefreshReuse})
	q.Close()

	if got := m.Value(MetricNotificationFailed); got != 1 {
		t.Fatalf("expected 1 failure, got %d", got)
	}
}

func TestNilNotificationQueue(t *testing.T) {
	q := newNotificationQueue(NotifierConfig{BufferSize: 1, Timeout: time.Second}, nil, logx.Discard(), nil)
	if q != nil {
		t.Fatal("expected nil queue without a notifier")
	}
	if q.Enqueue(SecurityNotification{}) || q.Dropped() != 0 {
		t.Fatal("nil queue must be inert")
	}
	q.Close()
}
