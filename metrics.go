package gatekeeper

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one engine counter or histogram.
type MetricID uint16

const (
	MetricLoginSuccess MetricID = iota
	MetricLoginFailure
	MetricLoginRateLimited
	MetricMFALoginRequired
	MetricMFALoginSuccess
	MetricMFALoginFailure
	MetricRefreshSuccess
	MetricRefreshFailure
	MetricRefreshReuseDetected
	MetricCSRFIssued
	MetricCSRFRejected
	MetricTOTPSuccess
	MetricTOTPFailure
	MetricTOTPReplay
	MetricBackupCodeUsed
	MetricBackupCodeFailed
	MetricBackupCodeRegenerated
	MetricMFAEnabled
	MetricMFADisabled
	MetricOTPSent
	MetricOTPCooldown
	MetricOTPVerified
	MetricOTPFailure
	MetricOTPExhausted
	MetricRateLimitHit
	MetricRateLimitDegraded
	MetricSessionCreated
	MetricSessionEvicted
	MetricSessionRejected
	MetricSessionSuspicious
	MetricSessionTerminated
	MetricLogout
	MetricLogoutAll
	MetricNotificationQueued
	MetricNotificationDropped
	MetricNotificationFailed
	MetricValidateLatency
	MetricRateCheckLatency
	metricIDCount
)

// latencyBounds are the inclusive upper edges of every histogram bucket but
// the last, which is unbounded.
var latencyBounds = [...]time.Duration{
	5 * time.Millisecond,
	10 * time.Millisecond,
	25 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
}

const histBucketCount = len(latencyBounds) + 1

// counter sits alone on its cache line so hot counters do not false-share.
type counter struct {
	atomic.Uint64
	_ [56]byte
}

type latencyHistogram struct {
	buckets [histBucketCount]atomic.Uint64
	sumNs   atomic.Int64
}

func (h *latencyHistogram) observe(d time.Duration) {
	if d < 0 {
		d = 0
	}
	h.buckets[bucketIndex(d)].Add(1)
	h.sumNs.Add(int64(d))
}

func (h *latencyHistogram) load() ([]uint64, time.Duration) {
	out := make([]uint64, histBucketCount)
	for i := range h.buckets {
		out[i] = h.buckets[i].Load()
	}
	return out, time.Duration(h.sumNs.Load())
}

// Metrics is a fixed set of lock-free counters plus two latency histograms.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]counter
	validate      latencyHistogram
	rateCheck     latencyHistogram
}

// MetricsSnapshot is a point-in-time copy. Histograms hold per-bucket
// (non-cumulative) counts; HistogramSums the total observed time.
type MetricsSnapshot struct {
	Counters      map[MetricID]uint64
	Histograms    map[MetricID][]uint64
	HistogramSums map[MetricID]time.Duration
}

func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

func (m *Metrics) Enabled() bool { return m != nil && m.enabled }

func (m *Metrics) LatencyEnabled() bool { return m != nil && m.enableLatency }

func (m *Metrics) Inc(id MetricID) {
	if !m.Enabled() || id >= metricIDCount || isLatencyMetric(id) {
		return
	}
	m.counters[id].Add(1)
}

// Observe records d for a latency ID. Counter IDs are ignored.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if !m.LatencyEnabled() {
		return
	}
	if h := m.histogram(id); h != nil {
		h.observe(d)
	}
}

func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return m.counters[id].Load()
}

func (m *Metrics) histogram(id MetricID) *latencyHistogram {
	switch id {
	case MetricValidateLatency:
		return &m.validate
	case MetricRateCheckLatency:
		return &m.rateCheck
	}
	return nil
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		Counters:      map[MetricID]uint64{},
		Histograms:    map[MetricID][]uint64{},
		HistogramSums: map[MetricID]time.Duration{},
	}
	if !m.Enabled() {
		return s
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		if !isLatencyMetric(id) {
			s.Counters[id] = m.counters[id].Load()
		}
	}
	if m.enableLatency {
		for _, id := range []MetricID{MetricValidateLatency, MetricRateCheckLatency} {
			s.Histograms[id], s.HistogramSums[id] = m.histogram(id).load()
		}
	}
	return s
}

func isLatencyMetric(id MetricID) bool {
	return id == MetricValidateLatency || id == MetricRateCheckLatency
}

// bucketIndex compares at millisecond resolution, so 5.9ms still lands in
// the 5ms bucket.
func bucketIndex(d time.Duration) int {
	d = d.Truncate(time.Millisecond)
	for i, bound := range latencyBounds {
		if d <= bound {
			return i
		}
	}
	return len(latencyBounds)
}
