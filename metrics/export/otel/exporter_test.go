package otel

import (
	"context"
	"sync"
	"testing"

	"github.com/MrEthical07/gatekeeper"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type fakeSource struct {
	mu       sync.RWMutex
	snapshot gatekeeper.MetricsSnapshot
	audit    uint64
	notes    uint64
}

func (f *fakeSource) MetricsSnapshot() gatekeeper.MetricsSnapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := gatekeeper.MetricsSnapshot{
		Counters:   make(map[gatekeeper.MetricID]uint64, len(f.snapshot.Counters)),
		Histograms: make(map[gatekeeper.MetricID][]uint64, len(f.snapshot.Histograms)),
	}
	for k, v := range f.snapshot.Counters {
		out.Counters[k] = v
	}
	for k, buckets := range f.snapshot.Histograms {
		next := make([]uint64, len(buckets))
		copy(next, buckets)
		out.Histograms[k] = next
	}
	return out
}

func (f *fakeSource) AuditDropped() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.audit
}

func (f *fakeSource) NotificationsDropped() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.notes
}

func newReader() (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	reader := sdkmetric.NewManualReader()
	return reader, sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
}

func findInt64(t *testing.T, rm metricdata.ResourceMetrics, name string) (int64, bool) {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				if len(data.DataPoints) == 0 {
					return 0, false
				}
				return data.DataPoints[0].Value, true
			case metricdata.Gauge[int64]:
				if len(data.DataPoints) == 0 {
					return 0, false
				}
				return data.DataPoints[0].Value, true
			default:
				t.Fatalf("metric %s has unexpected data %T", name, m.Data)
			}
		}
	}
	return 0, false
}

func TestExporterCollectsValues(t *testing.T) {
	reader, provider := newReader()
	src := &fakeSource{
		snapshot: gatekeeper.MetricsSnapshot{
			Counters: map[gatekeeper.MetricID]uint64{
				gatekeeper.MetricLoginSuccess: 3,
				gatekeeper.MetricOTPSent:      5,
			},
			Histograms: map[gatekeeper.MetricID][]uint64{
				gatekeeper.MetricValidateLatency: {1, 1, 1, 1, 1, 1, 1, 1},
			},
		},
		audit: 1,
		notes: 4,
	}

	exp, err := NewExporterFromSource(provider.Meter("gatekeeper-test"), src)
	require.NoError(t, err)
	defer func() { require.NoError(t, exp.Close()) }()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	cases := map[string]int64{
		"gatekeeper_login_success_total":                     3,
		"gatekeeper_otp_sent_total":                          5,
		"gatekeeper_audit_dropped_total":                     1,
		"gatekeeper_notifier_queue_dropped_total":            4,
		"gatekeeper_validate_latency_seconds_bucket_le_0_01": 2,
		"gatekeeper_validate_latency_seconds_bucket_le_inf":  8,
		"gatekeeper_validate_latency_seconds_count":          8,
	}
	for name, want := range cases {
		got, ok := findInt64(t, rm, name)
		require.True(t, ok, "metric %s not collected", name)
		require.Equal(t, want, got, name)
	}

	_, ok := findInt64(t, rm, "gatekeeper_rate_check_latency_seconds_count")
	require.False(t, ok, "histogram absent from the snapshot must not be observed")
}

func TestExporterRejectsNilInputs(t *testing.T) {
	_, provider := newReader()

	_, err := NewExporterFromSource(provider.Meter("gatekeeper-test"), nil)
	require.ErrorIs(t, err, ErrNilSource)

	_, err = NewExporterFromSource(nil, &fakeSource{})
	require.ErrorIs(t, err, ErrNilMeter)

	_, err = NewExporter(provider.Meter("gatekeeper-test"), nil)
	require.ErrorIs(t, err, ErrNilSource)
}

func TestExporterCloseStopsObservation(t *testing.T) {
	reader, provider := newReader()
	src := &fakeSource{snapshot: gatekeeper.MetricsSnapshot{
		Counters: map[gatekeeper.MetricID]uint64{gatekeeper.MetricLogout: 2},
	}}

	exp, err := NewExporterFromSource(provider.Meter("gatekeeper-test"), src)
	require.NoError(t, err)
	require.NoError(t, exp.Close())

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	_, ok := findInt64(t, rm, "gatekeeper_logout_total")
	require.False(t, ok)
}

func TestExporterConcurrentCollectNoPanic(t *testing.T) {
	reader, provider := newReader()
	src := &fakeSource{
		snapshot: gatekeeper.MetricsSnapshot{
			Counters: map[gatekeeper.MetricID]uint64{
				gatekeeper.MetricLoginSuccess: 1,
			},
			Histograms: map[gatekeeper.MetricID][]uint64{
				gatekeeper.MetricValidateLatency: {1, 0, 0, 0, 0, 0, 0, 0},
			},
		},
	}

	exp, err := NewExporterFromSource(provider.Meter("gatekeeper-test"), src)
	require.NoError(t, err)
	defer func() { require.NoError(t, exp.Close()) }()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(v uint64) {
			defer wg.Done()
			src.mu.Lock()
			src.snapshot.Counters[gatekeeper.MetricLoginSuccess] = v
			src.mu.Unlock()

			var rm metricdata.ResourceMetrics
			_ = reader.Collect(context.Background(), &rm)
		}(uint64(i + 1))
	}
	wg.Wait()
}
