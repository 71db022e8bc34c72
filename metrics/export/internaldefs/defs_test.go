package internaldefs

import (
	"strings"
	"testing"

	"github.com/MrEthical07/gatekeeper"
)

func TestCounterDefsUnique(t *testing.T) {
	ids := make(map[gatekeeper.MetricID]string, len(CounterDefs))
	names := make(map[string]bool, len(CounterDefs))
	for _, def := range CounterDefs {
		if prev, ok := ids[def.ID]; ok {
			t.Fatalf("metric id %d bound twice: %s and %s", def.ID, prev, def.Name)
		}
		ids[def.ID] = def.Name
		if names[def.Name] {
			t.Fatalf("duplicate metric name %s", def.Name)
		}
		names[def.Name] = true
		if !strings.HasPrefix(def.Name, "gatekeeper_") || !strings.HasSuffix(def.Name, "_total") {
			t.Fatalf("counter name %s does not follow gatekeeper_*_total", def.Name)
		}
	}
}

func TestCounterDefsCoverSnapshot(t *testing.T) {
	m := gatekeeper.NewMetrics(gatekeeper.MetricsConfig{Enabled: true})
	snap := m.Snapshot()

	bound := make(map[gatekeeper.MetricID]bool, len(CounterDefs))
	for _, def := range CounterDefs {
		bound[def.ID] = true
	}
	for id := range snap.Counters {
		if !bound[id] {
			t.Fatalf("counter %d has no exported name", id)
		}
	}
}

func TestCumulativeBuckets(t *testing.T) {
	got := CumulativeBuckets(NormalizeBuckets([]uint64{1, 2, 3}))
	want := [8]uint64{1, 3, 6, 6, 6, 6, 6, 6}
	if got != want {
		t.Fatalf("CumulativeBuckets = %v, want %v", got, want)
	}
	if len(HistogramBounds) != len(got) || len(HistogramBoundSuffix) != len(got) {
		t.Fatalf("bound tables out of step with bucket count")
	}
	if len(HistogramUpperBounds) != len(got)-1 {
		t.Fatalf("finite bounds = %d, want %d", len(HistogramUpperBounds), len(got)-1)
	}
}
