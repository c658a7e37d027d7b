package metrics

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestCartMetricsExportsCountersGaugeAndHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewCartMetrics(reg)

	metrics.IncMutation("add", "committed")
	metrics.IncMutation("add", "committed")
	metrics.IncMutation("remove", "")
	metrics.SetQueueDepth(3)
	metrics.ObserveDrain(120 * time.Millisecond)
	metrics.IncReplayed("acked")
	metrics.IncMerge("merged")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	if got, err := fetchCounterValue(mfs, "cart_mutations_total", "outcome", "committed"); err != nil {
		t.Fatalf("fetch mutations: %v", err)
	} else if got != 2 {
		t.Fatalf("expected committed=2, got %f", got)
	}

	if got, err := fetchCounterValue(mfs, "cart_mutations_total", "outcome", "unknown"); err != nil {
		t.Fatalf("fetch normalized outcome: %v", err)
	} else if got != 1 {
		t.Fatalf("expected unknown=1, got %f", got)
	}

	if got, err := fetchCounterValue(mfs, "cart_queue_replayed_total", "result", "acked"); err != nil {
		t.Fatalf("fetch replayed: %v", err)
	} else if got != 1 {
		t.Fatalf("expected acked=1, got %f", got)
	}

	if got, err := fetchCounterValue(mfs, "cart_merges_total", "result", "merged"); err != nil {
		t.Fatalf("fetch merges: %v", err)
	} else if got != 1 {
		t.Fatalf("expected merged=1, got %f", got)
	}

	mf := findMetricFamily(mfs, "cart_queue_depth")
	if mf == nil || mf.GetMetric()[0].GetGauge().GetValue() != 3 {
		t.Fatalf("expected queue depth gauge 3")
	}

	hist := findMetricFamily(mfs, "cart_queue_drain_duration_seconds")
	if hist == nil || hist.GetMetric()[0].GetHistogram().GetSampleSum() <= 0 {
		t.Fatalf("expected drain histogram sum > 0")
	}
}

func TestNilCartMetricsAreSafe(t *testing.T) {
	var metrics *CartMetrics
	metrics.IncMutation("add", "queued")
	metrics.SetQueueDepth(1)
	metrics.ObserveDrain(time.Second)
	metrics.IncReplayed("dropped")
	metrics.IncMerge("conflict")

	unregistered := NewCartMetrics(nil)
	unregistered.IncMutation("add", "queued")
}

func fetchCounterValue(mfs []*dto.MetricFamily, name, label, value string) (float64, error) {
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		return 0, fmt.Errorf("metric %q not found", name)
	}
	for _, metric := range mf.GetMetric() {
		if matchesLabel(metric.GetLabel(), label, value) {
			return metric.GetCounter().GetValue(), nil
		}
	}
	return 0, fmt.Errorf("metric %q missing label %s=%s", name, label, value)
}

func findMetricFamily(mfs []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func matchesLabel(labels []*dto.LabelPair, name, value string) bool {
	for _, label := range labels {
		if label.GetName() == name && label.GetValue() == value {
			return true
		}
	}
	return false
}
