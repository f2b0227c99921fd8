package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestStoreMetricsCountsPerCollection(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewStoreMetrics(reg)
	m.ObserveWrite("stores", "upsert", 3, 1, 40*time.Millisecond)
	m.ObserveWrite("stores", "upsert", 2, 0, 10*time.Millisecond)
	m.ObserveWrite("", "insert", 1, 0, time.Millisecond)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	written := findMetricFamily(mfs, "pricestore_documents_written_total")
	if written == nil {
		t.Fatal("written counter missing")
	}
	if got := counterWith(written, "stores", "upsert"); got != 5 {
		t.Fatalf("expected 5 written, got %f", got)
	}
	if got := counterWith(written, "unknown", "insert"); got != 1 {
		t.Fatalf("expected empty collection label to normalize, got %f", got)
	}

	failed := findMetricFamily(mfs, "pricestore_documents_failed_total")
	if got := counterWith(failed, "stores", "upsert"); got != 1 {
		t.Fatalf("expected 1 failed, got %f", got)
	}
	if got, err := fetchHistogramSum(mfs, "pricestore_write_duration_seconds", "collection", "stores"); err != nil || got <= 0 {
		t.Fatalf("expected latency observed, got %f (%v)", got, err)
	}
}

func TestStoreMetricsNilSafe(t *testing.T) {
	var m *StoreMetrics
	m.ObserveWrite("stores", "upsert", 1, 0, time.Second)
	NewStoreMetrics(nil).ObserveWrite("stores", "upsert", 1, 0, time.Second)
}

func counterWith(mf *dto.MetricFamily, collection, op string) float64 {
	if mf == nil {
		return -1
	}
	for _, metric := range mf.GetMetric() {
		if matchesLabel(metric.GetLabel(), "collection", collection) && matchesLabel(metric.GetLabel(), "op", op) {
			return metric.GetCounter().GetValue()
		}
	}
	return -1
}
