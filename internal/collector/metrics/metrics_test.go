package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestPrometheus_ReadsTotal_Increments(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg)

	p.ReadsTotal("d1")
	p.ReadsTotal("d1")

	mf := gatherFamily(t, reg, "reads_total")
	if got := mf.Metric[0].Counter.GetValue(); got != 2 {
		t.Fatalf("expected counter value 2, got %v", got)
	}
}

func TestPrometheus_DeviceUp_SetsGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg)

	p.DeviceUp("d1", true)
	mf := gatherFamily(t, reg, "device_up")
	if got := mf.Metric[0].Gauge.GetValue(); got != 1 {
		t.Fatalf("expected 1 for up device, got %v", got)
	}

	p.DeviceUp("d1", false)
	mf = gatherFamily(t, reg, "device_up")
	if got := mf.Metric[0].Gauge.GetValue(); got != 0 {
		t.Fatalf("expected 0 for down device, got %v", got)
	}
}

func TestPrometheus_ObserveReadLatency(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg)
	p.ObserveReadLatency("d1", 50*time.Millisecond)

	mf := gatherFamily(t, reg, "read_latency_seconds")
	if mf.Metric[0].Histogram.GetSampleCount() != 1 {
		t.Fatalf("expected one histogram sample")
	}
}

func TestPrometheus_BusDroppedAndSinkDropped_AreDistinctSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg)

	p.BusDropped(3)
	p.SinkDropped(2)

	if mf := gatherFamily(t, reg, "bus_dropped_total"); mf.Metric[0].Counter.GetValue() != 3 {
		t.Fatalf("expected bus_dropped_total 3, got %v", mf.Metric[0].Counter.GetValue())
	}
	if mf := gatherFamily(t, reg, "sink_dropped_total"); mf.Metric[0].Counter.GetValue() != 2 {
		t.Fatalf("expected sink_dropped_total 2, got %v", mf.Metric[0].Counter.GetValue())
	}
}

func TestHandler_ServesGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg)
	p.ReadsTotal("d1")

	h := Handler(reg)
	if h == nil {
		t.Fatal("expected a non-nil handler")
	}
}

func gatherFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric family %q not found", name)
	return nil
}
