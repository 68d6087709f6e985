package health

import (
	"testing"

	"counterflow/internal/collector/model"
)

type fakeSink struct{ status model.SinkStatus }

func (f fakeSink) Health() model.SinkStatus { return f.status }

func TestSnapshot_AllOnline_SinkHealthy_IsHealthy(t *testing.T) {
	a := New(fakeSink{status: model.SinkHealthy})
	a.Update(model.DeviceHealth{DeviceID: "d1", Status: model.StatusOnline, TotalReads: 10, SuccessfulReads: 10})
	a.Update(model.DeviceHealth{DeviceID: "d2", Status: model.StatusOnline, TotalReads: 10, SuccessfulReads: 10})

	snap := a.Snapshot()
	if snap.Overall != model.FleetHealthy {
		t.Fatalf("expected Healthy, got %v", snap.Overall)
	}
	if snap.AggregateSuccessRate != 100 {
		t.Fatalf("expected 100%% success rate, got %v", snap.AggregateSuccessRate)
	}
}

func TestSnapshot_OneWarningDevice_SinkHealthy_IsHealthy(t *testing.T) {
	a := New(fakeSink{status: model.SinkHealthy})
	a.Update(model.DeviceHealth{DeviceID: "d1", Status: model.StatusOnline, TotalReads: 10, SuccessfulReads: 10})
	a.Update(model.DeviceHealth{DeviceID: "d2", Status: model.StatusWarning, TotalReads: 10, SuccessfulReads: 5})

	snap := a.Snapshot()
	if snap.Overall != model.FleetHealthy {
		t.Fatalf("expected Healthy (sink healthy, no Error/Offline device), got %v", snap.Overall)
	}
}

func TestSnapshot_MajorityOffline_IsCritical(t *testing.T) {
	a := New(fakeSink{status: model.SinkHealthy})
	a.Update(model.DeviceHealth{DeviceID: "d1", Status: model.StatusOffline})
	a.Update(model.DeviceHealth{DeviceID: "d2", Status: model.StatusOffline})
	a.Update(model.DeviceHealth{DeviceID: "d3", Status: model.StatusOnline})

	snap := a.Snapshot()
	if snap.Overall != model.FleetCritical {
		t.Fatalf("expected Critical with 2/3 offline, got %v", snap.Overall)
	}
}

func TestSnapshot_SinkFailed_DegradesEvenWithHealthyDevices(t *testing.T) {
	a := New(fakeSink{status: model.SinkFailed})
	a.Update(model.DeviceHealth{DeviceID: "d1", Status: model.StatusOnline})

	snap := a.Snapshot()
	if snap.Overall == model.FleetHealthy {
		t.Fatalf("expected sink failure to prevent Healthy overall status")
	}
}

func TestSnapshot_NoDevicesYet_HealthyWhenSinkUnknown(t *testing.T) {
	a := New(nil)
	snap := a.Snapshot()
	if snap.Overall != model.FleetHealthy {
		t.Fatalf("expected Healthy with no devices and no sink wired, got %v", snap.Overall)
	}
}
