// Package health aggregates per-device and sink health signals into the
// fleet snapshot described in spec section 4.8. Grounded on the teacher's
// core.Store.ForEach read-only snapshot-iteration pattern (a sync.Map
// ranged over by a read-only callback), here aggregating DeviceHealth
// snapshots instead of VSA instances.
package health

import (
	"sync"
	"time"

	"counterflow/internal/collector/model"
)

// Snapshot is the read-only fleet-wide health record, safe to serialize and
// hand to an observer (spec section 9: pulled snapshots, not pushed
// callbacks).
type Snapshot struct {
	Overall            model.FleetStatus
	Online             int
	Warning            int
	Error              int
	Offline            int
	SinkStatus         model.SinkStatus
	AggregateSuccessRate float64
	Uptime             time.Duration
	Devices            map[string]model.DeviceHealth
}

// SinkHealth is the capability contract the aggregator needs from the sink
// (spec section 6's health() -> {Healthy, Degraded, Failed}).
type SinkHealth interface {
	Health() model.SinkStatus
}

// Aggregator owns no per-device state directly; it reads snapshots handed to
// it by each device loop's single-writer discipline (spec section 4.8).
type Aggregator struct {
	startedAt time.Time

	mu      sync.RWMutex
	devices map[string]model.DeviceHealth

	sink SinkHealth
}

// New constructs an Aggregator. sink may be nil until the sink is wired up.
func New(sink SinkHealth) *Aggregator {
	return &Aggregator{
		startedAt: time.Now(),
		devices:   make(map[string]model.DeviceHealth),
		sink:      sink,
	}
}

// SetSink wires the sink health source after construction (used by cmd
// wiring that constructs the aggregator before the sink exists).
func (a *Aggregator) SetSink(sink SinkHealth) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sink = sink
}

// Update replaces the stored snapshot for one device. Called only by that
// device's own loop (single-writer discipline, spec section 3).
func (a *Aggregator) Update(h model.DeviceHealth) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.devices[h.DeviceID] = h
}

// Snapshot computes the fleet-wide view described in spec section 4.8.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	snap := Snapshot{
		Devices: make(map[string]model.DeviceHealth, len(a.devices)),
		Uptime:  time.Since(a.startedAt),
	}
	var totalReads, totalSuccess uint64
	for id, h := range a.devices {
		snap.Devices[id] = h
		totalReads += h.TotalReads
		totalSuccess += h.SuccessfulReads
		switch h.Status {
		case model.StatusOnline:
			snap.Online++
		case model.StatusWarning:
			snap.Warning++
		case model.StatusError:
			snap.Error++
		case model.StatusOffline:
			snap.Offline++
		}
	}
	if totalReads > 0 {
		snap.AggregateSuccessRate = float64(totalSuccess) / float64(totalReads) * 100
	}

	snap.SinkStatus = model.SinkUnknown
	if a.sink != nil {
		snap.SinkStatus = a.sink.Health()
	}

	snap.Overall = overallStatus(snap)
	return snap
}

// overallStatus implements the exact thresholds from spec section 4.8.
func overallStatus(s Snapshot) model.FleetStatus {
	total := s.Online + s.Warning + s.Error + s.Offline
	if total == 0 {
		if s.SinkStatus == model.SinkHealthy || s.SinkStatus == model.SinkUnknown {
			return model.FleetHealthy
		}
		return model.FleetDegraded
	}

	sinkHealthy := s.SinkStatus == model.SinkHealthy
	anyBad := s.Error > 0 || s.Offline > 0
	if sinkHealthy && !anyBad {
		return model.FleetHealthy
	}

	badFraction := float64(s.Error+s.Offline) / float64(total)
	degradedCondition := s.SinkStatus == model.SinkDegraded || s.Warning > 0 || s.Error > 0
	if degradedCondition && badFraction < 0.5 {
		return model.FleetDegraded
	}
	return model.FleetCritical
}
