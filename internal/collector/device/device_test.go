package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"counterflow/internal/collector/config"
	"counterflow/internal/collector/model"
)

type fakeTransport struct {
	mu      sync.Mutex
	words   []uint16
	err     error
	calls   int
	closed  bool
}

func (f *fakeTransport) ReadHolding(_ context.Context, _ int, _ int, _ time.Duration) ([]uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.words, nil
}
func (f *fakeTransport) Close() error { f.closed = true; return nil }
func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeMetrics struct{ up map[string]bool }

func newFakeMetrics() *fakeMetrics { return &fakeMetrics{up: make(map[string]bool)} }
func (m *fakeMetrics) ReadsTotal(string)                          {}
func (m *fakeMetrics) ReadFailuresTotal(string, string)           {}
func (m *fakeMetrics) ObserveReadLatency(string, time.Duration)   {}
func (m *fakeMetrics) PollSlip(string)                            {}
func (m *fakeMetrics) RateGauge(string, int, float64)             {}
func (m *fakeMetrics) DeviceUp(id string, up bool)                { m.up[id] = up }

type fakeHealth struct {
	mu   sync.Mutex
	last model.DeviceHealth
}

func (h *fakeHealth) Update(d model.DeviceHealth) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = d
}
func (h *fakeHealth) get() model.DeviceHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

type fakePublisher struct {
	mu       sync.Mutex
	readings []model.Reading
}

func (p *fakePublisher) Publish(r model.Reading) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readings = append(p.readings, r)
}
func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.readings)
}

func testDeviceConfig() config.DeviceConfig {
	return config.DeviceConfig{
		DeviceID:     "d1",
		Host:         "127.0.0.1",
		UnitID:       1,
		PollInterval: 20 * time.Millisecond,
		Channels: []config.ChannelConfig{
			{ChannelNumber: 1, RegisterCount: 1, CounterWidth: model.Width16, ScaleFactor: 1, Enabled: true},
		},
	}
}

func TestDevice_PollOnce_PublishesGoodReading(t *testing.T) {
	tr := &fakeTransport{words: []uint16{42}}
	m := newFakeMetrics()
	h := &fakeHealth{}
	pub := &fakePublisher{}

	d := New(testDeviceConfig(), config.DefaultGlobal(), tr, stubDecode, m, h, pub, nil)
	d.pollOnce(context.Background())

	if pub.count() != 1 {
		t.Fatalf("expected one published reading, got %d", pub.count())
	}
	health := h.get()
	if health.Status != model.StatusOnline {
		t.Fatalf("expected Online status after a successful poll, got %v", health.Status)
	}
	if !m.up["d1"] {
		t.Fatalf("expected DeviceUp(true) to be reported")
	}
}

func TestDevice_PollOnce_TransportError_MarksWarning(t *testing.T) {
	tr := &fakeTransport{err: model.NewFault(model.ErrTransportTimeout, errors.New("timeout"))}
	m := newFakeMetrics()
	h := &fakeHealth{}
	pub := &fakePublisher{}

	d := New(testDeviceConfig(), config.DefaultGlobal(), tr, stubDecode, m, h, pub, nil)
	d.pollOnce(context.Background())

	health := h.get()
	if health.ConsecutiveFailures != 1 {
		t.Fatalf("expected 1 consecutive failure, got %d", health.ConsecutiveFailures)
	}
	if health.Status != model.StatusWarning {
		t.Fatalf("expected Warning status (below warn threshold escalation), got %v", health.Status)
	}
	if m.up["d1"] {
		t.Fatalf("expected DeviceUp(false) after a failed poll")
	}
}

func TestDevice_ConsecutiveFailures_EscalateToOfflineStatus(t *testing.T) {
	tr := &fakeTransport{err: errors.New("boom")}
	m := newFakeMetrics()
	h := &fakeHealth{}
	pub := &fakePublisher{}
	global := config.DefaultGlobal()

	d := New(testDeviceConfig(), global, tr, stubDecode, m, h, pub, nil)
	for i := 0; i < global.OfflineThreshold; i++ {
		d.pollOnce(context.Background())
	}
	if got := h.get().Status; got != model.StatusOffline {
		t.Fatalf("expected Offline after %d consecutive failures, got %v", global.OfflineThreshold, got)
	}
}

func TestDevice_StartStop_RunsAtLeastOnePoll(t *testing.T) {
	tr := &fakeTransport{words: []uint16{1}}
	m := newFakeMetrics()
	h := &fakeHealth{}
	pub := &fakePublisher{}

	d := New(testDeviceConfig(), config.DefaultGlobal(), tr, stubDecode, m, h, pub, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go d.Start(ctx)

	deadline := time.Now().Add(time.Second)
	for tr.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	d.Stop()

	if tr.callCount() == 0 {
		t.Fatalf("expected at least one poll to have run")
	}
}

func TestBackoffDuration_CapsAtPollIntervalWithJitter(t *testing.T) {
	interval := 50 * time.Millisecond
	for n := 0; n < 10; n++ {
		d := backoffDuration(n, interval)
		// base*2^n already exceeds interval, so the capped value is interval
		// and the +/-20% jitter keeps the result within [0.8, 1.2] x interval.
		if d < interval*8/10 || d > interval*12/10 {
			t.Fatalf("backoffDuration(%d) = %v, want within [%v, %v]", n, d, interval*8/10, interval*12/10)
		}
	}
}

func TestDevice_Start_BacksOffBetweenFailedPolls(t *testing.T) {
	tr := &fakeTransport{err: errors.New("boom")}
	m := newFakeMetrics()
	h := &fakeHealth{}
	pub := &fakePublisher{}

	cfg := testDeviceConfig()
	cfg.PollInterval = 3 * time.Second // much larger than the backoff sequence below
	d := New(cfg, config.DefaultGlobal(), tr, stubDecode, m, h, pub, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go d.Start(ctx)

	// With repeated failures the loop should retry faster than the nominal
	// poll interval (it waits out backoff(n): 400ms, 800ms, 1.6s, ... not the
	// full 3s ticker period), so several polls land well before one
	// poll_interval's worth of wall time has passed.
	deadline := time.Now().Add(1500 * time.Millisecond)
	for tr.callCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	calls := tr.callCount()
	cancel()
	d.Stop()

	if calls < 3 {
		t.Fatalf("expected backoff to allow several retries well within one poll_interval, got %d calls", calls)
	}
}

func stubDecode(_ model.CounterWidth, words []uint16) (uint64, error) {
	if len(words) == 0 {
		return 0, errors.New("no words")
	}
	return uint64(words[0]), nil
}
