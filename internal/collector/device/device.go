// Package device runs the per-device acquisition loop: one goroutine per
// device, polling every channel on its configured interval, deriving rates,
// processing readings, and publishing them to the bus. State machine and
// shutdown discipline are grounded on aldas-go-modbus-client's poller job.Start
// (ticker-driven poll loop, exponential retry backoff on failure, context
// cancellation) and etalazz-vsa's core.Worker (sync.WaitGroup plus
// atomic.CompareAndSwapUint32 stop-once guard).
package device

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"counterflow/internal/collector/config"
	"counterflow/internal/collector/model"
	"counterflow/internal/collector/process"
	"counterflow/internal/collector/rate"
)

// backoffBase is the starting delay for the Polling -> Backoff(n) -> Idle
// transition (spec section 4.5), the same base the modbus transport uses
// for its own reconnect backoff.
const backoffBase = 200 * time.Millisecond

// Transport is the capability contract a Device polls against (satisfied by
// *modbus.TCPTransport; a fake in tests).
type Transport interface {
	ReadHolding(ctx context.Context, start, count int, timeout time.Duration) ([]uint16, error)
	Close() error
}

// Decoder converts register words into a raw counter value.
type Decoder func(width model.CounterWidth, words []uint16) (uint64, error)

// Metrics is the subset of metrics.Registry a Device reports to.
type Metrics interface {
	ReadsTotal(deviceID string)
	ReadFailuresTotal(deviceID, reason string)
	ObserveReadLatency(deviceID string, d time.Duration)
	PollSlip(deviceID string)
	RateGauge(deviceID string, channel int, rate float64)
	DeviceUp(deviceID string, up bool)
}

// HealthSink receives the device's own single-writer health snapshots.
type HealthSink interface {
	Update(h model.DeviceHealth)
}

// Publisher is the bus capability contract a Device publishes readings to.
type Publisher interface {
	Publish(model.Reading)
}

// channelState is the per-channel mutable state owned exclusively by the
// Device's own goroutine (spec section 9: per-channel state is never shared
// across workers).
type channelState struct {
	cfg           config.ChannelConfig
	engine        *rate.Engine
	lastGoodValue *float64
}

// Device runs the poll loop for one configured device.
type Device struct {
	cfg    config.DeviceConfig
	global config.Global

	transport Transport
	decode    Decoder
	metrics   Metrics
	health    HealthSink
	publisher Publisher
	logger    *slog.Logger

	channels []*channelState

	stopCh  chan struct{}
	wg      sync.WaitGroup
	stopped atomic.Uint32

	// mutated only from the loop goroutine; read by snapshotHealth via a copy
	// stashed under healthMu.
	healthMu sync.Mutex
	lastHealth model.DeviceHealth
}

// New constructs a Device. decode is injected so tests can exercise the loop
// without going through the real decode package's word-count validation.
func New(cfg config.DeviceConfig, global config.Global, transport Transport, decode Decoder, m Metrics, h HealthSink, pub Publisher, logger *slog.Logger) *Device {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Device{
		cfg:       cfg,
		global:    global,
		transport: transport,
		decode:    decode,
		metrics:   m,
		health:    h,
		publisher: pub,
		logger:    logger.With("device_id", cfg.DeviceID),
		stopCh:    make(chan struct{}),
	}
	for _, c := range cfg.Channels {
		if !c.Enabled {
			continue
		}
		c = c.WithScaleDefaults()
		window := cfg.EffectiveRateWindow(global)
		d.channels = append(d.channels, &channelState{
			cfg:    c,
			engine: rate.NewEngine(c.CounterWidth, window, c.RateWindowMs),
		})
	}
	d.lastHealth = model.DeviceHealth{DeviceID: cfg.DeviceID, Status: model.StatusUnknown}
	return d
}

// Start runs the poll loop until ctx is cancelled or Stop is called,
// blocking the calling goroutine. Callers typically invoke it via `go`.
func (d *Device) Start(ctx context.Context) {
	d.wg.Add(1)
	defer d.wg.Done()

	interval := d.cfg.EffectivePollInterval(d.global)
	maxRetries := d.cfg.EffectiveMaxRetries(d.global)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.logger.Info("device loop starting", "poll_interval", interval, "channels", len(d.channels))

	for {
		pollStart := time.Now()
		d.pollOnce(ctx)
		slippage := time.Since(pollStart) - interval
		if slippage > 0 {
			d.metrics.PollSlip(d.cfg.DeviceID)
			d.logger.Warn("poll overran interval", "slip", slippage)
		}

		// Polling -> Backoff(n) -> Idle (spec section 4.5): a failed poll
		// waits out backoff(n) instead of the regular ticker cadence.
		if h := d.snapshotHealth(); h.ConsecutiveFailures > 0 {
			n := h.ConsecutiveFailures
			if n > maxRetries {
				n = maxRetries
			}
			if !d.sleep(ctx, backoffDuration(n, interval)) {
				return
			}
			ticker.Reset(interval)
			continue
		}

		select {
		case <-ticker.C:
			continue
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// sleep blocks for d or until shutdown/cancellation is observed, reporting
// false when the caller should exit instead of returning to Idle.
func (d *Device) sleep(ctx context.Context, dur time.Duration) bool {
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-d.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

// backoffDuration implements backoff(n) = min(base*2^n, poll_interval) with
// +/-20% jitter (spec section 4.5).
func backoffDuration(n int, pollInterval time.Duration) time.Duration {
	capped := min(n, 20)
	d := backoffBase << uint(capped)
	if d <= 0 || d > pollInterval {
		d = pollInterval
	}
	jitter := float64(d) * 0.2
	offset := (rand.Float64()*2 - 1) * jitter
	result := d + time.Duration(offset)
	if result < 0 {
		result = 0
	}
	return result
}

// Stop signals the loop to exit and waits for it to return. Safe to call
// more than once and safe to call before Start.
func (d *Device) Stop() {
	if !d.stopped.CompareAndSwap(0, 1) {
		d.wg.Wait()
		return
	}
	close(d.stopCh)
	if err := d.transport.Close(); err != nil {
		d.logger.Warn("error closing transport", "err", err)
	}
	d.wg.Wait()
}

// pollOnce reads every enabled channel once and publishes the derived
// readings, then updates the device's own health snapshot (spec section
// 4.5/4.8's single-writer rule).
func (d *Device) pollOnce(ctx context.Context) {
	timeout := d.cfg.EffectiveReadTimeout()
	h := d.snapshotHealth()

	anySuccess := false
	for _, ch := range d.channels {
		reading, ok := d.pollChannel(ctx, ch, timeout)
		h.TotalReads++
		if ok {
			h.SuccessfulReads++
			h.ConsecutiveFailures = 0
			h.LastSuccessAt = reading.Timestamp
			h.LastError = nil
			anySuccess = true
		} else {
			h.ConsecutiveFailures++
			h.LastError = reading.Err
		}
		h.CommunicationLatency = reading.AcquisitionDuration
		d.publisher.Publish(reading)
	}

	h.Status = statusFor(h, d.global)
	d.metrics.DeviceUp(d.cfg.DeviceID, anySuccess)
	d.setHealth(h)
	d.health.Update(h)
}

// pollChannel issues one Read Holding Registers call, decodes it, derives the
// rate, and processes the result into a published Reading. ok reports
// whether the acquisition itself succeeded (a Reading is always returned,
// even on failure, per spec section 4.4's last-good-value carry-over).
func (d *Device) pollChannel(ctx context.Context, ch *channelState, timeout time.Duration) (model.Reading, bool) {
	start := time.Now()
	d.metrics.ReadsTotal(d.cfg.DeviceID)

	words, err := d.transport.ReadHolding(ctx, ch.cfg.StartRegister, ch.cfg.RegisterCount, timeout)
	duration := time.Since(start)
	d.metrics.ObserveReadLatency(d.cfg.DeviceID, duration)

	sample := model.RawSample{
		DeviceID:            d.cfg.DeviceID,
		Channel:             ch.cfg.ChannelNumber,
		Timestamp:           start,
		AcquisitionDuration: duration,
	}

	var rateVal *float64
	var overflow bool
	if err != nil {
		sample.Err = err
		d.metrics.ReadFailuresTotal(d.cfg.DeviceID, model.KindOf(err).String())
		d.logger.Error("read failed", "channel", ch.cfg.ChannelNumber, "err", err)
	} else {
		raw, derr := d.decode(ch.cfg.CounterWidth, words)
		if derr != nil {
			sample.Err = derr
			d.metrics.ReadFailuresTotal(d.cfg.DeviceID, model.KindOf(derr).String())
		} else {
			sample.RawValue = raw
			rateVal, overflow = ch.engine.Observe(start, raw)
			if rateVal != nil {
				d.metrics.RateGauge(d.cfg.DeviceID, ch.cfg.ChannelNumber, *rateVal)
			}
		}
	}

	reading := process.Process(process.Input{
		Sample:        sample,
		Rate:          rateVal,
		RateOverflow:  overflow,
		LastGoodValue: ch.lastGoodValue,
		Channel:       ch.cfg,
		DeviceTags:    nil,
	})
	if reading.Quality == model.QualityGood || reading.Quality == model.QualityUncertain {
		ch.lastGoodValue = reading.ProcessedValue
	}
	return reading, sample.Err == nil
}

// statusFor classifies device status from consecutive failures against the
// fleet thresholds, per spec section 4.8.
func statusFor(h model.DeviceHealth, g config.Global) model.DeviceStatus {
	switch {
	case h.ConsecutiveFailures == 0:
		return model.StatusOnline
	case h.ConsecutiveFailures >= g.OfflineThreshold:
		return model.StatusOffline
	case h.ConsecutiveFailures >= g.WarnThreshold:
		return model.StatusError
	default:
		return model.StatusWarning
	}
}

func (d *Device) setHealth(h model.DeviceHealth) {
	d.healthMu.Lock()
	d.lastHealth = h
	d.healthMu.Unlock()
}

func (d *Device) snapshotHealth() model.DeviceHealth {
	d.healthMu.Lock()
	defer d.healthMu.Unlock()
	return d.lastHealth
}
