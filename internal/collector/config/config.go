// Package config defines the validated device/channel configuration that is
// handed to the acquisition pipeline. Loading it from a file, environment,
// or flags is outside the core (spec section 1 non-goals); this package only
// validates the shape once it has been constructed by the caller.
package config

import (
	"fmt"
	"time"

	"counterflow/internal/collector/model"
)

// MinPollInterval is the floor enforced on every device's poll interval.
const MinPollInterval = 100 * time.Millisecond

// Global holds the fleet-wide defaults described in spec section 6. Per-device
// and per-channel fields override these when set.
type Global struct {
	PollInterval        time.Duration
	HealthCheckInterval time.Duration
	BatchSize           int
	FlushInterval       time.Duration
	MaxRetries          int
	RateWindowSamples   int
	WarnThreshold       int
	OfflineThreshold    int
}

// DefaultGlobal returns the documented defaults from spec section 6.
func DefaultGlobal() Global {
	return Global{
		PollInterval:        1000 * time.Millisecond,
		HealthCheckInterval: 30 * time.Second,
		BatchSize:           100,
		FlushInterval:       5 * time.Second,
		MaxRetries:          3,
		RateWindowSamples:   10,
		WarnThreshold:       3,
		OfflineThreshold:    10,
	}
}

// ChannelConfig describes a single counter channel on a device.
type ChannelConfig struct {
	ChannelNumber int
	StartRegister int
	RegisterCount int // 1, 2, or 4
	CounterWidth  model.CounterWidth
	ScaleFactor   float64 // default 1
	Offset        float64 // default 0
	Unit          string
	MinValid      *float64
	MaxValid      *float64
	Tags          map[string]string
	RateWindowMs  time.Duration // optional recency cap, see spec section 9
	Enabled       bool
}

// DeviceConfig describes one polled device and its channels.
type DeviceConfig struct {
	DeviceID     string
	Host         string
	Port         int // default 502
	UnitID       int // 1..255
	PollInterval time.Duration
	ReadTimeout  time.Duration
	MaxRetries   int
	KeepAlive    bool
	Channels     []ChannelConfig

	// RateWindowSamples overrides Global.RateWindowSamples when > 0.
	RateWindowSamples int
}

// Validate enforces the invariants from spec section 3. It mutates no state
// and is safe to call repeatedly.
func (d DeviceConfig) Validate(g Global) error {
	if d.DeviceID == "" {
		return fmt.Errorf("config: device_id must not be empty")
	}
	if d.Host == "" {
		return fmt.Errorf("config: device %s: host must not be empty", d.DeviceID)
	}
	if d.UnitID < 1 || d.UnitID > 255 {
		return fmt.Errorf("config: device %s: unit_id %d out of range [1,255]", d.DeviceID, d.UnitID)
	}
	poll := d.PollInterval
	if poll == 0 {
		poll = g.PollInterval
	}
	if poll < MinPollInterval {
		return fmt.Errorf("config: device %s: poll_interval %s below minimum %s", d.DeviceID, poll, MinPollInterval)
	}
	if len(d.Channels) == 0 {
		return fmt.Errorf("config: device %s: must declare at least one channel", d.DeviceID)
	}
	seen := make(map[int]struct{}, len(d.Channels))
	enabledCount := 0
	for _, c := range d.Channels {
		if _, dup := seen[c.ChannelNumber]; dup {
			return fmt.Errorf("config: device %s: duplicate channel_number %d", d.DeviceID, c.ChannelNumber)
		}
		seen[c.ChannelNumber] = struct{}{}
		if err := c.validate(d.DeviceID); err != nil {
			return err
		}
		if c.Enabled {
			enabledCount++
		}
	}
	if enabledCount == 0 {
		return fmt.Errorf("config: device %s: at least one channel must be enabled", d.DeviceID)
	}
	return nil
}

func (c ChannelConfig) validate(deviceID string) error {
	switch c.RegisterCount {
	case 1, 2, 4:
	default:
		return fmt.Errorf("config: device %s channel %d: register_count must be 1, 2, or 4 (got %d)", deviceID, c.ChannelNumber, c.RegisterCount)
	}
	switch c.CounterWidth {
	case model.Width16:
		if c.RegisterCount != 1 {
			return fmt.Errorf("config: device %s channel %d: u16 counter requires register_count=1", deviceID, c.ChannelNumber)
		}
	case model.Width32:
		if c.RegisterCount != 2 {
			return fmt.Errorf("config: device %s channel %d: u32 counter requires register_count=2", deviceID, c.ChannelNumber)
		}
	case model.Width64:
		if c.RegisterCount != 4 {
			return fmt.Errorf("config: device %s channel %d: u64 counter requires register_count=4", deviceID, c.ChannelNumber)
		}
	default:
		return fmt.Errorf("config: device %s channel %d: unknown counter width", deviceID, c.ChannelNumber)
	}
	if c.MinValid != nil && c.MaxValid != nil && *c.MinValid > *c.MaxValid {
		return fmt.Errorf("config: device %s channel %d: min_valid > max_valid", deviceID, c.ChannelNumber)
	}
	return nil
}

// EffectivePollInterval resolves the device's poll interval against the
// fleet default.
func (d DeviceConfig) EffectivePollInterval(g Global) time.Duration {
	if d.PollInterval > 0 {
		return d.PollInterval
	}
	return g.PollInterval
}

// EffectiveReadTimeout resolves the per-call read timeout, defaulting to
// 3s per spec section 6.
func (d DeviceConfig) EffectiveReadTimeout() time.Duration {
	if d.ReadTimeout > 0 {
		return d.ReadTimeout
	}
	return 3 * time.Second
}

// EffectiveMaxRetries resolves per-device retry cap against the fleet default.
func (d DeviceConfig) EffectiveMaxRetries(g Global) int {
	if d.MaxRetries > 0 {
		return d.MaxRetries
	}
	return g.MaxRetries
}

// EffectiveRateWindow resolves the per-device rate window sample count.
func (d DeviceConfig) EffectiveRateWindow(g Global) int {
	if d.RateWindowSamples > 0 {
		return d.RateWindowSamples
	}
	return g.RateWindowSamples
}

// WithScaleDefaults fills the ScaleFactor default (1) for a channel literal
// that left it zero-valued. Returns a copy.
func (c ChannelConfig) WithScaleDefaults() ChannelConfig {
	if c.ScaleFactor == 0 {
		c.ScaleFactor = 1
	}
	return c
}
