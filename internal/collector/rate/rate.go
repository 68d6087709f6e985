// Package rate derives pulses/second rate-of-change from a sliding window of
// raw counter samples, per spec section 4.3. Each channel owns exactly one
// Engine; it is never shared across device loops (spec section 9's
// "arena+index keyed by (device_id, channel), never shared across workers").
package rate

import (
	"time"

	"counterflow/internal/collector/model"
)

const (
	// DefaultCapacity is the default ring size (spec section 6,
	// rate_window_samples default).
	DefaultCapacity = 10

	minRecommendedWindow = 10 * time.Second
	maxRecommendedWindow = 1800 * time.Second
)

type sample struct {
	at  time.Time
	raw uint64
}

// Engine is a fixed-capacity ring buffer of (timestamp, raw_value) samples
// for one (device_id, channel) pair. It carries no mutex: each Engine is
// owned by exactly one device loop goroutine (spec section 9's single-writer
// ownership model), so concurrent access is prevented by construction rather
// than by locking.
type Engine struct {
	width    model.CounterWidth
	capacity int
	maxAge   time.Duration // 0 disables the recency cap (spec section 9, open question 1)

	samples []sample // ring buffer
	head    int      // index of the oldest sample
	count   int      // number of valid samples currently in the ring
}

// NewEngine constructs a rate Engine for one channel. capacity defaults to
// DefaultCapacity when <= 0. maxAge, when > 0, excludes samples older than
// maxAge from the oldest/newest pick (spec section 9's rate_window_ms cap).
func NewEngine(width model.CounterWidth, capacity int, maxAge time.Duration) *Engine {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Engine{
		width:    width,
		capacity: capacity,
		maxAge:   maxAge,
		samples:  make([]sample, capacity),
	}
}

// Observe appends a new sample and returns the derived rate (nil when
// undefined) plus whether an unresolvable overflow was detected, per the
// five-step algorithm in spec section 4.3.
func (e *Engine) Observe(at time.Time, raw uint64) (rate *float64, overflow bool) {
	e.push(at, raw)

	if e.count < 2 {
		return nil, false
	}

	oldestIdx, newestIdx := e.windowBounds(at)
	if oldestIdx < 0 {
		// Recency cap excluded everything but the newest sample.
		return nil, false
	}
	oldest := e.at(oldestIdx)
	newest := e.at(newestIdx)

	dt := newest.at.Sub(oldest.at).Seconds()
	if dt <= 0 {
		return nil, false
	}

	var delta uint64
	backwards := newest.raw < oldest.raw
	if !backwards {
		delta = newest.raw - oldest.raw
	} else {
		if e.width == model.Width64 {
			// u64 wrap cannot be distinguished from a genuine backwards jump.
			return nil, true
		}
		wmax := e.width.Max()
		delta = (wmax - oldest.raw) + newest.raw + 1
	}

	r := float64(delta) / dt
	return &r, false
}

// push writes the new sample into the ring, evicting the oldest when full.
func (e *Engine) push(at time.Time, raw uint64) {
	idx := (e.head + e.count) % e.capacity
	if e.count < e.capacity {
		e.count++
	} else {
		// ring is full: the slot we write into is the current oldest, so
		// advance head to the next-oldest.
		e.head = (e.head + 1) % e.capacity
	}
	e.samples[idx] = sample{at: at, raw: raw}
}

// at returns the logical i-th sample (0 == oldest) in insertion order.
func (e *Engine) at(i int) sample {
	return e.samples[(e.head+i)%e.capacity]
}

// windowBounds returns the logical indices of the oldest and newest samples
// to use for the rate computation, honoring the recency cap if configured.
// Returns oldestIdx == -1 when the cap excludes every sample but the newest.
func (e *Engine) windowBounds(now time.Time) (oldestIdx, newestIdx int) {
	newestIdx = e.count - 1
	if e.maxAge <= 0 {
		return 0, newestIdx
	}
	cutoff := now.Add(-e.maxAge)
	for i := 0; i < e.count; i++ {
		if !e.at(i).at.Before(cutoff) {
			if i == newestIdx {
				return -1, newestIdx
			}
			return i, newestIdx
		}
	}
	return 0, newestIdx
}

// Reset clears all accumulated samples, so the next rate is derived only from
// samples observed afterwards. The device loop does not call it.
func (e *Engine) Reset() {
	e.head = 0
	e.count = 0
}

// Len reports the number of samples currently held.
func (e *Engine) Len() int { return e.count }

// RecommendWindow clamps a tuner-suggested window duration to the spec's
// bounds ([10s, 1800s], spec section 4.3).
func RecommendWindow(d time.Duration) time.Duration {
	if d < minRecommendedWindow {
		return minRecommendedWindow
	}
	if d > maxRecommendedWindow {
		return maxRecommendedWindow
	}
	return d
}
