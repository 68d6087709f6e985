// Package sink batches processed Readings and writes them to a time-series
// store, with size/time-triggered flush, bounded exponential retry, and a
// secondary overflow buffer absorbing failures without blocking producers.
// Grounded on etalazz-vsa's core.Worker commit loop (ticker-driven periodic
// flush plus a final flush on shutdown) and its persistence.IdempotentPersister
// contract (batch writes, retry-safe by construction).
package sink

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"counterflow/internal/collector/model"
)

// TimeSeriesSink is the capability contract a concrete store adapter (for
// example tsredis.Sink) must satisfy.
type TimeSeriesSink interface {
	WriteBatch(ctx context.Context, readings []model.Reading) error
}

// PermanentError wraps a TimeSeriesSink error that retrying cannot fix
// (malformed payload, auth failure, schema mismatch). The batching sink
// drops the batch instead of retrying when it sees one.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return "sink: permanent failure: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func isPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// Metrics is the subset of metrics.Registry the sink reports to.
type Metrics interface {
	SinkBatch(result string)
	SinkRetries(n int)
	ObserveFlushLatency(d time.Duration)
	BusDropped(n uint64)
	SinkDropped(n uint64)
}

// Source supplies readings to batch (satisfied by *bus.Bus[model.Reading]).
type Source interface {
	Receive() <-chan model.Reading
	Dropped() uint64
}

// Config controls batching and retry behavior (spec section 6 defaults).
type Config struct {
	BatchSize       int
	FlushInterval   time.Duration
	MaxRetries      int
	RetryBaseDelay  time.Duration // default 1s
	RetryMaxDelay   time.Duration // default 30s
	OverflowFactor  int           // overflow buffer capacity = BatchSize * OverflowFactor, default 2
	ShutdownDeadline time.Duration // default 10s
	// FailThreshold is the number of consecutive transient flush failures
	// after which the sink reports Failed instead of Degraded (spec
	// section 4.7). Default 3.
	FailThreshold int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.OverflowFactor <= 0 {
		c.OverflowFactor = 2
	}
	if c.ShutdownDeadline <= 0 {
		c.ShutdownDeadline = 10 * time.Second
	}
	if c.FailThreshold <= 0 {
		c.FailThreshold = 3
	}
	return c
}

// BatchingSink consumes readings from a Source, accumulates them into
// batches, and flushes them to a TimeSeriesSink on size or time triggers.
type BatchingSink struct {
	cfg    Config
	store  TimeSeriesSink
	source Source
	metrics Metrics
	logger *slog.Logger

	// overflow holds readings from batches that failed after exhausting
	// retries; it is drained opportunistically on the next successful flush.
	// Bounded at BatchSize*OverflowFactor with drop-oldest, per spec
	// section 4.7.
	overflow []model.Reading

	status              atomic.Uint32
	consecutiveFailures atomic.Int32
	lastSuccessAt       atomic.Int64 // UnixNano; 0 means no successful flush yet
	lastBusDropped      uint64       // last value of source.Dropped() reported to metrics
	stopCh              chan struct{}
	doneCh              chan struct{}
}

// New constructs a BatchingSink.
func New(cfg Config, store TimeSeriesSink, source Source, m Metrics, logger *slog.Logger) *BatchingSink {
	if logger == nil {
		logger = slog.Default()
	}
	s := &BatchingSink{
		cfg:     cfg.withDefaults(),
		store:   store,
		source:  source,
		metrics: m,
		logger:  logger,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	s.status.Store(uint32(model.SinkHealthy))
	return s
}

// Health reports the sink's current health, read by the fleet aggregator.
// A status of Healthy is downgraded to Degraded if the last successful
// flush is older than 2*FlushInterval (spec section 4.7), catching the case
// where the sink has simply gone quiet rather than failed outright.
func (s *BatchingSink) Health() model.SinkStatus {
	st := model.SinkStatus(s.status.Load())
	if st != model.SinkHealthy {
		return st
	}
	last := s.lastSuccessAt.Load()
	if last == 0 {
		return st
	}
	if time.Since(time.Unix(0, last)) > 2*s.cfg.FlushInterval {
		return model.SinkDegraded
	}
	return st
}

// Run drains the source, batching and flushing, until ctx is cancelled or
// Stop is called. Intended to be run in its own goroutine.
func (s *BatchingSink) Run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]model.Reading, 0, s.cfg.BatchSize)
	ch := s.source.Receive()

	for {
		select {
		case r, ok := <-ch:
			if !ok {
				s.flush(ctx, batch)
				return
			}
			batch = append(batch, r)
			if len(batch) >= s.cfg.BatchSize {
				s.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			s.reportBusDropped()
			if len(batch) > 0 {
				s.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-s.stopCh:
			s.reportBusDropped()
			s.finalFlush(batch)
			return
		case <-ctx.Done():
			s.reportBusDropped()
			s.finalFlush(batch)
			return
		}
	}
}

// reportBusDropped polls the source's cumulative drop count and reports the
// delta since the last poll to bus_dropped_total (spec section 4.9). The bus
// itself only tracks a running total; the sink is the one long-lived reader
// in a position to sample it periodically.
func (s *BatchingSink) reportBusDropped() {
	if d := s.source.Dropped(); d > s.lastBusDropped {
		s.metrics.BusDropped(d - s.lastBusDropped)
		s.lastBusDropped = d
	}
}

// Stop requests a final, deadline-bounded flush and waits for Run to return.
func (s *BatchingSink) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	<-s.doneCh
}

// finalFlush performs the shutdown flush with a bounded deadline (spec
// section 4.7): whatever cannot be written in time is dropped, logged, and
// counted, rather than blocking shutdown indefinitely.
func (s *BatchingSink) finalFlush(batch []model.Reading) {
	all := append(s.overflow, batch...)
	if len(all) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownDeadline)
	defer cancel()
	if err := s.writeWithRetry(ctx, all); err != nil {
		s.logger.Error("final flush incomplete at shutdown", "dropped", len(all), "err", err)
		s.metrics.SinkBatch("dropped_shutdown")
	}
}

// flush writes one batch, draining the overflow buffer first when the store
// is healthy enough to accept more than the live batch.
func (s *BatchingSink) flush(ctx context.Context, batch []model.Reading) {
	if len(batch) == 0 {
		return
	}
	start := time.Now()
	combined := batch
	if len(s.overflow) > 0 {
		combined = append(append([]model.Reading{}, s.overflow...), batch...)
	}

	err := s.writeWithRetry(ctx, combined)
	s.metrics.ObserveFlushLatency(time.Since(start))

	if err == nil {
		s.overflow = s.overflow[:0]
		s.consecutiveFailures.Store(0)
		s.lastSuccessAt.Store(time.Now().UnixNano())
		s.status.Store(uint32(model.SinkHealthy))
		s.metrics.SinkBatch("ok")
		return
	}

	s.metrics.SinkBatch("failed")
	if isPermanent(err) {
		s.logger.Error("dropping batch after permanent failure", "size", len(combined), "err", err)
		s.status.Store(uint32(model.SinkFailed))
		return
	}

	if n := s.consecutiveFailures.Add(1); n >= int32(s.cfg.FailThreshold) {
		s.status.Store(uint32(model.SinkFailed))
	} else {
		s.status.Store(uint32(model.SinkDegraded))
	}
	s.overflow = appendOverflow(s.overflow, combined, s.cfg.BatchSize*s.cfg.OverflowFactor, s.metrics)
}

// writeWithRetry retries transient failures with exponential backoff capped
// at RetryMaxDelay, matching etalazz-vsa's commit-then-give-up-and-log
// pattern but with bounded retries instead of a single attempt.
func (s *BatchingSink) writeWithRetry(ctx context.Context, readings []model.Reading) error {
	delay := s.cfg.RetryBaseDelay
	var err error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		err = s.store.WriteBatch(ctx, readings)
		if err == nil {
			return nil
		}
		if isPermanent(err) {
			return err
		}
		if attempt == s.cfg.MaxRetries {
			break
		}
		s.metrics.SinkRetries(1)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		delay *= 2
		if delay > s.cfg.RetryMaxDelay {
			delay = s.cfg.RetryMaxDelay
		}
	}
	return err
}

// appendOverflow appends fresh readings to the overflow buffer, dropping the
// oldest entries when the buffer would exceed capacity (spec section 4.7).
// This is a sink-side loss distinct from bus back-pressure drops, so it is
// reported through SinkDropped rather than BusDropped.
func appendOverflow(overflow, fresh []model.Reading, capacity int, m Metrics) []model.Reading {
	overflow = append(overflow, fresh...)
	if excess := len(overflow) - capacity; excess > 0 {
		m.SinkDropped(uint64(excess))
		overflow = overflow[excess:]
	}
	return overflow
}
