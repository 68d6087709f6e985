// Package bus is the bounded multi-producer single-consumer fan-in between
// device loops and the batching sink, per spec section 4.6. Publish is
// non-blocking with drop-oldest-on-full, the same select/default idiom the
// aldas-go-modbus-client poller uses for its buffered result channel
// (IncSendSkipCount on a full channel).
package bus

import "sync/atomic"

// Bus carries readings of type T from many producers to one consumer.
type Bus[T any] struct {
	ch      chan T
	dropped atomic.Uint64
}

// New constructs a Bus with the given capacity. Spec section 4.6 sizes this
// as batch_size * 4.
func New[T any](capacity int) *Bus[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Bus[T]{ch: make(chan T, capacity)}
}

// Publish attempts a non-blocking send. On a full bus it drops the oldest
// pending item and retries once; if a concurrent consumer already drained a
// slot, the retry's non-blocking send simply succeeds without a drop. Bus
// ordering guarantees (spec section 4.6) rely on each producer calling
// Publish sequentially for its own (device_id, channel) stream — the Bus
// itself does not impose cross-producer ordering.
func (b *Bus[T]) Publish(v T) {
	select {
	case b.ch <- v:
		return
	default:
	}
	select {
	case <-b.ch:
		b.dropped.Add(1)
	default:
	}
	select {
	case b.ch <- v:
	default:
		// Lost the race to another producer; count this as a drop of the
		// item we were trying to publish rather than spin.
		b.dropped.Add(1)
	}
}

// Receive returns the channel for the sole consumer to range over.
func (b *Bus[T]) Receive() <-chan T { return b.ch }

// Dropped returns the cumulative count of readings dropped for back-pressure
// (BusDropped metric, spec section 4.9).
func (b *Bus[T]) Dropped() uint64 { return b.dropped.Load() }

// Close closes the underlying channel. Only the owner composing the bus
// should call this, after all producers have stopped.
func (b *Bus[T]) Close() { close(b.ch) }
