// Package ringchan provides a bounded channel with overwrite-oldest
// semantics. Producers on the radio callback path must never block; when a
// consumer falls behind, the oldest element is dropped and the loss is
// counted, never silent.
package ringchan

import "sync/atomic"

// Metrics tracks ring activity with lock-free counters.
type Metrics struct {
	Written     int64
	Overwritten int64
	Processed   int64
}

// Ring wraps a buffered channel. Senders always succeed without blocking
// indefinitely; the Overwritten counter records every dropped element.
type Ring[T any] struct {
	ch      chan T
	metrics Metrics
}

// New creates a Ring with the given capacity.
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &Ring[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel. Reads via C bypass the
// Processed counter; use Receive when the counter matters.
func (r *Ring[T]) C() <-chan T {
	return r.ch
}

// Send inserts v, dropping the oldest element if the buffer is full.
// Returns the dropped element and true when an overwrite happened so the
// caller can dispose of it (pooled values need explicit release).
func (r *Ring[T]) Send(v T) (dropped T, overwrote bool) {
	select {
	case r.ch <- v:
		atomic.AddInt64(&r.metrics.Written, 1)
		return dropped, false
	default:
	}

	select {
	case dropped = <-r.ch:
		atomic.AddInt64(&r.metrics.Overwritten, 1)
		overwrote = true
	default:
		// Consumer drained it between the two selects.
	}
	r.ch <- v
	atomic.AddInt64(&r.metrics.Written, 1)
	return dropped, overwrote
}

// Receive blocks until a value is available or the ring is closed.
func (r *Ring[T]) Receive() (v T, ok bool) {
	v, ok = <-r.ch
	if ok {
		atomic.AddInt64(&r.metrics.Processed, 1)
	}
	return
}

// TryReceive performs a non-blocking receive.
func (r *Ring[T]) TryReceive() (v T, ok bool) {
	select {
	case v, ok = <-r.ch:
		if ok {
			atomic.AddInt64(&r.metrics.Processed, 1)
		}
		return
	default:
		var zero T
		return zero, false
	}
}

// Len returns the number of buffered elements.
func (r *Ring[T]) Len() int { return len(r.ch) }

// Cap returns the buffer capacity.
func (r *Ring[T]) Cap() int { return cap(r.ch) }

// Close closes the ring. Sends after Close panic.
func (r *Ring[T]) Close() { close(r.ch) }

// GetMetrics returns an atomic snapshot of the counters.
func (r *Ring[T]) GetMetrics() Metrics {
	return Metrics{
		Written:     atomic.LoadInt64(&r.metrics.Written),
		Overwritten: atomic.LoadInt64(&r.metrics.Overwritten),
		Processed:   atomic.LoadInt64(&r.metrics.Processed),
	}
}
