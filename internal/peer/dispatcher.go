package peer

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/padlink/internal/gatt"
	"github.com/srg/padlink/internal/ringchan"
)

// subscription carries one characteristic's notification stream from the
// radio callback to its consumer through a drop-oldest ring.
// FrameFunc consumes dispatched frames. The frame is only valid for the
// duration of the call.
type FrameFunc func(*Frame)

type subscription struct {
	handle *gatt.Handle
	ring   *ringchan.Ring[*Frame]
	fn     FrameFunc

	mu     sync.Mutex
	closed bool
	gap    atomic.Bool

	done chan struct{}
}

// Dispatcher owns notification fan-out for one link. Radio callbacks never
// block: each subscription buffers into its own ring and a dedicated
// goroutine delivers in arrival order. When a consumer falls behind the
// oldest frame is dropped, the loss is counted, and the next delivered frame
// carries FlagGap.
type Dispatcher struct {
	transport Transport
	logger    *logrus.Logger
	buffer    int

	mu   sync.Mutex
	subs map[uint16]*subscription
}

func newDispatcher(transport Transport, logger *logrus.Logger, buffer int) *Dispatcher {
	return &Dispatcher{
		transport: transport,
		logger:    logger,
		buffer:    buffer,
		subs:      make(map[uint16]*subscription),
	}
}

// Subscribe enables notifications on the characteristic and registers fn as
// its consumer. One consumer per characteristic; fn must not retain the
// frame beyond the call, it is recycled afterwards.
func (d *Dispatcher) Subscribe(handle *gatt.Handle, fn FrameFunc) error {
	if handle == nil {
		return fmt.Errorf("subscribe: nil handle")
	}
	if !handle.Props.CanNotify() && !handle.Props.CanIndicate() {
		return fmt.Errorf("characteristic %s does not support notifications", gatt.ShortenUUID(handle.UUID))
	}
	if handle.CCCDHandle == 0 {
		return fmt.Errorf("characteristic %s has no client configuration descriptor", gatt.ShortenUUID(handle.UUID))
	}
	if fn == nil {
		return fmt.Errorf("subscribe: nil callback")
	}

	d.mu.Lock()
	if _, ok := d.subs[handle.ValueHandle]; ok {
		d.mu.Unlock()
		return fmt.Errorf("characteristic %s is already subscribed", gatt.ShortenUUID(handle.UUID))
	}
	sub := &subscription{
		handle: handle,
		ring:   ringchan.New[*Frame](d.buffer),
		fn:     fn,
		done:   make(chan struct{}),
	}
	d.subs[handle.ValueHandle] = sub
	d.mu.Unlock()

	go d.deliver(sub)

	if err := d.transport.Subscribe(handle.ValueHandle, handle.CCCDHandle, func(data []byte) {
		d.ingest(sub, newFrame(data))
	}); err != nil {
		d.mu.Lock()
		delete(d.subs, handle.ValueHandle)
		d.mu.Unlock()
		d.closeSub(sub)
		return fmt.Errorf("enable notifications on %s: %w", gatt.ShortenUUID(handle.UUID), err)
	}

	d.logger.WithFields(logrus.Fields{
		"char_uuid":    handle.UUID,
		"value_handle": fmt.Sprintf("0x%04x", handle.ValueHandle),
		"buffer":       d.buffer,
	}).Debug("Notifications enabled")
	return nil
}

// ingest runs on the radio callback path and must not block.
func (d *Dispatcher) ingest(sub *subscription, f *Frame) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		releaseFrame(f)
		return
	}
	dropped, overwrote := sub.ring.Send(f)
	sub.mu.Unlock()

	if overwrote {
		sub.gap.Store(true)
		releaseFrame(dropped)
	}
}

func (d *Dispatcher) deliver(sub *subscription) {
	defer close(sub.done)
	for {
		f, ok := sub.ring.Receive()
		if !ok {
			return
		}
		if sub.gap.Swap(false) {
			f.Flags |= FlagGap
		}
		sub.fn(f)
		releaseFrame(f)
	}
}

// Unsubscribe disables notifications and tears down the consumer. Buffered
// frames are discarded; delivery has stopped by the time this returns.
func (d *Dispatcher) Unsubscribe(handle *gatt.Handle) error {
	if handle == nil {
		return fmt.Errorf("unsubscribe: nil handle")
	}
	d.mu.Lock()
	sub, ok := d.subs[handle.ValueHandle]
	if ok {
		delete(d.subs, handle.ValueHandle)
	}
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("characteristic %s is not subscribed", gatt.ShortenUUID(handle.UUID))
	}

	err := d.transport.Unsubscribe(handle.ValueHandle)
	d.closeSub(sub)
	if err != nil {
		return fmt.Errorf("disable notifications on %s: %w", gatt.ShortenUUID(handle.UUID), err)
	}
	return nil
}

// Overflow reports how many notifications have been dropped on the
// characteristic since it was subscribed.
func (d *Dispatcher) Overflow(valueHandle uint16) int64 {
	d.mu.Lock()
	sub, ok := d.subs[valueHandle]
	d.mu.Unlock()
	if !ok {
		return 0
	}
	return sub.ring.GetMetrics().Overwritten
}

// closeAll tears down every subscription without touching the transport;
// used when the link itself is already gone.
func (d *Dispatcher) closeAll() {
	d.mu.Lock()
	subs := d.subs
	d.subs = make(map[uint16]*subscription)
	d.mu.Unlock()

	for _, sub := range subs {
		d.closeSub(sub)
	}
	if len(subs) > 0 {
		d.logger.WithField("subscriptions", len(subs)).Debug("Notification subscriptions closed")
	}
}

func (d *Dispatcher) closeSub(sub *subscription) {
	sub.mu.Lock()
	if !sub.closed {
		sub.closed = true
		sub.ring.Close()
	}
	sub.mu.Unlock()
	<-sub.done
}
