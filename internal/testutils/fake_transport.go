// Package testutils provides a scriptable in-memory transport for exercising
// the connection stack without radio hardware.
package testutils

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/srg/padlink/internal/gatt"
	"github.com/srg/padlink/internal/peer"
)

// RecordedWrite captures one write issued through the fake transport.
type RecordedWrite struct {
	ValueHandle uint16
	Data        []byte
	Acked       bool
}

// FakeTransport is an in-memory peer.Transport. Profiles are declared with
// the fluent builder; notifications and link loss are injected by tests.
type FakeTransport struct {
	mu        sync.Mutex
	connected bool
	address   string
	mtu       int

	services    []gatt.ServiceInfo
	chars       map[uint16][]gatt.CharacteristicInfo // keyed by service start handle
	subscribers map[uint16]peer.NotifyFunc

	writes []RecordedWrite

	events chan peer.LinkEvent

	nextHandle uint16

	// Failure injection. Each applies to every subsequent call until reset.
	ConnectErr  error
	DiscoverErr error
	WriteErr    error

	// Phase stalls, honoring the caller's context. DiscoverDelay applies to
	// service enumeration only.
	ConnectDelay  time.Duration
	DiscoverDelay time.Duration
	WriteDelay    time.Duration
}

var _ peer.Transport = (*FakeTransport)(nil)

// NewFakeTransport creates an empty fake with a 23-byte MTU.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		mtu:         23,
		chars:       make(map[uint16][]gatt.CharacteristicInfo),
		subscribers: make(map[uint16]peer.NotifyFunc),
		events:      make(chan peer.LinkEvent, 8),
		nextHandle:  0x0001,
	}
}

// WithMTU sets the MTU reported after connect.
func (f *FakeTransport) WithMTU(mtu int) *FakeTransport {
	f.mtu = mtu
	return f
}

// WithService declares a service; characteristics added afterwards attach to
// it. Handles are assigned in declaration order.
func (f *FakeTransport) WithService(uuid string) *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	start := f.nextHandle
	f.nextHandle++
	f.services = append(f.services, gatt.ServiceInfo{
		UUID:        gatt.NormalizeUUID(uuid),
		StartHandle: start,
		EndHandle:   start, // grows as characteristics attach
	})
	return f
}

// WithCharacteristic attaches a characteristic to the last declared service.
// cccd selects whether a client configuration descriptor is present.
func (f *FakeTransport) WithCharacteristic(uuid string, props gatt.Properties, cccd bool) *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.services) == 0 {
		panic("WithCharacteristic: no service declared yet, call WithService first")
	}
	svc := &f.services[len(f.services)-1]

	valueHandle := f.nextHandle
	f.nextHandle++
	var cccdHandle uint16
	if cccd {
		cccdHandle = f.nextHandle
		f.nextHandle++
	}
	svc.EndHandle = f.nextHandle - 1

	f.chars[svc.StartHandle] = append(f.chars[svc.StartHandle], gatt.CharacteristicInfo{
		UUID:        gatt.NormalizeUUID(uuid),
		ValueHandle: valueHandle,
		CCCDHandle:  cccdHandle,
		Props:       props,
	})
	return f
}

// ValueHandle returns the handle assigned to a declared characteristic.
func (f *FakeTransport) ValueHandle(uuid string) uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	norm := gatt.NormalizeUUID(uuid)
	for _, chars := range f.chars {
		for _, c := range chars {
			if c.UUID == norm {
				return c.ValueHandle
			}
		}
	}
	panic(fmt.Sprintf("ValueHandle: characteristic %s not declared", uuid))
}

// stall blocks for the configured delay, giving up early on cancellation.
func (f *FakeTransport) stall(ctx context.Context, delay time.Duration) error {
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ctx.Err()
}

func (f *FakeTransport) Connect(ctx context.Context, address string) error {
	f.mu.Lock()
	delay := f.ConnectDelay
	f.mu.Unlock()
	if err := f.stall(ctx, delay); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ConnectErr != nil {
		return f.ConnectErr
	}
	if f.connected {
		return fmt.Errorf("already connected to %s", f.address)
	}
	f.connected = true
	f.address = address
	return nil
}

func (f *FakeTransport) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.subscribers = make(map[uint16]peer.NotifyFunc)
	return nil
}

func (f *FakeTransport) MTU() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mtu
}

func (f *FakeTransport) DiscoverServices(ctx context.Context) ([]gatt.ServiceInfo, error) {
	f.mu.Lock()
	delay := f.DiscoverDelay
	f.mu.Unlock()
	if err := f.stall(ctx, delay); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DiscoverErr != nil {
		return nil, f.DiscoverErr
	}
	if !f.connected {
		return nil, peer.ErrNotConnected
	}
	return append([]gatt.ServiceInfo(nil), f.services...), nil
}

func (f *FakeTransport) DiscoverCharacteristics(ctx context.Context, svc gatt.ServiceInfo) ([]gatt.CharacteristicInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DiscoverErr != nil {
		return nil, f.DiscoverErr
	}
	if !f.connected {
		return nil, peer.ErrNotConnected
	}
	return append([]gatt.CharacteristicInfo(nil), f.chars[svc.StartHandle]...), nil
}

func (f *FakeTransport) Write(ctx context.Context, valueHandle uint16, data []byte) error {
	f.mu.Lock()
	delay := f.WriteDelay
	f.mu.Unlock()
	if err := f.stall(ctx, delay); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return peer.ErrNotConnected
	}
	if f.WriteErr != nil {
		return f.WriteErr
	}
	f.writes = append(f.writes, RecordedWrite{
		ValueHandle: valueHandle,
		Data:        append([]byte(nil), data...),
		Acked:       true,
	})
	return nil
}

func (f *FakeTransport) WriteCommand(valueHandle uint16, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return peer.ErrNotConnected
	}
	if f.WriteErr != nil {
		return f.WriteErr
	}
	f.writes = append(f.writes, RecordedWrite{
		ValueHandle: valueHandle,
		Data:        append([]byte(nil), data...),
	})
	return nil
}

func (f *FakeTransport) Subscribe(valueHandle, cccdHandle uint16, fn peer.NotifyFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return peer.ErrNotConnected
	}
	f.subscribers[valueHandle] = fn
	return nil
}

func (f *FakeTransport) Unsubscribe(valueHandle uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subscribers, valueHandle)
	return nil
}

func (f *FakeTransport) Events() <-chan peer.LinkEvent {
	return f.events
}

// Notify injects a notification as if it arrived from the radio callback.
// Returns false when nothing is subscribed to the handle.
func (f *FakeTransport) Notify(valueHandle uint16, data []byte) bool {
	f.mu.Lock()
	fn, ok := f.subscribers[valueHandle]
	f.mu.Unlock()
	if !ok {
		return false
	}
	fn(data)
	return true
}

// FailLink simulates asynchronous link loss: the transport drops its state
// and a disconnect event is delivered.
func (f *FakeTransport) FailLink(reason error) {
	f.mu.Lock()
	f.connected = false
	f.subscribers = make(map[uint16]peer.NotifyFunc)
	f.mu.Unlock()
	f.events <- peer.LinkEvent{Kind: peer.LinkDisconnected, Reason: reason}
}

// Writes returns every write recorded so far.
func (f *FakeTransport) Writes() []RecordedWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RecordedWrite(nil), f.writes...)
}

// Subscribed reports whether the handle currently has a subscriber.
func (f *FakeTransport) Subscribed(valueHandle uint16) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.subscribers[valueHandle]
	return ok
}
