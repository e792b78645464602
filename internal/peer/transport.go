// Package peer owns the lifecycle of one BLE link to a peripheral: the
// connection state machine, the serialized write queue and the notification
// dispatcher. The platform radio layer is consumed through the Transport
// interface as an opaque event feed.
package peer

import (
	"context"
	"fmt"

	"github.com/srg/padlink/internal/gatt"
)

// LinkEventKind classifies asynchronous link events from the platform layer.
type LinkEventKind int

const (
	LinkDisconnected LinkEventKind = iota
	LinkFailed
)

func (k LinkEventKind) String() string {
	switch k {
	case LinkDisconnected:
		return "disconnected"
	case LinkFailed:
		return "failed"
	default:
		return fmt.Sprintf("LinkEventKind(%d)", int(k))
	}
}

// LinkEvent is an asynchronous event delivered on the platform's callback
// context. It carries no payload beyond its reason; notification payloads
// travel through subscription callbacks instead.
type LinkEvent struct {
	Kind   LinkEventKind
	Reason error
}

// NotifyFunc receives raw notification bytes for a subscribed value handle.
// It is invoked on the platform radio callback context and must not block:
// implementations hand the data off to a bounded buffer and return.
type NotifyFunc func(data []byte)

// Transport abstracts the platform BLE radio layer. Implementations live in
// the goble subpackage (hardware) and testutils (fake). All blocking
// operations take a context and honor its deadline.
type Transport interface {
	gatt.Discoverer

	// Connect establishes the link to the peripheral at address.
	Connect(ctx context.Context, address string) error
	// Disconnect tears the link down. Safe to call on a dead link.
	Disconnect() error
	// MTU returns the negotiated ATT MTU for the active link.
	MTU() int

	// Write performs an acknowledged characteristic write. The link permits
	// one unacknowledged write at a time; callers serialize.
	Write(ctx context.Context, valueHandle uint16, data []byte) error
	// WriteCommand performs an unacknowledged write-without-response.
	WriteCommand(valueHandle uint16, data []byte) error

	// Subscribe enables notifications on the characteristic (writing its
	// CCCD) and installs fn as the callback for incoming frames.
	Subscribe(valueHandle, cccdHandle uint16, fn NotifyFunc) error
	// Unsubscribe disables notifications and removes the callback.
	Unsubscribe(valueHandle uint16) error

	// Events returns the asynchronous link event feed. The channel is closed
	// when the transport is torn down.
	Events() <-chan LinkEvent
}
