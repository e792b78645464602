// Package goble implements the peer.Transport interface on top of the
// go-ble/ble client stack. Handles resolved during discovery are mapped back
// to live ble.Characteristic objects so writes and subscriptions can be
// addressed by ATT handle alone.
package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/padlink/internal/gatt"
	"github.com/srg/padlink/internal/peer"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests).
//
//nolint:revive // exported factory variable is intentional for test mocking
var DeviceFactory = func() (ble.Device, error) {
	return newDevice()
}

// Transport drives one go-ble client as a peer.Transport.
type Transport struct {
	logger *logrus.Logger

	mu              sync.RWMutex
	client          ble.Client
	mtu             int
	servicesByStart map[uint16]*ble.Service
	charsByVHandle  map[uint16]*ble.Characteristic

	events      chan peer.LinkEvent
	monitorStop chan struct{}
}

var _ peer.Transport = (*Transport)(nil)

func NewTransport(logger *logrus.Logger) *Transport {
	return &Transport{
		logger:          logger,
		servicesByStart: make(map[uint16]*ble.Service),
		charsByVHandle:  make(map[uint16]*ble.Characteristic),
		events:          make(chan peer.LinkEvent, 4),
	}
}

// Connect dials the peripheral and negotiates the ATT MTU. The MTU exchange
// is best-effort; on failure the default 23-byte MTU stays in force.
func (t *Transport) Connect(ctx context.Context, address string) error {
	if strings.TrimSpace(address) == "" {
		return fmt.Errorf("peer address is empty")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		return fmt.Errorf("link to %s already established", address)
	}

	dev, err := DeviceFactory()
	if err != nil {
		return fmt.Errorf("failed to open BLE adapter: %w", err)
	}
	ble.SetDefaultDevice(dev)

	t.logger.WithField("address", address).Debug("Dialing peripheral")
	client, err := ble.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return fmt.Errorf("failed to connect to %q: %w", address, err)
	}

	mtu := ble.DefaultMTU
	if txMTU, err := client.ExchangeMTU(ble.MaxMTU); err != nil {
		t.logger.WithField("error", err).Warn("MTU exchange failed, staying at default")
	} else {
		mtu = txMTU
	}

	t.client = client
	t.mtu = mtu
	t.servicesByStart = make(map[uint16]*ble.Service)
	t.charsByVHandle = make(map[uint16]*ble.Characteristic)
	t.monitorStop = make(chan struct{})
	go t.monitorLink(client, t.monitorStop)

	t.logger.WithFields(logrus.Fields{
		"address": address,
		"mtu":     mtu,
	}).Info("Peripheral connected")
	return nil
}

// monitorLink forwards the client's disconnect signal as a link event.
func (t *Transport) monitorLink(client ble.Client, stop <-chan struct{}) {
	watcher, ok := client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		t.logger.Debug("Client does not expose a Disconnected() channel")
		return
	}
	select {
	case <-watcher.Disconnected():
		t.logger.Warn("Radio reported link loss")
		select {
		case t.events <- peer.LinkEvent{Kind: peer.LinkDisconnected, Reason: fmt.Errorf("radio reported disconnection")}:
		default:
		}
	case <-stop:
	}
}

// Events returns the asynchronous link event feed.
func (t *Transport) Events() <-chan peer.LinkEvent {
	return t.events
}

// MTU returns the negotiated ATT MTU for the active link.
func (t *Transport) MTU() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.mtu == 0 {
		return ble.DefaultMTU
	}
	return t.mtu
}

func (t *Transport) snapshotClient() (ble.Client, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.client == nil {
		return nil, peer.ErrNotConnected
	}
	return t.client, nil
}

func (t *Transport) lookupChar(valueHandle uint16) (ble.Client, *ble.Characteristic, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.client == nil {
		return nil, nil, peer.ErrNotConnected
	}
	char, ok := t.charsByVHandle[valueHandle]
	if !ok {
		return nil, nil, fmt.Errorf("no discovered characteristic with value handle 0x%04x", valueHandle)
	}
	return t.client, char, nil
}

// DiscoverServices enumerates primary services on the live link.
func (t *Transport) DiscoverServices(ctx context.Context) ([]gatt.ServiceInfo, error) {
	client, err := t.snapshotClient()
	if err != nil {
		return nil, err
	}

	services, err := await(ctx, func() ([]*ble.Service, error) {
		return client.DiscoverServices(nil)
	})
	if err != nil {
		return nil, fmt.Errorf("service discovery failed: %w", err)
	}

	infos := make([]gatt.ServiceInfo, 0, len(services))
	t.mu.Lock()
	for _, svc := range services {
		t.servicesByStart[svc.Handle] = svc
		infos = append(infos, gatt.ServiceInfo{
			UUID:        gatt.NormalizeUUID(svc.UUID.String()),
			StartHandle: svc.Handle,
			EndHandle:   svc.EndHandle,
		})
	}
	t.mu.Unlock()
	return infos, nil
}

// DiscoverCharacteristics enumerates the characteristics of one service,
// including descriptors so notification handles resolve.
func (t *Transport) DiscoverCharacteristics(ctx context.Context, svc gatt.ServiceInfo) ([]gatt.CharacteristicInfo, error) {
	client, err := t.snapshotClient()
	if err != nil {
		return nil, err
	}

	t.mu.RLock()
	bleSvc, ok := t.servicesByStart[svc.StartHandle]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("service %s was not discovered on this link", gatt.ShortenUUID(svc.UUID))
	}

	chars, err := await(ctx, func() ([]*ble.Characteristic, error) {
		return client.DiscoverCharacteristics(nil, bleSvc)
	})
	if err != nil {
		return nil, fmt.Errorf("characteristic discovery for %s failed: %w", gatt.ShortenUUID(svc.UUID), err)
	}

	infos := make([]gatt.CharacteristicInfo, 0, len(chars))
	for _, char := range chars {
		descriptors, err := await(ctx, func() ([]*ble.Descriptor, error) {
			return client.DiscoverDescriptors(nil, char)
		})
		if err != nil {
			// A characteristic without readable descriptors is still
			// usable for reads and writes.
			t.logger.WithFields(logrus.Fields{
				"char_uuid": char.UUID.String(),
				"error":     err,
			}).Warn("Descriptor discovery failed")
		}

		var cccd uint16
		for _, d := range descriptors {
			if gatt.NormalizeUUID(d.UUID.String()) == gatt.DescriptorCCCD {
				cccd = d.Handle
			}
		}

		t.mu.Lock()
		t.charsByVHandle[char.ValueHandle] = char
		t.mu.Unlock()

		infos = append(infos, gatt.CharacteristicInfo{
			UUID:        gatt.NormalizeUUID(char.UUID.String()),
			ValueHandle: char.ValueHandle,
			CCCDHandle:  cccd,
			Props:       convertProperties(char.Property),
		})
	}
	return infos, nil
}

// Write performs an acknowledged characteristic write.
func (t *Transport) Write(ctx context.Context, valueHandle uint16, data []byte) error {
	client, char, err := t.lookupChar(valueHandle)
	if err != nil {
		return err
	}
	return awaitErr(ctx, func() error {
		return client.WriteCharacteristic(char, data, false)
	})
}

// WriteCommand performs a write-without-response.
func (t *Transport) WriteCommand(valueHandle uint16, data []byte) error {
	client, char, err := t.lookupChar(valueHandle)
	if err != nil {
		return err
	}
	return client.WriteCharacteristic(char, data, true)
}

// Subscribe enables notifications and installs fn for the value handle. The
// client writes the CCCD itself; the handle argument is kept for transports
// that address the descriptor directly.
func (t *Transport) Subscribe(valueHandle, cccdHandle uint16, fn peer.NotifyFunc) error {
	client, char, err := t.lookupChar(valueHandle)
	if err != nil {
		return err
	}
	if char.CCCD == nil && cccdHandle != 0 {
		char.CCCD = &ble.Descriptor{Handle: cccdHandle}
	}
	return client.Subscribe(char, false, ble.NotificationHandler(fn))
}

// Unsubscribe disables notifications, trying both notify and indicate modes
// and failing only when both fail.
func (t *Transport) Unsubscribe(valueHandle uint16) error {
	client, char, err := t.lookupChar(valueHandle)
	if err != nil {
		return err
	}
	err1 := client.Unsubscribe(char, false)
	err2 := client.Unsubscribe(char, true)
	if err1 != nil && err2 != nil {
		return fmt.Errorf("unsubscribe 0x%04x: notify=%v, indicate=%v", valueHandle, err1, err2)
	}
	return nil
}

// Disconnect tears the link down. Safe to call on a dead link.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	client := t.client
	stop := t.monitorStop
	t.client = nil
	t.monitorStop = nil
	t.mtu = 0
	t.servicesByStart = make(map[uint16]*ble.Service)
	t.charsByVHandle = make(map[uint16]*ble.Characteristic)
	t.mu.Unlock()

	if client == nil {
		t.logger.Debug("Disconnect called on an idle transport")
		return nil
	}
	if stop != nil {
		close(stop)
	}

	err1 := client.ClearSubscriptions()
	err2 := client.CancelConnection()
	if err := errors.Join(err1, err2); err != nil {
		t.logger.WithField("error", err).Warn("Peripheral disconnected with errors")
		return err
	}
	t.logger.Info("Peripheral disconnected")
	return nil
}

func convertProperties(p ble.Property) gatt.Properties {
	var out gatt.Properties
	if p&ble.CharBroadcast != 0 {
		out |= gatt.PropBroadcast
	}
	if p&ble.CharRead != 0 {
		out |= gatt.PropRead
	}
	if p&ble.CharWriteNR != 0 {
		out |= gatt.PropWriteWithoutResponse
	}
	if p&ble.CharWrite != 0 {
		out |= gatt.PropWrite
	}
	if p&ble.CharNotify != 0 {
		out |= gatt.PropNotify
	}
	if p&ble.CharIndicate != 0 {
		out |= gatt.PropIndicate
	}
	if p&ble.CharSignedWrite != 0 {
		out |= gatt.PropAuthenticatedWrites
	}
	if p&ble.CharExtended != 0 {
		out |= gatt.PropExtended
	}
	return out
}

// await runs fn on its own goroutine so a blocking ATT exchange cannot pin
// the caller past its deadline. The exchange itself is not cancelled; its
// late result is discarded.
func await[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func awaitErr(ctx context.Context, fn func() error) error {
	_, err := await(ctx, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
