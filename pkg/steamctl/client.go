package steamctl

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/srg/padlink/internal/gatt"
	"github.com/srg/padlink/internal/peer"
	"github.com/srg/padlink/internal/peer/goble"
	"github.com/srg/padlink/internal/radio"
	"github.com/srg/padlink/internal/scan"
	"github.com/srg/padlink/pkg/config"
)

// SteamModeCommand switches the controller out of lizard mode into the
// high-rate report stream.
var SteamModeCommand = []byte{0xc0, 0x87, 0x03, 0x08, 0x07, 0x00}

// EventKind classifies controller events.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventButton
	EventAxis
	EventTrigger
)

// Event is one application-level controller event.
type Event struct {
	Kind EventKind

	Button  Button
	Pressed bool

	Axis  Axis
	Value float32

	// Address is set on Connected/Disconnected events.
	Address string
}

// EventFunc consumes controller events. Called from the notification
// delivery goroutine; it should not block.
type EventFunc func(Event)

// ControllerFinder locates the controller peripheral to connect to.
// *scan.Scanner is the production implementation.
type ControllerFinder interface {
	FindFirst(ctx context.Context, opts *scan.Options) (scan.Peripheral, error)
}

// Options wires the client into the surrounding stacks.
type Options struct {
	// Config supplies timeouts and buffer sizes. Nil uses defaults.
	Config *config.Config
	// Bond persists the paired controller address. Optional.
	Bond *config.BondStore
	// Radio is the BLE stack's radio client, from the coexistence manager.
	Radio *radio.Client
	// Transport overrides the platform transport. Nil builds a goble one.
	Transport peer.Transport
	// Finder overrides peripheral discovery. Nil builds a goble-backed
	// scanner.
	Finder ControllerFinder
	// Logger. Nil builds a default.
	Logger *logrus.Logger
}

// Client drives one controller session: find the peripheral, connect,
// enable steam mode, and stream decoded events until the link drops.
type Client struct {
	cfg       *config.Config
	bond      *config.BondStore
	radio     *radio.Client
	transport peer.Transport
	finder    ControllerFinder
	logger    *logrus.Logger
}

// NewClient creates a client.
func NewClient(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}
	if opts.Transport == nil {
		opts.Transport = goble.NewTransport(opts.Logger)
	}
	if opts.Finder == nil {
		opts.Finder = scan.NewScanner(opts.Logger)
	}
	return &Client{
		cfg:       opts.Config,
		bond:      opts.Bond,
		radio:     opts.Radio,
		transport: opts.Transport,
		finder:    opts.Finder,
		logger:    opts.Logger,
	}
}

// wanted lists the characteristics a session cannot run without.
func wanted() []gatt.Want {
	return []gatt.Want{
		{Service: gatt.ServiceSteamController, Characteristic: gatt.CharacteristicInputReports},
		{Service: gatt.ServiceSteamController, Characteristic: gatt.CharacteristicSteamMode},
	}
}

// Run executes one session end to end and returns when the link is lost,
// the context is cancelled, or setup fails. Reconnect policy belongs to the
// caller.
func (c *Client) Run(ctx context.Context, cb EventFunc) error {
	if cb == nil {
		return fmt.Errorf("event callback is required")
	}

	target, err := c.findController(ctx)
	if err != nil {
		return err
	}

	conn := peer.NewConnection(c.transport, c.radio, c.logger, c.connectionOptions())
	if err := conn.Connect(ctx, target.Address); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", target.Address, err)
	}
	defer func() {
		if err := conn.Disconnect(); err != nil {
			c.logger.WithField("error", err).Debug("Disconnect reported an error")
		}
	}()

	c.rememberBond(target)

	table := conn.Table()
	if table == nil {
		return fmt.Errorf("no handle table after discovery")
	}
	inputs, ok := table.Lookup(gatt.ServiceSteamController, gatt.CharacteristicInputReports)
	if !ok {
		return fmt.Errorf("input characteristic %s unresolved", gatt.ShortenUUID(gatt.CharacteristicInputReports))
	}
	mode, ok := table.Lookup(gatt.ServiceSteamController, gatt.CharacteristicSteamMode)
	if !ok {
		return fmt.Errorf("steam mode characteristic %s unresolved", gatt.ShortenUUID(gatt.CharacteristicSteamMode))
	}

	var prev *ControllerState
	if err := conn.Dispatcher().Subscribe(inputs, func(f *peer.Frame) {
		prev = c.handleFrame(f, prev, cb)
	}); err != nil {
		return err
	}

	if err := c.enableSteamMode(ctx, conn, mode); err != nil {
		return err
	}

	cb(Event{Kind: EventConnected, Address: target.Address})
	c.logger.WithFields(logrus.Fields{
		"address": target.Address,
		"mtu":     conn.MTU(),
	}).Info("Controller session established")

	err = c.awaitLinkEnd(ctx, conn)
	cb(Event{Kind: EventDisconnected, Address: target.Address})
	return err
}

func (c *Client) connectionOptions() peer.Options {
	opts := peer.DefaultOptions()
	opts.ConnectTimeout = c.cfg.Peer.ConnectTimeout.Std()
	opts.DiscoveryTimeout = c.cfg.Peer.DiscoveryTimeout.Std()
	opts.WriteTimeout = c.cfg.Peer.WriteTimeout.Std()
	opts.NotifyBuffer = c.cfg.Peer.NotifyBuffer
	opts.Wanted = wanted()
	return opts
}

// findController scans for the bonded controller, or any controller in
// pairing mode when no bond exists.
func (c *Client) findController(ctx context.Context) (scan.Peripheral, error) {
	match := scan.MatchPolicy{Name: c.cfg.Scan.PeripheralName}
	if c.bond != nil {
		match.BondedAddress = c.bond.Address()
	}
	if match.BondedAddress != "" {
		c.logger.WithField("address", match.BondedAddress).Info("Scanning for bonded controller or one in pairing mode...")
	} else {
		c.logger.Info("Scanning for a controller in pairing mode...")
	}

	target, err := c.finder.FindFirst(ctx, &scan.Options{
		Duration: c.cfg.Scan.Duration.Std(),
		Match:    match,
	})
	if err != nil {
		return scan.Peripheral{}, fmt.Errorf("controller not found: %w", err)
	}
	return target, nil
}

// rememberBond records a newly paired controller so later sessions skip
// pairing mode.
func (c *Client) rememberBond(target scan.Peripheral) {
	if c.bond == nil || c.bond.Address() != "" {
		return
	}
	if err := c.bond.Remember(target.Address, target.Name); err != nil {
		c.logger.WithFields(logrus.Fields{
			"address": target.Address,
			"error":   err,
		}).Warn("Failed to persist bond")
	}
}

func (c *Client) enableSteamMode(ctx context.Context, conn *peer.Connection, mode *gatt.Handle) error {
	token, err := conn.Writes().Enqueue(mode, SteamModeCommand)
	if err != nil {
		return fmt.Errorf("failed to enqueue steam mode command: %w", err)
	}
	if err := token.Wait(ctx); err != nil {
		return fmt.Errorf("steam mode command failed: %w", err)
	}
	c.logger.Debug("Steam mode enabled")
	return nil
}

// handleFrame decodes one notification and emits the resulting events.
// Returns the new edge-detection baseline.
func (c *Client) handleFrame(f *peer.Frame, prev *ControllerState, cb EventFunc) *ControllerState {
	if f.Flags&peer.FlagGap != 0 {
		c.logger.Debug("Notification gap: intermediate controller state skipped")
	}

	state, ok, err := Decode(f.Data, prev)
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"seq":   f.Seq,
			"bytes": len(f.Data),
			"error": err,
		}).Warn("Dropping malformed controller frame")
		return prev
	}
	if !ok {
		return prev
	}

	for _, ev := range StateEvents(state) {
		cb(ev)
	}
	if state.HasButtons {
		return state
	}
	// Keep the old baseline when the frame carried no button region.
	if prev != nil {
		return prev
	}
	return state
}

// StateEvents flattens one decoded state into per-input events: button
// edges, trigger positions and axis positions for the regions the frame
// carried.
func StateEvents(state *ControllerState) []Event {
	var events []Event

	if state.HasButtons {
		for _, b := range state.NewPresses.Buttons() {
			events = append(events, Event{Kind: EventButton, Button: b, Pressed: true, Value: 1.0})
		}
		for _, b := range state.NewReleases.Buttons() {
			events = append(events, Event{Kind: EventButton, Button: b, Pressed: false})
		}
	}
	if state.HasTriggers {
		events = append(events,
			Event{Kind: EventTrigger, Button: ButtonLeftTrigger, Value: state.TriggerValue(false)},
			Event{Kind: EventTrigger, Button: ButtonRightTrigger, Value: state.TriggerValue(true)},
		)
	}
	if state.HasStick {
		events = append(events,
			Event{Kind: EventAxis, Axis: AxisStickX, Value: state.AxisValue(AxisStickX)},
			Event{Kind: EventAxis, Axis: AxisStickY, Value: state.AxisValue(AxisStickY)},
		)
	}
	if state.HasLeftPad {
		events = append(events,
			Event{Kind: EventAxis, Axis: AxisLeftPadX, Value: state.AxisValue(AxisLeftPadX)},
			Event{Kind: EventAxis, Axis: AxisLeftPadY, Value: state.AxisValue(AxisLeftPadY)},
		)
	}
	if state.HasRightPad {
		events = append(events,
			Event{Kind: EventAxis, Axis: AxisRightPadX, Value: state.AxisValue(AxisRightPadX)},
			Event{Kind: EventAxis, Axis: AxisRightPadY, Value: state.AxisValue(AxisRightPadY)},
		)
	}
	return events
}

// awaitLinkEnd blocks until the connection faults or ctx is cancelled.
func (c *Client) awaitLinkEnd(ctx context.Context, conn *peer.Connection) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case change, ok := <-conn.Events():
			if !ok {
				return nil
			}
			if change.To == peer.StateFaulted {
				if change.Reason != nil {
					return change.Reason
				}
				return peer.ErrLinkLost
			}
			if change.To == peer.StateIdle {
				return nil
			}
		}
	}
}
