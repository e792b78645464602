// Package scan discovers nearby peripherals and picks out the controller to
// connect to, either by bonded address or by advertised name.
package scan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cornelk/hashmap"
	blelib "github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/padlink/internal/peer/goble"
	"github.com/srg/padlink/internal/ringchan"
)

// DefaultPeripheralName is the name the controller advertises.
const DefaultPeripheralName = "SteamController"

// Peripheral is a discovered device snapshot.
type Peripheral struct {
	Address     string
	Name        string
	RSSI        int
	Connectable bool
	LastSeen    time.Time
}

// EventType marks if the device was newly discovered or updated.
type EventType int

const (
	EventNew EventType = iota
	EventUpdated
)

// Event is emitted for every matching advertisement.
type Event struct {
	Type       EventType
	Peripheral Peripheral
}

// MatchPolicy decides which peripherals count as candidates. A peripheral
// matches when its address equals the bonded address or its advertised name
// equals Name. An empty policy matches everything.
type MatchPolicy struct {
	BondedAddress string
	Name          string
}

// DefaultMatchPolicy matches the controller by its advertised name.
func DefaultMatchPolicy() MatchPolicy {
	return MatchPolicy{Name: DefaultPeripheralName}
}

// Matches applies the policy to one advertisement.
func (p MatchPolicy) Matches(address, name string) bool {
	if p.BondedAddress == "" && p.Name == "" {
		return true
	}
	if p.BondedAddress != "" && strings.EqualFold(address, p.BondedAddress) {
		return true
	}
	return p.Name != "" && name == p.Name
}

// Options configures scanning behavior.
type Options struct {
	Duration        time.Duration
	DuplicateFilter bool
	Match           MatchPolicy
}

// DefaultOptions returns default scanning options.
func DefaultOptions() *Options {
	return &Options{
		Duration:        10 * time.Second,
		DuplicateFilter: false,
		Match:           DefaultMatchPolicy(),
	}
}

// Scanner handles peripheral discovery. Matching devices are deduplicated by
// address; every sighting also lands on a drop-oldest event channel for live
// consumers.
type Scanner struct {
	devices *hashmap.Map[string, Peripheral]
	events  *ringchan.Ring[Event]
	logger  *logrus.Logger

	opts *Options
}

// NewScanner creates a scanner.
func NewScanner(logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scanner{
		events: ringchan.New[Event](100),
		logger: logger,
	}
}

// Events returns a read-only channel of device events.
func (s *Scanner) Events() <-chan Event {
	return s.events.C()
}

// Scan performs discovery for the configured duration and returns every
// matching peripheral seen.
func (s *Scanner) Scan(ctx context.Context, opts *Options) ([]Peripheral, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	s.opts = opts
	s.devices = hashmap.New[string, Peripheral]()

	dev, err := goble.DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to open BLE adapter: %w", err)
	}
	defer func() {
		if stopErr := dev.Stop(); stopErr != nil {
			s.logger.WithField("error", stopErr).Debug("Failed to stop scan device")
		}
	}()

	scanCtx := ctx
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	s.logger.WithField("duration", opts.Duration).Info("Starting scan...")
	err = dev.Scan(scanCtx, opts.DuplicateFilter, s.handleAdvertisement)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	results := s.snapshot()
	s.logger.WithField("device_count", len(results)).Info("Scan completed")
	return results, nil
}

// FindFirst scans until the first matching peripheral appears, then stops.
func (s *Scanner) FindFirst(ctx context.Context, opts *Options) (Peripheral, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if opts.Duration > 0 {
		scanCtx, cancel = context.WithTimeout(scanCtx, opts.Duration)
		defer cancel()
	}

	s.opts = opts
	s.devices = hashmap.New[string, Peripheral]()

	dev, err := goble.DeviceFactory()
	if err != nil {
		return Peripheral{}, fmt.Errorf("failed to open BLE adapter: %w", err)
	}
	defer func() {
		if stopErr := dev.Stop(); stopErr != nil {
			s.logger.WithField("error", stopErr).Debug("Failed to stop scan device")
		}
	}()

	var found Peripheral
	var ok bool
	err = dev.Scan(scanCtx, opts.DuplicateFilter, func(adv blelib.Advertisement) {
		s.handleAdvertisement(adv)
		if !ok && opts.Match.Matches(adv.Addr().String(), adv.LocalName()) {
			found = peripheralFromAdvertisement(adv)
			ok = true
			cancel()
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return Peripheral{}, fmt.Errorf("scan failed: %w", err)
	}
	if !ok {
		return Peripheral{}, fmt.Errorf("no matching peripheral found")
	}
	return found, nil
}

// handleAdvertisement updates an existing or adds a new device.
func (s *Scanner) handleAdvertisement(adv blelib.Advertisement) {
	address := adv.Addr().String()
	name := adv.LocalName()

	if !s.opts.Match.Matches(address, name) {
		return
	}

	p := peripheralFromAdvertisement(adv)
	_, existing := s.devices.Get(address)
	s.devices.Set(address, p)

	event := Event{Peripheral: p}
	if existing {
		event.Type = EventUpdated
	} else {
		s.logger.WithFields(logrus.Fields{
			"device":  p.Name,
			"address": p.Address,
			"rssi":    p.RSSI,
		}).Info("Discovered new device")
		event.Type = EventNew
	}
	s.events.Send(event)
}

func (s *Scanner) snapshot() []Peripheral {
	devs := make([]Peripheral, 0, s.devices.Len())
	s.devices.Range(func(_ string, p Peripheral) bool {
		devs = append(devs, p)
		return true
	})
	return devs
}

func peripheralFromAdvertisement(adv blelib.Advertisement) Peripheral {
	return Peripheral{
		Address:     adv.Addr().String(),
		Name:        adv.LocalName(),
		RSSI:        adv.RSSI(),
		Connectable: adv.Connectable(),
		LastSeen:    time.Now(),
	}
}
