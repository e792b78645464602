// Package coex coordinates BLE/Wifi coexistence on a single shared radio.
// The manager owns the arbiter and the enable-state of both stacks; the
// stacks themselves only ever see their own radio.Client and cannot touch
// each other's accounting.
package coex

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/padlink/internal/radio"
)

// Mode selects which stacks may hold the radio.
type Mode int

const (
	// ModeShared time-slices the radio between both stacks under the
	// configured fairness policy.
	ModeShared Mode = iota
	// ModeBLEOnly hands the whole radio to the BLE stack; Wifi requests are
	// denied immediately.
	ModeBLEOnly
	// ModeWifiOnly hands the whole radio to the Wifi stack; BLE requests are
	// denied immediately.
	ModeWifiOnly
)

func (m Mode) String() string {
	switch m {
	case ModeShared:
		return "shared"
	case ModeBLEOnly:
		return "ble-only"
	case ModeWifiOnly:
		return "wifi-only"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Options configure the manager.
type Options struct {
	// Policy is the fairness policy used in shared mode.
	Policy radio.Policy
	// ExclusiveBudget replaces Policy.MaxBudget when only one stack is
	// enabled; a lone stack may hold the radio in much longer slices.
	ExclusiveBudget time.Duration
	// Switch toggles the physical radio path. May be nil.
	Switch radio.SwitchFunc
}

// DefaultOptions returns the coexistence defaults.
func DefaultOptions() Options {
	return Options{
		Policy:          radio.DefaultPolicy(),
		ExclusiveBudget: 2 * time.Second,
	}
}

// Manager owns the radio arbiter and exposes one bound client per stack.
type Manager struct {
	logger *logrus.Logger
	arb    *radio.Arbiter
	opts   Options

	ble  *radio.Client
	wifi *radio.Client

	mu   sync.Mutex
	mode Mode
}

// NewManager creates a manager in shared mode.
func NewManager(opts Options, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.ExclusiveBudget <= 0 {
		opts.ExclusiveBudget = DefaultOptions().ExclusiveBudget
	}
	arb := radio.NewArbiter(opts.Policy, opts.Switch, logger)
	return &Manager{
		logger: logger,
		arb:    arb,
		opts:   opts,
		ble:    radio.NewClient(arb, radio.RequesterBLE),
		wifi:   radio.NewClient(arb, radio.RequesterWifi),
		mode:   ModeShared,
	}
}

// BLEClient returns the BLE stack's radio client.
func (m *Manager) BLEClient() *radio.Client { return m.ble }

// WifiClient returns the Wifi stack's radio client.
func (m *Manager) WifiClient() *radio.Client { return m.wifi }

// Mode returns the current coexistence mode.
func (m *Manager) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Stats returns the arbiter's counters.
func (m *Manager) Stats() radio.Stats { return m.arb.Stats() }

// SetMode switches the coexistence mode. Entering a single-stack mode
// revokes the excluded stack's lease and fails its waiting requests; its
// later requests are denied until shared mode returns.
func (m *Manager) SetMode(mode Mode) {
	m.mu.Lock()
	if m.mode == mode {
		m.mu.Unlock()
		return
	}
	from := m.mode
	m.mode = mode
	m.mu.Unlock()

	switch mode {
	case ModeShared:
		m.arb.SetPolicy(m.opts.Policy)
		m.arb.SetEnabled(radio.RequesterBLE, true)
		m.arb.SetEnabled(radio.RequesterWifi, true)
	case ModeBLEOnly:
		m.arb.SetPolicy(m.exclusivePolicy())
		m.arb.SetEnabled(radio.RequesterBLE, true)
		m.arb.SetEnabled(radio.RequesterWifi, false)
	case ModeWifiOnly:
		m.arb.SetPolicy(m.exclusivePolicy())
		m.arb.SetEnabled(radio.RequesterWifi, true)
		m.arb.SetEnabled(radio.RequesterBLE, false)
	}

	m.logger.WithFields(logrus.Fields{
		"from": from.String(),
		"to":   mode.String(),
	}).Info("Coexistence mode changed")
}

// exclusivePolicy keeps the shared fairness bounds except for the slice cap:
// a lone stack may hold the radio far longer without starving anyone.
func (m *Manager) exclusivePolicy() radio.Policy {
	p := m.opts.Policy
	p.MaxBudget = m.opts.ExclusiveBudget
	return p
}
