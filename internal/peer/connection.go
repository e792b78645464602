package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/padlink/internal/gatt"
	"github.com/srg/padlink/internal/radio"
	"github.com/srg/padlink/internal/ringchan"
)

// State is the connection lifecycle state. Transitions follow an explicit
// validity table; an illegal transition is a programming error.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateDiscovering
	StateReady
	StateDisconnecting
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateDiscovering:
		return "discovering"
	case StateReady:
		return "ready"
	case StateDisconnecting:
		return "disconnecting"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// validTransitions is the exhaustive transition table. Faulted is reachable
// from every non-idle state; Connecting may revert to Idle when the radio
// denies the request before any link activity.
var validTransitions = map[State][]State{
	StateIdle:          {StateConnecting},
	StateConnecting:    {StateDiscovering, StateIdle, StateDisconnecting, StateFaulted},
	StateDiscovering:   {StateReady, StateDisconnecting, StateFaulted},
	StateReady:         {StateDisconnecting, StateFaulted},
	StateDisconnecting: {StateIdle, StateFaulted},
	StateFaulted:       {StateDisconnecting},
}

// StateChange is emitted on every transition for application consumption.
type StateChange struct {
	From   State
	To     State
	Reason error // nil on normal transitions
	At     time.Time
}

// Options configures one connection's timeouts and buffers. Every blocking
// phase has an explicit bound; nothing waits indefinitely.
type Options struct {
	ConnectTimeout   time.Duration
	DiscoveryTimeout time.Duration
	WriteTimeout     time.Duration
	LeaseBudget      time.Duration
	NotifyBuffer     int

	// Wanted lists the characteristics the application requires resolved
	// before the connection may enter Ready.
	Wanted []gatt.Want
	// AllowMissing accepts a partial resolution: unresolved wanted entries
	// are reported in the Ready event's reason instead of faulting.
	AllowMissing bool
}

// DefaultOptions returns connection defaults.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:   10 * time.Second,
		DiscoveryTimeout: 15 * time.Second,
		WriteTimeout:     5 * time.Second,
		LeaseBudget:      200 * time.Millisecond,
		NotifyBuffer:     64,
	}
}

// Connection owns one BLE link: its state machine, handle table, write queue
// and notification dispatcher. All radio activity flows through the bound
// radio client so Wifi coexistence accounting stays honest.
type Connection struct {
	transport Transport
	radio     *radio.Client
	engine    *gatt.Engine
	logger    *logrus.Logger
	opts      Options

	mu       sync.Mutex
	state    State
	peerAddr string
	mtu      int

	// gen counts connect attempts; Disconnect bumps it to supersede an
	// attempt still in flight, and cancelLink unblocks that attempt's
	// phases. Both are guarded by mu.
	gen        uint64
	cancelLink context.CancelFunc

	events     *ringchan.Ring[StateChange]
	writes     *WriteQueue
	dispatcher *Dispatcher

	monitorStop chan struct{}
	monitorDone chan struct{}
}

// NewConnection creates an idle connection bound to a transport and a radio
// client.
func NewConnection(transport Transport, radioClient *radio.Client, logger *logrus.Logger, opts Options) *Connection {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.NotifyBuffer <= 0 {
		opts.NotifyBuffer = DefaultOptions().NotifyBuffer
	}
	c := &Connection{
		transport: transport,
		radio:     radioClient,
		engine:    gatt.NewEngine(logger),
		logger:    logger,
		opts:      opts,
		state:     StateIdle,
		events:    ringchan.New[StateChange](16),
	}
	c.writes = newWriteQueue(transport, radioClient, logger, opts)
	c.dispatcher = newDispatcher(transport, logger, opts.NotifyBuffer)
	return c
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Events returns the state change feed. The buffer drops oldest under
// pressure; consumers needing every transition must keep up.
func (c *Connection) Events() <-chan StateChange {
	return c.events.C()
}

// Table returns the current handle table, nil before discovery or after
// disconnect.
func (c *Connection) Table() *gatt.Table {
	return c.engine.Current()
}

// MTU returns the negotiated MTU, 0 before connect.
func (c *Connection) MTU() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mtu
}

// Writes returns the connection's write queue.
func (c *Connection) Writes() *WriteQueue { return c.writes }

// Dispatcher returns the connection's notification dispatcher.
func (c *Connection) Dispatcher() *Dispatcher { return c.dispatcher }

// transitionLocked moves the state machine, emitting an event. Caller holds
// c.mu. Panics on an illegal transition: the table is authoritative.
func (c *Connection) transitionLocked(to State, reason error) {
	from := c.state
	allowed := false
	for _, s := range validTransitions[from] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		panic(fmt.Sprintf("peer: illegal state transition %s -> %s", from, to))
	}
	c.state = to

	fields := logrus.Fields{"from": from.String(), "to": to.String()}
	if reason != nil {
		fields["reason"] = reason
	}
	c.logger.WithFields(fields).Info("Connection state changed")

	if dropped, overwrote := c.events.Send(StateChange{From: from, To: to, Reason: reason, At: time.Now()}); overwrote {
		c.logger.WithFields(logrus.Fields{
			"dropped_from": dropped.From.String(),
			"dropped_to":   dropped.To.String(),
		}).Warn("State event dropped: consumer too slow")
	}
}

// errConnectAborted reports a connect attempt superseded by Disconnect
// before it could finish.
var errConnectAborted = errors.New("connect aborted: connection closed")

// Connect drives Idle -> Connecting -> Discovering -> Ready. On any failure
// the connection ends Faulted (or back in Idle when the radio denied the
// request before link activity) and the error is returned; retry policy is
// the caller's responsibility, never implicit.
//
// The mutex is taken only to move the state machine, never across a blocking
// phase, so State, MTU and Disconnect stay responsive mid-attempt. Each
// phase re-checks the attempt generation under the lock; a concurrent
// Disconnect bumps it and the stale attempt backs out without touching
// state.
func (c *Connection) Connect(ctx context.Context, address string) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return fmt.Errorf("connect: connection is %s, not idle", c.state)
	}
	c.peerAddr = address
	c.gen++
	gen := c.gen
	linkCtx, cancel := context.WithCancel(ctx)
	c.cancelLink = cancel
	c.transitionLocked(StateConnecting, nil)
	c.mu.Unlock()
	defer cancel()

	// Link establishment under a radio lease.
	lease, err := c.radio.Acquire(linkCtx, c.opts.LeaseBudget)
	if err != nil {
		return c.abandonAttempt(gen, err)
	}
	connCtx, connCancel := context.WithTimeout(linkCtx, c.opts.ConnectTimeout)
	err = c.transport.Connect(connCtx, address)
	connCancel()
	lease.Release()
	if err != nil {
		return c.failAttempt(gen, classifyPhaseError(err, connCtx, FailConnect))
	}
	mtu := c.transport.MTU()

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		// Disconnect tore down mid-attempt but the link came up anyway.
		_ = c.transport.Disconnect()
		return errConnectAborted
	}
	c.mtu = mtu
	c.transitionLocked(StateDiscovering, nil)
	c.mu.Unlock()

	// Discovery under its own lease; strictly sequential on the link.
	lease, err = c.radio.Acquire(linkCtx, c.opts.LeaseBudget)
	if err != nil {
		return c.failAttempt(gen, linkErrorf(FailDiscovery, "radio denied during discovery: %v", err))
	}
	discCtx, discCancel := context.WithTimeout(linkCtx, c.opts.DiscoveryTimeout)
	table, err := c.engine.Discover(discCtx, c.transport, c.opts.Wanted)
	discCancel()
	lease.Release()

	var readyReason error
	if err != nil {
		var incomplete *gatt.IncompleteError
		if errors.As(err, &incomplete) && c.opts.AllowMissing {
			// Caller accepted partial resolution; the unresolved set is
			// reported, not dropped.
			c.logger.WithField("missing", incomplete.Error()).Warn("Entering ready with unresolved characteristics")
			readyReason = incomplete
		} else {
			return c.failAttempt(gen, classifyPhaseError(err, discCtx, FailDiscovery))
		}
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		_ = c.transport.Disconnect()
		return errConnectAborted
	}
	c.cancelLink = nil
	c.writes.start(c.mtu)
	c.transitionLocked(StateReady, readyReason)

	c.monitorStop = make(chan struct{})
	c.monitorDone = make(chan struct{})
	go c.monitor(c.monitorStop, c.monitorDone)
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"address": address,
		"mtu":     mtu,
		"handles": table.Len(),
	}).Info("Connection ready")
	return nil
}

// abandonAttempt reverts to Idle after a radio denial that happened before
// any link activity. A superseded attempt leaves state alone.
func (c *Connection) abandonAttempt(gen uint64, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return errConnectAborted
	}
	c.cancelLink = nil
	c.transitionLocked(StateIdle, err)
	return err
}

// failAttempt faults the connection unless a concurrent Disconnect already
// superseded this attempt, in which case teardown has run and state is left
// alone.
func (c *Connection) failAttempt(gen uint64, reason *LinkError) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return errConnectAborted
	}
	c.cancelLink = nil
	return c.faultLocked(reason)
}

// classifyPhaseError folds a phase timeout into FailTimeout, everything else
// into the phase's failure kind.
func classifyPhaseError(err error, phaseCtx context.Context, kind FailureKind) *LinkError {
	if errors.Is(phaseCtx.Err(), context.DeadlineExceeded) {
		return linkErrorf(FailTimeout, "%s: %v", kind, err)
	}
	var le *LinkError
	if errors.As(err, &le) {
		return le
	}
	return &LinkError{Kind: kind, Msg: err.Error()}
}

// monitor watches the transport's asynchronous event feed for link loss.
func (c *Connection) monitor(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-c.transport.Events():
			if !ok {
				return
			}
			if ev.Kind == LinkDisconnected || ev.Kind == LinkFailed {
				c.handleLinkLost(ev)
				return
			}
		}
	}
}

func (c *Connection) handleLinkLost(ev LinkEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		return
	}
	reason := linkErrorf(FailLinkLost, "link lost: %v", ev.Reason)
	if ev.Reason == nil {
		reason = &LinkError{Kind: FailLinkLost, Msg: "peer disconnected"}
	}
	_ = c.faultLocked(reason)
}

// faultLocked transitions to Faulted, fails all pending work and tears the
// link down. Caller holds c.mu. Returns the reason for convenient
// `return c.faultLocked(...)` in Connect.
func (c *Connection) faultLocked(reason *LinkError) error {
	c.transitionLocked(StateFaulted, reason)
	c.teardownLocked(reason)
	return reason
}

// teardownLocked cancels outstanding work against the stale link: writes
// complete with failure, subscriptions close, handles drop. Caller holds c.mu.
func (c *Connection) teardownLocked(reason *LinkError) {
	c.stopMonitorLocked()
	c.dispatcher.closeAll()
	c.writes.failAll(reason)
	c.engine.Invalidate()
	if err := c.transport.Disconnect(); err != nil {
		c.logger.WithField("error", err).Debug("Transport disconnect during teardown")
	}
	c.mtu = 0
}

func (c *Connection) stopMonitorLocked() {
	if c.monitorStop == nil {
		return
	}
	close(c.monitorStop)
	c.monitorStop = nil
	// The monitor may be inside handleLinkLost waiting on c.mu; don't block
	// on it while holding the lock.
	c.monitorDone = nil
}

// Disconnect performs an orderly teardown back to Idle. A connect attempt
// still in flight is cancelled rather than waited out: its discovery stops
// immediately and the attempt reports failure to its caller. Pending writes
// complete with failure; none are silently dropped.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateIdle:
		c.logger.Info("Already disconnected")
		return nil
	case StateConnecting, StateDiscovering:
		// Supersede the in-flight attempt; its phases observe the cancelled
		// context and back out without touching state.
		c.gen++
		if c.cancelLink != nil {
			c.cancelLink()
			c.cancelLink = nil
		}
		c.transitionLocked(StateDisconnecting, nil)
		c.teardownLocked(&LinkError{Kind: FailLinkLost, Msg: "connection closed"})
		c.transitionLocked(StateIdle, nil)
		return nil
	case StateReady, StateFaulted:
		wasFaulted := c.state == StateFaulted
		c.transitionLocked(StateDisconnecting, nil)
		if !wasFaulted {
			c.teardownLocked(&LinkError{Kind: FailLinkLost, Msg: "connection closed"})
		}
		c.transitionLocked(StateIdle, nil)
		return nil
	default:
		return fmt.Errorf("disconnect: connection is %s", c.state)
	}
}
