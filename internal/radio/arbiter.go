// Package radio arbitrates time-sliced access to the single shared radio
// between the BLE and Wifi stacks. The arbiter owns the only mutable
// "who holds the radio" fact; everything else synchronizes through leases.
package radio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Requester identifies a radio client in fairness accounting.
type Requester string

const (
	RequesterBLE  Requester = "ble"
	RequesterWifi Requester = "wifi"
)

// Lease is a time-bounded exclusive grant of the radio to one requester.
// It must be released before its budget expires; an overheld lease is
// force-revoked by the arbiter.
type Lease struct {
	owner     Requester
	grantedAt time.Time
	budget    time.Duration
	id        uint64

	arb *Arbiter
}

func (l *Lease) Owner() Requester      { return l.owner }
func (l *Lease) GrantedAt() time.Time  { return l.grantedAt }
func (l *Lease) Budget() time.Duration { return l.budget }

// Release returns the radio to the arbiter. Releasing a lease that has
// already been revoked or released is a no-op.
func (l *Lease) Release() {
	l.arb.release(l)
}

// Revoked reports whether the arbiter force-revoked this lease. Holders of
// in-flight operations are expected to tolerate revocation (the operation
// fails with a timeout at its own layer).
func (l *Lease) Revoked() bool {
	l.arb.mu.Lock()
	defer l.arb.mu.Unlock()
	return l.arb.current == nil || l.arb.current.id != l.id
}

// Policy configures fairness and bounds. All values are configuration, not
// hard-coded constants (the exact ratio between BLE and Wifi radio time is a
// deployment decision).
type Policy struct {
	// MinSlice is the minimum duration every grant holds; requested budgets
	// below it are raised to it so a waiting requester always gets a useful
	// slice per fairness cycle.
	MinSlice time.Duration
	// MaxBudget caps a single lease; requested budgets above it are clamped.
	MaxBudget time.Duration
	// MaxWait bounds how long Request blocks before returning ErrUnavailable.
	MaxWait time.Duration
}

// DefaultPolicy returns the arbitration defaults.
func DefaultPolicy() Policy {
	return Policy{
		MinSlice:  50 * time.Millisecond,
		MaxBudget: 250 * time.Millisecond,
		MaxWait:   500 * time.Millisecond,
	}
}

// SwitchFunc toggles the underlying radio mode/antenna path to the given
// owner. Calls are strictly serialized with lease transitions.
type SwitchFunc func(Requester) error

type waiter struct {
	requester Requester
	budget    time.Duration
	granted   chan *Lease
}

// Stats is a snapshot of per-requester arbitration counters.
type Stats struct {
	Grants      map[Requester]uint64
	Denials     map[Requester]uint64
	Revocations map[Requester]uint64
}

// Arbiter grants the radio to one requester at a time, round-robin under
// contention so sustained activity on one stack never starves the other.
type Arbiter struct {
	mu       sync.Mutex
	policy   Policy
	switchFn SwitchFunc
	logger   *logrus.Logger

	current   *Lease
	lastOwner Requester
	queues    map[Requester][]*waiter
	disabled  map[Requester]bool
	nextID    uint64

	grants      map[Requester]uint64
	denials     map[Requester]uint64
	revocations map[Requester]uint64

	revokeTimer *time.Timer
}

// NewArbiter creates an arbiter with the given policy. switchFn may be nil
// when no physical mode switch is needed (tests, single-antenna platforms).
func NewArbiter(policy Policy, switchFn SwitchFunc, logger *logrus.Logger) *Arbiter {
	if logger == nil {
		logger = logrus.New()
	}
	if policy.MinSlice <= 0 {
		policy.MinSlice = DefaultPolicy().MinSlice
	}
	if policy.MaxBudget < policy.MinSlice {
		policy.MaxBudget = policy.MinSlice
	}
	if policy.MaxWait <= 0 {
		policy.MaxWait = DefaultPolicy().MaxWait
	}
	return &Arbiter{
		policy:      policy,
		switchFn:    switchFn,
		logger:      logger,
		queues:      make(map[Requester][]*waiter),
		disabled:    make(map[Requester]bool),
		grants:      make(map[Requester]uint64),
		denials:     make(map[Requester]uint64),
		revocations: make(map[Requester]uint64),
	}
}

// Request blocks until the radio can be granted to the requester, up to the
// policy's wait bound or ctx cancellation, whichever comes first. A request
// that cannot be served in time returns ErrUnavailable rather than blocking
// indefinitely.
func (a *Arbiter) Request(ctx context.Context, requester Requester, budget time.Duration) (*Lease, error) {
	a.mu.Lock()
	if a.disabled[requester] {
		a.denials[requester]++
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: %s stack is disabled", ErrUnavailable, requester)
	}
	budget = a.clampBudgetLocked(budget)
	if a.current == nil && !a.mustYield(requester) {
		lease := a.grantLocked(requester, budget)
		a.mu.Unlock()
		return lease, nil
	}

	w := &waiter{requester: requester, budget: budget, granted: make(chan *Lease, 1)}
	a.queues[requester] = append(a.queues[requester], w)
	maxWait := a.policy.MaxWait
	a.mu.Unlock()

	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()

	select {
	case lease, ok := <-w.granted:
		if !ok {
			// Requester was disabled while waiting.
			return nil, fmt.Errorf("%w: %s stack is disabled", ErrUnavailable, requester)
		}
		return lease, nil
	case <-ctx.Done():
		a.abandon(w)
		a.mu.Lock()
		a.denials[requester]++
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	case <-deadline.C:
		a.abandon(w)
		a.mu.Lock()
		a.denials[requester]++
		a.mu.Unlock()
		a.logger.WithFields(logrus.Fields{
			"requester": requester,
			"max_wait":  maxWait,
		}).Warn("Radio request denied: wait bound exceeded")
		return nil, ErrUnavailable
	}
}

// Stats returns a snapshot of arbitration counters.
func (a *Arbiter) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Stats{
		Grants:      make(map[Requester]uint64, len(a.grants)),
		Denials:     make(map[Requester]uint64, len(a.denials)),
		Revocations: make(map[Requester]uint64, len(a.revocations)),
	}
	for k, v := range a.grants {
		s.Grants[k] = v
	}
	for k, v := range a.denials {
		s.Denials[k] = v
	}
	for k, v := range a.revocations {
		s.Revocations[k] = v
	}
	return s
}

// SetPolicy replaces the fairness bounds. Outstanding leases keep the budget
// they were granted under; new grants use the updated bounds.
func (a *Arbiter) SetPolicy(policy Policy) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if policy.MinSlice <= 0 {
		policy.MinSlice = DefaultPolicy().MinSlice
	}
	if policy.MaxBudget < policy.MinSlice {
		policy.MaxBudget = policy.MinSlice
	}
	if policy.MaxWait <= 0 {
		policy.MaxWait = DefaultPolicy().MaxWait
	}
	a.policy = policy
}

// SetEnabled gates one requester. Disabling fails its waiting requests
// immediately, revokes its current lease and denies new requests until it is
// enabled again.
func (a *Arbiter) SetEnabled(requester Requester, enabled bool) {
	a.mu.Lock()
	if enabled {
		delete(a.disabled, requester)
		a.mu.Unlock()
		return
	}
	a.disabled[requester] = true

	for _, w := range a.queues[requester] {
		close(w.granted)
	}
	a.queues[requester] = nil

	var revokeID uint64
	if a.current != nil && a.current.owner == requester {
		revokeID = a.current.id
	}
	a.mu.Unlock()

	if revokeID != 0 {
		a.revoke(revokeID, requester)
	}
	a.logger.WithField("requester", requester).Info("Radio requester disabled")
}

func (a *Arbiter) clampBudgetLocked(budget time.Duration) time.Duration {
	if budget < a.policy.MinSlice {
		return a.policy.MinSlice
	}
	if budget > a.policy.MaxBudget {
		return a.policy.MaxBudget
	}
	return budget
}

// mustYield reports whether an immediate grant to requester would starve a
// peer that is already waiting. Round-robin: after a requester's slice, a
// waiting peer goes first.
func (a *Arbiter) mustYield(requester Requester) bool {
	if a.lastOwner != requester {
		return false
	}
	for peer, q := range a.queues {
		if peer != requester && len(q) > 0 {
			return true
		}
	}
	return false
}

// grantLocked creates the lease, runs the mode switch and arms the
// revocation watchdog. Caller holds a.mu.
func (a *Arbiter) grantLocked(requester Requester, budget time.Duration) *Lease {
	if a.current != nil {
		// Two simultaneous leases is a programming error, not a peer-induced
		// condition.
		panic(fmt.Sprintf("radio: overlapping lease grant (held by %s, granting %s)", a.current.owner, requester))
	}

	if a.switchFn != nil && a.lastOwner != requester {
		if err := a.switchFn(requester); err != nil {
			a.logger.WithFields(logrus.Fields{
				"requester": requester,
				"error":     err,
			}).Error("Radio mode switch failed")
		}
	}

	a.nextID++
	lease := &Lease{
		owner:     requester,
		grantedAt: time.Now(),
		budget:    budget,
		id:        a.nextID,
		arb:       a,
	}
	a.current = lease
	a.lastOwner = requester
	a.grants[requester]++

	id := lease.id
	a.revokeTimer = time.AfterFunc(budget, func() { a.revoke(id, requester) })
	return lease
}

func (a *Arbiter) release(l *Lease) {
	a.mu.Lock()
	if a.current == nil || a.current.id != l.id {
		a.mu.Unlock()
		return
	}
	a.clearCurrentLocked()
	a.handoffLocked()
	a.mu.Unlock()
}

// revoke forcibly reclaims an overheld lease and hands the radio to the next
// waiter. The holder's in-flight operation must tolerate this; it will fail
// with its own timeout.
func (a *Arbiter) revoke(id uint64, owner Requester) {
	a.mu.Lock()
	if a.current == nil || a.current.id != id {
		a.mu.Unlock()
		return
	}
	held := time.Since(a.current.grantedAt)
	a.clearCurrentLocked()
	a.revocations[owner]++
	a.handoffLocked()
	a.mu.Unlock()

	a.logger.WithFields(logrus.Fields{
		"requester": owner,
		"held":      held,
	}).Warn("Radio lease force-revoked: starvation event")
}

func (a *Arbiter) clearCurrentLocked() {
	if a.revokeTimer != nil {
		a.revokeTimer.Stop()
		a.revokeTimer = nil
	}
	a.current = nil
}

// handoffLocked grants to the next waiter, preferring a requester other than
// the previous owner so contention alternates. Caller holds a.mu.
func (a *Arbiter) handoffLocked() {
	w := a.dequeueLocked()
	if w == nil {
		return
	}
	lease := a.grantLocked(w.requester, w.budget)
	w.granted <- lease
}

func (a *Arbiter) dequeueLocked() *waiter {
	// Peer of the last owner first.
	for peer, q := range a.queues {
		if peer != a.lastOwner && len(q) > 0 {
			a.queues[peer] = q[1:]
			return q[0]
		}
	}
	if q := a.queues[a.lastOwner]; len(q) > 0 {
		a.queues[a.lastOwner] = q[1:]
		return q[0]
	}
	return nil
}

// abandon removes a waiter that timed out or was cancelled. If the grant
// raced the timeout, the lease is returned to the pool immediately.
func (a *Arbiter) abandon(w *waiter) {
	a.mu.Lock()
	q := a.queues[w.requester]
	for i, cand := range q {
		if cand == w {
			a.queues[w.requester] = append(q[:i:i], q[i+1:]...)
			a.mu.Unlock()
			return
		}
	}
	a.mu.Unlock()

	// Not in the queue: a grant raced our timeout. Take it and release.
	select {
	case lease, ok := <-w.granted:
		if ok {
			lease.Release()
		}
	default:
	}
}
