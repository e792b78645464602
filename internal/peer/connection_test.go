package peer_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/padlink/internal/gatt"
	"github.com/srg/padlink/internal/peer"
	"github.com/srg/padlink/internal/radio"
	"github.com/srg/padlink/internal/testutils"
)

const (
	svcUUID    = "fff0"
	notifyUUID = "fff1"
	writeUUID  = "fff2"
	peerAddr   = "aa:bb:cc:dd:ee:ff"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// testRadio returns a BLE radio client backed by a fresh uncontended arbiter.
func testRadio() (*radio.Arbiter, *radio.Client) {
	arb := radio.NewArbiter(radio.Policy{
		MinSlice:  time.Millisecond,
		MaxBudget: time.Second,
		MaxWait:   time.Second,
	}, nil, quietLogger())
	return arb, radio.NewClient(arb, radio.RequesterBLE)
}

// controllerFake declares the canonical test peripheral: one service with a
// notifying characteristic and a writable one.
func controllerFake() *testutils.FakeTransport {
	return testutils.NewFakeTransport().
		WithMTU(185).
		WithService(svcUUID).
		WithCharacteristic(notifyUUID, gatt.PropNotify, true).
		WithCharacteristic(writeUUID, gatt.PropWrite|gatt.PropWriteWithoutResponse, false)
}

func testOptions() peer.Options {
	opts := peer.DefaultOptions()
	opts.ConnectTimeout = time.Second
	opts.DiscoveryTimeout = time.Second
	opts.WriteTimeout = time.Second
	opts.LeaseBudget = 50 * time.Millisecond
	opts.Wanted = []gatt.Want{
		{Service: svcUUID, Characteristic: notifyUUID},
		{Service: svcUUID, Characteristic: writeUUID},
	}
	return opts
}

func drainStates(events <-chan peer.StateChange, n int, timeout time.Duration) []peer.StateChange {
	var out []peer.StateChange
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case ev := <-events:
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestConnectHappyPath(t *testing.T) {
	// GOAL: Verify the full Idle -> Connecting -> Discovering -> Ready walk
	//
	// TEST SCENARIO: Peripheral exposes everything wanted → connection ends
	// Ready with the negotiated MTU and a resolved handle table

	fake := controllerFake()
	_, radioClient := testRadio()
	conn := peer.NewConnection(fake, radioClient, quietLogger(), testOptions())

	require.Equal(t, peer.StateIdle, conn.State())
	require.NoError(t, conn.Connect(context.Background(), peerAddr), "connect MUST succeed")

	assert.Equal(t, peer.StateReady, conn.State(), "connection MUST end Ready")
	assert.Equal(t, 185, conn.MTU(), "negotiated MTU MUST be exposed")

	table := conn.Table()
	require.NotNil(t, table, "handle table MUST be published after discovery")
	h, ok := table.Lookup(svcUUID, notifyUUID)
	require.True(t, ok, "wanted characteristic MUST resolve")
	assert.Equal(t, fake.ValueHandle(notifyUUID), h.ValueHandle)

	changes := drainStates(conn.Events(), 3, time.Second)
	require.Len(t, changes, 3, "every transition MUST be observable")
	assert.Equal(t, peer.StateConnecting, changes[0].To)
	assert.Equal(t, peer.StateDiscovering, changes[1].To)
	assert.Equal(t, peer.StateReady, changes[2].To)
	assert.NoError(t, changes[2].Reason, "a clean Ready MUST carry no reason")

	require.NoError(t, conn.Disconnect())
	assert.Equal(t, peer.StateIdle, conn.State())
	assert.Nil(t, conn.Table(), "handles MUST NOT leak past disconnect")
}

func TestConnectRadioDeniedRevertsToIdle(t *testing.T) {
	// GOAL: Verify radio denial before link activity returns to Idle, not
	// Faulted
	//
	// TEST SCENARIO: BLE stack disabled at the arbiter → Connect fails with
	// ErrUnavailable and the machine is Idle, ready for a later retry

	fake := controllerFake()
	arb, radioClient := testRadio()
	arb.SetEnabled(radio.RequesterBLE, false)

	conn := peer.NewConnection(fake, radioClient, quietLogger(), testOptions())
	err := conn.Connect(context.Background(), peerAddr)
	require.ErrorIs(t, err, radio.ErrUnavailable, "denied radio MUST surface ErrUnavailable")
	assert.Equal(t, peer.StateIdle, conn.State(), "denial before link activity MUST revert to Idle")
}

func TestConnectTransportFailureFaults(t *testing.T) {
	// GOAL: Verify a failed link establishment ends Faulted with a connect
	// failure

	fake := controllerFake()
	fake.ConnectErr = fmt.Errorf("peripheral unreachable")
	_, radioClient := testRadio()

	conn := peer.NewConnection(fake, radioClient, quietLogger(), testOptions())
	err := conn.Connect(context.Background(), peerAddr)
	require.Error(t, err)
	assert.ErrorIs(t, err, peer.ErrConnectFailed, "failure kind MUST be connect_failed")
	assert.Equal(t, peer.StateFaulted, conn.State())
}

func TestConnectMissingWantedFaults(t *testing.T) {
	// GOAL: Verify unresolved wanted characteristics fault the connection by
	// default
	//
	// TEST SCENARIO: Peripheral lacks the writable characteristic → connect
	// fails with a discovery failure and the connection is Faulted

	fake := testutils.NewFakeTransport().
		WithService(svcUUID).
		WithCharacteristic(notifyUUID, gatt.PropNotify, true)
	_, radioClient := testRadio()

	conn := peer.NewConnection(fake, radioClient, quietLogger(), testOptions())
	err := conn.Connect(context.Background(), peerAddr)
	require.Error(t, err)
	assert.ErrorIs(t, err, peer.ErrDiscoveryFailed)
	assert.Equal(t, peer.StateFaulted, conn.State())
}

func TestConnectAllowMissingEntersReady(t *testing.T) {
	// GOAL: Verify AllowMissing accepts a partial resolution and reports it
	//
	// TEST SCENARIO: Same gap as above but AllowMissing set → Ready, with
	// the unresolved set carried as the Ready event's reason

	fake := testutils.NewFakeTransport().
		WithService(svcUUID).
		WithCharacteristic(notifyUUID, gatt.PropNotify, true)
	_, radioClient := testRadio()

	opts := testOptions()
	opts.AllowMissing = true
	conn := peer.NewConnection(fake, radioClient, quietLogger(), opts)
	require.NoError(t, conn.Connect(context.Background(), peerAddr), "partial resolution MUST be accepted")
	assert.Equal(t, peer.StateReady, conn.State())

	changes := drainStates(conn.Events(), 3, time.Second)
	require.Len(t, changes, 3)
	var incomplete *gatt.IncompleteError
	require.ErrorAs(t, changes[2].Reason, &incomplete, "Ready reason MUST name the unresolved characteristics")
	assert.Len(t, incomplete.Missing, 1)
}

func TestConnectRejectedWhenNotIdle(t *testing.T) {
	// GOAL: Verify Connect on a live connection is rejected

	fake := controllerFake()
	_, radioClient := testRadio()
	conn := peer.NewConnection(fake, radioClient, quietLogger(), testOptions())
	require.NoError(t, conn.Connect(context.Background(), peerAddr))

	err := conn.Connect(context.Background(), peerAddr)
	assert.Error(t, err, "a second Connect MUST be rejected while the link is live")
	assert.Equal(t, peer.StateReady, conn.State())
}

func TestLinkLossFaultsConnection(t *testing.T) {
	// GOAL: Verify asynchronous link loss drives Ready -> Faulted
	//
	// TEST SCENARIO: Peripheral drops the link after Ready → the monitor
	// observes the event, the connection faults with link_lost, and a later
	// Disconnect returns it to Idle

	fake := controllerFake()
	_, radioClient := testRadio()
	conn := peer.NewConnection(fake, radioClient, quietLogger(), testOptions())
	require.NoError(t, conn.Connect(context.Background(), peerAddr))

	fake.FailLink(fmt.Errorf("supervision timeout"))

	require.Eventually(t, func() bool {
		return conn.State() == peer.StateFaulted
	}, time.Second, 5*time.Millisecond, "link loss MUST fault the connection")

	changes := drainStates(conn.Events(), 4, time.Second)
	require.Len(t, changes, 4)
	last := changes[3]
	assert.Equal(t, peer.StateFaulted, last.To)
	assert.ErrorIs(t, last.Reason, peer.ErrLinkLost, "fault reason MUST be link_lost")

	require.NoError(t, conn.Disconnect(), "teardown from Faulted MUST succeed")
	assert.Equal(t, peer.StateIdle, conn.State())
}

func TestDisconnectWhenIdleIsNoop(t *testing.T) {
	fake := controllerFake()
	_, radioClient := testRadio()
	conn := peer.NewConnection(fake, radioClient, quietLogger(), testOptions())
	assert.NoError(t, conn.Disconnect(), "disconnecting an idle connection MUST be a no-op")
}

func TestObserversNotBlockedByInFlightConnect(t *testing.T) {
	// GOAL: Verify State and MTU never wait behind a blocking connect phase
	//
	// TEST SCENARIO: Service enumeration stalls for 400ms → observer calls
	// made mid-attempt return immediately while the machine sits in
	// Discovering

	fake := controllerFake()
	fake.DiscoverDelay = 400 * time.Millisecond
	_, radioClient := testRadio()
	conn := peer.NewConnection(fake, radioClient, quietLogger(), testOptions())

	done := make(chan error, 1)
	go func() { done <- conn.Connect(context.Background(), peerAddr) }()

	require.Eventually(t, func() bool {
		return conn.State() == peer.StateDiscovering
	}, time.Second, time.Millisecond, "the machine MUST be observable mid-attempt")

	start := time.Now()
	_ = conn.State()
	_ = conn.MTU()
	assert.Less(t, time.Since(start), 50*time.Millisecond, "observers MUST NOT wait out the discovery phase")

	require.NoError(t, <-done)
	assert.Equal(t, peer.StateReady, conn.State())
}

func TestDisconnectCancelsInFlightDiscovery(t *testing.T) {
	// GOAL: Verify teardown cancels a running discovery instead of waiting
	// it out
	//
	// TEST SCENARIO: Service enumeration stalls for a second → Disconnect
	// mid-attempt returns promptly, the superseded attempt reports failure
	// without moving the machine, and the connection ends Idle

	fake := controllerFake()
	fake.DiscoverDelay = time.Second
	_, radioClient := testRadio()
	conn := peer.NewConnection(fake, radioClient, quietLogger(), testOptions())

	done := make(chan error, 1)
	go func() { done <- conn.Connect(context.Background(), peerAddr) }()

	require.Eventually(t, func() bool {
		return conn.State() == peer.StateDiscovering
	}, time.Second, time.Millisecond)

	start := time.Now()
	require.NoError(t, conn.Disconnect(), "teardown during discovery MUST succeed")
	assert.Less(t, time.Since(start), 200*time.Millisecond, "teardown MUST NOT wait out the stalled phase")
	assert.Equal(t, peer.StateIdle, conn.State())

	select {
	case err := <-done:
		require.Error(t, err, "the superseded attempt MUST NOT report success")
	case <-time.After(time.Second):
		t.Fatal("the cancelled attempt did not return")
	}
	assert.Equal(t, peer.StateIdle, conn.State(), "the superseded attempt MUST NOT move the machine")

	fake.DiscoverDelay = 0
	require.NoError(t, conn.Connect(context.Background(), peerAddr), "a fresh attempt after teardown MUST succeed")
	assert.Equal(t, peer.StateReady, conn.State())
}

func TestConnectPhaseTimeoutFaults(t *testing.T) {
	// GOAL: Verify an exceeded link establishment bound faults the attempt
	//
	// TEST SCENARIO: Transport connect stalls past ConnectTimeout → the
	// attempt gives up at the bound with a timeout failure, no retry

	fake := controllerFake()
	fake.ConnectDelay = time.Second
	_, radioClient := testRadio()

	opts := testOptions()
	opts.ConnectTimeout = 50 * time.Millisecond
	conn := peer.NewConnection(fake, radioClient, quietLogger(), opts)

	start := time.Now()
	err := conn.Connect(context.Background(), peerAddr)
	require.Error(t, err)
	assert.ErrorIs(t, err, peer.ErrTimeout, "failure kind MUST be timeout")
	assert.Less(t, time.Since(start), 500*time.Millisecond, "the attempt MUST give up at the configured bound")
	assert.Equal(t, peer.StateFaulted, conn.State())
}

func TestDiscoveryPhaseTimeoutFaults(t *testing.T) {
	// GOAL: Verify an exceeded discovery bound faults the attempt
	//
	// TEST SCENARIO: Service enumeration stalls past DiscoveryTimeout → the
	// attempt faults with a timeout failure instead of hanging

	fake := controllerFake()
	fake.DiscoverDelay = time.Second
	_, radioClient := testRadio()

	opts := testOptions()
	opts.DiscoveryTimeout = 50 * time.Millisecond
	conn := peer.NewConnection(fake, radioClient, quietLogger(), opts)

	start := time.Now()
	err := conn.Connect(context.Background(), peerAddr)
	require.Error(t, err)
	assert.ErrorIs(t, err, peer.ErrTimeout, "failure kind MUST be timeout")
	assert.Less(t, time.Since(start), 500*time.Millisecond, "the attempt MUST give up at the configured bound")
	assert.Equal(t, peer.StateFaulted, conn.State())
}
