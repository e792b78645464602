package coex_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/padlink/internal/coex"
	"github.com/srg/padlink/internal/radio"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func testManager() *coex.Manager {
	opts := coex.DefaultOptions()
	opts.Policy = radio.Policy{
		MinSlice:  time.Millisecond,
		MaxBudget: 50 * time.Millisecond,
		MaxWait:   100 * time.Millisecond,
	}
	return coex.NewManager(opts, quietLogger())
}

func TestSharedModeServesBothStacks(t *testing.T) {
	// GOAL: Verify the manager starts shared and both clients get radio time

	m := testManager()
	require.Equal(t, coex.ModeShared, m.Mode())

	lease, err := m.BLEClient().Acquire(context.Background(), 5*time.Millisecond)
	require.NoError(t, err, "BLE MUST be grantable in shared mode")
	lease.Release()

	lease, err = m.WifiClient().Acquire(context.Background(), 5*time.Millisecond)
	require.NoError(t, err, "Wifi MUST be grantable in shared mode")
	lease.Release()

	stats := m.Stats()
	assert.Equal(t, uint64(1), stats.Grants[radio.RequesterBLE])
	assert.Equal(t, uint64(1), stats.Grants[radio.RequesterWifi])
}

func TestBLEOnlyModeGatesWifi(t *testing.T) {
	// GOAL: Verify single-stack mode denies the excluded stack immediately
	//
	// TEST SCENARIO: Switch to ble-only → Wifi acquisition fails fast with
	// ErrUnavailable while BLE still acquires → back to shared restores Wifi

	m := testManager()
	m.SetMode(coex.ModeBLEOnly)
	require.Equal(t, coex.ModeBLEOnly, m.Mode())

	start := time.Now()
	_, err := m.WifiClient().Acquire(context.Background(), 5*time.Millisecond)
	require.ErrorIs(t, err, radio.ErrUnavailable, "Wifi MUST be denied in ble-only mode")
	assert.Less(t, time.Since(start), 50*time.Millisecond, "the denial MUST NOT wait out the queue")

	lease, err := m.BLEClient().Acquire(context.Background(), 5*time.Millisecond)
	require.NoError(t, err, "BLE MUST still acquire in ble-only mode")
	lease.Release()

	m.SetMode(coex.ModeShared)
	lease, err = m.WifiClient().Acquire(context.Background(), 5*time.Millisecond)
	require.NoError(t, err, "returning to shared MUST restore Wifi")
	lease.Release()
}

func TestWifiOnlyModeRevokesHeldBLELease(t *testing.T) {
	// GOAL: Verify entering wifi-only revokes a lease the BLE stack holds

	m := testManager()
	lease, err := m.BLEClient().Acquire(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)

	m.SetMode(coex.ModeWifiOnly)
	assert.True(t, lease.Revoked(), "the excluded stack's lease MUST be revoked on mode entry")

	_, err = m.BLEClient().Acquire(context.Background(), 5*time.Millisecond)
	assert.ErrorIs(t, err, radio.ErrUnavailable, "BLE MUST be denied in wifi-only mode")

	wifiLease, err := m.WifiClient().Acquire(context.Background(), 5*time.Millisecond)
	require.NoError(t, err, "Wifi MUST own the radio in wifi-only mode")
	wifiLease.Release()
}

func TestExclusiveModeExtendsBudget(t *testing.T) {
	// GOAL: Verify a lone stack gets the longer exclusive slice cap
	//
	// TEST SCENARIO: Shared policy caps slices at 50ms → in ble-only mode a
	// 300ms request is granted uncut because the exclusive budget applies

	opts := coex.DefaultOptions()
	opts.Policy = radio.Policy{
		MinSlice:  time.Millisecond,
		MaxBudget: 50 * time.Millisecond,
		MaxWait:   100 * time.Millisecond,
	}
	opts.ExclusiveBudget = time.Second
	m := coex.NewManager(opts, quietLogger())

	m.SetMode(coex.ModeBLEOnly)
	lease, err := m.BLEClient().Acquire(context.Background(), 300*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 300*time.Millisecond, lease.Budget(), "exclusive mode MUST allow slices beyond the shared cap")
	lease.Release()
}
