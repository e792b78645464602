package gatt_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/padlink/internal/gatt"
)

const (
	testServiceUUID = "100f6c32-1735-4313-b402-38567131e5f3"
	testEventsUUID  = "100f6c33-1735-4313-b402-38567131e5f3"
	testModeUUID    = "100f6c34-1735-4313-b402-38567131e5f3"
)

// fakeDiscoverer serves a canned peripheral layout.
type fakeDiscoverer struct {
	services map[gatt.ServiceInfo][]gatt.CharacteristicInfo
	order    []gatt.ServiceInfo

	servicesErr error
	charsErr    error
	charCalls   int
}

func newFakeDiscoverer() *fakeDiscoverer {
	return &fakeDiscoverer{services: make(map[gatt.ServiceInfo][]gatt.CharacteristicInfo)}
}

func (f *fakeDiscoverer) withService(uuid string, chars ...gatt.CharacteristicInfo) *fakeDiscoverer {
	svc := gatt.ServiceInfo{UUID: uuid, StartHandle: uint16(len(f.order)*0x10 + 1)}
	f.services[svc] = chars
	f.order = append(f.order, svc)
	return f
}

func (f *fakeDiscoverer) DiscoverServices(_ context.Context) ([]gatt.ServiceInfo, error) {
	if f.servicesErr != nil {
		return nil, f.servicesErr
	}
	return f.order, nil
}

func (f *fakeDiscoverer) DiscoverCharacteristics(_ context.Context, svc gatt.ServiceInfo) ([]gatt.CharacteristicInfo, error) {
	f.charCalls++
	if f.charsErr != nil {
		return nil, f.charsErr
	}
	return f.services[svc], nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestDiscoverResolvesWantedCharacteristics(t *testing.T) {
	// GOAL: Verify a full enumeration resolves wanted UUIDs to handles
	//
	// TEST SCENARIO: Peripheral exposes the controller service with two
	// characteristics → both wanted entries resolve with handle, CCCD and
	// properties intact

	d := newFakeDiscoverer().
		withService("1800",
			gatt.CharacteristicInfo{UUID: "2a00", ValueHandle: 0x0003, Props: gatt.PropRead},
		).
		withService(testServiceUUID,
			gatt.CharacteristicInfo{UUID: testEventsUUID, ValueHandle: 0x0012, CCCDHandle: 0x0013, Props: gatt.PropNotify},
			gatt.CharacteristicInfo{UUID: testModeUUID, ValueHandle: 0x0015, Props: gatt.PropWrite | gatt.PropWriteWithoutResponse},
		)

	engine := gatt.NewEngine(quietLogger())
	table, err := engine.Discover(context.Background(), d, []gatt.Want{
		{Service: testServiceUUID, Characteristic: testEventsUUID},
		{Service: testServiceUUID, Characteristic: testModeUUID},
	})
	require.NoError(t, err, "discovery MUST succeed when all wanted characteristics exist")
	require.NotNil(t, table)
	assert.Equal(t, 3, table.Len(), "MUST index every enumerated characteristic")

	events, ok := table.Lookup(testServiceUUID, testEventsUUID)
	require.True(t, ok, "events characteristic MUST resolve")
	assert.Equal(t, uint16(0x0012), events.ValueHandle)
	assert.Equal(t, uint16(0x0013), events.CCCDHandle)
	assert.True(t, events.Props.CanNotify(), "resolved properties MUST be preserved")

	mode, ok := table.Lookup(testServiceUUID, testModeUUID)
	require.True(t, ok, "mode characteristic MUST resolve")
	assert.True(t, mode.Props.CanWrite())
	assert.Zero(t, mode.CCCDHandle, "characteristic without CCCD MUST report handle 0")

	byValue, ok := table.ByValueHandle(0x0012)
	require.True(t, ok, "reverse lookup by value handle MUST resolve")
	assert.Same(t, events, byValue)

	assert.Same(t, table, engine.Current(), "completed table MUST be published")
}

func TestDiscoverLookupIsCaseAndDashInsensitive(t *testing.T) {
	// GOAL: Verify lookups normalize UUIDs the same way enumeration does

	d := newFakeDiscoverer().withService("100F6C32-1735-4313-B402-38567131E5F3",
		gatt.CharacteristicInfo{UUID: "100F6C33-1735-4313-B402-38567131E5F3", ValueHandle: 0x0012, Props: gatt.PropNotify},
	)

	engine := gatt.NewEngine(quietLogger())
	table, err := engine.Discover(context.Background(), d, nil)
	require.NoError(t, err)

	_, ok := table.Lookup(testServiceUUID, testEventsUUID)
	assert.True(t, ok, "lowercase dashed lookup MUST resolve an uppercase-enumerated characteristic")
}

func TestDiscoverReportsMissingWanted(t *testing.T) {
	// GOAL: Verify unresolved wanted entries surface as IncompleteError
	//
	// TEST SCENARIO: Peripheral lacks the mode characteristic → Discover
	// returns the partial table plus an IncompleteError naming the gap

	d := newFakeDiscoverer().withService(testServiceUUID,
		gatt.CharacteristicInfo{UUID: testEventsUUID, ValueHandle: 0x0012, CCCDHandle: 0x0013, Props: gatt.PropNotify},
	)

	engine := gatt.NewEngine(quietLogger())
	table, err := engine.Discover(context.Background(), d, []gatt.Want{
		{Service: testServiceUUID, Characteristic: testEventsUUID},
		{Service: testServiceUUID, Characteristic: testModeUUID},
	})

	var incomplete *gatt.IncompleteError
	require.ErrorAs(t, err, &incomplete, "missing wanted entries MUST yield IncompleteError")
	require.Len(t, incomplete.Missing, 1, "only the absent characteristic MUST be reported")
	assert.Equal(t, testModeUUID, incomplete.Missing[0].Characteristic)

	require.NotNil(t, table, "partial table MUST still be returned")
	_, ok := table.Lookup(testServiceUUID, testEventsUUID)
	assert.True(t, ok, "resolved entries MUST survive in the partial table")
	assert.Same(t, table, engine.Current(), "partial table MUST still be published for the caller to judge")
}

func TestDiscoverEnumerationFailurePublishesNothing(t *testing.T) {
	// GOAL: Verify a failed enumeration never replaces the current table

	engine := gatt.NewEngine(quietLogger())

	good := newFakeDiscoverer().withService(testServiceUUID,
		gatt.CharacteristicInfo{UUID: testEventsUUID, ValueHandle: 0x0012, Props: gatt.PropNotify},
	)
	first, err := engine.Discover(context.Background(), good, nil)
	require.NoError(t, err)

	bad := newFakeDiscoverer()
	bad.servicesErr = fmt.Errorf("att timeout")
	_, err = engine.Discover(context.Background(), bad, nil)
	require.Error(t, err, "failed enumeration MUST return an error")
	assert.Same(t, first, engine.Current(), "prior table MUST survive a failed re-discovery")

	bad2 := newFakeDiscoverer().withService(testServiceUUID)
	bad2.charsErr = fmt.Errorf("att timeout")
	_, err = engine.Discover(context.Background(), bad2, nil)
	require.Error(t, err)
	assert.Same(t, first, engine.Current())
}

func TestRediscoverySwapsGenerationAtomically(t *testing.T) {
	// GOAL: Verify re-discovery yields a fresh generation and Invalidate
	// drops the published table

	d := newFakeDiscoverer().withService(testServiceUUID,
		gatt.CharacteristicInfo{UUID: testEventsUUID, ValueHandle: 0x0012, Props: gatt.PropNotify},
	)

	engine := gatt.NewEngine(quietLogger())
	first, err := engine.Discover(context.Background(), d, nil)
	require.NoError(t, err)

	second, err := engine.Discover(context.Background(), d, nil)
	require.NoError(t, err)

	assert.NotSame(t, first, second, "re-discovery MUST build a fresh table")
	assert.Greater(t, second.Generation(), first.Generation(), "generation MUST increase per discovery run")
	assert.Same(t, second, engine.Current())

	engine.Invalidate()
	assert.Nil(t, engine.Current(), "Invalidate MUST drop the published table")
}
