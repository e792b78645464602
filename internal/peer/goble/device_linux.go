package goble

import (
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/go-ble/ble/linux/hci/cmd"
)

const hciTimeout = 20 * time.Second

// The controller advertises every 150ms when idle; a 10ms window with
// active scanning keeps discovery latency low without starving the
// connection events.
var scanParams = cmd.LESetScanParameters{
	LEScanType:           1,    // Active scanning
	LEScanInterval:       0x10, // 10ms
	LEScanWindow:         0x10, // 10ms
	OwnAddressType:       0,    // Static
	ScanningFilterPolicy: 0,    // Accept all advertisements
}

func newDevice() (ble.Device, error) {
	return linux.NewDevice(
		ble.OptListenerTimeout(hciTimeout),
		ble.OptDialerTimeout(hciTimeout),
		ble.OptScanParams(scanParams),
	)
}
