package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
)

// newDefaultDevice creates the CoreBluetooth-backed device.
func newDefaultDevice() (ble.Device, error) {
	return darwin.NewDevice()
}
