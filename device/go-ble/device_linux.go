package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// newDefaultDevice creates the HCI-socket-backed device.
func newDefaultDevice() (ble.Device, error) {
	return linux.NewDevice()
}
