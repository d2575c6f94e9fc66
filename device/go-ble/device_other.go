//go:build !darwin && !linux

package goble

import (
	"github.com/go-ble/ble"

	"github.com/srg/blepool/device"
)

// newDefaultDevice reports the platform as unsupported.
func newDefaultDevice() (ble.Device, error) {
	return nil, device.ErrUnsupported
}
