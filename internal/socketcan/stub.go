//go:build !linux

package socketcan

import (
	"errors"

	"github.com/canlink/can-gateway/internal/can"
)

// Device placeholder so non-linux builds compile; SocketCAN is
// linux-only.
type Device struct{}

func Open(iface string, bitRate uint32) (*Device, error) {
	return nil, errors.New("socketcan unsupported on this platform")
}

func (d *Device) Name() string                        { return "" }
func (d *Device) BitRate() uint32                     { return 0 }
func (d *Device) TryRead(fr *can.Frame) (bool, error) { return false, nil }
func (d *Device) Write(fr can.Frame) error            { return nil }
func (d *Device) Close() error                        { return nil }
