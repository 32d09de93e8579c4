// Package channel defines the local CAN controller attachment consumed
// by the forwarding loop. Backends live in internal/socketcan and
// internal/serialcan.
package channel

import "github.com/canlink/can-gateway/internal/can"

// Channel is one local CAN controller. A bit rate of 0 marks the channel
// disabled: the gateway neither polls it for reads nor fans writes out to
// it.
//
// TryRead must not block: it returns ok=false immediately when no frame
// is pending, which is what keeps the forwarding loop tick-driven.
type Channel interface {
	Name() string
	BitRate() uint32
	TryRead(fr *can.Frame) (bool, error)
	Write(fr can.Frame) error
	Close() error
}
