// Package clock is the gateway's read-only time capability: wall-clock
// epoch milliseconds for packet headers and a monotonic microsecond
// reading for send stamps. Collaborators take the interface so tests can
// drive time explicitly.
package clock

import "time"

type Clock interface {
	EpochMillis() uint64
	MonotonicMicros() uint64
}

// System reads the process clocks. MonotonicMicros is measured from
// process start; only differences between readings are meaningful.
type System struct{}

var base = time.Now()

func (System) EpochMillis() uint64 { return uint64(time.Now().UnixMilli()) }

func (System) MonotonicMicros() uint64 { return uint64(time.Since(base).Microseconds()) }
