package wire

import "github.com/canlink/can-gateway/internal/can"

// Packet type discriminators carried in the header. Values match the
// session protocol: a receiver always decodes the header first and then
// selects the payload shape from Type.
const (
	TypeCanRelay      uint8 = 1
	TypeSensorRelay   uint8 = 2
	TypeHealthRequest uint8 = 3
	TypeHealthReport  uint8 = 4
)

// HeaderSize is the fixed wire size of Header: index(2) + frameNumber(4)
// + timestamp(8) + type(1). Identical for every packet type.
const HeaderSize = 2 + 4 + 8 + 1

// Header prefixes every packet on the multicast group.
type Header struct {
	Index       uint16 // sender's peer index within the session roster
	FrameNumber uint32 // last frame number relayed by the sender
	Timestamp   uint64 // epoch milliseconds at send time
	Type        uint8
}

// CanRelay flag bits (wire byte after SendMicros).
const (
	flagFD           = 0x01
	flagNeedResponse = 0x02
)

// Payload is the tagged variant carried after the header. Exactly one
// concrete type exists per Type discriminator; decode sites switch
// exhaustively over the concrete types.
type Payload interface {
	payloadType() uint8
}

// CanRelay carries one CAN or CAN-FD frame plus the session transport's
// loss-tracking sequence number and the sender's monotonic send stamp.
type CanRelay struct {
	SequenceNumber uint32
	SendMicros     uint64
	NeedResponse   bool
	Frame          can.Frame // Frame.FD selects the classic/FD variant
}

// SensorRelay is an externally produced sensor sample. The gateway treats
// the signals as opaque beyond their size; only the header's frame number
// matters to the forwarding loop.
type SensorRelay struct {
	Signals []float32
}

// HealthRequest asks every node to publish a HealthReport. It has no
// payload bytes of its own.
type HealthRequest struct{}

// HealthReport is one NodeReport per session peer, in roster order.
type HealthReport struct {
	Nodes []NodeReport
}

// HealthCore is one online statistics accumulator snapshot.
type HealthCore struct {
	Count    uint32
	Min      float64
	Max      float64
	Mean     float64
	Variance float64
}

// NodeReport is the per-peer health snapshot since the last reset.
type NodeReport struct {
	PacketLoss float64 // fraction 0.0..1.0
	Latency    HealthCore
	Jitter     HealthCore
	Throughput HealthCore
}

func (*CanRelay) payloadType() uint8      { return TypeCanRelay }
func (*SensorRelay) payloadType() uint8   { return TypeSensorRelay }
func (*HealthRequest) payloadType() uint8 { return TypeHealthRequest }
func (*HealthReport) payloadType() uint8  { return TypeHealthReport }
