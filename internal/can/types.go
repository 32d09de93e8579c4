package can

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// Payload length limits per frame kind.
const (
	MaxLen   = 8  // classic CAN
	MaxLenFD = 64 // CAN FD
)

// Frame is the CAN/CAN-FD frame holder used across the gateway.
// CANID contains EFF/RTR/ERR flags in its upper bits like SocketCAN.
// Len is payload length (0..8 classic, 0..64 when FD is set); only the
// first Len bytes of Data are valid.
//
// Note: This is a convenience type. Codecs and channel backends map this
// to/from their wires.
type Frame struct {
	CANID uint32
	Len   uint8
	FD    bool
	Data  [64]byte
}

// MaxDataLen returns the payload limit for this frame's kind.
func (f Frame) MaxDataLen() uint8 {
	if f.FD {
		return MaxLenFD
	}
	return MaxLen
}

func (f Frame) CopyShallow() Frame { // handy for tests
	var g Frame
	g.CANID, g.Len, g.FD = f.CANID, f.Len, f.FD
	copy(g.Data[:], f.Data[:])
	return g
}
