package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/canlink/can-gateway/internal/metrics"
)

// Codec encodes/decodes session packets. Stateless and safe for concurrent use.
type Codec struct{}

// ErrTruncated is returned when a buffer ends before the payload its
// header promises.
var ErrTruncated = errors.New("wire: truncated packet")

// ErrUnknownType is returned for a type discriminator outside 1..4.
var ErrUnknownType = errors.New("wire: unknown packet type")

// ErrInvalidLength is returned when a CAN payload length exceeds the
// limit for its frame kind (8 classic, 64 FD).
var ErrInvalidLength = errors.New("wire: invalid frame length")

const (
	canRelayFixed  = 4 + 8 + 1 + 4 + 1 // seq + sendMicros + flags + canID + len
	healthCoreSize = 4 + 4*4           // count + min/max/mean/variance as f32
	nodeReportSize = 4 + 3*healthCoreSize
)

// Encode builds the full datagram for a header and its payload.
// The header's Type field is taken from the payload variant, not the
// caller, so header and payload can never disagree.
func (c Codec) Encode(h Header, p Payload) []byte {
	h.Type = p.payloadType()
	buf := make([]byte, HeaderSize, HeaderSize+payloadSize(p))
	binary.BigEndian.PutUint16(buf[0:2], h.Index)
	binary.BigEndian.PutUint32(buf[2:6], h.FrameNumber)
	binary.BigEndian.PutUint64(buf[6:14], h.Timestamp)
	buf[14] = h.Type
	switch v := p.(type) {
	case *CanRelay:
		var fixed [canRelayFixed]byte
		binary.BigEndian.PutUint32(fixed[0:4], v.SequenceNumber)
		binary.BigEndian.PutUint64(fixed[4:12], v.SendMicros)
		var flags byte
		if v.Frame.FD {
			flags |= flagFD
		}
		if v.NeedResponse {
			flags |= flagNeedResponse
		}
		fixed[12] = flags
		binary.BigEndian.PutUint32(fixed[13:17], v.Frame.CANID)
		fixed[17] = v.Frame.Len
		buf = append(buf, fixed[:]...)
		buf = append(buf, v.Frame.Data[:v.Frame.Len]...)
	case *SensorRelay:
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(v.Signals)))
		buf = append(buf, n[:]...)
		for _, s := range v.Signals {
			buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(s))
		}
	case *HealthRequest:
		// header only
	case *HealthReport:
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(v.Nodes)))
		for i := range v.Nodes {
			buf = appendNodeReport(buf, &v.Nodes[i])
		}
	}
	return buf
}

// Decode parses one datagram into its header and payload variant.
// Malformed input is counted but the caller decides whether to drop or
// surface; best-effort receivers drop silently.
func (c Codec) Decode(b []byte) (Header, Payload, error) {
	h, err := c.DecodeHeader(b)
	if err != nil {
		return Header{}, nil, err
	}
	body := b[HeaderSize:]
	switch h.Type {
	case TypeCanRelay:
		p, err := decodeCanRelay(body)
		return h, p, err
	case TypeSensorRelay:
		p, err := decodeSensorRelay(body)
		return h, p, err
	case TypeHealthRequest:
		return h, &HealthRequest{}, nil
	case TypeHealthReport:
		p, err := decodeHealthReport(body)
		return h, p, err
	default:
		metrics.IncMalformed()
		return Header{}, nil, fmt.Errorf("%w (%d)", ErrUnknownType, h.Type)
	}
}

// DecodeHeader parses only the fixed header, enough to identify sender
// and type even for payload shapes a receiver does not understand.
func (c Codec) DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		metrics.IncMalformed()
		return Header{}, fmt.Errorf("%w: header %d < %d", ErrTruncated, len(b), HeaderSize)
	}
	return Header{
		Index:       binary.BigEndian.Uint16(b[0:2]),
		FrameNumber: binary.BigEndian.Uint32(b[2:6]),
		Timestamp:   binary.BigEndian.Uint64(b[6:14]),
		Type:        b[14],
	}, nil
}

func decodeCanRelay(b []byte) (*CanRelay, error) {
	if len(b) < canRelayFixed {
		metrics.IncMalformed()
		return nil, fmt.Errorf("%w: can relay %d < %d", ErrTruncated, len(b), canRelayFixed)
	}
	var p CanRelay
	p.SequenceNumber = binary.BigEndian.Uint32(b[0:4])
	p.SendMicros = binary.BigEndian.Uint64(b[4:12])
	flags := b[12]
	p.Frame.FD = flags&flagFD != 0
	p.NeedResponse = flags&flagNeedResponse != 0
	p.Frame.CANID = binary.BigEndian.Uint32(b[13:17])
	p.Frame.Len = b[17]
	if p.Frame.Len > p.Frame.MaxDataLen() {
		metrics.IncMalformed()
		return nil, fmt.Errorf("%w (%d)", ErrInvalidLength, p.Frame.Len)
	}
	data := b[canRelayFixed:]
	if len(data) < int(p.Frame.Len) {
		metrics.IncMalformed()
		return nil, fmt.Errorf("%w: can data %d < %d", ErrTruncated, len(data), p.Frame.Len)
	}
	copy(p.Frame.Data[:], data[:p.Frame.Len])
	return &p, nil
}

func decodeSensorRelay(b []byte) (*SensorRelay, error) {
	if len(b) < 4 {
		metrics.IncMalformed()
		return nil, fmt.Errorf("%w: sensor count", ErrTruncated)
	}
	n := int(binary.BigEndian.Uint32(b[0:4]))
	b = b[4:]
	if len(b) < n*4 {
		metrics.IncMalformed()
		return nil, fmt.Errorf("%w: sensor signals %d < %d", ErrTruncated, len(b), n*4)
	}
	p := SensorRelay{Signals: make([]float32, n)}
	for i := 0; i < n; i++ {
		p.Signals[i] = math.Float32frombits(binary.BigEndian.Uint32(b[i*4 : i*4+4]))
	}
	return &p, nil
}

func decodeHealthReport(b []byte) (*HealthReport, error) {
	if len(b) < 2 {
		metrics.IncMalformed()
		return nil, fmt.Errorf("%w: report count", ErrTruncated)
	}
	n := int(binary.BigEndian.Uint16(b[0:2]))
	b = b[2:]
	if len(b) < n*nodeReportSize {
		metrics.IncMalformed()
		return nil, fmt.Errorf("%w: report nodes %d < %d", ErrTruncated, len(b), n*nodeReportSize)
	}
	p := HealthReport{Nodes: make([]NodeReport, n)}
	for i := 0; i < n; i++ {
		decodeNodeReport(b[i*nodeReportSize:(i+1)*nodeReportSize], &p.Nodes[i])
	}
	return &p, nil
}

func appendNodeReport(buf []byte, n *NodeReport) []byte {
	buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(float32(n.PacketLoss)))
	for _, c := range []*HealthCore{&n.Latency, &n.Jitter, &n.Throughput} {
		buf = binary.BigEndian.AppendUint32(buf, c.Count)
		buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(float32(c.Min)))
		buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(float32(c.Max)))
		buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(float32(c.Mean)))
		buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(float32(c.Variance)))
	}
	return buf
}

func decodeNodeReport(b []byte, n *NodeReport) {
	f32 := func(off int) float64 {
		return float64(math.Float32frombits(binary.BigEndian.Uint32(b[off : off+4])))
	}
	n.PacketLoss = f32(0)
	off := 4
	for _, c := range []*HealthCore{&n.Latency, &n.Jitter, &n.Throughput} {
		c.Count = binary.BigEndian.Uint32(b[off : off+4])
		c.Min = f32(off + 4)
		c.Max = f32(off + 8)
		c.Mean = f32(off + 12)
		c.Variance = f32(off + 16)
		off += healthCoreSize
	}
}

func payloadSize(p Payload) int {
	switch v := p.(type) {
	case *CanRelay:
		return canRelayFixed + int(v.Frame.Len)
	case *SensorRelay:
		return 4 + 4*len(v.Signals)
	case *HealthReport:
		return 2 + nodeReportSize*len(v.Nodes)
	default:
		return 0
	}
}
