package serialcan

import (
	"bytes"
	"encoding/binary"

	"github.com/canlink/can-gateway/internal/can"
	"github.com/canlink/can-gateway/internal/metrics"
)

// Codec frames classic CAN over the adapter UART:
//
//	[0xAA, 0xC5, n, FLAGS, ID(4 BE), payload(0..8), checksum]
//
// n counts everything after itself: flags(1) + id(4) + payload + checksum(1).
// FLAGS carries the DLC in its low nibble and 0x80 when the ID is
// extended. checksum = 0xAA + n + sum(flags, id, payload) mod 256.
type Codec struct{}

const (
	pre0 = 0xAA
	pre1 = 0xC5

	minLn = 1 + 4 + 0 + 1 // flags + id + empty payload + checksum
	maxLn = 1 + 4 + 8 + 1
)

// CompactBuffer reclaims consumed prefix capacity when the accumulation
// buffer grows too large relative to unread bytes. Returns true if
// compaction occurred.
func CompactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	if len(data) < 1024 {
		return false
	}
	if cap(data) > 0 && len(data)*4 < cap(data) {
		clone := make([]byte, len(data))
		copy(clone, data)
		b.Reset()
		_, _ = b.Write(clone)
		return true
	}
	return false
}

// Encode builds the UART frame for one classic CAN frame. FD frames do
// not fit this adapter; callers must not pass them.
func (Codec) Encode(f can.Frame) []byte {
	dlc := f.Len
	if dlc > can.MaxLen {
		dlc = can.MaxLen
	}
	n := 1 + 4 + int(dlc) + 1
	out := make([]byte, 3+n)
	out[0] = pre0
	out[1] = pre1
	out[2] = byte(n)
	flags := dlc
	id := f.CANID
	if id&can.CAN_EFF_FLAG != 0 {
		flags |= 0x80
		id &= can.CAN_EFF_MASK
	} else {
		id &= can.CAN_SFF_MASK
	}
	out[3] = flags
	binary.BigEndian.PutUint32(out[4:8], id)
	copy(out[8:], f.Data[:dlc])
	sum := uint(pre0) + uint(n)
	for _, b := range out[3 : 3+n-1] {
		sum += uint(b)
	}
	out[3+n-1] = byte(sum)
	return out
}

// DecodeStream consumes complete frames from in and emits them via out,
// resyncing on garbage one byte at a time. Partial frames stay buffered
// for the next read.
func (Codec) DecodeStream(in *bytes.Buffer, out func(can.Frame)) {
	header := []byte{pre0, pre1}
	for {
		data := in.Bytes()
		// Periodically compact to avoid unbounded growth from misaligned garbage
		_ = CompactBuffer(in)
		if len(data) < 3 { // need preamble + len
			return
		}

		// align to preamble
		i := bytes.Index(data, header)
		if i < 0 {
			// keep last byte in case next buffer starts with preamble second byte
			if in.Len() > 1 {
				last := data[len(data)-1]
				in.Reset()
				_ = in.WriteByte(last)
			}
			return
		}
		if i > 0 {
			in.Next(i)
			continue
		}

		ln := int(data[2])
		if ln < minLn || ln > maxLn {
			// malformed length; advance one byte to resync
			metrics.IncMalformed()
			in.Next(1)
			continue
		}

		req := 3 + ln
		if len(data) < req {
			return
		}

		sum := uint(pre0) + uint(data[2])
		for _, b := range data[3 : req-1] {
			sum += uint(b)
		}
		if byte(sum) != data[req-1] {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}

		flags := data[3]
		dlc := int(flags & 0x0F)
		if dlc != ln-minLn {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		id := binary.BigEndian.Uint32(data[4:8])

		var f can.Frame
		f.CANID = id
		if flags&0x80 != 0 {
			f.CANID |= can.CAN_EFF_FLAG
		}
		f.Len = uint8(dlc)
		copy(f.Data[:], data[8:8+dlc])

		out(f)
		in.Next(req)
	}
}
