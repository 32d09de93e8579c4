package serialcan

import (
	"bytes"
	"testing"

	"github.com/canlink/can-gateway/internal/can"
)

func ext(id uint32, data ...byte) can.Frame {
	var fr can.Frame
	fr.CANID = (id & can.CAN_EFF_MASK) | can.CAN_EFF_FLAG
	fr.Len = uint8(len(data))
	copy(fr.Data[:], data)
	return fr
}

func std(id uint32, data ...byte) can.Frame {
	var fr can.Frame
	fr.CANID = id & can.CAN_SFF_MASK
	fr.Len = uint8(len(data))
	copy(fr.Data[:], data)
	return fr
}

func sameFrame(a, b can.Frame) bool {
	return a.CANID == b.CANID && a.Len == b.Len &&
		string(a.Data[:a.Len]) == string(b.Data[:b.Len])
}

func TestSerialCodec_RoundTrip_Chunked(t *testing.T) {
	codec := Codec{}
	want := []can.Frame{
		ext(0x0001E5A, 0x34, 0x7B, 0x70, 0xD7, 0x94, 0x10, 0x0D, 0xF7), // 8B
		std(0x355, 0xA1, 0xB2, 0xC3, 0xD4, 0xE5, 0xF6),                 // 6B standard id
		ext(0x0123456, 0x9A, 0xBC),
		std(0x7FF),
		ext(0x01ABCDE, 0xDE, 0xAD, 0xBE),
	}
	stream := make([]byte, 0, 256)
	for _, fr := range want {
		stream = append(stream, codec.Encode(fr)...)
	}

	var buf bytes.Buffer
	got := make([]can.Frame, 0, len(want))

	// Irregular chunks stress preamble alignment and partial frames.
	chunkSizes := []int{1, 2, 3, 4, 5, 7, 11}
	cs := 0
	for pos := 0; pos < len(stream); {
		n := chunkSizes[cs%len(chunkSizes)]
		cs++
		if pos+n > len(stream) {
			n = len(stream) - pos
		}
		buf.Write(stream[pos : pos+n])
		pos += n
		codec.DecodeStream(&buf, func(fr can.Frame) {
			got = append(got, fr.CopyShallow())
		})
	}

	if len(got) != len(want) {
		t.Fatalf("decoded %d frames, want %d", len(got), len(want))
	}
	for i := range want {
		if !sameFrame(got[i], want[i]) {
			t.Fatalf("frame %d mismatch\n got  id=0x%X len=%d data=% X\n want id=0x%X len=%d data=% X",
				i,
				got[i].CANID, got[i].Len, got[i].Data[:got[i].Len],
				want[i].CANID, want[i].Len, want[i].Data[:want[i].Len])
		}
	}
}

func TestSerialCodec_ResyncOnGarbage(t *testing.T) {
	codec := Codec{}
	want := ext(0x0001E5A, 0x01, 0x02, 0x03)

	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0xFF, 0xAA, 0x17, 0x42}) // noise, including a lone preamble byte
	buf.Write(codec.Encode(want))
	buf.Write([]byte{0x13, 0x37})

	var got []can.Frame
	codec.DecodeStream(&buf, func(fr can.Frame) {
		got = append(got, fr.CopyShallow())
	})
	if len(got) != 1 || !sameFrame(got[0], want) {
		t.Fatalf("decoded %v, want the one framed packet", got)
	}
}

func TestSerialCodec_ChecksumRejected(t *testing.T) {
	codec := Codec{}
	good := ext(0x0001F55, 0xDE, 0xAD)
	bad := codec.Encode(ext(0x0001E5A, 0x01, 0x02))
	bad[len(bad)-1] ^= 0xFF

	var buf bytes.Buffer
	buf.Write(bad)
	buf.Write(codec.Encode(good))

	var got []can.Frame
	codec.DecodeStream(&buf, func(fr can.Frame) {
		got = append(got, fr.CopyShallow())
	})
	if len(got) != 1 || !sameFrame(got[0], good) {
		t.Fatalf("decoded %v, want only the intact frame", got)
	}
}

func TestSerialCodec_BadLengthSkipped(t *testing.T) {
	codec := Codec{}
	good := std(0x123, 0x42)

	var buf bytes.Buffer
	buf.Write([]byte{0xAA, 0xC5, 0xFF}) // length far past maxLn
	buf.Write(codec.Encode(good))

	var got []can.Frame
	codec.DecodeStream(&buf, func(fr can.Frame) {
		got = append(got, fr.CopyShallow())
	})
	if len(got) != 1 || !sameFrame(got[0], good) {
		t.Fatalf("decoded %v, want only the valid frame", got)
	}
}

func TestSerialCodec_EncodeLayout(t *testing.T) {
	codec := Codec{}
	out := codec.Encode(std(0x123, 0xAB, 0xCD))
	// [preamble, preamble, n, flags, id x4, payload x2, checksum]
	if len(out) != 3+1+4+2+1 {
		t.Fatalf("encoded %d bytes", len(out))
	}
	if out[0] != 0xAA || out[1] != 0xC5 {
		t.Fatalf("preamble % X", out[:2])
	}
	if out[2] != 8 { // flags + id + 2 payload + checksum
		t.Fatalf("length byte %d, want 8", out[2])
	}
	if out[3] != 2 { // DLC 2, standard id
		t.Fatalf("flags %#x, want DLC only", out[3])
	}
	eff := codec.Encode(ext(0x1E5A, 0x01))
	if eff[3] != (0x80 | 1) {
		t.Fatalf("extended flags %#x, want 0x81", eff[3])
	}
}
