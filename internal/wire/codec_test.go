package wire

import (
	"errors"
	"testing"

	"github.com/canlink/can-gateway/internal/can"
)

func classicFrame(id uint32, data ...byte) can.Frame {
	var f can.Frame
	f.CANID = (id & can.CAN_EFF_MASK) | can.CAN_EFF_FLAG
	f.Len = uint8(len(data))
	copy(f.Data[:], data)
	return f
}

func fdFrame(id uint32, n int) can.Frame {
	var f can.Frame
	f.CANID = id & can.CAN_SFF_MASK
	f.FD = true
	f.Len = uint8(n)
	for i := 0; i < n; i++ {
		f.Data[i] = byte(i)
	}
	return f
}

func TestCodec_CanRelay_RoundTrip(t *testing.T) {
	codec := Codec{}
	cases := []struct {
		name string
		p    CanRelay
	}{
		{"classic 8B", CanRelay{SequenceNumber: 7, SendMicros: 123456789, Frame: classicFrame(0x1E5A, 1, 2, 3, 4, 5, 6, 7, 8)}},
		{"classic empty", CanRelay{SequenceNumber: 0, Frame: classicFrame(0x123)}},
		{"fd 48B", CanRelay{SequenceNumber: 42, SendMicros: 1, Frame: fdFrame(0x2AA, 48)}},
		{"fd 64B", CanRelay{SequenceNumber: 9, Frame: fdFrame(0x100, 64)}},
		{"need response", CanRelay{SequenceNumber: 3, NeedResponse: true, Frame: classicFrame(0x7FF, 0xDE, 0xAD)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := Header{Index: 2, FrameNumber: 99, Timestamp: 1700000000123}
			buf := codec.Encode(h, &tc.p)
			wantLen := HeaderSize + canRelayFixed + int(tc.p.Frame.Len)
			if len(buf) != wantLen {
				t.Fatalf("encoded %d bytes, want %d", len(buf), wantLen)
			}
			gotH, payload, err := codec.Decode(buf)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if gotH.Index != h.Index || gotH.FrameNumber != h.FrameNumber ||
				gotH.Timestamp != h.Timestamp || gotH.Type != TypeCanRelay {
				t.Fatalf("header mismatch: got %+v", gotH)
			}
			got, ok := payload.(*CanRelay)
			if !ok {
				t.Fatalf("payload type %T, want *CanRelay", payload)
			}
			if got.SequenceNumber != tc.p.SequenceNumber || got.SendMicros != tc.p.SendMicros ||
				got.NeedResponse != tc.p.NeedResponse {
				t.Fatalf("relay fields mismatch: got %+v", got)
			}
			if got.Frame.CANID != tc.p.Frame.CANID || got.Frame.Len != tc.p.Frame.Len ||
				got.Frame.FD != tc.p.Frame.FD {
				t.Fatalf("frame mismatch: got %+v", got.Frame)
			}
			if string(got.Frame.Data[:got.Frame.Len]) != string(tc.p.Frame.Data[:tc.p.Frame.Len]) {
				t.Fatalf("frame data mismatch: % X vs % X",
					got.Frame.Data[:got.Frame.Len], tc.p.Frame.Data[:tc.p.Frame.Len])
			}
		})
	}
}

func TestCodec_SensorRelay_RoundTrip(t *testing.T) {
	codec := Codec{}
	h := Header{Index: 1, FrameNumber: 7, Timestamp: 55}
	p := SensorRelay{Signals: []float32{1.5, -2.25, 0, 1e6}}
	buf := codec.Encode(h, &p)
	if want := HeaderSize + 4 + 4*len(p.Signals); len(buf) != want {
		t.Fatalf("encoded %d bytes, want %d", len(buf), want)
	}
	gotH, payload, err := codec.Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if gotH.Type != TypeSensorRelay || gotH.FrameNumber != 7 {
		t.Fatalf("header mismatch: %+v", gotH)
	}
	got, ok := payload.(*SensorRelay)
	if !ok {
		t.Fatalf("payload type %T", payload)
	}
	if len(got.Signals) != len(p.Signals) {
		t.Fatalf("got %d signals, want %d", len(got.Signals), len(p.Signals))
	}
	for i := range p.Signals {
		if got.Signals[i] != p.Signals[i] {
			t.Fatalf("signal %d: got %v want %v", i, got.Signals[i], p.Signals[i])
		}
	}
}

func TestCodec_HealthRequest_HeaderOnly(t *testing.T) {
	codec := Codec{}
	buf := codec.Encode(Header{Index: 3}, &HealthRequest{})
	if len(buf) != HeaderSize {
		t.Fatalf("health request is %d bytes, want header-only %d", len(buf), HeaderSize)
	}
	h, payload, err := codec.Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.Type != TypeHealthRequest {
		t.Fatalf("type %d, want %d", h.Type, TypeHealthRequest)
	}
	if _, ok := payload.(*HealthRequest); !ok {
		t.Fatalf("payload type %T", payload)
	}
}

func TestCodec_HealthReport_RoundTrip(t *testing.T) {
	codec := Codec{}
	p := HealthReport{Nodes: []NodeReport{
		{
			PacketLoss: 1.0 / 3.0,
			Latency:    HealthCore{Count: 4, Min: 1, Max: 4, Mean: 2.5, Variance: 1.25},
			Jitter:     HealthCore{Count: 3, Min: 1, Max: 1, Mean: 1, Variance: 0},
			Throughput: HealthCore{Count: 4, Min: 5, Max: 5, Mean: 5, Variance: 0},
		},
		{}, // silent peer: all zeros
	}}
	buf := codec.Encode(Header{Index: 2, FrameNumber: 11, Timestamp: 9}, &p)
	if want := HeaderSize + 2 + nodeReportSize*len(p.Nodes); len(buf) != want {
		t.Fatalf("encoded %d bytes, want %d", len(buf), want)
	}
	_, payload, err := codec.Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, ok := payload.(*HealthReport)
	if !ok {
		t.Fatalf("payload type %T", payload)
	}
	if len(got.Nodes) != 2 {
		t.Fatalf("got %d nodes, want 2", len(got.Nodes))
	}
	// Values cross the wire as float32; compare after the same narrowing.
	f32 := func(x float64) float32 { return float32(x) }
	wantN, gotN := p.Nodes[0], got.Nodes[0]
	if f32(gotN.PacketLoss) != f32(wantN.PacketLoss) {
		t.Fatalf("loss: got %v want %v", gotN.PacketLoss, wantN.PacketLoss)
	}
	pairs := []struct{ got, want HealthCore }{
		{gotN.Latency, wantN.Latency},
		{gotN.Jitter, wantN.Jitter},
		{gotN.Throughput, wantN.Throughput},
	}
	for i, pr := range pairs {
		if pr.got.Count != pr.want.Count ||
			f32(pr.got.Min) != f32(pr.want.Min) || f32(pr.got.Max) != f32(pr.want.Max) ||
			f32(pr.got.Mean) != f32(pr.want.Mean) || f32(pr.got.Variance) != f32(pr.want.Variance) {
			t.Fatalf("core %d mismatch: got %+v want %+v", i, pr.got, pr.want)
		}
	}
	if got.Nodes[1] != (NodeReport{}) {
		t.Fatalf("silent peer not zero: %+v", got.Nodes[1])
	}
}

func TestCodec_Decode_Errors(t *testing.T) {
	codec := Codec{}
	relay := codec.Encode(Header{}, &CanRelay{Frame: classicFrame(0x1, 1, 2, 3, 4)})
	unknown := make([]byte, HeaderSize)
	unknown[14] = 9
	badLen := codec.Encode(Header{}, &CanRelay{Frame: classicFrame(0x1)})
	badLen[HeaderSize+canRelayFixed-1] = 9 // classic frame claims 9 bytes
	sensor := codec.Encode(Header{}, &SensorRelay{Signals: []float32{1, 2, 3}})
	report := codec.Encode(Header{}, &HealthReport{Nodes: make([]NodeReport, 2)})

	cases := []struct {
		name string
		in   []byte
		want error
	}{
		{"short header", relay[:HeaderSize-1], ErrTruncated},
		{"empty", nil, ErrTruncated},
		{"unknown type", unknown, ErrUnknownType},
		{"relay missing fixed", relay[:HeaderSize+canRelayFixed-2], ErrTruncated},
		{"relay missing data", relay[:len(relay)-1], ErrTruncated},
		{"classic over 8", badLen, ErrInvalidLength},
		{"sensor missing signals", sensor[:len(sensor)-2], ErrTruncated},
		{"report missing node", report[:len(report)-1], ErrTruncated},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := codec.Decode(tc.in)
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestCodec_Encode_TypeFromPayload(t *testing.T) {
	codec := Codec{}
	// A caller-supplied bogus Type is overwritten by the payload variant.
	buf := codec.Encode(Header{Type: 99}, &HealthRequest{})
	if buf[14] != TypeHealthRequest {
		t.Fatalf("type byte %d, want %d", buf[14], TypeHealthRequest)
	}
}

func BenchmarkCodec_EncodeCanRelay(b *testing.B) {
	codec := Codec{}
	h := Header{Index: 1, FrameNumber: 2, Timestamp: 3}
	p := CanRelay{SequenceNumber: 4, SendMicros: 5, Frame: classicFrame(0x1E5A, 1, 2, 3, 4, 5, 6, 7, 8)}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = codec.Encode(h, &p)
	}
}

func BenchmarkCodec_DecodeCanRelay(b *testing.B) {
	codec := Codec{}
	buf := codec.Encode(Header{Index: 1}, &CanRelay{SequenceNumber: 4, Frame: classicFrame(0x1E5A, 1, 2, 3, 4, 5, 6, 7, 8)})
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, _, err := codec.Decode(buf); err != nil {
			b.Fatal(err)
		}
	}
}
