// Package session owns the multicast UDP socket, the session lifecycle
// and the outbound sequence counter. It is the only writer of protocol
// bytes; framing comes from internal/wire.
package session

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/canlink/can-gateway/internal/can"
	"github.com/canlink/can-gateway/internal/clock"
	"github.com/canlink/can-gateway/internal/logging"
	"github.com/canlink/can-gateway/internal/metrics"
	"github.com/canlink/can-gateway/internal/wire"
)

type Status int

const (
	Inactive Status = iota
	Active
)

// maxDatagram bounds one inbound read; health reports for large rosters
// are the biggest packets we produce.
const maxDatagram = 65535

// PacketConn is the subset of *net.UDPConn the transport uses.
// Implemented by real sockets in production and by fakes in tests.
type PacketConn interface {
	ReadFromUDP(b []byte) (int, *net.UDPAddr, error)
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// joinMulticast is a hook for tests (overridden in unit tests).
var joinMulticast = func(group *net.UDPAddr) (PacketConn, error) {
	return net.ListenMulticastUDP("udp4", nil, group)
}

// Transport drives one session at a time. Single-owner per the tick
// model: every method is called from the forwarding loop, never
// concurrently.
type Transport struct {
	log   *slog.Logger
	clock clock.Clock
	codec wire.Codec

	conn   PacketConn
	group  *net.UDPAddr
	seq    uint32
	status Status
	rx     []byte
}

func New(clk clock.Clock, log *slog.Logger) *Transport {
	if log == nil {
		log = logging.L()
	}
	return &Transport{
		log:   log,
		clock: clk,
		rx:    make([]byte, maxDatagram),
	}
}

func (t *Transport) Status() Status { return t.status }
func (t *Transport) Active() bool   { return t.status == Active }

// SequenceNumber exposes the current outbound counter (next value to be
// stamped); mainly for tests and diagnostics.
func (t *Transport) SequenceNumber() uint32 { return t.seq }

// StartSession resolves the group address, joins it and arms sequence
// numbering from zero. An already active session is torn down first, so
// restarting is always safe.
func (t *Transport) StartSession(address string, port int) error {
	if t.status == Active {
		t.StopSession()
	}
	group, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrAddressResolution, address, err)
	}
	conn, err := joinMulticast(group)
	if err != nil {
		metrics.IncError(metrics.ErrSocket)
		return fmt.Errorf("%w: %s: %v", ErrSocket, group, err)
	}
	t.conn = conn
	t.group = group
	t.seq = 0
	t.status = Active
	metrics.IncSessionStart()
	t.log.Info("session_start", "group", group.String())
	return nil
}

// StopSession leaves the group and clears the counter and roster
// address. Safe to call repeatedly; always leaves status Inactive.
func (t *Transport) StopSession() {
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
	t.group = nil
	t.seq = 0
	if t.status == Active {
		metrics.IncSessionStop()
		t.log.Info("session_stop")
	}
	t.status = Inactive
}

// SendCanRelay publishes one CAN frame stamped with the current sequence
// number and monotonic microsecond clock. Returns bytes written; 0 on a
// transient send failure (the counter then does not advance, loss at the
// receivers covers the gap semantics).
func (t *Transport) SendCanRelay(index uint16, frameNumber uint32, fr can.Frame, needResponse bool) int {
	if t.status != Active {
		return 0
	}
	h := wire.Header{
		Index:       index,
		FrameNumber: frameNumber,
		Timestamp:   t.clock.EpochMillis(),
	}
	p := wire.CanRelay{
		SequenceNumber: t.seq,
		SendMicros:     t.clock.MonotonicMicros(),
		NeedResponse:   needResponse,
		Frame:          fr,
	}
	n, err := t.conn.WriteToUDP(t.codec.Encode(h, &p), t.group)
	if err != nil {
		metrics.IncError(metrics.ErrUDPWrite)
		t.log.Warn("udp_send_error", "error", err)
		return 0
	}
	t.seq++
	metrics.IncUDPTx()
	return n
}

// SendHealthReport publishes the node reports out-of-band: health
// reports never consume a loss-tracking sequence number.
func (t *Transport) SendHealthReport(index uint16, frameNumber uint32, nodes []wire.NodeReport) int {
	if t.status != Active {
		return 0
	}
	h := wire.Header{
		Index:       index,
		FrameNumber: frameNumber,
		Timestamp:   t.clock.EpochMillis(),
	}
	p := wire.HealthReport{Nodes: nodes}
	n, err := t.conn.WriteToUDP(t.codec.Encode(h, &p), t.group)
	if err != nil {
		metrics.IncError(metrics.ErrUDPWrite)
		t.log.Warn("udp_send_error", "error", err)
		return 0
	}
	metrics.IncUDPTx()
	return n
}

// ReceiveOne returns at most one pending datagram, or ok=false when
// nothing is buffered. Non-blocking: the read deadline is set to now so
// an idle socket returns immediately. Datagrams shorter than the packet
// header are dropped silently, consistent with best-effort delivery.
// The returned slice is valid until the next ReceiveOne call.
func (t *Transport) ReceiveOne() ([]byte, bool) {
	if t.status != Active || t.conn == nil {
		return nil, false
	}
	_ = t.conn.SetReadDeadline(time.Now())
	n, _, err := t.conn.ReadFromUDP(t.rx)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, false // nothing pending
		}
		if t.status == Active {
			metrics.IncError(metrics.ErrUDPRead)
			t.log.Debug("udp_recv_error", "error", err)
		}
		return nil, false
	}
	if n < wire.HeaderSize {
		metrics.IncMalformed()
		return nil, false
	}
	metrics.IncUDPRx()
	return t.rx[:n], true
}
