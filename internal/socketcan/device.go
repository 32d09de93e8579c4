//go:build linux

package socketcan

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/canlink/can-gateway/internal/can"
	"github.com/canlink/can-gateway/internal/channel"
)

// Device is a raw SocketCAN channel opened in non-blocking mode so the
// forwarding loop's TryRead never stalls a tick. The interface bit rate
// itself is configured out-of-band (ip link); the value here only tells
// the gateway whether the channel participates (0 disables it).
type Device struct {
	fd      int
	name    string
	bitRate uint32
	fdCap   bool // kernel accepts CAN FD frames on this socket
}

var _ channel.Channel = (*Device)(nil)

// canfdMTU is sizeof(struct canfd_frame) from linux/can.h; golang.org/x/sys
// does not export this constant.
const canfdMTU = 72

func Open(iface string, bitRate uint32) (*Device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	fdCap := true
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 1); err != nil {
		// Older kernels may not know this option; fall back to classic only.
		if err != unix.ENOPROTOOPT {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("enable CAN FD: %w", err)
		}
		fdCap = false
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set nonblock: %w", err)
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	sa := &unix.SockaddrCAN{Ifindex: ifi.Index}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	return &Device{fd: fd, name: iface, bitRate: bitRate, fdCap: fdCap}, nil
}

func (d *Device) Name() string    { return d.name }
func (d *Device) BitRate() uint32 { return d.bitRate }
func (d *Device) Close() error    { return unix.Close(d.fd) }

// TryRead reads one pending frame if any. The read size distinguishes
// classic from FD frames (CAN_MTU vs CANFD_MTU).
func (d *Device) TryRead(fr *can.Frame) (bool, error) {
	var buf [canfdMTU]byte
	n, err := unix.Read(d.fd, buf[:])
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return false, nil
		}
		return false, err
	}

	// struct can_frame / canfd_frame (linux/can.h):
	//   can_id  u32   [0:4]  (includes EFF/RTR/ERR flags)
	//   len     u8    [4]
	//   flags/pad     [5:8]
	//   data          [8:8+len]
	//
	// NOTE: The kernel provides fields in host byte order. On common Linux
	// archs (little-endian) this matches binary.LittleEndian. If you ever
	// target big-endian, switch to BigEndian here.
	switch n {
	case unix.CAN_MTU:
		fr.FD = false
	case canfdMTU:
		fr.FD = true
	default:
		return false, fmt.Errorf("short read: %d", n)
	}
	fr.CANID = binary.LittleEndian.Uint32(buf[0:4])
	ln := buf[4]
	if ln > fr.MaxDataLen() {
		ln = fr.MaxDataLen()
	}
	fr.Len = ln
	copy(fr.Data[:], buf[8:8+int(ln)])
	return true, nil
}

// Write sends one frame to the bus, choosing the classic or FD wire
// struct from the frame kind.
func (d *Device) Write(fr can.Frame) error {
	if fr.FD {
		if !d.fdCap {
			return fmt.Errorf("can fd unsupported on %s", d.name)
		}
		var buf [canfdMTU]byte
		binary.LittleEndian.PutUint32(buf[0:4], fr.CANID)
		buf[4] = fr.Len
		copy(buf[8:], fr.Data[:fr.Len])
		_, err := unix.Write(d.fd, buf[:])
		return err
	}
	var buf [unix.CAN_MTU]byte
	binary.LittleEndian.PutUint32(buf[0:4], fr.CANID)
	buf[4] = fr.Len
	copy(buf[8:], fr.Data[:fr.Len])
	_, err := unix.Write(d.fd, buf[:])
	return err
}
