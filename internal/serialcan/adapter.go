package serialcan

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/canlink/can-gateway/internal/can"
	"github.com/canlink/can-gateway/internal/channel"
)

// ErrFDUnsupported is returned when an FD frame is written to a serial
// adapter; the UART framing only carries classic frames.
var ErrFDUnsupported = errors.New("serialcan: fd frames unsupported")

const (
	readBufSize = 4096
	// reclaimThreshold is the accumulator capacity above which the buffer
	// is discarded once drained, so bursts of line noise cannot retain a
	// large backing array forever.
	reclaimThreshold = 16 * 1024
)

// Adapter is a serial-attached CAN controller behind the UART framing in
// Codec. Single-owner like every channel: only the forwarding loop
// touches it.
type Adapter struct {
	name    string
	bitRate uint32
	port    Port
	codec   Codec
	rbuf    []byte
	acc     *bytes.Buffer
	pending []can.Frame // decoded but not yet handed to the loop
}

var _ channel.Channel = (*Adapter)(nil)

func NewAdapter(name string, bitRate uint32, port Port) *Adapter {
	return &Adapter{
		name:    name,
		bitRate: bitRate,
		port:    port,
		rbuf:    make([]byte, readBufSize),
		acc:     bytes.NewBuffer(nil),
	}
}

func (a *Adapter) Name() string    { return a.name }
func (a *Adapter) BitRate() uint32 { return a.bitRate }
func (a *Adapter) Close() error    { return a.port.Close() }

// TryRead hands out one decoded frame per call. When none is pending it
// performs a single short read and drains whatever complete frames the
// bytes contain; a read timeout simply means nothing is available.
func (a *Adapter) TryRead(fr *can.Frame) (bool, error) {
	if len(a.pending) == 0 {
		n, err := a.port.Read(a.rbuf)
		if n > 0 {
			a.acc.Write(a.rbuf[:n])
			a.codec.DecodeStream(a.acc, func(f can.Frame) {
				a.pending = append(a.pending, f)
			})
			if a.acc.Len() == 0 && cap(a.acc.Bytes()) > reclaimThreshold {
				a.acc = bytes.NewBuffer(nil)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				// tarm/serial signals a read timeout as EOF
				err = nil
			} else {
				var perr *os.PathError
				if errors.As(err, &perr) {
					return false, fmt.Errorf("serial device gone: %w", err)
				}
				return false, err
			}
		}
	}
	if len(a.pending) == 0 {
		return false, nil
	}
	*fr = a.pending[0]
	a.pending = a.pending[1:]
	return true, nil
}

// Write sends one classic frame through the UART. FD frames are refused.
func (a *Adapter) Write(fr can.Frame) error {
	if fr.FD {
		return ErrFDUnsupported
	}
	_, err := a.port.Write(a.codec.Encode(fr))
	return err
}
