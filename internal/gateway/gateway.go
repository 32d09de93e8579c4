// Package gateway is the forwarding loop: a single-threaded, tick-driven
// state machine that bridges local CAN channels and the multicast
// session while feeding the health engine. Each tick polls the control
// plane, drains at most one inbound session packet, and drains at most
// one pending frame per enabled CAN channel. Nothing here blocks; all
// collaborators are handed in at construction.
package gateway

import (
	"log/slog"
	"net/http"

	"github.com/canlink/can-gateway/internal/can"
	"github.com/canlink/can-gateway/internal/channel"
	"github.com/canlink/can-gateway/internal/control"
	"github.com/canlink/can-gateway/internal/logging"
	"github.com/canlink/can-gateway/internal/metrics"
	"github.com/canlink/can-gateway/internal/stats"
	"github.com/canlink/can-gateway/internal/wire"
)

// Transport is the session transport surface the loop drives.
// Implemented by *session.Transport in production and by fakes in tests.
type Transport interface {
	StartSession(address string, port int) error
	StopSession()
	Active() bool
	SendCanRelay(index uint16, frameNumber uint32, fr can.Frame, needResponse bool) int
	SendHealthReport(index uint16, frameNumber uint32, nodes []wire.NodeReport) int
	ReceiveOne() ([]byte, bool)
}

// ControlPlane delivers parsed start/stop commands, one per poll.
type ControlPlane interface {
	Poll() (*control.Command, bool)
}

// Gateway orchestrates the collaborators. Its only state of its own is
// the session identity (id/index) and the current frame number; the
// transport owns the socket and sequence counter, the health engine owns
// the peer records.
type Gateway struct {
	log       *slog.Logger
	ctrl      ControlPlane
	transport Transport
	channels  []channel.Channel
	codec     wire.Codec

	health      *stats.Engine
	id          uint32
	index       uint16
	frameNumber uint32
}

type Option func(*Gateway)

func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.log = l
		}
	}
}

// New wires the loop to its collaborators. channels may include disabled
// entries (bit rate 0); they are skipped on every path.
func New(transport Transport, ctrl ControlPlane, channels []channel.Channel, opts ...Option) *Gateway {
	g := &Gateway{
		log:       logging.L(),
		ctrl:      ctrl,
		transport: transport,
		channels:  channels,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// FrameNumber returns the loop's current frame counter (diagnostics/tests).
func (g *Gateway) FrameNumber() uint32 { return g.frameNumber }

// Tick runs one cooperative iteration. Control commands are always
// serviced first so a stop/start never splits a relayed packet across a
// session boundary; forwarding only happens while a session is active.
func (g *Gateway) Tick() {
	g.pollControl()
	if !g.transport.Active() {
		return
	}
	g.pollNetwork()
	g.pollChannels()
}

// Close tears down any active session; used on process shutdown.
func (g *Gateway) Close() {
	g.transport.StopSession()
}

func (g *Gateway) pollControl() {
	cmd, ok := g.ctrl.Poll()
	if !ok {
		return
	}
	switch cmd.Kind {
	case control.KindStart:
		g.handleStart(cmd)
	case control.KindStop:
		g.handleStop(cmd)
	default:
		cmd.Respond(control.NotImplemented)
	}
}

// handleStart tears down any prior session and establishes the new one.
// A failed start leaves the gateway Inactive and surfaces the error on
// the control plane.
func (g *Gateway) handleStart(cmd *control.Command) {
	g.transport.StopSession()
	g.id = cmd.ID
	g.index = cmd.Index
	g.frameNumber = 0
	engine := stats.NewEngine(cmd.DeviceCount)
	if err := g.transport.StartSession(cmd.Address, cmd.Port); err != nil {
		g.log.Error("session_start_failed", "error", err, "addr", cmd.Address, "port", cmd.Port)
		g.health = nil
		g.id, g.index = 0, 0
		cmd.Respond(control.Result{Code: http.StatusInternalServerError, Message: err.Error()})
		return
	}
	g.health = engine
	g.log.Info("session_started", "id", g.id, "index", g.index, "devices", cmd.DeviceCount)
	cmd.Respond(control.Result{Code: http.StatusOK, Message: "session started"})
}

func (g *Gateway) handleStop(cmd *control.Command) {
	g.id, g.index, g.frameNumber = 0, 0, 0
	g.health = nil
	g.transport.StopSession()
	cmd.Respond(control.Result{Code: http.StatusOK, Message: "session stopped"})
}

// pollNetwork drains at most one inbound packet and dispatches it by its
// type discriminator. Malformed packets are dropped, never fatal.
func (g *Gateway) pollNetwork() {
	if g.health == nil {
		return
	}
	data, ok := g.transport.ReceiveOne()
	if !ok {
		return
	}
	hdr, payload, err := g.codec.Decode(data)
	if err != nil {
		g.log.Debug("packet_drop", "error", err)
		return
	}
	if hdr.Index == g.index {
		return // own traffic looped back by the multicast group
	}
	switch p := payload.(type) {
	case *wire.CanRelay:
		if err := g.health.Update(int(hdr.Index), len(data), hdr.Timestamp, p.SequenceNumber); err != nil {
			metrics.IncError(metrics.ErrHealth)
			g.log.Warn("health_update_error", "error", err)
			return
		}
		g.writeChannels(p.Frame)
	case *wire.SensorRelay:
		if err := g.health.Update(int(hdr.Index), len(data), hdr.Timestamp, hdr.FrameNumber); err != nil {
			metrics.IncError(metrics.ErrHealth)
			g.log.Warn("health_update_error", "error", err)
			return
		}
		// Sensor frames are tracked on their own frame counter, which
		// also becomes the loop's current frame number.
		g.frameNumber = hdr.FrameNumber
	case *wire.HealthRequest:
		g.transport.SendHealthReport(g.index, g.frameNumber, g.health.Snapshot())
		g.health.Reset()
		metrics.IncHealthReport()
	case *wire.HealthReport:
		// Gateways only produce reports; inbound ones are for controllers.
	}
}

// writeChannels fans one relayed frame out to every enabled channel. A
// failed write is logged, not retried this tick.
func (g *Gateway) writeChannels(fr can.Frame) {
	for _, ch := range g.channels {
		if ch.BitRate() == 0 {
			continue
		}
		if err := ch.Write(fr); err != nil {
			metrics.IncError(metrics.ErrCANWrite)
			g.log.Warn("can_write_error", "channel", ch.Name(), "error", err)
			continue
		}
		metrics.IncCANTx(ch.Name())
	}
}

// pollChannels drains at most one pending frame per enabled channel and
// republishes each on the session.
func (g *Gateway) pollChannels() {
	for _, ch := range g.channels {
		if ch.BitRate() == 0 {
			continue
		}
		var fr can.Frame
		ok, err := ch.TryRead(&fr)
		if err != nil {
			metrics.IncError(metrics.ErrCANRead)
			g.log.Warn("can_read_error", "channel", ch.Name(), "error", err)
			continue
		}
		if !ok {
			continue
		}
		metrics.IncCANRx(ch.Name())
		if n := g.transport.SendCanRelay(g.index, g.frameNumber, fr, false); n == 0 {
			g.log.Debug("relay_send_drop", "channel", ch.Name())
		}
	}
}
