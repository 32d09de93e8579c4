package main

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/canlink/can-gateway/internal/can"
	"github.com/canlink/can-gateway/internal/channel"
	"github.com/canlink/can-gateway/internal/serialcan"
)

type stubChannel struct {
	name   string
	closed bool
}

func (s *stubChannel) Name() string                     { return s.name }
func (s *stubChannel) BitRate() uint32                  { return 250000 }
func (s *stubChannel) TryRead(*can.Frame) (bool, error) { return false, nil }
func (s *stubChannel) Write(can.Frame) error            { return nil }
func (s *stubChannel) Close() error                     { s.closed = true; return nil }

type stubPort struct{}

func (stubPort) Read(p []byte) (int, error)  { return 0, io.EOF }
func (stubPort) Write(p []byte) (int, error) { return len(p), nil }
func (stubPort) Close() error                { return nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func withChannelHooks(t *testing.T, sc func(string, uint32) (channel.Channel, error),
	sp func(string, int, time.Duration) (serialcan.Port, error)) {
	t.Helper()
	origSC, origSP := openSocketCAN, openSerialPort
	if sc != nil {
		openSocketCAN = sc
	}
	if sp != nil {
		openSerialPort = sp
	}
	t.Cleanup(func() { openSocketCAN, openSerialPort = origSC, origSP })
}

func TestInitChannels_DisabledSkipped(t *testing.T) {
	withChannelHooks(t, func(iface string, bitRate uint32) (channel.Channel, error) {
		t.Fatalf("socketcan opened for disabled config (%s)", iface)
		return nil, nil
	}, nil)
	cfg := baseConfig()
	cfg.can0 = channelConfig{backend: "off"}
	cfg.can1 = channelConfig{backend: "socketcan", iface: "can1", bitRate: 0} // bit rate 0 disables too

	chans, cleanup, err := initChannels(cfg, quietLogger())
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer cleanup()
	if len(chans) != 0 {
		t.Fatalf("got %d channels, want none", len(chans))
	}
}

func TestInitChannels_SocketCANAndSerial(t *testing.T) {
	opened := []string{}
	withChannelHooks(t,
		func(iface string, bitRate uint32) (channel.Channel, error) {
			opened = append(opened, iface)
			return &stubChannel{name: iface}, nil
		},
		func(device string, baud int, readTO time.Duration) (serialcan.Port, error) {
			opened = append(opened, device)
			return stubPort{}, nil
		})
	cfg := baseConfig()
	cfg.can1 = channelConfig{backend: "serial", device: "/dev/ttyUSB0", baud: 115200, bitRate: 250000}

	chans, cleanup, err := initChannels(cfg, quietLogger())
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer cleanup()
	if len(chans) != 2 {
		t.Fatalf("got %d channels, want 2", len(chans))
	}
	if len(opened) != 2 || opened[0] != "can0" || opened[1] != "/dev/ttyUSB0" {
		t.Fatalf("opened %v", opened)
	}
	if chans[1].Name() != "can1" {
		t.Fatalf("serial adapter named %q, want can1", chans[1].Name())
	}
}

func TestInitChannels_OpenFailureClosesEarlierChannels(t *testing.T) {
	first := &stubChannel{name: "can0"}
	withChannelHooks(t,
		func(iface string, bitRate uint32) (channel.Channel, error) {
			return first, nil
		},
		func(device string, baud int, readTO time.Duration) (serialcan.Port, error) {
			return nil, errors.New("no such device")
		})
	cfg := baseConfig()
	cfg.can1 = channelConfig{backend: "serial", device: "/dev/ttyUSB0", baud: 115200, bitRate: 250000}

	if _, _, err := initChannels(cfg, quietLogger()); err == nil {
		t.Fatal("expected open error")
	}
	if !first.closed {
		t.Fatal("earlier channel left open after failure")
	}
}
