package main

import (
	"fmt"
	"log/slog"

	"github.com/canlink/can-gateway/internal/channel"
	"github.com/canlink/can-gateway/internal/serialcan"
	"github.com/canlink/can-gateway/internal/socketcan"
)

// Hooks for tests (overridden in unit tests).
var (
	openSocketCAN = func(iface string, bitRate uint32) (channel.Channel, error) {
		return socketcan.Open(iface, bitRate)
	}
	openSerialPort = serialcan.OpenPort
)

// initChannels opens the configured local CAN channels. Disabled
// channels (backend off or bit rate 0) are skipped entirely.
func initChannels(cfg *appConfig, l *slog.Logger) ([]channel.Channel, func(), error) {
	var chans []channel.Channel
	cleanup := func() {
		for _, ch := range chans {
			_ = ch.Close()
		}
	}
	for _, cc := range []struct {
		name string
		cfg  channelConfig
	}{{"can0", cfg.can0}, {"can1", cfg.can1}} {
		if cc.cfg.backend == "off" || cc.cfg.bitRate == 0 {
			l.Info("channel_disabled", "channel", cc.name)
			continue
		}
		switch cc.cfg.backend {
		case "socketcan":
			dev, err := openSocketCAN(cc.cfg.iface, uint32(cc.cfg.bitRate))
			if err != nil {
				cleanup()
				return nil, func() {}, fmt.Errorf("socketcan open %s: %w", cc.cfg.iface, err)
			}
			l.Info("socketcan_open", "channel", cc.name, "if", cc.cfg.iface, "bitrate", cc.cfg.bitRate)
			chans = append(chans, dev)
		case "serial":
			port, err := openSerialPort(cc.cfg.device, cc.cfg.baud, cfg.serialReadTO)
			if err != nil {
				cleanup()
				return nil, func() {}, fmt.Errorf("serial open %s: %w", cc.cfg.device, err)
			}
			l.Info("serial_open", "channel", cc.name, "device", cc.cfg.device, "baud", cc.cfg.baud)
			chans = append(chans, serialcan.NewAdapter(cc.name, uint32(cc.cfg.bitRate), port))
		}
	}
	if len(chans) == 0 {
		l.Warn("no_channels_enabled")
	}
	return chans, cleanup, nil
}
