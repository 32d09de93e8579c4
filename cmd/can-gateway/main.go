package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/canlink/can-gateway/internal/clock"
	"github.com/canlink/can-gateway/internal/control"
	"github.com/canlink/can-gateway/internal/gateway"
	"github.com/canlink/can-gateway/internal/metrics"
	"github.com/canlink/can-gateway/internal/session"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("can-gateway %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	chans, cleanup, err := initChannels(cfg, l)
	if err != nil {
		l.Error("channel_init_error", "error", err)
		return
	}

	ctrl := control.NewServer(cfg.ctrlAddr, control.WithLogger(l))
	if err := ctrl.Start(ctx); err != nil {
		l.Error("control_start_error", "error", err)
		cleanup()
		return
	}

	tr := session.New(clock.System{}, l)
	gw := gateway.New(tr, ctrl, chans, gateway.WithLogger(l))

	// Advertise the control endpoint once bound.
	if cfg.mdnsEnable {
		var portNum int
		if _, p, err := net.SplitHostPort(ctrl.Addr()); err == nil {
			portNum, _ = strconv.Atoi(p)
		}
		cleanupMDNS, err := startMDNS(ctx, cfg, portNum)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
		} else {
			l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", portNum)
			defer cleanupMDNS()
		}
	}

	metrics.SetReadinessFunc(func() bool { return ctx.Err() == nil })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	l.Info("ready", "tick", cfg.tick.String())
	t := time.NewTicker(cfg.tick)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			gw.Tick()
		case s := <-sigCh:
			l.Info("shutdown_signal", "signal", s.String())
			cancel()
			gw.Close()
			cleanup()
			wg.Wait()
			return
		}
	}
}
