package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/canlink/can-gateway/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"udp_rx", snap.UDPRx,
					"udp_tx", snap.UDPTx,
					"can_rx", snap.CANRx,
					"can_tx", snap.CANTx,
					"session_starts", snap.SessionStarts,
					"session_stops", snap.SessionStops,
					"health_reports", snap.HealthReports,
					"malformed", snap.Malformed,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
