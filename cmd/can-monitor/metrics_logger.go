package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-can-controller/internal/metrics"
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
					"rx", snap.Rx,
					"rx_filtered", snap.Filtered,
					"rx_dropped", snap.Dropped,
					"tx", snap.Tx,
					"tx_failed", snap.TxFailed,
					"bus_off", snap.BusOff,
					"bus_recovered", snap.Recovered,
					"queue_depth", snap.QueueDepth,
					"queue_high_water", snap.QueueHighWater,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
