package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/gvretd/internal/metrics"
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
					"gvret_tx_frames", snap.GvretTxFrames,
					"elm_rx_lines", snap.ElmRxLines,
					"elm_tx_frames", snap.ElmTxFrames,
					"buffer_drops", snap.BufferDrops,
					"malformed", snap.Malformed,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
