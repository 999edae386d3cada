package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kstaniek/gvretd/internal/canbus"
	"github.com/kstaniek/gvretd/internal/canbus/simbus"
	"github.com/kstaniek/gvretd/internal/dispatch"
	"github.com/kstaniek/gvretd/internal/metrics"
	"github.com/kstaniek/gvretd/internal/transport"
)

// txQueueDepth bounds how many outbound frames may be queued on a bus's
// AsyncTx before SendFrame starts dropping; a wedged or slow hardware write
// must never stall the orchestrator's single scheduling goroutine.
const txQueueDepth = 64

// asyncBus wraps a Bus so Send/SendFD never block the caller: writes are
// funneled through per-bus transport.AsyncTx worker goroutines, the same
// fan-in pattern used for the hardware TX path elsewhere in this codebase.
// Setup, Poll, and PollFD pass straight through.
type asyncBus struct {
	inner dispatch.Bus
	tx    *transport.AsyncTx[canbus.Frame]
	txFD  *transport.AsyncTx[canbus.FrameFD]
}

func newAsyncBus(ctx context.Context, inner dispatch.Bus) *asyncBus {
	ab := &asyncBus{inner: inner}
	hooks := transport.Hooks{
		OnError: func(err error) { metrics.IncError(metrics.ErrBusWrite) },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrBusWrite)
			return nil
		},
	}
	ab.tx = transport.NewAsyncTx(ctx, txQueueDepth, inner.Send, hooks)
	ab.txFD = transport.NewAsyncTx(ctx, txQueueDepth, inner.SendFD, hooks)
	return ab
}

func (a *asyncBus) Setup(cfg canbus.BusConfig) error { return a.inner.Setup(cfg) }
func (a *asyncBus) Poll() (canbus.Frame, bool)       { return a.inner.Poll() }
func (a *asyncBus) Send(f canbus.Frame) error        { return a.tx.SendFrame(f) }
func (a *asyncBus) PollFD() (canbus.FrameFD, bool)   { return a.inner.PollFD() }
func (a *asyncBus) SendFD(f canbus.FrameFD) error    { return a.txFD.SendFrame(f) }
func (a *asyncBus) Close() {
	a.tx.Close()
	a.txFD.Close()
}

// initBuses constructs the per-bus backend handles for every bus enabled in
// settings. socketcan only ever wires bus 0 to real hardware (one interface
// flag, --can-if); the sim backend gives every enabled bus an independent
// in-memory loopback, useful for exercising all 5 buses without hardware.
// Every handle's Send path runs through asyncBus so a slow or wedged write
// never blocks the orchestrator.
func initBuses(ctx context.Context, cfg *appConfig, settings *canbus.Settings, l *slog.Logger) ([canbus.NumBuses]dispatch.Bus, func(), error) {
	var buses [canbus.NumBuses]dispatch.Bus
	var closers []func()
	cleanup := func() {
		for _, c := range closers {
			c()
		}
	}

	switch cfg.backend {
	case "sim":
		for i := range settings.Buses {
			if !settings.Buses[i].Enabled {
				continue
			}
			sb := simbus.New(256)
			ab := newAsyncBus(ctx, sb)
			buses[i] = ab
			closers = append(closers, ab.Close)
		}
		return buses, cleanup, nil
	case "socketcan":
		if settings.Buses[0].Enabled {
			dev, err := openSocketCANDevice(cfg.canIf)
			if err != nil {
				return buses, cleanup, fmt.Errorf("socketcan open %s: %w", cfg.canIf, err)
			}
			l.Info("socketcan_open", "if", cfg.canIf)
			ab := newAsyncBus(ctx, dev)
			buses[0] = ab
			closers = append(closers, ab.Close, func() { _ = dev.Close() })
		}
		for i := 1; i < canbus.NumBuses; i++ {
			if settings.Buses[i].Enabled {
				l.Warn("socketcan_backend_bus_unavailable", "bus", i, "reason", "only bus 0 has a configured interface; use --backend=sim to exercise additional buses")
			}
		}
		return buses, cleanup, nil
	default:
		return buses, cleanup, fmt.Errorf("unknown backend %q (use socketcan|sim)", cfg.backend)
	}
}
