package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kstaniek/gvretd/internal/canbus"
	"github.com/kstaniek/gvretd/internal/diagview"
	"github.com/kstaniek/gvretd/internal/dispatch"
	"github.com/kstaniek/gvretd/internal/elm327"
	"github.com/kstaniek/gvretd/internal/gvretproto"
	"github.com/kstaniek/gvretd/internal/metrics"
	"github.com/kstaniek/gvretd/internal/orchestrator"
	"github.com/kstaniek/gvretd/internal/transport"
	"github.com/kstaniek/gvretd/internal/uart"
)

// Helper implementations moved to dedicated files: version.go, config.go,
// logger.go, mdns.go, metrics_logger.go, backend.go, clock.go.

const (
	gvretFlushInterval = 10 * time.Millisecond
	elmFlushInterval   = 10 * time.Millisecond
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("gvretd %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)

	settings := canbus.DefaultSettings()
	settings.Buses[0] = canbus.BusConfig{Enabled: true, NomSpeed: 500_000}
	if cfg.canFD {
		settings.Buses[0].FDMode = true
		settings.Buses[0].FDSpeed = uint32(cfg.canFDSpeed)
	}
	settings.EnableBT = cfg.btEnable
	settings.BTName = cfg.btName

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buses, busCleanup, err := initBuses(ctx, cfg, &settings, l)
	if err != nil {
		l.Error("backend_init_error", "error", err)
		return
	}
	defer busCleanup()

	clock := newBootClock()
	gvretOut := gvretproto.NewOutputBuffer("gvret")
	elmOut := gvretproto.NewOutputBuffer("elm")

	var d *dispatch.Dispatcher
	elmSend := func(f canbus.Frame) error {
		return d.SendFrame(0, f)
	}
	elmInterp := elm327.NewInterpreter(elmSend, elmOut)

	gvretSend := func(bus int, f canbus.Frame) error { return d.SendFrame(bus, f) }
	gvretReinit := func(bus int, cfg canbus.BusConfig) { d.Reconfigure(bus, cfg) }
	codec := gvretproto.NewCodec(&settings, clock, gvretSend, gvretReinit, gvretOut)

	d = dispatch.New(buses, gvretOut, elmInterp, clock.Micros)
	d.Setup(&settings)

	var wg sync.WaitGroup

	if cfg.diagAddr != "" {
		hub := diagview.NewHub()
		d.SetObserver(func(bus int, f canbus.Frame) { hub.Broadcast(bus, f, time.Now().UnixNano()) })
		diagSrv := &http.Server{Addr: cfg.diagAddr, Handler: diagview.NewServer(hub, l)}
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Info("diagview_listen", "addr", cfg.diagAddr)
			if err := diagSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				l.Error("diagview_http_error", "error", err)
			}
		}()
		go func() { <-ctx.Done(); _ = diagSrv.Shutdown(context.Background()) }()
	}

	orch := orchestrator.New(&settings, codec, gvretOut, elmInterp, d)

	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	wg.Add(1)
	go func() {
		defer wg.Done()
		orch.Run(ctx)
	}()

	if cfg.heartbeat {
		wg.Add(1)
		go func() {
			defer wg.Done()
			orchestrator.RunHeartbeat(ctx)
		}()
	}

	gvretListener := &transport.Listener{
		Addr:       cfg.gvretAddr,
		MaxClients: 1,
		Logger:     l,
		OnConnect:  func(net.Conn) { metrics.SetGvretClientConnected(true) },
		NewSession: func(conn net.Conn) *transport.Session {
			sess := transport.NewSession(conn,
				func(b byte) { orch.FeedGVRET(ctx, b) },
				gvretOut, gvretFlushInterval, cfg.clientReadTO,
				metrics.ErrGvretRead, metrics.ErrGvretWrite, l)
			sess.OnDisconnect(func() {
				metrics.SetGvretClientConnected(false)
				orch.ResetGVRET()
			})
			return sess
		},
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := gvretListener.Serve(ctx); err != nil {
			l.Error("gvret_listen_error", "error", err)
			cancel()
		}
	}()

	elmListener := &transport.Listener{
		Addr:       cfg.elmAddr,
		MaxClients: 1,
		Logger:     l,
		OnConnect:  func(net.Conn) { metrics.SetElmClientConnected(true) },
		NewSession: func(conn net.Conn) *transport.Session {
			sess := transport.NewSession(conn,
				func(b byte) { orch.FeedELM(ctx, b) },
				elmOut, elmFlushInterval, cfg.clientReadTO,
				metrics.ErrElmRead, metrics.ErrElmWrite, l)
			sess.OnDisconnect(func() { metrics.SetElmClientConnected(false) })
			return sess
		},
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := elmListener.Serve(ctx); err != nil {
			l.Error("elm_listen_error", "error", err)
			cancel()
		}
	}()

	if cfg.serialDev != "" {
		port, err := uart.Open(cfg.serialDev, cfg.baud, cfg.serialReadTO)
		if err != nil {
			l.Error("serial_open_error", "error", err, "device", cfg.serialDev)
		} else {
			l.Info("serial_open", "device", cfg.serialDev, "baud", cfg.baud)
			sess := transport.NewSession(port,
				func(b byte) { orch.FeedGVRET(ctx, b) },
				gvretOut, gvretFlushInterval, 0,
				metrics.ErrGvretRead, metrics.ErrGvretWrite, l)
			sess.Start(ctx)
		}
	}

	cleanupMDNS, err := startMDNS(ctx, cfg, gvretPort(cfg.gvretAddr), elmPort(cfg.elmAddr))
	if err != nil {
		l.Warn("mdns_start_failed", "error", err)
	} else {
		defer cleanupMDNS()
	}

	metrics.SetReadinessFunc(func() bool { return ctx.Err() == nil })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	gvretListener.Shutdown()
	elmListener.Shutdown()
	wg.Wait()
}

// gvretPort/elmPort extract the numeric port from a "host:port" or ":port"
// listen address for mDNS registration; 0 if unparseable.
func gvretPort(addr string) int { return portOf(addr) }
func elmPort(addr string) int   { return portOf(addr) }

func portOf(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	var n int
	if _, err := fmt.Sscanf(p, "%d", &n); err != nil {
		return 0
	}
	return n
}
