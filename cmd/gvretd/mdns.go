package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	gvretServiceType = "_telnet._tcp"
	elmServiceType   = "_ELM327._tcp"
)

// startMDNS registers both the GVRET and ELM327 services and returns a
// cleanup function. Safe to call even when disabled (no-op cleanup).
func startMDNS(ctx context.Context, cfg *appConfig, gvretPort, elmPort int) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	instance := cfg.mdnsName
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("gvretd-%s", host)
	}
	meta := []string{
		"backend=" + cfg.backend,
		"version=" + version,
		"commit=" + commit,
	}
	gvretSvc, err := zeroconf.Register(instance, gvretServiceType, "local.", gvretPort, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register %s: %w", gvretServiceType, err)
	}
	elmSvc, err := zeroconf.Register(instance, elmServiceType, "local.", elmPort, meta, nil)
	if err != nil {
		gvretSvc.Shutdown()
		return nil, fmt.Errorf("mdns register %s: %w", elmServiceType, err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		gvretSvc.Shutdown()
		elmSvc.Shutdown()
	}()
	return func() {
		close(done)
		gvretSvc.Shutdown()
		elmSvc.Shutdown()
		time.Sleep(50 * time.Millisecond)
	}, nil
}
