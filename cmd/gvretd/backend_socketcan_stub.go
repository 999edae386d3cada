//go:build !linux

package main

import (
	"github.com/kstaniek/gvretd/internal/canbus/socketcan"
	"github.com/kstaniek/gvretd/internal/dispatch"
)

func openSocketCANDevice(iface string) (interface {
	dispatch.Bus
	Close() error
}, error) {
	return nil, socketcan.ErrUnsupported
}
