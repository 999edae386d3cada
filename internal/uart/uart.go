// Package uart opens a serial port as a raw transport.Stream. GVRET and
// ELM327 both pass bytes through unframed, so unlike the teacher's UART
// layer this carries no additional framing codec — the port is the stream.
package uart

import (
	"time"

	"github.com/tarm/serial"
)

// Port is satisfied by *serial.Port.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Open opens a serial port at the given name and baud rate. readTimeout
// bounds each blocking Read so the owning session's reader goroutine can
// still observe context cancellation.
func Open(name string, baud int, readTimeout time.Duration) (Port, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	return serial.OpenPort(cfg)
}
