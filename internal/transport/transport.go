// Package transport provides the byte-stream plumbing shared by the GVRET
// and ELM327 TCP listeners (and, via the Stream interface, serial/Bluetooth
// peers): accept/read/write goroutines around a per-connection byte sink and
// a fixed-capacity output buffer, plus the AsyncTx fan-in writer used by bus
// backends.
package transport

import (
	"io"
)

// Stream is any duplex byte-oriented peer: a TCP connection, a serial port,
// or a Bluetooth SPP channel. GVRET and ELM327 both consume raw bytes and
// produce raw bytes, so a single abstraction covers every transport.
type Stream interface {
	io.ReadWriteCloser
}

// BufferSource exposes the pending outbound bytes produced by a byte sink.
// Implemented by *gvretproto.OutputBuffer.
type BufferSource interface {
	AvailableBytes() int
	TakeAll() []byte
}
