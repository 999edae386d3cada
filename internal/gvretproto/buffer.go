// Package gvretproto implements the GVRET binary wire protocol: a
// fixed-capacity output buffer and the byte-driven command parser that
// writes its replies into it.
package gvretproto

import (
	"fmt"

	"github.com/kstaniek/gvretd/internal/canbus"
	"github.com/kstaniek/gvretd/internal/metrics"
)

// BufferSize is the fixed capacity of an OutputBuffer (WIFI_BUFF_SIZE in the original firmware).
const BufferSize = 2048

// frameChecksumPlaceholder is the trailing byte of every captured-frame
// record. The wire format reserves it for a checksum but the firmware
// never computes one and no known client verifies it; kept as a named
// zero so a future change is a one-line diff.
const frameChecksumPlaceholder = 0x00

// protoBuildFDFrame is the GVRET command byte used for FD frame capture records.
const protoBuildFDFrame = 0x05

// OutputBuffer is a fixed-capacity byte buffer with truncation-safe append
// of bytes, strings, and CAN frame records. A frame record that cannot fit
// entirely is dropped whole and never partially written; AppendByte,
// AppendBytes and AppendString write as much as fits and drop the rest.
type OutputBuffer struct {
	buf      [BufferSize]byte
	len      int
	dropChan string // label used when IncOutputBufferDrop fires
}

// NewOutputBuffer constructs an empty buffer. dropChannel labels metrics on overflow.
func NewOutputBuffer(dropChannel string) *OutputBuffer {
	return &OutputBuffer{dropChan: dropChannel}
}

// AvailableBytes returns the number of unread bytes currently buffered.
func (b *OutputBuffer) AvailableBytes() int { return b.len }

// roomLeft returns remaining capacity.
func (b *OutputBuffer) roomLeft() int { return BufferSize - b.len }

// AppendByte appends a single byte; no-op if full.
func (b *OutputBuffer) AppendByte(v byte) {
	if b.len >= BufferSize {
		return
	}
	b.buf[b.len] = v
	b.len++
}

// AppendBytes copies as much of p as fits and returns the count copied.
func (b *OutputBuffer) AppendBytes(p []byte) int {
	room := b.roomLeft()
	n := len(p)
	if n > room {
		n = room
	}
	if n > 0 {
		copy(b.buf[b.len:], p[:n])
		b.len += n
	}
	return n
}

// AppendString appends the bytes of s up to capacity.
func (b *OutputBuffer) AppendString(s string) int { return b.AppendBytes([]byte(s)) }

// TakeAll returns a copy of the buffered bytes and clears the buffer.
func (b *OutputBuffer) TakeAll() []byte {
	out := make([]byte, b.len)
	copy(out, b.buf[:b.len])
	b.len = 0
	return out
}

func (b *OutputBuffer) appendU32LE(v uint32) {
	b.AppendByte(byte(v))
	b.AppendByte(byte(v >> 8))
	b.AppendByte(byte(v >> 16))
	b.AppendByte(byte(v >> 24))
}

// AppendFrame appends a classic CAN frame as either the 12+len byte binary
// record or the ASCII text line, depending on binary. micros is the
// microsecond timestamp to stamp the record with (in both layouts).
// Either the whole record fits, or nothing is written.
func (b *OutputBuffer) AppendFrame(f canbus.Frame, bus int, binary bool, micros uint32) bool {
	if binary {
		need := 12 + int(f.Len)
		if b.roomLeft() < need {
			metrics.IncOutputBufferDrop(b.dropChan)
			return false
		}
		id := f.ID
		if f.Extended {
			id |= 1 << 31
		}
		b.AppendByte(0xF1)
		b.AppendByte(0x00)
		b.appendU32LE(micros)
		b.appendU32LE(id)
		b.AppendByte(f.Len | byte(bus<<4))
		b.AppendBytes(f.Data[:f.Len])
		b.AppendByte(frameChecksumPlaceholder)
		return true
	}
	line := formatASCIIFrame(micros, f.ID, f.Extended, bus, int(f.Len), f.Data[:f.Len])
	if b.roomLeft() < len(line) {
		metrics.IncOutputBufferDrop(b.dropChan)
		return false
	}
	b.AppendString(line)
	return true
}

// AppendFrameFD appends an FD frame as the 13+len byte binary record or the
// ASCII text line. Either the whole record fits, or nothing is written.
func (b *OutputBuffer) AppendFrameFD(f canbus.FrameFD, bus int, binary bool, micros uint32) bool {
	if binary {
		need := 13 + int(f.Len)
		if b.roomLeft() < need {
			metrics.IncOutputBufferDrop(b.dropChan)
			return false
		}
		id := f.ID
		if f.Extended {
			id |= 1 << 31
		}
		b.AppendByte(0xF1)
		b.AppendByte(protoBuildFDFrame)
		b.appendU32LE(micros)
		b.appendU32LE(id)
		b.AppendByte(f.Len)
		b.AppendByte(byte(bus))
		b.AppendBytes(f.Data[:f.Len])
		b.AppendByte(frameChecksumPlaceholder)
		return true
	}
	line := formatASCIIFrame(micros, f.ID, f.Extended, bus, int(f.Len), f.Data[:f.Len])
	if b.roomLeft() < len(line) {
		metrics.IncOutputBufferDrop(b.dropChan)
		return false
	}
	b.AppendString(line)
	return true
}

// formatASCIIFrame builds the "<micros> - <id_hex> <X|S> <bus> <len>[ <byte_hex>]*\r\n" line.
func formatASCIIFrame(micros uint32, id uint32, extended bool, bus int, length int, data []byte) string {
	kind := byte('S')
	if extended {
		kind = 'X'
	}
	s := fmt.Sprintf("%d - %x %c %d %d", micros, id, kind, bus, length)
	for _, d := range data {
		s += fmt.Sprintf(" %x", d)
	}
	return s + "\r\n"
}
