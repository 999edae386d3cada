package gvretproto

import (
	"bytes"
	"testing"

	"github.com/kstaniek/gvretd/internal/canbus"
)

type fixedClock uint32

func (c fixedClock) Micros() uint32 { return uint32(c) }

func newTestCodec(t *testing.T) (*Codec, *canbus.Settings, *[]canbus.Frame, *OutputBuffer) {
	t.Helper()
	settings := canbus.DefaultSettings()
	var sent []canbus.Frame
	out := NewOutputBuffer("test")
	c := NewCodec(&settings, fixedClock(1000), func(bus int, f canbus.Frame) error {
		sent = append(sent, f)
		return nil
	}, nil, out)
	return c, &settings, &sent, out
}

func feed(c *Codec, bs ...byte) {
	for _, b := range bs {
		c.ProcessByte(b)
	}
}

func TestKeepAlive(t *testing.T) {
	c, _, _, out := newTestCodec(t)
	feed(c, 0xF1, 0x09)
	got := out.TakeAll()
	want := []byte{0xF1, 0x09, 0xDE, 0xAD}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %x want %x", got, want)
	}
}

func TestGetNumBuses(t *testing.T) {
	c, _, _, out := newTestCodec(t)
	feed(c, 0xF1, 0x0C)
	got := out.TakeAll()
	want := []byte{0xF1, 0x0C, canbus.NumBuses}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %x want %x", got, want)
	}
}

func TestBuildCANFrameClassic(t *testing.T) {
	c, _, sent, _ := newTestCodec(t)
	feed(c, 0xF1, 0x00, 0x23, 0x01, 0x00, 0x00, 0x00, 0x08, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88)
	if len(*sent) != 1 {
		t.Fatalf("expected 1 frame sent, got %d", len(*sent))
	}
	f := (*sent)[0]
	if f.ID != 0x123 || f.Extended || f.Len != 8 {
		t.Fatalf("unexpected frame: %+v", f)
	}
	want := [8]byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88}
	if f.Data != want {
		t.Fatalf("unexpected data: %x", f.Data)
	}
}

func TestBuildCANFrameExtended(t *testing.T) {
	c, _, sent, _ := newTestCodec(t)
	id := uint32(0x1ABCDEF) | (1 << 31)
	feed(c, 0xF1, 0x00, byte(id), byte(id>>8), byte(id>>16), byte(id>>24), 0x00, 0x00)
	if len(*sent) != 1 {
		t.Fatalf("expected 1 frame")
	}
	f := (*sent)[0]
	if !f.Extended {
		t.Fatalf("expected extended flag set")
	}
	if f.ID != 0x1ABCDEF&0x7FFFFFFF {
		t.Fatalf("unexpected id %x", f.ID)
	}
}

func TestSetupCANBusEnablesBusZero(t *testing.T) {
	c, settings, _, _ := newTestCodec(t)
	feed(c, 0xF1, 0x05, 0xE8, 0x03, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00)
	if !settings.Buses[0].Enabled || settings.Buses[0].NomSpeed != 1000 || settings.Buses[0].ListenOnly {
		t.Fatalf("unexpected bus0 config: %+v", settings.Buses[0])
	}
	if settings.Buses[1].Enabled {
		t.Fatalf("expected bus1 disabled")
	}
}

func TestSetupCANBusSpeedClamp(t *testing.T) {
	c, settings, _, _ := newTestCodec(t)
	// 0xFFFFF (max 20-bit value after mask) = 1,048,575 -> clamps to 1,000,000
	word := uint32(0x80000000 | 0x40000000 | 0xFFFFF)
	feed(c, 0xF1, 0x05, byte(word), byte(word>>8), byte(word>>16), byte(word>>24), 0, 0, 0, 0)
	if settings.Buses[0].NomSpeed != canbus.MaxNomSpeed {
		t.Fatalf("expected clamp to %d, got %d", canbus.MaxNomSpeed, settings.Buses[0].NomSpeed)
	}
}

func TestEchoCANFrameWritesCaptureNotSend(t *testing.T) {
	c, _, sent, out := newTestCodec(t)
	feed(c, 0xF1, 0x0B, 0x23, 0x01, 0x00, 0x00, 0x00, 0x02, 0xAA, 0xBB)
	if len(*sent) != 0 {
		t.Fatalf("echo must not transmit, got %d sends", len(*sent))
	}
	if out.AvailableBytes() == 0 {
		t.Fatalf("expected capture record written to output buffer")
	}
}

func TestEchoCANFrameCaptureAlwaysBusZero(t *testing.T) {
	c, settings, _, out := newTestCodec(t)
	settings.UseBinarySerialComm = true
	// bus byte 0x01 selects parsed bus 1 ("out_bus = in_byte & 1"); the
	// capture record must still land on bus 0, matching the original
	// firmware's hardcoded displayFrame(build_out_frame, 0).
	feed(c, 0xF1, 0x0B, 0x23, 0x01, 0x00, 0x00, 0x01, 0x02, 0xAA, 0xBB)
	rec := out.TakeAll()
	if len(rec) < 11 {
		t.Fatalf("expected capture record, got %d bytes", len(rec))
	}
	lenAndBus := rec[10]
	if bus := lenAndBus >> 4; bus != 0 {
		t.Fatalf("expected capture bus 0, got %d", bus)
	}
}

func TestGetCanBusParamsHardcodesTwoBuses(t *testing.T) {
	c, settings, _, out := newTestCodec(t)
	settings.Buses[0].Enabled = true
	settings.Buses[0].NomSpeed = 500000
	feed(c, 0xF1, 0x06)
	got := out.TakeAll()
	if len(got) != 2+5+5 {
		t.Fatalf("expected 12 bytes, got %d: %x", len(got), got)
	}
}

func TestUnknownOpcodeResyncsOnNextF1(t *testing.T) {
	c, _, _, out := newTestCodec(t)
	feed(c, 0xF1, 0xFF, 0x55, 0x66, 0x77) // unknown opcode followed by junk
	feed(c, 0xF1, 0x09)                   // must resync and answer keepalive
	got := out.TakeAll()
	want := []byte{0xF1, 0x09, 0xDE, 0xAD}
	if !bytes.Equal(got, want) {
		t.Fatalf("parser desynced: got %x want %x", got, want)
	}
}

func TestOverlongBodyStillResyncs(t *testing.T) {
	c, _, _, out := newTestCodec(t)
	// BUILD_CAN_FRAME with len=0 completes after 6 header bytes; extra bytes before the
	// next 0xF1 must be discarded without desyncing the parser.
	feed(c, 0xF1, 0x00, 0, 0, 0, 0, 0, 0, 0xAA, 0xBB, 0xCC)
	feed(c, 0xF1, 0x09)
	got := out.TakeAll()
	want := []byte{0xF1, 0x09, 0xDE, 0xAD}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %x want %x", got, want)
	}
}

func TestIdleIgnoresSpuriousBytes(t *testing.T) {
	c, _, _, out := newTestCodec(t)
	feed(c, 0x00, 0x01, 0x02, 0xFF)
	if out.AvailableBytes() != 0 {
		t.Fatalf("expected no output for spurious idle bytes")
	}
}

func TestBinaryModeToggle(t *testing.T) {
	c, settings, _, _ := newTestCodec(t)
	if settings.UseBinarySerialComm {
		t.Fatalf("expected binary mode off by default")
	}
	feed(c, 0xE7)
	if !settings.UseBinarySerialComm {
		t.Fatalf("expected 0xE7 to enable binary mode")
	}
}

// TestNeverStuckAfterArbitraryBytes exercises invariant #1: feeding any byte sequence never leaves
// the parser stuck; after at most one subsequent 0xF1 it accepts a new command.
func TestNeverStuckAfterArbitraryBytes(t *testing.T) {
	c, _, _, out := newTestCodec(t)
	seq := []byte{0xF1, 0x05, 1, 2, 3, 4, 5, 6, 7, 8, 9, 0xAB, 0xCD, 0xEF, 0x00}
	feed(c, seq...)
	feed(c, 0xF1, 0x09)
	got := out.TakeAll()
	want := []byte{0xF1, 0x09, 0xDE, 0xAD}
	if !bytes.Equal(got, want) {
		t.Fatalf("parser stuck: got %x want %x", got, want)
	}
}
