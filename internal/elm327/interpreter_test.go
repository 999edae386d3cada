package elm327

import (
	"testing"

	"github.com/kstaniek/gvretd/internal/canbus"
	"github.com/kstaniek/gvretd/internal/gvretproto"
)

func newTestInterpreter(t *testing.T) (*Interpreter, *[]canbus.Frame, *gvretproto.OutputBuffer) {
	t.Helper()
	var sent []canbus.Frame
	out := gvretproto.NewOutputBuffer("elm-test")
	in := NewInterpreter(func(f canbus.Frame) error {
		sent = append(sent, f)
		return nil
	}, out)
	return in, &sent, out
}

func feedLine(in *Interpreter, line string) {
	for i := 0; i < len(line); i++ {
		in.Feed(line[i])
	}
	in.Feed('\r')
}

func TestATZResetReply(t *testing.T) {
	in, _, out := newTestInterpreter(t)
	feedLine(in, "atz")
	got := string(out.TakeAll())
	want := "\r\nELM327 v1.3a\r\n>"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestATIIdentity(t *testing.T) {
	in, _, out := newTestInterpreter(t)
	feedLine(in, "ati")
	got := string(out.TakeAll())
	want := "ELM327 v1.5\r\n>"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestATE1EmitsNoText(t *testing.T) {
	in, _, out := newTestInterpreter(t)
	feedLine(in, "ate1")
	got := string(out.TakeAll())
	want := "\r\n>"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if !in.echo {
		t.Fatalf("expected echo enabled")
	}
}

func TestATMAEntersMonitorNoText(t *testing.T) {
	in, _, out := newTestInterpreter(t)
	feedLine(in, "atma")
	got := string(out.TakeAll())
	want := "\r\n>"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if !in.MonitorMode() {
		t.Fatalf("expected monitor mode entered")
	}
}

func TestMonitorModeExitsOnRawByteAbove20(t *testing.T) {
	in, _, _ := newTestInterpreter(t)
	feedLine(in, "atma")
	if !in.MonitorMode() {
		t.Fatalf("expected monitor mode entered")
	}
	in.Feed('x') // > 20, exits silently
	if in.MonitorMode() {
		t.Fatalf("expected monitor mode exited")
	}
}

func TestEchoPrependsCommand(t *testing.T) {
	in, _, out := newTestInterpreter(t)
	feedLine(in, "ath1")
	got := string(out.TakeAll())
	want := "OK\r\n>"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	in.echo = true
	feedLine(in, "ath0")
	got = string(out.TakeAll())
	want = "ath0\r\nOK\r\n>"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestPIDRequest4Hex(t *testing.T) {
	in, sent, out := newTestInterpreter(t)
	feedLine(in, "010c")
	if len(*sent) != 1 {
		t.Fatalf("expected 1 frame sent, got %d", len(*sent))
	}
	f := (*sent)[0]
	if f.ID != 0x7DF || f.Len != 8 {
		t.Fatalf("unexpected frame: %+v", f)
	}
	want := [8]byte{0x02, 0x01, 0x0C, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA}
	if f.Data != want {
		t.Fatalf("unexpected data: %x", f.Data)
	}
	got := string(out.TakeAll())
	if got != "\r\n>" {
		t.Fatalf("got %q", got)
	}
}

func TestPIDRequest6Hex(t *testing.T) {
	in, sent, _ := newTestInterpreter(t)
	feedLine(in, "221234")
	if len(*sent) != 1 {
		t.Fatalf("expected 1 frame sent, got %d", len(*sent))
	}
	f := (*sent)[0]
	want := [8]byte{0x03, 0x22, 0x12, 0x34, 0xAA, 0xAA, 0xAA, 0xAA}
	if f.Data != want {
		t.Fatalf("unexpected data: %x", f.Data)
	}
}

func TestPIDRequestBadLengthDropped(t *testing.T) {
	in, sent, out := newTestInterpreter(t)
	feedLine(in, "abcde") // 5 hex chars, neither 4 nor 6
	if len(*sent) != 0 {
		t.Fatalf("expected no frame sent, got %d", len(*sent))
	}
	got := string(out.TakeAll())
	if got != "\r\n>" {
		t.Fatalf("got %q", got)
	}
}

func TestSetECUAddress(t *testing.T) {
	in, sent, _ := newTestInterpreter(t)
	feedLine(in, "atsh7e0")
	if in.ecuAddress != 0x7E0 {
		t.Fatalf("expected ecuAddress 0x7E0, got %x", in.ecuAddress)
	}
	feedLine(in, "010c")
	if (*sent)[0].ID != 0x7E0 {
		t.Fatalf("expected frame id 0x7E0, got %x", (*sent)[0].ID)
	}
}

func TestSetECUAddressStopsAtFirstInvalidDigit(t *testing.T) {
	in, _, _ := newTestInterpreter(t)
	feedLine(in, "atsh12g4")
	if in.ecuAddress != 0x12 {
		t.Fatalf("expected tolerant parse to keep accumulated 0x12, got %x", in.ecuAddress)
	}
}

func TestSetECUAddressEmptySuffixLeavesZero(t *testing.T) {
	in, _, _ := newTestInterpreter(t)
	feedLine(in, "atshzz")
	if in.ecuAddress != 0 {
		t.Fatalf("expected 0 when no leading hex digit, got %x", in.ecuAddress)
	}
}

func TestRenderFrameHeaderAndData(t *testing.T) {
	in, _, out := newTestInterpreter(t)
	feedLine(in, "ath1")
	out.TakeAll()
	f := canbus.Frame{ID: 0x7E8, Len: 8, Data: [8]byte{0x04, 0x41, 0x0C, 0x1A, 0xF8, 0, 0, 0}}
	in.RenderFrame(f)
	got := string(out.TakeAll())
	want := "7E8410C1AF8"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestRenderFrameNoHeaderNoDLC(t *testing.T) {
	in, _, out := newTestInterpreter(t)
	f := canbus.Frame{ID: 0x7E8, Len: 8, Data: [8]byte{0x04, 0x41, 0x0C, 0x1A, 0xF8, 0, 0, 0}}
	in.RenderFrame(f)
	got := string(out.TakeAll())
	want := "410C1AF8"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestLineBufferSpaceAndLFStripped(t *testing.T) {
	in, _, out := newTestInterpreter(t)
	for _, b := range []byte("at i") {
		in.Feed(b)
	}
	in.Feed('\n')
	in.Feed('\r')
	got := string(out.TakeAll())
	if got != "ELM327 v1.5\r\n>" {
		t.Fatalf("got %q, expected spaces/LF stripped so 'at i' dispatches as 'ati'", got)
	}
}

func TestOverflowTriggersDispatch(t *testing.T) {
	in, _, out := newTestInterpreter(t)
	for i := 0; i < maxLine+5; i++ {
		in.Feed('0')
	}
	if out.AvailableBytes() == 0 {
		t.Fatalf("expected overflow to trigger a dispatch")
	}
}
