package simbus

import (
	"testing"

	"github.com/kstaniek/gvretd/internal/canbus"
)

func TestSendThenPollRoundTrips(t *testing.T) {
	b := New(8)
	f := canbus.Frame{ID: 0x123, Len: 2, Data: [8]byte{1, 2}}
	if err := b.Send(f); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, ok := b.Poll()
	if !ok {
		t.Fatalf("expected a frame to be pending")
	}
	if got != f {
		t.Fatalf("got %+v want %+v", got, f)
	}
	if _, ok := b.Poll(); ok {
		t.Fatalf("expected queue to be empty after one poll")
	}
}

func TestSendDropsWhenFull(t *testing.T) {
	b := New(2)
	for i := 0; i < 3; i++ {
		_ = b.Send(canbus.Frame{ID: uint32(i)})
	}
	count := 0
	for {
		if _, ok := b.Poll(); !ok {
			break
		}
		count++
	}
	if count != 2 {
		t.Fatalf("expected exactly 2 frames retained, got %d", count)
	}
}

func TestSendFDThenPollFDRoundTrips(t *testing.T) {
	b := New(8)
	f := canbus.FrameFD{ID: 0x456, Len: 16, Data: [64]byte{1, 2, 3}}
	if err := b.SendFD(f); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, ok := b.PollFD()
	if !ok {
		t.Fatalf("expected an FD frame to be pending")
	}
	if got != f {
		t.Fatalf("got %+v want %+v", got, f)
	}
	if _, ok := b.PollFD(); ok {
		t.Fatalf("expected FD queue to be empty after one poll")
	}
}

func TestClassicAndFDQueuesAreIndependent(t *testing.T) {
	b := New(8)
	b.Inject(canbus.Frame{ID: 1})
	b.InjectFD(canbus.FrameFD{ID: 2})
	if _, ok := b.PollFD(); !ok {
		t.Fatalf("expected FD frame present")
	}
	if _, ok := b.Poll(); !ok {
		t.Fatalf("expected classic frame still present")
	}
}

func TestSetupRecordsConfig(t *testing.T) {
	b := New(1)
	cfg := canbus.BusConfig{Enabled: true, NomSpeed: 500000}
	_ = b.Setup(cfg)
	if b.Config() != cfg {
		t.Fatalf("got %+v want %+v", b.Config(), cfg)
	}
}
