// Package orchestrator drives the single logical scheduling loop described
// in spec §5: one goroutine feeds inbound bytes to the GVRET and ELM327
// codecs, polls the bus dispatcher, and lets each transport session flush
// its own output buffer on its own timer. Byte delivery and state mutation
// are serialized onto this one goroutine so Settings and the dispatcher are
// never touched concurrently, even though I/O itself runs on separate
// per-connection goroutines.
package orchestrator

import (
	"context"
	"time"

	"github.com/kstaniek/gvretd/internal/canbus"
	"github.com/kstaniek/gvretd/internal/dispatch"
	"github.com/kstaniek/gvretd/internal/elm327"
	"github.com/kstaniek/gvretd/internal/gvretproto"
	"github.com/kstaniek/gvretd/internal/logging"
)

// tickInterval is how often the dispatcher's Loop (bus poll + load smoothing) runs.
const tickInterval = 5 * time.Millisecond

// byteQueueSize bounds how many unprocessed inbound bytes a connection may
// have queued before its reader goroutine blocks feeding the orchestrator.
const byteQueueSize = 4096

// Orchestrator owns the shared Settings snapshot, the GVRET and ELM327
// protocol state machines, and the CanDispatcher, and is the only thing
// that ever touches any of them.
type Orchestrator struct {
	Settings *canbus.Settings
	GVRET    *gvretproto.Codec
	GVRETOut *gvretproto.OutputBuffer
	ELM      *elm327.Interpreter
	Dispatch *dispatch.Dispatcher

	gvretBytes chan byte
	elmBytes   chan byte
}

// New constructs an Orchestrator around already-wired components.
func New(settings *canbus.Settings, gvret *gvretproto.Codec, gvretOut *gvretproto.OutputBuffer, elm *elm327.Interpreter, d *dispatch.Dispatcher) *Orchestrator {
	return &Orchestrator{
		Settings:   settings,
		GVRET:      gvret,
		GVRETOut:   gvretOut,
		ELM:        elm,
		Dispatch:   d,
		gvretBytes: make(chan byte, byteQueueSize),
		elmBytes:   make(chan byte, byteQueueSize),
	}
}

// FeedGVRET enqueues one inbound byte from the GVRET transport (serial or
// its single TCP client). It blocks only if the queue is saturated, which
// back-pressures that connection's reader goroutine without touching any
// shared state directly.
func (o *Orchestrator) FeedGVRET(ctx context.Context, b byte) {
	select {
	case o.gvretBytes <- b:
	case <-ctx.Done():
	}
}

// FeedELM enqueues one inbound byte from an ELM327 transport (Bluetooth SPP
// or its single TCP client).
func (o *Orchestrator) FeedELM(ctx context.Context, b byte) {
	select {
	case o.elmBytes <- b:
	case <-ctx.Done():
	}
}

// ResetGVRET resets the GVRET codec's parser state, e.g. on client disconnect.
func (o *Orchestrator) ResetGVRET() { o.GVRET.Reset() }

// Run executes the single logical scheduling loop until ctx is cancelled:
// drain queued bytes into their codec, then on every tick poll the bus
// dispatcher. Output buffer flushing is left to each transport session's
// own timer (internal/transport.Session), which is equivalent to "flush
// per tick" since ticks run far more often than any session's flush
// interval and captured-frame ordering within a buffer is preserved either way.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	logger := logging.L()
	logger.Info("orchestrator_started")
	for {
		select {
		case b := <-o.gvretBytes:
			o.GVRET.ProcessByte(b)
		case b := <-o.elmBytes:
			o.ELM.Feed(b)
		case <-ticker.C:
			o.Dispatch.Loop()
		case <-ctx.Done():
			logger.Info("orchestrator_stopped")
			return
		}
	}
}
