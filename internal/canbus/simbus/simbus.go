// Package simbus is an in-memory loopback CAN bus backend: frames sent are
// immediately available to be polled back, with no hardware dependency. It
// satisfies dispatch.Bus and is used on non-Linux hosts and in integration
// tests that want a live dispatcher without real CAN hardware.
package simbus

import (
	"sync"

	"github.com/kstaniek/gvretd/internal/canbus"
)

// Bus is a bounded FIFO of pending frames, safe for concurrent Send/Poll.
// It tracks classic and FD frames in separate queues since a real bus never
// mixes the two within one configuration.
type Bus struct {
	mu        sync.Mutex
	pending   []canbus.Frame
	pendingFD []canbus.FrameFD
	cfg       canbus.BusConfig
	cap       int
}

// New constructs a simbus Bus with the given queue capacity.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 256
	}
	return &Bus{cap: capacity}
}

// Setup records the applied configuration; simbus otherwise ignores it.
func (b *Bus) Setup(cfg canbus.BusConfig) error {
	b.mu.Lock()
	b.cfg = cfg
	b.mu.Unlock()
	return nil
}

// Poll returns and removes the oldest pending frame, if any.
func (b *Bus) Poll() (canbus.Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return canbus.Frame{}, false
	}
	f := b.pending[0]
	b.pending = b.pending[1:]
	return f, true
}

// Send enqueues f for a subsequent Poll, dropping it silently if the queue
// is at capacity (mirrors a saturated real bus rather than blocking the
// dispatcher tick).
func (b *Bus) Send(f canbus.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) >= b.cap {
		return nil
	}
	b.pending = append(b.pending, f)
	return nil
}

// Inject enqueues a frame as if received from the wire, for test setup or an
// external frame source feeding a simulated bus.
func (b *Bus) Inject(f canbus.Frame) { _ = b.Send(f) }

// PollFD returns and removes the oldest pending FD frame, if any.
func (b *Bus) PollFD() (canbus.FrameFD, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pendingFD) == 0 {
		return canbus.FrameFD{}, false
	}
	f := b.pendingFD[0]
	b.pendingFD = b.pendingFD[1:]
	return f, true
}

// SendFD enqueues an FD frame for a subsequent PollFD, dropping it silently
// if the queue is at capacity.
func (b *Bus) SendFD(f canbus.FrameFD) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pendingFD) >= b.cap {
		return nil
	}
	b.pendingFD = append(b.pendingFD, f)
	return nil
}

// InjectFD enqueues an FD frame as if received from the wire.
func (b *Bus) InjectFD(f canbus.FrameFD) { _ = b.SendFD(f) }

// Config returns the most recently applied BusConfig.
func (b *Bus) Config() canbus.BusConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}
