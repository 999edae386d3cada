// Package dispatch implements the CanDispatcher: it owns the bus handles,
// polls them on each scheduler tick, accounts bus load and LED pacing, and
// fans received frames out to the GVRET capture buffer and, selectively, to
// the ELM327 interpreter.
package dispatch

import (
	"time"

	"github.com/kstaniek/gvretd/internal/canbus"
	"github.com/kstaniek/gvretd/internal/elm327"
	"github.com/kstaniek/gvretd/internal/gvretproto"
	"github.com/kstaniek/gvretd/internal/metrics"
)

// blinkSlowness is the number of bit-accounting events between LED toggles.
const blinkSlowness = 100

// wifiBuffSize mirrors gvretproto.BufferSize; the back-pressure margin is
// computed against it directly (§4.4).
const wifiBuffSize = gvretproto.BufferSize

// backpressureMargin is the safety margin subtracted from wifiBuffSize: draining
// stops once either output buffer's available bytes reach this close to full.
const backpressureMargin = 80

// busLoadInterval is the bus-load smoothing window.
const busLoadInterval = 250 * time.Millisecond

// Bus is the hardware/backend handle a dispatcher polls and writes to.
// Implemented by SocketCAN, simbus, or any other backend. A bus runs in
// either classic or FD mode per its BusConfig.FDMode (never both at once,
// matching can_manager.cpp's setup()), but every backend implements both
// method pairs. The dispatcher's drain polls only the pair matching FDMode;
// SendFrame and SendFrameFD do not check the bus's mode.
type Bus interface {
	// Setup (re)initializes the bus per cfg. Disabled buses may no-op.
	Setup(cfg canbus.BusConfig) error
	// Poll returns one pending received classic frame if available.
	Poll() (canbus.Frame, bool)
	// Send transmits a classic frame.
	Send(f canbus.Frame) error
	// PollFD returns one pending received FD frame if available.
	PollFD() (canbus.FrameFD, bool)
	// SendFD transmits an FD frame.
	SendFD(f canbus.FrameFD) error
}

// busState tracks per-bus load accounting and LED pacing between ticks.
type busState struct {
	bus      Bus
	cfg      canbus.BusConfig
	load     canbus.BusLoad
	lastTick time.Time

	rxEvents int
	txEvents int
	rxLED    bool
	txLED    bool
}

// Dispatcher owns N bus handles and the GVRET/ELM output sinks they feed.
type Dispatcher struct {
	buses [canbus.NumBuses]*busState

	gvretOut *gvretproto.OutputBuffer
	elm      *elm327.Interpreter
	observe  func(bus int, f canbus.Frame)

	clock func() uint32
}

// New constructs a Dispatcher with backend handles for each bus index (nil
// entries are treated as absent/unconfigured buses). gvretOut receives every
// captured frame; elm (may be nil) receives the selective OBD-II fan-out.
// clock supplies the microsecond timestamp stamped on captured frames.
func New(buses [canbus.NumBuses]Bus, gvretOut *gvretproto.OutputBuffer, elm *elm327.Interpreter, clock func() uint32) *Dispatcher {
	d := &Dispatcher{gvretOut: gvretOut, elm: elm, clock: clock}
	now := time.Now()
	for i := range buses {
		if buses[i] == nil {
			continue
		}
		d.buses[i] = &busState{bus: buses[i], lastTick: now}
	}
	return d
}

// SetObserver registers fn to be called with every received frame, in
// addition to the GVRET capture buffer and ELM327 fan-out. Used by the
// optional diagnostic dashboard; nil disables it.
func (d *Dispatcher) SetObserver(fn func(bus int, f canbus.Frame)) { d.observe = fn }

// Setup initializes every configured, enabled bus per settings.
func (d *Dispatcher) Setup(settings *canbus.Settings) {
	for i, bs := range d.buses {
		if bs == nil {
			continue
		}
		bs.cfg = settings.Buses[i]
		if bs.cfg.Enabled {
			_ = bs.bus.Setup(bs.cfg)
		}
	}
}

// Reconfigure applies new per-bus configuration, e.g. after a SETUP_CANBUS
// command reinitializes a bus mid-run.
func (d *Dispatcher) Reconfigure(bus int, cfg canbus.BusConfig) {
	if bus < 0 || bus >= canbus.NumBuses || d.buses[bus] == nil {
		return
	}
	bs := d.buses[bus]
	bs.cfg = cfg
	if cfg.Enabled {
		_ = bs.bus.Setup(cfg)
	}
}

// SendFrame transmits a frame on bus, accounting bits and toggling the TX LED.
func (d *Dispatcher) SendFrame(bus int, f canbus.Frame) error {
	if bus < 0 || bus >= canbus.NumBuses || d.buses[bus] == nil {
		return nil
	}
	bs := d.buses[bus]
	if err := bs.bus.Send(f); err != nil {
		metrics.IncError(metrics.ErrBusWrite)
		return err
	}
	d.accountBits(bs, f.Len, f.Extended)
	bs.txEvents++
	if bs.txEvents >= blinkSlowness {
		bs.txEvents = 0
		bs.txLED = !bs.txLED
	}
	metrics.IncBusTx(bus)
	return nil
}

// SendFrameFD transmits an FD frame on bus, accounting bits and toggling the
// TX LED, per can_manager.cpp's CANManager::sendFrame(CAN_FRAME_FD&) overload.
func (d *Dispatcher) SendFrameFD(bus int, f canbus.FrameFD) error {
	if bus < 0 || bus >= canbus.NumBuses || d.buses[bus] == nil {
		return nil
	}
	bs := d.buses[bus]
	if err := bs.bus.SendFD(f); err != nil {
		metrics.IncError(metrics.ErrBusWrite)
		return err
	}
	d.accountBits(bs, f.Len, f.Extended)
	bs.txEvents++
	if bs.txEvents >= blinkSlowness {
		bs.txEvents = 0
		bs.txLED = !bs.txLED
	}
	metrics.IncBusTx(bus)
	return nil
}

// accountBits implements the §4.4 bit-accounting formula. FD frames use the
// same approximation; FD bit-timing asymmetry is not modeled.
func (d *Dispatcher) accountBits(bs *busState, length uint8, extended bool) {
	bits := uint32(41) + 9*uint32(length)
	if extended {
		bits += 18
	}
	bs.load.BitsSoFar += bits
}

// Loop runs one scheduler tick: refresh bus-load smoothing where due, then
// drain each enabled bus under the shared back-pressure bound.
func (d *Dispatcher) Loop() {
	now := time.Now()
	for i, bs := range d.buses {
		if bs == nil || !bs.cfg.Enabled {
			continue
		}
		d.maybeSmoothLoad(i, bs, now)
		d.drain(i, bs)
	}
}

// maybeSmoothLoad recomputes the 250ms exponential average.
func (d *Dispatcher) maybeSmoothLoad(i int, bs *busState, now time.Time) {
	elapsed := now.Sub(bs.lastTick)
	if elapsed < busLoadInterval {
		return
	}
	bs.lastTick = now
	bitsPerQuarter := bitsPerQuarterAt(bs.cfg.NomSpeed)
	bs.load.BitsPerQuarter = bitsPerQuarter
	var percent uint32
	if bitsPerQuarter > 0 {
		percent = (bs.load.BitsSoFar * 100) / bitsPerQuarter
	}
	if bs.load.BitsSoFar > 0 && percent == 0 {
		percent = 1
	}
	bs.load.BusloadPercentage = (3*bs.load.BusloadPercentage + percent) / 4
	bs.load.BitsSoFar = 0
	metrics.SetBusLoad(i, bs.load.BusloadPercentage)
}

// bitsPerQuarterAt converts a bit rate into the bit budget for a 250ms window.
func bitsPerQuarterAt(nomSpeed uint32) uint32 {
	return nomSpeed / 4
}

// drain polls bus index i while frames are available and neither output
// buffer has crossed the back-pressure margin. FD-mode buses are drained via
// drainFD instead, mirroring can_manager.cpp's loop() branch on fdMode.
func (d *Dispatcher) drain(i int, bs *busState) {
	if bs.cfg.FDMode {
		d.drainFD(i, bs)
		return
	}
	for {
		if d.backpressured() {
			return
		}
		f, ok := bs.bus.Poll()
		if !ok {
			return
		}
		d.accountBits(bs, f.Len, f.Extended)
		bs.rxEvents++
		if bs.rxEvents >= blinkSlowness {
			bs.rxEvents = 0
			bs.rxLED = !bs.rxLED
		}
		metrics.IncBusRx(i)

		micros := uint32(0)
		if d.clock != nil {
			micros = d.clock()
		}
		if d.gvretOut != nil {
			d.gvretOut.AppendFrame(f, i, true, micros)
		}
		if d.elm != nil && (isOBDReply(f.ID) || d.elm.MonitorMode()) {
			d.elm.RenderFrame(f)
		}
		if d.observe != nil {
			d.observe(i, f)
		}
	}
}

// drainFD is drain's FD-frame counterpart. The original firmware never feeds
// FD frames to the ELM327 emulator (processCANReply only runs in the classic
// branch of CANManager::loop), so there is no ELM fan-out here.
func (d *Dispatcher) drainFD(i int, bs *busState) {
	for {
		if d.backpressured() {
			return
		}
		f, ok := bs.bus.PollFD()
		if !ok {
			return
		}
		d.accountBits(bs, f.Len, f.Extended)
		bs.rxEvents++
		if bs.rxEvents >= blinkSlowness {
			bs.rxEvents = 0
			bs.rxLED = !bs.rxLED
		}
		metrics.IncBusRx(i)

		micros := uint32(0)
		if d.clock != nil {
			micros = d.clock()
		}
		if d.gvretOut != nil {
			d.gvretOut.AppendFrameFD(f, i, true, micros)
		}
	}
}

// isOBDReply reports whether id falls in the OBD-II ECU reply range.
func isOBDReply(id uint32) bool { return id >= 0x7E0 && id <= 0x7EF }

// backpressured reports whether either sink is within the safety margin of
// capacity, per the §4.4 back-pressure contract.
func (d *Dispatcher) backpressured() bool {
	avail := 0
	if d.gvretOut != nil {
		avail = d.gvretOut.AvailableBytes()
	}
	if d.elm != nil {
		if e := d.elm.OutputAvailable(); e > avail {
			avail = e
		}
	}
	return avail >= wifiBuffSize-backpressureMargin
}

// RXLED and TXLED report the current LED line state for bus i (for
// telemetry/diagnostics consumers); false if the bus is absent.
func (d *Dispatcher) RXLED(i int) bool {
	if i < 0 || i >= canbus.NumBuses || d.buses[i] == nil {
		return false
	}
	return d.buses[i].rxLED
}

func (d *Dispatcher) TXLED(i int) bool {
	if i < 0 || i >= canbus.NumBuses || d.buses[i] == nil {
		return false
	}
	return d.buses[i].txLED
}

// BusLoadPercent returns the smoothed load percentage for bus i.
func (d *Dispatcher) BusLoadPercent(i int) uint32 {
	if i < 0 || i >= canbus.NumBuses || d.buses[i] == nil {
		return 0
	}
	return d.buses[i].load.BusloadPercentage
}
