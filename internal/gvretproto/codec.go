package gvretproto

import "github.com/kstaniek/gvretd/internal/canbus"

// parserState enumerates the GVRET command parser's states.
type parserState int

const (
	stateIdle parserState = iota
	stateGetCommand
	stateBuildCANFrame
	stateTimeSync
	stateGetDigInputs
	stateGetAnalogInputs
	stateSetDigOutputs
	stateSetupCANBus
	stateSetSinglewireMode
	stateSetSystype
	stateEchoCANFrame
	stateSetupExtBuses
)

// Command opcodes, §4.2.
const (
	cmdBuildCANFrame   = 0x00
	cmdTimeSync        = 0x01
	cmdDigInputs       = 0x02
	cmdAnaInputs       = 0x03
	cmdSetDigOut       = 0x04
	cmdSetupCANBus     = 0x05
	cmdGetCANBusParams = 0x06
	cmdGetDevInfo      = 0x07
	cmdSetSWMode       = 0x08
	cmdKeepAlive       = 0x09
	cmdSetSystype      = 0x0A
	cmdEchoCANFrame    = 0x0B
	cmdGetNumBuses     = 0x0C
	cmdGetExtBuses     = 0x0D
	cmdSetExtBuses     = 0x0E
)

// buildNumber is reported by GET_DEV_INFO; arbitrary but stable.
const buildNumber = 1

// Clock supplies the microsecond counter used for TIME_SYNC replies and
// frame timestamps. Tests substitute a deterministic implementation.
type Clock interface{ Micros() uint32 }

// SendFunc transmits a frame on a bus index. Returns an error if the send
// failed; the codec never retries and never surfaces the error to the peer.
type SendFunc func(bus int, f canbus.Frame) error

// BusReinit is invoked when SETUP_CANBUS applies new bus configuration, so
// the caller can (re)initialize the underlying hardware/backend handle.
type BusReinit func(bus int, cfg canbus.BusConfig)

// Codec is the GVRET byte-driven parser/serializer for one logical
// connection. It is not safe for concurrent use; one Codec per connection.
type Codec struct {
	state parserState
	step  int

	frame   canbus.Frame
	scratch uint32
	bus     int

	settings *canbus.Settings
	clock    Clock
	send     SendFunc
	reinit   BusReinit

	out *OutputBuffer
}

// NewCodec constructs a Codec bound to a live Settings snapshot, a clock,
// an outbound-frame sender, and a bus-reinitialization hook.
func NewCodec(settings *canbus.Settings, clock Clock, send SendFunc, reinit BusReinit, out *OutputBuffer) *Codec {
	return &Codec{
		settings: settings,
		clock:    clock,
		send:     send,
		reinit:   reinit,
		out:      out,
		state:    stateIdle,
	}
}

// Reset returns the parser to IDLE, discarding any in-flight command. Used
// on client disconnect.
func (c *Codec) Reset() {
	c.state = stateIdle
	c.step = 0
}

// ProcessByte feeds one inbound byte through the state machine.
func (c *Codec) ProcessByte(in byte) {
	switch c.state {
	case stateIdle:
		c.processIdle(in)
	case stateGetCommand:
		c.processCommand(in)
	case stateBuildCANFrame:
		c.processBuildFrame(in, false)
	case stateEchoCANFrame:
		c.processBuildFrame(in, true)
	case stateSetupCANBus:
		c.processSetupCANBus(in)
	case stateSetupExtBuses:
		c.processSetupExtBuses(in)
	case stateSetDigOutputs:
		c.state = stateIdle
	case stateSetSinglewireMode:
		c.state = stateIdle
	case stateSetSystype:
		c.settings.SystemType = canbus.SystemType(in)
		c.state = stateIdle
	case stateTimeSync, stateGetDigInputs, stateGetAnalogInputs:
		// No extra bytes expected for these single-shot replies; absorb and resync.
		c.state = stateIdle
	default:
		c.state = stateIdle
	}
}

func (c *Codec) processIdle(in byte) {
	switch in {
	case 0xF1:
		c.state = stateGetCommand
	case 0xE7:
		c.settings.UseBinarySerialComm = true
	default:
		// ignored
	}
}

func (c *Codec) processCommand(in byte) {
	switch in {
	case cmdBuildCANFrame:
		c.state = stateBuildCANFrame
		c.step = 0
		c.frame = canbus.Frame{}
	case cmdTimeSync:
		c.out.AppendByte(0xF1)
		c.out.AppendByte(0x01)
		now := c.clock.Micros()
		c.out.AppendByte(byte(now))
		c.out.AppendByte(byte(now >> 8))
		c.out.AppendByte(byte(now >> 16))
		c.out.AppendByte(byte(now >> 24))
		c.state = stateIdle
	case cmdDigInputs:
		var b byte
		chk := checksumCalc([]byte{0xF1, cmdDigInputs}, 2)
		c.out.AppendByte(0xF1)
		c.out.AppendByte(cmdDigInputs)
		c.out.AppendByte(b)
		c.out.AppendByte(chk)
		c.state = stateIdle
	case cmdAnaInputs:
		hdr := []byte{0xF1, cmdAnaInputs, 0, 0, 0, 0, 0, 0, 0}
		chk := checksumCalc(hdr, 9)
		c.out.AppendByte(0xF1)
		c.out.AppendByte(cmdAnaInputs)
		for k := 0; k < 7; k++ {
			c.out.AppendByte(0)
			c.out.AppendByte(0)
		}
		c.out.AppendByte(chk)
		c.state = stateIdle
	case cmdSetDigOut:
		c.state = stateSetDigOutputs
	case cmdSetupCANBus:
		c.state = stateSetupCANBus
		c.step = 0
	case cmdGetCANBusParams:
		// Hard-codes two buses even when NumBuses > 2; preserved verbatim (legacy client compat).
		c.out.AppendByte(0xF1)
		c.out.AppendByte(cmdGetCANBusParams)
		for i := 0; i < 2; i++ {
			bc := c.settings.Buses[i]
			flags := byte(0)
			if bc.Enabled {
				flags |= 1
			}
			if bc.ListenOnly {
				flags |= 1 << 4
			}
			c.out.AppendByte(flags)
			speed := bc.NomSpeed
			c.out.AppendByte(byte(speed))
			c.out.AppendByte(byte(speed >> 8))
			c.out.AppendByte(byte(speed >> 16))
			c.out.AppendByte(byte(speed >> 24))
		}
		c.state = stateIdle
	case cmdGetDevInfo:
		c.out.AppendByte(0xF1)
		c.out.AppendByte(cmdGetDevInfo)
		c.out.AppendByte(byte(buildNumber))
		c.out.AppendByte(byte(buildNumber >> 8))
		c.out.AppendByte(0x20)
		c.out.AppendByte(0)
		c.out.AppendByte(0)
		c.out.AppendByte(0)
		c.state = stateIdle
	case cmdSetSWMode:
		c.state = stateSetSinglewireMode
	case cmdKeepAlive:
		c.out.AppendByte(0xF1)
		c.out.AppendByte(cmdKeepAlive)
		c.out.AppendByte(0xDE)
		c.out.AppendByte(0xAD)
		c.state = stateIdle
	case cmdSetSystype:
		c.state = stateSetSystype
	case cmdEchoCANFrame:
		c.state = stateEchoCANFrame
		c.step = 0
		c.frame = canbus.Frame{}
	case cmdGetNumBuses:
		c.out.AppendByte(0xF1)
		c.out.AppendByte(cmdGetNumBuses)
		c.out.AppendByte(canbus.NumBuses)
		c.state = stateIdle
	case cmdGetExtBuses:
		c.out.AppendByte(0xF1)
		c.out.AppendByte(cmdGetExtBuses)
		for i := 0; i < 15; i++ {
			c.out.AppendByte(0)
		}
		c.state = stateIdle
	case cmdSetExtBuses:
		c.state = stateSetupExtBuses
		c.step = 0
	default:
		// Unknown opcode: resync on the next 0xF1.
		c.state = stateIdle
	}
}

// processBuildFrame assembles a classic CAN frame body shared by
// BUILD_CAN_FRAME and ECHO_CAN_FRAME; echo writes a capture record instead
// of transmitting.
func (c *Codec) processBuildFrame(in byte, echo bool) {
	switch c.step {
	case 0:
		c.frame.ID = uint32(in)
	case 1:
		c.frame.ID |= uint32(in) << 8
	case 2:
		c.frame.ID |= uint32(in) << 16
	case 3:
		c.frame.ID |= uint32(in) << 24
		if c.frame.ID&(1<<31) != 0 {
			c.frame.ID &= 0x7FFFFFFF
			c.frame.Extended = true
		} else {
			c.frame.Extended = false
		}
	case 4:
		if echo {
			c.bus = int(in & 1)
		} else {
			c.bus = int(in & 3)
		}
	case 5:
		length := in & 0x0F
		if length > 8 {
			length = 8
		}
		c.frame.Len = length
	default:
		idx := c.step - 6
		if idx < int(c.frame.Len) {
			c.frame.Data[idx] = in
		}
	}
	// The frame is complete once the 6 header bytes and Len data bytes are in;
	// a zero-length frame completes on the length byte itself.
	if c.step >= 5 && c.step+1 >= int(c.frame.Len)+6 {
		c.state = stateIdle
		c.frame.RTR = false
		if echo {
			// Capture record always targets bus 0 regardless of the parsed
			// bus byte, preserved verbatim from the original firmware.
			c.out.AppendFrame(c.frame, 0, c.settings.UseBinarySerialComm, c.clock.Micros())
		} else if c.bus < canbus.NumBuses && c.send != nil {
			_ = c.send(c.bus, c.frame)
		}
	}
	c.step++
}

func (c *Codec) processSetupCANBus(in byte) {
	switch c.step {
	case 0:
		c.scratch = uint32(in)
	case 1:
		c.scratch |= uint32(in) << 8
	case 2:
		c.scratch |= uint32(in) << 16
	case 3:
		c.scratch |= uint32(in) << 24
		c.applySetupWord(0, c.scratch)
	case 4:
		c.scratch = uint32(in)
	case 5:
		c.scratch |= uint32(in) << 8
	case 6:
		c.scratch |= uint32(in) << 16
	case 7:
		c.scratch |= uint32(in) << 24
		c.applySetupWord(1, c.scratch)
		c.state = stateIdle
	}
	c.step++
}

// applySetupWord decodes one SETUP_CANBUS word and applies it to bus index i.
// The 20-bit mask-then-clamp ordering and the bus-0/bus-1-only wiring are
// preserved verbatim from the original firmware.
func (c *Codec) applySetupWord(i int, word uint32) {
	speed := canbus.ClampSpeed(word & 0xFFFFF)
	cfg := &c.settings.Buses[i]
	if word > 0 {
		if word&0x80000000 != 0 {
			cfg.Enabled = word&0x40000000 != 0
			cfg.ListenOnly = word&0x20000000 != 0
		} else {
			cfg.Enabled = true
		}
		cfg.NomSpeed = speed
	} else {
		cfg.Enabled = false
	}
	if c.reinit != nil {
		c.reinit(i, *cfg)
	}
}

func (c *Codec) processSetupExtBuses(in byte) {
	// 12 bytes (two reserved 32-bit words), all ignored.
	if c.step >= 11 {
		c.state = stateIdle
	}
	c.step++
}

// checksumCalc is a byte-wise XOR over buffer[:length].
func checksumCalc(buffer []byte, length int) byte {
	var v byte
	for i := 0; i < length && i < len(buffer); i++ {
		v ^= buffer[i]
	}
	return v
}
