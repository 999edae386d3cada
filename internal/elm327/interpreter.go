// Package elm327 implements the ELM327 AT-command interpreter and OBD-II
// PID translator: a line-oriented text protocol layered over the same
// CAN frame model used by the GVRET codec.
package elm327

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kstaniek/gvretd/internal/canbus"
	"github.com/kstaniek/gvretd/internal/gvretproto"
	"github.com/kstaniek/gvretd/internal/metrics"
)

// maxLine is the line buffer capacity (incomingBuffer[128] in the original firmware).
const maxLine = 127

// defaultECUAddress is the OBD-II functional (broadcast) request address used at boot.
const defaultECUAddress = 0x7DF

// SendFunc transmits a CAN frame built from a PID request.
type SendFunc func(f canbus.Frame) error

// Interpreter holds one ELM327 session's modal state and line buffer. It is
// not safe for concurrent use; one Interpreter per connected peer.
type Interpreter struct {
	echo       bool
	header     bool
	lineFeed   bool
	monitor    bool
	dlc        bool
	ecuAddress uint32

	line []byte

	send SendFunc
	out  *gvretproto.OutputBuffer
}

// NewInterpreter constructs an Interpreter with boot defaults: echo off,
// header off, linefeed on, monitor off, DLC off, ECU address 0x7DF.
func NewInterpreter(send SendFunc, out *gvretproto.OutputBuffer) *Interpreter {
	return &Interpreter{
		lineFeed:   true,
		ecuAddress: defaultECUAddress,
		send:       send,
		out:        out,
	}
}

// MonitorMode reports whether the interpreter is currently in CAN monitor mode.
func (in *Interpreter) MonitorMode() bool { return in.monitor }

// OutputAvailable returns the number of unread bytes buffered for this
// session, used by CanDispatcher's back-pressure check.
func (in *Interpreter) OutputAvailable() int { return in.out.AvailableBytes() }

// Feed consumes one inbound byte. A CR, or any byte arriving once maxLine
// bytes are buffered, dispatches the accumulated line and resets the buffer. Spaces and LF are
// stripped; remaining bytes are lower-cased. In monitor mode, any raw byte
// greater than 20 exits monitor mode silently before any other processing.
func (in *Interpreter) Feed(b byte) {
	if in.monitor && b > 20 {
		in.monitor = false
	}
	if b == '\r' || len(in.line) >= maxLine {
		line := string(in.line)
		in.line = in.line[:0]
		in.dispatch(line)
		return
	}
	if b == '\n' || b == ' ' {
		return
	}
	in.line = append(in.line, lower(b))
}

func lower(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b - 'A' + 'a'
	}
	return b
}

func (in *Interpreter) lineEnding() string {
	if in.lineFeed {
		return "\r\n"
	}
	return "\r"
}

// dispatch interprets one complete line and writes the reply into out.
func (in *Interpreter) dispatch(cmd string) {
	metrics.IncElmRxLine()
	var reply strings.Builder
	ending := in.lineEnding()

	if in.echo {
		reply.WriteString(cmd)
		reply.WriteString(ending)
	}

	if strings.HasPrefix(cmd, "at") {
		reply.WriteString(in.dispatchAT(cmd))
	} else {
		in.dispatchPID(cmd)
	}

	reply.WriteString(ending)
	reply.WriteString(">")
	in.out.AppendString(reply.String())
}

// dispatchAT handles one "at..." command and returns the text to splice
// before the trailing line-ending + prompt. Several commands (ate*, atma)
// emit no text at all, matching the original firmware.
func (in *Interpreter) dispatchAT(cmd string) string {
	switch {
	case cmd == "atz":
		return in.lineEnding() + "ELM327 v1.3a"
	case cmd == "ati":
		return "ELM327 v1.5"
	case cmd == "at@1":
		return "OBDLink MX"
	case strings.HasPrefix(cmd, "atsh"):
		in.ecuAddress = parseHexPrefix(cmd[4:])
		return "OK"
	case strings.HasPrefix(cmd, "ate"):
		in.echo = len(cmd) > 3 && cmd[3] == '1'
		return ""
	case strings.HasPrefix(cmd, "ath"):
		in.header = len(cmd) > 3 && cmd[3] == '1'
		return "OK"
	case strings.HasPrefix(cmd, "atl"):
		in.lineFeed = len(cmd) > 3 && cmd[3] == '1'
		return "OK"
	case strings.HasPrefix(cmd, "atat"), strings.HasPrefix(cmd, "atsp"):
		return "OK"
	case cmd == "atdp":
		return "can11/500"
	case cmd == "atdpn":
		return "6"
	case strings.HasPrefix(cmd, "atd0"):
		in.dlc = false
		return "OK"
	case strings.HasPrefix(cmd, "atd1"):
		in.dlc = true
		return "OK"
	case cmd == "atd":
		return "OK"
	case strings.HasPrefix(cmd, "atma"):
		in.monitor = true
		return ""
	case strings.HasPrefix(cmd, "atm"):
		return "OK"
	case cmd == "atrv":
		return "14.2V"
	default:
		return "OK"
	}
}

// parseHexPrefix accumulates hex digits left to right and stops at the first
// character that isn't one, returning whatever was accumulated so far (0 if
// none). It never rejects the line outright, matching the original firmware's
// tolerant address parsing.
func parseHexPrefix(s string) uint32 {
	var v uint32
	for i := 0; i < len(s); i++ {
		d, ok := hexDigit(s[i])
		if !ok {
			break
		}
		v = v<<4 | uint32(d)
	}
	return v
}

func hexDigit(b byte) (uint8, bool) {
	switch {
	case b >= '0' && b <= '9':
		return b - '0', true
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10, true
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10, true
	default:
		return 0, false
	}
}

// dispatchPID parses a non-AT line as a 4- or 6-hex-char OBD-II PID request
// and emits the corresponding CAN frame. Any other length is silently
// dropped (still yields the trailing line-ending + prompt in dispatch).
func (in *Interpreter) dispatchPID(cmd string) {
	v, err := strconv.ParseUint(cmd, 16, 32)
	if err != nil {
		return
	}
	f := canbus.Frame{ID: in.ecuAddress, Len: 8}
	f.Data[3], f.Data[4], f.Data[5], f.Data[6], f.Data[7] = 0xAA, 0xAA, 0xAA, 0xAA, 0xAA

	switch len(cmd) {
	case 4:
		mode := byte((v >> 8) & 0xFF)
		pid := byte(v & 0xFF)
		f.Data[0], f.Data[1], f.Data[2] = 2, mode, pid
	case 6:
		mode := byte((v >> 16) & 0xFF)
		pid := uint16(v & 0xFFFF)
		f.Data[0], f.Data[1], f.Data[2], f.Data[3] = 3, mode, byte(pid>>8), byte(pid)
	default:
		return
	}
	if in.send != nil {
		_ = in.send(f)
	}
	metrics.IncElmTxFrame()
}

// RenderFrame formats a CAN reply frame for the ELM channel. No trailing
// prompt is appended; monitor mode streams continuously.
func (in *Interpreter) RenderFrame(f canbus.Frame) {
	var s strings.Builder
	if in.header || in.monitor {
		fmt.Fprintf(&s, "%03X", f.ID)
	}
	if in.dlc {
		fmt.Fprintf(&s, "%d", f.Len)
	}
	n := int(f.Data[0])
	for i := 0; i < n && i+1 < len(f.Data); i++ {
		fmt.Fprintf(&s, "%02X", f.Data[1+i])
	}
	in.out.AppendString(s.String())
}
