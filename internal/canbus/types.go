// Package canbus holds the wire-agnostic CAN data model shared by the
// GVRET codec, the ELM327 interpreter and the bus dispatcher.
package canbus

// NumBuses is the number of CAN bus slots the bridge exposes, indices 0..NumBuses-1.
const NumBuses = 5

// MaxNomSpeed is the clamp applied to any nominal speed received over the wire.
const MaxNomSpeed = 1_000_000

// Frame is a classic CAN frame (11 or 29 bit ID, 0..8 data bytes).
// Len bytes beyond Len are undefined and must never be transmitted.
type Frame struct {
	ID       uint32
	Extended bool
	RTR      bool
	Len      uint8
	Data     [8]byte
}

// validFDLengths enumerates the DLC codes legal for an FD frame payload.
var validFDLengths = [...]uint8{0, 1, 2, 3, 4, 5, 6, 7, 8, 12, 16, 20, 24, 32, 48, 64}

// FrameFD is a CAN FD frame; Len is drawn from the FD DLC table, up to 64 bytes.
type FrameFD struct {
	ID       uint32
	Extended bool
	Len      uint8
	Data     [64]byte
}

// ClampFDLength rounds length down to the nearest legal FD DLC value.
func ClampFDLength(length int) uint8 {
	for i := len(validFDLengths) - 1; i >= 0; i-- {
		if int(validFDLengths[i]) <= length {
			return validFDLengths[i]
		}
	}
	return 0
}

// BusConfig is the per-bus configuration, mutated only via SETUP_CANBUS
// or at startup from persisted settings. FDMode picks which of
// CanDispatcher's classic/FD poll-and-send paths a bus runs; a bus is never
// both at once (can_manager.cpp's setup() branches the same way).
type BusConfig struct {
	Enabled    bool
	ListenOnly bool
	FDMode     bool
	NomSpeed   uint32 // bits/s, classic arbitration phase
	FDSpeed    uint32 // bits/s, FD data phase
}

// ClampSpeed enforces the wire's speed ceiling.
func ClampSpeed(speed uint32) uint32 {
	if speed > MaxNomSpeed {
		return MaxNomSpeed
	}
	return speed
}

// BusLoad tracks the exponentially smoothed bus utilization, recomputed every 250ms tick.
type BusLoad struct {
	BitsPerQuarter    uint32
	BitsSoFar         uint32
	BusloadPercentage uint32
}

// SystemType selects board-specific transceiver wiring; it does not alter protocol behavior.
type SystemType int

const (
	SystemGeneric      SystemType = 0
	SystemEVTV         SystemType = 1
	SystemMacchina5CAN SystemType = 2
)

// WifiMode selects the external WiFi collaborator's operating mode.
type WifiMode int

const (
	WifiOff WifiMode = 0
	WifiSTA WifiMode = 1
	WifiAP  WifiMode = 2
)

// Settings is the immutable-at-start configuration snapshot. The GVRET
// codec mutates a live copy in place between ticks; nothing else writes it.
type Settings struct {
	Buses               [NumBuses]BusConfig
	UseBinarySerialComm bool
	SystemType          SystemType
	EnableBT            bool
	BTName              string
	WifiMode            WifiMode
	SSID                string
	PSK                 string
	LogLevel            string
}

// DefaultSettings returns a Settings snapshot matching the firmware's boot defaults.
func DefaultSettings() Settings {
	return Settings{
		SystemType: SystemGeneric,
		BTName:     "GVRET",
		WifiMode:   WifiOff,
		LogLevel:   "info",
	}
}
