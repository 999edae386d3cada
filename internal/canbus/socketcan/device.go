//go:build linux

// Package socketcan implements the CanDispatcher Bus interface on top of
// Linux's raw AF_CAN sockets.
package socketcan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/gvretd/internal/canbus"
)

// Device is a raw CAN_RAW socket bound to one interface, set non-blocking so
// Poll can be called from the dispatcher's tick loop without stalling it.
type Device struct {
	fd   int
	name string
	fdOn bool
}

// Open binds a CAN_RAW socket to iface (e.g. "can0").
func Open(iface string) (*Device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set nonblocking: %w", err)
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	sa := &unix.SockaddrCAN{Ifindex: ifi.Index}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	return &Device{fd: fd, name: iface}, nil
}

func (d *Device) Close() error { return unix.Close(d.fd) }

// Setup toggles CAN_RAW_FD_FRAMES on the socket per cfg.FDMode; the bus's bit
// rate itself is configured at the SocketCAN/netlink layer outside this
// process, this backend only opens the already-up interface.
func (d *Device) Setup(cfg canbus.BusConfig) error {
	want := 0
	if cfg.FDMode {
		want = 1
	}
	if err := unix.SetsockoptInt(d.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, want); err != nil {
		return fmt.Errorf("set CAN_RAW_FD_FRAMES=%d: %w", want, err)
	}
	d.fdOn = cfg.FDMode
	return nil
}

// Poll reads one pending classic CAN frame without blocking. ok is false if
// no frame is currently available.
func (d *Device) Poll() (canbus.Frame, bool) {
	var buf [unix.CAN_MTU]byte
	n, err := unix.Read(d.fd, buf[:])
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return canbus.Frame{}, false
		}
		return canbus.Frame{}, false
	}
	if n != unix.CAN_MTU {
		return canbus.Frame{}, false
	}

	// struct can_frame (linux/can.h):
	//   can_id  u32   [0:4]  (includes EFF/RTR/ERR flags)
	//   can_dlc u8    [4]
	//   pad     3B    [5:8]
	//   data    [8]   [8:16]
	raw := binary.LittleEndian.Uint32(buf[0:4])
	id := raw & unix.CAN_EFF_MASK
	extended := raw&unix.CAN_EFF_FLAG != 0
	rtr := raw&unix.CAN_RTR_FLAG != 0
	dlc := int(buf[4])
	if dlc < 0 || dlc > 8 {
		dlc = 8
	}
	f := canbus.Frame{ID: id, Extended: extended, RTR: rtr, Len: uint8(dlc)}
	copy(f.Data[:], buf[8:8+dlc])
	return f, true
}

// Send writes one classic CAN frame to the raw socket.
func (d *Device) Send(f canbus.Frame) error {
	var buf [unix.CAN_MTU]byte
	id := f.ID
	if f.Extended {
		id |= unix.CAN_EFF_FLAG
	}
	if f.RTR {
		id |= unix.CAN_RTR_FLAG
	}
	binary.LittleEndian.PutUint32(buf[0:4], id)
	buf[4] = f.Len
	copy(buf[8:], f.Data[:f.Len])
	_, err := unix.Write(d.fd, buf[:])
	return err
}

// PollFD reads one pending FD frame without blocking. ok is false if no
// frame is currently available.
func (d *Device) PollFD() (canbus.FrameFD, bool) {
	var buf [unix.CANFD_MTU]byte
	n, err := unix.Read(d.fd, buf[:])
	if err != nil {
		return canbus.FrameFD{}, false
	}
	if n != unix.CANFD_MTU {
		return canbus.FrameFD{}, false
	}

	// struct canfd_frame (linux/can.h):
	//   can_id  u32  [0:4]
	//   len     u8   [4]
	//   flags   u8   [5]
	//   res0    u8   [6]
	//   res1    u8   [7]
	//   data    [64] [8:72]
	raw := binary.LittleEndian.Uint32(buf[0:4])
	id := raw & unix.CAN_EFF_MASK
	extended := raw&unix.CAN_EFF_FLAG != 0
	length := canbus.ClampFDLength(int(buf[4]))
	f := canbus.FrameFD{ID: id, Extended: extended, Len: length}
	copy(f.Data[:], buf[8:8+int(length)])
	return f, true
}

// SendFD writes one FD frame to the raw socket.
func (d *Device) SendFD(f canbus.FrameFD) error {
	var buf [unix.CANFD_MTU]byte
	id := f.ID
	if f.Extended {
		id |= unix.CAN_EFF_FLAG
	}
	binary.LittleEndian.PutUint32(buf[0:4], id)
	buf[4] = f.Len
	copy(buf[8:], f.Data[:f.Len])
	_, err := unix.Write(d.fd, buf[:])
	return err
}
