package orchestrator

import (
	"context"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/gvretd/internal/logging"
)

// heartbeatPayload is the 4-byte presence announcement, sent once a second.
var heartbeatPayload = []byte{0x1C, 0xEF, 0xAC, 0xED}

// heartbeatAddr is the broadcast destination; port 17222 matches the
// original firmware's discovery beacon.
const heartbeatAddr = "255.255.255.255:17222"

// RunHeartbeat broadcasts heartbeatPayload to heartbeatAddr once a second
// until ctx is cancelled. Failures are logged and never propagated; a
// missed beacon is not a fatal condition.
func RunHeartbeat(ctx context.Context) {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		logging.L().Error("heartbeat_listen_error", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	if uc, ok := conn.(*net.UDPConn); ok {
		if sc, err := uc.SyscallConn(); err == nil {
			_ = sc.Control(func(fd uintptr) {
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
			})
		}
	}

	dst, err := net.ResolveUDPAddr("udp4", heartbeatAddr)
	if err != nil {
		logging.L().Error("heartbeat_resolve_error", "error", err)
		return
	}

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := conn.WriteTo(heartbeatPayload, dst); err != nil {
				logging.L().Debug("heartbeat_send_error", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
