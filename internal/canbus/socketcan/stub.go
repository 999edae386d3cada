//go:build !linux

package socketcan

import "errors"

// ErrUnsupported is returned by Open on non-Linux hosts; use
// internal/canbus/simbus for development off Linux.
var ErrUnsupported = errors.New("socketcan: not supported on this platform")
