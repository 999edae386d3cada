package main

import "time"

// bootClock stamps every GVRET timestamp and capture record with
// microseconds since process start, matching the firmware's free-running
// microsecond counter closely enough for a stream of relative timestamps.
type bootClock struct {
	start time.Time
}

func newBootClock() *bootClock { return &bootClock{start: time.Now()} }

func (c *bootClock) Micros() uint32 { return uint32(time.Since(c.start).Microseconds()) }
