// Package clock provides the millisecond uptime source used to stamp
// outgoing message headers.
package clock

import (
	"sync"
	"time"
)

// Clock produces 32-bit millisecond uptime values, wrapping like an
// embedded millis() counter. The zero point is the moment New is called.
type Clock struct {
	mu    sync.Mutex
	start time.Time
	nowFn func() time.Time // overridable for testing
}

// New creates a Clock starting at zero uptime.
func New() *Clock {
	return &Clock{
		start: time.Now(),
		nowFn: time.Now,
	}
}

// Millis returns the uptime in milliseconds, truncated to 32 bits.
func (c *Clock) Millis() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint32(c.nowFn().Sub(c.start).Milliseconds())
}

// UptimeMinutes returns the uptime in whole minutes, saturating at the
// 16-bit limit used by heartbeat messages.
func (c *Clock) UptimeMinutes() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	mins := int64(c.nowFn().Sub(c.start).Minutes())
	if mins > 0xFFFF {
		return 0xFFFF
	}
	return uint16(mins)
}
