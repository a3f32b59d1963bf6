package nitro

import (
	"time"

	"golang.org/x/sys/unix"
)

// Clock produces monotonic-since-boot millisecond timestamps. Using
// CLOCK_BOOTTIME rather than CLOCK_MONOTONIC means a deadline survives
// suspend without services appearing to have overrun it.
type Clock interface {
	NowMillis() int64
}

type bootClock struct{}

// NewClock returns the default Clock, backed by CLOCK_BOOTTIME on Linux.
func NewClock() Clock {
	return bootClock{}
}

func (bootClock) NowMillis() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_BOOTTIME, &ts); err != nil {
		// CLOCK_BOOTTIME is unavailable on some sandboxed kernels; fall back
		// to wall-clock time (time.Now) rather than crash the supervisor.
		return time.Now().UnixMilli()
	}
	return ts.Sec*1000 + ts.Nsec/int64(time.Millisecond)
}

// fakeClock is a settable Clock used by tests to drive deadlines
// deterministically without sleeping.
type fakeClock struct {
	ms int64
}

func newFakeClock(start int64) *fakeClock { return &fakeClock{ms: start} }

func (c *fakeClock) NowMillis() int64 { return c.ms }

func (c *fakeClock) Advance(d time.Duration) { c.ms += int64(d / time.Millisecond) }
