//go:build linux

package rtc

import (
	"time"

	"golang.org/x/sys/unix"
)

// SetSystemClock sets the wall clock. It needs CAP_SYS_TIME.
func SetSystemClock(t time.Time) error {
	tv := unix.NsecToTimeval(t.UnixNano())
	return unix.Settimeofday(&tv)
}
