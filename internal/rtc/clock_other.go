//go:build !linux

package rtc

import (
	"errors"
	"time"
)

// SetSystemClock is only implemented on Linux.
func SetSystemClock(time.Time) error {
	return errors.New("setting the system clock is not supported on this platform")
}
