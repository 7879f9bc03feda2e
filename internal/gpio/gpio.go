// Package gpio reads digital pin values for the fan cross-check.
package gpio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Backends selectable from configuration.
const (
	BackendSysfs = "sysfs"
	BackendCdev  = "cdev"
)

// ErrUnsupported is returned when a backend is not available on this platform.
var ErrUnsupported = errors.New("gpio: backend not supported on this platform")

// Reader returns the current value of a pin.
type Reader interface {
	Value(pin int) (int, error)
	Close() error
}

// SysfsReader reads <dir>/gpio<N>/value as exported by the kernel's sysfs
// GPIO interface.
type SysfsReader struct {
	Dir string
}

// NewSysfsReader returns a reader rooted at dir (usually /sys/class/gpio).
func NewSysfsReader(dir string) *SysfsReader {
	return &SysfsReader{Dir: dir}
}

// Value parses the integer stored in the pin's value file.
func (r *SysfsReader) Value(pin int) (int, error) {
	if pin < 0 {
		return 0, fmt.Errorf("gpio: invalid pin %d", pin)
	}
	path := filepath.Join(r.Dir, "gpio"+strconv.Itoa(pin), "value")
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("gpio: read %s: %w", path, err)
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("gpio: parse %s: %w", path, err)
	}
	return v, nil
}

// Close is a no-op; sysfs files are opened per read.
func (r *SysfsReader) Close() error { return nil }

// Open builds the reader for the configured backend.
func Open(backend, dir, chip string) (Reader, error) {
	switch backend {
	case "", BackendSysfs:
		return NewSysfsReader(dir), nil
	case BackendCdev:
		r, err := NewCdevReader(chip)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("gpio: unknown backend %q", backend)
	}
}
