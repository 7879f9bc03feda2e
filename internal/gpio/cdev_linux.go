//go:build linux

package gpio

import (
	"fmt"
	"sync"

	"github.com/warthog618/gpiod"
)

// CdevReader reads pins through the GPIO character device.
type CdevReader struct {
	mu    sync.Mutex
	chip  *gpiod.Chip
	lines map[int]*gpiod.Line
}

// NewCdevReader opens the named chip, e.g. "gpiochip0".
func NewCdevReader(chipName string) (*CdevReader, error) {
	if chipName == "" {
		chipName = "gpiochip0"
	}
	chip, err := gpiod.NewChip(chipName, gpiod.WithConsumer("mcm-daemon"))
	if err != nil {
		return nil, fmt.Errorf("gpio: open %s: %w", chipName, err)
	}
	return &CdevReader{chip: chip, lines: make(map[int]*gpiod.Line)}, nil
}

// Value requests the line as input on first use and reads it.
func (r *CdevReader) Value(pin int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	line, ok := r.lines[pin]
	if !ok {
		l, err := r.chip.RequestLine(pin, gpiod.AsInput)
		if err != nil {
			return 0, fmt.Errorf("gpio: request line %d: %w", pin, err)
		}
		r.lines[pin] = l
		line = l
	}
	return line.Value()
}

// Close releases all requested lines and the chip.
func (r *CdevReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for pin, l := range r.lines {
		_ = l.Close()
		delete(r.lines, pin)
	}
	return r.chip.Close()
}
