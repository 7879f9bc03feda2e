// Package serialport presents the MCU link as a duplex byte channel with
// deterministic blocking behavior on top of go.bug.st/serial.
package serialport

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"mcm_daemon/internal/logger"

	"go.bug.st/serial"
)

// ErrConfig is returned when the device rejects the line attributes.
var ErrConfig = errors.New("serial: configuration rejected")

// Port is the subset of serial.Port the channel relies on.
type Port interface {
	io.ReadWriteCloser
	SetMode(mode *serial.Mode) error
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// Defaults used when Options leave a field zero.
const (
	DefaultBaudRate     = 115200
	DefaultReadTimeout  = 500 * time.Millisecond
	DefaultDrainTimeout = 50 * time.Millisecond
	drainChunk          = 64
	maxDrainBytes       = 1024
)

// Parity names accepted by Configure.
const (
	ParityNone = "none"
	ParityOdd  = "odd"
	ParityEven = "even"
)

// Options describes how to open the MCU channel.
type Options struct {
	Device       string
	BaudRate     int
	Parity       string
	ReadTimeout  time.Duration
	DrainTimeout time.Duration
}

// Channel owns one port to the MCU for the daemon's lifetime.
type Channel struct {
	port         Port
	readTimeout  time.Duration
	drainTimeout time.Duration
	blocking     bool
	log          *logger.Logger
}

// Open opens the device, configures speed and parity and switches it to
// blocking mode. Any failure here is fatal for the daemon.
func Open(opts Options, log *logger.Logger) (*Channel, error) {
	if opts.Device == "" {
		return nil, fmt.Errorf("%w: no serial device configured", ErrConfig)
	}
	if opts.BaudRate == 0 {
		opts.BaudRate = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(opts.Device, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial device %s: %w", opts.Device, err)
	}

	ch := New(port, opts, log)
	if err := ch.Configure(opts.BaudRate, opts.Parity); err != nil {
		_ = port.Close()
		return nil, err
	}
	ch.SetBlocking(true)
	if log != nil {
		log.Infow("serial_opened", "device", opts.Device, "baud", opts.BaudRate, "parity", opts.Parity)
	}
	return ch, nil
}

// New wraps an already open port.
func New(port Port, opts Options, log *logger.Logger) *Channel {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Channel{
		port:         port,
		readTimeout:  opts.ReadTimeout,
		drainTimeout: opts.DrainTimeout,
		log:          log,
	}
}

// toSerialParity maps a configured parity name.
func toSerialParity(parity string) (serial.Parity, error) {
	switch strings.ToLower(parity) {
	case "", ParityNone:
		return serial.NoParity, nil
	case ParityOdd:
		return serial.OddParity, nil
	case ParityEven:
		return serial.EvenParity, nil
	default:
		return serial.NoParity, fmt.Errorf("%w: unknown parity %q", ErrConfig, parity)
	}
}

// Configure sets line speed and parity (8 data bits, 1 stop bit).
func (c *Channel) Configure(speed int, parity string) error {
	if speed <= 0 {
		return fmt.Errorf("%w: invalid speed %d", ErrConfig, speed)
	}
	p, err := toSerialParity(parity)
	if err != nil {
		return err
	}
	mode := &serial.Mode{
		BaudRate: speed,
		Parity:   p,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	if err := c.port.SetMode(mode); err != nil {
		return fmt.Errorf("%w: speed=%d parity=%s: %v", ErrConfig, speed, parity, err)
	}
	return nil
}

// SetBlocking toggles whether reads wait up to the read timeout for data or
// return immediately with whatever is buffered.
func (c *Channel) SetBlocking(shouldBlock bool) {
	c.blocking = shouldBlock
	if err := c.port.SetReadTimeout(c.currentTimeout()); err != nil {
		c.log.Warnw("serial_set_blocking_failed", "blocking", shouldBlock, "err", err)
	}
}

// Blocking reports the current mode.
func (c *Channel) Blocking() bool { return c.blocking }

func (c *Channel) currentTimeout() time.Duration {
	if c.blocking {
		return c.readTimeout
	}
	return 0
}

// Clear discards any bytes buffered for read. Best-effort: every read is
// bounded by the drain timeout and the total drained is capped.
func (c *Channel) Clear() {
	if err := c.port.ResetInputBuffer(); err != nil {
		c.log.Debugw("serial_reset_input_failed", "err", err)
	}
	if err := c.port.SetReadTimeout(c.drainTimeout); err != nil {
		c.log.Debugw("serial_drain_timeout_failed", "err", err)
	}
	defer func() {
		if err := c.port.SetReadTimeout(c.currentTimeout()); err != nil {
			c.log.Debugw("serial_restore_timeout_failed", "err", err)
		}
	}()

	buf := make([]byte, drainChunk)
	drained := 0
	for drained < maxDrainBytes {
		n, err := c.port.Read(buf)
		drained += n
		if err != nil || n == 0 {
			break
		}
	}
	if drained > 0 {
		c.log.Debugw("serial_drained", "bytes", drained)
	}
}

// Read reads whatever arrives within the current timeout. A zero count with
// a nil error means the timeout elapsed.
func (c *Channel) Read(p []byte) (int, error) {
	return c.port.Read(p)
}

// Write writes p completely or returns an error.
func (c *Channel) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := c.port.Write(p[written:])
		written += n
		if err != nil {
			return written, err
		}
		if n == 0 {
			return written, io.ErrShortWrite
		}
	}
	return written, nil
}

// Close releases the device.
func (c *Channel) Close() error {
	return c.port.Close()
}
