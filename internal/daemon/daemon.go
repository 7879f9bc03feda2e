// Package daemon runs the single control loop that owns all MCU traffic.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"mcm_daemon/internal/dispatch"
	"mcm_daemon/internal/logger"
	"mcm_daemon/internal/protocol"
)

// ErrShuttingDown is returned by Submit once the loop has stopped or a
// shutdown has been requested.
var ErrShuttingDown = errors.New("daemon is shutting down")

// Handler answers client messages; *dispatch.Dispatcher implements it.
type Handler interface {
	Handle(msg []byte, bufSize int) dispatch.Result
}

// Fan is the periodic work of the fan controller.
type Fan interface {
	Poll() error
	CheckGPIO() (bool, error)
}

// MCU is used once at startup to check the device answers.
type MCU interface {
	Exec(cmd protocol.Command) error
}

// Clock syncs the MCU real-time clock with the system clock.
type Clock interface {
	HCToSys() (time.Time, error)
	SysToHC() (time.Time, error)
}

// Options configures the loop.
type Options struct {
	FanPollInterval  time.Duration
	GPIOEnabled      bool
	GPIOPollInterval time.Duration
	SyncOnStartup    bool
	SyncOnShutdown   bool
}

type request struct {
	msg     []byte
	bufSize int
	reply   chan dispatch.Result
}

type closer struct {
	name string
	c    io.Closer
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

func (f CloserFunc) Close() error { return f() }

// Daemon serialises every MCU exchange through one goroutine: client
// messages arrive via Submit, fan and GPIO polls via tickers.
type Daemon struct {
	opts    Options
	handler Handler
	fan     Fan
	mcu     MCU
	clock   Clock
	log     *logger.Logger

	requests chan request
	shutdown chan struct{}
	done     chan struct{}

	shutdownOnce sync.Once
	cleanupOnce  sync.Once
	cleanupErr   error

	mu      sync.Mutex
	started bool
	servers []closer
	devices []closer
}

// New returns a daemon; mcu and clock may be nil.
func New(opts Options, handler Handler, fan Fan, mcu MCU, clock Clock, log *logger.Logger) *Daemon {
	if log == nil {
		log = logger.Nop()
	}
	return &Daemon{
		opts:     opts,
		handler:  handler,
		fan:      fan,
		mcu:      mcu,
		clock:    clock,
		log:      log,
		requests: make(chan request),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// AddServer registers a listener to close first during cleanup.
func (d *Daemon) AddServer(name string, c io.Closer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.servers = append(d.servers, closer{name: name, c: c})
}

// AddDevice registers a device to close last during cleanup, after the
// shutdown clock sync.
func (d *Daemon) AddDevice(name string, c io.Closer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.devices = append(d.devices, closer{name: name, c: c})
}

// RequestShutdown asks the loop to stop. Safe to call many times.
func (d *Daemon) RequestShutdown() {
	d.shutdownOnce.Do(func() {
		d.log.Infow("shutdown_requested")
		close(d.shutdown)
	})
}

// ShutdownRequested is closed once a shutdown was requested.
func (d *Daemon) ShutdownRequested() <-chan struct{} { return d.shutdown }

// Done is closed when Run has returned.
func (d *Daemon) Done() <-chan struct{} { return d.done }

// Submit hands a message to the loop and waits for its result.
func (d *Daemon) Submit(ctx context.Context, msg []byte, bufSize int) (dispatch.Result, error) {
	req := request{msg: msg, bufSize: bufSize, reply: make(chan dispatch.Result, 1)}
	select {
	case d.requests <- req:
	case <-d.shutdown:
		return dispatch.Result{}, ErrShuttingDown
	case <-d.done:
		return dispatch.Result{}, ErrShuttingDown
	case <-ctx.Done():
		return dispatch.Result{}, ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res, nil
	case <-ctx.Done():
		return dispatch.Result{}, ctx.Err()
	}
}

// Run performs the startup exchanges and then serves until ctx is
// cancelled or a shutdown is requested. It does not run Cleanup.
func (d *Daemon) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return errors.New("daemon already running")
	}
	d.started = true
	d.mu.Unlock()
	defer close(d.done)

	d.startup()

	fanTicker := time.NewTicker(d.opts.FanPollInterval)
	defer fanTicker.Stop()

	var gpioC <-chan time.Time
	if d.opts.GPIOEnabled {
		gpioTicker := time.NewTicker(d.opts.GPIOPollInterval)
		defer gpioTicker.Stop()
		gpioC = gpioTicker.C
	}

	d.pollFan()
	for {
		// shutdown wins over pending work at loop boundaries
		select {
		case <-ctx.Done():
			d.log.Infow("daemon_stopping", "reason", "signal")
			return nil
		case <-d.shutdown:
			d.log.Infow("daemon_stopping", "reason", "command")
			return nil
		default:
		}

		select {
		case <-ctx.Done():
		case <-d.shutdown:
		case <-fanTicker.C:
			d.pollFan()
		case <-gpioC:
			if _, err := d.fan.CheckGPIO(); err != nil {
				d.log.Debugw("gpio_check_failed", "err", err)
			}
		case req := <-d.requests:
			res := d.handler.Handle(req.msg, req.bufSize)
			req.reply <- res
			if res.Outcome == dispatch.Shutdown {
				d.RequestShutdown()
			}
		}
	}
}

func (d *Daemon) startup() {
	if d.mcu != nil {
		if err := d.mcu.Exec(protocol.DeviceReady); err != nil {
			d.log.Warnw("device_not_ready", "err", err)
		} else {
			d.log.Infow("device_ready")
		}
	}
	if d.opts.SyncOnStartup && d.clock != nil {
		if _, err := d.clock.HCToSys(); err != nil {
			d.log.Warnw("rtc_sync_failed", "direction", "hctosys", "err", err)
		}
	}
}

func (d *Daemon) pollFan() {
	if err := d.fan.Poll(); err != nil {
		d.log.Debugw("fan_poll_failed", "err", err)
	}
}

// Cleanup closes servers, writes the clock back to the MCU if configured
// and closes devices. Only the first call does any work; later calls return
// the first call's error.
func (d *Daemon) Cleanup() error {
	d.cleanupOnce.Do(func() {
		d.RequestShutdown()

		d.mu.Lock()
		servers, devices := d.servers, d.devices
		d.mu.Unlock()

		var errs []error
		for _, s := range servers {
			if err := s.c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", s.name, err))
			}
		}

		// the loop may still be finishing an exchange
		<-d.waitLoop()

		if d.opts.SyncOnShutdown && d.clock != nil {
			if _, err := d.clock.SysToHC(); err != nil {
				d.log.Warnw("rtc_sync_failed", "direction", "systohc", "err", err)
			}
		}
		for _, dev := range devices {
			if err := dev.c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", dev.name, err))
			}
		}
		d.cleanupErr = errors.Join(errs...)
		d.log.Infow("cleanup_done", "servers", len(servers), "devices", len(devices))
	})
	return d.cleanupErr
}

// waitLoop returns a channel that is closed once Run has returned or
// immediately if Run was never started.
func (d *Daemon) waitLoop() <-chan struct{} {
	d.mu.Lock()
	started := d.started
	d.mu.Unlock()
	if !started {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return d.done
}
