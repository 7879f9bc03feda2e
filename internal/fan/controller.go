// Package fan turns temperature readings into fan on/off decisions with
// hysteresis and issues the matching MCU commands.
package fan

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"mcm_daemon/internal/gpio"
	"mcm_daemon/internal/logger"
	"mcm_daemon/internal/models"
	"mcm_daemon/internal/protocol"

	"github.com/google/uuid"
)

// State is the commanded fan state.
type State int

const (
	Off State = iota
	On
)

func (s State) String() string {
	if s == On {
		return "on"
	}
	return "off"
}

// Mode tells whether the hysteresis loop drives the fan.
type Mode int

const (
	Auto Mode = iota
	Manual
)

func (m Mode) String() string {
	if m == Manual {
		return "manual"
	}
	return "auto"
}

// Transition reasons recorded on events.
const (
	reasonThreshold = "threshold"
	reasonOverride  = "override"
)

// Alert kinds passed to the Alerter.
const (
	AlertDegraded     = "degraded"
	AlertGPIOMismatch = "gpio_mismatch"
)

var (
	errInvalidThresholds = errors.New("temp_low must be lower than temp_high")
	errInvalidHysteresis = errors.New("hysteresis must be >= 0 and temp_low + hysteresis must not exceed temp_high")
)

// Exchanger is the part of the protocol engine the controller uses.
type Exchanger interface {
	Send(cmd protocol.Command) ([]byte, error)
	Exec(cmd protocol.Command) error
}

// Alerter receives degraded/mismatch notifications.
type Alerter interface {
	Alert(kind, message string)
}

// Thresholds are the switch points in degrees Celsius. The fan turns on at
// High and off at Low; Hysteresis is validated but does not move either point.
type Thresholds struct {
	Low        int
	High       int
	Hysteresis int
}

// Validate rejects thresholds that would break the dead zone.
func (t Thresholds) Validate() error {
	if t.Low >= t.High {
		return fmt.Errorf("%w (low=%d high=%d)", errInvalidThresholds, t.Low, t.High)
	}
	if t.Hysteresis < 0 || t.Low+t.Hysteresis > t.High {
		return fmt.Errorf("%w (low=%d high=%d hysteresis=%d)", errInvalidHysteresis, t.Low, t.High, t.Hysteresis)
	}
	return nil
}

// Decide returns the next state for a reading. Readings strictly between
// Low and High never change the state.
func Decide(cur State, temp int, t Thresholds) State {
	switch {
	case cur == Off && temp >= t.High:
		return On
	case cur == On && temp <= t.Low:
		return Off
	default:
		return cur
	}
}

func commandFor(s State) protocol.Command {
	if s == On {
		return protocol.FanFull
	}
	return protocol.FanStop
}

// Options configures a Controller.
type Options struct {
	Thresholds
	// MaxFailures is the number of consecutive failed exchanges, or of
	// consecutive failed fan commands, tolerated before the controller
	// reports itself degraded.
	MaxFailures   int
	GPIOPin       int
	GPIOActiveLow bool
}

// Controller owns the fan state. Mutating methods must be called from a
// single goroutine; Snapshot and State are safe from any goroutine.
type Controller struct {
	mcu   Exchanger
	pins  gpio.Reader
	alert Alerter
	opts  Options
	log   *logger.Logger
	now   func() time.Time

	mu           sync.RWMutex
	state        State
	mode         Mode
	temperature  int
	haveReading  bool
	failures     int
	stuck        int // failed fan commands since the last one that worked
	degraded     bool
	gpioMismatch bool
	last         *models.FanEvent
	updatedAt    time.Time
}

// New validates the thresholds and returns a controller in the Off state.
func New(mcu Exchanger, opts Options, log *logger.Logger) (*Controller, error) {
	if err := opts.Thresholds.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Controller{
		mcu:  mcu,
		opts: opts,
		log:  log,
		now:  time.Now,
	}, nil
}

// SetGPIO enables the pin cross-check.
func (c *Controller) SetGPIO(r gpio.Reader) { c.pins = r }

// SetAlerter registers a receiver for degraded/mismatch alerts.
func (c *Controller) SetAlerter(a Alerter) { c.alert = a }

// State returns the commanded fan state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Mode returns the current control mode.
func (c *Controller) Mode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// Snapshot returns a copy of the current status.
func (c *Controller) Snapshot() models.FanStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := models.FanStatus{
		TemperatureC: c.temperature,
		HaveReading:  c.haveReading,
		Fan:          c.state.String(),
		Mode:         c.mode.String(),
		Failures:     c.failures,
		Degraded:     c.degraded,
		GPIOMismatch: c.gpioMismatch,
		UpdatedAt:    c.updatedAt,
	}
	if c.last != nil {
		ev := *c.last
		st.LastTransition = &ev
	}
	return st
}

// Poll reads the temperature from the MCU and applies it.
func (c *Controller) Poll() error {
	reply, err := c.mcu.Send(protocol.ThermalStatus)
	if err != nil {
		c.recordFailure("read_temperature", err)
		return fmt.Errorf("read temperature: %w", err)
	}
	temp, err := protocol.Temperature(reply)
	if err != nil {
		c.recordFailure("decode_temperature", err)
		return fmt.Errorf("decode temperature: %w", err)
	}
	c.recordSuccess()
	return c.Observe(temp)
}

// Observe records a reading and, in automatic mode, performs at most one
// transition. If the transition's command fails the state is kept and the
// same transition is attempted again on the next reading.
func (c *Controller) Observe(temp int) error {
	c.mu.Lock()
	c.temperature = temp
	c.haveReading = true
	c.updatedAt = c.now().UTC()
	cur, mode := c.state, c.mode
	c.mu.Unlock()

	if mode == Manual {
		return nil
	}
	next := Decide(cur, temp, c.opts.Thresholds)
	if next == cur {
		return nil
	}
	return c.apply(commandFor(next), cur, next, temp, reasonThreshold)
}

// Override forces the fan on or off and switches to manual mode.
func (c *Controller) Override(on bool) error {
	next := Off
	if on {
		next = On
	}
	return c.Drive(commandFor(next), next)
}

// Drive issues an arbitrary fan command, records to as the commanded state
// and switches to manual mode. Mode and state are unchanged on failure.
func (c *Controller) Drive(cmd protocol.Command, to State) error {
	c.mu.RLock()
	cur, temp := c.state, c.temperature
	c.mu.RUnlock()

	if err := c.apply(cmd, cur, to, temp, reasonOverride); err != nil {
		return err
	}
	c.mu.Lock()
	c.mode = Manual
	c.mu.Unlock()
	c.log.Infow("fan_manual_mode", "fan", to.String(), "command", cmd.Name)
	return nil
}

// Resume returns control to the hysteresis loop.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode != Auto {
		c.log.Infow("fan_auto_mode")
	}
	c.mode = Auto
}

func (c *Controller) apply(cmd protocol.Command, from, to State, temp int, reason string) error {
	if err := c.mcu.Exec(cmd); err != nil {
		c.mu.Lock()
		c.stuck++
		c.mu.Unlock()
		c.recordFailure("set_fan", err)
		c.log.Warnw("fan_transition_failed", "from", from.String(), "to", to.String(), "temp_c", temp, "err", err)
		return fmt.Errorf("set fan %s: %w", to, err)
	}
	c.mu.Lock()
	c.stuck = 0
	c.mu.Unlock()
	c.recordSuccess()

	ev := &models.FanEvent{
		EventID:      uuid.NewString(),
		OccurredAt:   c.now().UTC(),
		From:         from.String(),
		To:           to.String(),
		TemperatureC: temp,
		Reason:       reason,
	}
	c.mu.Lock()
	c.state = to
	c.last = ev
	c.updatedAt = ev.OccurredAt
	c.mu.Unlock()

	c.log.Infow("fan_transition", "from", ev.From, "to", ev.To, "temp_c", temp, "reason", reason)
	return nil
}

// recordSuccess resets the exchange counter. A controller degraded by a
// fan command that keeps failing stays degraded until that command works.
func (c *Controller) recordSuccess() {
	c.mu.Lock()
	c.failures = 0
	_, recovered := c.updateDegraded()
	c.mu.Unlock()
	if recovered {
		c.log.Infow("fan_recovered")
	}
}

func (c *Controller) recordFailure(op string, err error) {
	c.mu.Lock()
	c.failures++
	failures, stuck := c.failures, c.stuck
	entered, _ := c.updateDegraded()
	c.mu.Unlock()

	if entered {
		msg := fmt.Sprintf("%d consecutive MCU failures, fan state frozen at %s", max(failures, stuck), c.State())
		c.log.Warnw("fan_degraded", "op", op, "failures", failures, "failed_commands", stuck, "err", err)
		if c.alert != nil {
			c.alert.Alert(AlertDegraded, msg)
		}
	}
}

// updateDegraded recomputes the flag and reports edges. c.mu must be held.
func (c *Controller) updateDegraded() (entered, recovered bool) {
	now := c.failures > c.opts.MaxFailures || c.stuck > c.opts.MaxFailures
	entered = now && !c.degraded
	recovered = !now && c.degraded
	c.degraded = now
	return entered, recovered
}

// CheckGPIO compares the pin against the commanded state. A mismatch is
// reported, never acted on.
func (c *Controller) CheckGPIO() (bool, error) {
	if c.pins == nil {
		return false, nil
	}
	v, err := c.pins.Value(c.opts.GPIOPin)
	if err != nil {
		c.log.Warnw("gpio_read_failed", "pin", c.opts.GPIOPin, "err", err)
		return false, err
	}
	pinOn := v != 0
	if c.opts.GPIOActiveLow {
		pinOn = !pinOn
	}

	c.mu.Lock()
	commanded := c.state
	mismatch := pinOn != (commanded == On)
	changed := mismatch != c.gpioMismatch
	c.gpioMismatch = mismatch
	c.mu.Unlock()

	if changed && mismatch {
		msg := fmt.Sprintf("gpio %d reads %d but fan is commanded %s", c.opts.GPIOPin, v, commanded)
		c.log.Warnw("gpio_mismatch", "pin", c.opts.GPIOPin, "value", v, "fan", commanded.String())
		if c.alert != nil {
			c.alert.Alert(AlertGPIOMismatch, msg)
		}
	} else if changed {
		c.log.Infow("gpio_mismatch_cleared", "pin", c.opts.GPIOPin)
	}
	return mismatch, nil
}
