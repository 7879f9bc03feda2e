// Package dispatch maps textual commands from clients onto protocol
// exchanges, fan controller calls and connection/daemon control outcomes.
package dispatch

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"mcm_daemon/internal/fan"
	"mcm_daemon/internal/logger"
	"mcm_daemon/internal/models"
	"mcm_daemon/internal/protocol"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrTruncated      = errors.New("reply truncated")
	ErrNoReplyBuffer  = errors.New("reply buffer size must be at least 1")
	errEmpty          = errors.New("empty command")
	errUsage          = errors.New("bad arguments")
	errNoClock        = errors.New("rtc sync not available")
)

// Outcome tells the caller what to do after writing the reply.
type Outcome int

const (
	Success Outcome = iota
	Failure
	Quit
	Shutdown
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case Quit:
		return "quit"
	case Shutdown:
		return "shutdown"
	default:
		return "outcome(" + strconv.Itoa(int(o)) + ")"
	}
}

// Result is the reply to one message. Reply never exceeds the buffer size
// passed to Handle.
type Result struct {
	Reply   []byte
	Outcome Outcome
	Err     error
}

// MCU is the part of the protocol engine the dispatcher uses.
type MCU interface {
	Send(cmd protocol.Command) ([]byte, error)
	Exec(cmd protocol.Command) error
}

// Fan is the part of the fan controller the dispatcher uses.
type Fan interface {
	Snapshot() models.FanStatus
	Override(on bool) error
	Drive(cmd protocol.Command, to fan.State) error
	Resume()
}

// Clock synchronises the MCU real-time clock.
type Clock interface {
	HCToSys() (time.Time, error)
	SysToHC() (time.Time, error)
}

type handlerFunc func(d *Dispatcher, args []string) (string, Outcome, error)

type entry struct {
	name  string
	usage string
	debug bool
	fn    handlerFunc
}

// Dispatcher is not safe for concurrent use; the daemon loop owns it.
type Dispatcher struct {
	mcu     MCU
	fan     Fan
	clock   Clock
	debug   bool
	log     *logger.Logger
	entries []entry
	byName  map[string]entry
}

// New builds a dispatcher. clock may be nil, in which case the RTC
// commands fail. The raw command is only available when debug is set.
func New(mcu MCU, f Fan, clock Clock, debug bool, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.Nop()
	}
	d := &Dispatcher{
		mcu:     mcu,
		fan:     f,
		clock:   clock,
		debug:   debug,
		log:     log,
		entries: catalog(),
		byName:  make(map[string]entry),
	}
	for _, e := range d.entries {
		if e.debug && !debug {
			continue
		}
		d.byName[strings.ToLower(e.name)] = e
	}
	return d
}

// Handle interprets one message. Unknown or empty messages yield Failure
// with a diagnostic reply and without touching the MCU. bufSize must be at
// least 1; otherwise no diagnostic fits and the result is Failure with
// ErrNoReplyBuffer and an empty reply.
func (d *Dispatcher) Handle(msg []byte, bufSize int) Result {
	if bufSize < 1 {
		d.log.Warnw("command_rejected", "buf_size", bufSize, "err", ErrNoReplyBuffer)
		return Result{Reply: []byte{}, Outcome: Failure, Err: ErrNoReplyBuffer}
	}
	fields := strings.Fields(string(msg))
	if len(fields) == 0 {
		return d.finish("", fields, "", Failure, errEmpty, bufSize)
	}
	e, ok := d.byName[strings.ToLower(fields[0])]
	if !ok {
		return d.finish(fields[0], fields, "", Failure, fmt.Errorf("%w %q", ErrUnknownCommand, fields[0]), bufSize)
	}
	reply, outcome, err := e.fn(d, fields[1:])
	if err != nil {
		if errors.Is(err, errUsage) {
			err = fmt.Errorf("%w, usage: %s", err, e.usage)
		}
		outcome = Failure
	}
	return d.finish(e.name, fields, reply, outcome, err, bufSize)
}

func (d *Dispatcher) finish(name string, fields []string, reply string, outcome Outcome, err error, bufSize int) Result {
	if err != nil {
		reply = "error: " + err.Error()
	}
	out := []byte(reply)
	if len(out) > bufSize {
		out = out[:bufSize]
		if err == nil {
			err = fmt.Errorf("%w: %d of %d bytes", ErrTruncated, bufSize, len(reply))
		}
		if outcome == Success {
			outcome = Failure
		}
	}
	if err != nil {
		d.log.Debugw("command_failed", "command", name, "args", len(fields), "outcome", outcome.String(), "err", err)
	} else {
		d.log.Debugw("command", "command", name, "outcome", outcome.String())
	}
	return Result{Reply: out, Outcome: outcome, Err: err}
}

// Commands lists the command names accepted by this dispatcher.
func (d *Dispatcher) Commands() []string {
	names := make([]string, 0, len(d.entries))
	for _, e := range d.entries {
		if e.debug && !d.debug {
			continue
		}
		names = append(names, e.name)
	}
	return names
}
