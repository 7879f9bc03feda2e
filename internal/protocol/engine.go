// Package protocol implements the framed request/response exchange with the
// MCU: a command frame is written, the reply is validated by prefix and the
// exchange is retried a bounded number of times.
package protocol

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"mcm_daemon/internal/logger"
)

// ErrWrongAnswer is returned when a reply does not carry the expected prefix,
// nothing was read, or every permitted attempt failed.
var ErrWrongAnswer = errors.New("protocol: wrong answer")

// maxReply caps the read budget of a single exchange.
const maxReply = 64

// Channel is the byte stream the engine talks over.
type Channel interface {
	io.ReadWriter
	Clear()
}

// Stats counts exchanges since startup.
type Stats struct {
	Commands uint64 `json:"commands"`
	Attempts uint64 `json:"attempts"`
	Failures uint64 `json:"failures"`
}

// Engine serializes nothing on its own: callers must guarantee a single
// in-flight command, which the daemon loop does by construction.
type Engine struct {
	ch      Channel
	retries int
	log     *logger.Logger

	commands atomic.Uint64
	attempts atomic.Uint64
	failures atomic.Uint64
}

// NewEngine builds an engine with the configured default retry count.
func NewEngine(ch Channel, retries int, log *logger.Logger) *Engine {
	if retries < 0 {
		retries = 0
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Engine{ch: ch, retries: retries, log: log}
}

// Retries returns the default retry count.
func (e *Engine) Retries() int { return e.retries }

// Stats returns a copy of the exchange counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Commands: e.commands.Load(),
		Attempts: e.attempts.Load(),
		Failures: e.failures.Load(),
	}
}

// CheckResponse reports whether the first n bytes of buf equal the first n
// bytes of cmd. Buffers shorter than n never match.
func CheckResponse(buf, cmd []byte, n int) bool {
	if n < 0 || len(buf) < n || len(cmd) < n {
		return false
	}
	for i := 0; i < n; i++ {
		if buf[i] != cmd[i] {
			return false
		}
	}
	return true
}

// SendOnce writes the frame and reads a single reply. Everything after the
// prefix is returned to the caller uninterpreted.
func (e *Engine) SendOnce(cmd Command) ([]byte, error) {
	e.attempts.Add(1)
	frame := cmd.Bytes()

	if _, err := e.ch.Write(frame); err != nil {
		return nil, fmt.Errorf("%w: %s: write: %v", ErrWrongAnswer, cmd.Name, err)
	}

	buf := make([]byte, cmd.readBudget())
	got := 0
	for got < len(buf) {
		n, err := e.ch.Read(buf[got:])
		got += n
		if err != nil {
			return nil, fmt.Errorf("%w: %s: read: %v", ErrWrongAnswer, cmd.Name, err)
		}
		if n == 0 {
			break
		}
	}
	buf = buf[:got]

	if got == 0 {
		return nil, fmt.Errorf("%w: %s: no reply", ErrWrongAnswer, cmd.Name)
	}
	if !CheckResponse(buf, frame, cmd.PrefixLen) {
		e.log.Debugw("protocol_prefix_mismatch", "cmd", cmd.Name, "reply", fmt.Sprintf("% x", buf))
		return nil, fmt.Errorf("%w: %s: prefix mismatch", ErrWrongAnswer, cmd.Name)
	}
	return buf, nil
}

// Send exchanges cmd using the engine's default retry count.
func (e *Engine) Send(cmd Command) ([]byte, error) {
	return e.SendWithRetries(cmd, e.retries)
}

// SendWithRetries performs at most retries+1 attempts and stops at the first
// match. The read buffer is cleared before every retry so a garbled reply
// cannot desynchronize the next one.
func (e *Engine) SendWithRetries(cmd Command, retries int) ([]byte, error) {
	if retries < 0 {
		retries = 0
	}
	e.commands.Add(1)

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			e.ch.Clear()
		}
		reply, err := e.SendOnce(cmd)
		if err == nil {
			if attempt > 0 {
				e.log.Debugw("protocol_recovered", "cmd", cmd.Name, "attempt", attempt+1)
			}
			return reply, nil
		}
		lastErr = err
		e.log.Debugw("protocol_attempt_failed", "cmd", cmd.Name, "attempt", attempt+1, "err", err)
	}

	e.failures.Add(1)
	e.log.Warnw("protocol_retries_exhausted", "cmd", cmd.Name, "attempts", retries+1, "err", lastErr)
	return nil, lastErr
}

// Exec validates the exchange like Send but discards the reply.
func (e *Engine) Exec(cmd Command) error {
	_, err := e.Send(cmd)
	return err
}
