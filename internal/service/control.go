package service

import (
	"context"
	"errors"
	"strings"

	"mcm_daemon/internal/dispatch"
)

var errInvalidMode = errors.New("invalid mode: must be auto, on or off")

// Submitter is satisfied by *daemon.Daemon.
type Submitter interface {
	Submit(ctx context.Context, msg []byte, bufSize int) (dispatch.Result, error)
}

// ModeParams selects automatic control or a manual override.
type ModeParams struct {
	Mode string // auto | on | off
}

// CommandResult is the dispatcher answer as the API reports it.
type CommandResult struct {
	Command string `json:"command"`
	Reply   string `json:"reply"`
	Outcome string `json:"outcome"`
}

// OK reports whether the command succeeded.
func (r CommandResult) OK() bool { return r.Outcome == dispatch.Success.String() }

// Failed reports whether the dispatcher answered with a failure outcome.
// Quit and Shutdown are neither OK nor Failed.
func (r CommandResult) Failed() bool { return r.Outcome == dispatch.Failure.String() }

var modeCommands = map[string]string{
	"auto": "SetFanAuto",
	"on":   "SetFanOn",
	"off":  "SetFanOff",
}

type ControlService struct {
	sub     Submitter
	bufSize int
}

func NewControlService(sub Submitter, bufSize int) *ControlService {
	if bufSize <= 0 {
		bufSize = 512
	}
	return &ControlService{sub: sub, bufSize: bufSize}
}

// SetMode maps a mode onto the matching dispatcher command.
func (s *ControlService) SetMode(ctx context.Context, p ModeParams) (CommandResult, error) {
	cmd, ok := modeCommands[strings.ToLower(strings.TrimSpace(p.Mode))]
	if !ok {
		return CommandResult{}, errInvalidMode
	}
	return s.Execute(ctx, cmd)
}

// Execute submits one command line. The error is only set when the daemon
// could not run it at all; MCU failures come back as a failure outcome.
func (s *ControlService) Execute(ctx context.Context, command string) (CommandResult, error) {
	line := strings.TrimSpace(command)
	res, err := s.sub.Submit(ctx, []byte(line), s.bufSize)
	if err != nil {
		return CommandResult{}, err
	}
	return CommandResult{
		Command: line,
		Reply:   string(res.Reply),
		Outcome: res.Outcome.String(),
	}, nil
}

// IsInvalidMode reports whether err came from an unknown mode.
func IsInvalidMode(err error) bool { return errors.Is(err, errInvalidMode) }
