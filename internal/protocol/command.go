package protocol

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Frame delimiters used by the MCU firmware.
const (
	frameStart = 0xFA
	frameEnd   = 0xFB
)

// Reply byte offsets.
const (
	payloadIndex = 5
	rtcIndex     = 3
)

// RTCFieldCount is the number of BCD clock fields carried by RTC frames.
const RTCFieldCount = 7

// ErrShortReply is returned by decoders when a reply lacks the payload byte.
var ErrShortReply = errors.New("protocol: reply too short")

// Command is an immutable frame plus the number of leading bytes the MCU is
// expected to reproduce in its reply.
type Command struct {
	Name      string
	Frame     string
	PrefixLen int
	ReplyLen  int
}

// Bytes returns a fresh copy of the frame.
func (c Command) Bytes() []byte { return []byte(c.Frame) }

// readBudget is how many bytes one attempt will try to read.
func (c Command) readBudget() int {
	n := c.ReplyLen
	if n < c.PrefixLen {
		n = c.PrefixLen
	}
	if n <= 0 {
		n = 1
	}
	if n > maxReply {
		n = maxReply
	}
	return n
}

func (c Command) String() string {
	return fmt.Sprintf("%s[% x]", c.Name, c.Frame)
}

func short(name string, op, arg byte) Command {
	return Command{
		Name:      name,
		Frame:     string([]byte{frameStart, 0x03, op, arg, 0x00, 0x00, frameEnd}),
		PrefixLen: 3,
		ReplyLen:  7,
	}
}

func fan(name string, level byte) Command {
	return Command{
		Name:      name,
		Frame:     string([]byte{frameStart, 0x02, 0x00, level, 0x00, 0x00, frameEnd}),
		PrefixLen: 3,
		ReplyLen:  7,
	}
}

// Command catalog.
var (
	DeviceReady   = short("DeviceReady", 0x01, 0x00)
	ThermalStatus = short("ThermalStatus", 0x08, 0x00)
	FanStatus     = short("FanStatus", 0x03, 0x00)

	FanStop = fan("FanStop", 0x00)
	FanHalf = fan("FanHalf", 0x01)
	FanFull = fan("FanFull", 0x02)

	PowerLedOn    = short("PowerLedOn", 0x06, 0x00)
	PowerLedOff   = short("PowerLedOff", 0x06, 0x01)
	PowerLedBlink = short("PowerLedBlink", 0x06, 0x02)

	WOLEnable  = short("WOLEnable", 0x0A, 0x01)
	WOLDisable = short("WOLDisable", 0x0A, 0x00)
	WOLStatus  = short("WOLStatus", 0x0A, 0x02)

	PowerRecoveryEnable  = short("PowerRecoveryEnable", 0x0B, 0x01)
	PowerRecoveryDisable = short("PowerRecoveryDisable", 0x0B, 0x00)
	PowerRecoveryStatus  = short("PowerRecoveryStatus", 0x0B, 0x02)

	RTCGet = Command{
		Name:      "RTCGet",
		Frame:     string([]byte{frameStart, 0x03, 0x02, 0x00, 0x00, 0x00, frameEnd}),
		PrefixLen: 3,
		ReplyLen:  11,
	}
)

// DeviceShutdown asks the MCU to cut power after the given minutes.
func DeviceShutdown(minutes byte) Command {
	return short("DeviceShutdown", 0x0C, minutes)
}

// RTCSet writes seven BCD fields (sec, min, hour, wday, day, month, year).
func RTCSet(fields [RTCFieldCount]byte) Command {
	frame := make([]byte, 0, RTCFieldCount+3)
	frame = append(frame, frameStart, 0x01)
	frame = append(frame, fields[:]...)
	frame = append(frame, frameEnd)
	return Command{Name: "RTCSet", Frame: string(frame), PrefixLen: 2, ReplyLen: 7}
}

// Raw builds a command from a hex string such as "fa0308000000fb".
func Raw(hexFrame string, prefixLen, replyLen int) (Command, error) {
	b, err := hex.DecodeString(strings.ReplaceAll(hexFrame, " ", ""))
	if err != nil {
		return Command{}, fmt.Errorf("decode frame: %w", err)
	}
	if len(b) == 0 {
		return Command{}, errors.New("empty frame")
	}
	if prefixLen < 0 || prefixLen > len(b) {
		return Command{}, fmt.Errorf("prefix length %d out of range 0..%d", prefixLen, len(b))
	}
	if replyLen < 0 || replyLen > maxReply {
		return Command{}, fmt.Errorf("reply length %d out of range 0..%d", replyLen, maxReply)
	}
	return Command{Name: "Raw", Frame: string(b), PrefixLen: prefixLen, ReplyLen: replyLen}, nil
}

// PayloadByte returns the status/value byte of a short reply.
func PayloadByte(reply []byte) (byte, error) {
	if len(reply) <= payloadIndex {
		return 0, fmt.Errorf("%w: %d bytes", ErrShortReply, len(reply))
	}
	return reply[payloadIndex], nil
}

// Temperature decodes a ThermalStatus reply into degrees Celsius.
func Temperature(reply []byte) (int, error) {
	b, err := PayloadByte(reply)
	if err != nil {
		return 0, err
	}
	return int(int8(b)), nil
}

// RTCFields extracts the BCD clock fields of an RTCGet reply.
func RTCFields(reply []byte) ([RTCFieldCount]byte, error) {
	var out [RTCFieldCount]byte
	if len(reply) < rtcIndex+RTCFieldCount {
		return out, fmt.Errorf("%w: %d bytes", ErrShortReply, len(reply))
	}
	copy(out[:], reply[rtcIndex:rtcIndex+RTCFieldCount])
	return out, nil
}
