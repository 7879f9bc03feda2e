package dispatch

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"mcm_daemon/internal/fan"
	"mcm_daemon/internal/protocol"
)

const okReply = "ok"

func catalog() []entry {
	return []entry{
		{name: "DeviceReady", fn: exec(protocol.DeviceReady)},
		{name: "GetTemperature", fn: getTemperature},
		{name: "GetFanState", fn: getFanState},
		{name: "SetFanStop", fn: drive(protocol.FanStop, fan.Off)},
		{name: "SetFanHalf", fn: drive(protocol.FanHalf, fan.On)},
		{name: "SetFanFull", fn: drive(protocol.FanFull, fan.On)},
		{name: "SetFanOn", fn: override(true)},
		{name: "SetFanOff", fn: override(false)},
		{name: "SetFanAuto", fn: resume},
		{name: "GetStatus", fn: status},
		{name: "PowerLedOn", fn: exec(protocol.PowerLedOn)},
		{name: "PowerLedOff", fn: exec(protocol.PowerLedOff)},
		{name: "PowerLedBlink", fn: exec(protocol.PowerLedBlink)},
		{name: "EnableWOL", fn: exec(protocol.WOLEnable)},
		{name: "DisableWOL", fn: exec(protocol.WOLDisable)},
		{name: "GetWOLState", fn: flag(protocol.WOLStatus)},
		{name: "EnablePowerRecovery", fn: exec(protocol.PowerRecoveryEnable)},
		{name: "DisablePowerRecovery", fn: exec(protocol.PowerRecoveryDisable)},
		{name: "GetPowerRecoveryState", fn: flag(protocol.PowerRecoveryStatus)},
		{name: "DeviceShutdown", usage: "DeviceShutdown [minutes 0-255]", fn: deviceShutdown},
		{name: "systohc", fn: sysToHC},
		{name: "hctosys", fn: hcToSys},
		{name: "raw", usage: "raw <hex frame> <prefix len> [reply len]", debug: true, fn: raw},
		{name: "help", fn: help},
		{name: "quit", fn: func(*Dispatcher, []string) (string, Outcome, error) { return "bye", Quit, nil }},
		{name: "ShutdownDaemon", fn: func(*Dispatcher, []string) (string, Outcome, error) { return "shutting down", Shutdown, nil }},
	}
}

func exec(cmd protocol.Command) handlerFunc {
	return func(d *Dispatcher, _ []string) (string, Outcome, error) {
		if err := d.mcu.Exec(cmd); err != nil {
			return "", Failure, err
		}
		return okReply, Success, nil
	}
}

func payload(d *Dispatcher, cmd protocol.Command) (byte, error) {
	reply, err := d.mcu.Send(cmd)
	if err != nil {
		return 0, err
	}
	return protocol.PayloadByte(reply)
}

func getTemperature(d *Dispatcher, _ []string) (string, Outcome, error) {
	reply, err := d.mcu.Send(protocol.ThermalStatus)
	if err != nil {
		return "", Failure, err
	}
	t, err := protocol.Temperature(reply)
	if err != nil {
		return "", Failure, err
	}
	return strconv.Itoa(t), Success, nil
}

var fanLevels = map[byte]string{0: "stop", 1: "half", 2: "full"}

func getFanState(d *Dispatcher, _ []string) (string, Outcome, error) {
	b, err := payload(d, protocol.FanStatus)
	if err != nil {
		return "", Failure, err
	}
	level, ok := fanLevels[b]
	if !ok {
		return "", Failure, fmt.Errorf("unexpected fan level 0x%02x", b)
	}
	return level, Success, nil
}

func flag(cmd protocol.Command) handlerFunc {
	return func(d *Dispatcher, _ []string) (string, Outcome, error) {
		b, err := payload(d, cmd)
		if err != nil {
			return "", Failure, err
		}
		if b == 0 {
			return "disabled", Success, nil
		}
		return "enabled", Success, nil
	}
}

func drive(cmd protocol.Command, to fan.State) handlerFunc {
	return func(d *Dispatcher, _ []string) (string, Outcome, error) {
		if err := d.fan.Drive(cmd, to); err != nil {
			return "", Failure, err
		}
		return okReply, Success, nil
	}
}

func override(on bool) handlerFunc {
	return func(d *Dispatcher, _ []string) (string, Outcome, error) {
		if err := d.fan.Override(on); err != nil {
			return "", Failure, err
		}
		return okReply, Success, nil
	}
}

func resume(d *Dispatcher, _ []string) (string, Outcome, error) {
	d.fan.Resume()
	return okReply, Success, nil
}

func status(d *Dispatcher, _ []string) (string, Outcome, error) {
	s := d.fan.Snapshot()
	temp := "unknown"
	if s.HaveReading {
		temp = strconv.Itoa(s.TemperatureC)
	}
	return fmt.Sprintf("temp=%s fan=%s mode=%s failures=%d degraded=%t", temp, s.Fan, s.Mode, s.Failures, s.Degraded), Success, nil
}

func deviceShutdown(d *Dispatcher, args []string) (string, Outcome, error) {
	var minutes uint64
	switch len(args) {
	case 0:
	case 1:
		n, err := strconv.ParseUint(args[0], 10, 8)
		if err != nil {
			return "", Failure, errUsage
		}
		minutes = n
	default:
		return "", Failure, errUsage
	}
	return exec(protocol.DeviceShutdown(byte(minutes)))(d, nil)
}

func sysToHC(d *Dispatcher, _ []string) (string, Outcome, error) {
	if d.clock == nil {
		return "", Failure, errNoClock
	}
	t, err := d.clock.SysToHC()
	if err != nil {
		return "", Failure, err
	}
	return t.Format(time.RFC3339), Success, nil
}

func hcToSys(d *Dispatcher, _ []string) (string, Outcome, error) {
	if d.clock == nil {
		return "", Failure, errNoClock
	}
	t, err := d.clock.HCToSys()
	if err != nil {
		return "", Failure, err
	}
	return t.Format(time.RFC3339), Success, nil
}

func raw(d *Dispatcher, args []string) (string, Outcome, error) {
	if len(args) < 2 || len(args) > 3 {
		return "", Failure, errUsage
	}
	prefix, err := strconv.Atoi(args[1])
	if err != nil {
		return "", Failure, errUsage
	}
	replyLen := prefix
	if len(args) == 3 {
		if replyLen, err = strconv.Atoi(args[2]); err != nil {
			return "", Failure, errUsage
		}
	}
	cmd, err := protocol.Raw(args[0], prefix, replyLen)
	if err != nil {
		return "", Failure, err
	}
	reply, err := d.mcu.Send(cmd)
	if err != nil {
		return "", Failure, err
	}
	return hex.EncodeToString(reply), Success, nil
}

func help(d *Dispatcher, _ []string) (string, Outcome, error) {
	return strings.Join(d.Commands(), " "), Success, nil
}
