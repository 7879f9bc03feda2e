package config

import (
	"errors"
	"fmt"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	switch {
	case c.Serial.Device == "":
		return invalid("serial.device is empty")
	case c.Serial.BaudRate <= 0:
		return invalid("serial.baud_rate must be > 0, got %d", c.Serial.BaudRate)
	case c.Serial.Retries < 0:
		return invalid("serial.retries must be >= 0, got %d", c.Serial.Retries)
	case c.Serial.ReadTimeout <= 0:
		return invalid("serial.read_timeout must be > 0")
	}
	switch c.Serial.Parity {
	case "none", "odd", "even":
	default:
		return invalid("serial.parity must be none, odd or even, got %q", c.Serial.Parity)
	}

	if c.Fan.PollInterval <= 0 {
		return invalid("fan.poll_interval must be > 0")
	}
	if c.Fan.TempLow >= c.Fan.TempHigh {
		return invalid("fan.temp_low (%d) must be lower than fan.temp_high (%d)", c.Fan.TempLow, c.Fan.TempHigh)
	}
	if c.Fan.Hysteresis < 0 {
		return invalid("fan.hysteresis must be >= 0, got %d", c.Fan.Hysteresis)
	}
	if c.Fan.TempLow+c.Fan.Hysteresis > c.Fan.TempHigh {
		return invalid("fan.temp_low + fan.hysteresis (%d) exceeds fan.temp_high (%d)", c.Fan.TempLow+c.Fan.Hysteresis, c.Fan.TempHigh)
	}

	if c.GPIO.Enabled {
		if c.GPIO.PollInterval <= 0 {
			return invalid("gpio.poll_interval must be > 0")
		}
		if c.GPIO.Pin < 0 {
			return invalid("gpio.pin must be >= 0, got %d", c.GPIO.Pin)
		}
		switch c.GPIO.Backend {
		case "sysfs":
			if c.GPIO.Dir == "" {
				return invalid("gpio.dir is empty")
			}
		case "cdev":
			if c.GPIO.Chip == "" {
				return invalid("gpio.chip is empty")
			}
		default:
			return invalid("gpio.backend must be sysfs or cdev, got %q", c.GPIO.Backend)
		}
	}

	if !validPort(c.Server.Port) {
		return invalid("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Server.ReplyBuffer <= 0 {
		return invalid("server.reply_buffer must be > 0")
	}
	if c.Server.MaxLine <= 0 {
		return invalid("server.max_line must be > 0")
	}

	if c.API.Enabled {
		if !validPort(c.API.Port) {
			return invalid("api.port must be in 1..65535, got %d", c.API.Port)
		}
		if c.API.Username == "" || c.API.PasswordHash == "" || c.API.SigningKey == "" {
			return invalid("api.username, api.password_hash and api.signing_key are required when the api is enabled")
		}
		if c.API.TokenTTL <= 0 {
			return invalid("api.token_ttl must be > 0")
		}
	}

	if c.SNMP.Enabled {
		if c.SNMP.Host == "" || c.SNMP.Community == "" {
			return invalid("snmp.host and snmp.community are required when snmp is enabled")
		}
		if !validPort(c.SNMP.Port) || !validPort(c.SNMP.TrapPort) {
			return invalid("snmp.port and snmp.trap_port must be in 1..65535")
		}
		if c.SNMP.Interval <= 0 {
			return invalid("snmp.interval must be > 0")
		}
	}
	return nil
}

func validPort(p int) bool { return p > 0 && p <= 65535 }
