// Package config loads the daemon configuration from YAML, environment and
// command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPath = "/etc/mcm-daemon.yml"
	envPrefix   = "MCM"
)

type Serial struct {
	Device      string        `mapstructure:"device"`
	BaudRate    int           `mapstructure:"baud_rate"`
	Parity      string        `mapstructure:"parity"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	Retries     int           `mapstructure:"retries"`
}

type Fan struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	TempLow      int           `mapstructure:"temp_low"`
	TempHigh     int           `mapstructure:"temp_high"`
	Hysteresis   int           `mapstructure:"hysteresis"`
}

type GPIO struct {
	Enabled      bool          `mapstructure:"enabled"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Backend      string        `mapstructure:"backend"`
	Dir          string        `mapstructure:"dir"`
	Chip         string        `mapstructure:"chip"`
	Pin          int           `mapstructure:"pin"`
	ActiveLow    bool          `mapstructure:"active_low"`
}

type Server struct {
	Addr        string `mapstructure:"addr"`
	Port        int    `mapstructure:"port"`
	ReplyBuffer int    `mapstructure:"reply_buffer"`
	MaxLine     int    `mapstructure:"max_line"`
}

type RTC struct {
	SyncOnStartup  bool `mapstructure:"sync_on_startup"`
	SyncOnShutdown bool `mapstructure:"sync_on_shutdown"`
}

type Daemon struct {
	Daemonize bool   `mapstructure:"daemonize"`
	Debug     bool   `mapstructure:"debug"`
	LogLevel  string `mapstructure:"log_level"`
	LogFile   string `mapstructure:"log_file"`
}

type API struct {
	Enabled      bool          `mapstructure:"enabled"`
	Addr         string        `mapstructure:"addr"`
	Port         int           `mapstructure:"port"`
	Username     string        `mapstructure:"username"`
	PasswordHash string        `mapstructure:"password_hash"`
	SigningKey   string        `mapstructure:"signing_key"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
}

type SNMP struct {
	Enabled   bool          `mapstructure:"enabled"`
	Host      string        `mapstructure:"host"`
	Port      int           `mapstructure:"port"`
	TrapPort  int           `mapstructure:"trap_port"`
	Community string        `mapstructure:"community"`
	Interval  time.Duration `mapstructure:"interval"`
	OIDBase   string        `mapstructure:"oid_base"`
}

// Config is immutable after Load.
type Config struct {
	Serial Serial `mapstructure:"serial"`
	Fan    Fan    `mapstructure:"fan"`
	GPIO   GPIO   `mapstructure:"gpio"`
	Server Server `mapstructure:"server"`
	RTC    RTC    `mapstructure:"rtc"`
	Daemon Daemon `mapstructure:"daemon"`
	API    API    `mapstructure:"api"`
	SNMP   SNMP   `mapstructure:"snmp"`
}

var defaults = map[string]any{
	"serial.device":       "/dev/ttyS1",
	"serial.baud_rate":    115200,
	"serial.parity":       "none",
	"serial.read_timeout": 500 * time.Millisecond,
	"serial.retries":      2,

	"fan.poll_interval": 15 * time.Second,
	"fan.temp_low":      40,
	"fan.temp_high":     50,
	"fan.hysteresis":    2,

	"gpio.enabled":       false,
	"gpio.poll_interval": time.Second,
	"gpio.backend":       "sysfs",
	"gpio.dir":           "/sys/class/gpio",
	"gpio.chip":          "gpiochip0",
	"gpio.pin":           0,
	"gpio.active_low":    false,

	"server.addr":         "127.0.0.1",
	"server.port":         57367,
	"server.reply_buffer": 512,
	"server.max_line":     1024,

	"rtc.sync_on_startup":  false,
	"rtc.sync_on_shutdown": false,

	"daemon.daemonize": false,
	"daemon.debug":     false,
	"daemon.log_level": "info",
	"daemon.log_file":  "/var/log/mcm-daemon.log",

	"api.enabled":       false,
	"api.addr":          "127.0.0.1",
	"api.port":          8080,
	"api.username":      "admin",
	"api.password_hash": "",
	"api.signing_key":   "",
	"api.token_ttl":     12 * time.Hour,

	"snmp.enabled":   false,
	"snmp.host":      "127.0.0.1",
	"snmp.port":      161,
	"snmp.trap_port": 162,
	"snmp.community": "private",
	"snmp.interval":  30 * time.Second,
	"snmp.oid_base":  ".1.3.6.1.4.1.99999.1",
}

// flag name -> config key
var flagKeys = map[string]string{
	"device": "serial.device",
	"port":   "server.port",
	"debug":  "daemon.debug",
	"daemon": "daemon.daemonize",
}

// RegisterFlags adds the command-line overrides to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", DefaultPath, "path to the YAML configuration file")
	fs.String("device", "", "serial device connected to the MCU")
	fs.Int("port", 0, "command socket port")
	fs.Bool("debug", false, "debug logging and the raw command")
	fs.Bool("daemon", false, "detach from the terminal")
}

func newViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	return v
}

// Default returns the built-in configuration.
func Default() Config {
	var c Config
	if err := newViper().Unmarshal(&c); err != nil {
		panic(fmt.Sprintf("config: built-in defaults do not decode: %v", err))
	}
	return c
}

// Load reads path, writing the defaults there first if it does not exist.
// Environment variables (MCM_SERIAL_DEVICE, ...) override the file and
// changed flags in fs override both. created reports whether the file was
// written.
func Load(path string, fs *pflag.FlagSet) (cfg Config, created bool, err error) {
	if path == "" {
		path = DefaultPath
	}
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		if err := WriteDefault(path); err != nil {
			return Config{}, false, fmt.Errorf("create default config: %w", err)
		}
		created = true
	}

	v := newViper()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return Config{}, created, fmt.Errorf("read %s: %w", path, err)
	}
	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, created, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, created, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, created, err
	}
	return cfg, created, nil
}

// WriteDefault writes the built-in configuration as YAML.
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(readable(newViper().AllSettings()))
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// readable renders durations as "15s" instead of nanoseconds.
func readable(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, val := range m {
		switch x := val.(type) {
		case map[string]any:
			out[k] = readable(x)
		case time.Duration:
			out[k] = x.String()
		default:
			out[k] = val
		}
	}
	return out
}
