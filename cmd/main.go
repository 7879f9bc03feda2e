package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"mcm_daemon/internal/config"
	"mcm_daemon/internal/daemon"
	"mcm_daemon/internal/dispatch"
	"mcm_daemon/internal/fan"
	"mcm_daemon/internal/gpio"
	"mcm_daemon/internal/handlers"
	"mcm_daemon/internal/logger"
	"mcm_daemon/internal/protocol"
	"mcm_daemon/internal/rtc"
	"mcm_daemon/internal/serialport"
	"mcm_daemon/internal/server"
	"mcm_daemon/internal/service"
	"mcm_daemon/internal/snmp"

	"github.com/spf13/pflag"
)

// set in the re-executed child so it does not detach again
const detachedEnv = "MCM_DETACHED"

func main() {
	fs := pflag.NewFlagSet("mcm-daemon", pflag.ExitOnError)
	config.RegisterFlags(fs)
	hashPassword := fs.String("hash-password", "", "print the bcrypt hash of a password for api.password_hash and exit")
	_ = fs.Parse(os.Args[1:])

	if *hashPassword != "" {
		hash, err := service.HashPassword(*hashPassword)
		if err != nil {
			fmt.Fprintf(os.Stderr, "hash password: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	configPath, _ := fs.GetString("config")
	cfg, created, err := config.Load(configPath, fs)
	if err != nil {
		logger.Get(logger.InfoLevel).Fatalw("error reading config", "path", configPath, "err", err)
	}

	if cfg.Daemon.Daemonize && os.Getenv(detachedEnv) == "" {
		if err := startAsDaemon(cfg.Daemon.LogFile); err != nil {
			logger.Get(logger.InfoLevel).Fatalw("failed to start daemon", "err", err)
		}
		return
	}

	log := logger.Get(logger.LevelFor(cfg.Daemon.LogLevel, cfg.Daemon.Debug))
	defer func() { _ = log.Sync() }()
	if created {
		log.Infow("default config written", "path", configPath)
	}

	if err := run(cfg, log); err != nil {
		log.Fatalw("daemon stopped with error", "err", err)
	}
}

// startAsDaemon re-executes the binary in a new session with its output
// appended to logFile.
func startAsDaemon(logFile string) error {
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = file.Close() }()

	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Env = append(os.Environ(), detachedEnv+"=1")
	cmd.Stdout = file
	cmd.Stderr = file
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return err
	}
	fmt.Printf("mcm-daemon started with PID %d, logging to %s\n", cmd.Process.Pid, logFile)
	return nil
}

func run(cfg config.Config, log *logger.Logger) error {
	// serial channel and protocol engine
	ch, err := serialport.Open(serialport.Options{
		Device:      cfg.Serial.Device,
		BaudRate:    cfg.Serial.BaudRate,
		Parity:      cfg.Serial.Parity,
		ReadTimeout: cfg.Serial.ReadTimeout,
	}, log.Named("serial"))
	if err != nil {
		log.Fatalw("failed to open serial device", "device", cfg.Serial.Device, "err", err)
	}
	engine := protocol.NewEngine(ch, cfg.Serial.Retries, log.Named("protocol"))

	// fan controller
	ctl, err := fan.New(engine, fan.Options{
		Thresholds: fan.Thresholds{
			Low:        cfg.Fan.TempLow,
			High:       cfg.Fan.TempHigh,
			Hysteresis: cfg.Fan.Hysteresis,
		},
		MaxFailures:   cfg.Serial.Retries,
		GPIOPin:       cfg.GPIO.Pin,
		GPIOActiveLow: cfg.GPIO.ActiveLow,
	}, log.Named("fan"))
	if err != nil {
		_ = ch.Close()
		log.Fatalw("invalid fan thresholds", "err", err)
	}

	var pins gpio.Reader
	if cfg.GPIO.Enabled {
		pins, err = gpio.Open(cfg.GPIO.Backend, cfg.GPIO.Dir, cfg.GPIO.Chip)
		if err != nil {
			_ = ch.Close()
			log.Fatalw("failed to open gpio", "backend", cfg.GPIO.Backend, "err", err)
		}
		ctl.SetGPIO(pins)
	}

	clock := rtc.NewSyncer(engine, log.Named("rtc"))
	dispatcher := dispatch.New(engine, ctl, clock, cfg.Daemon.Debug, log.Named("dispatch"))

	d := daemon.New(daemon.Options{
		FanPollInterval:  cfg.Fan.PollInterval,
		GPIOEnabled:      cfg.GPIO.Enabled,
		GPIOPollInterval: cfg.GPIO.PollInterval,
		SyncOnStartup:    cfg.RTC.SyncOnStartup,
		SyncOnShutdown:   cfg.RTC.SyncOnShutdown,
	}, dispatcher, ctl, engine, clock, log.Named("daemon"))
	d.AddDevice("serial", ch)
	if pins != nil {
		d.AddDevice("gpio", pins)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// command socket
	cmdSrv := server.NewCommandServer(
		server.JoinAddr(cfg.Server.Addr, cfg.Server.Port),
		d, cfg.Server.ReplyBuffer, cfg.Server.MaxLine, log.Named("server"),
	)
	if err := cmdSrv.Listen(); err != nil {
		_ = d.Cleanup()
		log.Fatalw("failed to bind command socket", "port", cfg.Server.Port, "err", err)
	}
	d.AddServer("command", cmdSrv)
	go func() {
		if err := cmdSrv.Serve(ctx); err != nil {
			log.Errorw("command server stopped", "err", err)
			d.RequestShutdown()
		}
	}()

	if cfg.API.Enabled {
		runHTTPServer(d, ctl, cfg, log)
	}
	if cfg.SNMP.Enabled {
		runSNMPExporter(ctx, ctl, engine, cfg, log)
	}

	log.Infow("mcm-daemon started",
		"device", cfg.Serial.Device,
		"addr", cmdSrv.Addr().String(),
		"temp_low", cfg.Fan.TempLow,
		"temp_high", cfg.Fan.TempHigh,
		"debug", cfg.Daemon.Debug,
	)

	runErr := d.Run(ctx)
	stop()
	return errors.Join(runErr, d.Cleanup())
}

// runHTTPServer starts the status/control API. Its closer is registered with
// the daemon so cleanup stops it before the devices go away.
func runHTTPServer(d *daemon.Daemon, ctl *fan.Controller, cfg config.Config, log *logger.Logger) {
	services := service.NewService(service.Deps{
		Auth: service.AuthConfig{
			Username:     cfg.API.Username,
			PasswordHash: cfg.API.PasswordHash,
			SigningKey:   cfg.API.SigningKey,
			TokenTTL:     cfg.API.TokenTTL,
		},
		Status:      ctl,
		Submitter:   d,
		ReplyBuffer: cfg.Server.ReplyBuffer,
	})
	apiHandler := handlers.NewHandler(services, log.Named("api"))

	srv := server.NewHTTPServer(cfg.API.Addr, cfg.API.Port, apiHandler.InitRoutes())
	d.AddServer("api", srv)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			log.Errorw("api server stopped", "addr", srv.Addr(), "err", err)
		}
	}()
	log.Infow("api listening", "addr", srv.Addr())
}

func runSNMPExporter(ctx context.Context, ctl *fan.Controller, engine *protocol.Engine, cfg config.Config, log *logger.Logger) {
	exp := snmp.NewExporter(snmp.Options{
		Host:      cfg.SNMP.Host,
		Port:      cfg.SNMP.Port,
		TrapPort:  cfg.SNMP.TrapPort,
		Community: cfg.SNMP.Community,
		Interval:  cfg.SNMP.Interval,
		OIDBase:   cfg.SNMP.OIDBase,
	}, ctl, engine, log.Named("snmp"))
	if err := exp.Connect(); err != nil {
		// SNMP is optional; the daemon keeps running without it
		log.Warnw("snmp disabled", "host", cfg.SNMP.Host, "err", err)
		return
	}
	ctl.SetAlerter(exp)
	go exp.Run(ctx)
}
