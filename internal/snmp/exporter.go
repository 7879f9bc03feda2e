// Package snmp pushes the fan snapshot to an SNMP manager and raises traps
// for alerts.
package snmp

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"mcm_daemon/internal/logger"
	"mcm_daemon/internal/models"
	"mcm_daemon/internal/protocol"

	"github.com/gosnmp/gosnmp"
)

const (
	sysUpTimeOID   = ".1.3.6.1.2.1.1.3.0"
	snmpTrapOIDOID = ".1.3.6.1.6.3.1.1.4.1.0"
	clientTimeout  = 2 * time.Second
	alertQueueSize = 16
)

// Value OIDs relative to the configured base.
const (
	oidTemperature    = "1"
	oidFanOn          = "2"
	oidManual         = "3"
	oidFailures       = "4"
	oidDegraded       = "5"
	oidGPIOMismatch   = "6"
	oidCommands       = "7"
	oidAttempts       = "8"
	oidEngineFailures = "9"
	oidTrapMessage    = "100.0"
)

var trapOIDs = map[string]string{
	"degraded":      "100.1",
	"gpio_mismatch": "100.2",
}

// Client is the subset of *gosnmp.GoSNMP the exporter uses.
type Client interface {
	Connect() error
	Set(pdus []gosnmp.SnmpPDU) (*gosnmp.SnmpPacket, error)
	SendTrap(trap gosnmp.SnmpTrap) (*gosnmp.SnmpPacket, error)
}

// StatusSource provides the values to export.
type StatusSource interface {
	Snapshot() models.FanStatus
}

// StatsSource provides the protocol counters.
type StatsSource interface {
	Stats() protocol.Stats
}

// Options configures the manager endpoint.
type Options struct {
	Host      string
	Port      int
	TrapPort  int
	Community string
	Interval  time.Duration
	OIDBase   string
}

// NewClient returns a v2c client for host:port.
func NewClient(host string, port int, community string) *gosnmp.GoSNMP {
	return &gosnmp.GoSNMP{
		Target:    host,
		Port:      uint16(port),
		Community: community,
		Version:   gosnmp.Version2c,
		Timeout:   clientTimeout,
	}
}

// Exporter sets the values periodically and sends traps. The value and trap
// clients are separate because neither is safe for concurrent use.
type Exporter struct {
	values  Client
	traps   Client
	base    string
	every   time.Duration
	status  StatusSource
	stats   StatsSource
	log     *logger.Logger
	started time.Time
	alerts  chan alert

	trapMu sync.Mutex
}

type alert struct {
	kind    string
	message string
}

// NewExporter builds an exporter against real gosnmp clients.
func NewExporter(opts Options, status StatusSource, stats StatsSource, log *logger.Logger) *Exporter {
	return newExporter(
		NewClient(opts.Host, opts.Port, opts.Community),
		NewClient(opts.Host, opts.TrapPort, opts.Community),
		opts, status, stats, log,
	)
}

func newExporter(values, traps Client, opts Options, status StatusSource, stats StatsSource, log *logger.Logger) *Exporter {
	if log == nil {
		log = logger.Nop()
	}
	return &Exporter{
		values:  values,
		traps:   traps,
		base:    strings.TrimSuffix(opts.OIDBase, "."),
		every:   opts.Interval,
		status:  status,
		stats:   stats,
		log:     log,
		started: time.Now(),
		alerts:  make(chan alert, alertQueueSize),
	}
}

// Connect opens both UDP sockets.
func (e *Exporter) Connect() error {
	if err := e.values.Connect(); err != nil {
		return fmt.Errorf("connect snmp manager: %w", err)
	}
	if err := e.traps.Connect(); err != nil {
		return fmt.Errorf("connect snmp trap receiver: %w", err)
	}
	return nil
}

func (e *Exporter) oid(suffix string) string { return e.base + "." + suffix }

// PDUs renders a snapshot into varbinds.
func (e *Exporter) PDUs(s models.FanStatus, st protocol.Stats) []gosnmp.SnmpPDU {
	pdus := make([]gosnmp.SnmpPDU, 0, 9)
	if s.HaveReading {
		pdus = append(pdus, gosnmp.SnmpPDU{Name: e.oid(oidTemperature), Type: gosnmp.Integer, Value: s.TemperatureC})
	}
	return append(pdus,
		gosnmp.SnmpPDU{Name: e.oid(oidFanOn), Type: gosnmp.Integer, Value: boolInt(s.Fan == "on")},
		gosnmp.SnmpPDU{Name: e.oid(oidManual), Type: gosnmp.Integer, Value: boolInt(s.Mode == "manual")},
		gosnmp.SnmpPDU{Name: e.oid(oidFailures), Type: gosnmp.Integer, Value: s.Failures},
		gosnmp.SnmpPDU{Name: e.oid(oidDegraded), Type: gosnmp.Integer, Value: boolInt(s.Degraded)},
		gosnmp.SnmpPDU{Name: e.oid(oidGPIOMismatch), Type: gosnmp.Integer, Value: boolInt(s.GPIOMismatch)},
		gosnmp.SnmpPDU{Name: e.oid(oidCommands), Type: gosnmp.Counter32, Value: uint32(st.Commands)},
		gosnmp.SnmpPDU{Name: e.oid(oidAttempts), Type: gosnmp.Counter32, Value: uint32(st.Attempts)},
		gosnmp.SnmpPDU{Name: e.oid(oidEngineFailures), Type: gosnmp.Counter32, Value: uint32(st.Failures)},
	)
}

// Push sends the current values once.
func (e *Exporter) Push() error {
	var st protocol.Stats
	if e.stats != nil {
		st = e.stats.Stats()
	}
	if _, err := e.values.Set(e.PDUs(e.status.Snapshot(), st)); err != nil {
		return fmt.Errorf("snmp set: %w", err)
	}
	return nil
}

// Run pushes every interval and sends queued alerts until ctx is cancelled.
func (e *Exporter) Run(ctx context.Context) {
	go e.sendAlerts(ctx)

	t := time.NewTicker(e.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := e.Push(); err != nil {
				e.log.Warnw("snmp_push_failed", "err", err)
			}
		}
	}
}

// Alert queues a trap for kind and returns at once; the fan controller
// calls it from the loop that owns the serial link. When the queue is full
// the alert is logged and dropped.
func (e *Exporter) Alert(kind, message string) {
	select {
	case e.alerts <- alert{kind: kind, message: message}:
	default:
		e.log.Warnw("snmp_trap_dropped", "kind", kind, "message", message)
	}
}

func (e *Exporter) sendAlerts(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-e.alerts:
			if err := e.Trap(a.kind, a.message); err != nil {
				e.log.Warnw("snmp_trap_failed", "kind", a.kind, "err", err)
			}
		}
	}
}

// Trap sends a v2c trap for kind and waits for the send. Unknown kinds are
// sent under the degraded trap OID.
func (e *Exporter) Trap(kind, message string) error {
	suffix, ok := trapOIDs[kind]
	if !ok {
		suffix = trapOIDs["degraded"]
	}
	trap := gosnmp.SnmpTrap{Variables: []gosnmp.SnmpPDU{
		{Name: sysUpTimeOID, Type: gosnmp.TimeTicks, Value: uint32(time.Since(e.started) / (10 * time.Millisecond))},
		{Name: snmpTrapOIDOID, Type: gosnmp.ObjectIdentifier, Value: e.oid(suffix)},
		{Name: e.oid(oidTrapMessage), Type: gosnmp.OctetString, Value: message},
	}}

	e.trapMu.Lock()
	defer e.trapMu.Unlock()
	if _, err := e.traps.SendTrap(trap); err != nil {
		return fmt.Errorf("snmp trap %s: %w", kind, err)
	}
	e.log.Infow("snmp_trap_sent", "kind", kind)
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
