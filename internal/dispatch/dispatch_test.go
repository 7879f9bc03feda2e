package dispatch

import (
	"errors"
	"strings"
	"testing"
	"time"

	"mcm_daemon/internal/fan"
	"mcm_daemon/internal/models"
	"mcm_daemon/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMCU struct {
	replies map[string][]byte
	err     error
	calls   []string
}

func (m *fakeMCU) Send(cmd protocol.Command) ([]byte, error) {
	m.calls = append(m.calls, cmd.Name)
	if m.err != nil {
		return nil, m.err
	}
	return m.replies[cmd.Name], nil
}

func (m *fakeMCU) Exec(cmd protocol.Command) error {
	m.calls = append(m.calls, cmd.Name)
	return m.err
}

type fakeFan struct {
	status    models.FanStatus
	overrides []bool
	driven    []string
	resumed   int
	err       error
}

func (f *fakeFan) Snapshot() models.FanStatus { return f.status }

func (f *fakeFan) Override(on bool) error {
	f.overrides = append(f.overrides, on)
	return f.err
}

func (f *fakeFan) Drive(cmd protocol.Command, _ fan.State) error {
	f.driven = append(f.driven, cmd.Name)
	return f.err
}

func (f *fakeFan) Resume() { f.resumed++ }

type fakeClock struct {
	at  time.Time
	err error
}

func (c fakeClock) HCToSys() (time.Time, error) { return c.at, c.err }
func (c fakeClock) SysToHC() (time.Time, error) { return c.at, c.err }

func short(payload byte) []byte {
	return []byte{0xFA, 0x03, 0x00, 0x00, 0x00, payload, 0xFB}
}

func newDispatcher(debug bool) (*Dispatcher, *fakeMCU, *fakeFan) {
	mcu := &fakeMCU{replies: map[string][]byte{}}
	f := &fakeFan{}
	clock := fakeClock{at: time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)}
	return New(mcu, f, clock, debug, nil), mcu, f
}

func TestHandle_EmptyMessage(t *testing.T) {
	d, mcu, _ := newDispatcher(false)
	for _, msg := range []string{"", "   ", "\r\n"} {
		res := d.Handle([]byte(msg), 64)
		assert.Equal(t, Failure, res.Outcome)
		assert.NotEmpty(t, res.Reply)
	}
	assert.Empty(t, mcu.calls)
}

func TestHandle_RejectsMissingReplyBuffer(t *testing.T) {
	d, mcu, _ := newDispatcher(false)
	for _, size := range []int{0, -1} {
		for _, msg := range []string{"", "GetTemperature"} {
			res := d.Handle([]byte(msg), size)
			assert.Equal(t, Failure, res.Outcome)
			assert.ErrorIs(t, res.Err, ErrNoReplyBuffer)
			assert.Empty(t, res.Reply)
		}
	}
	assert.Empty(t, mcu.calls, "no exchange without a reply buffer")

	res := d.Handle(nil, 1)
	assert.Equal(t, Failure, res.Outcome)
	assert.Equal(t, []byte("e"), res.Reply, "one byte is enough for a diagnostic")
}

func TestHandle_UnknownCommand(t *testing.T) {
	d, mcu, _ := newDispatcher(false)
	res := d.Handle([]byte("FlyToTheMoon now"), 64)
	assert.Equal(t, Failure, res.Outcome)
	assert.True(t, errors.Is(res.Err, ErrUnknownCommand))
	assert.Contains(t, string(res.Reply), "unknown command")
	assert.Empty(t, mcu.calls)
}

func TestHandle_QuitAndShutdown(t *testing.T) {
	d, mcu, _ := newDispatcher(false)

	res := d.Handle([]byte("quit"), 64)
	assert.Equal(t, Quit, res.Outcome)
	assert.NoError(t, res.Err)

	res = d.Handle([]byte("shutdowndaemon\n"), 64)
	assert.Equal(t, Shutdown, res.Outcome)
	assert.Empty(t, mcu.calls)
}

func TestHandle_PassThrough(t *testing.T) {
	d, mcu, _ := newDispatcher(false)
	mcu.replies["ThermalStatus"] = short(0xF6)
	mcu.replies["FanStatus"] = short(1)
	mcu.replies["WOLStatus"] = short(1)
	mcu.replies["PowerRecoveryStatus"] = short(0)

	cases := []struct {
		msg   string
		reply string
		call  string
	}{
		{"DeviceReady", "ok", "DeviceReady"},
		{"gettemperature", "-10", "ThermalStatus"},
		{"GetFanState", "half", "FanStatus"},
		{"PowerLedBlink", "ok", "PowerLedBlink"},
		{"EnableWOL", "ok", "WOLEnable"},
		{"GetWOLState", "enabled", "WOLStatus"},
		{"GetPowerRecoveryState", "disabled", "PowerRecoveryStatus"},
		{"DeviceShutdown 5", "ok", "DeviceShutdown"},
	}
	for _, tc := range cases {
		t.Run(tc.msg, func(t *testing.T) {
			mcu.calls = nil
			res := d.Handle([]byte(tc.msg), 64)
			require.Equal(t, Success, res.Outcome, "err: %v", res.Err)
			assert.Equal(t, tc.reply, string(res.Reply))
			assert.Equal(t, []string{tc.call}, mcu.calls)
		})
	}
}

func TestHandle_MCUFailure(t *testing.T) {
	d, mcu, _ := newDispatcher(false)
	mcu.err = protocol.ErrWrongAnswer

	res := d.Handle([]byte("GetTemperature"), 64)
	assert.Equal(t, Failure, res.Outcome)
	assert.True(t, errors.Is(res.Err, protocol.ErrWrongAnswer))
	assert.True(t, strings.HasPrefix(string(res.Reply), "error: "))
}

func TestHandle_DeviceShutdownArgs(t *testing.T) {
	d, mcu, _ := newDispatcher(false)
	for _, msg := range []string{"DeviceShutdown 256", "DeviceShutdown soon", "DeviceShutdown 1 2"} {
		res := d.Handle([]byte(msg), 128)
		assert.Equal(t, Failure, res.Outcome, msg)
		assert.Contains(t, string(res.Reply), "usage")
	}
	assert.Empty(t, mcu.calls)
}

func TestHandle_FanControl(t *testing.T) {
	d, _, f := newDispatcher(false)

	assert.Equal(t, Success, d.Handle([]byte("SetFanOn"), 64).Outcome)
	assert.Equal(t, Success, d.Handle([]byte("SetFanOff"), 64).Outcome)
	assert.Equal(t, Success, d.Handle([]byte("SetFanHalf"), 64).Outcome)
	assert.Equal(t, Success, d.Handle([]byte("SetFanAuto"), 64).Outcome)
	assert.Equal(t, []bool{true, false}, f.overrides)
	assert.Equal(t, []string{"FanHalf"}, f.driven)
	assert.Equal(t, 1, f.resumed)

	f.err = protocol.ErrWrongAnswer
	assert.Equal(t, Failure, d.Handle([]byte("SetFanOn"), 64).Outcome)
}

func TestHandle_Status(t *testing.T) {
	d, _, f := newDispatcher(false)
	res := d.Handle([]byte("GetStatus"), 128)
	assert.Equal(t, "temp=unknown fan= mode= failures=0 degraded=false", string(res.Reply))

	f.status = models.FanStatus{TemperatureC: 42, HaveReading: true, Fan: "on", Mode: "auto", Failures: 1}
	res = d.Handle([]byte("GetStatus"), 128)
	assert.Equal(t, Success, res.Outcome)
	assert.Equal(t, "temp=42 fan=on mode=auto failures=1 degraded=false", string(res.Reply))
}

func TestHandle_TruncationIsFailure(t *testing.T) {
	d, _, f := newDispatcher(false)
	f.status = models.FanStatus{TemperatureC: 42, HaveReading: true, Fan: "on", Mode: "auto"}

	for _, size := range []int{0, 1, 10, 20} {
		res := d.Handle([]byte("GetStatus"), size)
		assert.LessOrEqual(t, len(res.Reply), size)
		assert.Equal(t, Failure, res.Outcome)
		assert.True(t, errors.Is(res.Err, ErrTruncated))
	}

	res := d.Handle([]byte("nope"), 5)
	assert.Len(t, res.Reply, 5)
	assert.Equal(t, Failure, res.Outcome)
	assert.True(t, errors.Is(res.Err, ErrUnknownCommand))
}

func TestHandle_RTC(t *testing.T) {
	d, _, _ := newDispatcher(false)
	res := d.Handle([]byte("hctosys"), 64)
	assert.Equal(t, Success, res.Outcome)
	assert.Equal(t, "2025-06-01T12:00:00Z", string(res.Reply))

	d = New(&fakeMCU{}, &fakeFan{}, nil, false, nil)
	assert.Equal(t, Failure, d.Handle([]byte("systohc"), 64).Outcome)

	d = New(&fakeMCU{}, &fakeFan{}, fakeClock{err: protocol.ErrWrongAnswer}, false, nil)
	assert.Equal(t, Failure, d.Handle([]byte("systohc"), 64).Outcome)
}

func TestHandle_RawRequiresDebug(t *testing.T) {
	d, mcu, _ := newDispatcher(false)
	res := d.Handle([]byte("raw fa0308000000fb 3 7"), 64)
	assert.True(t, errors.Is(res.Err, ErrUnknownCommand))
	assert.Empty(t, mcu.calls)
	assert.NotContains(t, d.Commands(), "raw")

	d, mcu, _ = newDispatcher(true)
	mcu.replies["Raw"] = []byte{0xFA, 0x03, 0x08, 0x00, 0x00, 0x2A, 0xFB}
	res = d.Handle([]byte("raw fa0308000000fb 3 7"), 64)
	require.Equal(t, Success, res.Outcome, "err: %v", res.Err)
	assert.Equal(t, "fa030800002afb", string(res.Reply))

	res = d.Handle([]byte("raw zz 3"), 64)
	assert.Equal(t, Failure, res.Outcome)
	res = d.Handle([]byte("raw fa"), 64)
	assert.Contains(t, string(res.Reply), "usage")
}

func TestHandle_Help(t *testing.T) {
	d, _, _ := newDispatcher(false)
	res := d.Handle([]byte("HELP"), 1024)
	assert.Equal(t, Success, res.Outcome)
	assert.Contains(t, string(res.Reply), "GetTemperature")
	assert.Contains(t, string(res.Reply), "ShutdownDaemon")
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "success", Success.String())
	assert.Equal(t, "shutdown", Shutdown.String())
	assert.Equal(t, "outcome(9)", Outcome(9).String())
}
