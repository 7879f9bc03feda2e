package daemon

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mcm_daemon/internal/dispatch"
	"mcm_daemon/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoHandler struct {
	calls atomic.Int32
}

func (h *echoHandler) Handle(msg []byte, bufSize int) dispatch.Result {
	h.calls.Add(1)
	if string(msg) == "ShutdownDaemon" {
		return dispatch.Result{Reply: []byte("bye"), Outcome: dispatch.Shutdown}
	}
	return dispatch.Result{Reply: msg, Outcome: dispatch.Success}
}

type countingFan struct {
	polls  atomic.Int32
	checks atomic.Int32
}

func (f *countingFan) Poll() error { f.polls.Add(1); return nil }

func (f *countingFan) CheckGPIO() (bool, error) { f.checks.Add(1); return false, nil }

type recordingMCU struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (m *recordingMCU) Exec(cmd protocol.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, cmd.Name)
	return m.err
}

type orderedClock struct {
	log *[]string
	mu  *sync.Mutex
}

func (c orderedClock) HCToSys() (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	*c.log = append(*c.log, "hctosys")
	return time.Now(), nil
}

func (c orderedClock) SysToHC() (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	*c.log = append(*c.log, "systohc")
	return time.Now(), nil
}

func testOptions() Options {
	return Options{FanPollInterval: time.Hour, GPIOPollInterval: time.Hour}
}

func startDaemon(t *testing.T, d *Daemon) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, errCh
}

func TestSubmit_RoundTripsThroughLoop(t *testing.T) {
	h := &echoHandler{}
	fan := &countingFan{}
	mcu := &recordingMCU{}
	d := New(testOptions(), h, fan, mcu, nil, nil)
	cancel, errCh := startDaemon(t, d)

	res, err := d.Submit(context.Background(), []byte("GetStatus"), 64)
	require.NoError(t, err)
	assert.Equal(t, "GetStatus", string(res.Reply))
	assert.Equal(t, int32(1), fan.polls.Load(), "initial poll before serving")
	assert.Equal(t, []string{"DeviceReady"}, mcu.calls)

	cancel()
	require.NoError(t, <-errCh)

	_, err = d.Submit(context.Background(), []byte("GetStatus"), 64)
	assert.True(t, errors.Is(err, ErrShuttingDown))
}

func TestSubmit_ShutdownCommandStopsLoop(t *testing.T) {
	h := &echoHandler{}
	d := New(testOptions(), h, &countingFan{}, nil, nil, nil)
	_, errCh := startDaemon(t, d)

	res, err := d.Submit(context.Background(), []byte("ShutdownDaemon"), 64)
	require.NoError(t, err)
	assert.Equal(t, dispatch.Shutdown, res.Outcome)

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop after ShutdownDaemon")
	}
	_, err = d.Submit(context.Background(), []byte("GetStatus"), 64)
	assert.True(t, errors.Is(err, ErrShuttingDown))
}

func TestCleanup_RunsOnceWithConcurrentSignal(t *testing.T) {
	var order []string
	var mu sync.Mutex
	record := func(name string) CloserFunc {
		return func() error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}

	opts := testOptions()
	opts.SyncOnShutdown = true
	d := New(opts, &echoHandler{}, &countingFan{}, nil, orderedClock{log: &order, mu: &mu}, nil)
	d.AddServer("listener", record("listener"))
	d.AddDevice("serial", record("serial"))
	cancel, errCh := startDaemon(t, d)

	res, err := d.Submit(context.Background(), []byte("ShutdownDaemon"), 64)
	require.NoError(t, err)
	require.Equal(t, dispatch.Shutdown, res.Outcome)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cancel()
			_ = d.Cleanup()
		}()
	}
	wg.Wait()
	require.NoError(t, <-errCh)

	assert.Equal(t, []string{"listener", "systohc", "serial"}, order)
}

func TestCleanup_JoinsCloseErrors(t *testing.T) {
	d := New(testOptions(), &echoHandler{}, &countingFan{}, nil, nil, nil)
	boom := errors.New("boom")
	d.AddServer("listener", CloserFunc(func() error { return boom }))
	d.AddDevice("serial", CloserFunc(func() error { return nil }))

	err := d.Cleanup()
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, err, d.Cleanup(), "later calls return the first result")
}

func TestRun_StartupSyncAndGPIOTicker(t *testing.T) {
	var order []string
	var mu sync.Mutex
	fan := &countingFan{}
	opts := Options{
		FanPollInterval:  time.Hour,
		GPIOEnabled:      true,
		GPIOPollInterval: 5 * time.Millisecond,
		SyncOnStartup:    true,
	}
	d := New(opts, &echoHandler{}, fan, nil, orderedClock{log: &order, mu: &mu}, nil)
	cancel, errCh := startDaemon(t, d)

	assert.Eventually(t, func() bool { return fan.checks.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"hctosys"}, order)
}

func TestRun_DeviceNotReadyIsNotFatal(t *testing.T) {
	mcu := &recordingMCU{err: protocol.ErrWrongAnswer}
	d := New(testOptions(), &echoHandler{}, &countingFan{}, mcu, nil, nil)
	_, _ = startDaemon(t, d)

	res, err := d.Submit(context.Background(), []byte("ping"), 64)
	require.NoError(t, err)
	assert.Equal(t, dispatch.Success, res.Outcome)
}

func TestSubmit_HonoursContext(t *testing.T) {
	d := New(testOptions(), &echoHandler{}, &countingFan{}, nil, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := d.Submit(ctx, []byte("ping"), 64)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
