package rtc

import (
	"errors"
	"testing"
	"time"

	"mcm_daemon/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMCU struct {
	reply   []byte
	sendErr error
	execErr error
	sent    []protocol.Command
}

func (f *fakeMCU) Send(cmd protocol.Command) ([]byte, error) {
	f.sent = append(f.sent, cmd)
	return f.reply, f.sendErr
}

func (f *fakeMCU) Exec(cmd protocol.Command) error {
	f.sent = append(f.sent, cmd)
	return f.execErr
}

func TestEncode_Fields(t *testing.T) {
	ts := time.Date(2024, time.March, 9, 23, 45, 7, 0, time.UTC)
	f := Encode(ts)
	// 2024-03-09 was a Saturday.
	assert.Equal(t, [protocol.RTCFieldCount]byte{0x07, 0x45, 0x23, 0x06, 0x09, 0x03, 0x24}, f)
}

func TestDecode_RoundTripsEncode(t *testing.T) {
	ts := time.Date(2031, time.December, 31, 0, 0, 59, 0, time.UTC)
	got, err := Decode(Encode(ts))
	require.NoError(t, err)
	assert.True(t, ts.Equal(got))
}

func TestDecode_Rejects(t *testing.T) {
	cases := map[string][protocol.RTCFieldCount]byte{
		"non bcd nibble": {0x0A, 0, 0, 0, 0x01, 0x01, 0x24},
		"minute 60":      {0, 0x60, 0, 0, 0x01, 0x01, 0x24},
		"month zero":     {0, 0, 0, 0, 0x01, 0x00, 0x24},
		"feb 30":         {0, 0, 0, 0, 0x30, 0x02, 0x24},
	}
	for name, f := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(f)
			assert.True(t, errors.Is(err, ErrInvalidBCD), "got %v", err)
		})
	}
}

func TestHCToSys_SetsClockFromReply(t *testing.T) {
	mcu := &fakeMCU{reply: []byte{0xFA, 0x03, 0x02, 0x30, 0x15, 0x08, 0x01, 0x20, 0x05, 0x25, 0xFB}}
	s := NewSyncer(mcu, nil)
	var set time.Time
	s.setClock = func(t time.Time) error { set = t; return nil }

	got, err := s.HCToSys()
	require.NoError(t, err)
	want := time.Date(2025, time.May, 20, 8, 15, 30, 0, time.UTC)
	assert.True(t, want.Equal(got))
	assert.True(t, want.Equal(set))
	assert.Equal(t, "RTCGet", mcu.sent[0].Name)
}

func TestHCToSys_Errors(t *testing.T) {
	s := NewSyncer(&fakeMCU{sendErr: protocol.ErrWrongAnswer}, nil)
	s.setClock = func(time.Time) error { t.Fatal("clock must not be set"); return nil }
	_, err := s.HCToSys()
	assert.True(t, errors.Is(err, protocol.ErrWrongAnswer))

	s = NewSyncer(&fakeMCU{reply: []byte{0xFA, 0x03, 0x02}}, nil)
	s.setClock = func(time.Time) error { t.Fatal("clock must not be set"); return nil }
	_, err = s.HCToSys()
	assert.True(t, errors.Is(err, protocol.ErrShortReply))

	s = NewSyncer(&fakeMCU{reply: []byte{0xFA, 0x03, 0x02, 0, 0, 0, 0, 0x01, 0x01, 0x24, 0xFB}}, nil)
	s.setClock = func(time.Time) error { return errors.New("EPERM") }
	_, err = s.HCToSys()
	assert.ErrorContains(t, err, "set system clock")
}

func TestSysToHC_WritesEncodedNow(t *testing.T) {
	mcu := &fakeMCU{}
	s := NewSyncer(mcu, nil)
	s.now = func() time.Time { return time.Date(2026, time.January, 2, 3, 4, 5, 600, time.UTC) }

	got, err := s.SysToHC()
	require.NoError(t, err)
	assert.Equal(t, 5, got.Second())
	require.Len(t, mcu.sent, 1)
	frame := []byte(mcu.sent[0].Frame)
	assert.Equal(t, []byte{0xFA, 0x01, 0x05, 0x04, 0x03, 0x05, 0x02, 0x01, 0x26, 0xFB}, frame)
}

func TestSysToHC_PropagatesFailure(t *testing.T) {
	s := NewSyncer(&fakeMCU{execErr: protocol.ErrWrongAnswer}, nil)
	_, err := s.SysToHC()
	assert.True(t, errors.Is(err, protocol.ErrWrongAnswer))
}
