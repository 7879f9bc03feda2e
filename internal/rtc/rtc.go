// Package rtc copies time between the MCU real-time clock and the system
// clock.
package rtc

import (
	"errors"
	"fmt"
	"time"

	"mcm_daemon/internal/logger"
	"mcm_daemon/internal/protocol"
)

// ErrInvalidBCD is returned when the MCU reports a field that is not
// packed BCD or is out of range.
var ErrInvalidBCD = errors.New("invalid bcd clock field")

// Field offsets inside the seven RTC bytes.
const (
	fieldSec = iota
	fieldMin
	fieldHour
	fieldWday
	fieldDay
	fieldMonth
	fieldYear
)

// Exchanger is the part of the protocol engine the syncer uses.
type Exchanger interface {
	Send(cmd protocol.Command) ([]byte, error)
	Exec(cmd protocol.Command) error
}

// Syncer performs hctosys and systohc.
type Syncer struct {
	mcu      Exchanger
	setClock func(time.Time) error
	now      func() time.Time
	log      *logger.Logger
}

// NewSyncer returns a Syncer that sets the system clock with SetSystemClock.
func NewSyncer(mcu Exchanger, log *logger.Logger) *Syncer {
	if log == nil {
		log = logger.Nop()
	}
	return &Syncer{
		mcu:      mcu,
		setClock: SetSystemClock,
		now:      time.Now,
		log:      log,
	}
}

// HCToSys reads the MCU clock and applies it to the system clock. The MCU
// keeps UTC.
func (s *Syncer) HCToSys() (time.Time, error) {
	reply, err := s.mcu.Send(protocol.RTCGet)
	if err != nil {
		return time.Time{}, fmt.Errorf("read rtc: %w", err)
	}
	fields, err := protocol.RTCFields(reply)
	if err != nil {
		return time.Time{}, fmt.Errorf("read rtc: %w", err)
	}
	t, err := Decode(fields)
	if err != nil {
		return time.Time{}, err
	}
	if err := s.setClock(t); err != nil {
		return time.Time{}, fmt.Errorf("set system clock: %w", err)
	}
	s.log.Infow("rtc_hctosys", "time", t.Format(time.RFC3339))
	return t, nil
}

// SysToHC writes the current system time to the MCU clock.
func (s *Syncer) SysToHC() (time.Time, error) {
	t := s.now().UTC().Truncate(time.Second)
	if err := s.mcu.Exec(protocol.RTCSet(Encode(t))); err != nil {
		return time.Time{}, fmt.Errorf("write rtc: %w", err)
	}
	s.log.Infow("rtc_systohc", "time", t.Format(time.RFC3339))
	return t, nil
}

// Encode packs t into the MCU field layout. Years are stored as an offset
// from 2000.
func Encode(t time.Time) [protocol.RTCFieldCount]byte {
	t = t.UTC()
	var f [protocol.RTCFieldCount]byte
	f[fieldSec] = toBCD(t.Second())
	f[fieldMin] = toBCD(t.Minute())
	f[fieldHour] = toBCD(t.Hour())
	f[fieldWday] = toBCD(int(t.Weekday()))
	f[fieldDay] = toBCD(t.Day())
	f[fieldMonth] = toBCD(int(t.Month()))
	f[fieldYear] = toBCD(t.Year() % 100)
	return f
}

// Decode unpacks the MCU field layout into a UTC time. The weekday field is
// ignored.
func Decode(f [protocol.RTCFieldCount]byte) (time.Time, error) {
	limits := [protocol.RTCFieldCount][2]int{
		fieldSec:   {0, 59},
		fieldMin:   {0, 59},
		fieldHour:  {0, 23},
		fieldWday:  {0, 6},
		fieldDay:   {1, 31},
		fieldMonth: {1, 12},
		fieldYear:  {0, 99},
	}
	var v [protocol.RTCFieldCount]int
	for i, b := range f {
		n, err := fromBCD(b)
		if err != nil {
			return time.Time{}, fmt.Errorf("field %d: %w", i, err)
		}
		if n < limits[i][0] || n > limits[i][1] {
			return time.Time{}, fmt.Errorf("field %d value %d: %w", i, n, ErrInvalidBCD)
		}
		v[i] = n
	}
	t := time.Date(2000+v[fieldYear], time.Month(v[fieldMonth]), v[fieldDay],
		v[fieldHour], v[fieldMin], v[fieldSec], 0, time.UTC)
	if t.Day() != v[fieldDay] {
		return time.Time{}, fmt.Errorf("day %d of month %d: %w", v[fieldDay], v[fieldMonth], ErrInvalidBCD)
	}
	return t, nil
}

func toBCD(n int) byte {
	return byte(n/10)<<4 | byte(n%10)
}

func fromBCD(b byte) (int, error) {
	hi, lo := b>>4, b&0x0F
	if hi > 9 || lo > 9 {
		return 0, fmt.Errorf("0x%02x: %w", b, ErrInvalidBCD)
	}
	return int(hi)*10 + int(lo), nil
}
