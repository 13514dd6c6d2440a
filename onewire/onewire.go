// Package onewire drives a Dallas/Maxim 1-Wire bus from a GPIO pin.
//
// Two interchangeable Transport backends are provided: Bitbang toggles the
// pin with busy-wait timed slots, Pulse hands pre-timed waveforms to a
// hardware streaming peripheral. Both satisfy the same interface and are
// selected by configuration, never by build flags.
package onewire

import (
	"errors"
	"fmt"
	"time"

	conn1wire "periph.io/x/conn/v3/onewire"
)

// ROM level commands understood by every 1-Wire device family.
const (
	CmdSearchROM byte = 0xf0
	CmdReadROM   byte = 0x33
	CmdMatchROM  byte = 0x55
	CmdSkipROM   byte = 0xcc
)

// Sentinel errors shared by the transport backends and the layers above.
//
// ErrNoPresence is the expected "nothing answered the reset" signal, not a
// fault by itself; callers escalate only after repeated occurrences.
var (
	ErrNoPresence    = errors.New("onewire: no presence pulse after reset")
	ErrCRC           = errors.New("onewire: crc mismatch")
	ErrTimeout       = errors.New("onewire: timeout")
	ErrNotConfigured = errors.New("onewire: bus not configured")
)

// Transport is the primitive signalling layer of a single 1-Wire pin.
//
// Reset returns whether any device emitted a presence pulse. A false
// return with nil error means an empty (or unpowered) bus.
//
// Implementations must leave the line released (idle high) after every
// operation, including error paths, and must enable the pin pull-up during
// setup: without it presence detection silently fails even though writes
// appear to work.
type Transport interface {
	Reset() (present bool, err error)
	WriteBit(bit byte) error
	ReadBit() (byte, error)
	Close() error
}

// Timings holds the slot durations of the bus protocol. The values are
// mandated by the device family datasheet and shared by both backends;
// they are not user configuration.
type Timings struct {
	ResetLow       time.Duration // reset pulse held low
	PresenceSample time.Duration // delay after release before sampling presence
	ResetRelease   time.Duration // remainder of the reset frame
	Write1Low      time.Duration
	Write1Release  time.Duration
	Write0Low      time.Duration
	Write0Release  time.Duration
	ReadInit       time.Duration // initial low to open a read slot
	ReadSample     time.Duration // delay after release before sampling
	ReadRelease    time.Duration // remainder of the read slot
}

// DefaultTimings per the DS18B20 datasheet.
var DefaultTimings = Timings{
	ResetLow:       480 * time.Microsecond,
	PresenceSample: 70 * time.Microsecond,
	ResetRelease:   410 * time.Microsecond,
	Write1Low:      6 * time.Microsecond,
	Write1Release:  64 * time.Microsecond,
	Write0Low:      60 * time.Microsecond,
	Write0Release:  10 * time.Microsecond,
	ReadInit:       3 * time.Microsecond,
	ReadSample:     10 * time.Microsecond,
	ReadRelease:    53 * time.Microsecond,
}

// WriteByte shifts b onto the bus, least significant bit first.
func WriteByte(t Transport, b byte) error {
	for i := 0; i < 8; i++ {
		if err := t.WriteBit((b >> uint(i)) & 0x01); err != nil {
			return err
		}
	}
	return nil
}

// ReadByte assembles a byte from eight read slots, least significant bit
// first.
func ReadByte(t Transport) (byte, error) {
	var b byte
	for i := 0; i < 8; i++ {
		bit, err := t.ReadBit()
		if err != nil {
			return 0, err
		}
		b |= bit << uint(i)
	}
	return b, nil
}

// WriteBytes writes buf in order onto the bus.
func WriteBytes(t Transport, buf []byte) error {
	for _, b := range buf {
		if err := WriteByte(t, b); err != nil {
			return err
		}
	}
	return nil
}

// ReadBytes fills buf from the bus.
func ReadBytes(t Transport, buf []byte) error {
	for i := range buf {
		b, err := ReadByte(t)
		if err != nil {
			return err
		}
		buf[i] = b
	}
	return nil
}

// Address is the 64-bit ROM ID of a single device: family code, 48-bit
// serial, CRC8 over the first seven bytes. Once validated it is immutable;
// the address itself is the device identity, never its discovery index.
type Address [8]byte

// Family returns the device family code (first ROM byte).
func (a Address) Family() byte {
	return a[0]
}

// Valid reports whether the embedded CRC matches the first seven bytes.
func (a Address) Valid() bool {
	return conn1wire.CheckCRC(a[:])
}

// String renders the canonical dash-hex form family-serial-crc, for
// example "28-0000070e41ac-74". The serial is printed most significant
// byte first. The form is stable across restarts for a given physical
// device.
func (a Address) String() string {
	return fmt.Sprintf("%02x-%02x%02x%02x%02x%02x%02x-%02x",
		a[0], a[6], a[5], a[4], a[3], a[2], a[1], a[7])
}

// ParseAddress is the inverse of Address.String.
func ParseAddress(s string) (a Address, err error) {
	var serial [6]byte
	n, err := fmt.Sscanf(s, "%02x-%02x%02x%02x%02x%02x%02x-%02x",
		&a[0], &serial[5], &serial[4], &serial[3], &serial[2], &serial[1], &serial[0], &a[7])
	if err != nil || n != 8 {
		return a, fmt.Errorf("onewire: malformed address %q", s)
	}
	copy(a[1:7], serial[:])
	return a, nil
}
