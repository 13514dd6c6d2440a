package onewire

import (
	"time"

	"github.com/pkg/errors"
	"github.com/stianeikeland/go-rpio/v4"
)

// Pin is the handful of GPIO operations the software backend needs.
// Input must release the line to high impedance so the external pull-up
// can raise it; Output drives it.
type Pin interface {
	Input()
	Output()
	High()
	Low()
	PullUp()
	Read() bool
}

// busyWait burns the interval without yielding the scheduler. Slot
// durations are in the microsecond range and a goroutine switch in the
// middle of a slot corrupts the waveform, so sleeping is not an option
// here. Replaced in tests.
var busyWait = func(d time.Duration) {
	for end := time.Now().Add(d); time.Now().Before(end); {
	}
}

// Bitbang is the software-timed Transport: it shapes every slot itself by
// toggling pin direction and level with busy-wait delays.
type Bitbang struct {
	pin     Pin
	timings Timings

	open      bool
	closeRpio bool
}

// NewBitbang opens the rpio memory mapping and prepares pin for bus duty.
// The pull-up is enabled explicitly: relying on the external resistor
// alone used to break presence detection on boards without one fitted.
func NewBitbang(pin uint8) (*Bitbang, error) {
	err := rpio.Open()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open gpio for 1-wire pin %d", pin)
	}

	bb := newBitbangPin(rpioPin{rpio.Pin(pin)}, DefaultTimings)
	bb.closeRpio = true
	return bb, nil
}

// newBitbangPin wires an arbitrary Pin, used directly by tests.
func newBitbangPin(pin Pin, timings Timings) *Bitbang {
	pin.Input()
	pin.PullUp()

	return &Bitbang{
		pin:     pin,
		timings: timings,
		open:    true,
	}
}

// Reset issues the reset pulse and samples for a presence answer.
// A quiet bus is reported as present == false with no error.
func (bb *Bitbang) Reset() (present bool, err error) {
	if !bb.open {
		return false, ErrNotConfigured
	}

	bb.pin.Output()
	bb.pin.Low()
	busyWait(bb.timings.ResetLow)

	bb.pin.Input()
	busyWait(bb.timings.PresenceSample)

	present = !bb.pin.Read()
	busyWait(bb.timings.ResetRelease)

	return present, nil
}

// WriteBit shapes a single write slot. Both shapes end with the line
// released.
func (bb *Bitbang) WriteBit(bit byte) error {
	if !bb.open {
		return ErrNotConfigured
	}

	low, release := bb.timings.Write0Low, bb.timings.Write0Release
	if bit != 0 {
		low, release = bb.timings.Write1Low, bb.timings.Write1Release
	}

	bb.pin.Output()
	bb.pin.Low()
	busyWait(low)

	bb.pin.Input()
	busyWait(release)

	return nil
}

// ReadBit opens a read slot and samples the line inside the master
// sampling window.
func (bb *Bitbang) ReadBit() (byte, error) {
	if !bb.open {
		return 0, ErrNotConfigured
	}

	bb.pin.Output()
	bb.pin.Low()
	busyWait(bb.timings.ReadInit)

	bb.pin.Input()
	busyWait(bb.timings.ReadSample)

	var bit byte
	if bb.pin.Read() {
		bit = 1
	}
	busyWait(bb.timings.ReadRelease)

	return bit, nil
}

// Close releases the line and, when this transport opened rpio, the
// memory mapping as well.
func (bb *Bitbang) Close() error {
	if !bb.open {
		return nil
	}
	bb.open = false

	bb.pin.Input()
	if bb.closeRpio {
		return rpio.Close()
	}
	return nil
}

type rpioPin struct {
	pin rpio.Pin
}

func (rp rpioPin) Input()  { rp.pin.Input() }
func (rp rpioPin) Output() { rp.pin.Output() }
func (rp rpioPin) High()   { rp.pin.High() }
func (rp rpioPin) Low()    { rp.pin.Low() }
func (rp rpioPin) PullUp() { rp.pin.PullUp() }
func (rp rpioPin) Read() bool {
	return rp.pin.Read() == rpio.High
}

var _ Transport = &Bitbang{}
