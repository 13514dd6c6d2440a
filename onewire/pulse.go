package onewire

import (
	"time"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/gpio/gpiostream"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

const pulseTxTimeout = 10 * time.Millisecond

// presenceSettle gives the line a moment to stabilise between the end of
// the transmitted frame and the presence sample.
const presenceSettle = 5 * time.Microsecond

// Waveformer is the pulse-generation peripheral: it accepts a pre-timed
// symbol stream and shifts it out with hardware timing, unaffected by
// scheduler jitter.
//
// Submission may return before the tail of the waveform has left the
// peripheral. WaitDone must be called before the line is sampled;
// sampling earlier races the peripheral and yields corrupted reads.
type Waveformer interface {
	StreamOut(s gpiostream.Stream) error
	WaitDone(timeout time.Duration) error
}

// Pulse is the hardware-assisted Transport. It encodes each protocol slot
// as a 1µs-resolution bit stream and delegates the timing to the
// peripheral, only sampling the line itself.
type Pulse struct {
	pin     gpio.PinIO
	out     Waveformer
	timings Timings
	open    bool
}

// NewPulse resolves the named pin and attaches the streaming peripheral
// behind it. The pull-up is enabled on the pin itself: the peripheral's
// open-drain flag alone leaves presence detection dead.
func NewPulse(pinName string) (*Pulse, error) {
	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(err, "failed to init periph host")
	}

	pin := gpioreg.ByName(pinName)
	if pin == nil {
		return nil, errors.Errorf("gpio pin %s not found", pinName)
	}

	out, ok := pin.(gpiostream.PinOut)
	if !ok {
		return nil, errors.Errorf("gpio pin %s has no stream-out support", pinName)
	}

	return newPulsePin(pin, syncWaveformer{out}, DefaultTimings)
}

func newPulsePin(pin gpio.PinIO, out Waveformer, timings Timings) (*Pulse, error) {
	if err := pin.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return nil, errors.Wrapf(err, "failed to configure pull-up on pin %s", pin)
	}

	return &Pulse{
		pin:     pin,
		out:     out,
		timings: timings,
		open:    true,
	}, nil
}

// Reset transmits the reset frame and samples for a presence answer once
// the peripheral reports the frame fully shifted out.
func (p *Pulse) Reset() (present bool, err error) {
	if !p.open {
		return false, ErrNotConfigured
	}

	if err := p.transmit(p.timings.ResetLow, p.timings.PresenceSample); err != nil {
		return false, err
	}

	busyWait(presenceSettle)
	level, err := p.sample()
	if err != nil {
		return false, err
	}
	present = !level

	busyWait(p.timings.ResetRelease)
	return present, nil
}

// WriteBit transmits a single write slot.
func (p *Pulse) WriteBit(bit byte) error {
	if !p.open {
		return ErrNotConfigured
	}

	if bit != 0 {
		return p.transmit(p.timings.Write1Low, p.timings.Write1Release)
	}
	return p.transmit(p.timings.Write0Low, p.timings.Write0Release)
}

// ReadBit transmits the read-slot opening pulse, then samples the line
// inside the master sampling window.
func (p *Pulse) ReadBit() (byte, error) {
	if !p.open {
		return 0, ErrNotConfigured
	}

	if err := p.transmit(p.timings.ReadInit, p.timings.ReadSample); err != nil {
		return 0, err
	}

	level, err := p.sample()
	if err != nil {
		return 0, err
	}

	busyWait(p.timings.ReadRelease)
	if level {
		return 1, nil
	}
	return 0, nil
}

// Close releases the line and halts the pin.
func (p *Pulse) Close() error {
	if !p.open {
		return nil
	}
	p.open = false

	if err := p.pin.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return errors.Wrap(err, "failed to release 1-wire pin")
	}
	return p.pin.Halt()
}

// transmit encodes a low/high symbol pair at 1µs resolution, submits it
// and blocks until the peripheral confirms completion.
func (p *Pulse) transmit(low, high time.Duration) error {
	if err := p.out.StreamOut(waveform(low, high)); err != nil {
		return errors.Wrap(err, "pulse transmit failed")
	}
	if err := p.out.WaitDone(pulseTxTimeout); err != nil {
		return errors.Wrap(err, "pulse transmit did not complete")
	}
	return nil
}

// sample switches the pin back to input (the stream leaves it driving)
// and reads the line level.
func (p *Pulse) sample() (bool, error) {
	if err := p.pin.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return false, errors.Wrap(err, "failed to switch 1-wire pin to input")
	}
	return p.pin.Read() == gpio.High, nil
}

// waveform builds the timed symbol: line low for the first interval,
// released high for the second, one stream bit per microsecond.
func waveform(low, high time.Duration) *gpiostream.BitStream {
	lowBits := int(low / time.Microsecond)
	highBits := int(high / time.Microsecond)

	// The stream is sent in whole bytes; pad the tail with idle-high so
	// rounding up never drives the line low past the slot.
	bits := make([]byte, (lowBits+highBits+7)/8)
	for i := lowBits; i < len(bits)*8; i++ {
		bits[i/8] |= 0x80 >> uint(i%8)
	}

	return &gpiostream.BitStream{
		Bits: bits,
		Freq: physic.MegaHertz,
		LSBF: false,
	}
}

// syncWaveformer adapts a periph stream-out pin. StreamOut on these pins
// blocks until the DMA engine has pushed the whole stream, so WaitDone
// has nothing left to wait for.
type syncWaveformer struct {
	out gpiostream.PinOut
}

func (s syncWaveformer) StreamOut(st gpiostream.Stream) error {
	return s.out.StreamOut(st)
}

func (s syncWaveformer) WaitDone(time.Duration) error {
	return nil
}

var _ Transport = &Pulse{}
