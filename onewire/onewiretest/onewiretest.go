// Package onewiretest provides a bit-level simulated 1-wire bus with
// virtual temperature devices attached, for exercising the search and
// conversion engines without hardware.
package onewiretest

import (
	"github.com/hubertat/owkit/onewire"
)

// Function commands the virtual devices understand, mirroring the real
// device family.
const (
	cmdConvert        byte = 0x44
	cmdReadScratchpad byte = 0xbe
)

// Device is one virtual temperature sensor chained on the simulated bus.
type Device struct {
	Addr    onewire.Address
	RawTemp int16 // temperature in 1/16 degC steps

	// PollsUntilRelease is how many busy samples the device answers with
	// "still converting" before releasing the line.
	PollsUntilRelease int

	// NeverRelease keeps the line low forever after a conversion starts,
	// to exercise the timeout path.
	NeverRelease bool

	// CorruptScratchpad flips a payload bit so the served CRC no longer
	// matches.
	CorruptScratchpad bool

	inSearch   bool
	selected   bool
	busyPolls  int
	converting bool
}

func (d *Device) bit(pos int) byte {
	return (d.Addr[pos/8] >> uint(pos%8)) & 0x01
}

func (d *Device) scratchpad() [9]byte {
	var spad [9]byte
	spad[0] = byte(d.RawTemp)
	spad[1] = byte(d.RawTemp >> 8)
	spad[2] = 0x4b
	spad[3] = 0x46
	spad[4] = 0x7f
	spad[5] = 0xff
	spad[6] = 0x0c
	spad[7] = 0x10
	spad[8] = onewire.CRC8(spad[:8])
	if d.CorruptScratchpad {
		spad[3] ^= 0x01
	}
	return spad
}

// NewAddress builds a validly CRC'd address from a family code and
// serial.
func NewAddress(family byte, serial uint64) onewire.Address {
	var a onewire.Address
	a[0] = family
	for i := 1; i < 7; i++ {
		a[i] = byte(serial >> uint((i-1)*8))
	}
	a[7] = onewire.CRC8(a[:7])
	return a
}

// Bus implements onewire.Transport over a set of virtual devices. It
// interprets the written command stream exactly like the real device
// family: ROM command after each reset, search triplets, match-ROM
// addressing, conversion busy polling and scratchpad serving.
type Bus struct {
	Devices []*Device

	// Resets counts reset pulses, for asserting protocol shape in tests.
	Resets int

	state      busState
	curByte    byte
	curBits    int
	matchPos   int
	searchPos  int
	searchTrip int
	spad       [9]byte
	spadPos    int
}

type busState int

const (
	stateROMCmd busState = iota
	stateSearch
	stateMatch
	stateFnCmd
	stateConverting
	stateScratchpad
	stateIdle
)

// Reset starts a new transaction frame. Running conversions keep running:
// the real device finishes its measurement regardless of bus resets.
func (b *Bus) Reset() (bool, error) {
	b.Resets++
	b.state = stateROMCmd
	b.curByte, b.curBits = 0, 0
	b.matchPos, b.searchPos, b.searchTrip = 0, 0, 0
	for _, d := range b.Devices {
		d.inSearch = true
		d.selected = false
	}
	return len(b.Devices) > 0, nil
}

func (b *Bus) WriteBit(bit byte) error {
	switch b.state {
	case stateSearch:
		// Third slot of the search triplet: devices whose bit does not
		// match the chosen direction drop out of this pass.
		for _, d := range b.Devices {
			if d.inSearch && d.bit(b.searchPos) != bit {
				d.inSearch = false
			}
		}
		b.searchPos++
		b.searchTrip = 0
		if b.searchPos >= 64 {
			b.state = stateIdle
		}
		return nil

	case stateMatch:
		for _, d := range b.Devices {
			if d.selected && d.bit(b.matchPos) != bit {
				d.selected = false
			}
		}
		b.matchPos++
		if b.matchPos >= 64 {
			b.state = stateFnCmd
			b.curByte, b.curBits = 0, 0
		}
		return nil
	}

	b.curByte |= bit << uint(b.curBits)
	b.curBits++
	if b.curBits < 8 {
		return nil
	}

	cmd := b.curByte
	b.curByte, b.curBits = 0, 0

	switch b.state {
	case stateROMCmd:
		switch cmd {
		case onewire.CmdSearchROM:
			b.state = stateSearch
			b.searchPos, b.searchTrip = 0, 0
		case onewire.CmdMatchROM:
			b.state = stateMatch
			b.matchPos = 0
			for _, d := range b.Devices {
				d.selected = true
			}
		case onewire.CmdSkipROM:
			b.state = stateFnCmd
			for _, d := range b.Devices {
				d.selected = true
			}
		default:
			b.state = stateIdle
		}

	case stateFnCmd:
		switch cmd {
		case cmdConvert:
			for _, d := range b.Devices {
				if d.selected {
					d.converting = true
					d.busyPolls = d.PollsUntilRelease
				}
			}
			b.state = stateConverting
		case cmdReadScratchpad:
			// An unaddressed read pulls nothing low, so the master
			// samples all ones. Those fail the CRC check, unlike a
			// stale or zeroed buffer would.
			for i := range b.spad {
				b.spad[i] = 0xff
			}
			for _, d := range b.Devices {
				if d.selected {
					b.spad = d.scratchpad()
				}
			}
			b.spadPos = 0
			b.state = stateScratchpad
		default:
			b.state = stateIdle
		}
	}
	return nil
}

func (b *Bus) ReadBit() (byte, error) {
	switch b.state {
	case stateSearch:
		var got0, got1 bool
		for _, d := range b.Devices {
			if !d.inSearch {
				continue
			}
			if d.bit(b.searchPos) == 0 {
				got0 = true
			} else {
				got1 = true
			}
		}
		// Wired-AND: the line only reads high when no participant pulls
		// it low. An empty branch reads high on both slots.
		var bit byte
		if b.searchTrip == 0 {
			if !got0 {
				bit = 1
			}
		} else {
			if !got1 {
				bit = 1
			}
		}
		b.searchTrip++
		return bit, nil

	case stateConverting:
		busy := false
		for _, d := range b.Devices {
			if !d.converting {
				continue
			}
			if d.NeverRelease {
				busy = true
				continue
			}
			if d.busyPolls > 0 {
				d.busyPolls--
				busy = true
			} else {
				d.converting = false
			}
		}
		if busy {
			return 0, nil
		}
		return 1, nil

	case stateScratchpad:
		if b.spadPos >= len(b.spad)*8 {
			return 1, nil
		}
		bit := (b.spad[b.spadPos/8] >> uint(b.spadPos%8)) & 0x01
		b.spadPos++
		return bit, nil
	}

	// Released bus reads high.
	return 1, nil
}

func (b *Bus) Close() error {
	return nil
}

var _ onewire.Transport = &Bus{}
