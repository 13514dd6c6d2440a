package ds18b20

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	conn1wire "periph.io/x/conn/v3/onewire"

	"github.com/hubertat/owkit/onewire"
)

// State of a sensor's most recent (or current) measurement cycle.
type State int

const (
	Idle State = iota
	ConversionStarted
	Polling
	ScratchpadRead
	Complete
	Errored
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ConversionStarted:
		return "conversion started"
	case Polling:
		return "polling"
	case ScratchpadRead:
		return "scratchpad read"
	case Complete:
		return "complete"
	case Errored:
		return "error"
	default:
		return "unknown"
	}
}

const (
	// pollInterval and conversionTimeout bound the wait for the device
	// to release the bus after a conversion start. A 12-bit conversion
	// takes up to 750ms; anything past the bound is a stuck bus.
	pollInterval      = 10 * time.Millisecond
	conversionTimeout = time.Second

	// settleDelay sits between bus release and the scratchpad read.
	// Reading immediately after release produces intermittent CRC
	// failures.
	settleDelay = 5 * time.Millisecond

	maxRetries    = 5
	retryBackoff  = 50 * time.Millisecond
	backoffPerTry = 50 * time.Millisecond
)

// Replaced in tests.
var sleep = time.Sleep

// Sensor is one DS18B20 on a bus. Multiple sensors on the same pin share
// the transport and the pin lock; the lock serializes whole cycles so
// two sensors never interleave bus operations.
type Sensor struct {
	addr    onewire.Address
	bus     onewire.Transport
	pinLock *sync.Mutex

	mx       sync.Mutex
	busy     bool
	state    State
	retries  int
	last     Reading
	haveLast bool
	lastErr  error
}

// NewSensor wires a sensor to its transport. All sensors sharing a
// physical pin must be given the same pinLock.
func NewSensor(bus onewire.Transport, pinLock *sync.Mutex, addr onewire.Address) *Sensor {
	return &Sensor{
		addr:    addr,
		bus:     bus,
		pinLock: pinLock,
		state:   Idle,
	}
}

// Addr returns the device address, the sensor's stable identity.
func (s *Sensor) Addr() onewire.Address {
	return s.addr
}

// Busy reports whether a cycle is currently in flight.
func (s *Sensor) Busy() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.busy
}

// State returns the state of the current or most recent cycle.
func (s *Sensor) State() State {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.state
}

// Retries returns how many sub-step retries the most recent cycle spent.
func (s *Sensor) Retries() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.retries
}

// Last returns the most recent successful reading, if any.
func (s *Sensor) Last() (Reading, bool) {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.last, s.haveLast
}

// Err returns the error that finished the most recent cycle, or nil.
func (s *Sensor) Err() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.lastErr
}

// Read runs one full measurement cycle and blocks until it resolves. If
// a cycle is already in flight the call is rejected immediately with
// ErrBusy; the caller decides whether and when to retry.
//
// The cycle always terminates on its own bounded schedule; there is no
// external cancellation.
func (s *Sensor) Read() (Reading, error) {
	s.mx.Lock()
	if s.busy {
		s.mx.Unlock()
		return Reading{}, ErrBusy
	}
	s.busy = true
	s.retries = 0
	s.state = ConversionStarted
	s.mx.Unlock()

	reading, err := s.runCycle()

	s.mx.Lock()
	s.busy = false
	if err != nil {
		s.state = Errored
		s.lastErr = err
	} else {
		s.state = Complete
		s.lastErr = nil
		s.last = reading
		s.haveLast = true
	}
	s.mx.Unlock()

	return reading, err
}

// runCycle holds the pin for one complete cycle: conversion start, bus
// release polling, settle, scratchpad read and decode.
func (s *Sensor) runCycle() (Reading, error) {
	s.pinLock.Lock()
	defer s.pinLock.Unlock()

	if err := s.withRetries(s.startConversion); err != nil {
		return Reading{}, errors.Wrapf(err, "failed to start conversion on %s", s.addr)
	}

	s.setState(Polling)
	if err := s.waitReleased(); err != nil {
		return Reading{}, errors.Wrapf(err, "conversion did not finish on %s", s.addr)
	}
	sleep(settleDelay)

	s.setState(ScratchpadRead)
	var spad [9]byte
	err := s.withRetries(func() error {
		return s.readScratchpad(&spad)
	})
	if err != nil {
		return Reading{}, errors.Wrapf(err, "failed to read scratchpad of %s", s.addr)
	}

	raw := int16(spad[1])<<8 | int16(spad[0])
	if raw == powerOnRaw {
		return Reading{}, errors.Wrapf(ErrPowerOn, "sensor %s", s.addr)
	}

	return Reading{
		Addr:        s.addr,
		Raw:         raw,
		Temperature: Decode(raw),
		Taken:       time.Now(),
	}, nil
}

// withRetries runs step up to maxRetries times with a growing delay
// between attempts.
func (s *Sensor) withRetries(step func() error) (err error) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			s.bumpRetries()
			sleep(retryBackoff + time.Duration(attempt-1)*backoffPerTry)
		}
		err = step()
		if err == nil {
			return nil
		}
	}
	return err
}

// address resets the bus and selects this one device with a match-ROM
// frame, leaving it waiting for a function command.
func (s *Sensor) address() error {
	present, err := s.bus.Reset()
	if err != nil {
		return err
	}
	if !present {
		return onewire.ErrNoPresence
	}
	if err := onewire.WriteByte(s.bus, onewire.CmdMatchROM); err != nil {
		return err
	}
	return onewire.WriteBytes(s.bus, s.addr[:])
}

func (s *Sensor) startConversion() error {
	if err := s.address(); err != nil {
		return err
	}
	return onewire.WriteByte(s.bus, cmdConvert)
}

// waitReleased polls the bus until the converting device releases it.
// The device holds the line low for the whole conversion; a line still
// low after the bound means the bus is stuck.
func (s *Sensor) waitReleased() error {
	maxPolls := int(conversionTimeout / pollInterval)
	for i := 0; i < maxPolls; i++ {
		bit, err := s.bus.ReadBit()
		if err != nil {
			return err
		}
		if bit == 1 {
			return nil
		}
		sleep(pollInterval)
	}
	return onewire.ErrTimeout
}

func (s *Sensor) readScratchpad(spad *[9]byte) error {
	if err := s.address(); err != nil {
		return err
	}
	if err := onewire.WriteByte(s.bus, cmdReadScratchpad); err != nil {
		return err
	}
	if err := onewire.ReadBytes(s.bus, spad[:]); err != nil {
		return err
	}
	if !conn1wire.CheckCRC(spad[:]) {
		return onewire.ErrCRC
	}
	return nil
}

func (s *Sensor) setState(state State) {
	s.mx.Lock()
	s.state = state
	s.mx.Unlock()
}

func (s *Sensor) bumpRetries() {
	s.mx.Lock()
	s.retries++
	s.mx.Unlock()
}
