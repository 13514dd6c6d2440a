package ds18b20

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/hubertat/owkit/onewire"
	"github.com/hubertat/owkit/onewire/onewiretest"
)

func stubSleep() func() {
	saved := sleep
	sleep = func(time.Duration) {}
	return func() { sleep = saved }
}

func TestDecode(t *testing.T) {
	cases := []struct {
		raw  int16
		want float64
	}{
		{0x0191, 25.0625},
		{-0x00a2, -10.125}, // 0xff5e as two's complement
		{0, 0},
		{-16, -1},
	}

	for _, c := range cases {
		if got := Decode(c.raw); got != c.want {
			t.Errorf("Decode(%#04x): got %v, want %v", uint16(c.raw), got, c.want)
		}
	}
}

func TestDecodeTwosComplement(t *testing.T) {
	raw := int16(int32(0xff5e) - 0x10000)
	if got := Decode(raw); got != -10.125 {
		t.Errorf("got %v decoding 0xff5e, want -10.125", got)
	}
}

func TestReadCycle(t *testing.T) {
	restore := stubSleep()
	defer restore()

	addr := onewiretest.NewAddress(Family, 0x0e41ac)
	bus := &onewiretest.Bus{Devices: []*onewiretest.Device{
		{Addr: addr, RawTemp: 0x0191, PollsUntilRelease: 2},
	}}

	sensor := NewSensor(bus, &sync.Mutex{}, addr)
	reading, err := sensor.Read()
	if err != nil {
		t.Fatalf("got read error: %v", err)
	}

	if reading.Addr != addr {
		t.Errorf("got reading for %s, want %s", reading.Addr, addr)
	}
	if reading.Raw != 0x0191 {
		t.Errorf("got raw %#04x, want 0x0191", uint16(reading.Raw))
	}
	if reading.Temperature != 25.0625 {
		t.Errorf("got %v degrees, want 25.0625", reading.Temperature)
	}
	if reading.Taken.IsZero() {
		t.Error("reading has no timestamp")
	}

	if sensor.State() != Complete {
		t.Errorf("got state %s after success, want complete", sensor.State())
	}
	if sensor.Busy() {
		t.Error("sensor still busy after the cycle resolved")
	}
	if sensor.Retries() != 0 {
		t.Errorf("clean cycle spent %d retries, want 0", sensor.Retries())
	}

	last, ok := sensor.Last()
	if !ok || last != reading {
		t.Error("last reading not recorded")
	}

	// Conversion start and scratchpad read are separate bus frames.
	if bus.Resets != 2 {
		t.Errorf("cycle used %d resets, want 2", bus.Resets)
	}
}

func TestReadNegativeTemperature(t *testing.T) {
	restore := stubSleep()
	defer restore()

	addr := onewiretest.NewAddress(Family, 7)
	bus := &onewiretest.Bus{Devices: []*onewiretest.Device{
		{Addr: addr, RawTemp: -0x00a2, PollsUntilRelease: 1},
	}}

	reading, err := NewSensor(bus, &sync.Mutex{}, addr).Read()
	if err != nil {
		t.Fatalf("got read error: %v", err)
	}
	if reading.Temperature != -10.125 {
		t.Errorf("got %v degrees, want -10.125", reading.Temperature)
	}
}

func TestReadTimeout(t *testing.T) {
	restore := stubSleep()
	defer restore()

	addr := onewiretest.NewAddress(Family, 9)
	bus := &onewiretest.Bus{Devices: []*onewiretest.Device{
		{Addr: addr, NeverRelease: true},
	}}

	sensor := NewSensor(bus, &sync.Mutex{}, addr)
	_, err := sensor.Read()
	if !errors.Is(err, onewire.ErrTimeout) {
		t.Fatalf("got %v from a bus that never releases, want timeout", err)
	}
	if sensor.State() != Errored {
		t.Errorf("got state %s after timeout, want error", sensor.State())
	}
	if sensor.Busy() {
		t.Error("sensor still busy after timeout")
	}
}

func TestReadCorruptScratchpad(t *testing.T) {
	restore := stubSleep()
	defer restore()

	addr := onewiretest.NewAddress(Family, 11)
	bus := &onewiretest.Bus{Devices: []*onewiretest.Device{
		{Addr: addr, RawTemp: 0x0191, CorruptScratchpad: true},
	}}

	sensor := NewSensor(bus, &sync.Mutex{}, addr)
	_, err := sensor.Read()
	if !errors.Is(err, onewire.ErrCRC) {
		t.Fatalf("got %v from corrupted scratchpad, want crc mismatch", err)
	}

	// Every scratchpad attempt after the first counts as a retry.
	if sensor.Retries() != maxRetries-1 {
		t.Errorf("got %d retries, want %d", sensor.Retries(), maxRetries-1)
	}
	if err := sensor.Err(); err == nil {
		t.Error("last error not recorded")
	}
}

func TestReadAbsentDevice(t *testing.T) {
	restore := stubSleep()
	defer restore()

	// The bus answers presence, but the addressed serial is not on it.
	// An unaddressed scratchpad read returns all ones, which must fail
	// the CRC check rather than decode as a plausible value.
	present := onewiretest.NewAddress(Family, 11)
	absent := onewiretest.NewAddress(Family, 12)
	bus := &onewiretest.Bus{Devices: []*onewiretest.Device{
		{Addr: present, RawTemp: 0x0191},
	}}

	_, err := NewSensor(bus, &sync.Mutex{}, absent).Read()
	if !errors.Is(err, onewire.ErrCRC) {
		t.Fatalf("got %v reading an absent device, want crc mismatch", err)
	}
}

func TestReadPowerOnValue(t *testing.T) {
	restore := stubSleep()
	defer restore()

	addr := onewiretest.NewAddress(Family, 13)
	bus := &onewiretest.Bus{Devices: []*onewiretest.Device{
		{Addr: addr, RawTemp: powerOnRaw},
	}}

	_, err := NewSensor(bus, &sync.Mutex{}, addr).Read()
	if !errors.Is(err, ErrPowerOn) {
		t.Fatalf("got %v reading the power-on value, want ErrPowerOn", err)
	}
}

func TestReadRejectedWhileInFlight(t *testing.T) {
	saved := sleep
	defer func() { sleep = saved }()

	// The first sleep call (inside conversion polling) parks the cycle
	// until the test has exercised the busy path.
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	sleep = func(time.Duration) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}

	addr := onewiretest.NewAddress(Family, 21)
	bus := &onewiretest.Bus{Devices: []*onewiretest.Device{
		{Addr: addr, RawTemp: 0x0191, PollsUntilRelease: 2},
	}}
	sensor := NewSensor(bus, &sync.Mutex{}, addr)

	done := make(chan error, 1)
	go func() {
		_, err := sensor.Read()
		done <- err
	}()

	<-entered
	if !sensor.Busy() {
		t.Error("sensor not busy while a cycle is in flight")
	}
	if _, err := sensor.Read(); !errors.Is(err, ErrBusy) {
		t.Errorf("got %v from overlapping read, want ErrBusy", err)
	}
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("got error from the first cycle: %v", err)
	}
	if sensor.Busy() {
		t.Error("sensor still busy after the cycle resolved")
	}
}

func TestTwoSensorsOnePin(t *testing.T) {
	restore := stubSleep()
	defer restore()

	addrA := onewiretest.NewAddress(Family, 0xa1)
	addrB := onewiretest.NewAddress(Family, 0xb2)
	bus := &onewiretest.Bus{Devices: []*onewiretest.Device{
		{Addr: addrA, RawTemp: 0x0191, PollsUntilRelease: 1},
		{Addr: addrB, RawTemp: -0x00a2, PollsUntilRelease: 1},
	}}

	pinLock := &sync.Mutex{}
	sensorA := NewSensor(bus, pinLock, addrA)
	sensorB := NewSensor(bus, pinLock, addrB)

	readingA, err := sensorA.Read()
	if err != nil {
		t.Fatalf("got error reading %s: %v", addrA, err)
	}
	readingB, err := sensorB.Read()
	if err != nil {
		t.Fatalf("got error reading %s: %v", addrB, err)
	}

	if readingA.Addr == readingB.Addr {
		t.Fatal("readings conflated under one address")
	}
	if readingA.Temperature != 25.0625 {
		t.Errorf("sensor %s: got %v, want 25.0625", addrA, readingA.Temperature)
	}
	if readingB.Temperature != -10.125 {
		t.Errorf("sensor %s: got %v, want -10.125", addrB, readingB.Temperature)
	}
}
