package owkit

import (
	"sync"
	"testing"
	"time"

	"github.com/hubertat/owkit/ds18b20"
	"github.com/hubertat/owkit/onewire/onewiretest"
)

func newSimSensor(t testing.TB, device *onewiretest.Device) *TemperatureSensor {
	t.Helper()

	sim := &onewiretest.Bus{Devices: []*onewiretest.Device{device}}
	sensor := ds18b20.NewSensor(sim, &sync.Mutex{}, device.Addr)
	return newTemperatureSensor("Test sensor", sensor, 0)
}

func TestTemperatureSensorRead(t *testing.T) {
	ts := newSimSensor(t, &onewiretest.Device{
		Addr:    onewiretest.NewAddress(ds18b20.Family, 3),
		RawTemp: 0x0191,
	})

	if _, err := ts.GetValue(); err == nil {
		t.Error("got nil error from GetValue before any sync")
	}

	reading, err := ts.Read()
	if err != nil {
		t.Fatalf("got read error: %v", err)
	}
	if reading.Temperature != 25.0625 {
		t.Errorf("got %v degrees, want 25.0625", reading.Temperature)
	}

	value, err := ts.GetValue()
	if err != nil {
		t.Fatalf("got error from GetValue after sync: %v", err)
	}
	if value != 25.0625 {
		t.Errorf("got value %v, want 25.0625", value)
	}
}

func TestTemperatureSensorStaleValue(t *testing.T) {
	ts := newSimSensor(t, &onewiretest.Device{
		Addr:    onewiretest.NewAddress(ds18b20.Family, 4),
		RawTemp: 0x0191,
	})

	if _, err := ts.Read(); err != nil {
		t.Fatalf("got read error: %v", err)
	}

	ts.lastSync = time.Now().Add(-oldDataDuration - time.Minute)
	if _, err := ts.GetValue(); err == nil {
		t.Error("got nil error from GetValue with stale data")
	}
}

func TestTemperatureSensorConcurrentAccess(t *testing.T) {
	ts := newSimSensor(t, &onewiretest.Device{
		Addr:    onewiretest.NewAddress(ds18b20.Family, 5),
		RawTemp: 0x0191,
	})

	if _, err := ts.Read(); err != nil {
		t.Fatalf("got read error: %v", err)
	}

	// Interval tasks update the value from their own goroutines while
	// HomeKit and status handlers read it. Hammer both sides so the race
	// detector can catch unguarded access.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				ts.Read()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if value, err := ts.GetValue(); err == nil && value != 25.0625 {
					t.Errorf("got value %v, want 25.0625", value)
				}
			}
		}()
	}
	wg.Wait()

	value, err := ts.GetValue()
	if err != nil {
		t.Fatalf("got error from GetValue after concurrent reads: %v", err)
	}
	if value != 25.0625 {
		t.Errorf("got value %v, want 25.0625", value)
	}
}

func TestTemperatureSensorUniqueId(t *testing.T) {
	deviceA := &onewiretest.Device{Addr: onewiretest.NewAddress(ds18b20.Family, 0xa1)}
	deviceB := &onewiretest.Device{Addr: onewiretest.NewAddress(ds18b20.Family, 0xb2)}

	tsA := newSimSensor(t, deviceA)
	tsB := newSimSensor(t, deviceB)

	if tsA.GetUniqueId() == tsB.GetUniqueId() {
		t.Error("distinct devices share a unique id")
	}
	if tsA.GetUniqueId() != newSimSensor(t, deviceA).GetUniqueId() {
		t.Error("unique id not stable for the same device")
	}
	if tsA.GetUniqueId() == 0 {
		t.Error("unique id must not be zero")
	}
}

func TestTemperatureSensorHkAccessory(t *testing.T) {
	device := &onewiretest.Device{
		Addr:    onewiretest.NewAddress(ds18b20.Family, 6),
		RawTemp: 0x0191,
	}
	ts := newSimSensor(t, device)

	hk := ts.GetHk()
	if hk == nil {
		t.Fatal("no HomeKit accessory built")
	}
	if got := hk.Info.SerialNumber.Value(); got != device.Addr.String() {
		t.Errorf("got accessory serial %q, want device address %q", got, device.Addr)
	}

	if _, err := ts.Read(); err != nil {
		t.Fatalf("got read error: %v", err)
	}
	if got := ts.hkA.TempSensor.CurrentTemperature.Value(); got != 25.0625 {
		t.Errorf("accessory temperature %v, want 25.0625", got)
	}
}
