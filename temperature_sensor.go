package owkit

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"
	"github.com/pkg/errors"

	"github.com/hubertat/owkit/ds18b20"
	"github.com/hubertat/owkit/onewire"
)

const oldDataDuration = 10 * time.Minute

// TemperatureSensor pairs one bus device with its HomeKit thermometer
// accessory and the last published value. The device address is the
// sensor's identity; names are decoration.
type TemperatureSensor struct {
	Name string

	sensor   *ds18b20.Sensor
	interval time.Duration

	mx       sync.Mutex
	value    float64
	lastSync time.Time

	hkA           *accessory.Thermometer
	hkStatusFault *characteristic.StatusFault
}

func newTemperatureSensor(name string, sensor *ds18b20.Sensor, interval time.Duration) *TemperatureSensor {
	ts := &TemperatureSensor{
		Name:     name,
		sensor:   sensor,
		interval: interval,
	}

	info := accessory.Info{
		Name:         name,
		SerialNumber: sensor.Addr().String(),
	}
	ts.hkA = accessory.NewTemperatureSensor(info)
	ts.hkStatusFault = characteristic.NewStatusFault()
	ts.hkStatusFault.SetValue(characteristic.StatusFaultGeneralFault)
	ts.hkA.TempSensor.AddC(ts.hkStatusFault.C)

	return ts
}

func (ts *TemperatureSensor) Addr() onewire.Address {
	return ts.sensor.Addr()
}

// Busy reports whether a measurement cycle is in flight for this device.
func (ts *TemperatureSensor) Busy() bool {
	return ts.sensor.Busy()
}

// Read runs one measurement cycle and mirrors the outcome into the
// HomeKit accessory. An in-flight cycle surfaces as ds18b20.ErrBusy and
// leaves the accessory state untouched.
func (ts *TemperatureSensor) Read() (ds18b20.Reading, error) {
	reading, err := ts.sensor.Read()
	if err != nil {
		if !errors.Is(err, ds18b20.ErrBusy) {
			ts.hkStatusFault.SetValue(characteristic.StatusFaultGeneralFault)
		}
		return reading, err
	}

	ts.mx.Lock()
	ts.value = reading.Temperature
	ts.lastSync = reading.Taken
	ts.mx.Unlock()
	ts.hkStatusFault.SetValue(characteristic.StatusFaultNoFault)
	ts.hkA.TempSensor.CurrentTemperature.SetValue(reading.Temperature)

	return reading, nil
}

// GetValue returns the last temperature, refusing values that were never
// synced or have gone stale.
func (ts *TemperatureSensor) GetValue() (value float64, err error) {
	ts.mx.Lock()
	defer ts.mx.Unlock()

	if ts.lastSync.IsZero() {
		err = errors.Errorf("cannot get sensor %s value, never synced", ts.Addr())
		return
	}

	if time.Since(ts.lastSync) > oldDataDuration {
		err = errors.Errorf("cannot get value of sensor %s, data is too old (%v old)", ts.Addr(), time.Since(ts.lastSync))
		return
	}

	value = ts.value
	return
}

func (ts *TemperatureSensor) GetHk() *accessory.A {
	return ts.hkA.A
}

// GetUniqueId derives the stable accessory id from the device address,
// so HomeKit pairings survive restarts and enumeration order changes.
func (ts *TemperatureSensor) GetUniqueId() uint64 {
	addr := ts.sensor.Addr()
	return binary.LittleEndian.Uint64(addr[:])
}
