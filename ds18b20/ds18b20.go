// Package ds18b20 reads Dallas/Maxim DS18B20 temperature sensors over a
// onewire.Transport. Each sensor runs a complete measurement cycle at a
// time: start conversion, poll until the device releases the bus, read
// and validate the scratchpad, decode the temperature.
package ds18b20

import (
	"time"

	"github.com/pkg/errors"

	"github.com/hubertat/owkit/onewire"
)

// Family is the device family code carried in the first address byte.
const Family byte = 0x28

// Function commands, issued after the device is addressed.
const (
	cmdConvert        byte = 0x44
	cmdReadScratchpad byte = 0xbe
)

// powerOnRaw is the reset value of the temperature register (+85°C).
// Reading it back almost always means no conversion ever ran, typically
// a missing pull-up; the same guard the reference drivers apply.
const powerOnRaw int16 = 85 * 16

// ErrBusy rejects a read request while a cycle for the same sensor is
// still in flight. The request is dropped, never queued.
var ErrBusy = errors.New("ds18b20: read cycle already in flight")

// ErrPowerOn marks a scratchpad still holding the power-on reset value.
var ErrPowerOn = errors.New("ds18b20: power-on value read, no conversion performed")

// Reading is one decoded measurement. Immutable once produced.
type Reading struct {
	Addr        onewire.Address
	Raw         int16
	Temperature float64
	Taken       time.Time
}

// Decode converts the raw two's-complement register value to degrees
// Celsius. The register holds 1/16 degree steps.
func Decode(raw int16) float64 {
	return float64(raw) / 16
}
